package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/cardsync/internal/card"
	"github.com/hitoshi/cardsync/internal/middleware"
	"github.com/hitoshi/cardsync/internal/model"
)

// CardServiceInterface はカードハンドラーが必要とするサービスインターフェース。
type CardServiceInterface interface {
	Create(ctx context.Context, in card.CreateInput) (*model.Card, error)
	Get(ctx context.Context, id string) (*model.Card, error)
	Update(ctx context.Context, id string, in card.UpdateInput) (*model.Card, error)
	Delete(ctx context.Context, id string) (*model.Card, error)
	Link(ctx context.Context, fromID, verb, toID string) (*model.Card, error)
}

// CardHandler はカード管理のHTTPハンドラー。
type CardHandler struct {
	service CardServiceInterface
}

// NewCardHandler はCardHandlerを生成する。
func NewCardHandler(service CardServiceInterface) *CardHandler {
	return &CardHandler{service: service}
}

// linkRequest はリンク作成リクエストのボディ。
type linkRequest struct {
	Verb string `json:"verb"`
	ToID string `json:"to_id"`
}

// CreateCard はカードを作成する。
// POST /api/cards
func (h *CardHandler) CreateCard(w http.ResponseWriter, r *http.Request) {
	var in card.CreateInput
	if err := decodeJSONBody(w, r, &in); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError())
		return
	}

	c, err := h.service.Create(r.Context(), in)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetCard はカードをリンク展開済みで返す。
// GET /api/cards/{id}
func (h *CardHandler) GetCard(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateCard はカードを部分更新する。
// PATCH /api/cards/{id}
func (h *CardHandler) UpdateCard(w http.ResponseWriter, r *http.Request) {
	var in card.UpdateInput
	if err := decodeJSONBody(w, r, &in); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError())
		return
	}

	c, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DeleteCard はカードを論理削除し、非アクティブになったカードを返す。
// DELETE /api/cards/{id}
func (h *CardHandler) DeleteCard(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// LinkCard はカード間のリンクを作成し、リンク元のカードを返す。
// POST /api/cards/{id}/links
func (h *CardHandler) LinkCard(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError())
		return
	}
	if strings.TrimSpace(req.ToID) == "" {
		middleware.WriteAPIError(w, model.NewInvalidCardError("to_id is required"))
		return
	}

	c, err := h.service.Link(r.Context(), chi.URLParam(r, "id"), req.Verb, req.ToID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}
