package handler

import (
	"net/http"

	"github.com/hitoshi/cardsync/internal/middleware"
	"github.com/hitoshi/cardsync/internal/model"
	"github.com/hitoshi/cardsync/internal/query"
)

// QueryHandler はフィルタ付きページ取得のHTTPハンドラー。
type QueryHandler struct {
	source query.Source
}

// NewQueryHandler はQueryHandlerを生成する。
func NewQueryHandler(source query.Source) *QueryHandler {
	return &QueryHandler{source: source}
}

// Query はフィルタに一致するカードを1ページ分返す。
// POST /api/query
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if err := decodeJSONBody(w, r, &req); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError())
		return
	}
	if req.Filter == nil {
		middleware.WriteAPIError(w, model.NewInvalidFilterError("filter is required"))
		return
	}
	dir, err := query.ParseSortDirection(string(req.Options.SortDir))
	if err != nil {
		middleware.WriteAPIError(w, model.NewInvalidQueryError(err.Error()))
		return
	}
	req.Options.SortDir = dir

	cards, err := h.source.Query(r.Context(), req.Filter, req.Options)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if cards == nil {
		cards = []model.Card{}
	}
	writeJSON(w, http.StatusOK, query.Response{Cards: cards})
}
