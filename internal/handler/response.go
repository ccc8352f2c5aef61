package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/cardsync/internal/filter"
	"github.com/hitoshi/cardsync/internal/middleware"
	"github.com/hitoshi/cardsync/internal/model"
	"github.com/hitoshi/cardsync/internal/query"
)

// maxRequestBodySize はリクエストボディの上限（1MB）。
const maxRequestBodySize = 1 << 20

// decodeJSONBody はリクエストボディをJSONとして読み込む。未知のフィールドはエラーとする。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// handleServiceError はサービス層から返されたエラーを統一フォーマットのレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		middleware.WriteAPIError(w, apiErr)
	case errors.Is(err, filter.ErrInvalidFilter), errors.Is(err, filter.ErrLinksUnsupported):
		middleware.WriteAPIError(w, model.NewInvalidFilterError(err.Error()))
	case errors.Is(err, query.ErrQueryFailed):
		slog.Error("クエリの実行に失敗しました", slog.String("error", err.Error()))
		middleware.WriteAPIError(w, model.NewQueryFailedError("upstream query failed"))
	default:
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}
