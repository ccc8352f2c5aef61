package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/cardsync/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスのJSON表現。
// ハンドラーとミドルウェアの双方がこの形で返す。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// statusByCode はエラーコードとHTTPステータスの対応表。
var statusByCode = map[string]int{
	model.ErrCodeCardNotFound:       http.StatusNotFound,
	model.ErrCodeInvalidCard:        http.StatusBadRequest,
	model.ErrCodeInvalidFilter:      http.StatusBadRequest,
	model.ErrCodeInvalidQuery:       http.StatusBadRequest,
	model.ErrCodeInvalidRequest:     http.StatusBadRequest,
	model.ErrCodeQueryFailed:        http.StatusBadGateway,
	model.ErrCodeSubscriptionFailed: http.StatusServiceUnavailable,
	model.ErrCodeRateLimited:        http.StatusTooManyRequests,
	model.ErrCodeInternal:           http.StatusInternalServerError,
}

// StatusForAPIError はエラーコードに対応するHTTPステータスを返す。
// 対応表にないコードは500とする。
func StatusForAPIError(apiErr *model.APIError) int {
	if status, ok := statusByCode[apiErr.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteErrorResponse は指定したステータスでエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody(*apiErr))
}

// WriteAPIError はエラーコードから決まるステータスでエラーレスポンスを書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusForAPIError(apiErr), apiErr)
}

// WriteInternalServerError は500の汎用エラーを書き込む。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteAPIError(w, model.NewInternalError())
}
