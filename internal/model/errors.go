// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, card, stream, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeCardNotFound       = "CARD_NOT_FOUND"
	ErrCodeInvalidCard        = "INVALID_CARD"
	ErrCodeInvalidFilter      = "INVALID_FILTER"
	ErrCodeInvalidQuery       = "INVALID_QUERY"
	ErrCodeQueryFailed        = "QUERY_FAILED"
	ErrCodeSubscriptionFailed = "SUBSCRIPTION_FAILED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewCardNotFoundError はカード未検出エラーを生成する。
func NewCardNotFoundError(cardID string) *APIError {
	return &APIError{
		Code:     ErrCodeCardNotFound,
		Message:  fmt.Sprintf("指定されたカードが見つかりません: %s", cardID),
		Category: "card",
		Action:   "カードIDを確認してください。",
	}
}

// NewInvalidCardError はカードの入力値が不正な場合のエラーを生成する。
func NewInvalidCardError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCard,
		Message:  fmt.Sprintf("無効なカードです: %s", reason),
		Category: "validation",
		Action:   "typeとdataを正しく指定してください。",
	}
}

// NewInvalidFilterError は無効なフィルタエラーを生成する。
func NewInvalidFilterError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("無効なフィルタです: %s", reason),
		Category: "validation",
		Action:   "フィルタのスキーマ定義を確認してください。",
	}
}

// NewInvalidQueryError はページング・ソート指定が不正な場合のエラーを生成する。
func NewInvalidQueryError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidQuery,
		Message:  fmt.Sprintf("無効なクエリです: %s", reason),
		Category: "validation",
		Action:   "limit、skip、sort_dirの値を確認してください。",
	}
}

// NewQueryFailedError はクエリ実行失敗エラーを生成する。
func NewQueryFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeQueryFailed,
		Message:  fmt.Sprintf("カードの取得に失敗しました: %s", reason),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewSubscriptionFailedError は更新ストリームのエラーを生成する。
func NewSubscriptionFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionFailed,
		Message:  fmt.Sprintf("更新ストリームでエラーが発生しました: %s", reason),
		Category: "stream",
		Action:   "表示内容が古い可能性があります。再読み込みしてください。",
	}
}

// NewInvalidRequestError はリクエストボディを解析できない場合のエラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewRateLimitedError はレート制限超過のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "指定された時間が経過してから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
