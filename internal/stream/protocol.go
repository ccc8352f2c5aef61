package stream

import (
	"github.com/hitoshi/cardsync/internal/filter"
	"github.com/hitoshi/cardsync/internal/model"
)

// MessageType はプッシュフィードのWebSocketメッセージ種別。
type MessageType string

const (
	// MessageSubscribe はクライアントが最初に送る購読要求。
	MessageSubscribe MessageType = "subscribe"
	// MessageReady は購読が確立したことを示すサーバー応答。
	MessageReady MessageType = "ready"
	// MessageUpdate は変更前後のカードを運ぶ更新通知。
	MessageUpdate MessageType = "update"
	// MessageError は購読の失敗を示す。送信後にサーバーは接続を閉じる。
	MessageError MessageType = "error"
)

// Message はプッシュフィードでやり取りするJSONメッセージ。
type Message struct {
	Type   MessageType    `json:"type"`
	Filter *filter.Filter `json:"filter,omitempty"`
	Before *model.Card    `json:"before,omitempty"`
	After  *model.Card    `json:"after,omitempty"`
	Error  *ErrorBody     `json:"error,omitempty"`
}

// ErrorBody はエラーメッセージの本文。
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UpdateMessage は更新イベントをメッセージに変換する。
func UpdateMessage(ev model.UpdateEvent) Message {
	return Message{Type: MessageUpdate, Before: ev.Before, After: ev.After}
}

// Event はメッセージを更新イベントに変換する。
func (m Message) Event() model.UpdateEvent {
	return model.UpdateEvent{Before: m.Before, After: m.After}
}
