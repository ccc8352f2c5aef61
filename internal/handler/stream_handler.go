package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hitoshi/cardsync/internal/filter"
	"github.com/hitoshi/cardsync/internal/model"
	"github.com/hitoshi/cardsync/internal/stream"
)

const (
	// subscribeTimeout は接続後に購読要求を待つ時間。
	subscribeTimeout = 10 * time.Second
	// streamWriteTimeout はメッセージ1件の送信タイムアウト。
	streamWriteTimeout = 10 * time.Second
)

// StreamHandler はWebSocketで更新フィードを配信するHTTPハンドラー。
//
// プロトコル:
//
//	client → {"type":"subscribe","filter":{...}}
//	server → {"type":"ready"}
//	server → {"type":"update","before":{...},"after":{...}} ...
//	server → {"type":"error","error":{...}}  （送信後に切断）
type StreamHandler struct {
	streamer       stream.Streamer
	logger         *slog.Logger
	originPatterns []string
}

// NewStreamHandler はStreamHandlerを生成する。
// originPatternsは許可するクロスオリジンのホストパターン。空の場合は同一オリジンのみ許可する。
func NewStreamHandler(streamer stream.Streamer, logger *slog.Logger, originPatterns []string) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		streamer:       streamer,
		logger:         logger,
		originPatterns: originPatterns,
	}
}

// Stream はWebSocket接続を受け付け、購読要求のフィルタに一致する更新を送り続ける。
// GET /api/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	// サーバーのRead/WriteTimeoutはHijack後のコネクションにも残るため解除する
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("WebSocketのアップグレードに失敗しました", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected termination")

	ctx := r.Context()

	readCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	var req stream.Message
	err = wsjson.Read(readCtx, conn, &req)
	cancel()
	if err != nil {
		h.logger.Warn("購読要求を受信できませんでした", slog.String("error", err.Error()))
		conn.Close(websocket.StatusPolicyViolation, "subscribe message required")
		return
	}
	if req.Type != stream.MessageSubscribe || req.Filter == nil {
		h.fail(ctx, conn, websocket.StatusPolicyViolation,
			model.NewInvalidFilterError("first message must be a subscribe request with a filter"))
		return
	}

	sub, err := h.streamer.Stream(ctx, req.Filter)
	if err != nil {
		if errors.Is(err, filter.ErrInvalidFilter) {
			h.fail(ctx, conn, websocket.StatusPolicyViolation, model.NewInvalidFilterError(err.Error()))
			return
		}
		h.fail(ctx, conn, websocket.StatusTryAgainLater, model.NewSubscriptionFailedError(err.Error()))
		return
	}
	defer sub.Close()

	if err := h.write(ctx, conn, stream.Message{Type: stream.MessageReady}); err != nil {
		return
	}

	// 以降クライアントからのメッセージは読み捨て、切断はctxのキャンセルで検知する
	ctx = conn.CloseRead(ctx)

	h.logger.Info("ストリーム接続を開始しました", slog.String("filter", req.Filter.Slug))
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-sub.Events():
			if !ok {
				cause := <-sub.Errors()
				if cause == nil {
					cause = errors.New("stream closed by server")
				}
				h.logger.Warn("ストリームが終了しました", slog.String("error", cause.Error()))
				h.fail(ctx, conn, websocket.StatusTryAgainLater, model.NewSubscriptionFailedError(cause.Error()))
				return
			}
			if err := h.write(ctx, conn, stream.UpdateMessage(ev)); err != nil {
				h.logger.Warn("更新の送信に失敗しました", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (h *StreamHandler) write(ctx context.Context, conn *websocket.Conn, msg stream.Message) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

// fail はエラーメッセージを送信してから接続を閉じる。
func (h *StreamHandler) fail(ctx context.Context, conn *websocket.Conn, code websocket.StatusCode, apiErr *model.APIError) {
	_ = h.write(ctx, conn, stream.Message{
		Type:  stream.MessageError,
		Error: &stream.ErrorBody{Code: apiErr.Code, Message: apiErr.Message},
	})
	conn.Close(code, apiErr.Code)
}
