package sdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hitoshi/cardsync/internal/filter"
	"github.com/hitoshi/cardsync/internal/model"
	"github.com/hitoshi/cardsync/internal/stream"
)

// handshakeTimeout は購読要求から ready 応答までの待ち時間。
const handshakeTimeout = 10 * time.Second

// ErrStreamRejected はサーバーが購読要求を拒否したことを示す。
var ErrStreamRejected = errors.New("stream subscription rejected")

// Stream はサーバーの更新フィードを購読する。stream.Streamer を実装する。
// ctxがキャンセルされると購読は閉じられる。
func (c *Client) Stream(ctx context.Context, f *filter.Filter) (stream.Subscription, error) {
	wsURL := *c.baseURL
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/api/stream"

	// http.Client.Timeout はWebSocketと併用できないため、既定のクライアントでダイヤルする
	conn, _, err := websocket.Dial(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := wsjson.Write(hsCtx, conn, stream.Message{Type: stream.MessageSubscribe, Filter: f}); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("send subscribe: %w", err)
	}
	var first stream.Message
	if err := wsjson.Read(hsCtx, conn, &first); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("read subscribe response: %w", err)
	}
	switch first.Type {
	case stream.MessageReady:
	case stream.MessageError:
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("%w: %s", ErrStreamRejected, errorText(first.Error))
	default:
		conn.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("%w: unexpected message type %q", ErrStreamRejected, first.Type)
	}

	subCtx, subCancel := context.WithCancel(context.Background())
	s := &subscription{
		conn:   conn,
		events: make(chan model.UpdateEvent, c.bufferSize),
		errs:   make(chan error, 1),
		cancel: subCancel,
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go s.readLoop(subCtx)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	c.logger.Info("ストリームの購読を開始しました", slog.String("filter", f.Slug))
	return s, nil
}

// subscription はWebSocket上の1本の購読。
type subscription struct {
	conn   *websocket.Conn
	events chan model.UpdateEvent
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	closing   bool
	mu        sync.Mutex
}

func (s *subscription) Events() <-chan model.UpdateEvent { return s.events }

func (s *subscription) Errors() <-chan error { return s.errs }

// Close は接続を閉じ、EventsとErrorsがcloseされるまで待つ。
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "")
	})
	<-s.done
	return nil
}

func (s *subscription) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// readLoop はサーバーからのメッセージを読み、更新をEventsへ流す。
// 自分から閉じた場合を除き、終了理由をErrorsに1件送ってから両チャネルを閉じる。
func (s *subscription) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.errs)
	defer close(s.events)

	for {
		var msg stream.Message
		if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
			if !s.isClosing() {
				s.errs <- fmt.Errorf("stream read: %w", err)
			}
			return
		}

		switch msg.Type {
		case stream.MessageUpdate:
			select {
			case s.events <- msg.Event():
			case <-ctx.Done():
				return
			}
		case stream.MessageError:
			s.errs <- fmt.Errorf("%w: %s", ErrStreamRejected, errorText(msg.Error))
			s.conn.Close(websocket.StatusNormalClosure, "")
			return
		default:
			s.logger.Debug("未知のストリームメッセージを無視しました", slog.String("type", string(msg.Type)))
		}
	}
}

func errorText(body *stream.ErrorBody) string {
	if body == nil {
		return "unknown error"
	}
	return body.Code + ": " + body.Message
}
