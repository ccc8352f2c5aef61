// Package stream はカードの変更をフィルタ単位で配信するプッシュ更新フィードを提供する。
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/cardsync/internal/filter"
	"github.com/hitoshi/cardsync/internal/model"
)

// defaultBufferSize は購読ごとのイベントバッファサイズ（デフォルト）。
const defaultBufferSize = 256

var (
	// ErrSubscriberOverflow は購読者の受信が追いつかずバッファが溢れた場合のエラー。
	// 取りこぼしたイベントは再送できないため、購読は閉じられる。
	ErrSubscriberOverflow = errors.New("subscriber buffer overflow")
	// ErrHubClosed は停止済みのHubに購読を要求した場合のエラー。
	ErrHubClosed = errors.New("stream hub is closed")
)

// Subscription はフィルタに紐付いた1本の更新フィード。
// Eventsは到着順に配信され、購読が閉じられるとEventsとErrorsの両方がcloseされる。
type Subscription interface {
	Events() <-chan model.UpdateEvent
	Errors() <-chan error
	// Close は購読を閉じる。閉じ済みの購読に対して呼んでもエラーにならない。
	Close() error
}

// Streamer はフィルタを指定して更新フィードを開く。
type Streamer interface {
	Stream(ctx context.Context, f *filter.Filter) (Subscription, error)
}

// MetricsRecorder はHubのメトリクスを記録する。
type MetricsRecorder interface {
	SetStreamSubscribers(n int)
	RecordEventPublished(deliveries int)
	RecordSubscriberDropped()
}

// Hub はプロセス内の更新フィード。
// Publishされたイベントを、変更前後いずれかが購読フィルタに一致する購読者へ配信する。
type Hub struct {
	compiler   filter.Compiler
	logger     *slog.Logger
	metrics    MetricsRecorder
	bufferSize int

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

// NewHub はHubを生成する。bufferSizeが0以下の場合はデフォルト値256を使用する。
// metricsはnilでもよい。
func NewHub(compiler filter.Compiler, logger *slog.Logger, metrics MetricsRecorder, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		compiler:   compiler,
		logger:     logger,
		metrics:    metrics,
		bufferSize: bufferSize,
		subs:       make(map[uint64]*subscriber),
	}
}

// Stream はフィルタに対する購読を開く。ctxがキャンセルされると購読は閉じられる。
func (h *Hub) Stream(ctx context.Context, f *filter.Filter) (Subscription, error) {
	pred, err := h.compiler.Compile(f)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.nextID++
	s := &subscriber{
		id:     h.nextID,
		slug:   f.Slug,
		hub:    h,
		pred:   pred,
		events: make(chan model.UpdateEvent, h.bufferSize),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	h.subs[s.id] = s
	count := len(h.subs)
	h.mu.Unlock()

	h.setSubscribers(count)
	h.logger.Info("ストリームの購読を開始しました",
		slog.Uint64("subscription_id", s.id),
		slog.String("filter", f.Slug),
		slog.Int("subscribers", count),
	)

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

// Publish はイベントを一致する購読者に配信する。
// 全購読者への配信はロック内で行うため、購読者ごとの到着順はPublishの呼び出し順と一致する。
func (h *Hub) Publish(ev model.UpdateEvent) {
	h.mu.Lock()
	deliveries := 0
	var dropped []*subscriber
	for _, s := range h.subs {
		if !s.pred.Match(ev.Before) && !s.pred.Match(ev.After) {
			continue
		}
		select {
		case s.events <- ev:
			deliveries++
		default:
			dropped = append(dropped, s)
		}
	}
	for _, s := range dropped {
		h.removeLocked(s, ErrSubscriberOverflow)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordEventPublished(deliveries)
	}
	for _, s := range dropped {
		h.logger.Warn("受信が追いつかない購読を切断しました",
			slog.Uint64("subscription_id", s.id),
			slog.String("filter", s.slug),
		)
		if h.metrics != nil {
			h.metrics.RecordSubscriberDropped()
		}
	}
	if len(dropped) > 0 {
		h.setSubscribers(count)
	}
}

// Subscribers は現在の購読数を返す。
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close はすべての購読を閉じ、以降の購読要求を拒否する。
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, s := range h.subs {
		h.removeLocked(s, nil)
	}
	h.mu.Unlock()

	h.setSubscribers(0)
	h.logger.Info("ストリームハブを停止しました")
}

// removeLocked は購読を登録から外してチャネルを閉じる。h.muを保持して呼ぶこと。
func (h *Hub) removeLocked(s *subscriber, cause error) {
	if _, ok := h.subs[s.id]; !ok {
		return
	}
	delete(h.subs, s.id)
	if cause != nil {
		s.errs <- cause
	}
	close(s.events)
	close(s.errs)
	close(s.done)
}

func (h *Hub) setSubscribers(n int) {
	if h.metrics != nil {
		h.metrics.SetStreamSubscribers(n)
	}
}

// subscriber はHubに登録された1本の購読。
type subscriber struct {
	id     uint64
	slug   string
	hub    *Hub
	pred   filter.Predicate
	events chan model.UpdateEvent
	errs   chan error
	done   chan struct{}
}

func (s *subscriber) Events() <-chan model.UpdateEvent { return s.events }

func (s *subscriber) Errors() <-chan error { return s.errs }

func (s *subscriber) Close() error {
	s.hub.mu.Lock()
	_, registered := s.hub.subs[s.id]
	s.hub.removeLocked(s, nil)
	count := len(s.hub.subs)
	s.hub.mu.Unlock()

	if registered {
		s.hub.setSubscribers(count)
	}
	return nil
}
