// Package collection は1つの実効フィルタに対応するカードの順序付きキャッシュを保持し、
// ページ取得とプッシュ更新によってライブに保つ。
//
// 状態遷移:
//
//	closed -> opening -> live -> (reopening -> live)* -> closed
//	opening / reopening -> error -> opening
//
// フィルタの変更やCloseは世代番号を進める。古い世代の購読から遅れて届いたイベントや
// 古い世代のページ取得結果は、新しいフィルタのキャッシュに適用されない。
package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/cardsync/internal/classify"
	"github.com/hitoshi/cardsync/internal/filter"
	"github.com/hitoshi/cardsync/internal/model"
	"github.com/hitoshi/cardsync/internal/query"
	"github.com/hitoshi/cardsync/internal/stream"
)

// Status はコレクションの状態を表す。
type Status string

const (
	StatusClosed    Status = "closed"
	StatusOpening   Status = "opening"
	StatusLive      Status = "live"
	StatusReopening Status = "reopening"
	StatusError     Status = "error"
)

var (
	// ErrSubscriptionFailed は更新フィードの購読に失敗した、または購読がエラーを報告したことを示す。
	ErrSubscriptionFailed = errors.New("subscription failed")
	// ErrSubscriptionClosed は更新フィードが予期せず閉じられたことを示す。
	ErrSubscriptionClosed = errors.New("subscription closed unexpectedly")
	// ErrAlreadyOpen はオープン済みのコレクションに対してOpenが呼ばれたことを示す。
	ErrAlreadyOpen = errors.New("collection is already open")
	// ErrNotOpen は閉じたコレクションに対する操作であることを示す。
	ErrNotOpen = errors.New("collection is not open")
	// ErrSuperseded は処理中にフィルタ変更やCloseが行われ、結果が破棄されたことを示す。
	ErrSuperseded = errors.New("superseded by a newer filter")
)

// NotificationKind は利用者に通知すべき事象の種類。
type NotificationKind string

const (
	NotifyQueryFailed        NotificationKind = "query_failed"
	NotifySubscriptionFailed NotificationKind = "subscription_failed"
)

// Notification はキャッシュの状態とは別に利用者へ伝える事象。
type Notification struct {
	Kind NotificationKind
	Err  error
}

// State はコレクションの観測可能な状態のスナップショット。
// Itemsは書き換えられないため、受け取った側でそのまま保持してよい。
type State struct {
	Items     []model.Card
	PageIndex int
	HasMore   bool
	Status    Status
	// Err は直近に発生したエラー。Status が live でも設定されることがある。
	Err    error
	Filter *filter.Filter
	// Version は状態が変わるたびに増加する。OnChangeは複数のゴルーチンから呼ばれうるため、
	// 古いスナップショットの判別に使う。
	Version uint64
}

// Fetcher はページを取得する。*query.Executor が実装する。
type Fetcher interface {
	Fetch(ctx context.Context, f *filter.Filter, w query.PageWindow) (*query.Page, error)
}

// MetricsRecorder はコレクションのメトリクスを記録する。
type MetricsRecorder interface {
	RecordDisposition(disposition string)
	RecordStaleEvent()
}

// Config はCollectionの設定。
type Config struct {
	PageSize int
	SortBy   string
	SortDir  query.SortDirection
	Logger   *slog.Logger
	Metrics  MetricsRecorder
	// OnChange は状態が変わるたびに呼ばれる。ロック外で呼ばれるため、
	// コールバック内からCollectionのメソッドを呼んでもよい。
	OnChange func(State)
	// OnNotify はQueryFailed / SubscriptionFailedの発生時に呼ばれる。
	OnNotify func(Notification)
}

// Collection はライブに保たれるフィルタ済みカードのキャッシュ。
type Collection struct {
	fetcher  Fetcher
	streamer stream.Streamer
	compiler filter.Compiler
	cfg      Config
	logger   *slog.Logger

	mu        sync.Mutex
	gen       uint64
	version   uint64
	status    Status
	filter    *filter.Filter
	pred      filter.Predicate
	window    query.PageWindow
	items     []model.Card
	pageIndex int
	hasMore   bool
	loading   bool
	err       error
	seeded    bool
	pending   []model.UpdateEvent
	sub       stream.Subscription
	cancel    context.CancelFunc
}

// New は閉じた状態のCollectionを生成する。
func New(fetcher Fetcher, streamer stream.Streamer, compiler filter.Compiler, cfg Config) *Collection {
	if cfg.PageSize <= 0 {
		cfg.PageSize = query.DefaultPageSize
	}
	if cfg.SortBy == "" {
		cfg.SortBy = query.DefaultSortBy
	}
	if cfg.SortDir == "" {
		cfg.SortDir = query.SortDesc
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collection{
		fetcher:  fetcher,
		streamer: streamer,
		compiler: compiler,
		cfg:      cfg,
		logger:   logger,
		status:   StatusClosed,
	}
}

// Open はフィルタに対するキャッシュを開く。
// 先頭ページの取得と更新フィードの購読を並行して行い、live か error になるまでブロックする。
// 閉じた状態かエラー状態からのみ呼び出せる。
func (c *Collection) Open(ctx context.Context, f *filter.Filter) error {
	// 不正なフィルタは組み込みの誤りのため、状態を変えずに即座に返す
	pred, err := c.compiler.Compile(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.status != StatusClosed && c.status != StatusError {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	return c.openLocked(ctx, f, pred, StatusOpening)
}

// ChangeFilter は現在の購読とキャッシュを破棄し、新しいフィルタで開き直す。
func (c *Collection) ChangeFilter(ctx context.Context, f *filter.Filter) error {
	pred, err := c.compiler.Compile(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return ErrNotOpen
	}
	return c.openLocked(ctx, f, pred, StatusReopening)
}

// openLocked は新しい世代を開始して開く。c.muを保持して呼ぶこと。ロックは内部で解放する。
// 状態の確認と世代の開始を同じロック内で行うため、並行したOpenの片方はErrAlreadyOpenになる。
func (c *Collection) openLocked(ctx context.Context, f *filter.Filter, pred filter.Predicate, status Status) error {
	f = f.Clone()

	genCtx, cancel := context.WithCancel(context.Background())

	c.gen++
	gen := c.gen
	oldSub, oldCancel := c.sub, c.cancel
	c.reset()
	c.status = status
	c.filter = f
	c.pred = pred
	c.cancel = cancel
	window := c.window
	st := c.stateLocked()
	c.mu.Unlock()

	c.teardown(oldSub, oldCancel)
	c.emit(st)
	c.logger.Info("コレクションを開いています",
		slog.String("filter", f.Slug),
		slog.String("status", string(status)),
		slog.Uint64("generation", gen),
	)

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()
	stop := context.AfterFunc(genCtx, cancelFetch)
	defer stop()

	var (
		page *query.Page
		sub  stream.Subscription
	)
	g, gctx := errgroup.WithContext(fetchCtx)
	g.Go(func() error {
		p, err := c.fetcher.Fetch(gctx, f, window)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	g.Go(func() error {
		s, err := c.streamer.Stream(genCtx, f)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSubscriptionFailed, err)
		}
		sub = s
		go c.pump(gen, s)
		return nil
	})
	err := g.Wait()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.teardown(sub, cancel)
		return ErrSuperseded
	}
	if err != nil {
		c.status = StatusError
		c.err = err
		c.cancel = nil
		st := c.stateLocked()
		c.mu.Unlock()

		c.teardown(sub, cancel)
		c.emit(st)
		c.report(err)
		return err
	}

	c.sub = sub
	c.items = appendUnique(nil, page.Cards)
	c.pageIndex = 1
	c.hasMore = !page.Exhausted
	c.window = page.Window
	c.seeded = true
	// 先頭ページの受信前に届いたイベントを到着順に適用する
	for _, ev := range c.pending {
		c.apply(ev)
	}
	replayed := len(c.pending)
	c.pending = nil
	c.status = StatusLive
	st = c.stateLocked()
	c.mu.Unlock()

	c.emit(st)
	c.logger.Info("コレクションがライブになりました",
		slog.String("filter", f.Slug),
		slog.Int("items", len(st.Items)),
		slog.Bool("has_more", st.HasMore),
		slog.Int("replayed_events", replayed),
	)
	return nil
}

// LoadNextPage は次のページを取得して末尾に追加する。
// live でない場合、残りページがない場合、取得中の場合、キャッシュ件数が
// PageIndex*PageSize と一致しない場合は何もせず false を返す。
func (c *Collection) LoadNextPage(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.status != StatusLive || !c.hasMore || c.loading || len(c.items) != c.pageIndex*c.window.Size {
		c.mu.Unlock()
		return false, nil
	}
	c.loading = true
	gen := c.gen
	f := c.filter
	w := c.window
	w.Index = c.pageIndex
	c.mu.Unlock()

	page, err := c.fetcher.Fetch(ctx, f, w)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false, ErrSuperseded
	}
	c.loading = false
	if err != nil {
		c.err = err
		st := c.stateLocked()
		c.mu.Unlock()

		c.emit(st)
		c.report(err)
		return false, err
	}

	c.items = appendUnique(c.items, page.Cards)
	c.pageIndex++
	c.hasMore = !page.Exhausted
	c.window = page.Window
	st := c.stateLocked()
	c.mu.Unlock()

	c.emit(st)
	return true, nil
}

// Close は購読を閉じてキャッシュを破棄する。閉じ済みの場合は何もしない。
func (c *Collection) Close() error {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	sub, cancel := c.sub, c.cancel
	c.reset()
	c.filter = nil
	c.pred = nil
	c.status = StatusClosed
	st := c.stateLocked()
	c.mu.Unlock()

	c.teardown(sub, cancel)
	c.emit(st)
	c.logger.Info("コレクションを閉じました")
	return nil
}

// Snapshot は現在の状態を返す。
func (c *Collection) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// pump は購読からイベントとエラーを読み出す。購読が閉じられると終了する。
func (c *Collection) pump(gen uint64, sub stream.Subscription) {
	events, errs := sub.Events(), sub.Errors()
	reported := false
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				if !reported {
					c.subscriptionFailed(gen, ErrSubscriptionClosed)
				}
				continue
			}
			c.handleEvent(gen, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			reported = true
			c.subscriptionFailed(gen, err)
		}
	}
}

func (c *Collection) handleEvent(gen uint64, ev model.UpdateEvent) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.logger.Debug("古い購読のイベントを破棄しました",
			slog.String("card_id", ev.CardID()),
			slog.Uint64("generation", gen),
		)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordStaleEvent()
		}
		return
	}
	if !c.seeded {
		c.pending = append(c.pending, ev)
		c.mu.Unlock()
		return
	}
	changed := c.apply(ev)
	st := c.stateLocked()
	c.mu.Unlock()

	if changed {
		c.emit(st)
	}
}

// apply は分類結果をキャッシュに適用する。c.muを保持して呼ぶこと。
// キャッシュは常に新しいスライスに置き換え、公開済みのスナップショットは変更しない。
func (c *Collection) apply(ev model.UpdateEvent) bool {
	d := classify.Classify(ev, c.pred)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordDisposition(d.String())
	}

	switch d {
	case classify.Insert, classify.Replace:
		card := *ev.After
		idx := indexOf(c.items, card.ID)
		next := make([]model.Card, 0, len(c.items)+1)
		if idx >= 0 {
			next = append(next, c.items...)
			next[idx] = card
		} else {
			// 新着は先頭
			next = append(next, card)
			next = append(next, c.items...)
		}
		c.items = next
		return true
	case classify.Remove:
		idx := indexOf(c.items, ev.CardID())
		if idx < 0 {
			return false
		}
		next := make([]model.Card, 0, len(c.items)-1)
		next = append(next, c.items[:idx]...)
		next = append(next, c.items[idx+1:]...)
		c.items = next
		return true
	default:
		return false
	}
}

func (c *Collection) subscriptionFailed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.status != StatusLive {
		c.mu.Unlock()
		return
	}
	if !errors.Is(err, ErrSubscriptionFailed) {
		err = fmt.Errorf("%w: %w", ErrSubscriptionFailed, err)
	}
	c.err = err
	st := c.stateLocked()
	c.mu.Unlock()

	c.emit(st)
	c.report(err)
}

// reset は世代ごとの状態を初期化する。c.muを保持して呼ぶこと。
func (c *Collection) reset() {
	c.version++
	c.items = nil
	c.pageIndex = 0
	c.hasMore = true
	c.loading = false
	c.err = nil
	c.seeded = false
	c.pending = nil
	c.sub = nil
	c.cancel = nil
	c.window = query.PageWindow{
		Size:    c.cfg.PageSize,
		SortBy:  c.cfg.SortBy,
		SortDir: c.cfg.SortDir,
	}
}

func (c *Collection) stateLocked() State {
	c.version++
	return State{
		Items:     c.items,
		PageIndex: c.pageIndex,
		HasMore:   c.hasMore,
		Status:    c.status,
		Err:       c.err,
		Filter:    c.filter,
		Version:   c.version,
	}
}

func (c *Collection) teardown(sub stream.Subscription, cancel context.CancelFunc) {
	if sub != nil {
		if err := sub.Close(); err != nil {
			c.logger.Warn("購読のクローズに失敗しました", slog.String("error", err.Error()))
		}
	}
	if cancel != nil {
		cancel()
	}
}

func (c *Collection) emit(st State) {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(st)
	}
}

func (c *Collection) report(err error) {
	kind := NotifyQueryFailed
	if errors.Is(err, ErrSubscriptionFailed) {
		kind = NotifySubscriptionFailed
	}
	c.logger.Error("コレクションでエラーが発生しました",
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
	if c.cfg.OnNotify != nil {
		c.cfg.OnNotify(Notification{Kind: kind, Err: err})
	}
}

func indexOf(items []model.Card, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// appendUnique はIDが未登録のカードだけを末尾に追加した新しいスライスを返す。
func appendUnique(items []model.Card, cards []model.Card) []model.Card {
	seen := make(map[string]bool, len(items)+len(cards))
	for _, it := range items {
		seen[it.ID] = true
	}
	next := make([]model.Card, 0, len(items)+len(cards))
	next = append(next, items...)
	for _, card := range cards {
		if seen[card.ID] {
			continue
		}
		seen[card.ID] = true
		next = append(next, card)
	}
	return next
}
