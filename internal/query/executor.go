// Package query は実効フィルタに一致するカードを1ページ分取得する。
//
// バックエンドは総件数を返さないため、残りページの有無は
// 取得件数がページサイズに満たないかどうかで推定する。
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/cardsync/internal/filter"
	"github.com/hitoshi/cardsync/internal/model"
)

// SortDirection はソート方向を表す。
type SortDirection string

const (
	// SortAsc は昇順。
	SortAsc SortDirection = "asc"
	// SortDesc は降順。
	SortDesc SortDirection = "desc"
)

const (
	// DefaultPageSize はページサイズ未指定時の件数。
	DefaultPageSize = 30
	// DefaultSortBy はソートフィールド未指定時のフィールド。
	DefaultSortBy = "created_at"
)

// ErrQueryFailed はページ取得に失敗したことを示すセンチネルエラー。
var ErrQueryFailed = errors.New("query failed")

// ParseSortDirection は文字列をSortDirectionに変換する。空文字列は降順として扱う。
func ParseSortDirection(s string) (SortDirection, error) {
	switch strings.ToLower(s) {
	case "", "desc":
		return SortDesc, nil
	case "asc":
		return SortAsc, nil
	default:
		return "", fmt.Errorf("invalid sort direction: %q", s)
	}
}

// Options はデータソースに渡すページング・ソート指定。
type Options struct {
	Limit   int           `json:"limit"`
	Skip    int           `json:"skip"`
	SortBy  string        `json:"sort_by"`
	SortDir SortDirection `json:"sort_dir"`
}

// Source はフィルタに一致するカードを返す外部データソース。
type Source interface {
	Query(ctx context.Context, f *filter.Filter, opts Options) ([]model.Card, error)
}

// PageWindow はページング状態を表す。
// TotalPagesKnown は短いページを受信するまでは下限値、受信後は正確な値になる。
type PageWindow struct {
	Index           int
	Size            int
	SortBy          string
	SortDir         SortDirection
	TotalPagesKnown int
}

// Options はこのページを取得するためのデータソース指定を返す。
func (w PageWindow) Options() Options {
	return Options{
		Limit:   w.Size,
		Skip:    w.Index * w.Size,
		SortBy:  w.SortBy,
		SortDir: w.SortDir,
	}
}

// Page は1ページ分の取得結果。
type Page struct {
	Cards []model.Card
	// Window は取得結果を反映したページング状態。
	Window PageWindow
	// Exhausted は以降のページが存在しないことを示す。
	Exhausted bool
}

// QueryError はページ取得の失敗を表す。errors.Is(err, ErrQueryFailed) がtrueになる。
type QueryError struct {
	Window PageWindow
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed (page %d, size %d): %v", e.Window.Index, e.Window.Size, e.Err)
}

// Unwrap は原因となったエラーを返す。
func (e *QueryError) Unwrap() error {
	return e.Err
}

// Is は ErrQueryFailed との比較を可能にする。
func (e *QueryError) Is(target error) bool {
	return target == ErrQueryFailed
}

// MetricsRecorder はクエリ実行のメトリクスを記録する。
type MetricsRecorder interface {
	RecordQuery(duration time.Duration, err error)
}

// Executor はデータソースへのページ取得を実行する。
// 失敗時の自動リトライは行わない。リトライ方針は呼び出し元が決める。
type Executor struct {
	source  Source
	logger  *slog.Logger
	metrics MetricsRecorder
}

// NewExecutor はExecutorの新しいインスタンスを生成する。metricsはnilでもよい。
func NewExecutor(source Source, logger *slog.Logger, metrics MetricsRecorder) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		source:  source,
		logger:  logger,
		metrics: metrics,
	}
}

// Fetch はwindowが指すページを取得する。
// 取得件数がページサイズ未満の場合はExhaustedをtrueにし、TotalPagesKnownを確定させる。
func (e *Executor) Fetch(ctx context.Context, f *filter.Filter, w PageWindow) (*Page, error) {
	if w.Size <= 0 {
		w.Size = DefaultPageSize
	}
	if w.SortBy == "" {
		w.SortBy = DefaultSortBy
	}
	if w.SortDir == "" {
		w.SortDir = SortDesc
	}

	start := time.Now()
	cards, err := e.source.Query(ctx, f, w.Options())
	duration := time.Since(start)
	if e.metrics != nil {
		e.metrics.RecordQuery(duration, err)
	}
	if err != nil {
		e.logger.Error("カードの取得に失敗しました",
			slog.String("filter", f.Slug),
			slog.Int("page", w.Index),
			slog.Int("page_size", w.Size),
			slog.String("error", err.Error()),
		)
		return nil, &QueryError{Window: w, Err: err}
	}

	page := &Page{Cards: cards, Window: w}
	// TODO: バックエンドに件数取得APIが追加されたら推定をやめて正確な総ページ数を使う
	if len(cards) < w.Size {
		page.Exhausted = true
		page.Window.TotalPagesKnown = w.Index + 1
	} else if page.Window.TotalPagesKnown < w.Index+2 {
		page.Window.TotalPagesKnown = w.Index + 2
	}

	e.logger.Debug("カードを取得しました",
		slog.String("filter", f.Slug),
		slog.Int("page", w.Index),
		slog.Int("count", len(cards)),
		slog.Bool("exhausted", page.Exhausted),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return page, nil
}
