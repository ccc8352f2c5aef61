package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/cardsync/internal/collection"
	"github.com/hitoshi/cardsync/internal/config"
	"github.com/hitoshi/cardsync/internal/filter"
	"github.com/hitoshi/cardsync/internal/logger"
	"github.com/hitoshi/cardsync/internal/metrics"
	"github.com/hitoshi/cardsync/internal/query"
	"github.com/hitoshi/cardsync/internal/sdk"
)

// errTailUsage はtailコマンドの引数が不足していることを示す。
var errTailUsage = errors.New("usage: cardsync tail <view.yaml>")

const (
	// initialReopenBackoff は再接続の初回遅延。
	initialReopenBackoff = time.Second
	// maxReopenBackoff は再接続の最大遅延。
	maxReopenBackoff = time.Minute
)

// reopenBackoff は連続失敗回数に基づいて再接続までの指数バックオフ遅延を計算する。
// 初回1秒、2倍ずつ増加、最大1分。
func reopenBackoff(consecutiveFailures int) time.Duration {
	delay := initialReopenBackoff
	for i := 0; i < consecutiveFailures; i++ {
		delay *= 2
		if delay > maxReopenBackoff {
			return maxReopenBackoff
		}
	}
	return delay
}

// runTailCommand はtailコマンドのエントリーポイント。
// SIGINTまたはSIGTERMを受信するまでコレクションを開き続ける。
func runTailCommand(w io.Writer, args []string) error {
	logger.SetupDefault(w)

	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	if len(args) == 0 {
		return errTailUsage
	}

	vf, err := filter.LoadViewFile(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return tail(ctx, cfg, vf, slog.Default(), nil)
}

// tail はビュー定義から実効フィルタを合成し、SDK経由でコレクションを開いて
// ctxがキャンセルされるまで状態変化をログに記録する。
// 更新フィードが切れた場合はバックオフを挟んで開き直す。
// observeがnilでない場合は状態変化ごとに呼ばれる。
func tail(ctx context.Context, cfg *config.ClientConfig, vf *filter.ViewFile, log *slog.Logger, observe func(collection.State)) error {
	f, err := vf.Effective()
	if err != nil {
		return fmt.Errorf("failed to build filter: %w", err)
	}
	sortDir, err := query.ParseSortDirection(vf.SortDir)
	if err != nil {
		return fmt.Errorf("failed to build filter: %w", err)
	}
	pageSize := vf.PageSize
	if pageSize <= 0 {
		pageSize = cfg.PageSize
	}

	client, err := sdk.New(sdk.Config{
		BaseURL:    cfg.ServerURL,
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
		Breaker: sdk.BreakerConfig{
			MaxFailures:         uint32(cfg.BreakerMaxFailures),
			Timeout:             cfg.BreakerTimeout,
			HalfOpenMaxRequests: 1,
		},
		StreamBufferSize: cfg.StreamBufferSize,
		Logger:           log,
	})
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(prometheus.NewRegistry())
	failures := make(chan struct{}, 1)

	coll := collection.New(
		query.NewExecutor(client, log, collector),
		client,
		filter.NewSchemaCompiler(cfg.SchemaCacheSize),
		collection.Config{
			PageSize: pageSize,
			SortBy:   vf.SortBy,
			SortDir:  sortDir,
			Logger:   log,
			Metrics:  collector,
			OnChange: func(st collection.State) {
				logState(log, st)
				if observe != nil {
					observe(st)
				}
			},
			OnNotify: func(n collection.Notification) {
				log.Warn("コレクションで障害が発生しました",
					slog.String("kind", string(n.Kind)),
					slog.String("error", n.Err.Error()),
				)
				if n.Kind == collection.NotifySubscriptionFailed {
					select {
					case failures <- struct{}{}:
					default:
					}
				}
			},
		},
	)
	defer coll.Close()

	log.Info("コレクションを開きます",
		slog.String("server_url", cfg.ServerURL),
		slog.String("slug", f.Slug),
		slog.Int("page_size", pageSize),
	)
	if err := coll.Open(ctx, f); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to open collection: %w", err)
	}

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("コレクションを閉じます")
			return nil
		case <-failures:
		}

		delay := reopenBackoff(attempt)
		log.Warn("更新フィードに再接続します",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			log.Info("コレクションを閉じます")
			return nil
		case <-time.After(delay):
		}

		if err := coll.ChangeFilter(ctx, f); err != nil {
			if ctx.Err() != nil {
				log.Info("コレクションを閉じます")
				return nil
			}
			attempt++
			select {
			case failures <- struct{}{}:
			default:
			}
			continue
		}
		attempt = 0
	}
}

// logState はコレクションの状態をログに記録する。
func logState(log *slog.Logger, st collection.State) {
	attrs := []any{
		slog.String("status", string(st.Status)),
		slog.Int("items", len(st.Items)),
		slog.Int("page_index", st.PageIndex),
		slog.Bool("has_more", st.HasMore),
		slog.Uint64("version", st.Version),
	}
	if len(st.Items) > 0 {
		attrs = append(attrs, slog.String("head_id", st.Items[0].ID))
	}
	if st.Err != nil {
		attrs = append(attrs, slog.String("error", st.Err.Error()))
	}
	log.Info("コレクションの状態が変化しました", attrs...)
}
