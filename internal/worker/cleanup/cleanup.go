// Package cleanup は論理削除されたカードの自動削除ジョブを提供する。
// 非アクティブになってから保持期間（デフォルト30日）を超過したカードを物理削除する。
// リンクはCASCADE削除で自動的に処理される。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/cardsync/internal/model"
)

// Purger は非アクティブカードの物理削除を抽象化するインターフェース。
// *card.Service が実装し、削除したカードを更新フィードに発行する。
type Purger interface {
	PurgeInactive(ctx context.Context, before time.Time) ([]*model.Card, error)
}

// CleanupJob は保持期間を超過した非アクティブカードの自動削除ジョブ。
// 冪等な削除処理を保証する。
type CleanupJob struct {
	purger        Purger
	logger        *slog.Logger
	RetentionDays int // 非アクティブカードの保持日数（デフォルト: 30）
	now           func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は30日。
func NewCleanupJob(purger Purger, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		purger:        purger,
		logger:        logger,
		RetentionDays: 30,
		now:           time.Now,
	}
}

// Run は保持期間を超過した非アクティブカードを削除する。
// updated_atがRetentionDays日前より古い非アクティブカードが対象。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	before := j.now().AddDate(0, 0, -j.RetentionDays)

	purged, err := j.purger.PurgeInactive(ctx, before)
	if err != nil {
		j.logger.Error("カードクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("カードクリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("カードクリーンアップジョブが完了しました",
		slog.Int("deleted_count", len(purged)),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降intervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。実行エラーはログに記録して継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	// エラーはRun内でログ済み
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
