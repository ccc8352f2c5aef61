package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker はデータストアの疎通確認を行う。*sql.DB が実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// healthTimeout はヘルスチェック1回あたりのタイムアウト。
const healthTimeout = 2 * time.Second

// NewHealthHandler は GET /health のハンドラーを返す。
// checkerがnilの場合は常に200を返す。
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
