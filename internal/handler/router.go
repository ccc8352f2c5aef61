package handler

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/cardsync/internal/middleware"
	"github.com/hitoshi/cardsync/internal/query"
	"github.com/hitoshi/cardsync/internal/stream"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	StatusRecorder    middleware.StatusRecorder

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// カード
	CardService CardServiceInterface
	QuerySource query.Source
	Streamer    stream.Streamer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → RateLimit(General) → RateLimit(Write, 書き込みのみ)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	cardHandler := NewCardHandler(deps.CardService)
	queryHandler := NewQueryHandler(deps.QuerySource)
	streamHandler := NewStreamHandler(deps.Streamer, logger, originPatterns(deps.CORSAllowedOrigin))

	r.Group(func(r chi.Router) {
		write := func(next http.Handler) http.Handler { return next }
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
			write = deps.RateLimiter.WriteMiddleware()
		}

		r.Route("/api/cards", func(r chi.Router) {
			r.With(write).Post("/", cardHandler.CreateCard)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cardHandler.GetCard)
				r.With(write).Patch("/", cardHandler.UpdateCard)
				r.With(write).Delete("/", cardHandler.DeleteCard)
				r.With(write).Post("/links", cardHandler.LinkCard)
			})
		})

		r.Post("/api/query", queryHandler.Query)

		// WebSocket接続の確立は書き込みと同じ枠で制限する
		r.With(write).Get("/api/stream", streamHandler.Stream)
	})

	return r
}

// originPatterns はCORS許可オリジンからWebSocketのOriginPatternsを作る。
func originPatterns(allowedOrigin string) []string {
	if allowedOrigin == "" {
		return nil
	}
	u, err := url.Parse(allowedOrigin)
	if err != nil || u.Host == "" {
		return []string{allowedOrigin}
	}
	return []string{u.Host}
}
