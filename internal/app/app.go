package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/cardsync/internal/card"
	"github.com/hitoshi/cardsync/internal/config"
	"github.com/hitoshi/cardsync/internal/database"
	"github.com/hitoshi/cardsync/internal/filter"
	"github.com/hitoshi/cardsync/internal/handler"
	"github.com/hitoshi/cardsync/internal/logger"
	"github.com/hitoshi/cardsync/internal/metrics"
	"github.com/hitoshi/cardsync/internal/middleware"
	"github.com/hitoshi/cardsync/internal/repository"
	"github.com/hitoshi/cardsync/internal/security"
	"github.com/hitoshi/cardsync/internal/stream"
	"github.com/hitoshi/cardsync/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if !cmd.NeedsDatabase() {
		return runClientCommand(w, cmd, args[1:])
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("database_driver", cfg.DatabaseDriver),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runClientCommand はサーバー設定を読み込まずに動くサブコマンドを実行する。
func runClientCommand(w io.Writer, cmd Command, args []string) error {
	if cmd == CommandTail {
		return runTailCommand(w, args)
	}
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	return runHealthcheck(port)
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newCardRepository はドライバに対応するカードリポジトリを返す。
func newCardRepository(driver string, db *sql.DB) repository.CardRepository {
	if driver == database.DriverSQLite {
		return repository.NewSQLiteCardRepo(db)
	}
	return repository.NewPostgresCardRepo(db)
}

// server はAPIサーバーモードで動かす構成要素一式。
type server struct {
	handler     http.Handler
	hub         *stream.Hub
	cleanup     *cleanup.CleanupJob
	rateLimiter *middleware.RateLimiter
}

// newServer は全依存関係をワイヤリングする。
func newServer(cfg *config.Config, db *sql.DB, log *slog.Logger) *server {
	// 1. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 2. フィルタ評価と更新フィード
	compiler := filter.NewSchemaCompiler(cfg.SchemaCacheSize)
	hub := stream.NewHub(compiler, log, collector, cfg.StreamBufferSize)

	// 3. ドメインサービス
	svc := card.NewService(
		newCardRepository(cfg.DatabaseDriver, db),
		compiler,
		security.NewMarkupSanitizer(),
		hub,
		log,
	)

	job := cleanup.NewCleanupJob(svc, log)
	job.RetentionDays = cfg.CleanupRetentionDays

	// 4. ルーターの構築
	// configのレート制限はreq/min単位なのでreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.WriteRate = rate.Limit(float64(cfg.RateLimitWrite) / 60.0)
	rateLimiterCfg.WriteBurst = cfg.RateLimitWrite
	rateLimiterCfg.TrustProxy = cfg.TrustProxy
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)

	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            log,
		StatusRecorder:    collector,
		HealthChecker:     db,
		MetricsHandler:    metrics.Handler(registry),
		CardService:       svc,
		QuerySource:       svc,
		Streamer:          hub,
	})

	return &server{
		handler:     router,
		hub:         hub,
		cleanup:     job,
		rateLimiter: rateLimiter,
	}
}

// close は更新フィードの購読者を切断し、バックグラウンド処理を止める。
func (s *server) close() {
	s.hub.Close()
	s.rateLimiter.Stop()
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーとクリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// SQLiteは単一プロセスで使う前提のため、起動時にスキーマを適用する
	if cfg.DatabaseDriver == database.DriverSQLite {
		if err := database.RunMigrations(db, cfg.DatabaseDriver); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	srv := newServer(cfg, db, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// クリーンアップはサーバー内で実行し、物理削除を購読者へ配信する
	go srv.cleanup.Start(ctx, cfg.CleanupInterval)

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", httpServer.Addr),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		srv.close()
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	cancel()
	// WebSocket接続はShutdownの待機対象外のため、先に購読を終了させる
	srv.close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はクリーンアップ専用のワーカーモードで起動する。
// APIサーバーとは別プロセスで動くため、物理削除は購読者へ配信されない。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	svc := card.NewService(
		newCardRepository(cfg.DatabaseDriver, db),
		filter.NewSchemaCompiler(cfg.SchemaCacheSize),
		security.NewMarkupSanitizer(),
		nil,
		slog.Default(),
	)
	job := cleanup.NewCleanupJob(svc, slog.Default())
	job.RetentionDays = cfg.CleanupRetentionDays

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("retention_days", cfg.CleanupRetentionDays),
	)

	// ctxがキャンセルされるまでブロックする
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.RunMigrations(db, cfg.DatabaseDriver); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
