package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/hitoshi/lessonsync/internal/autoblock"
	"github.com/hitoshi/lessonsync/internal/config"
	"github.com/hitoshi/lessonsync/internal/conflict"
	"github.com/hitoshi/lessonsync/internal/connection"
	"github.com/hitoshi/lessonsync/internal/database"
	"github.com/hitoshi/lessonsync/internal/handler"
	"github.com/hitoshi/lessonsync/internal/logger"
	"github.com/hitoshi/lessonsync/internal/metrics"
	"github.com/hitoshi/lessonsync/internal/middleware"
	"github.com/hitoshi/lessonsync/internal/provider"
	"github.com/hitoshi/lessonsync/internal/repository"
	"github.com/hitoshi/lessonsync/internal/security"
	syncengine "github.com/hitoshi/lessonsync/internal/sync"
	"github.com/hitoshi/lessonsync/internal/worker"
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

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// buildProviders はプロバイダーレジストリを構築する。
// OAuth資格情報が設定されているプロバイダーのみ登録し、
// ICSアダプターはSSRF防止付きクライアントで常に登録する。
// ICSアダプターは購読URLの検証（Probe）にも使うため個別に返す。
func buildProviders(cfg *config.Config, guard provider.SafeClientFactory) (*provider.Registry, *provider.ICSAdapter) {
	var adapters []provider.Adapter

	if cfg.GoogleEnabled() {
		adapters = append(adapters, provider.NewGoogleAdapter(provider.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.BaseURL + "/auth/google/callback",
			Timeout:      cfg.SyncTimeout,
		}))
	}
	if cfg.OutlookEnabled() {
		adapters = append(adapters, provider.NewOutlookAdapter(provider.OutlookConfig{
			ClientID:     cfg.OutlookClientID,
			ClientSecret: cfg.OutlookClientSecret,
			RedirectURL:  cfg.BaseURL + "/auth/outlook/callback",
			Timeout:      cfg.SyncTimeout,
		}))
	}

	icsAdapter := provider.NewICSAdapter(provider.ICSConfig{
		Timeout:     cfg.SyncTimeout,
		MaxBodySize: cfg.FeedMaxSize,
	}, guard)
	adapters = append(adapters, icsAdapter)

	return provider.NewRegistry(adapters...), icsAdapter
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	connRepo := repository.NewPostgresConnectionRepo(db)
	eventRepo := repository.NewPostgresEventRepo(db)
	blockRepo := repository.NewPostgresBlockRepo(db)
	lessonRepo := repository.NewPostgresLessonRepo(db)
	resolutionRepo := repository.NewPostgresResolutionRepo(db)

	// 3. セキュリティサービスとメトリクスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. プロバイダーとドメインサービスの初期化
	providers, icsAdapter := buildProviders(cfg, ssrfGuard)

	connService := connection.NewService(
		connRepo, userRepo, providers,
		connection.NewStateSigner([]byte(cfg.StateSecret), nil),
		connection.NewVerifierStore(nil),
		ssrfGuard, icsAdapter, slog.Default(),
	)

	reconciler := autoblock.NewReconciler(eventRepo, blockRepo, collector, slog.Default(), nil)
	engine := syncengine.NewEngine(connRepo, eventRepo, providers, sanitizer, reconciler, collector, slog.Default(), nil)
	detector := conflict.NewDetector(eventRepo, blockRepo, lessonRepo, collector, slog.Default(), nil)
	slotFinder := conflict.NewSlotFinder(blockRepo)
	resolver := conflict.NewResolver(userRepo, connRepo, eventRepo, lessonRepo, resolutionRepo, collector, slog.Default(), nil)

	// 5. ルーターの構築
	// configのレート制限はreq/min単位なのでreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.SyncRate = rate.Limit(float64(cfg.RateLimitSync) / 60.0)
	rateLimiterCfg.SyncBurst = cfg.RateLimitSync

	deps := &handler.RouterDeps{
		HealthChecker:     db,
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(rateLimiterCfg),
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),

		ConnectionService: connService,
		ConnectionFinder:  connService,

		SyncEngine: engine,

		AutoBlockService: reconciler,

		ConflictDetector: detector,
		SlotFinder:       slotFinder,
		ConflictResolver: resolver,

		UserFinder: userRepo,
	}

	router := handler.NewRouter(deps)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、同期スケジューラを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	connRepo := repository.NewPostgresConnectionRepo(db)
	eventRepo := repository.NewPostgresEventRepo(db)
	blockRepo := repository.NewPostgresBlockRepo(db)
	lessonRepo := repository.NewPostgresLessonRepo(db)

	// 3. セキュリティサービスとメトリクスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()
	collector := metrics.NewCollector(prometheus.NewRegistry())

	// 4. 同期エンジンとオートブロック調整の初期化
	providers, _ := buildProviders(cfg, ssrfGuard)
	reconciler := autoblock.NewReconciler(eventRepo, blockRepo, collector, slog.Default(), nil)
	engine := syncengine.NewEngine(connRepo, eventRepo, providers, sanitizer, reconciler, collector, slog.Default(), nil)
	detector := conflict.NewDetector(eventRepo, blockRepo, lessonRepo, collector, slog.Default(), nil)

	// 5. スケジューラの初期化
	scheduler := worker.NewScheduler(
		connRepo, engine, reconciler, detector,
		slog.Default(), cfg.SyncMaxConcurrent,
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_concurrent", cfg.SyncMaxConcurrent),
	)

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SyncInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
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
