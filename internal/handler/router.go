package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/lessonsync/internal/middleware"
)

// HealthChecker はヘルスチェックに必要なインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	Ping() error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig

	// メトリクス公開用ハンドラー
	MetricsHandler http.Handler

	// カレンダー接続
	ConnectionService ConnectionServiceInterface
	ConnectionFinder  ConnectionFinder

	// 同期
	SyncEngine SyncEngineInterface

	// オートブロック
	AutoBlockService AutoBlockServiceInterface

	// 競合
	ConflictDetector ConflictDetectorInterface
	SlotFinder       SlotFinderInterface
	ConflictResolver ConflictResolverInterface

	// 組織解決
	UserFinder UserFinder
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORSMiddleware → CSRFMiddleware → SessionMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// OAuthコールバック（/auth/{provider}/callback）はstate署名で保護されるため
// セッションミドルウェアの外に配置する。/health と /metrics は認証不要。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	// CORS ミドルウェアを最上位に適用（全ルートに効く）
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	connHandler := NewConnectionHandler(deps.ConnectionService)
	syncHandler := NewSyncHandler(deps.ConnectionFinder, deps.SyncEngine)
	autoBlockHandler := NewAutoBlockHandler(deps.UserFinder, deps.AutoBlockService)
	conflictHandler := NewConflictHandler(deps.UserFinder, deps.ConflictDetector, deps.SlotFinder, deps.ConflictResolver)

	// --- 認証不要のルート ---

	r.Get("/health", newHealthHandler(deps.HealthChecker))

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// OAuthコールバック。プロバイダーからのリダイレクトはCookieを伴わない
	// 可能性があるため、署名付きstate値のみで検証する。
	r.Get("/auth/{provider}/callback", connHandler.Callback)

	// CSRFトークン取得
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: CSRF → Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// OAuth認可フローの開始（認可URLの払い出し）
		r.Get("/auth/{provider}/connect", connHandler.Connect)

		// カレンダー接続管理
		r.Route("/api/connections", func(r chi.Router) {
			r.Get("/", connHandler.List)
			r.Post("/ics", connHandler.ConnectICS)

			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/settings", connHandler.UpdateSettings)
				r.Delete("/", connHandler.Disconnect)

				// POST /api/connections/{id}/sync - 手動同期（専用レート制限を追加）
				r.With(deps.RateLimiter.SyncTriggerMiddleware()).Post("/sync", syncHandler.Trigger)
			})
		})

		// オートブロック管理
		r.Route("/api/autoblock", func(r chi.Router) {
			r.Post("/process", autoBlockHandler.Process)
			r.Get("/status", autoBlockHandler.Status)
		})

		// 競合管理
		r.Route("/api/conflicts", func(r chi.Router) {
			r.Get("/", conflictHandler.List)
			r.Post("/scan", conflictHandler.Scan)
			r.Post("/resolve", conflictHandler.Resolve)
		})

		// 空き枠探索
		r.Get("/api/slots/available", conflictHandler.AvailableSlots)
	})

	return r
}

// newHealthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
func newHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if checker != nil {
			if err := checker.Ping(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{
					"status": "unhealthy",
				})
				return
			}
		}

		json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
		})
	}
}
