package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/lessonsync/internal/conflict"
	"github.com/hitoshi/lessonsync/internal/middleware"
	"github.com/hitoshi/lessonsync/internal/model"
	syncengine "github.com/hitoshi/lessonsync/internal/sync"
)

// --- モック定義 ---

type mockSessionFinder struct {
	findByIDFn func(ctx context.Context, id string) (*model.Session, error)
}

func (m *mockSessionFinder) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

type mockHealthChecker struct {
	pingErr error
}

func (m *mockHealthChecker) Ping() error {
	return m.pingErr
}

// newTestRouterDeps はテスト用の依存一式を組み立てるヘルパー。
// session-1でログイン済みのuser-123（org-1所属）を前提とする。
func newTestRouterDeps() *RouterDeps {
	sessions := &mockSessionFinder{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id == "session-1" {
				return &model.Session{
					ID:        "session-1",
					UserID:    "user-123",
					ExpiresAt: time.Now().Add(1 * time.Hour),
				}, nil
			}
			return nil, nil
		},
	}

	return &RouterDeps{
		HealthChecker:     &mockHealthChecker{},
		SessionFinder:     sessions,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig()),
		CSRFConfig:        middleware.CSRFConfig{},

		ConnectionService: &mockConnectionService{},
		ConnectionFinder:  &mockConnectionFinder{},
		SyncEngine:        &mockSyncEngine{},
		AutoBlockService:  &mockAutoBlockService{},
		ConflictDetector:  &mockConflictDetector{},
		SlotFinder:        &mockSlotFinder{},
		ConflictResolver:  &mockConflictResolver{},
		UserFinder:        orgUserFinder("org-1"),
	}
}

// withSession はテスト用にセッションCookieを付与するヘルパー。
func withSession(r *http.Request) *http.Request {
	r.AddCookie(&http.Cookie{Name: "session_id", Value: "session-1"})
	return r
}

// withCSRF はテスト用にCSRFトークンのCookieとヘッダーを付与するヘルパー。
func withCSRF(r *http.Request) *http.Request {
	r.AddCookie(&http.Cookie{Name: "csrf_token", Value: "test-csrf-token"})
	r.Header.Set("X-CSRF-Token", "test-csrf-token")
	return r
}

// --- ルーティングのテスト ---

func TestRouter_Health_ReturnsOK(t *testing.T) {
	router := NewRouter(newTestRouterDeps())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestRouter_Health_DBDown_Returns503(t *testing.T) {
	deps := newTestRouterDeps()
	deps.HealthChecker = &mockHealthChecker{pingErr: errors.New("connection refused")}
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusServiceUnavailable)
	}
}

func TestRouter_Metrics_MountedWhenHandlerProvided(t *testing.T) {
	deps := newTestRouterDeps()
	deps.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("lessonsync_sync_success_total 1\n"))
	})
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestRouter_APIWithoutSession_Returns401(t *testing.T) {
	router := NewRouter(newTestRouterDeps())

	req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestRouter_APIWithSession_ReachesHandler(t *testing.T) {
	deps := newTestRouterDeps()
	deps.ConnectionService = &mockConnectionService{
		listConnectionsFn: func(ctx context.Context, userID string) ([]*model.CalendarConnection, error) {
			if userID != "user-123" {
				t.Errorf("userID = %q, want %q", userID, "user-123")
			}
			return []*model.CalendarConnection{testConnection("conn-1")}, nil
		},
	}
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
	req = withSession(req)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestRouter_StateChangingRequestWithoutCSRF_Returns403(t *testing.T) {
	router := NewRouter(newTestRouterDeps())

	req := httptest.NewRequest(http.MethodPost, "/api/autoblock/process", nil)
	req = withSession(req)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
	}
}

func TestRouter_StateChangingRequestWithCSRF_Succeeds(t *testing.T) {
	deps := newTestRouterDeps()
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/autoblock/process", nil)
	req = withSession(req)
	req = withCSRF(req)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestRouter_OAuthCallback_ReachableWithoutSession(t *testing.T) {
	deps := newTestRouterDeps()
	deps.ConnectionService = &mockConnectionService{
		completeAuthFn: func(ctx context.Context, stateToken, code string) (*model.CalendarConnection, error) {
			return testConnection("conn-1"), nil
		},
	}
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=c&state=s", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusCreated)
	}
}

func TestRouter_SyncTrigger_UsesDedicatedRateLimit(t *testing.T) {
	deps := newTestRouterDeps()
	cfg := middleware.DefaultRateLimiterConfig()
	cfg.SyncRate = 1
	cfg.SyncBurst = 1
	deps.RateLimiter = middleware.NewRateLimiter(cfg)
	deps.ConnectionFinder = &mockConnectionFinder{
		findOwnedFn: func(ctx context.Context, userID, connectionID string) (*model.CalendarConnection, error) {
			return testConnection(connectionID), nil
		},
	}
	deps.SyncEngine = &mockSyncEngine{
		syncConnectionFn: func(ctx context.Context, conn *model.CalendarConnection) (*syncengine.Result, error) {
			return &syncengine.Result{}, nil
		},
	}
	router := NewRouter(deps)

	// 1回目は通る
	req1 := httptest.NewRequest(http.MethodPost, "/api/connections/conn-1/sync", nil)
	req1 = withSession(req1)
	req1 = withCSRF(req1)
	w1 := httptest.NewRecorder()
	router.ServeHTTP(w1, req1)

	if w1.Result().StatusCode != http.StatusOK {
		t.Fatalf("request 1: status = %d, want %d", w1.Result().StatusCode, http.StatusOK)
	}

	// 2回目は同期専用レート制限に引っかかる
	req2 := httptest.NewRequest(http.MethodPost, "/api/connections/conn-1/sync", nil)
	req2 = withSession(req2)
	req2 = withCSRF(req2)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req2)

	if w2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("request 2: status = %d, want %d", w2.Result().StatusCode, http.StatusTooManyRequests)
	}
}

func TestRouter_SlotSearch_WiresQueryThrough(t *testing.T) {
	deps := newTestRouterDeps()
	deps.SlotFinder = &mockSlotFinder{
		findAvailableFn: func(ctx context.Context, orgID string, query conflict.SlotQuery) ([]conflict.DaySlots, error) {
			if orgID != "org-1" {
				t.Errorf("orgID = %q, want %q", orgID, "org-1")
			}
			return []conflict.DaySlots{{Date: "2024-09-10", Slots: []conflict.Window{}}}, nil
		},
	}
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet,
		"/api/slots/available?start_date=2024-09-10&end_date=2024-09-10&duration=60", nil)
	req = withSession(req)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}
