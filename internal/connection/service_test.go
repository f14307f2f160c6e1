package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/lessonsync/internal/model"
	"github.com/hitoshi/lessonsync/internal/provider"
	"github.com/hitoshi/lessonsync/internal/repository"
)

// --- モック ---

type mockUserRepo struct {
	users map[string]*model.User
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return m.users[id], nil
}

type mockConnRepo struct {
	connections map[string]*model.CalendarConnection
	upserted    []*model.CalendarConnection
	deleted     []string
	patches     map[string]model.ConnectionSettingsPatch
}

func newMockConnRepo() *mockConnRepo {
	return &mockConnRepo{
		connections: make(map[string]*model.CalendarConnection),
		patches:     make(map[string]model.ConnectionSettingsPatch),
	}
}

func (m *mockConnRepo) FindByID(ctx context.Context, id string) (*model.CalendarConnection, error) {
	return m.connections[id], nil
}

func (m *mockConnRepo) Upsert(ctx context.Context, conn *model.CalendarConnection) error {
	if conn.ID == "" {
		conn.ID = "conn-new"
	}
	m.upserted = append(m.upserted, conn)
	m.connections[conn.ID] = conn
	return nil
}

func (m *mockConnRepo) UpdateSettings(ctx context.Context, id string, patch model.ConnectionSettingsPatch) error {
	m.patches[id] = patch
	return nil
}

func (m *mockConnRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	return nil
}

func (m *mockConnRepo) UpdateSyncStatus(ctx context.Context, id string, status model.SyncStatus, syncedAt time.Time) error {
	return nil
}

func (m *mockConnRepo) ListByOrganization(ctx context.Context, orgID string) ([]*model.CalendarConnection, error) {
	var result []*model.CalendarConnection
	for _, c := range m.connections {
		if c.OrganizationID == orgID {
			result = append(result, c)
		}
	}
	return result, nil
}

func (m *mockConnRepo) ListSyncEnabled(ctx context.Context) ([]*model.CalendarConnection, error) {
	return nil, nil
}

func (m *mockConnRepo) DeleteCascade(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	delete(m.connections, id)
	return nil
}

var _ repository.ConnectionRepository = (*mockConnRepo)(nil)

type mockAdapter struct {
	name          model.Provider
	exchangeErr   error
	profile       *provider.Profile
	calendars     []provider.Calendar
	gotChallenge  string
	gotVerifier   string
	exchangeToken *provider.Token
}

func (m *mockAdapter) Name() model.Provider { return m.name }

func (m *mockAdapter) AuthURL(state, codeChallenge string) string {
	m.gotChallenge = codeChallenge
	return "https://auth.example.com/authorize?state=" + state
}

func (m *mockAdapter) ExchangeCode(ctx context.Context, code, codeVerifier string) (*provider.Token, error) {
	m.gotVerifier = codeVerifier
	if m.exchangeErr != nil {
		return nil, m.exchangeErr
	}
	return m.exchangeToken, nil
}

func (m *mockAdapter) RefreshToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	return m.exchangeToken, nil
}

func (m *mockAdapter) GetProfile(ctx context.Context, accessToken string) (*provider.Profile, error) {
	if m.profile == nil {
		return nil, errors.New("profile fetch failed")
	}
	return m.profile, nil
}

func (m *mockAdapter) ListCalendars(ctx context.Context, accessToken string) ([]provider.Calendar, error) {
	return m.calendars, nil
}

func (m *mockAdapter) ListEvents(ctx context.Context, conn *model.CalendarConnection, from, to time.Time) ([]model.ProviderEvent, error) {
	return nil, nil
}

var _ provider.Adapter = (*mockAdapter)(nil)

type mockValidator struct {
	err error
}

func (m *mockValidator) ValidateURL(rawURL string) error { return m.err }

type mockProber struct {
	name string
	err  error
}

func (m *mockProber) Probe(ctx context.Context, feedURL string) (string, error) {
	return m.name, m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(connRepo *mockConnRepo, userRepo *mockUserRepo, adapter *mockAdapter, validator *mockValidator, prober *mockProber) *Service {
	signer := NewStateSigner([]byte("test-secret"), nil)
	verifiers := NewVerifierStore(nil)
	var registry *provider.Registry
	if adapter != nil {
		registry = provider.NewRegistry(adapter)
	} else {
		registry = provider.NewRegistry()
	}
	return NewService(connRepo, userRepo, registry, signer, verifiers, validator, prober, testLogger())
}

// --- テスト ---

func TestService_InitiateAuth(t *testing.T) {
	adapter := &mockAdapter{name: model.ProviderGoogle}
	svc := newTestService(newMockConnRepo(), &mockUserRepo{}, adapter, nil, nil)

	authURL, err := svc.InitiateAuth(context.Background(), "user-1", model.ProviderGoogle)
	if err != nil {
		t.Fatalf("InitiateAuth() error = %v", err)
	}
	if !strings.HasPrefix(authURL, "https://auth.example.com/authorize?state=") {
		t.Errorf("authURL = %s", authURL)
	}
	if adapter.gotChallenge == "" {
		t.Error("InitiateAuth() should pass a PKCE code challenge")
	}
}

func TestService_InitiateAuth_UnsupportedProvider(t *testing.T) {
	svc := newTestService(newMockConnRepo(), &mockUserRepo{}, nil, nil, nil)

	_, err := svc.InitiateAuth(context.Background(), "user-1", model.Provider("caldav"))
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != "VALIDATION_ERROR" {
		t.Errorf("InitiateAuth() error = %v, want VALIDATION_ERROR", err)
	}
}

func TestService_CompleteAuth(t *testing.T) {
	adapter := &mockAdapter{
		name: model.ProviderGoogle,
		exchangeToken: &provider.Token{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
		profile: &provider.Profile{AccountID: "acct-1", Email: "teacher@example.com"},
		calendars: []provider.Calendar{
			{ID: "cal-2", Name: "サブ", Primary: false},
			{ID: "cal-1", Name: "メイン", Primary: true},
		},
	}
	connRepo := newMockConnRepo()
	userRepo := &mockUserRepo{users: map[string]*model.User{
		"user-1": {ID: "user-1", OrganizationID: "org-1"},
	}}
	svc := newTestService(connRepo, userRepo, adapter, nil, nil)

	authURL, err := svc.InitiateAuth(context.Background(), "user-1", model.ProviderGoogle)
	if err != nil {
		t.Fatalf("InitiateAuth() error = %v", err)
	}
	stateToken := strings.TrimPrefix(authURL, "https://auth.example.com/authorize?state=")

	conn, err := svc.CompleteAuth(context.Background(), stateToken, "auth-code")
	if err != nil {
		t.Fatalf("CompleteAuth() error = %v", err)
	}

	if adapter.gotVerifier == "" {
		t.Error("CompleteAuth() should pass the stored PKCE verifier")
	}
	if conn.OrganizationID != "org-1" {
		t.Errorf("OrganizationID = %s, want org-1", conn.OrganizationID)
	}
	if conn.ProviderAccountID != "acct-1" {
		t.Errorf("ProviderAccountID = %s, want acct-1", conn.ProviderAccountID)
	}
	if conn.CalendarID != "cal-1" {
		t.Errorf("CalendarID = %s, want primary cal-1", conn.CalendarID)
	}
	if !conn.SyncEnabled || !conn.AutoBlockEnabled || !conn.ConflictNotifyEnabled {
		t.Error("sync/auto-block/conflict-notify should default to enabled")
	}
	if conn.PushLessonsEnabled {
		t.Error("push-lessons should default to disabled")
	}
	if conn.LastSyncStatus != model.SyncStatusPending {
		t.Errorf("LastSyncStatus = %s, want pending", conn.LastSyncStatus)
	}
}

func TestService_CompleteAuth_ReplayedState(t *testing.T) {
	adapter := &mockAdapter{
		name:          model.ProviderGoogle,
		exchangeToken: &provider.Token{AccessToken: "access-1"},
		profile:       &provider.Profile{AccountID: "acct-1"},
	}
	userRepo := &mockUserRepo{users: map[string]*model.User{
		"user-1": {ID: "user-1", OrganizationID: "org-1"},
	}}
	svc := newTestService(newMockConnRepo(), userRepo, adapter, nil, nil)

	authURL, _ := svc.InitiateAuth(context.Background(), "user-1", model.ProviderGoogle)
	stateToken := strings.TrimPrefix(authURL, "https://auth.example.com/authorize?state=")

	if _, err := svc.CompleteAuth(context.Background(), stateToken, "code"); err != nil {
		t.Fatalf("first CompleteAuth() error = %v", err)
	}

	// 同じstateの再利用は検証子が消費済みのため拒否される
	_, err := svc.CompleteAuth(context.Background(), stateToken, "code")
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != "AUTH_ERROR" {
		t.Errorf("replayed CompleteAuth() error = %v, want AUTH_ERROR", err)
	}
}

func TestService_CompleteAuth_ExchangeFailure(t *testing.T) {
	adapter := &mockAdapter{
		name:        model.ProviderGoogle,
		exchangeErr: errors.New("token endpoint returned 400"),
	}
	userRepo := &mockUserRepo{users: map[string]*model.User{
		"user-1": {ID: "user-1", OrganizationID: "org-1"},
	}}
	connRepo := newMockConnRepo()
	svc := newTestService(connRepo, userRepo, adapter, nil, nil)

	authURL, _ := svc.InitiateAuth(context.Background(), "user-1", model.ProviderGoogle)
	stateToken := strings.TrimPrefix(authURL, "https://auth.example.com/authorize?state=")

	_, err := svc.CompleteAuth(context.Background(), stateToken, "code")
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != "PROVIDER_ERROR" {
		t.Errorf("CompleteAuth() error = %v, want PROVIDER_ERROR", err)
	}
	if len(connRepo.upserted) != 0 {
		t.Error("failed exchange should not persist a connection")
	}
}

func TestService_ConnectICS(t *testing.T) {
	connRepo := newMockConnRepo()
	userRepo := &mockUserRepo{users: map[string]*model.User{
		"user-1": {ID: "user-1", OrganizationID: "org-1"},
	}}
	svc := newTestService(connRepo, userRepo, nil, &mockValidator{}, &mockProber{name: "勤務カレンダー"})

	conn, err := svc.ConnectICS(context.Background(), "user-1", "https://calendar.example.com/work.ics")
	if err != nil {
		t.Fatalf("ConnectICS() error = %v", err)
	}
	if conn.Provider != model.ProviderICS {
		t.Errorf("Provider = %s, want ics", conn.Provider)
	}
	if conn.CalendarName != "勤務カレンダー" {
		t.Errorf("CalendarName = %s", conn.CalendarName)
	}
	if conn.ProviderAccountID == "" || !strings.HasPrefix(conn.ProviderAccountID, "ics-") {
		t.Errorf("ProviderAccountID = %s, want ics- prefix", conn.ProviderAccountID)
	}
	if conn.FeedURL != "https://calendar.example.com/work.ics" {
		t.Errorf("FeedURL = %s", conn.FeedURL)
	}
}

func TestService_ConnectICS_BlockedURL(t *testing.T) {
	connRepo := newMockConnRepo()
	userRepo := &mockUserRepo{users: map[string]*model.User{
		"user-1": {ID: "user-1", OrganizationID: "org-1"},
	}}
	svc := newTestService(connRepo, userRepo, nil,
		&mockValidator{err: errors.New("blocked IP address: 169.254.169.254")},
		&mockProber{})

	_, err := svc.ConnectICS(context.Background(), "user-1", "http://169.254.169.254/latest/")
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != "SSRF_BLOCKED" {
		t.Errorf("ConnectICS() error = %v, want SSRF_BLOCKED", err)
	}
	if len(connRepo.upserted) != 0 {
		t.Error("blocked URL should not persist a connection")
	}
}

func TestService_ConnectICS_UnreachableFeed(t *testing.T) {
	userRepo := &mockUserRepo{users: map[string]*model.User{
		"user-1": {ID: "user-1", OrganizationID: "org-1"},
	}}
	svc := newTestService(newMockConnRepo(), userRepo, nil,
		&mockValidator{}, &mockProber{err: errors.New("connection refused")})

	_, err := svc.ConnectICS(context.Background(), "user-1", "https://calendar.example.com/gone.ics")
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != "INVALID_URL" {
		t.Errorf("ConnectICS() error = %v, want INVALID_URL", err)
	}
}

func TestService_FindOwned_Authorization(t *testing.T) {
	connRepo := newMockConnRepo()
	connRepo.connections["conn-1"] = &model.CalendarConnection{
		ID:             "conn-1",
		OrganizationID: "org-1",
		UserID:         "owner",
	}
	userRepo := &mockUserRepo{users: map[string]*model.User{
		"owner":     {ID: "owner", OrganizationID: "org-1"},
		"colleague": {ID: "colleague", OrganizationID: "org-1"},
		"outsider":  {ID: "outsider", OrganizationID: "org-2"},
	}}
	svc := newTestService(connRepo, userRepo, nil, nil, nil)

	if _, err := svc.FindOwned(context.Background(), "owner", "conn-1"); err != nil {
		t.Errorf("owner FindOwned() error = %v", err)
	}

	// 同一組織の非所有者はAccessDenied
	_, err := svc.FindOwned(context.Background(), "colleague", "conn-1")
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != "ACCESS_DENIED" {
		t.Errorf("colleague FindOwned() error = %v, want ACCESS_DENIED", err)
	}

	// 組織外には存在を秘匿してNotFound
	_, err = svc.FindOwned(context.Background(), "outsider", "conn-1")
	apiErr, ok = err.(*model.APIError)
	if !ok || apiErr.Code != "CONNECTION_NOT_FOUND" {
		t.Errorf("outsider FindOwned() error = %v, want CONNECTION_NOT_FOUND", err)
	}
}

func TestService_Disconnect(t *testing.T) {
	connRepo := newMockConnRepo()
	connRepo.connections["conn-1"] = &model.CalendarConnection{
		ID:             "conn-1",
		OrganizationID: "org-1",
		UserID:         "owner",
	}
	userRepo := &mockUserRepo{users: map[string]*model.User{
		"owner": {ID: "owner", OrganizationID: "org-1"},
	}}
	svc := newTestService(connRepo, userRepo, nil, nil, nil)

	if err := svc.Disconnect(context.Background(), "owner", "conn-1"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if len(connRepo.deleted) != 1 || connRepo.deleted[0] != "conn-1" {
		t.Errorf("deleted = %v, want [conn-1]", connRepo.deleted)
	}
}
