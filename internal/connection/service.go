package connection

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/hitoshi/lessonsync/internal/model"
	"github.com/hitoshi/lessonsync/internal/provider"
	"github.com/hitoshi/lessonsync/internal/repository"
)

// URLValidator はICS購読URLの事前検証インターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// FeedProber はICS購読URLへの到達確認とカレンダー名の取得を行うインターフェース。
type FeedProber interface {
	Probe(ctx context.Context, feedURL string) (string, error)
}

// Service はカレンダー接続のライフサイクル（認可開始・完了・ICS登録・
// 設定変更・切断）を提供する。
type Service struct {
	connRepo     repository.ConnectionRepository
	userRepo     repository.UserRepository
	registry     *provider.Registry
	signer       *StateSigner
	verifiers    *VerifierStore
	urlValidator URLValidator
	prober       FeedProber
	logger       *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	connRepo repository.ConnectionRepository,
	userRepo repository.UserRepository,
	registry *provider.Registry,
	signer *StateSigner,
	verifiers *VerifierStore,
	urlValidator URLValidator,
	prober FeedProber,
	logger *slog.Logger,
) *Service {
	return &Service{
		connRepo:     connRepo,
		userRepo:     userRepo,
		registry:     registry,
		signer:       signer,
		verifiers:    verifiers,
		urlValidator: urlValidator,
		prober:       prober,
		logger:       logger,
	}
}

// InitiateAuth はOAuth認可フローを開始し、リダイレクト先の認可URLを返す。
// stateトークンを発行し、PKCE検証子をstateのノンスをキーとして保持する。
func (s *Service) InitiateAuth(ctx context.Context, userID string, p model.Provider) (string, error) {
	adapter := s.registry.Resolve(p)
	if adapter == nil {
		return "", model.NewValidationError(fmt.Sprintf("未対応のプロバイダーです: %s", p))
	}
	if p == model.ProviderICS {
		return "", model.NewValidationError("ICS接続は認可フローを使用しません")
	}

	token, state, err := s.signer.Issue(userID, p)
	if err != nil {
		return "", fmt.Errorf("failed to issue state token: %w", err)
	}

	verifier := oauth2.GenerateVerifier()
	s.verifiers.Put(state.Nonce, verifier)

	authURL := adapter.AuthURL(token, oauth2.S256ChallengeFromVerifier(verifier))

	s.logger.Info("認可フローを開始しました",
		slog.String("user_id", userID),
		slog.String("provider", string(p)))

	return authURL, nil
}

// CompleteAuth は認可コールバックを処理する。stateトークンの検証、
// トークン交換、プロフィール取得を経て接続をUPSERTする。
// 同一アカウントの再接続は既存接続のトークン更新になる。
func (s *Service) CompleteAuth(ctx context.Context, stateToken, code string) (*model.CalendarConnection, error) {
	state, err := s.signer.Verify(stateToken)
	if err != nil {
		return nil, err
	}

	verifier := s.verifiers.Take(state.Nonce)
	if verifier == "" {
		return nil, model.NewAuthError("認可フローの有効期限が切れています")
	}

	adapter := s.registry.Resolve(state.Provider)
	if adapter == nil {
		return nil, model.NewValidationError(fmt.Sprintf("未対応のプロバイダーです: %s", state.Provider))
	}

	user, err := s.userRepo.FindByID(ctx, state.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewAuthError("ユーザーが見つかりません")
	}
	if user.OrganizationID == "" {
		return nil, model.NewOrganizationNotFoundError()
	}

	token, err := adapter.ExchangeCode(ctx, code, verifier)
	if err != nil {
		s.logger.Warn("トークン交換に失敗しました",
			slog.String("provider", string(state.Provider)),
			slog.String("error", err.Error()))
		return nil, model.NewProviderError()
	}

	profile, err := adapter.GetProfile(ctx, token.AccessToken)
	if err != nil {
		return nil, model.NewProviderError()
	}

	calendarID, calendarName := s.pickPrimaryCalendar(ctx, adapter, token.AccessToken)

	conn := &model.CalendarConnection{
		OrganizationID:        user.OrganizationID,
		UserID:                user.ID,
		Provider:              state.Provider,
		ProviderAccountID:     profile.AccountID,
		ProviderAccountEmail:  profile.Email,
		CalendarID:            calendarID,
		CalendarName:          calendarName,
		AccessToken:           token.AccessToken,
		RefreshToken:          token.RefreshToken,
		TokenExpiresAt:        token.ExpiresAt,
		SyncEnabled:           true,
		AutoBlockEnabled:      true,
		ConflictNotifyEnabled: true,
		PushLessonsEnabled:    false,
		LastSyncStatus:        model.SyncStatusPending,
	}

	if err := s.connRepo.Upsert(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", err)
	}

	s.logger.Info("カレンダー接続を登録しました",
		slog.String("connection_id", conn.ID),
		slog.String("organization_id", conn.OrganizationID),
		slog.String("provider", string(conn.Provider)))

	return conn, nil
}

// pickPrimaryCalendar はプライマリーカレンダーを選択する。
// 一覧取得に失敗した場合は空のまま進め、同期時の既定カレンダーに委ねる。
func (s *Service) pickPrimaryCalendar(ctx context.Context, adapter provider.Adapter, accessToken string) (string, string) {
	calendars, err := adapter.ListCalendars(ctx, accessToken)
	if err != nil || len(calendars) == 0 {
		return "", ""
	}
	for _, cal := range calendars {
		if cal.Primary {
			return cal.ID, cal.Name
		}
	}
	return calendars[0].ID, calendars[0].Name
}

// ConnectICS はICS購読URLによる接続を登録する。
// URLのSSRF検証と到達確認を行い、成功した場合のみUPSERTする。
func (s *Service) ConnectICS(ctx context.Context, userID, feedURL string) (*model.CalendarConnection, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewAuthError("ユーザーが見つかりません")
	}
	if user.OrganizationID == "" {
		return nil, model.NewOrganizationNotFoundError()
	}

	if err := s.urlValidator.ValidateURL(feedURL); err != nil {
		s.logger.Warn("ICS購読URLの検証に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return nil, model.NewSSRFBlockedError()
	}

	calendarName, err := s.prober.Probe(ctx, feedURL)
	if err != nil {
		s.logger.Warn("ICS購読URLの到達確認に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return nil, model.NewInvalidURLError("購読URLからカレンダーを取得できません")
	}

	conn := &model.CalendarConnection{
		OrganizationID:        user.OrganizationID,
		UserID:                user.ID,
		Provider:              model.ProviderICS,
		ProviderAccountID:     provider.AccountIDForURL(feedURL),
		CalendarName:          calendarName,
		FeedURL:               feedURL,
		SyncEnabled:           true,
		AutoBlockEnabled:      true,
		ConflictNotifyEnabled: true,
		PushLessonsEnabled:    false,
		LastSyncStatus:        model.SyncStatusPending,
	}

	if err := s.connRepo.Upsert(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", err)
	}

	s.logger.Info("ICS接続を登録しました",
		slog.String("connection_id", conn.ID),
		slog.String("organization_id", conn.OrganizationID))

	return conn, nil
}

// ListConnections は操作者の組織に属する接続一覧を返す。
func (s *Service) ListConnections(ctx context.Context, userID string) ([]*model.CalendarConnection, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewAuthError("ユーザーが見つかりません")
	}
	return s.connRepo.ListByOrganization(ctx, user.OrganizationID)
}

// FindOwned は接続を取得し、操作者が所有者であることを検証する。
// 組織外の接続は存在を秘匿するためNotFoundを返し、
// 同一組織の非所有者にはAccessDeniedを返す。
func (s *Service) FindOwned(ctx context.Context, userID, connectionID string) (*model.CalendarConnection, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewAuthError("ユーザーが見つかりません")
	}

	conn, err := s.connRepo.FindByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find connection: %w", err)
	}
	if conn == nil || conn.OrganizationID != user.OrganizationID {
		return nil, model.NewConnectionNotFoundError(connectionID)
	}
	if conn.UserID != user.ID {
		return nil, model.NewAccessDeniedError()
	}
	return conn, nil
}

// UpdateSettings は接続の4つのトグル設定を部分更新する。所有者のみ実行できる。
func (s *Service) UpdateSettings(ctx context.Context, userID, connectionID string, patch model.ConnectionSettingsPatch) (*model.CalendarConnection, error) {
	if _, err := s.FindOwned(ctx, userID, connectionID); err != nil {
		return nil, err
	}

	if err := s.connRepo.UpdateSettings(ctx, connectionID, patch); err != nil {
		return nil, fmt.Errorf("failed to update settings: %w", err)
	}

	return s.connRepo.FindByID(ctx, connectionID)
}

// Disconnect は接続を切断する。接続・ミラーイベント・由来ブロックを
// 単一トランザクションで削除する。所有者のみ実行できる。
func (s *Service) Disconnect(ctx context.Context, userID, connectionID string) error {
	if _, err := s.FindOwned(ctx, userID, connectionID); err != nil {
		return err
	}

	if err := s.connRepo.DeleteCascade(ctx, connectionID); err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}

	s.logger.Info("カレンダー接続を切断しました",
		slog.String("connection_id", connectionID),
		slog.String("user_id", userID))

	return nil
}
