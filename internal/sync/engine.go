package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/lessonsync/internal/model"
	"github.com/hitoshi/lessonsync/internal/provider"
	"github.com/hitoshi/lessonsync/internal/repository"
	"github.com/hitoshi/lessonsync/internal/security"
)

const (
	// syncWindowPast は同期ウィンドウの過去方向の幅。
	syncWindowPast = 7 * 24 * time.Hour
	// syncWindowFuture は同期ウィンドウの未来方向の幅。
	syncWindowFuture = 60 * 24 * time.Hour
)

// Result は1回の同期の集計結果を表す。
type Result struct {
	EventsAdded   int `json:"events_added"`
	EventsUpdated int `json:"events_updated"`
	EventsDeleted int `json:"events_deleted"`
}

// BlockReconciler は同期が変更したイベントのブロックを即時調整するインターフェース。
type BlockReconciler interface {
	UpdateOnChange(ctx context.Context, event *model.SyncedWorkEvent) error
}

// Recorder は同期のメトリクスを記録するインターフェース。
type Recorder interface {
	ObserveSync(provider string, duration time.Duration, success bool)
	AddEventsUpserted(count int)
	AddEventsTombstoned(count int)
}

// connLocks は接続ごとの同期の単一飛行を保証するロックテーブル。
type connLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newConnLocks() *connLocks {
	return &connLocks{locks: make(map[string]*sync.Mutex)}
}

// tryAcquire は接続のロック取得を試みる。取得できた場合は解放関数を返す。
func (c *connLocks) tryAcquire(connectionID string) (func(), bool) {
	c.mu.Lock()
	lock, ok := c.locks[connectionID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[connectionID] = lock
	}
	c.mu.Unlock()

	if !lock.TryLock() {
		return nil, false
	}
	return lock.Unlock, true
}

// Engine は1接続のフェッチ・差分計算・適用を行う同期エンジン。
// 同一接続の同期はプロセス内で単一飛行であり、差分の適用は
// 単一トランザクションでコミットされる。
type Engine struct {
	connRepo   repository.ConnectionRepository
	eventRepo  repository.EventRepository
	registry   *provider.Registry
	sanitizer  security.ContentSanitizerService
	reconciler BlockReconciler
	recorder   Recorder
	logger     *slog.Logger
	locks      *connLocks
	now        func() time.Time
}

// NewEngine はEngineを生成する。reconcilerとrecorderはnilを許容する。
// nowはテスト用に差し替え可能で、nilの場合time.Now。
func NewEngine(
	connRepo repository.ConnectionRepository,
	eventRepo repository.EventRepository,
	registry *provider.Registry,
	sanitizer security.ContentSanitizerService,
	reconciler BlockReconciler,
	recorder Recorder,
	logger *slog.Logger,
	now func() time.Time,
) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		connRepo:   connRepo,
		eventRepo:  eventRepo,
		registry:   registry,
		sanitizer:  sanitizer,
		reconciler: reconciler,
		recorder:   recorder,
		logger:     logger,
		locks:      newConnLocks(),
		now:        now,
	}
}

// SyncConnection は接続を1回同期する。
// 同一接続の同期が進行中の場合はSYNC_IN_PROGRESSを返す。
// フェッチ失敗時はミラーを変更せず、直近同期ステータスをfailedにする。
func (e *Engine) SyncConnection(ctx context.Context, conn *model.CalendarConnection) (*Result, error) {
	release, ok := e.locks.tryAcquire(conn.ID)
	if !ok {
		return nil, model.NewSyncInProgressError(conn.ID)
	}
	defer release()

	started := e.now()
	result, err := e.syncLocked(ctx, conn)

	if e.recorder != nil {
		e.recorder.ObserveSync(string(conn.Provider), e.now().Sub(started), err == nil)
	}

	syncedAt := e.now()
	if err != nil {
		if statusErr := e.connRepo.UpdateSyncStatus(ctx, conn.ID, model.SyncStatusFailed, syncedAt); statusErr != nil {
			e.logger.Error("同期ステータスの更新に失敗しました",
				slog.String("connection_id", conn.ID),
				slog.String("error", statusErr.Error()))
		}
		return nil, err
	}

	if statusErr := e.connRepo.UpdateSyncStatus(ctx, conn.ID, model.SyncStatusSuccess, syncedAt); statusErr != nil {
		e.logger.Error("同期ステータスの更新に失敗しました",
			slog.String("connection_id", conn.ID),
			slog.String("error", statusErr.Error()))
	}

	e.logger.Info("同期が完了しました",
		slog.String("connection_id", conn.ID),
		slog.String("provider", string(conn.Provider)),
		slog.Int("added", result.EventsAdded),
		slog.Int("updated", result.EventsUpdated),
		slog.Int("deleted", result.EventsDeleted))

	return result, nil
}

func (e *Engine) syncLocked(ctx context.Context, conn *model.CalendarConnection) (*Result, error) {
	adapter := e.registry.Resolve(conn.Provider)
	if adapter == nil {
		return nil, model.NewValidationError(fmt.Sprintf("未対応のプロバイダーです: %s", conn.Provider))
	}

	if err := e.ensureFreshToken(ctx, adapter, conn); err != nil {
		return nil, err
	}

	now := e.now()
	from := now.Add(-syncWindowPast)
	to := now.Add(syncWindowFuture)

	providerEvents, err := adapter.ListEvents(ctx, conn, from, to)
	if err != nil {
		if errors.Is(err, provider.ErrTokenRejected) {
			return nil, model.NewAuthError("カレンダーへのアクセス権限が失効しています")
		}
		e.logger.Warn("イベントの取得に失敗しました",
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()))
		return nil, model.NewProviderError()
	}

	localEvents, err := e.eventRepo.ListByConnection(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mirrored events: %w", err)
	}

	diff, changed := e.computeDiff(conn, providerEvents, localEvents)

	if err := e.eventRepo.ApplyDiff(ctx, diff); err != nil {
		return nil, fmt.Errorf("failed to apply event diff: %w", err)
	}

	if e.recorder != nil {
		e.recorder.AddEventsUpserted(len(diff.Inserts) + len(diff.Updates))
		e.recorder.AddEventsTombstoned(len(diff.Tombstones))
	}

	// 自動ブロックが有効な接続のみ、変更されたイベントのブロックを
	// 即時調整する。失敗しても同期は成功とし、定期の調整パスが収束させる。
	if e.reconciler != nil && conn.AutoBlockEnabled {
		for _, ev := range changed {
			if err := e.reconciler.UpdateOnChange(ctx, ev); err != nil {
				e.logger.Warn("ブロックの即時調整に失敗しました",
					slog.String("event_id", ev.ID),
					slog.String("error", err.Error()))
			}
		}
	}

	return &Result{
		EventsAdded:   len(diff.Inserts),
		EventsUpdated: len(diff.Updates),
		EventsDeleted: len(diff.Tombstones),
	}, nil
}

// ensureFreshToken はアクセストークンが期限切れの場合にリフレッシュする。
// ICSなどOAuthを使用しないプロバイダーは何もしない。
func (e *Engine) ensureFreshToken(ctx context.Context, adapter provider.Adapter, conn *model.CalendarConnection) error {
	if conn.Provider == model.ProviderICS {
		return nil
	}
	if !conn.TokenExpired(e.now()) {
		return nil
	}

	token, err := adapter.RefreshToken(ctx, conn.RefreshToken)
	if err != nil {
		if errors.Is(err, provider.ErrTokenRejected) {
			return model.NewAuthError("リフレッシュトークンが失効しています")
		}
		return model.NewProviderError()
	}

	if err := e.connRepo.UpdateTokens(ctx, conn.ID, token.AccessToken, token.RefreshToken, token.ExpiresAt); err != nil {
		return fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	conn.AccessToken = token.AccessToken
	conn.RefreshToken = token.RefreshToken
	conn.TokenExpiresAt = token.ExpiresAt
	return nil
}

// computeDiff はプロバイダーの現在の一覧とローカルミラーを突き合わせ、
// 適用する差分と、ブロック調整の対象になる変更済みイベントを返す。
// ローカル一覧にはトゥームストーンも含まれ、プロバイダー側に再出現した
// イベントは同じ行を再利用して更新として復活させる。
func (e *Engine) computeDiff(conn *model.CalendarConnection, providerEvents []model.ProviderEvent, localEvents []*model.SyncedWorkEvent) (repository.EventDiff, []*model.SyncedWorkEvent) {
	localByExternal := make(map[string]*model.SyncedWorkEvent, len(localEvents))
	for _, ev := range localEvents {
		localByExternal[ev.ExternalEventID] = ev
	}

	var diff repository.EventDiff
	var changed []*model.SyncedWorkEvent
	seen := make(map[string]bool, len(providerEvents))
	now := e.now()

	for i := range providerEvents {
		pe := &providerEvents[i]
		if pe.ExternalID == "" {
			continue
		}
		seen[pe.ExternalID] = true

		state, status := classifyStatus(pe.Status)
		incoming := &model.SyncedWorkEvent{
			CalendarConnectionID: conn.ID,
			OrganizationID:       conn.OrganizationID,
			UserID:               conn.UserID,
			ExternalEventID:      pe.ExternalID,
			Title:                pe.Title,
			Description:          e.sanitizer.Sanitize(pe.Description),
			StartTime:            pe.StartTime,
			EndTime:              pe.EndTime,
			IsMeeting:            classifyMeeting(pe),
			Status:               status,
			State:                state,
			UpdatedAt:            now,
		}

		local, exists := localByExternal[pe.ExternalID]
		if !exists {
			incoming.ID = uuid.New().String()
			incoming.CreatedAt = now
			diff.Inserts = append(diff.Inserts, incoming)
			changed = append(changed, incoming)
			continue
		}

		if eventChanged(local, incoming) {
			incoming.ID = local.ID
			incoming.CreatedAt = local.CreatedAt
			incoming.AutoBlocked = local.AutoBlocked
			incoming.HasConflict = local.HasConflict
			diff.Updates = append(diff.Updates, incoming)
			changed = append(changed, incoming)
		}
	}

	// フェッチ結果から消えたイベントはトゥームストーンにする。
	// トゥームストーン済みの行は対象外で、そのまま保持される。
	for _, local := range localEvents {
		if seen[local.ExternalEventID] || local.State == model.EventStateDeleted {
			continue
		}
		diff.Tombstones = append(diff.Tombstones, local.ID)
		tombstoned := *local
		tombstoned.State = model.EventStateDeleted
		changed = append(changed, &tombstoned)
	}

	return diff, changed
}

// eventChanged はミラーの更新が必要かどうかを判定する。
func eventChanged(local, incoming *model.SyncedWorkEvent) bool {
	return !local.StartTime.Equal(incoming.StartTime) ||
		!local.EndTime.Equal(incoming.EndTime) ||
		local.Title != incoming.Title ||
		local.Description != incoming.Description ||
		local.IsMeeting != incoming.IsMeeting ||
		local.Status != incoming.Status ||
		local.State != incoming.State
}
