// Package worker はカレンダー同期のバックグラウンド実行を提供する。
// 同期サイクル、オートブロック調整、競合スキャンを定期実行する。
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/lessonsync/internal/autoblock"
	"github.com/hitoshi/lessonsync/internal/conflict"
	"github.com/hitoshi/lessonsync/internal/model"
	"github.com/hitoshi/lessonsync/internal/repository"
	syncengine "github.com/hitoshi/lessonsync/internal/sync"
)

// ConnectionSyncer は接続1件の同期を実行するインターフェース。
type ConnectionSyncer interface {
	SyncConnection(ctx context.Context, conn *model.CalendarConnection) (*syncengine.Result, error)
}

// BlockProcessor はオートブロックの調整を実行するインターフェース。
type BlockProcessor interface {
	ProcessPending(ctx context.Context, orgID string) (*autoblock.ProcessResult, error)
	CleanupStale(ctx context.Context, orgID string) (int, error)
}

// ConflictScanner は競合スキャンを実行するインターフェース。
type ConflictScanner interface {
	ScanLessons(ctx context.Context, orgID string) (*conflict.ScanResult, error)
}

// Scheduler は同期サイクルのスケジューリングと並列制御を行う。
// ティッカーで同期対象接続を取得し、semaphoreパターンで最大並列数を
// 制御しながら同期を実行する。同期完了後、影響を受けた各組織に対して
// オートブロック調整と競合スキャンを実行する。
type Scheduler struct {
	connRepo       repository.ConnectionRepository
	syncer         ConnectionSyncer
	blocks         BlockProcessor
	scanner        ConflictScanner
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewScheduler(
	connRepo repository.ConnectionRepository,
	syncer ConnectionSyncer,
	blocks BlockProcessor,
	scanner ConflictScanner,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Scheduler{
		connRepo:       connRepo,
		syncer:         syncer,
		blocks:         blocks,
		scanner:        scanner,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は同期対象接続を1回取得し、並列で同期を実行する。
// 同期完了後、影響を受けた各組織に対してオートブロック調整と
// 競合スキャンを順に実行する。調整とスキャンは同期の後に走るが、
// 各処理は独立して冪等なため、前段の失敗があっても実行する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	conns, err := s.connRepo.ListSyncEnabled(ctx)
	if err != nil {
		return err
	}

	if len(conns) == 0 {
		s.logger.Info("同期対象の接続はありません")
		return nil
	}

	s.logger.Info("同期サイクルを開始します",
		slog.Int("connection_count", len(conns)),
	)

	// semaphoreパターンで並列数を制御。
	// 同一接続の単一飛行はエンジン側のロックが保証する。
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, conn := range conns {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(c *model.CalendarConnection) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			result, err := s.syncer.SyncConnection(ctx, c)
			if err != nil {
				s.logger.Error("接続の同期に失敗しました",
					slog.String("connection_id", c.ID),
					slog.String("provider", string(c.Provider)),
					slog.String("error", err.Error()),
				)
				return
			}

			s.logger.Info("接続の同期が完了しました",
				slog.String("connection_id", c.ID),
				slog.String("provider", string(c.Provider)),
				slog.Int("events_added", result.EventsAdded),
				slog.Int("events_updated", result.EventsUpdated),
				slog.Int("events_deleted", result.EventsDeleted),
			)
		}(conn)
	}

	wg.Wait()

	// 同期したすべての組織に対してオートブロック調整と競合スキャンを実行
	for _, orgID := range distinctOrgIDs(conns) {
		s.reconcileOrganization(ctx, orgID)
	}

	duration := time.Since(start)
	s.logger.Info("同期サイクルが完了しました",
		slog.Int("connection_count", len(conns)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// reconcileOrganization は組織1件のオートブロック調整と競合スキャンを実行する。
// 各段の失敗はログに残して次の段に進む。
func (s *Scheduler) reconcileOrganization(ctx context.Context, orgID string) {
	if result, err := s.blocks.ProcessPending(ctx, orgID); err != nil {
		s.logger.Error("オートブロック処理に失敗しました",
			slog.String("organization_id", orgID),
			slog.String("error", err.Error()),
		)
	} else if result.BlocksCreated > 0 || len(result.Failed) > 0 {
		s.logger.Info("オートブロック処理が完了しました",
			slog.String("organization_id", orgID),
			slog.Int("blocks_created", result.BlocksCreated),
			slog.Int("failed_count", len(result.Failed)),
		)
	}

	if removed, err := s.blocks.CleanupStale(ctx, orgID); err != nil {
		s.logger.Error("古いブロックの掃除に失敗しました",
			slog.String("organization_id", orgID),
			slog.String("error", err.Error()),
		)
	} else if removed > 0 {
		s.logger.Info("古いブロックを削除しました",
			slog.String("organization_id", orgID),
			slog.Int("blocks_removed", removed),
		)
	}

	if result, err := s.scanner.ScanLessons(ctx, orgID); err != nil {
		s.logger.Error("競合スキャンに失敗しました",
			slog.String("organization_id", orgID),
			slog.String("error", err.Error()),
		)
	} else if result.ConflictsDetected > 0 {
		s.logger.Info("競合を検出しました",
			slog.String("organization_id", orgID),
			slog.Int("conflicts_detected", result.ConflictsDetected),
		)
	}
}

// distinctOrgIDs は接続一覧から組織IDの重複を除いて列挙順で返す。
func distinctOrgIDs(conns []*model.CalendarConnection) []string {
	seen := make(map[string]struct{}, len(conns))
	ids := make([]string, 0, len(conns))
	for _, conn := range conns {
		if _, ok := seen[conn.OrganizationID]; ok {
			continue
		}
		seen[conn.OrganizationID] = struct{}{}
		ids = append(ids, conn.OrganizationID)
	}
	return ids
}
