// Package autoblock は仕事イベントからブロック時間枠への写像を調整する。
// 「ブロック対象の有効な仕事イベント1つにつきアクティブなスロット1つ」の
// 不変条件へ常に収束させる調整器として動作する。
package autoblock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/lessonsync/internal/model"
	"github.com/hitoshi/lessonsync/internal/repository"
)

// Recorder はブロック操作のメトリクスを記録するインターフェース。
type Recorder interface {
	AddBlocksCreated(count int)
	AddBlocksRemoved(count int)
}

// ProcessResult はProcessPendingの集計結果を表す。
type ProcessResult struct {
	BlocksCreated int      `json:"blocks_created"`
	Failed        []string `json:"failed,omitempty"` // 処理に失敗したイベントID
}

// Status は組織のオートブロックの現在の状態を表す。
type Status struct {
	ActiveBlocks  int `json:"active_blocks"`
	PendingEvents int `json:"pending_events"`
}

// Reconciler は仕事イベントとブロック時間枠の対応を調整する。
type Reconciler struct {
	eventRepo repository.EventRepository
	blockRepo repository.BlockRepository
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewReconciler はReconcilerを生成する。recorderはnilを許容する。
func NewReconciler(
	eventRepo repository.EventRepository,
	blockRepo repository.BlockRepository,
	recorder Recorder,
	logger *slog.Logger,
	now func() time.Time,
) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		eventRepo: eventRepo,
		blockRepo: blockRepo,
		recorder:  recorder,
		logger:    logger,
		now:       now,
	}
}

// ProcessPending は組織の未ブロックのブロック対象イベントを走査し、
// スロットを作成する。個々の失敗は記録して処理を続行し、
// 成功数と失敗イベントIDの両方を返す。
func (r *Reconciler) ProcessPending(ctx context.Context, orgID string) (*ProcessResult, error) {
	events, err := r.eventRepo.ListPendingAutoBlock(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}

	result := &ProcessResult{}
	for _, ev := range events {
		if err := r.blockEvent(ctx, ev); err != nil {
			r.logger.Warn("ブロックの作成に失敗しました",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()))
			result.Failed = append(result.Failed, ev.ID)
			continue
		}
		result.BlocksCreated++
	}

	if r.recorder != nil && result.BlocksCreated > 0 {
		r.recorder.AddBlocksCreated(result.BlocksCreated)
	}

	if result.BlocksCreated > 0 || len(result.Failed) > 0 {
		r.logger.Info("オートブロック処理が完了しました",
			slog.String("organization_id", orgID),
			slog.Int("created", result.BlocksCreated),
			slog.Int("failed", len(result.Failed)))
	}

	return result, nil
}

// blockEvent は1イベントのスロットを作成する。既にアクティブなスロットが
// ある場合は時間枠を現在のイベントに合わせて何もしないか更新する。
func (r *Reconciler) blockEvent(ctx context.Context, ev *model.SyncedWorkEvent) error {
	existing, err := r.blockRepo.FindActiveBySource(ctx, model.BlockSourceWorkEvent, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to find existing block: %w", err)
	}

	if existing == nil {
		slot := &model.BlockedTimeSlot{
			ID:             uuid.New().String(),
			OrganizationID: ev.OrganizationID,
			UserID:         ev.UserID,
			StartTime:      ev.StartTime,
			EndTime:        ev.EndTime,
			SourceType:     model.BlockSourceWorkEvent,
			SourceEventID:  ev.ID,
			Title:          ev.Title,
			IsActive:       true,
			CreatedAt:      r.now(),
			UpdatedAt:      r.now(),
		}
		if err := r.blockRepo.Create(ctx, slot); err != nil {
			return fmt.Errorf("failed to create block: %w", err)
		}
	} else if !existing.StartTime.Equal(ev.StartTime) || !existing.EndTime.Equal(ev.EndTime) || existing.Title != ev.Title {
		if err := r.blockRepo.UpdateWindow(ctx, existing.ID, ev.StartTime, ev.EndTime, ev.Title); err != nil {
			return fmt.Errorf("failed to update block window: %w", err)
		}
	}

	if err := r.eventRepo.SetAutoBlocked(ctx, ev.ID, true); err != nil {
		return fmt.Errorf("failed to mark event as blocked: %w", err)
	}
	return nil
}

// UpdateOnChange は同期が変更した1イベントのスロットを即時調整する。
// ブロック対象でなくなったイベントのスロットは削除し、
// 時間枠が変わったイベントのスロットは追従させる。
// 呼び出し側が接続のauto_block_enabledを確認してから呼ぶ。
func (r *Reconciler) UpdateOnChange(ctx context.Context, ev *model.SyncedWorkEvent) error {
	if !ev.QualifiesForBlock() {
		return r.removeBlock(ctx, ev)
	}

	if !ev.AutoBlocked {
		// 未ブロックのままにして定期のProcessPendingに委ねることもできるが、
		// 同期直後の一貫した見え方のためここで作成する
		if err := r.blockEvent(ctx, ev); err != nil {
			return err
		}
		if r.recorder != nil {
			r.recorder.AddBlocksCreated(1)
		}
		return nil
	}

	existing, err := r.blockRepo.FindActiveBySource(ctx, model.BlockSourceWorkEvent, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to find existing block: %w", err)
	}
	if existing == nil {
		// フラグとスロットが食い違っている場合は作り直す
		return r.blockEvent(ctx, ev)
	}

	if !existing.StartTime.Equal(ev.StartTime) || !existing.EndTime.Equal(ev.EndTime) || existing.Title != ev.Title {
		if err := r.blockRepo.UpdateWindow(ctx, existing.ID, ev.StartTime, ev.EndTime, ev.Title); err != nil {
			return fmt.Errorf("failed to update block window: %w", err)
		}
	}
	return nil
}

// removeBlock はイベントのスロットを削除し、auto_blockedフラグを下ろす。
func (r *Reconciler) removeBlock(ctx context.Context, ev *model.SyncedWorkEvent) error {
	existing, err := r.blockRepo.FindActiveBySource(ctx, model.BlockSourceWorkEvent, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to find existing block: %w", err)
	}
	if existing != nil {
		if err := r.blockRepo.DeleteBySource(ctx, model.BlockSourceWorkEvent, ev.ID); err != nil {
			return fmt.Errorf("failed to delete block: %w", err)
		}
		if r.recorder != nil {
			r.recorder.AddBlocksRemoved(1)
		}
	}
	if ev.AutoBlocked {
		if err := r.eventRepo.SetAutoBlocked(ctx, ev.ID, false); err != nil {
			return fmt.Errorf("failed to clear blocked flag: %w", err)
		}
	}
	return nil
}

// CleanupStale は生成元イベントがブロック対象でなくなった
// 仕事イベント由来スロットを走査して削除する。削除数を返す。
// 同期の即時調整が失敗した場合の取りこぼしを回収する定期パス。
func (r *Reconciler) CleanupStale(ctx context.Context, orgID string) (int, error) {
	blocks, err := r.blockRepo.ListActiveWorkEventBlocks(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("failed to list work event blocks: %w", err)
	}

	removed := 0
	var errs []error
	for _, block := range blocks {
		ev, err := r.eventRepo.FindByID(ctx, block.SourceEventID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ev != nil && ev.QualifiesForBlock() {
			continue
		}

		if err := r.blockRepo.DeleteBySource(ctx, model.BlockSourceWorkEvent, block.SourceEventID); err != nil {
			errs = append(errs, err)
			continue
		}
		if ev != nil && ev.AutoBlocked {
			if err := r.eventRepo.SetAutoBlocked(ctx, ev.ID, false); err != nil {
				errs = append(errs, err)
			}
		}
		removed++
	}

	if r.recorder != nil && removed > 0 {
		r.recorder.AddBlocksRemoved(removed)
	}
	if removed > 0 {
		r.logger.Info("失効したブロックを削除しました",
			slog.String("organization_id", orgID),
			slog.Int("removed", removed))
	}

	return removed, errors.Join(errs...)
}

// CurrentStatus は組織のアクティブなスロット数と未処理イベント数を返す。
func (r *Reconciler) CurrentStatus(ctx context.Context, orgID string) (*Status, error) {
	active, err := r.blockRepo.CountActiveByOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active blocks: %w", err)
	}
	pending, err := r.eventRepo.ListPendingAutoBlock(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	return &Status{ActiveBlocks: active, PendingEvents: len(pending)}, nil
}
