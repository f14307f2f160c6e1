// Package conflict はブロック時間枠とレッスンの重なりの検出・空き枠の探索・
// 競合解決ワークフローを提供する。
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/lessonsync/internal/model"
	"github.com/hitoshi/lessonsync/internal/repository"
)

// Recorder は競合のメトリクスを記録するインターフェース。
type Recorder interface {
	AddConflictsDetected(count int)
	AddConflictsResolved(count int)
}

// ScanResult は競合スキャンの集計結果を表す。
type ScanResult struct {
	ConflictsDetected int `json:"conflicts_detected"`
}

// Detail は競合中の仕事イベントと、重なっているレッスンの組を表す。
type Detail struct {
	Event   *model.SyncedWorkEvent `json:"event"`
	Lessons []*model.Lesson        `json:"lessons"`
}

// Detector はブロック時間枠と将来の予定済みレッスンの重なりを検出する。
// 読み取りとフラグ付けのみを行い、レッスンを変更しない。
type Detector struct {
	eventRepo  repository.EventRepository
	blockRepo  repository.BlockRepository
	lessonRepo repository.LessonRepository
	recorder   Recorder
	logger     *slog.Logger
	now        func() time.Time
}

// NewDetector はDetectorを生成する。recorderはnilを許容する。
func NewDetector(
	eventRepo repository.EventRepository,
	blockRepo repository.BlockRepository,
	lessonRepo repository.LessonRepository,
	recorder Recorder,
	logger *slog.Logger,
	now func() time.Time,
) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{
		eventRepo:  eventRepo,
		blockRepo:  blockRepo,
		lessonRepo: lessonRepo,
		recorder:   recorder,
		logger:     logger,
		now:        now,
	}
}

// ScanLessons は組織の将来の予定済みレッスンを全アクティブブロックと
// 突き合わせ、重なった仕事イベントにhas_conflictを立てる。
// 重なりは半開区間 [s1,e1) と [s2,e2) の s1<e2 かつ s2<e1 で判定する。
// 個々のブロックの失敗では中断せず、集計結果と結合エラーを返す。
func (d *Detector) ScanLessons(ctx context.Context, orgID string) (*ScanResult, error) {
	lessons, err := d.lessonRepo.ListFutureScheduled(ctx, orgID, d.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled lessons: %w", err)
	}
	blocks, err := d.blockRepo.ListActiveByOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active blocks: %w", err)
	}

	// 個々のブロックの失敗でスキャン全体を中断しない。
	// 残りを処理したうえで失敗をまとめて返す。
	result := &ScanResult{}
	var errs []error
	for _, block := range blocks {
		if block.SourceType != model.BlockSourceWorkEvent {
			continue
		}
		if !anyLessonOverlaps(block, lessons) {
			continue
		}

		ev, err := d.eventRepo.FindByID(ctx, block.SourceEventID)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to find source event %s: %w", block.SourceEventID, err))
			continue
		}
		if ev == nil || ev.HasConflict {
			continue
		}

		if err := d.eventRepo.SetHasConflict(ctx, ev.ID, true); err != nil {
			errs = append(errs, fmt.Errorf("failed to flag conflict on %s: %w", ev.ID, err))
			continue
		}
		result.ConflictsDetected++
	}

	if d.recorder != nil && result.ConflictsDetected > 0 {
		d.recorder.AddConflictsDetected(result.ConflictsDetected)
	}
	if result.ConflictsDetected > 0 {
		d.logger.Info("競合を検出しました",
			slog.String("organization_id", orgID),
			slog.Int("detected", result.ConflictsDetected))
	}

	return result, errors.Join(errs...)
}

// ListConflicts は競合中の仕事イベントを、重なっているレッスンと共に返す。
// fromとtoが非ゼロの場合は開始時刻で絞り込む。
func (d *Detector) ListConflicts(ctx context.Context, orgID string, from, to time.Time) ([]*Detail, error) {
	events, err := d.eventRepo.ListConflicted(ctx, orgID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicted events: %w", err)
	}
	lessons, err := d.lessonRepo.ListFutureScheduled(ctx, orgID, d.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled lessons: %w", err)
	}

	details := make([]*Detail, 0, len(events))
	for _, ev := range events {
		detail := &Detail{Event: ev}
		for _, lesson := range lessons {
			if overlaps(ev.StartTime, ev.EndTime, lesson.ScheduledStart, lesson.ScheduledEnd) {
				detail.Lessons = append(detail.Lessons, lesson)
			}
		}
		details = append(details, detail)
	}
	return details, nil
}

func anyLessonOverlaps(block *model.BlockedTimeSlot, lessons []*model.Lesson) bool {
	for _, lesson := range lessons {
		if block.Overlaps(lesson.ScheduledStart, lesson.ScheduledEnd) {
			return true
		}
	}
	return false
}

// overlaps は半開区間の重なり判定。境界の一致のみでは重ならない。
func overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}
