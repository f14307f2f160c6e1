package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/lessonsync/internal/model"
	"github.com/hitoshi/lessonsync/internal/repository"
)

// ResolveInput は競合解決の入力を表す。
type ResolveInput struct {
	EventID          string
	ResolutionType   model.ResolutionType
	Notes            string
	AffectedLessonID string
	NewLessonTime    *time.Time
}

// Resolver は競合に対する人間の判断を記録し、レッスンへの副作用を実行する。
// 状態遷移は unresolved → resolved/ignored の一方向のみで、戻る遷移はない。
type Resolver struct {
	userRepo       repository.UserRepository
	connRepo       repository.ConnectionRepository
	eventRepo      repository.EventRepository
	lessonRepo     repository.LessonRepository
	resolutionRepo repository.ResolutionRepository
	recorder       Recorder
	logger         *slog.Logger
	now            func() time.Time
}

// NewResolver はResolverを生成する。recorderはnilを許容する。
func NewResolver(
	userRepo repository.UserRepository,
	connRepo repository.ConnectionRepository,
	eventRepo repository.EventRepository,
	lessonRepo repository.LessonRepository,
	resolutionRepo repository.ResolutionRepository,
	recorder Recorder,
	logger *slog.Logger,
	now func() time.Time,
) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		userRepo:       userRepo,
		connRepo:       connRepo,
		eventRepo:      eventRepo,
		lessonRepo:     lessonRepo,
		resolutionRepo: resolutionRepo,
		recorder:       recorder,
		logger:         logger,
		now:            now,
	}
}

// Resolve は競合を解決する。監査レコードを先に追記してから副作用を実行する。
// 監査の追記後にレッスンの参照・更新が失敗した場合、レコードは残り
// エラーが返る。副作用はat-least-onceであり、厳密に1回ではない。
func (r *Resolver) Resolve(ctx context.Context, resolverID string, input ResolveInput) (*model.ConflictResolution, error) {
	if err := validateResolveInput(input); err != nil {
		return nil, err
	}

	user, err := r.userRepo.FindByID(ctx, resolverID)
	if err != nil {
		return nil, fmt.Errorf("failed to find resolver: %w", err)
	}
	if user == nil {
		return nil, model.NewAuthError("ユーザーが見つかりません")
	}

	ev, err := r.eventRepo.FindByID(ctx, input.EventID)
	if err != nil {
		return nil, fmt.Errorf("failed to find event: %w", err)
	}
	// 組織外のイベントは存在を秘匿する
	if ev == nil || ev.OrganizationID != user.OrganizationID {
		return nil, model.NewEventNotFoundError(input.EventID)
	}

	conn, err := r.connRepo.FindByID(ctx, ev.CalendarConnectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find parent connection: %w", err)
	}
	if conn == nil || conn.UserID != user.ID {
		return nil, model.NewAccessDeniedError()
	}

	if !ev.HasConflict {
		return nil, model.NewConflictAlreadyResolvedError(ev.ID)
	}

	resolution := &model.ConflictResolution{
		ID:                uuid.New().String(),
		SyncedWorkEventID: ev.ID,
		OrganizationID:    ev.OrganizationID,
		ResolvedBy:        user.ID,
		ResolutionType:    input.ResolutionType,
		ResolutionNotes:   input.Notes,
		AffectedLessonID:  input.AffectedLessonID,
		NewLessonTime:     input.NewLessonTime,
		ResolvedAt:        r.now(),
	}
	if err := r.resolutionRepo.Create(ctx, resolution); err != nil {
		return nil, fmt.Errorf("failed to record resolution: %w", err)
	}

	if err := r.applySideEffect(ctx, user.OrganizationID, input); err != nil {
		return nil, err
	}

	if err := r.eventRepo.SetHasConflict(ctx, ev.ID, false); err != nil {
		return nil, fmt.Errorf("failed to clear conflict flag: %w", err)
	}

	if r.recorder != nil {
		r.recorder.AddConflictsResolved(1)
	}
	r.logger.Info("競合を解決しました",
		slog.String("event_id", ev.ID),
		slog.String("resolution_type", string(input.ResolutionType)),
		slog.String("resolved_by", user.ID))

	return resolution, nil
}

// applySideEffect は解決種別に応じたレッスンの変更を実行する。
// keep_bothとignoreはレッスンを変更しない。
func (r *Resolver) applySideEffect(ctx context.Context, orgID string, input ResolveInput) error {
	switch input.ResolutionType {
	case model.ResolutionRescheduleLesson:
		lesson, err := r.findLesson(ctx, orgID, input.AffectedLessonID)
		if err != nil {
			return err
		}
		newStart := *input.NewLessonTime
		newEnd := newStart.Add(lesson.Duration())
		if err := r.lessonRepo.UpdateSchedule(ctx, lesson.ID, newStart, newEnd); err != nil {
			return fmt.Errorf("failed to reschedule lesson: %w", err)
		}
	case model.ResolutionCancelLesson:
		lesson, err := r.findLesson(ctx, orgID, input.AffectedLessonID)
		if err != nil {
			return err
		}
		if err := r.lessonRepo.UpdateStatus(ctx, lesson.ID, model.LessonStatusCancelled); err != nil {
			return fmt.Errorf("failed to cancel lesson: %w", err)
		}
	case model.ResolutionKeepBoth, model.ResolutionIgnore:
		// レッスンへの変更なし
	}
	return nil
}

func (r *Resolver) findLesson(ctx context.Context, orgID, lessonID string) (*model.Lesson, error) {
	lesson, err := r.lessonRepo.FindByID(ctx, lessonID)
	if err != nil {
		return nil, fmt.Errorf("failed to find lesson: %w", err)
	}
	if lesson == nil || lesson.OrganizationID != orgID {
		return nil, model.NewLessonNotFoundError(lessonID)
	}
	return lesson, nil
}

func validateResolveInput(input ResolveInput) error {
	if input.EventID == "" {
		return model.NewValidationError("work_event_idは必須です")
	}
	if !model.ValidResolutionType(input.ResolutionType) {
		return model.NewValidationError(fmt.Sprintf("不明な解決種別です: %s", input.ResolutionType))
	}
	switch input.ResolutionType {
	case model.ResolutionRescheduleLesson:
		if input.AffectedLessonID == "" {
			return model.NewValidationError("affected_lesson_idは必須です")
		}
		if input.NewLessonTime == nil {
			return model.NewValidationError("new_lesson_timeは必須です")
		}
	case model.ResolutionCancelLesson:
		if input.AffectedLessonID == "" {
			return model.NewValidationError("affected_lesson_idは必須です")
		}
	}
	return nil
}
