package repository

import (
	"testing"
	"time"

	"github.com/hitoshi/lessonsync/internal/model"
)

// 各リポジトリが対応するインターフェースを満たすことを検証
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ UserRepository = (*PostgresUserRepo)(nil)
	var _ SessionRepository = (*PostgresSessionRepo)(nil)
	var _ LessonRepository = (*PostgresLessonRepo)(nil)
	var _ ResolutionRepository = (*PostgresResolutionRepo)(nil)
}

// NewPostgresUserRepoが正しく初期化されることを検証
func TestNewPostgresUserRepo_Initializes(t *testing.T) {
	repo := NewPostgresUserRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// Lessonモデルのフィールドが正しく構築されることを検証
func TestPostgresLessonRepo_LessonModel_Fields(t *testing.T) {
	start := time.Date(2024, 9, 10, 15, 0, 0, 0, time.UTC)
	lesson := &model.Lesson{
		ID:             "lesson-1",
		OrganizationID: "org-1",
		Title:          "英語レッスン",
		ScheduledStart: start,
		ScheduledEnd:   start.Add(time.Hour),
		Status:         model.LessonStatusScheduled,
	}

	if lesson.Status != model.LessonStatusScheduled {
		t.Errorf("lesson.Status = %q, want %q", lesson.Status, model.LessonStatusScheduled)
	}
	if lesson.Duration() != time.Hour {
		t.Errorf("lesson.Duration() = %v, want %v", lesson.Duration(), time.Hour)
	}
}
