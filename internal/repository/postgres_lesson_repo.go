package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/lessonsync/internal/model"
)

// PostgresLessonRepo はPostgreSQLを使用したレッスンリポジトリ。
// レッスンテーブルはスケジューリングサブシステムの所有であり、
// コアは予定時間枠とステータス以外のカラムに触れない。
type PostgresLessonRepo struct {
	db *sql.DB
}

// NewPostgresLessonRepo はPostgresLessonRepoを生成する。
func NewPostgresLessonRepo(db *sql.DB) *PostgresLessonRepo {
	return &PostgresLessonRepo{db: db}
}

// FindByID は指定IDのレッスンを取得する。見つからない場合はnilを返す。
func (r *PostgresLessonRepo) FindByID(ctx context.Context, id string) (*model.Lesson, error) {
	lesson := &model.Lesson{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, organization_id, title, scheduled_start, scheduled_end, status
		 FROM lessons WHERE id = $1`,
		id,
	).Scan(&lesson.ID, &lesson.OrganizationID, &lesson.Title,
		&lesson.ScheduledStart, &lesson.ScheduledEnd, &lesson.Status)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("レッスンの取得に失敗しました: %w", err)
	}

	return lesson, nil
}

// ListFutureScheduled は指定時刻以降に開始する予定済みレッスンを組織単位で返す。
func (r *PostgresLessonRepo) ListFutureScheduled(ctx context.Context, orgID string, after time.Time) ([]*model.Lesson, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, organization_id, title, scheduled_start, scheduled_end, status
		 FROM lessons
		 WHERE organization_id = $1 AND status = 'scheduled' AND scheduled_start >= $2
		 ORDER BY scheduled_start`,
		orgID, after,
	)
	if err != nil {
		return nil, fmt.Errorf("レッスン一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var lessons []*model.Lesson
	for rows.Next() {
		lesson := &model.Lesson{}
		err := rows.Scan(&lesson.ID, &lesson.OrganizationID, &lesson.Title,
			&lesson.ScheduledStart, &lesson.ScheduledEnd, &lesson.Status)
		if err != nil {
			return nil, fmt.Errorf("レッスンの読み込みに失敗しました: %w", err)
		}
		lessons = append(lessons, lesson)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("レッスンの走査に失敗しました: %w", err)
	}

	return lessons, nil
}

// UpdateSchedule はレッスンの予定時間枠を書き換える。
func (r *PostgresLessonRepo) UpdateSchedule(ctx context.Context, id string, start, end time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE lessons SET scheduled_start = $2, scheduled_end = $3 WHERE id = $1`,
		id, start, end,
	)
	if err != nil {
		return fmt.Errorf("レッスン予定の更新に失敗しました: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return model.NewLessonNotFoundError(id)
	}
	return nil
}

// UpdateStatus はレッスンのステータスを書き換える。
func (r *PostgresLessonRepo) UpdateStatus(ctx context.Context, id string, status model.LessonStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE lessons SET status = $2 WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("レッスンステータスの更新に失敗しました: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return model.NewLessonNotFoundError(id)
	}
	return nil
}

// compile-time interface check
var _ LessonRepository = (*PostgresLessonRepo)(nil)
