package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/lessonsync/internal/model"
)

// PostgresResolutionRepo はPostgreSQLを使用した競合解決監査リポジトリ。
// レコードは追記専用であり、更新・削除は提供しない。
type PostgresResolutionRepo struct {
	db *sql.DB
}

// NewPostgresResolutionRepo はPostgresResolutionRepoを生成する。
func NewPostgresResolutionRepo(db *sql.DB) *PostgresResolutionRepo {
	return &PostgresResolutionRepo{db: db}
}

// Create は監査レコードを追記する。
func (r *PostgresResolutionRepo) Create(ctx context.Context, res *model.ConflictResolution) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conflict_resolutions (
		    id, synced_work_event_id, organization_id, resolved_by,
		    resolution_type, resolution_notes, affected_lesson_id,
		    new_lesson_time, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		res.ID, res.SyncedWorkEventID, res.OrganizationID, res.ResolvedBy,
		res.ResolutionType, nullString(res.ResolutionNotes),
		nullString(res.AffectedLessonID), res.NewLessonTime, res.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("競合解決レコードの作成に失敗しました: %w", err)
	}
	return nil
}

// ListByEvent はイベントに紐づく監査レコードをresolved_at昇順で返す。
func (r *PostgresResolutionRepo) ListByEvent(ctx context.Context, eventID string) ([]*model.ConflictResolution, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, synced_work_event_id, organization_id, resolved_by,
		        resolution_type, resolution_notes, affected_lesson_id,
		        new_lesson_time, resolved_at
		 FROM conflict_resolutions
		 WHERE synced_work_event_id = $1
		 ORDER BY resolved_at`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("競合解決レコードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var resolutions []*model.ConflictResolution
	for rows.Next() {
		res := &model.ConflictResolution{}
		var notes, lessonID sql.NullString
		var newTime sql.NullTime

		err := rows.Scan(
			&res.ID, &res.SyncedWorkEventID, &res.OrganizationID, &res.ResolvedBy,
			&res.ResolutionType, &notes, &lessonID, &newTime, &res.ResolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("競合解決レコードの読み込みに失敗しました: %w", err)
		}

		res.ResolutionNotes = nullStringValue(notes)
		res.AffectedLessonID = nullStringValue(lessonID)
		if newTime.Valid {
			t := newTime.Time
			res.NewLessonTime = &t
		}

		resolutions = append(resolutions, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("競合解決レコードの走査に失敗しました: %w", err)
	}

	return resolutions, nil
}

// compile-time interface check
var _ ResolutionRepository = (*PostgresResolutionRepo)(nil)
