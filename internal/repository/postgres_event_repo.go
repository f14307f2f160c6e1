package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/lessonsync/internal/model"
)

// PostgresEventRepo はPostgreSQLを使用したミラーイベントリポジトリ。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

// eventColumns はSELECT句で使用するカラム一覧。scanEventと対応する。
const eventColumns = `id, calendar_connection_id, organization_id, user_id,
	external_event_id, title, description, start_time, end_time,
	is_meeting, status, state, auto_blocked, has_conflict, created_at, updated_at`

// scanEvent は1行をSyncedWorkEventに読み込む。
func scanEvent(row rowScanner) (*model.SyncedWorkEvent, error) {
	ev := &model.SyncedWorkEvent{}
	var description sql.NullString

	err := row.Scan(
		&ev.ID, &ev.CalendarConnectionID, &ev.OrganizationID, &ev.UserID,
		&ev.ExternalEventID, &ev.Title, &description, &ev.StartTime, &ev.EndTime,
		&ev.IsMeeting, &ev.Status, &ev.State, &ev.AutoBlocked, &ev.HasConflict,
		&ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.Description = nullStringValue(description)
	return ev, nil
}

// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
func (r *PostgresEventRepo) FindByID(ctx context.Context, id string) (*model.SyncedWorkEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM synced_work_events WHERE id = $1`,
		id,
	)

	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ミラーイベントの取得に失敗しました: %w", err)
	}

	return ev, nil
}

// ListByConnection は接続の全イベントをトゥームストーンを含めて返す。
// 外部イベントIDの一意制約があるため、復活の判定にはトゥームストーンも
// 突き合わせの対象に含める必要がある。
func (r *PostgresEventRepo) ListByConnection(ctx context.Context, connectionID string) ([]*model.SyncedWorkEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM synced_work_events
		 WHERE calendar_connection_id = $1
		 ORDER BY start_time`,
		connectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("接続イベント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ApplyDiff は差分全体を単一トランザクションで適用する。
// いずれかの書き込みが失敗した場合は全体をロールバックし、
// 以前にコミットされたミラー状態を一切変更しない。
func (r *PostgresEventRepo) ApplyDiff(ctx context.Context, diff EventDiff) error {
	if len(diff.Inserts) == 0 && len(diff.Updates) == 0 && len(diff.Tombstones) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range diff.Inserts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO synced_work_events (
			    id, calendar_connection_id, organization_id, user_id,
			    external_event_id, title, description, start_time, end_time,
			    is_meeting, status, state, auto_blocked, has_conflict,
			    created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			ev.ID, ev.CalendarConnectionID, ev.OrganizationID, ev.UserID,
			ev.ExternalEventID, ev.Title, nullString(ev.Description),
			ev.StartTime, ev.EndTime, ev.IsMeeting, ev.Status, ev.State,
			ev.AutoBlocked, ev.HasConflict, ev.CreatedAt, ev.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("ミラーイベントの挿入に失敗しました: %w", err)
		}
	}

	for _, ev := range diff.Updates {
		_, err := tx.ExecContext(ctx,
			`UPDATE synced_work_events SET
			    title = $2, description = $3, start_time = $4, end_time = $5,
			    is_meeting = $6, status = $7, state = $8, updated_at = $9
			 WHERE id = $1`,
			ev.ID, ev.Title, nullString(ev.Description), ev.StartTime, ev.EndTime,
			ev.IsMeeting, ev.Status, ev.State, ev.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("ミラーイベントの更新に失敗しました: %w", err)
		}
	}

	for _, id := range diff.Tombstones {
		_, err := tx.ExecContext(ctx,
			`UPDATE synced_work_events SET state = 'deleted', updated_at = now()
			 WHERE id = $1`,
			id,
		)
		if err != nil {
			return fmt.Errorf("トゥームストーンの設定に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ListPendingAutoBlock はauto_block_enabled=trueの接続に属し、
// ブロック対象かつauto_blocked=falseのイベントを組織単位で返す。
func (r *PostgresEventRepo) ListPendingAutoBlock(ctx context.Context, orgID string) ([]*model.SyncedWorkEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT e.id, e.calendar_connection_id, e.organization_id, e.user_id,
		        e.external_event_id, e.title, e.description, e.start_time, e.end_time,
		        e.is_meeting, e.status, e.state, e.auto_blocked, e.has_conflict,
		        e.created_at, e.updated_at
		 FROM synced_work_events e
		 JOIN calendar_connections c ON c.id = e.calendar_connection_id
		 WHERE e.organization_id = $1
		   AND c.auto_block_enabled = true
		   AND e.state = 'active'
		   AND e.status = 'confirmed'
		   AND e.is_meeting = true
		   AND e.auto_blocked = false
		 ORDER BY e.start_time`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("ブロック待ちイベントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// SetAutoBlocked はイベントのauto_blockedフラグを更新する。
func (r *PostgresEventRepo) SetAutoBlocked(ctx context.Context, eventID string, autoBlocked bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE synced_work_events SET auto_blocked = $2, updated_at = now() WHERE id = $1`,
		eventID, autoBlocked,
	)
	if err != nil {
		return fmt.Errorf("auto_blockedフラグの更新に失敗しました: %w", err)
	}
	return nil
}

// SetHasConflict はイベントのhas_conflictフラグを更新する。
func (r *PostgresEventRepo) SetHasConflict(ctx context.Context, eventID string, hasConflict bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE synced_work_events SET has_conflict = $2, updated_at = now() WHERE id = $1`,
		eventID, hasConflict,
	)
	if err != nil {
		return fmt.Errorf("has_conflictフラグの更新に失敗しました: %w", err)
	}
	return nil
}

// ListConflicted はhas_conflict=trueのイベントを組織単位で返す。
// fromとtoが非ゼロの場合は開始時刻で絞り込む。
func (r *PostgresEventRepo) ListConflicted(ctx context.Context, orgID string, from, to time.Time) ([]*model.SyncedWorkEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM synced_work_events
		 WHERE organization_id = $1
		   AND has_conflict = true
		   AND ($2::timestamptz IS NULL OR start_time >= $2)
		   AND ($3::timestamptz IS NULL OR start_time < $3)
		 ORDER BY start_time`,
		orgID, nullTime(from), nullTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("競合イベント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// collectEvents はクエリ結果の全行をSyncedWorkEventに読み込む。
func collectEvents(rows *sql.Rows) ([]*model.SyncedWorkEvent, error) {
	var events []*model.SyncedWorkEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ミラーイベントの読み込みに失敗しました: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ミラーイベントの走査に失敗しました: %w", err)
	}
	return events, nil
}

// compile-time interface check
var _ EventRepository = (*PostgresEventRepo)(nil)
