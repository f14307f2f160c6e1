package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/lessonsync/internal/model"
)

// PostgresConnectionRepo はPostgreSQLを使用したカレンダー接続リポジトリ。
type PostgresConnectionRepo struct {
	db *sql.DB
}

// NewPostgresConnectionRepo はPostgresConnectionRepoを生成する。
func NewPostgresConnectionRepo(db *sql.DB) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: db}
}

// connectionColumns はSELECT句で使用するカラム一覧。scanConnectionと対応する。
const connectionColumns = `id, organization_id, user_id, provider,
	provider_account_id, provider_account_email, calendar_id, calendar_name,
	feed_url, access_token, refresh_token, token_expires_at,
	sync_enabled, auto_block_enabled, conflict_notification_enabled,
	push_lessons_enabled, last_sync_status, last_sync_at, created_at, updated_at`

// rowScanner はsql.Rowとsql.Rowsの共通Scanインターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanConnection は1行をCalendarConnectionに読み込む。
func scanConnection(row rowScanner) (*model.CalendarConnection, error) {
	conn := &model.CalendarConnection{}
	var calendarID, calendarName, feedURL, accessToken, refreshToken sql.NullString
	var tokenExpiresAt, lastSyncAt sql.NullTime

	err := row.Scan(
		&conn.ID, &conn.OrganizationID, &conn.UserID, &conn.Provider,
		&conn.ProviderAccountID, &conn.ProviderAccountEmail, &calendarID, &calendarName,
		&feedURL, &accessToken, &refreshToken, &tokenExpiresAt,
		&conn.SyncEnabled, &conn.AutoBlockEnabled, &conn.ConflictNotifyEnabled,
		&conn.PushLessonsEnabled, &conn.LastSyncStatus, &lastSyncAt,
		&conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conn.CalendarID = nullStringValue(calendarID)
	conn.CalendarName = nullStringValue(calendarName)
	conn.FeedURL = nullStringValue(feedURL)
	conn.AccessToken = nullStringValue(accessToken)
	conn.RefreshToken = nullStringValue(refreshToken)
	if tokenExpiresAt.Valid {
		conn.TokenExpiresAt = tokenExpiresAt.Time
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		conn.LastSyncAt = &t
	}

	return conn, nil
}

// FindByID は指定IDの接続を取得する。見つからない場合はnilを返す。
func (r *PostgresConnectionRepo) FindByID(ctx context.Context, id string) (*model.CalendarConnection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections WHERE id = $1`,
		id,
	)

	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("カレンダー接続の取得に失敗しました: %w", err)
	}

	return conn, nil
}

// Upsert は (organization_id, provider, provider_account_id) をキーに接続をUPSERTする。
// 既存の場合はトークン・カレンダー情報・同期既定値を上書きし、既存接続のIDをconnに書き戻す。
func (r *PostgresConnectionRepo) Upsert(ctx context.Context, conn *model.CalendarConnection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	now := time.Now()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO calendar_connections (
		    id, organization_id, user_id, provider,
		    provider_account_id, provider_account_email, calendar_id, calendar_name,
		    feed_url, access_token, refresh_token, token_expires_at,
		    sync_enabled, auto_block_enabled, conflict_notification_enabled,
		    push_lessons_enabled, last_sync_status, last_sync_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		         $13, $14, $15, $16, $17, NULL, $18, $19)
		 ON CONFLICT (organization_id, provider, provider_account_id)
		 DO UPDATE SET
		    user_id = EXCLUDED.user_id,
		    provider_account_email = EXCLUDED.provider_account_email,
		    calendar_id = EXCLUDED.calendar_id,
		    calendar_name = EXCLUDED.calendar_name,
		    feed_url = EXCLUDED.feed_url,
		    access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    token_expires_at = EXCLUDED.token_expires_at,
		    sync_enabled = EXCLUDED.sync_enabled,
		    last_sync_status = EXCLUDED.last_sync_status,
		    updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		conn.ID, conn.OrganizationID, conn.UserID, conn.Provider,
		conn.ProviderAccountID, conn.ProviderAccountEmail,
		nullString(conn.CalendarID), nullString(conn.CalendarName),
		nullString(conn.FeedURL), nullString(conn.AccessToken), nullString(conn.RefreshToken),
		nullTime(conn.TokenExpiresAt),
		conn.SyncEnabled, conn.AutoBlockEnabled, conn.ConflictNotifyEnabled,
		conn.PushLessonsEnabled, conn.LastSyncStatus,
		conn.CreatedAt, conn.UpdatedAt,
	).Scan(&conn.ID)
	if err != nil {
		return fmt.Errorf("カレンダー接続のUPSERTに失敗しました: %w", err)
	}
	return nil
}

// UpdateSettings は4つのトグルフィールドの部分更新を適用する。
// nilのフィールドは既存の値を維持する。
func (r *PostgresConnectionRepo) UpdateSettings(ctx context.Context, id string, patch model.ConnectionSettingsPatch) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calendar_connections SET
		    sync_enabled = COALESCE($2, sync_enabled),
		    auto_block_enabled = COALESCE($3, auto_block_enabled),
		    conflict_notification_enabled = COALESCE($4, conflict_notification_enabled),
		    push_lessons_enabled = COALESCE($5, push_lessons_enabled),
		    updated_at = now()
		 WHERE id = $1`,
		id, patch.SyncEnabled, patch.AutoBlockEnabled,
		patch.ConflictNotifyEnabled, patch.PushLessonsEnabled,
	)
	if err != nil {
		return fmt.Errorf("接続設定の更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateTokens はアクセストークン・リフレッシュトークン・有効期限を更新する。
func (r *PostgresConnectionRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calendar_connections SET
		    access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = now()
		 WHERE id = $1`,
		id, nullString(accessToken), nullString(refreshToken), nullTime(expiresAt),
	)
	if err != nil {
		return fmt.Errorf("トークンの更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateSyncStatus は直近同期の状態と時刻を更新する。
func (r *PostgresConnectionRepo) UpdateSyncStatus(ctx context.Context, id string, status model.SyncStatus, syncedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calendar_connections SET
		    last_sync_status = $2, last_sync_at = $3, updated_at = now()
		 WHERE id = $1`,
		id, status, syncedAt,
	)
	if err != nil {
		return fmt.Errorf("同期状態の更新に失敗しました: %w", err)
	}
	return nil
}

// ListByOrganization は組織の接続一覧を返す。
func (r *PostgresConnectionRepo) ListByOrganization(ctx context.Context, orgID string) ([]*model.CalendarConnection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections
		 WHERE organization_id = $1
		 ORDER BY created_at`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("接続一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectConnections(rows)
}

// ListSyncEnabled はsync_enabled=trueの全接続を返す。ワーカーが使用する。
func (r *PostgresConnectionRepo) ListSyncEnabled(ctx context.Context) ([]*model.CalendarConnection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections
		 WHERE sync_enabled = true
		 ORDER BY last_sync_at NULLS FIRST`,
	)
	if err != nil {
		return nil, fmt.Errorf("同期対象接続の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectConnections(rows)
}

// DeleteCascade は接続と、その接続を生成元とする全SyncedWorkEventおよび
// BlockedTimeSlotを同一トランザクションで削除する。
func (r *PostgresConnectionRepo) DeleteCascade(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 接続のイベントを生成元とするブロックを削除
	_, err = tx.ExecContext(ctx,
		`DELETE FROM blocked_time_slots
		 WHERE source_type = 'work_event'
		   AND source_event_id IN (
		       SELECT id FROM synced_work_events WHERE calendar_connection_id = $1)`,
		id,
	)
	if err != nil {
		return fmt.Errorf("接続由来ブロックの削除に失敗しました: %w", err)
	}

	// ミラーイベントを削除
	_, err = tx.ExecContext(ctx,
		`DELETE FROM synced_work_events WHERE calendar_connection_id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("ミラーイベントの削除に失敗しました: %w", err)
	}

	// 接続本体を削除
	_, err = tx.ExecContext(ctx,
		`DELETE FROM calendar_connections WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("カレンダー接続の削除に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// collectConnections はクエリ結果の全行をCalendarConnectionに読み込む。
func collectConnections(rows *sql.Rows) ([]*model.CalendarConnection, error) {
	var conns []*model.CalendarConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("カレンダー接続の読み込みに失敗しました: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("カレンダー接続の走査に失敗しました: %w", err)
	}
	return conns, nil
}

// nullString は空文字列をNULLとして扱うsql.NullStringを生成する。
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullStringValue はsql.NullStringから文字列値を取り出す。NULLは空文字列になる。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTime はゼロ値をNULLとして扱うsql.NullTimeを生成する。
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// compile-time interface check
var _ ConnectionRepository = (*PostgresConnectionRepo)(nil)
