package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/lessonsync/internal/model"
)

// PostgresBlockRepo はPostgreSQLを使用したブロック時間枠リポジトリ。
type PostgresBlockRepo struct {
	db *sql.DB
}

// NewPostgresBlockRepo はPostgresBlockRepoを生成する。
func NewPostgresBlockRepo(db *sql.DB) *PostgresBlockRepo {
	return &PostgresBlockRepo{db: db}
}

// blockColumns はSELECT句で使用するカラム一覧。scanBlockと対応する。
const blockColumns = `id, organization_id, user_id, start_time, end_time,
	source_type, source_event_id, title, description, is_active, created_at, updated_at`

// scanBlock は1行をBlockedTimeSlotに読み込む。
func scanBlock(row rowScanner) (*model.BlockedTimeSlot, error) {
	slot := &model.BlockedTimeSlot{}
	var sourceEventID, description sql.NullString

	err := row.Scan(
		&slot.ID, &slot.OrganizationID, &slot.UserID, &slot.StartTime, &slot.EndTime,
		&slot.SourceType, &sourceEventID, &slot.Title, &description,
		&slot.IsActive, &slot.CreatedAt, &slot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	slot.SourceEventID = nullStringValue(sourceEventID)
	slot.Description = nullStringValue(description)
	return slot, nil
}

// FindActiveBySource は生成元につきアクティブなスロットを取得する。
// 見つからない場合はnilを返す。
func (r *PostgresBlockRepo) FindActiveBySource(ctx context.Context, sourceType model.BlockSourceType, sourceEventID string) (*model.BlockedTimeSlot, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+blockColumns+` FROM blocked_time_slots
		 WHERE source_type = $1 AND source_event_id = $2 AND is_active = true`,
		sourceType, sourceEventID,
	)

	slot, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ブロック時間枠の取得に失敗しました: %w", err)
	}

	return slot, nil
}

// Create はスロットを作成する。
// (source_type, source_event_id) の部分一意インデックスにより、
// 同一生成元のアクティブなスロットの重複はDBレベルでも防がれる。
func (r *PostgresBlockRepo) Create(ctx context.Context, slot *model.BlockedTimeSlot) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO blocked_time_slots (
		    id, organization_id, user_id, start_time, end_time,
		    source_type, source_event_id, title, description, is_active,
		    created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		slot.ID, slot.OrganizationID, slot.UserID, slot.StartTime, slot.EndTime,
		slot.SourceType, nullString(slot.SourceEventID), slot.Title,
		nullString(slot.Description), slot.IsActive, slot.CreatedAt, slot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ブロック時間枠の作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateWindow はスロットの時間枠とタイトルを更新する。
func (r *PostgresBlockRepo) UpdateWindow(ctx context.Context, id string, start, end time.Time, title string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE blocked_time_slots SET
		    start_time = $2, end_time = $3, title = $4, updated_at = now()
		 WHERE id = $1`,
		id, start, end, title,
	)
	if err != nil {
		return fmt.Errorf("ブロック時間枠の更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteBySource は生成元につきアクティブなスロットを削除する。
func (r *PostgresBlockRepo) DeleteBySource(ctx context.Context, sourceType model.BlockSourceType, sourceEventID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM blocked_time_slots
		 WHERE source_type = $1 AND source_event_id = $2 AND is_active = true`,
		sourceType, sourceEventID,
	)
	if err != nil {
		return fmt.Errorf("ブロック時間枠の削除に失敗しました: %w", err)
	}
	return nil
}

// ListActiveByOrganization は組織のアクティブなスロット一覧を返す。
func (r *PostgresBlockRepo) ListActiveByOrganization(ctx context.Context, orgID string) ([]*model.BlockedTimeSlot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM blocked_time_slots
		 WHERE organization_id = $1 AND is_active = true
		 ORDER BY start_time`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("ブロック一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectBlocks(rows)
}

// ListActiveWorkEventBlocks は組織のアクティブな仕事イベント由来スロットを返す。
func (r *PostgresBlockRepo) ListActiveWorkEventBlocks(ctx context.Context, orgID string) ([]*model.BlockedTimeSlot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM blocked_time_slots
		 WHERE organization_id = $1 AND is_active = true AND source_type = 'work_event'
		 ORDER BY start_time`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("仕事イベント由来ブロックの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectBlocks(rows)
}

// CountActiveByOrganization は組織のアクティブなスロット数を返す。
func (r *PostgresBlockRepo) CountActiveByOrganization(ctx context.Context, orgID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocked_time_slots
		 WHERE organization_id = $1 AND is_active = true`,
		orgID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ブロック数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// collectBlocks はクエリ結果の全行をBlockedTimeSlotに読み込む。
func collectBlocks(rows *sql.Rows) ([]*model.BlockedTimeSlot, error) {
	var slots []*model.BlockedTimeSlot
	for rows.Next() {
		slot, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("ブロック時間枠の読み込みに失敗しました: %w", err)
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ブロック時間枠の走査に失敗しました: %w", err)
	}
	return slots, nil
}

// compile-time interface check
var _ BlockRepository = (*PostgresBlockRepo)(nil)
