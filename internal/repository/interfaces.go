// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/lessonsync/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
// コアはユーザー→組織の解決のみに使用する。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// ConnectionRepository はカレンダー接続の永続化インターフェース。
type ConnectionRepository interface {
	// FindByID は指定IDの接続を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.CalendarConnection, error)

	// Upsert は (organization_id, provider, provider_account_id) をキーに
	// 接続をUPSERTする。既存の場合はトークンと設定既定値を上書きし、
	// 既存接続のIDをconnに書き戻す。
	Upsert(ctx context.Context, conn *model.CalendarConnection) error

	// UpdateSettings は4つのトグルフィールドの部分更新を適用する。
	UpdateSettings(ctx context.Context, id string, patch model.ConnectionSettingsPatch) error

	// UpdateTokens はアクセストークン・リフレッシュトークン・有効期限を更新する。
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error

	// UpdateSyncStatus は直近同期の状態と時刻を更新する。
	UpdateSyncStatus(ctx context.Context, id string, status model.SyncStatus, syncedAt time.Time) error

	// ListByOrganization は組織の接続一覧を返す。
	ListByOrganization(ctx context.Context, orgID string) ([]*model.CalendarConnection, error)

	// ListSyncEnabled はsync_enabled=trueの全接続を返す。ワーカーが使用する。
	ListSyncEnabled(ctx context.Context) ([]*model.CalendarConnection, error)

	// DeleteCascade は接続と、その接続を生成元とする全SyncedWorkEventおよび
	// BlockedTimeSlotを同一トランザクションで削除する。
	DeleteCascade(ctx context.Context, id string) error
}

// EventDiff は同期エンジンが計算した差分の適用単位。
// EventRepository.ApplyDiffが単一トランザクションでコミットする。
type EventDiff struct {
	Inserts    []*model.SyncedWorkEvent
	Updates    []*model.SyncedWorkEvent
	Tombstones []string // EventStateDeletedに遷移するイベントID
}

// EventRepository はミラーイベントの永続化インターフェース。
type EventRepository interface {
	// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.SyncedWorkEvent, error)

	// ListByConnection は接続の全イベントをトゥームストーンを含めて返す。
	// 同期エンジンの差分計算の入力として使用し、再出現したイベントを
	// 既存行の復活として扱えるようにする。
	ListByConnection(ctx context.Context, connectionID string) ([]*model.SyncedWorkEvent, error)

	// ApplyDiff は差分全体を単一トランザクションで適用する。
	// いずれかの書き込みが失敗した場合は全体をロールバックする。
	ApplyDiff(ctx context.Context, diff EventDiff) error

	// ListPendingAutoBlock はauto_block_enabled=trueの接続に属し、
	// ブロック対象（active・confirmed・会議）かつauto_blocked=falseの
	// イベントを組織単位で返す。
	ListPendingAutoBlock(ctx context.Context, orgID string) ([]*model.SyncedWorkEvent, error)

	// SetAutoBlocked はイベントのauto_blockedフラグを更新する。
	SetAutoBlocked(ctx context.Context, eventID string, autoBlocked bool) error

	// SetHasConflict はイベントのhas_conflictフラグを更新する。
	SetHasConflict(ctx context.Context, eventID string, hasConflict bool) error

	// ListConflicted はhas_conflict=trueのイベントを組織単位で返す。
	// fromとtoが非ゼロの場合は開始時刻で絞り込む。
	ListConflicted(ctx context.Context, orgID string, from, to time.Time) ([]*model.SyncedWorkEvent, error)
}

// BlockRepository はブロック時間枠の永続化インターフェース。
// 仕事イベント由来のスロットはオートブロック調整器のみが操作する。
type BlockRepository interface {
	// FindActiveBySource は生成元につきアクティブなスロットを取得する。
	// 見つからない場合はnilを返す。
	FindActiveBySource(ctx context.Context, sourceType model.BlockSourceType, sourceEventID string) (*model.BlockedTimeSlot, error)

	// Create はスロットを作成する。
	Create(ctx context.Context, slot *model.BlockedTimeSlot) error

	// UpdateWindow はスロットの時間枠とタイトルを更新する。
	UpdateWindow(ctx context.Context, id string, start, end time.Time, title string) error

	// DeleteBySource は生成元につきアクティブなスロットを削除する。
	DeleteBySource(ctx context.Context, sourceType model.BlockSourceType, sourceEventID string) error

	// ListActiveByOrganization は組織のアクティブなスロット一覧を返す。
	ListActiveByOrganization(ctx context.Context, orgID string) ([]*model.BlockedTimeSlot, error)

	// ListActiveWorkEventBlocks は組織のアクティブな仕事イベント由来スロットを返す。
	ListActiveWorkEventBlocks(ctx context.Context, orgID string) ([]*model.BlockedTimeSlot, error)

	// CountActiveByOrganization は組織のアクティブなスロット数を返す。
	CountActiveByOrganization(ctx context.Context, orgID string) (int, error)
}

// ResolutionRepository は競合解決監査レコードの永続化インターフェース。
// レコードは追記専用であり、更新・削除のメソッドを持たない。
type ResolutionRepository interface {
	// Create は監査レコードを追記する。
	Create(ctx context.Context, res *model.ConflictResolution) error

	// ListByEvent はイベントに紐づく監査レコードをresolved_at昇順で返す。
	ListByEvent(ctx context.Context, eventID string) ([]*model.ConflictResolution, error)
}

// LessonRepository はレッスンサブシステムへの読み書きインターフェース。
// コアは競合スキャンの読み取りと、解決の副作用としての
// 予定時間枠・ステータスの書き込みのみを行う。
type LessonRepository interface {
	// FindByID は指定IDのレッスンを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Lesson, error)

	// ListFutureScheduled は指定時刻以降に開始する予定済みレッスンを組織単位で返す。
	ListFutureScheduled(ctx context.Context, orgID string, after time.Time) ([]*model.Lesson, error)

	// UpdateSchedule はレッスンの予定時間枠を書き換える。
	UpdateSchedule(ctx context.Context, id string, start, end time.Time) error

	// UpdateStatus はレッスンのステータスを書き換える。
	UpdateStatus(ctx context.Context, id string, status model.LessonStatus) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
