// Package model はドメインモデルを定義する。
package model

import "time"

// BlockSourceType はブロック時間枠の生成元の種別を表す。
type BlockSourceType string

const (
	// BlockSourceWorkEvent は仕事イベントから自動生成されたブロック。
	BlockSourceWorkEvent BlockSourceType = "work_event"
	// BlockSourceManual は手動で作成されたブロック。
	BlockSourceManual BlockSourceType = "manual"
)

// BlockedTimeSlot はレッスンが避けるべき予約済み時間枠を表す。
// (source_type, source_event_id) につきアクティブなスロットは最大1つ。
// 作成・更新・削除はオートブロック調整器のみが行う。
type BlockedTimeSlot struct {
	ID             string
	OrganizationID string
	UserID         string
	StartTime      time.Time
	EndTime        time.Time
	SourceType     BlockSourceType
	SourceEventID  string // 生成元イベントへの弱い参照（所有関係ではない）
	Title          string
	Description    string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Overlaps は半開区間 [StartTime, EndTime) として他の区間との重なりを判定する。
// [s1,e1) と [s2,e2) は s1<e2 かつ s2<e1 のとき重なる。
// 境界が一致するだけの場合（e1==s2）は重ならない。
func (b *BlockedTimeSlot) Overlaps(start, end time.Time) bool {
	return b.StartTime.Before(end) && start.Before(b.EndTime)
}
