// Package model はドメインモデルを定義する。
package model

import "time"

// EventState はミラーイベントのライフサイクル状態を表す。
// is_deletedフラグとキャンセル済みステータスの組み合わせによる
// 不正な状態を排除するため、タグ付きの状態として明示的にモデル化する。
type EventState string

const (
	// EventStateActive はプロバイダー側に存在する有効なイベント。
	EventStateActive EventState = "active"
	// EventStateCancelled はプロバイダー側でキャンセルされたイベント。
	EventStateCancelled EventState = "cancelled"
	// EventStateDeleted はフェッチ結果から消えたイベント（トゥームストーン）。
	EventStateDeleted EventState = "deleted"
)

// EventStatus はアクティブなイベントの確定度を表す。
type EventStatus string

const (
	// EventStatusConfirmed は確定済みイベント。
	EventStatusConfirmed EventStatus = "confirmed"
	// EventStatusTentative は仮予定のイベント。
	EventStatusTentative EventStatus = "tentative"
)

// SyncedWorkEvent は外部カレンダーの1イベントのローカルミラー。
// 同期エンジンが作成・更新し、AutoBlockedはオートブロック調整器、
// HasConflictは競合検出器/解決ワークフローのみが変更する。
type SyncedWorkEvent struct {
	ID                   string
	CalendarConnectionID string
	OrganizationID       string
	UserID               string
	ExternalEventID      string
	Title                string
	Description          string // サニタイズ済み
	StartTime            time.Time
	EndTime              time.Time
	IsMeeting            bool
	Status               EventStatus
	State                EventState
	AutoBlocked          bool
	HasConflict          bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// QualifiesForBlock はこのイベントがブロック対象かどうかを判定する。
// 有効・確定済み・会議と分類されたイベントのみがブロックを生成する。
func (e *SyncedWorkEvent) QualifiesForBlock() bool {
	return e.State == EventStateActive &&
		e.Status == EventStatusConfirmed &&
		e.IsMeeting
}

// ProviderEvent はプロバイダーアダプターが返す未保存のイベントデータを表す。
// 同期エンジンが差分計算の入力として使用する。
type ProviderEvent struct {
	ExternalID    string
	Title         string
	Description   string // 未サニタイズ
	Location      string
	StartTime     time.Time
	EndTime       time.Time
	Status        string // プロバイダー固有のステータス文字列
	AttendeeCount int
	IsOnline      bool // プロバイダーがオンライン会議としてマークしている
	IsAllDay      bool
}
