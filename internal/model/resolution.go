// Package model はドメインモデルを定義する。
package model

import "time"

// ResolutionType は競合に対する人間の判断の種別を表す。
type ResolutionType string

const (
	// ResolutionRescheduleLesson はレッスンを別時刻に変更する判断。
	ResolutionRescheduleLesson ResolutionType = "reschedule_lesson"
	// ResolutionCancelLesson はレッスンをキャンセルする判断。
	ResolutionCancelLesson ResolutionType = "cancel_lesson"
	// ResolutionKeepBoth は両方をそのまま維持する判断。
	ResolutionKeepBoth ResolutionType = "keep_both"
	// ResolutionIgnore は競合を無視する判断。
	ResolutionIgnore ResolutionType = "ignore"
)

// ValidResolutionType は既知の解決種別かどうかを判定する。
func ValidResolutionType(t ResolutionType) bool {
	switch t {
	case ResolutionRescheduleLesson, ResolutionCancelLesson,
		ResolutionKeepBoth, ResolutionIgnore:
		return true
	}
	return false
}

// ConflictResolution は競合に対する判断の追記専用監査レコード。
// 作成後は一切変更されない。
type ConflictResolution struct {
	ID                string
	SyncedWorkEventID string
	OrganizationID    string
	ResolvedBy        string
	ResolutionType    ResolutionType
	ResolutionNotes   string
	AffectedLessonID  string
	NewLessonTime     *time.Time
	ResolvedAt        time.Time
}
