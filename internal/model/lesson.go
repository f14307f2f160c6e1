// Package model はドメインモデルを定義する。
package model

import "time"

// LessonStatus はレッスンのステータスを表す。
type LessonStatus string

const (
	// LessonStatusScheduled は予定済みのレッスン。
	LessonStatusScheduled LessonStatus = "scheduled"
	// LessonStatusCancelled はキャンセルされたレッスン。
	LessonStatusCancelled LessonStatus = "cancelled"
	// LessonStatusCompleted は完了したレッスン。
	LessonStatusCompleted LessonStatus = "completed"
)

// Lesson はレッスンスケジューリングサブシステムが所有する外部コラボレーター。
// コアは競合スキャンのための読み取りと、解決の副作用としての
// 予定時間枠・ステータスの書き込みのみを行う。
type Lesson struct {
	ID             string
	OrganizationID string
	Title          string
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	Status         LessonStatus
}

// Duration はレッスンの予定時間の長さを返す。
// 再スケジュール時に元の長さを保持するために使用する。
func (l *Lesson) Duration() time.Duration {
	return l.ScheduledEnd.Sub(l.ScheduledStart)
}
