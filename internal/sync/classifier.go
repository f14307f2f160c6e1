// Package sync は外部カレンダーのイベントをローカルミラーへ差分同期する
// 同期エンジンを提供する。
package sync

import (
	"strings"

	"github.com/hitoshi/lessonsync/internal/model"
)

// conferenceDomains は会議リンクとして認識するドメイン。
// 本文・場所欄のいずれかに含まれる場合に会議と分類する。
var conferenceDomains = []string{
	"meet.google.com",
	"teams.microsoft.com",
	"zoom.us",
}

// classifyMeeting はプロバイダーイベントを会議かどうか分類する。
// 参加者が2名以上、会議リンクを含む、またはプロバイダーが
// オンライン会議とマークしている場合に会議とする。
// 終日イベントは時間枠を占有しないため常に会議としない。
func classifyMeeting(ev *model.ProviderEvent) bool {
	if ev.IsAllDay {
		return false
	}
	if ev.AttendeeCount >= 2 {
		return true
	}
	if ev.IsOnline {
		return true
	}
	return hasConferenceLink(ev.Location) || hasConferenceLink(ev.Description)
}

// hasConferenceLink はテキストに会議リンクのドメインが含まれるかを判定する。
func hasConferenceLink(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, domain := range conferenceDomains {
		if strings.Contains(lower, domain) {
			return true
		}
	}
	return false
}

// classifyStatus はプロバイダー固有のステータス文字列を
// ミラーイベントの状態と確定度に正規化する。
func classifyStatus(providerStatus string) (model.EventState, model.EventStatus) {
	switch strings.ToLower(providerStatus) {
	case "cancelled", "canceled":
		return model.EventStateCancelled, model.EventStatusConfirmed
	case "tentative":
		return model.EventStateActive, model.EventStatusTentative
	default:
		return model.EventStateActive, model.EventStatusConfirmed
	}
}
