// Package model はドメインモデルを定義する。
package model

import "time"

// Provider は外部カレンダープロバイダーの種別を表す。
type Provider string

const (
	// ProviderGoogle はGoogleカレンダー。
	ProviderGoogle Provider = "google"
	// ProviderOutlook はOutlook（Microsoft 365）カレンダー。
	ProviderOutlook Provider = "outlook"
	// ProviderICS はICS購読URL経由のカレンダー。OAuthを使用しない。
	ProviderICS Provider = "ics"
)

// SyncStatus は接続の直近同期の状態を表す。
type SyncStatus string

const (
	// SyncStatusPending は未同期（接続直後）の状態。
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSuccess は直近の同期が成功した状態。
	SyncStatusSuccess SyncStatus = "success"
	// SyncStatusFailed は直近の同期が失敗した状態。
	SyncStatusFailed SyncStatus = "failed"
)

// CalendarConnection は1つの外部カレンダーアカウントと組織の紐付けを表す。
// (organization_id, provider, provider_account_id) で一意。
type CalendarConnection struct {
	ID                    string
	OrganizationID        string
	UserID                string
	Provider              Provider
	ProviderAccountID     string
	ProviderAccountEmail  string
	CalendarID            string
	CalendarName          string
	FeedURL               string // provider=ics の場合のみ使用する購読URL
	AccessToken           string
	RefreshToken          string
	TokenExpiresAt        time.Time
	SyncEnabled           bool
	AutoBlockEnabled      bool
	ConflictNotifyEnabled bool
	PushLessonsEnabled    bool
	LastSyncStatus        SyncStatus
	LastSyncAt            *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TokenExpired はアクセストークンが期限切れかどうかを判定する。
// 期限の60秒前から期限切れとして扱い、同期中のトークン失効を避ける。
func (c *CalendarConnection) TokenExpired(now time.Time) bool {
	if c.TokenExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.TokenExpiresAt.Add(-60 * time.Second))
}

// ConnectionSettingsPatch は接続設定の部分更新を表す。
// nilのフィールドは変更しない。4つのトグル以外は更新できない。
type ConnectionSettingsPatch struct {
	SyncEnabled           *bool
	AutoBlockEnabled      *bool
	ConflictNotifyEnabled *bool
	PushLessonsEnabled    *bool
}
