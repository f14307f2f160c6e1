// Package provider は外部カレンダープロバイダーのOAuthとイベント取得APIを
// 共通の形に正規化するアダプターを提供する。
// プロバイダーごとに異なるレスポンス形状（Google / Microsoft Graph / ICS）を
// 1つのAdapterインターフェースの背後に隠蔽する。
package provider

import (
	"context"
	"time"

	"github.com/hitoshi/lessonsync/internal/model"
)

// Token はプロバイダーから取得したOAuthトークンを表す。
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Profile はプロバイダーのアカウントプロフィールを表す。
type Profile struct {
	AccountID string
	Email     string
}

// Calendar はプロバイダー側のカレンダーを表す。
type Calendar struct {
	ID      string
	Name    string
	Primary bool
}

// Adapter は1つの外部カレンダープロバイダーを正規化するインターフェース。
// OAuthを使用しないプロバイダー（ICS）はAuthURL/ExchangeCode/RefreshTokenで
// ErrOAuthNotSupportedを返す。
type Adapter interface {
	// Name はプロバイダー種別を返す。
	Name() model.Provider

	// AuthURL は認可リダイレクトURLを生成する。
	// codeChallengeはPKCEのS256チャレンジ。
	AuthURL(state, codeChallenge string) string

	// ExchangeCode は認可コードとPKCE検証子をトークンに交換する。
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*Token, error)

	// RefreshToken はリフレッシュトークンで新しいアクセストークンを取得する。
	RefreshToken(ctx context.Context, refreshToken string) (*Token, error)

	// GetProfile はアカウントプロフィールを取得する。
	GetProfile(ctx context.Context, accessToken string) (*Profile, error)

	// ListCalendars はアカウントのカレンダー一覧を取得する。
	ListCalendars(ctx context.Context, accessToken string) ([]Calendar, error)

	// ListEvents は同期ウィンドウ内の現在のイベント一覧を取得する。
	ListEvents(ctx context.Context, conn *model.CalendarConnection, from, to time.Time) ([]model.ProviderEvent, error)
}

// Registry はプロバイダー種別からAdapterを解決する。
type Registry struct {
	adapters map[model.Provider]Adapter
}

// NewRegistry はAdapter群からRegistryを生成する。
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[model.Provider]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m}
}

// Resolve は指定プロバイダーのAdapterを返す。未登録の場合はnilを返す。
func (r *Registry) Resolve(p model.Provider) Adapter {
	return r.adapters[p]
}
