// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// 認証と組織解決はアイデンティティ層の責務であり、
// コアはユーザーがどの組織に属するかの解決のみに使用する。
type User struct {
	ID             string
	OrganizationID string
	Email          string
	Name           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Organization はテナント境界を表す。コアの全エンティティは1つの組織に属する。
type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
