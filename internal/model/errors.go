// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, provider, sync, conflict, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthError               = "AUTH_ERROR"
	ErrCodeConnectionNotFound      = "CONNECTION_NOT_FOUND"
	ErrCodeEventNotFound           = "EVENT_NOT_FOUND"
	ErrCodeLessonNotFound          = "LESSON_NOT_FOUND"
	ErrCodeOrganizationNotFound    = "ORGANIZATION_NOT_FOUND"
	ErrCodeAccessDenied            = "ACCESS_DENIED"
	ErrCodeProviderError           = "PROVIDER_ERROR"
	ErrCodeValidationError         = "VALIDATION_ERROR"
	ErrCodeConflictAlreadyResolved = "CONFLICT_ALREADY_RESOLVED"
	ErrCodeSyncInProgress          = "SYNC_IN_PROGRESS"
	ErrCodeSSRFBlocked             = "SSRF_BLOCKED"
	ErrCodeInvalidURL              = "INVALID_URL"
)

// NewAuthError はOAuth state・トークンの無効/期限切れエラーを生成する。
func NewAuthError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthError,
		Message:  fmt.Sprintf("認証に失敗しました: %s", reason),
		Category: "auth",
		Action:   "カレンダーを再接続してください。",
	}
}

// NewConnectionNotFoundError は接続未検出エラーを生成する。
func NewConnectionNotFoundError(connectionID string) *APIError {
	return &APIError{
		Code:     ErrCodeConnectionNotFound,
		Message:  fmt.Sprintf("指定されたカレンダー接続が見つかりません: %s", connectionID),
		Category: "sync",
		Action:   "接続IDを確認してください。",
	}
}

// NewEventNotFoundError はイベント未検出エラーを生成する。
func NewEventNotFoundError(eventID string) *APIError {
	return &APIError{
		Code:     ErrCodeEventNotFound,
		Message:  fmt.Sprintf("指定された仕事イベントが見つかりません: %s", eventID),
		Category: "conflict",
		Action:   "イベントIDを確認してください。",
	}
}

// NewLessonNotFoundError はレッスン未検出エラーを生成する。
func NewLessonNotFoundError(lessonID string) *APIError {
	return &APIError{
		Code:     ErrCodeLessonNotFound,
		Message:  fmt.Sprintf("指定されたレッスンが見つかりません: %s", lessonID),
		Category: "conflict",
		Action:   "レッスンIDを確認してください。",
	}
}

// NewOrganizationNotFoundError はユーザーが組織に解決できない場合のエラーを生成する。
func NewOrganizationNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeOrganizationNotFound,
		Message:  "ユーザーが所属する組織を特定できませんでした。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewAccessDeniedError は組織外または非所有者による操作のエラーを生成する。
func NewAccessDeniedError() *APIError {
	return &APIError{
		Code:     ErrCodeAccessDenied,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "接続の所有者のみがこの操作を実行できます。",
	}
}

// NewProviderError は上流カレンダーAPIの失敗エラーを生成する。
// 上流の生のエラーテキストはログのみに記録し、ユーザーには露出しない。
func NewProviderError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderError,
		Message:  "外部カレンダーとの通信に失敗しました。",
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。解決しない場合はカレンダーを再接続してください。",
	}
}

// NewValidationError は不正なリクエストのエラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationError,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewConflictAlreadyResolvedError は解決済みイベントへの再解決エラーを生成する。
func NewConflictAlreadyResolvedError(eventID string) *APIError {
	return &APIError{
		Code:     ErrCodeConflictAlreadyResolved,
		Message:  fmt.Sprintf("このイベントの競合は既に解決されています: %s", eventID),
		Category: "conflict",
		Action:   "競合一覧を再読み込みしてください。",
	}
}

// NewSyncInProgressError は同一接続の同期が実行中の場合のエラーを生成する。
func NewSyncInProgressError(connectionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSyncInProgress,
		Message:  fmt.Sprintf("この接続の同期は既に実行中です: %s", connectionID),
		Category: "sync",
		Action:   "実行中の同期が完了してから再度お試しください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているカレンダーURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}
