package provider

import "errors"

// ErrOAuthNotSupported はOAuthを使用しないプロバイダー（ICS）の
// OAuth系メソッドが返すエラー。
var ErrOAuthNotSupported = errors.New("provider does not support oauth")

// ErrTokenRejected はリフレッシュトークンがプロバイダーに拒否された場合のエラー。
// 呼び出し側はユーザーに再接続を促す必要がある。
var ErrTokenRejected = errors.New("refresh token rejected by provider")
