// Package connection はカレンダー接続の登録・設定・切断のライフサイクルを提供する。
package connection

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/lessonsync/internal/model"
)

// stateTTL はOAuth stateトークンの有効期間。
const stateTTL = 10 * time.Minute

// AuthState はOAuth認可フローのstateトークンの内容を表す。
// ユーザーID・プロバイダー・ノンス・発行時刻をHMAC-SHA256で署名して運搬する。
type AuthState struct {
	UserID   string
	Provider model.Provider
	Nonce    string
	IssuedAt time.Time
}

// StateSigner はstateトークンの発行と検証を行う。
// トークンは不透明な文字列として認可URLに載り、コールバックで検証される。
type StateSigner struct {
	secret []byte
	now    func() time.Time
}

// NewStateSigner はStateSignerを生成する。
// secretは32バイト以上を推奨する。nowはテスト用に差し替え可能で、nilの場合time.Now。
func NewStateSigner(secret []byte, now func() time.Time) *StateSigner {
	if now == nil {
		now = time.Now
	}
	return &StateSigner{secret: secret, now: now}
}

// Issue は新しいstateトークンを発行する。
func (s *StateSigner) Issue(userID string, provider model.Provider) (string, *AuthState, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	state := &AuthState{
		UserID:   userID,
		Provider: provider,
		Nonce:    hex.EncodeToString(nonceBytes),
		IssuedAt: s.now(),
	}

	payload := statePayload(state)
	sig := s.sign(payload)
	token := base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + sig

	return token, state, nil
}

// Verify はstateトークンの署名と有効期限を検証し、内容を返す。
// 不正・期限切れの場合はAuthErrorを返す。
func (s *StateSigner) Verify(token string) (*AuthState, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, model.NewAuthError("stateトークンの形式が不正です")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, model.NewAuthError("stateトークンの形式が不正です")
	}
	payload := string(payloadBytes)

	expected := s.sign(payload)
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return nil, model.NewAuthError("stateトークンの署名が一致しません")
	}

	fields := strings.Split(payload, "|")
	if len(fields) != 4 {
		return nil, model.NewAuthError("stateトークンの形式が不正です")
	}

	issuedUnix, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, model.NewAuthError("stateトークンの形式が不正です")
	}

	state := &AuthState{
		UserID:   fields[0],
		Provider: model.Provider(fields[1]),
		Nonce:    fields[2],
		IssuedAt: time.Unix(issuedUnix, 0),
	}

	if s.now().Sub(state.IssuedAt) > stateTTL {
		return nil, model.NewAuthError("stateトークンの有効期限が切れています")
	}

	return state, nil
}

// statePayload は署名対象の正規化された文字列を生成する。
func statePayload(state *AuthState) string {
	return fmt.Sprintf("%s|%s|%s|%d",
		state.UserID, state.Provider, state.Nonce, state.IssuedAt.Unix())
}

// sign はペイロードのHMAC-SHA256署名を計算する。
func (s *StateSigner) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifierStore はPKCE検証子を認可フローの間だけサーバー側に保持する。
// stateのノンスをキーとするインメモリストアで、TTL超過分は参照時に破棄される。
type VerifierStore struct {
	mu      sync.Mutex
	entries map[string]verifierEntry
	ttl     time.Duration
	now     func() time.Time
}

type verifierEntry struct {
	verifier string
	storedAt time.Time
}

// NewVerifierStore はVerifierStoreを生成する。nowはテスト用で、nilの場合time.Now。
func NewVerifierStore(now func() time.Time) *VerifierStore {
	if now == nil {
		now = time.Now
	}
	return &VerifierStore{
		entries: make(map[string]verifierEntry),
		ttl:     stateTTL,
		now:     now,
	}
}

// Put は検証子を保存する。
func (v *VerifierStore) Put(nonce, verifier string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.evictExpired()
	v.entries[nonce] = verifierEntry{verifier: verifier, storedAt: v.now()}
}

// Take は検証子を取り出して削除する。見つからない・期限切れの場合は空文字列を返す。
// 1つのstateにつき1回しか使用できない。
func (v *VerifierStore) Take(nonce string) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.entries[nonce]
	if !ok {
		return ""
	}
	delete(v.entries, nonce)

	if v.now().Sub(entry.storedAt) > v.ttl {
		return ""
	}
	return entry.verifier
}

// evictExpired は期限切れエントリを破棄する。呼び出し側でロックを保持すること。
func (v *VerifierStore) evictExpired() {
	cutoff := v.now().Add(-v.ttl)
	for nonce, entry := range v.entries {
		if entry.storedAt.Before(cutoff) {
			delete(v.entries, nonce)
		}
	}
}
