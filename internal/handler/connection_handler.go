// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/lessonsync/internal/middleware"
	"github.com/hitoshi/lessonsync/internal/model"
)

// ConnectionServiceInterface は接続ハンドラーが必要とするサービスインターフェース。
type ConnectionServiceInterface interface {
	// InitiateAuth はOAuth認可フローを開始し、認可URLを返す。
	InitiateAuth(ctx context.Context, userID string, p model.Provider) (string, error)
	// CompleteAuth はOAuthコールバックを処理し、接続を登録する。
	CompleteAuth(ctx context.Context, stateToken, code string) (*model.CalendarConnection, error)
	// ConnectICS はICS購読URLから接続を登録する。
	ConnectICS(ctx context.Context, userID, feedURL string) (*model.CalendarConnection, error)
	// ListConnections はユーザーの組織の接続一覧を返す。
	ListConnections(ctx context.Context, userID string) ([]*model.CalendarConnection, error)
	// UpdateSettings は接続の同期設定を更新する。
	UpdateSettings(ctx context.Context, userID, connectionID string, patch model.ConnectionSettingsPatch) (*model.CalendarConnection, error)
	// Disconnect は接続と配下の同期データを削除する。
	Disconnect(ctx context.Context, userID, connectionID string) error
}

// ConnectionHandler はカレンダー接続管理のHTTPハンドラー。
type ConnectionHandler struct {
	service ConnectionServiceInterface
}

// NewConnectionHandler はConnectionHandlerを生成する。
func NewConnectionHandler(service ConnectionServiceInterface) *ConnectionHandler {
	return &ConnectionHandler{service: service}
}

// connectICSRequest はICS接続登録リクエストのボディ。
type connectICSRequest struct {
	FeedURL string `json:"feed_url"`
}

// updateSettingsRequest は接続設定更新リクエストのボディ。
// 指定されたフィールドのみ更新する。
type updateSettingsRequest struct {
	SyncEnabled           *bool `json:"sync_enabled"`
	AutoBlockEnabled      *bool `json:"auto_block_enabled"`
	ConflictNotifyEnabled *bool `json:"conflict_notification_enabled"`
	PushLessonsEnabled    *bool `json:"push_lessons_enabled"`
}

// connectionResponse は接続情報のAPIレスポンス。
// トークン類は含めない。
type connectionResponse struct {
	ID                    string     `json:"id"`
	Provider              string     `json:"provider"`
	ProviderAccountEmail  string     `json:"provider_account_email"`
	CalendarID            string     `json:"calendar_id"`
	CalendarName          string     `json:"calendar_name"`
	FeedURL               string     `json:"feed_url,omitempty"`
	SyncEnabled           bool       `json:"sync_enabled"`
	AutoBlockEnabled      bool       `json:"auto_block_enabled"`
	ConflictNotifyEnabled bool       `json:"conflict_notification_enabled"`
	PushLessonsEnabled    bool       `json:"push_lessons_enabled"`
	LastSyncStatus        string     `json:"last_sync_status"`
	LastSyncAt            *time.Time `json:"last_sync_at"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// Connect はOAuth認可フローを開始し、認可URLを返す。
// GET /auth/{provider}/connect
func (h *ConnectionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	p := model.Provider(chi.URLParam(r, "provider"))

	authURL, err := h.service.InitiateAuth(r.Context(), userID, p)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"authorization_url": authURL,
	})
}

// Callback はOAuthコールバックを処理し、接続を登録する。
// state値にユーザー情報が署名付きで埋め込まれているため、セッション不要。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *ConnectionHandler) Callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")

	if state == "" || code == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("codeまたはstateパラメータがありません"))
		return
	}

	conn, err := h.service.CompleteAuth(r.Context(), state, code)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toConnectionResponse(conn))
}

// ConnectICS はICS購読URLから接続を登録する。
// POST /api/connections/ics
func (h *ConnectionHandler) ConnectICS(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req connectICSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	if req.FeedURL == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidURLError("購読URLが空です"))
		return
	}

	conn, err := h.service.ConnectICS(r.Context(), userID, req.FeedURL)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toConnectionResponse(conn))
}

// List は組織のカレンダー接続一覧を返す。
// GET /api/connections
func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	conns, err := h.service.ListConnections(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]connectionResponse, 0, len(conns))
	for _, conn := range conns {
		resp = append(resp, toConnectionResponse(conn))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"connections": resp,
	})
}

// UpdateSettings は接続の同期設定を更新する。
// PATCH /api/connections/{id}/settings
func (h *ConnectionHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	connectionID := chi.URLParam(r, "id")

	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	patch := model.ConnectionSettingsPatch{
		SyncEnabled:           req.SyncEnabled,
		AutoBlockEnabled:      req.AutoBlockEnabled,
		ConflictNotifyEnabled: req.ConflictNotifyEnabled,
		PushLessonsEnabled:    req.PushLessonsEnabled,
	}

	conn, err := h.service.UpdateSettings(r.Context(), userID, connectionID, patch)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toConnectionResponse(conn))
}

// Disconnect は接続と配下の同期データを削除する。
// DELETE /api/connections/{id}
func (h *ConnectionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	connectionID := chi.URLParam(r, "id")

	if err := h.service.Disconnect(r.Context(), userID, connectionID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- ヘルパー関数 ---

// toConnectionResponse はmodel.CalendarConnectionからAPIレスポンスに変換する。
func toConnectionResponse(conn *model.CalendarConnection) connectionResponse {
	return connectionResponse{
		ID:                    conn.ID,
		Provider:              string(conn.Provider),
		ProviderAccountEmail:  conn.ProviderAccountEmail,
		CalendarID:            conn.CalendarID,
		CalendarName:          conn.CalendarName,
		FeedURL:               conn.FeedURL,
		SyncEnabled:           conn.SyncEnabled,
		AutoBlockEnabled:      conn.AutoBlockEnabled,
		ConflictNotifyEnabled: conn.ConflictNotifyEnabled,
		PushLessonsEnabled:    conn.PushLessonsEnabled,
		LastSyncStatus:        string(conn.LastSyncStatus),
		LastSyncAt:            conn.LastSyncAt,
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// writeUnauthorized は認証切れの統一エラーレスポンスを書き込む。
func writeUnauthorized(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusUnauthorized, &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	})
}

// writeInvalidRequestBody はリクエストボディ解析失敗の統一エラーレスポンスを書き込む。
func writeInvalidRequestBody(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeAuthError:
		return http.StatusUnauthorized
	case model.ErrCodeAccessDenied, model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeConnectionNotFound, model.ErrCodeEventNotFound,
		model.ErrCodeLessonNotFound, model.ErrCodeOrganizationNotFound:
		return http.StatusNotFound
	case model.ErrCodeConflictAlreadyResolved, model.ErrCodeSyncInProgress:
		return http.StatusConflict
	case model.ErrCodeValidationError, model.ErrCodeInvalidURL:
		return http.StatusBadRequest
	case model.ErrCodeProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
