package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/lessonsync/internal/autoblock"
	"github.com/hitoshi/lessonsync/internal/middleware"
	"github.com/hitoshi/lessonsync/internal/model"
)

// UserFinder はリクエストユーザーから組織を解決するためのインターフェース。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// AutoBlockServiceInterface はオートブロックハンドラーが必要とするインターフェース。
type AutoBlockServiceInterface interface {
	// ProcessPending は未ブロックの対象イベントにブロックを生成する。
	ProcessPending(ctx context.Context, orgID string) (*autoblock.ProcessResult, error)
	// CleanupStale は生成元イベントが対象外になった古いブロックを削除する。
	CleanupStale(ctx context.Context, orgID string) (int, error)
	// CurrentStatus は組織のオートブロックの現在の状態を返す。
	CurrentStatus(ctx context.Context, orgID string) (*autoblock.Status, error)
}

// AutoBlockHandler はオートブロック管理のHTTPハンドラー。
type AutoBlockHandler struct {
	users   UserFinder
	service AutoBlockServiceInterface
}

// NewAutoBlockHandler はAutoBlockHandlerを生成する。
func NewAutoBlockHandler(users UserFinder, service AutoBlockServiceInterface) *AutoBlockHandler {
	return &AutoBlockHandler{
		users:   users,
		service: service,
	}
}

// processResponse はオートブロック処理の実行結果レスポンス。
type processResponse struct {
	BlocksCreated int      `json:"blocks_created"`
	BlocksRemoved int      `json:"blocks_removed"`
	Errors        []string `json:"errors"`
}

// Process は組織の保留イベントへのブロック生成と古いブロックの掃除を実行する。
// POST /api/autoblock/process
func (h *AutoBlockHandler) Process(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.resolveOrg(w, r)
	if !ok {
		return
	}

	result, err := h.service.ProcessPending(r.Context(), orgID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	removed, err := h.service.CleanupStale(r.Context(), orgID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := processResponse{
		BlocksCreated: result.BlocksCreated,
		BlocksRemoved: removed,
		Errors:        result.Failed,
	}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Status は組織のオートブロックの現在の状態を返す。
// GET /api/autoblock/status
func (h *AutoBlockHandler) Status(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.resolveOrg(w, r)
	if !ok {
		return
	}

	status, err := h.service.CurrentStatus(r.Context(), orgID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// resolveOrg はリクエストユーザーの組織IDを解決する。
// 失敗時はエラーレスポンスを書き込み、falseを返す。
func (h *AutoBlockHandler) resolveOrg(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return "", false
	}

	user, err := h.users.FindByID(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return "", false
	}
	if user == nil {
		writeUnauthorized(w)
		return "", false
	}

	return user.OrganizationID, true
}
