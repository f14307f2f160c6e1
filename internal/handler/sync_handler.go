package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/lessonsync/internal/middleware"
	"github.com/hitoshi/lessonsync/internal/model"
	syncengine "github.com/hitoshi/lessonsync/internal/sync"
)

// ConnectionFinder は所有権を検証した上で接続を取得するインターフェース。
// サービス全体ではなく、同期トリガーに必要な最小限のみを要求する。
type ConnectionFinder interface {
	FindOwned(ctx context.Context, userID, connectionID string) (*model.CalendarConnection, error)
}

// SyncEngineInterface は同期ハンドラーが必要とするエンジンインターフェース。
type SyncEngineInterface interface {
	SyncConnection(ctx context.Context, conn *model.CalendarConnection) (*syncengine.Result, error)
}

// SyncHandler は手動同期トリガーのHTTPハンドラー。
type SyncHandler struct {
	finder ConnectionFinder
	engine SyncEngineInterface
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(finder ConnectionFinder, engine SyncEngineInterface) *SyncHandler {
	return &SyncHandler{
		finder: finder,
		engine: engine,
	}
}

// Trigger は指定した接続の同期を即時実行する。
// POST /api/connections/{id}/sync
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	connectionID := chi.URLParam(r, "id")

	conn, err := h.finder.FindOwned(r.Context(), userID, connectionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	result, err := h.engine.SyncConnection(r.Context(), conn)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
