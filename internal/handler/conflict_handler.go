package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/lessonsync/internal/conflict"
	"github.com/hitoshi/lessonsync/internal/middleware"
	"github.com/hitoshi/lessonsync/internal/model"
)

// 競合一覧のデフォルト検索範囲。fromとtoが未指定の場合に使う。
const defaultConflictWindow = 60 * 24 * time.Hour

// ConflictDetectorInterface は競合ハンドラーが必要とする検出インターフェース。
type ConflictDetectorInterface interface {
	ScanLessons(ctx context.Context, orgID string) (*conflict.ScanResult, error)
	ListConflicts(ctx context.Context, orgID string, from, to time.Time) ([]*conflict.Detail, error)
}

// SlotFinderInterface は空き枠探索のインターフェース。
type SlotFinderInterface interface {
	FindAvailable(ctx context.Context, orgID string, query conflict.SlotQuery) ([]conflict.DaySlots, error)
}

// ConflictResolverInterface は競合解決のインターフェース。
type ConflictResolverInterface interface {
	Resolve(ctx context.Context, resolverID string, input conflict.ResolveInput) (*model.ConflictResolution, error)
}

// ConflictHandler は競合管理のHTTPハンドラー。
type ConflictHandler struct {
	users    UserFinder
	detector ConflictDetectorInterface
	slots    SlotFinderInterface
	resolver ConflictResolverInterface
}

// NewConflictHandler はConflictHandlerを生成する。
func NewConflictHandler(users UserFinder, detector ConflictDetectorInterface, slots SlotFinderInterface, resolver ConflictResolverInterface) *ConflictHandler {
	return &ConflictHandler{
		users:    users,
		detector: detector,
		slots:    slots,
		resolver: resolver,
	}
}

// resolveRequest は競合解決リクエストのボディ。
type resolveRequest struct {
	EventID          string     `json:"event_id"`
	ResolutionType   string     `json:"resolution_type"`
	Notes            string     `json:"notes"`
	AffectedLessonID string     `json:"affected_lesson_id"`
	NewLessonTime    *time.Time `json:"new_lesson_time"`
}

// conflictEventResponse は競合中の仕事イベントのAPIレスポンス。
type conflictEventResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Status    string    `json:"status"`
}

// conflictLessonResponse は競合相手のレッスンのAPIレスポンス。
type conflictLessonResponse struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	ScheduledStart time.Time `json:"scheduled_start"`
	ScheduledEnd   time.Time `json:"scheduled_end"`
	Status         string    `json:"status"`
}

// conflictDetailResponse は競合1件のAPIレスポンス。
type conflictDetailResponse struct {
	Event   conflictEventResponse    `json:"event"`
	Lessons []conflictLessonResponse `json:"lessons"`
}

// resolutionResponse は解決記録のAPIレスポンス。
type resolutionResponse struct {
	ID                string     `json:"id"`
	SyncedWorkEventID string     `json:"synced_work_event_id"`
	ResolutionType    string     `json:"resolution_type"`
	ResolutionNotes   string     `json:"resolution_notes,omitempty"`
	AffectedLessonID  string     `json:"affected_lesson_id,omitempty"`
	NewLessonTime     *time.Time `json:"new_lesson_time,omitempty"`
	ResolvedAt        time.Time  `json:"resolved_at"`
}

// List は期間内の競合一覧を返す。
// GET /api/conflicts?from=2024-09-01T00:00:00Z&to=2024-09-30T00:00:00Z
func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.resolveOrg(w, r)
	if !ok {
		return
	}

	from, to, err := parseTimeRange(r)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return
	}

	details, err := h.detector.ListConflicts(r.Context(), orgID, from, to)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]conflictDetailResponse, 0, len(details))
	for _, d := range details {
		resp = append(resp, toConflictDetailResponse(d))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"conflicts": resp,
	})
}

// Scan は競合スキャンを即時実行する。
// POST /api/conflicts/scan
func (h *ConflictHandler) Scan(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.resolveOrg(w, r)
	if !ok {
		return
	}

	result, err := h.detector.ScanLessons(r.Context(), orgID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// Resolve は競合に対する解決操作を実行する。
// POST /api/conflicts/resolve
func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	input := conflict.ResolveInput{
		EventID:          req.EventID,
		ResolutionType:   model.ResolutionType(req.ResolutionType),
		Notes:            req.Notes,
		AffectedLessonID: req.AffectedLessonID,
		NewLessonTime:    req.NewLessonTime,
	}

	resolution, err := h.resolver.Resolve(r.Context(), userID, input)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toResolutionResponse(resolution))
}

// AvailableSlots は空き時間枠を日付ごとに返す。
// GET /api/slots/available?start_date&end_date&duration&start_hour&end_hour&exclude_weekends
func (h *ConflictHandler) AvailableSlots(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.resolveOrg(w, r)
	if !ok {
		return
	}

	query, err := parseSlotQuery(r)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return
	}

	slots, err := h.slots.FindAvailable(r.Context(), orgID, query)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"days": slots,
	})
}

// resolveOrg はリクエストユーザーの組織IDを解決する。
func (h *ConflictHandler) resolveOrg(w http.ResponseWriter, r *http.Request) (string, bool) {
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

// --- クエリパラメータの解析 ---

// parseTimeRange はfrom/toクエリパラメータをRFC3339として解析する。
// 未指定の場合は現在時刻から60日間を範囲とする。
func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now
	to := now.Add(defaultConflictWindow)

	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, &paramError{param: "from"}
		}
		from = parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, &paramError{param: "to"}
		}
		to = parsed
	}

	return from, to, nil
}

// parseSlotQuery は空き枠探索のクエリパラメータを解析する。
func parseSlotQuery(r *http.Request) (conflict.SlotQuery, error) {
	q := r.URL.Query()

	startDate, err := time.Parse("2006-01-02", q.Get("start_date"))
	if err != nil {
		return conflict.SlotQuery{}, &paramError{param: "start_date"}
	}
	endDate, err := time.Parse("2006-01-02", q.Get("end_date"))
	if err != nil {
		return conflict.SlotQuery{}, &paramError{param: "end_date"}
	}
	duration, err := strconv.Atoi(q.Get("duration"))
	if err != nil {
		return conflict.SlotQuery{}, &paramError{param: "duration"}
	}

	// 営業時間のデフォルトは9時から18時
	startHour := 9
	if v := q.Get("start_hour"); v != "" {
		startHour, err = strconv.Atoi(v)
		if err != nil {
			return conflict.SlotQuery{}, &paramError{param: "start_hour"}
		}
	}
	endHour := 18
	if v := q.Get("end_hour"); v != "" {
		endHour, err = strconv.Atoi(v)
		if err != nil {
			return conflict.SlotQuery{}, &paramError{param: "end_hour"}
		}
	}

	excludeWeekends := false
	if v := q.Get("exclude_weekends"); v != "" {
		excludeWeekends, err = strconv.ParseBool(v)
		if err != nil {
			return conflict.SlotQuery{}, &paramError{param: "exclude_weekends"}
		}
	}

	return conflict.SlotQuery{
		StartDate:       startDate,
		EndDate:         endDate,
		DurationMinutes: duration,
		StartHour:       startHour,
		EndHour:         endHour,
		ExcludeWeekends: excludeWeekends,
	}, nil
}

// paramError はクエリパラメータの解析エラー。
type paramError struct {
	param string
}

func (e *paramError) Error() string {
	return e.param + "パラメータの形式が不正です"
}

// --- レスポンス変換 ---

func toConflictDetailResponse(d *conflict.Detail) conflictDetailResponse {
	lessons := make([]conflictLessonResponse, 0, len(d.Lessons))
	for _, l := range d.Lessons {
		lessons = append(lessons, conflictLessonResponse{
			ID:             l.ID,
			Title:          l.Title,
			ScheduledStart: l.ScheduledStart,
			ScheduledEnd:   l.ScheduledEnd,
			Status:         string(l.Status),
		})
	}

	return conflictDetailResponse{
		Event: conflictEventResponse{
			ID:        d.Event.ID,
			Title:     d.Event.Title,
			StartTime: d.Event.StartTime,
			EndTime:   d.Event.EndTime,
			Status:    string(d.Event.Status),
		},
		Lessons: lessons,
	}
}

func toResolutionResponse(res *model.ConflictResolution) resolutionResponse {
	return resolutionResponse{
		ID:                res.ID,
		SyncedWorkEventID: res.SyncedWorkEventID,
		ResolutionType:    string(res.ResolutionType),
		ResolutionNotes:   res.ResolutionNotes,
		AffectedLessonID:  res.AffectedLessonID,
		NewLessonTime:     res.NewLessonTime,
		ResolvedAt:        res.ResolvedAt,
	}
}
