package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/lessonsync/internal/conflict"
	"github.com/hitoshi/lessonsync/internal/model"
)

// --- モック定義 ---

type mockConflictDetector struct {
	scanLessonsFn   func(ctx context.Context, orgID string) (*conflict.ScanResult, error)
	listConflictsFn func(ctx context.Context, orgID string, from, to time.Time) ([]*conflict.Detail, error)
}

func (m *mockConflictDetector) ScanLessons(ctx context.Context, orgID string) (*conflict.ScanResult, error) {
	if m.scanLessonsFn != nil {
		return m.scanLessonsFn(ctx, orgID)
	}
	return &conflict.ScanResult{}, nil
}

func (m *mockConflictDetector) ListConflicts(ctx context.Context, orgID string, from, to time.Time) ([]*conflict.Detail, error) {
	if m.listConflictsFn != nil {
		return m.listConflictsFn(ctx, orgID, from, to)
	}
	return nil, nil
}

type mockSlotFinder struct {
	findAvailableFn func(ctx context.Context, orgID string, query conflict.SlotQuery) ([]conflict.DaySlots, error)
}

func (m *mockSlotFinder) FindAvailable(ctx context.Context, orgID string, query conflict.SlotQuery) ([]conflict.DaySlots, error) {
	if m.findAvailableFn != nil {
		return m.findAvailableFn(ctx, orgID, query)
	}
	return nil, nil
}

type mockConflictResolver struct {
	resolveFn func(ctx context.Context, resolverID string, input conflict.ResolveInput) (*model.ConflictResolution, error)
}

func (m *mockConflictResolver) Resolve(ctx context.Context, resolverID string, input conflict.ResolveInput) (*model.ConflictResolution, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, resolverID, input)
	}
	return nil, nil
}

func newConflictHandler(detector *mockConflictDetector, slots *mockSlotFinder, resolver *mockConflictResolver) *ConflictHandler {
	return NewConflictHandler(orgUserFinder("org-1"), detector, slots, resolver)
}

// --- GET /api/conflicts テスト ---

func TestConflictHandler_List_ReturnsConflicts(t *testing.T) {
	start := time.Date(2024, 9, 10, 9, 0, 0, 0, time.UTC)
	detector := &mockConflictDetector{
		listConflictsFn: func(ctx context.Context, orgID string, from, to time.Time) ([]*conflict.Detail, error) {
			if orgID != "org-1" {
				t.Errorf("orgID = %q, want %q", orgID, "org-1")
			}
			return []*conflict.Detail{
				{
					Event: &model.SyncedWorkEvent{
						ID:        "event-1",
						Title:     "クライアント定例",
						StartTime: start.Add(30 * time.Minute),
						EndTime:   start.Add(90 * time.Minute),
						Status:    model.EventStatusConfirmed,
					},
					Lessons: []*model.Lesson{
						{
							ID:             "lesson-1",
							Title:          "算数",
							ScheduledStart: start,
							ScheduledEnd:   start.Add(time.Hour),
							Status:         model.LessonStatusScheduled,
						},
					},
				},
			}, nil
		},
	}

	h := newConflictHandler(detector, &mockSlotFinder{}, &mockConflictResolver{})

	req := httptest.NewRequest(http.MethodGet, "/api/conflicts?from=2024-09-01T00:00:00Z&to=2024-09-30T00:00:00Z", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.List(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body map[string][]map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	conflicts := body["conflicts"]
	if len(conflicts) != 1 {
		t.Fatalf("conflicts length = %d, want 1", len(conflicts))
	}

	event := conflicts[0]["event"].(map[string]interface{})
	if event["id"] != "event-1" {
		t.Errorf("event.id = %v, want %q", event["id"], "event-1")
	}

	lessons := conflicts[0]["lessons"].([]interface{})
	if len(lessons) != 1 {
		t.Fatalf("lessons length = %d, want 1", len(lessons))
	}
}

func TestConflictHandler_List_InvalidFromParam_Returns400(t *testing.T) {
	detector := &mockConflictDetector{
		listConflictsFn: func(ctx context.Context, orgID string, from, to time.Time) ([]*conflict.Detail, error) {
			t.Fatal("detector should not be called with invalid params")
			return nil, nil
		},
	}

	h := newConflictHandler(detector, &mockSlotFinder{}, &mockConflictResolver{})

	req := httptest.NewRequest(http.MethodGet, "/api/conflicts?from=not-a-date", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.List(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestConflictHandler_List_NoParams_UsesDefaultWindow(t *testing.T) {
	var gotFrom, gotTo time.Time
	detector := &mockConflictDetector{
		listConflictsFn: func(ctx context.Context, orgID string, from, to time.Time) ([]*conflict.Detail, error) {
			gotFrom = from
			gotTo = to
			return nil, nil
		},
	}

	h := newConflictHandler(detector, &mockSlotFinder{}, &mockConflictResolver{})

	req := httptest.NewRequest(http.MethodGet, "/api/conflicts", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.List(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	window := gotTo.Sub(gotFrom)
	if window != defaultConflictWindow {
		t.Errorf("default window = %v, want %v", window, defaultConflictWindow)
	}
}

// --- POST /api/conflicts/scan テスト ---

func TestConflictHandler_Scan_ReturnsDetectedCount(t *testing.T) {
	detector := &mockConflictDetector{
		scanLessonsFn: func(ctx context.Context, orgID string) (*conflict.ScanResult, error) {
			return &conflict.ScanResult{ConflictsDetected: 2}, nil
		},
	}

	h := newConflictHandler(detector, &mockSlotFinder{}, &mockConflictResolver{})

	req := httptest.NewRequest(http.MethodPost, "/api/conflicts/scan", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.Scan(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body map[string]int
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if body["conflicts_detected"] != 2 {
		t.Errorf("conflicts_detected = %d, want 2", body["conflicts_detected"])
	}
}

// --- POST /api/conflicts/resolve テスト ---

func TestConflictHandler_Resolve_Success_Returns201(t *testing.T) {
	newTime := time.Date(2024, 9, 10, 13, 0, 0, 0, time.UTC)
	resolver := &mockConflictResolver{
		resolveFn: func(ctx context.Context, resolverID string, input conflict.ResolveInput) (*model.ConflictResolution, error) {
			if resolverID != "user-123" {
				t.Errorf("resolverID = %q, want %q", resolverID, "user-123")
			}
			if input.EventID != "event-1" {
				t.Errorf("EventID = %q, want %q", input.EventID, "event-1")
			}
			if input.ResolutionType != model.ResolutionRescheduleLesson {
				t.Errorf("ResolutionType = %q", input.ResolutionType)
			}
			if input.NewLessonTime == nil || !input.NewLessonTime.Equal(newTime) {
				t.Errorf("NewLessonTime = %v, want %v", input.NewLessonTime, newTime)
			}
			return &model.ConflictResolution{
				ID:                "res-1",
				SyncedWorkEventID: input.EventID,
				ResolutionType:    input.ResolutionType,
				AffectedLessonID:  input.AffectedLessonID,
				NewLessonTime:     input.NewLessonTime,
				ResolvedAt:        time.Now().UTC(),
			}, nil
		},
	}

	h := newConflictHandler(&mockConflictDetector{}, &mockSlotFinder{}, resolver)

	body := bytes.NewBufferString(`{
		"event_id": "event-1",
		"resolution_type": "reschedule_lesson",
		"affected_lesson_id": "lesson-1",
		"new_lesson_time": "2024-09-10T13:00:00Z"
	}`)
	req := httptest.NewRequest(http.MethodPost, "/api/conflicts/resolve", body)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.Resolve(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if result["id"] != "res-1" {
		t.Errorf("id = %v, want %q", result["id"], "res-1")
	}
	if result["resolution_type"] != "reschedule_lesson" {
		t.Errorf("resolution_type = %v", result["resolution_type"])
	}
}

func TestConflictHandler_Resolve_AlreadyResolved_Returns409(t *testing.T) {
	resolver := &mockConflictResolver{
		resolveFn: func(ctx context.Context, resolverID string, input conflict.ResolveInput) (*model.ConflictResolution, error) {
			return nil, model.NewConflictAlreadyResolvedError(input.EventID)
		},
	}

	h := newConflictHandler(&mockConflictDetector{}, &mockSlotFinder{}, resolver)

	body := bytes.NewBufferString(`{"event_id": "event-1", "resolution_type": "ignore"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/conflicts/resolve", body)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.Resolve(w, req)

	if w.Result().StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusConflict)
	}

	respBody := parseAPIErrorResponse(t, w)
	if respBody["code"] != model.ErrCodeConflictAlreadyResolved {
		t.Errorf("code = %q, want %q", respBody["code"], model.ErrCodeConflictAlreadyResolved)
	}
}

func TestConflictHandler_Resolve_NotOwner_Returns403(t *testing.T) {
	resolver := &mockConflictResolver{
		resolveFn: func(ctx context.Context, resolverID string, input conflict.ResolveInput) (*model.ConflictResolution, error) {
			return nil, model.NewAccessDeniedError()
		},
	}

	h := newConflictHandler(&mockConflictDetector{}, &mockSlotFinder{}, resolver)

	body := bytes.NewBufferString(`{"event_id": "event-1", "resolution_type": "cancel_lesson", "affected_lesson_id": "lesson-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/conflicts/resolve", body)
	req = withUserID(req, "colleague")
	w := httptest.NewRecorder()

	h.Resolve(w, req)

	if w.Result().StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
	}
}

// --- GET /api/slots/available テスト ---

func TestConflictHandler_AvailableSlots_ParsesQueryParams(t *testing.T) {
	var gotQuery conflict.SlotQuery
	slots := &mockSlotFinder{
		findAvailableFn: func(ctx context.Context, orgID string, query conflict.SlotQuery) ([]conflict.DaySlots, error) {
			gotQuery = query
			return []conflict.DaySlots{
				{
					Date: "2024-09-10",
					Slots: []conflict.Window{
						{
							Start: time.Date(2024, 9, 10, 9, 0, 0, 0, time.UTC),
							End:   time.Date(2024, 9, 10, 10, 0, 0, 0, time.UTC),
						},
					},
				},
			}, nil
		},
	}

	h := newConflictHandler(&mockConflictDetector{}, slots, &mockConflictResolver{})

	req := httptest.NewRequest(http.MethodGet,
		"/api/slots/available?start_date=2024-09-10&end_date=2024-09-12&duration=60&start_hour=9&end_hour=18&exclude_weekends=true", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.AvailableSlots(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if gotQuery.DurationMinutes != 60 {
		t.Errorf("DurationMinutes = %d, want 60", gotQuery.DurationMinutes)
	}
	if gotQuery.StartHour != 9 || gotQuery.EndHour != 18 {
		t.Errorf("hours = %d-%d, want 9-18", gotQuery.StartHour, gotQuery.EndHour)
	}
	if !gotQuery.ExcludeWeekends {
		t.Error("ExcludeWeekends should be true")
	}

	var body map[string][]map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	days := body["days"]
	if len(days) != 1 {
		t.Fatalf("days length = %d, want 1", len(days))
	}
	if days[0]["date"] != "2024-09-10" {
		t.Errorf("date = %v, want %q", days[0]["date"], "2024-09-10")
	}
}

func TestConflictHandler_AvailableSlots_DefaultsBusinessHours(t *testing.T) {
	var gotQuery conflict.SlotQuery
	slots := &mockSlotFinder{
		findAvailableFn: func(ctx context.Context, orgID string, query conflict.SlotQuery) ([]conflict.DaySlots, error) {
			gotQuery = query
			return nil, nil
		},
	}

	h := newConflictHandler(&mockConflictDetector{}, slots, &mockConflictResolver{})

	req := httptest.NewRequest(http.MethodGet,
		"/api/slots/available?start_date=2024-09-10&end_date=2024-09-12&duration=30", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.AvailableSlots(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	if gotQuery.StartHour != 9 {
		t.Errorf("StartHour = %d, want 9", gotQuery.StartHour)
	}
	if gotQuery.EndHour != 18 {
		t.Errorf("EndHour = %d, want 18", gotQuery.EndHour)
	}
	if gotQuery.ExcludeWeekends {
		t.Error("ExcludeWeekends should default to false")
	}
}

func TestConflictHandler_AvailableSlots_MissingDates_Returns400(t *testing.T) {
	slots := &mockSlotFinder{
		findAvailableFn: func(ctx context.Context, orgID string, query conflict.SlotQuery) ([]conflict.DaySlots, error) {
			t.Fatal("finder should not be called with invalid params")
			return nil, nil
		},
	}

	h := newConflictHandler(&mockConflictDetector{}, slots, &mockConflictResolver{})

	req := httptest.NewRequest(http.MethodGet, "/api/slots/available?duration=60", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.AvailableSlots(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestConflictHandler_AvailableSlots_RangeTooWide_Returns400(t *testing.T) {
	slots := &mockSlotFinder{
		findAvailableFn: func(ctx context.Context, orgID string, query conflict.SlotQuery) ([]conflict.DaySlots, error) {
			return nil, model.NewValidationError("検索範囲が広すぎます")
		},
	}

	h := newConflictHandler(&mockConflictDetector{}, slots, &mockConflictResolver{})

	req := httptest.NewRequest(http.MethodGet,
		"/api/slots/available?start_date=2024-01-01&end_date=2024-12-31&duration=60", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.AvailableSlots(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}
