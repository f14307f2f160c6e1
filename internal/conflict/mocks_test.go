package conflict

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/hitoshi/lessonsync/internal/model"
	"github.com/hitoshi/lessonsync/internal/repository"
)

// このファイルはパッケージ内テストで共有するモックを定義する。

type mockUserRepo struct {
	users map[string]*model.User
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return m.users[id], nil
}

type mockConnRepo struct {
	connections map[string]*model.CalendarConnection
}

func (m *mockConnRepo) FindByID(ctx context.Context, id string) (*model.CalendarConnection, error) {
	return m.connections[id], nil
}
func (m *mockConnRepo) Upsert(ctx context.Context, conn *model.CalendarConnection) error { return nil }
func (m *mockConnRepo) UpdateSettings(ctx context.Context, id string, patch model.ConnectionSettingsPatch) error {
	return nil
}
func (m *mockConnRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	return nil
}
func (m *mockConnRepo) UpdateSyncStatus(ctx context.Context, id string, status model.SyncStatus, syncedAt time.Time) error {
	return nil
}
func (m *mockConnRepo) ListByOrganization(ctx context.Context, orgID string) ([]*model.CalendarConnection, error) {
	return nil, nil
}
func (m *mockConnRepo) ListSyncEnabled(ctx context.Context) ([]*model.CalendarConnection, error) {
	return nil, nil
}
func (m *mockConnRepo) DeleteCascade(ctx context.Context, id string) error { return nil }

var _ repository.ConnectionRepository = (*mockConnRepo)(nil)

type mockEventRepo struct {
	events   map[string]*model.SyncedWorkEvent
	findErrs map[string]error // イベントIDごとにFindByIDを失敗させる
}

func newMockEventRepo() *mockEventRepo {
	return &mockEventRepo{events: make(map[string]*model.SyncedWorkEvent)}
}

func (m *mockEventRepo) FindByID(ctx context.Context, id string) (*model.SyncedWorkEvent, error) {
	if err := m.findErrs[id]; err != nil {
		return nil, err
	}
	return m.events[id], nil
}
func (m *mockEventRepo) ListByConnection(ctx context.Context, connectionID string) ([]*model.SyncedWorkEvent, error) {
	return nil, nil
}
func (m *mockEventRepo) ApplyDiff(ctx context.Context, diff repository.EventDiff) error { return nil }
func (m *mockEventRepo) ListPendingAutoBlock(ctx context.Context, orgID string) ([]*model.SyncedWorkEvent, error) {
	return nil, nil
}
func (m *mockEventRepo) SetAutoBlocked(ctx context.Context, eventID string, autoBlocked bool) error {
	return nil
}
func (m *mockEventRepo) SetHasConflict(ctx context.Context, eventID string, hasConflict bool) error {
	if ev, ok := m.events[eventID]; ok {
		ev.HasConflict = hasConflict
	}
	return nil
}
func (m *mockEventRepo) ListConflicted(ctx context.Context, orgID string, from, to time.Time) ([]*model.SyncedWorkEvent, error) {
	var result []*model.SyncedWorkEvent
	for _, ev := range m.events {
		if ev.OrganizationID == orgID && ev.HasConflict {
			result = append(result, ev)
		}
	}
	return result, nil
}

var _ repository.EventRepository = (*mockEventRepo)(nil)

type mockBlockRepo struct {
	blocks []*model.BlockedTimeSlot
}

func (m *mockBlockRepo) FindActiveBySource(ctx context.Context, sourceType model.BlockSourceType, sourceEventID string) (*model.BlockedTimeSlot, error) {
	return nil, nil
}
func (m *mockBlockRepo) Create(ctx context.Context, slot *model.BlockedTimeSlot) error { return nil }
func (m *mockBlockRepo) UpdateWindow(ctx context.Context, id string, start, end time.Time, title string) error {
	return nil
}
func (m *mockBlockRepo) DeleteBySource(ctx context.Context, sourceType model.BlockSourceType, sourceEventID string) error {
	return nil
}
func (m *mockBlockRepo) ListActiveByOrganization(ctx context.Context, orgID string) ([]*model.BlockedTimeSlot, error) {
	return m.blocks, nil
}
func (m *mockBlockRepo) ListActiveWorkEventBlocks(ctx context.Context, orgID string) ([]*model.BlockedTimeSlot, error) {
	return m.blocks, nil
}
func (m *mockBlockRepo) CountActiveByOrganization(ctx context.Context, orgID string) (int, error) {
	return len(m.blocks), nil
}

var _ repository.BlockRepository = (*mockBlockRepo)(nil)

type mockLessonRepo struct {
	lessons   map[string]*model.Lesson
	schedules map[string][2]time.Time
	statuses  map[string]model.LessonStatus
	updateErr error
}

func newMockLessonRepo() *mockLessonRepo {
	return &mockLessonRepo{
		lessons:   make(map[string]*model.Lesson),
		schedules: make(map[string][2]time.Time),
		statuses:  make(map[string]model.LessonStatus),
	}
}

func (m *mockLessonRepo) FindByID(ctx context.Context, id string) (*model.Lesson, error) {
	return m.lessons[id], nil
}
func (m *mockLessonRepo) ListFutureScheduled(ctx context.Context, orgID string, after time.Time) ([]*model.Lesson, error) {
	var result []*model.Lesson
	for _, l := range m.lessons {
		if l.OrganizationID == orgID && l.Status == model.LessonStatusScheduled {
			result = append(result, l)
		}
	}
	return result, nil
}
func (m *mockLessonRepo) UpdateSchedule(ctx context.Context, id string, start, end time.Time) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.schedules[id] = [2]time.Time{start, end}
	if l, ok := m.lessons[id]; ok {
		l.ScheduledStart = start
		l.ScheduledEnd = end
	}
	return nil
}
func (m *mockLessonRepo) UpdateStatus(ctx context.Context, id string, status model.LessonStatus) error {
	m.statuses[id] = status
	return nil
}

var _ repository.LessonRepository = (*mockLessonRepo)(nil)

type mockResolutionRepo struct {
	created []*model.ConflictResolution
}

func (m *mockResolutionRepo) Create(ctx context.Context, res *model.ConflictResolution) error {
	m.created = append(m.created, res)
	return nil
}
func (m *mockResolutionRepo) ListByEvent(ctx context.Context, eventID string) ([]*model.ConflictResolution, error) {
	var result []*model.ConflictResolution
	for _, res := range m.created {
		if res.SyncedWorkEventID == eventID {
			result = append(result, res)
		}
	}
	return result, nil
}

var _ repository.ResolutionRepository = (*mockResolutionRepo)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
