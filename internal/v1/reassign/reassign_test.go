package reassign

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chatrouter/engine/internal/v1/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSettings struct {
	settings Settings
}

func (m *mockSettings) ReassignSettings(ctx context.Context) (Settings, error) {
	return m.settings, nil
}

type mockUnhandled struct {
	mu     sync.Mutex
	stale  []UnhandledRow
	orgs   map[string]string
	emails map[string]string
}

func (m *mockUnhandled) StaleUnhandled(ctx context.Context, thresholdHours int) ([]UnhandledRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale, nil
}

func (m *mockUnhandled) VisitorOrgID(ctx context.Context, visitorID string) (string, error) {
	return m.orgs[visitorID], nil
}

func (m *mockUnhandled) StaffByID(ctx context.Context, staffID string) (StaffRow, error) {
	return StaffRow{Email: m.emails[staffID]}, nil
}

type mockAssigner struct {
	mu        sync.Mutex
	reassigns []string
}

func (m *mockAssigner) Reassign(ctx context.Context, orgID, visitorID, excludeStaffID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reassigns = append(m.reassigns, visitorID)
	return "new-staff", nil
}

type mockRoom struct {
	mu     sync.Mutex
	synced []string
}

func (m *mockRoom) AddStaff(ctx context.Context, visitorID, staffID, sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced = append(m.synced, visitorID)
	return nil
}

type mockBus struct {
	mu        sync.Mutex
	online    map[string]bool
	published []string
}

func (m *mockBus) IsStaffOnline(ctx context.Context, staffID string) (bool, error) {
	return m.online[staffID], nil
}

func (m *mockBus) PublishDirect(ctx context.Context, sid, event string, payload any, senderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, sid)
	return nil
}

type mockNotifier struct {
	mu        sync.Mutex
	inApp     []string
	emailsent []string
}

func (m *mockNotifier) NotifyInApp(ctx context.Context, staffID string, category notify.Category, content any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inApp = append(m.inApp, staffID)
	return nil
}

func (m *mockNotifier) NotifyEmail(ctx context.Context, recipientEmail string, category notify.Category, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emailsent = append(m.emailsent, recipientEmail)
	return nil
}

func TestSweep_SkippedWhenAutoReassignDisabled(t *testing.T) {
	settings := &mockSettings{settings: Settings{AutoReassign: false}}
	unhandled := &mockUnhandled{stale: []UnhandledRow{{VisitorID: "v1"}}, orgs: map[string]string{"v1": "org1"}}
	assigner := &mockAssigner{}

	timer := New(settings, unhandled, assigner, &mockRoom{}, &mockBus{}, &mockNotifier{}, time.Hour)
	timer.sweep(context.Background())

	assert.Empty(t, assigner.reassigns)
}

func TestSweep_ReassignsStaleChats(t *testing.T) {
	settings := &mockSettings{settings: Settings{AutoReassign: true, HoursToAutoReassign: 24}}
	unhandled := &mockUnhandled{
		stale: []UnhandledRow{{VisitorID: "v1"}, {VisitorID: "v2"}},
		orgs:  map[string]string{"v1": "org1", "v2": "org1"},
	}
	assigner := &mockAssigner{}

	timer := New(settings, unhandled, assigner, &mockRoom{}, &mockBus{}, &mockNotifier{}, time.Hour)
	timer.sweep(context.Background())

	assert.ElementsMatch(t, []string{"v1", "v2"}, assigner.reassigns)
}

func TestSweep_SyncsRoomAndNotifiesOnlineStaff(t *testing.T) {
	settings := &mockSettings{settings: Settings{AutoReassign: true, HoursToAutoReassign: 24}}
	unhandled := &mockUnhandled{
		stale:  []UnhandledRow{{VisitorID: "v1"}},
		orgs:   map[string]string{"v1": "org1"},
		emails: map[string]string{"new-staff": "staff@example.com"},
	}
	assigner := &mockAssigner{}
	room := &mockRoom{}
	bus := &mockBus{online: map[string]bool{"new-staff": true}}
	notifier := &mockNotifier{}

	timer := New(settings, unhandled, assigner, room, bus, notifier, time.Hour)
	timer.sweep(context.Background())

	assert.Equal(t, []string{"v1"}, room.synced)
	assert.Equal(t, []string{"new-staff"}, bus.published)
	assert.Equal(t, []string{"new-staff"}, notifier.inApp)
	assert.Empty(t, notifier.emailsent)
}

func TestSweep_EmailsOfflineStaff(t *testing.T) {
	settings := &mockSettings{settings: Settings{AutoReassign: true, HoursToAutoReassign: 24}}
	unhandled := &mockUnhandled{
		stale:  []UnhandledRow{{VisitorID: "v1"}},
		orgs:   map[string]string{"v1": "org1"},
		emails: map[string]string{"new-staff": "staff@example.com"},
	}
	assigner := &mockAssigner{}
	room := &mockRoom{}
	bus := &mockBus{online: map[string]bool{}}
	notifier := &mockNotifier{}

	timer := New(settings, unhandled, assigner, room, bus, notifier, time.Hour)
	timer.sweep(context.Background())

	assert.Equal(t, []string{"v1"}, room.synced)
	assert.Empty(t, bus.published)
	assert.Empty(t, notifier.inApp)
	assert.Equal(t, []string{"staff@example.com"}, notifier.emailsent)
}

func TestStartStop_RunsAtLeastOnce(t *testing.T) {
	settings := &mockSettings{settings: Settings{AutoReassign: true, HoursToAutoReassign: 1}}
	unhandled := &mockUnhandled{stale: []UnhandledRow{{VisitorID: "v1"}}, orgs: map[string]string{"v1": "org1"}}
	assigner := &mockAssigner{}

	timer := New(settings, unhandled, assigner, &mockRoom{}, &mockBus{}, &mockNotifier{}, 10*time.Millisecond)
	timer.Start(context.Background())

	require.Eventually(t, func() bool {
		assigner.mu.Lock()
		defer assigner.mu.Unlock()
		return len(assigner.reassigns) > 0
	}, time.Second, 5*time.Millisecond)

	timer.Stop()
}

func TestNew_DefaultInterval(t *testing.T) {
	timer := New(&mockSettings{}, &mockUnhandled{}, &mockAssigner{}, &mockRoom{}, &mockBus{}, &mockNotifier{}, 0)
	assert.Equal(t, time.Minute, timer.interval)
}
