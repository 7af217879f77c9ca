package room

import (
	"context"
	"errors"
	"testing"

	"github.com/chatrouter/engine/internal/v1/chaterr"
	"github.com/chatrouter/engine/internal/v1/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	chats         map[string]ChatInfo
	maxSeq        map[string]int64
	subscriptions map[string]map[string]bool // visitorID -> staffID -> true
	settings      Settings
	severities    map[string]int
	appended      []string
}

func newMockStore() *mockStore {
	return &mockStore{
		chats:         make(map[string]ChatInfo),
		maxSeq:        make(map[string]int64),
		subscriptions: make(map[string]map[string]bool),
		settings:      Settings{MaxStaffsInChat: 1, AutoAssign: true},
		severities:    make(map[string]int),
	}
}

func (m *mockStore) ChatForVisitor(ctx context.Context, visitorID string) (ChatInfo, error) {
	chat, ok := m.chats[visitorID]
	if !ok {
		chat = ChatInfo{ID: "chat-" + visitorID}
		m.chats[visitorID] = chat
	}
	return chat, nil
}

func (m *mockStore) MaxSequenceNum(ctx context.Context, chatID string) (int64, error) {
	return m.maxSeq[chatID], nil
}

func (m *mockStore) AppendChatMessage(ctx context.Context, chatID string, seq int64, typeID int, senderStaffID *string, content any) (MessageInfo, error) {
	m.appended = append(m.appended, chatID)
	return MessageInfo{SequenceNum: seq}, nil
}

func (m *mockStore) AddSubscription(ctx context.Context, staffID, visitorID string) error {
	if m.subscriptions[visitorID] == nil {
		m.subscriptions[visitorID] = make(map[string]bool)
	}
	m.subscriptions[visitorID][staffID] = true
	return nil
}

func (m *mockStore) RemoveSubscription(ctx context.Context, staffID, visitorID string) error {
	delete(m.subscriptions[visitorID], staffID)
	return nil
}

func (m *mockStore) RemoveAllSubscriptionsForVisitor(ctx context.Context, visitorID string) error {
	delete(m.subscriptions, visitorID)
	return nil
}

func (m *mockStore) SubscribedStaffIDs(ctx context.Context, visitorID string) ([]string, error) {
	ids := make([]string, 0, len(m.subscriptions[visitorID]))
	for id := range m.subscriptions[visitorID] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *mockStore) SetSeverity(ctx context.Context, visitorID string, severity int, flagMessage string) error {
	m.severities[visitorID] = severity
	return nil
}

func (m *mockStore) RoomSettings(ctx context.Context) (Settings, error) {
	return m.settings, nil
}

func (m *mockStore) StaffEmail(ctx context.Context, staffID string) (StaffInfo, error) {
	return StaffInfo{Email: staffID + "@example.com"}, nil
}

type mockKV struct {
	data map[string]string
}

func newMockKV() *mockKV {
	return &mockKV{data: make(map[string]string)}
}

func (m *mockKV) Get(ctx context.Context, key string) (string, error) { return m.data[key], nil }
func (m *mockKV) Set(ctx context.Context, key, value string) error    { m.data[key] = value; return nil }
func (m *mockKV) Delete(ctx context.Context, key string) error        { delete(m.data, key); return nil }

type mockAssigner struct {
	chosen string
}

func (m *mockAssigner) Assign(ctx context.Context, orgID, visitorID string, currentStaff map[string]bool, excludeStaffID string) (string, error) {
	return m.chosen, nil
}

type mockQueue struct {
	removedAssigned []string
	flagged         map[string]int
}

func newMockQueue() *mockQueue {
	return &mockQueue{flagged: make(map[string]int)}
}

func (m *mockQueue) RemoveAssigned(ctx context.Context, orgID, visitorID string) error {
	m.removedAssigned = append(m.removedAssigned, visitorID)
	return nil
}
func (m *mockQueue) MarkUnhandled(ctx context.Context, orgID, visitorID string) error { return nil }
func (m *mockQueue) ClearUnhandled(ctx context.Context, visitorID string) error       { return nil }
func (m *mockQueue) SetFlagged(ctx context.Context, visitorID string, severity int, flagMessage string) error {
	m.flagged[visitorID] = severity
	return nil
}

type mockPresence struct {
	online map[string]bool
}

func (m *mockPresence) IsStaffOnline(ctx context.Context, staffID string) (bool, error) {
	return m.online[staffID], nil
}

type mockNotifier struct {
	inApp     []string
	emailsent []string
}

func (m *mockNotifier) NotifyInApp(ctx context.Context, staffID string, category notify.Category, content any) error {
	m.inApp = append(m.inApp, staffID)
	return nil
}

func (m *mockNotifier) NotifyEmail(ctx context.Context, recipientEmail string, category notify.Category, subject, body string) error {
	m.emailsent = append(m.emailsent, recipientEmail)
	return nil
}

func newTestManager(store Store, kv KV, assigner Assigner, q QueueIndex) *Manager {
	return New(store, kv, assigner, q, &mockPresence{online: map[string]bool{}}, &mockNotifier{})
}

func TestGetOrCreate_RehydratesAndAutoAssigns(t *testing.T) {
	store := newMockStore()
	kv := newMockKV()
	assigner := &mockAssigner{chosen: "s1"}
	q := newMockQueue()
	mgr := newTestManager(store, kv, assigner, q)

	snap, err := mgr.GetOrCreate(context.Background(), "v1", "org1", true)
	require.NoError(t, err)
	assert.Equal(t, "org1", snap.OrgID)
	assert.Contains(t, snap.Staffs, "s1")
	assert.Contains(t, q.removedAssigned, "v1")
}

func TestGetOrCreate_NoAutoAssignWhenDisabled(t *testing.T) {
	store := newMockStore()
	store.settings.AutoAssign = false
	kv := newMockKV()
	assigner := &mockAssigner{chosen: "s1"}
	q := newMockQueue()
	mgr := newTestManager(store, kv, assigner, q)

	snap, err := mgr.GetOrCreate(context.Background(), "v1", "org1", true)
	require.NoError(t, err)
	assert.Empty(t, snap.Staffs)
}

func TestAddStaff_EnforcesCapacity(t *testing.T) {
	store := newMockStore()
	store.settings.MaxStaffsInChat = 1
	mgr := newTestManager(store, newMockKV(), &mockAssigner{}, newMockQueue())
	ctx := context.Background()

	_, err := mgr.GetOrCreate(ctx, "v1", "org1", false)
	require.NoError(t, err)

	require.NoError(t, mgr.AddStaff(ctx, "v1", "s1", "sid1"))

	err = mgr.AddStaff(ctx, "v1", "s2", "sid2")
	assert.True(t, errors.Is(err, chaterr.ErrCapacityExceeded))
}

func TestAddStaff_Idempotent(t *testing.T) {
	store := newMockStore()
	mgr := newTestManager(store, newMockKV(), &mockAssigner{}, newMockQueue())
	ctx := context.Background()

	_, _ = mgr.GetOrCreate(ctx, "v1", "org1", false)
	require.NoError(t, mgr.AddStaff(ctx, "v1", "s1", "sid1"))
	require.NoError(t, mgr.AddStaff(ctx, "v1", "s1", "sid1"))

	snap, _ := mgr.Snapshot(ctx, "v1")
	assert.Len(t, snap.Staffs, 1)
}

func TestRemoveStaff(t *testing.T) {
	store := newMockStore()
	mgr := newTestManager(store, newMockKV(), &mockAssigner{}, newMockQueue())
	ctx := context.Background()

	_, _ = mgr.GetOrCreate(ctx, "v1", "org1", false)
	require.NoError(t, mgr.AddStaff(ctx, "v1", "s1", "sid1"))
	require.NoError(t, mgr.RemoveStaff(ctx, "v1", "s1"))

	snap, _ := mgr.Snapshot(ctx, "v1")
	assert.Empty(t, snap.Staffs)
}

func TestReplaceStaffs_TakeOver(t *testing.T) {
	store := newMockStore()
	store.settings.MaxStaffsInChat = 1
	mgr := newTestManager(store, newMockKV(), &mockAssigner{}, newMockQueue())
	ctx := context.Background()

	_, _ = mgr.GetOrCreate(ctx, "v1", "org1", false)
	require.NoError(t, mgr.AddStaff(ctx, "v1", "s1", "sid1"))

	err := mgr.ReplaceStaffs(ctx, "v1", map[string]StaffRef{"s2": {StaffID: "s2", SID: "sid2"}})
	require.NoError(t, err)

	snap, _ := mgr.Snapshot(ctx, "v1")
	assert.Contains(t, snap.Staffs, "s2")
	assert.NotContains(t, snap.Staffs, "s1")
	assert.False(t, store.subscriptions["v1"]["s1"])
	assert.True(t, store.subscriptions["v1"]["s2"])
}

func TestBumpSequence_Monotonic(t *testing.T) {
	store := newMockStore()
	mgr := newTestManager(store, newMockKV(), &mockAssigner{}, newMockQueue())
	ctx := context.Background()

	_, _ = mgr.GetOrCreate(ctx, "v1", "org1", false)

	n1, err := mgr.BumpSequence(ctx, "v1")
	require.NoError(t, err)
	n2, err := mgr.BumpSequence(ctx, "v1")
	require.NoError(t, err)

	assert.Equal(t, int64(1), n1)
	assert.Equal(t, int64(2), n2)
}

func TestSetSeverity_UpdatesFlaggedQueue(t *testing.T) {
	store := newMockStore()
	q := newMockQueue()
	mgr := newTestManager(store, newMockKV(), &mockAssigner{}, q)
	ctx := context.Background()

	_, _ = mgr.GetOrCreate(ctx, "v1", "org1", false)
	require.NoError(t, mgr.SetSeverity(ctx, "v1", 2, "escalate"))

	assert.Equal(t, 2, q.flagged["v1"])
	snap, _ := mgr.Snapshot(ctx, "v1")
	assert.Equal(t, 2, snap.SeverityLevel)
}

func TestDropIfAbandoned_OnlyWhenNoLiveStaffSid(t *testing.T) {
	store := newMockStore()
	mgr := newTestManager(store, newMockKV(), &mockAssigner{}, newMockQueue())
	ctx := context.Background()

	_, _ = mgr.GetOrCreate(ctx, "v1", "org1", false)
	require.NoError(t, mgr.AddStaff(ctx, "v1", "s1", "sid1"))

	// Staff sid still live: not dropped.
	require.NoError(t, mgr.DropIfAbandoned(ctx, "v1", false))
	snap, err := mgr.Snapshot(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, snap)

	require.NoError(t, mgr.RemoveStaff(ctx, "v1", "s1"))
	require.NoError(t, mgr.DropIfAbandoned(ctx, "v1", false))
	snap, err = mgr.Snapshot(ctx, "v1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestUpdateAtomically_RoomClosedWhenCold(t *testing.T) {
	store := newMockStore()
	mgr := newTestManager(store, newMockKV(), &mockAssigner{}, newMockQueue())

	_, err := mgr.UpdateAtomically(context.Background(), "ghost", func(s *Snapshot) (*Snapshot, []Event, error) {
		return s, nil, nil
	})
	assert.True(t, errors.Is(err, chaterr.ErrRoomClosed))
}
