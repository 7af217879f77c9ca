package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockKV struct {
	data map[string]string
}

func newMockKV() *mockKV {
	return &mockKV{data: make(map[string]string)}
}

func (m *mockKV) Get(ctx context.Context, key string) (string, error) {
	return m.data[key], nil
}

func (m *mockKV) Set(ctx context.Context, key, value string) error {
	m.data[key] = value
	return nil
}

func (m *mockKV) Delete(ctx context.Context, key string) error {
	delete(m.data, key)
	return nil
}

type mockDurable struct {
	unclaimed  map[string]bool
	unhandled  map[string]bool
	severities map[string]int
}

func newMockDurable() *mockDurable {
	return &mockDurable{
		unclaimed:  make(map[string]bool),
		unhandled:  make(map[string]bool),
		severities: make(map[string]int),
	}
}

func (m *mockDurable) PushUnclaimed(ctx context.Context, visitorID string) error {
	m.unclaimed[visitorID] = true
	return nil
}

func (m *mockDurable) RemoveUnclaimed(ctx context.Context, visitorID string) error {
	delete(m.unclaimed, visitorID)
	return nil
}

func (m *mockDurable) SliceUnclaimedRows(ctx context.Context, offset, limit int) ([]UnclaimedRow, error) {
	rows := make([]UnclaimedRow, 0, len(m.unclaimed))
	for id := range m.unclaimed {
		rows = append(rows, UnclaimedRow{VisitorID: id})
	}
	return rows, nil
}

func (m *mockDurable) PushUnhandled(ctx context.Context, visitorID string) error {
	m.unhandled[visitorID] = true
	return nil
}

func (m *mockDurable) RemoveUnhandled(ctx context.Context, visitorID string) error {
	delete(m.unhandled, visitorID)
	return nil
}

func (m *mockDurable) ContainsUnhandled(ctx context.Context, visitorID string) (bool, error) {
	return m.unhandled[visitorID], nil
}

func (m *mockDurable) SetSeverity(ctx context.Context, visitorID string, severity int, flagMessage string) error {
	m.severities[visitorID] = severity
	return nil
}

func TestOnlineUnclaimed_PushAndRemove(t *testing.T) {
	idx := New(newMockKV(), newMockDurable())
	ctx := context.Background()

	err := idx.PushOnlineUnclaimed(ctx, "org1", "v1", "hi")
	require.NoError(t, err)

	ok, err := idx.ContainsOnlineUnclaimed(ctx, "org1", "v1")
	require.NoError(t, err)
	assert.True(t, ok)

	entries, err := idx.AllOnlineUnclaimed(ctx, "org1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"hi"}, entries[0].Contents)

	err = idx.PushOnlineUnclaimed(ctx, "org1", "v1", "second")
	require.NoError(t, err)
	entries, _ = idx.AllOnlineUnclaimed(ctx, "org1")
	assert.Equal(t, []string{"hi", "second"}, entries[0].Contents)

	err = idx.RemoveOnlineUnclaimed(ctx, "org1", "v1")
	require.NoError(t, err)
	ok, _ = idx.ContainsOnlineUnclaimed(ctx, "org1", "v1")
	assert.False(t, ok)
}

func TestOnlineUnclaimed_InsertionOrder(t *testing.T) {
	idx := New(newMockKV(), newMockDurable())
	ctx := context.Background()

	_ = idx.PushOnlineUnclaimed(ctx, "org1", "v1", "a")
	_ = idx.PushOnlineUnclaimed(ctx, "org1", "v2", "b")
	_ = idx.PushOnlineUnclaimed(ctx, "org1", "v3", "c")

	entries, err := idx.AllOnlineUnclaimed(ctx, "org1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "v1", entries[0].VisitorID)
	assert.Equal(t, "v2", entries[1].VisitorID)
	assert.Equal(t, "v3", entries[2].VisitorID)
}

func TestMoveToOfflineAndOnline(t *testing.T) {
	durable := newMockDurable()
	idx := New(newMockKV(), durable)
	ctx := context.Background()

	_ = idx.PushOnlineUnclaimed(ctx, "org1", "v1", "hi")

	err := idx.MoveToOffline(ctx, "org1", "v1")
	require.NoError(t, err)

	online, _ := idx.ContainsOnlineUnclaimed(ctx, "org1", "v1")
	assert.False(t, online)
	assert.True(t, durable.unclaimed["v1"])

	err = idx.MoveToOnline(ctx, "org1", "v1")
	require.NoError(t, err)

	online, _ = idx.ContainsOnlineUnclaimed(ctx, "org1", "v1")
	assert.True(t, online)
	assert.False(t, durable.unclaimed["v1"])
}

func TestUnhandledLifecycle(t *testing.T) {
	idx := New(newMockKV(), newMockDurable())
	ctx := context.Background()

	err := idx.MarkUnhandled(ctx, "org1", "v1")
	require.NoError(t, err)

	ok, err := idx.ContainsUnhandled(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, ok)

	err = idx.ClearUnhandled(ctx, "v1")
	require.NoError(t, err)

	ok, _ = idx.ContainsUnhandled(ctx, "v1")
	assert.False(t, ok)
}

func TestSetFlagged(t *testing.T) {
	durable := newMockDurable()
	idx := New(newMockKV(), durable)
	ctx := context.Background()

	err := idx.SetFlagged(ctx, "v1", 2, "escalate")
	require.NoError(t, err)
	assert.Equal(t, 2, durable.severities["v1"])
}

func TestRemoveAssigned_ClearsBothUnclaimedQueues(t *testing.T) {
	durable := newMockDurable()
	idx := New(newMockKV(), durable)
	ctx := context.Background()

	_ = idx.PushOnlineUnclaimed(ctx, "org1", "v1", "hi")
	_ = durable.PushUnclaimed(ctx, "v1")

	err := idx.RemoveAssigned(ctx, "org1", "v1")
	require.NoError(t, err)

	online, _ := idx.ContainsOnlineUnclaimed(ctx, "org1", "v1")
	assert.False(t, online)
	assert.False(t, durable.unclaimed["v1"])
}
