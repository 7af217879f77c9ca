package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockInApp struct {
	inserted []string
	err      error
}

func (m *mockInApp) InsertNotification(ctx context.Context, staffID string, content any) error {
	if m.err != nil {
		return m.err
	}
	m.inserted = append(m.inserted, staffID)
	return nil
}

type mockRateLimiter struct {
	data map[string]string
}

func newMockRateLimiter() *mockRateLimiter {
	return &mockRateLimiter{data: make(map[string]string)}
}

func (m *mockRateLimiter) Get(ctx context.Context, key string) (string, error) {
	return m.data[key], nil
}

func (m *mockRateLimiter) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	m.data[key] = value
	return nil
}

type mockEmailQueue struct {
	tasks []any
	err   error
}

func (m *mockEmailQueue) EnqueueTask(ctx context.Context, queue string, task any) error {
	if m.err != nil {
		return m.err
	}
	m.tasks = append(m.tasks, task)
	return nil
}

func TestNotifyInApp_Persists(t *testing.T) {
	inApp := &mockInApp{}
	d := New(inApp, newMockRateLimiter(), &mockEmailQueue{}, time.Minute)

	err := d.NotifyInApp(context.Background(), "staff1", CategoryNewAssignedChat, map[string]string{"chat": "v1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"staff1"}, inApp.inserted)
}

func TestNotifyEmail_EnqueuesAndSuppresses(t *testing.T) {
	eq := &mockEmailQueue{}
	d := New(&mockInApp{}, newMockRateLimiter(), eq, time.Minute)
	ctx := context.Background()

	err := d.NotifyEmail(ctx, "agent@example.com", CategoryNewAssignedChat, "subj", "body")
	require.NoError(t, err)
	require.Len(t, eq.tasks, 1)

	// Second call within the suppression window is silently dropped.
	err = d.NotifyEmail(ctx, "agent@example.com", CategoryNewAssignedChat, "subj", "body")
	require.NoError(t, err)
	assert.Len(t, eq.tasks, 1)
}

func TestNotifyEmail_DistinctCategoriesNotSuppressed(t *testing.T) {
	eq := &mockEmailQueue{}
	d := New(&mockInApp{}, newMockRateLimiter(), eq, time.Minute)
	ctx := context.Background()

	_ = d.NotifyEmail(ctx, "agent@example.com", CategoryNewAssignedChat, "a", "b")
	_ = d.NotifyEmail(ctx, "agent@example.com", CategoryFlaggedChat, "a", "b")

	assert.Len(t, eq.tasks, 2)
}

func TestNotifyEmail_DefaultSuppressionWindow(t *testing.T) {
	d := New(&mockInApp{}, newMockRateLimiter(), &mockEmailQueue{}, 0)
	assert.Equal(t, defaultSuppressionWindow, d.suppressionWindow)
}
