package assign

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	volunteers         []Volunteer
	subscriptions      map[string][]string // visitorID -> staffIDs
	volunteersErr      error
	addSubscriptionErr error
}

func newMockStore(ids ...string) *mockStore {
	volunteers := make([]Volunteer, len(ids))
	for i, id := range ids {
		volunteers[i] = Volunteer{ID: id}
	}
	return &mockStore{volunteers: volunteers, subscriptions: make(map[string][]string)}
}

func (m *mockStore) ActiveVolunteersByOrg(ctx context.Context, orgID string) ([]Volunteer, error) {
	if m.volunteersErr != nil {
		return nil, m.volunteersErr
	}
	return m.volunteers, nil
}

func (m *mockStore) AddSubscription(ctx context.Context, staffID, visitorID string) error {
	if m.addSubscriptionErr != nil {
		return m.addSubscriptionErr
	}
	m.subscriptions[visitorID] = append(m.subscriptions[visitorID], staffID)
	return nil
}

func (m *mockStore) RemoveAllSubscriptionsForVisitor(ctx context.Context, visitorID string) error {
	delete(m.subscriptions, visitorID)
	return nil
}

func TestAssign_PicksVolunteer(t *testing.T) {
	store := newMockStore("a", "b", "c")
	engine := New(store)

	chosen, err := engine.Assign(context.Background(), "org1", "v1", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "a", chosen)
	assert.Equal(t, []string{"a"}, store.subscriptions["v1"])
}

func TestAssign_SkipsCurrentStaffAndExclusion(t *testing.T) {
	store := newMockStore("a", "b", "c")
	engine := New(store)

	chosen, err := engine.Assign(context.Background(), "org1", "v1", map[string]bool{"a": true}, "b")
	require.NoError(t, err)
	assert.Equal(t, "c", chosen)
}

func TestAssign_NoneWhenNoVolunteers(t *testing.T) {
	store := newMockStore()
	engine := New(store)

	chosen, err := engine.Assign(context.Background(), "org1", "v1", nil, "")
	require.NoError(t, err)
	assert.Empty(t, chosen)
}

func TestAssign_NoneWhenFullRevolutionExhausted(t *testing.T) {
	store := newMockStore("a", "b")
	engine := New(store)

	chosen, err := engine.Assign(context.Background(), "org1", "v1", map[string]bool{"a": true, "b": true}, "")
	require.NoError(t, err)
	assert.Empty(t, chosen)
}

func TestAssign_RoundRobinFairness(t *testing.T) {
	// P7: over N consecutive auto-assignments with a stable volunteer list of
	// size K and no exclusions, every volunteer is picked floor(N/K) or ceil(N/K) times.
	store := newMockStore("a", "b", "c")
	engine := New(store)

	counts := map[string]int{}
	const n = 100
	for i := 0; i < n; i++ {
		chosen, err := engine.Assign(context.Background(), "org1", "visitor", nil, "")
		require.NoError(t, err)
		require.NotEmpty(t, chosen)
		counts[chosen]++
		// Reset the subscription so the next iteration isn't skipped as "current staff".
		store.subscriptions["visitor"] = nil
	}

	for _, id := range []string{"a", "b", "c"} {
		assert.GreaterOrEqual(t, counts[id], n/3)
		assert.LessOrEqual(t, counts[id], n/3+1)
	}
}

func TestReassign_ClearsPriorSubscriptionsFirst(t *testing.T) {
	store := newMockStore("a", "b")
	engine := New(store)
	store.subscriptions["v1"] = []string{"a"}

	chosen, err := engine.Reassign(context.Background(), "org1", "v1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, chosen)
	assert.Equal(t, []string{chosen}, store.subscriptions["v1"])
}

func TestInvalidateCache_ReloadsVolunteers(t *testing.T) {
	store := newMockStore("a")
	engine := New(store)

	chosen, err := engine.Assign(context.Background(), "org1", "v1", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "a", chosen)

	store.volunteers = append(store.volunteers, Volunteer{ID: "b"})
	engine.InvalidateCache("org1")
	store.subscriptions["v1"] = nil

	chosen, err = engine.Assign(context.Background(), "org1", "v1", nil, "")
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, chosen)
}
