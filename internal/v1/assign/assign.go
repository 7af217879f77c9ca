// Package assign implements C6, the round-robin volunteer picker.
package assign

import (
	"context"
	"fmt"
	"sync"

	"github.com/chatrouter/engine/internal/v1/metrics"
)

// Volunteer is the subset of a staff row the engine rotates over.
type Volunteer struct {
	ID string
}

// Store is the durable-persistence surface the engine needs. *store.DB
// satisfies this structurally.
type Store interface {
	ActiveVolunteersByOrg(ctx context.Context, orgID string) ([]Volunteer, error)
	AddSubscription(ctx context.Context, staffID, visitorID string) error
	RemoveAllSubscriptionsForVisitor(ctx context.Context, visitorID string) error
}

// Engine picks the next agent to subscribe to a visitor, per org, honoring
// exclusions via round-robin rotation over a cached volunteer list. It does
// not check room capacity; room.Manager enforces that.
type Engine struct {
	store Store

	mu       sync.Mutex
	cursors  map[string]int         // orgID -> next index to try
	cached   map[string][]Volunteer // orgID -> stable-ordered volunteer list
}

// New creates an assignment Engine backed by store.
func New(store Store) *Engine {
	return &Engine{
		store:   store,
		cursors: make(map[string]int),
		cached:  make(map[string][]Volunteer),
	}
}

// InvalidateCache forces the next Assign call for orgID to reload the
// volunteer list from the store (called on staff add/enable/disable).
func (e *Engine) InvalidateCache(orgID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cached, orgID)
}

// Assign picks a volunteer for visitorID, excluding currentStaff and
// excludeStaffID, and persists the chosen subscription. Returns ("", nil)
// when no eligible volunteer exists or auto-assign is disabled by the caller
// (the caller checks `auto_assign` before calling Assign; this package is
// policy-free on that setting per spec.md §4.6 step 1).
func (e *Engine) Assign(ctx context.Context, orgID, visitorID string, currentStaff map[string]bool, excludeStaffID string) (string, error) {
	volunteers, err := e.volunteers(ctx, orgID)
	if err != nil {
		return "", fmt.Errorf("failed to load volunteers: %w", err)
	}
	if len(volunteers) == 0 {
		metrics.AssignmentsTotal.WithLabelValues("no_volunteers").Inc()
		return "", nil
	}

	e.mu.Lock()
	start := e.cursors[orgID] % len(volunteers)
	e.mu.Unlock()

	chosen := ""
	chosenIdx := -1
	for i := 0; i < len(volunteers); i++ {
		idx := (start + i) % len(volunteers)
		candidate := volunteers[idx]
		if currentStaff[candidate.ID] || candidate.ID == excludeStaffID {
			continue
		}
		chosen = candidate.ID
		chosenIdx = idx
		break
	}

	if chosen == "" {
		metrics.AssignmentsTotal.WithLabelValues("exhausted").Inc()
		return "", nil
	}

	e.mu.Lock()
	e.cursors[orgID] = (chosenIdx + 1) % len(volunteers)
	e.mu.Unlock()

	if err := e.store.AddSubscription(ctx, chosen, visitorID); err != nil {
		metrics.AssignmentsTotal.WithLabelValues("store_error").Inc()
		return "", fmt.Errorf("failed to persist assignment: %w", err)
	}

	metrics.AssignmentsTotal.WithLabelValues("assigned").Inc()
	return chosen, nil
}

// Reassign removes every current subscription for visitorID, then assigns a
// single new volunteer (spec.md §4.6 step 6).
func (e *Engine) Reassign(ctx context.Context, orgID, visitorID string, excludeStaffID string) (string, error) {
	if err := e.store.RemoveAllSubscriptionsForVisitor(ctx, visitorID); err != nil {
		return "", fmt.Errorf("failed to clear prior subscriptions: %w", err)
	}
	return e.Assign(ctx, orgID, visitorID, nil, excludeStaffID)
}

func (e *Engine) volunteers(ctx context.Context, orgID string) ([]Volunteer, error) {
	e.mu.Lock()
	if cached, ok := e.cached[orgID]; ok {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	volunteers, err := e.store.ActiveVolunteersByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cached[orgID] = volunteers
	e.mu.Unlock()

	return volunteers, nil
}
