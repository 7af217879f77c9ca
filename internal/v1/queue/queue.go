// Package queue implements C3, the four per-organisation queues: online-
// unclaimed (pure ephemeral KV), offline-unclaimed/unhandled/flagged
// (durable, store-backed).
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chatrouter/engine/internal/v1/metrics"
)

// KV is the ephemeral key/value surface the online-unclaimed queue rides on.
// *bus.Service satisfies this structurally.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Durable is the persistent-store surface backing the three durable queues.
// *store.DB satisfies this structurally.
type Durable interface {
	PushUnclaimed(ctx context.Context, visitorID string) error
	RemoveUnclaimed(ctx context.Context, visitorID string) error
	SliceUnclaimedRows(ctx context.Context, offset, limit int) ([]UnclaimedRow, error)

	PushUnhandled(ctx context.Context, visitorID string) error
	RemoveUnhandled(ctx context.Context, visitorID string) error
	ContainsUnhandled(ctx context.Context, visitorID string) (bool, error)

	SetSeverity(ctx context.Context, visitorID string, severity int, flagMessage string) error
}

// UnclaimedRow mirrors store.ChatUnclaimedRow without importing the store
// package's broader type surface.
type UnclaimedRow struct {
	VisitorID string
}

// OnlineEntry is a bundle of {visitor, contents[]} per spec.md §3's
// `unclaimed:{org}` ephemeral map, accumulating messages sent while unassigned.
type OnlineEntry struct {
	VisitorID string   `json:"visitor_id"`
	Contents  []string `json:"contents"`
}

// Index is C3: the four organisation-scoped queues.
type Index struct {
	kv      KV
	durable Durable
}

// New creates a queue Index over the given KV and durable stores.
func New(kv KV, durable Durable) *Index {
	return &Index{kv: kv, durable: durable}
}

func onlineUnclaimedKey(orgID string) string {
	return fmt.Sprintf("unclaimed:%s", orgID)
}

// readOnline loads the full ordered online-unclaimed bundle map for an org.
func (idx *Index) readOnline(ctx context.Context, orgID string) (map[string]*OnlineEntry, []string, error) {
	raw, err := idx.kv.Get(ctx, onlineUnclaimedKey(orgID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read online-unclaimed: %w", err)
	}
	if raw == "" {
		return make(map[string]*OnlineEntry), nil, nil
	}

	var ordered []OnlineEntry
	if err := json.Unmarshal([]byte(raw), &ordered); err != nil {
		return nil, nil, fmt.Errorf("failed to decode online-unclaimed: %w", err)
	}

	m := make(map[string]*OnlineEntry, len(ordered))
	order := make([]string, 0, len(ordered))
	for i := range ordered {
		m[ordered[i].VisitorID] = &ordered[i]
		order = append(order, ordered[i].VisitorID)
	}
	return m, order, nil
}

func (idx *Index) writeOnline(ctx context.Context, orgID string, m map[string]*OnlineEntry, order []string) error {
	ordered := make([]OnlineEntry, 0, len(order))
	for _, id := range order {
		if e, ok := m[id]; ok {
			ordered = append(ordered, *e)
		}
	}
	data, err := json.Marshal(ordered)
	if err != nil {
		return fmt.Errorf("failed to encode online-unclaimed: %w", err)
	}
	if err := idx.kv.Set(ctx, onlineUnclaimedKey(orgID), string(data)); err != nil {
		return fmt.Errorf("failed to write online-unclaimed: %w", err)
	}
	return nil
}

// PushOnlineUnclaimed inserts or appends a message to the visitor's
// online-unclaimed bundle (insertion-ordered, per spec.md §4.3).
func (idx *Index) PushOnlineUnclaimed(ctx context.Context, orgID, visitorID, content string) error {
	m, order, err := idx.readOnline(ctx, orgID)
	if err != nil {
		return err
	}

	entry, exists := m[visitorID]
	if !exists {
		entry = &OnlineEntry{VisitorID: visitorID}
		m[visitorID] = entry
		order = append(order, visitorID)
	}
	entry.Contents = append(entry.Contents, content)

	if err := idx.writeOnline(ctx, orgID, m, order); err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues(orgID, "online_unclaimed").Set(float64(len(order)))
	return nil
}

// RemoveOnlineUnclaimed drops a visitor from the online-unclaimed bundle
// (on assignment, or on visitor disconnect when moving to offline-unclaimed).
func (idx *Index) RemoveOnlineUnclaimed(ctx context.Context, orgID, visitorID string) error {
	m, order, err := idx.readOnline(ctx, orgID)
	if err != nil {
		return err
	}
	if _, ok := m[visitorID]; !ok {
		return nil
	}
	delete(m, visitorID)

	filtered := order[:0]
	for _, id := range order {
		if id != visitorID {
			filtered = append(filtered, id)
		}
	}

	if err := idx.writeOnline(ctx, orgID, m, filtered); err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues(orgID, "online_unclaimed").Set(float64(len(filtered)))
	return nil
}

// ContainsOnlineUnclaimed reports whether a visitor is in the online-unclaimed bundle.
func (idx *Index) ContainsOnlineUnclaimed(ctx context.Context, orgID, visitorID string) (bool, error) {
	m, _, err := idx.readOnline(ctx, orgID)
	if err != nil {
		return false, err
	}
	_, ok := m[visitorID]
	return ok, nil
}

// AllOnlineUnclaimed returns the full insertion-ordered online-unclaimed bundle,
// used to populate `staff_init`'s unclaimed_chats.
func (idx *Index) AllOnlineUnclaimed(ctx context.Context, orgID string) ([]OnlineEntry, error) {
	m, order, err := idx.readOnline(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := make([]OnlineEntry, 0, len(order))
	for _, id := range order {
		if e, ok := m[id]; ok {
			out = append(out, *e)
		}
	}
	return out, nil
}

// MoveToOffline migrates a visitor from online-unclaimed (ephemeral) to
// offline-unclaimed (durable) — called on visitor disconnect.
func (idx *Index) MoveToOffline(ctx context.Context, orgID, visitorID string) error {
	if err := idx.RemoveOnlineUnclaimed(ctx, orgID, visitorID); err != nil {
		return err
	}
	if err := idx.durable.PushUnclaimed(ctx, visitorID); err != nil {
		return fmt.Errorf("failed to push offline-unclaimed: %w", err)
	}
	return nil
}

// MoveToOnline migrates a visitor from offline-unclaimed (durable) to
// online-unclaimed (ephemeral) — called on visitor reconnect.
func (idx *Index) MoveToOnline(ctx context.Context, orgID, visitorID string) error {
	if err := idx.durable.RemoveUnclaimed(ctx, visitorID); err != nil {
		return fmt.Errorf("failed to remove offline-unclaimed: %w", err)
	}
	m, order, err := idx.readOnline(ctx, orgID)
	if err != nil {
		return err
	}
	if _, ok := m[visitorID]; !ok {
		m[visitorID] = &OnlineEntry{VisitorID: visitorID}
		order = append(order, visitorID)
	}
	return idx.writeOnline(ctx, orgID, m, order)
}

// RemoveAssigned removes a visitor from both unclaimed queues on assignment.
func (idx *Index) RemoveAssigned(ctx context.Context, orgID, visitorID string) error {
	if err := idx.RemoveOnlineUnclaimed(ctx, orgID, visitorID); err != nil {
		return err
	}
	return idx.durable.RemoveUnclaimed(ctx, visitorID)
}

// SliceOfflineUnclaimed pages through the durable offline-unclaimed queue,
// FIFO by created_at.
func (idx *Index) SliceOfflineUnclaimed(ctx context.Context, offset, limit int) ([]UnclaimedRow, error) {
	rows, err := idx.durable.SliceUnclaimedRows(ctx, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to slice offline-unclaimed: %w", err)
	}
	return rows, nil
}

// MarkUnhandled inserts a visitor into the unhandled queue (idempotent) —
// called on every visitor_* message if not already present.
func (idx *Index) MarkUnhandled(ctx context.Context, orgID, visitorID string) error {
	if err := idx.durable.PushUnhandled(ctx, visitorID); err != nil {
		return fmt.Errorf("failed to mark unhandled: %w", err)
	}
	return nil
}

// ClearUnhandled removes a visitor from the unhandled queue — called on any
// staff message in the chat, or on explicit staff_handled_chat.
func (idx *Index) ClearUnhandled(ctx context.Context, visitorID string) error {
	if err := idx.durable.RemoveUnhandled(ctx, visitorID); err != nil {
		return fmt.Errorf("failed to clear unhandled: %w", err)
	}
	return nil
}

// ContainsUnhandled reports whether a visitor is currently unhandled.
func (idx *Index) ContainsUnhandled(ctx context.Context, visitorID string) (bool, error) {
	return idx.durable.ContainsUnhandled(ctx, visitorID)
}

// SetFlagged toggles flagged-queue membership based on severity (inserted
// when severity>0, removed when severity==0) — spec.md §4.3.
func (idx *Index) SetFlagged(ctx context.Context, visitorID string, severity int, flagMessage string) error {
	if err := idx.durable.SetSeverity(ctx, visitorID, severity, flagMessage); err != nil {
		return fmt.Errorf("failed to update flagged queue: %w", err)
	}
	return nil
}
