// Package room implements C2, the Room State Store: the single source of
// truth for live per-visitor room state. All mutations for a given visitor
// serialize through a per-visitor critical section, grounded on the
// teacher's per-room mutex in its Room type and the Hub's registry-of-rooms
// shape for lifecycle management.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chatrouter/engine/internal/v1/chaterr"
	"github.com/chatrouter/engine/internal/v1/metrics"
	"github.com/chatrouter/engine/internal/v1/notify"
)

// StaffRef denormalizes a subscribed staff's id alongside its current
// connection sid, so publish targeting doesn't need a second presence lookup.
// An empty SID means the staff is currently offline.
type StaffRef struct {
	StaffID string `json:"staff_id"`
	SID     string `json:"sid"`
}

// Snapshot is the authoritative live room state mirrored in the KV layer
// under visitor_info:{visitor_id}.
type Snapshot struct {
	VisitorID     string              `json:"visitor_id"`
	OrgID         string              `json:"org_id"`
	ChatID        string              `json:"chat_id"`
	SequenceNum   int64               `json:"sequence_num"`
	SeverityLevel int                 `json:"severity_level"`
	Staffs        map[string]StaffRef `json:"staffs"`
}

func (s *Snapshot) clone() *Snapshot {
	cp := *s
	cp.Staffs = make(map[string]StaffRef, len(s.Staffs))
	for k, v := range s.Staffs {
		cp.Staffs[k] = v
	}
	return &cp
}

// Event is a fan-out event to publish once a mutation has committed.
type Event struct {
	Topic   string
	Name    string
	Payload any
}

// ChatInfo is the durable Chat row subset the room store rehydrates from.
type ChatInfo struct {
	ID            string
	SeverityLevel int
}

// MessageInfo is the durable ChatMessage row subset callers need back.
type MessageInfo struct {
	SequenceNum int64
}

// Settings is the subset of global settings the room store consults.
type Settings struct {
	MaxStaffsInChat int
	AutoAssign      bool
}

// StaffInfo is the durable Staff row subset the assign-on-create
// notification path needs.
type StaffInfo struct {
	Email string
}

// Store is the durable-persistence surface. *store.DB satisfies this via
// adapter methods plus its existing AddSubscription/RemoveSubscription/
// SubscribedStaffIDs/SetSeverity/MaxSequenceNum/RemoveAllSubscriptionsForVisitor.
type Store interface {
	ChatForVisitor(ctx context.Context, visitorID string) (ChatInfo, error)
	MaxSequenceNum(ctx context.Context, chatID string) (int64, error)
	AppendChatMessage(ctx context.Context, chatID string, seq int64, typeID int, senderStaffID *string, content any) (MessageInfo, error)
	AddSubscription(ctx context.Context, staffID, visitorID string) error
	RemoveSubscription(ctx context.Context, staffID, visitorID string) error
	RemoveAllSubscriptionsForVisitor(ctx context.Context, visitorID string) error
	SubscribedStaffIDs(ctx context.Context, visitorID string) ([]string, error)
	SetSeverity(ctx context.Context, visitorID string, severity int, flagMessage string) error
	RoomSettings(ctx context.Context) (Settings, error)
	StaffEmail(ctx context.Context, staffID string) (StaffInfo, error)
}

// Presence reports whether a staff member currently has a live connection.
// *bus.Service satisfies this via SetIsMember against the online-staff set.
type Presence interface {
	IsStaffOnline(ctx context.Context, staffID string) (bool, error)
}

// Notifier is the subset of C7 the room store uses to tell a newly-assigned
// staff member about their new chat, in-app if they're online, by e-mail
// (rate-limited) if they're not. *notify.Dispatcher satisfies this.
type Notifier interface {
	NotifyInApp(ctx context.Context, staffID string, category notify.Category, content any) error
	NotifyEmail(ctx context.Context, recipientEmail string, category notify.Category, subject, body string) error
}

// KV is the ephemeral key/value surface backing visitor_info:{id}.
// *bus.Service satisfies this structurally.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Assigner picks (and persists) a volunteer for a visitor. *assign.Engine satisfies this.
type Assigner interface {
	Assign(ctx context.Context, orgID, visitorID string, currentStaff map[string]bool, excludeStaffID string) (string, error)
}

// QueueIndex is the subset of C3 the room store needs to keep in sync with
// assignment and message-handling transitions. *queue.Index satisfies this.
type QueueIndex interface {
	RemoveAssigned(ctx context.Context, orgID, visitorID string) error
	MarkUnhandled(ctx context.Context, orgID, visitorID string) error
	ClearUnhandled(ctx context.Context, visitorID string) error
	SetFlagged(ctx context.Context, visitorID string, severity int, flagMessage string) error
}

func visitorInfoKey(visitorID string) string {
	return fmt.Sprintf("visitor_info:%s", visitorID)
}

// Manager is C2: the registry of per-visitor room critical sections.
type Manager struct {
	store    Store
	kv       KV
	assigner Assigner
	queue    QueueIndex
	presence Presence
	notifier Notifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a room Manager over its collaborators.
func New(store Store, kv KV, assigner Assigner, queue QueueIndex, presence Presence, notifier Notifier) *Manager {
	return &Manager{
		store:    store,
		kv:       kv,
		assigner: assigner,
		queue:    queue,
		presence: presence,
		notifier: notifier,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(visitorID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[visitorID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[visitorID] = l
	}
	return l
}

func (m *Manager) readSnapshot(ctx context.Context, visitorID string) (*Snapshot, error) {
	raw, err := m.kv.Get(ctx, visitorInfoKey(visitorID))
	if err != nil {
		return nil, fmt.Errorf("failed to read room snapshot: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode room snapshot: %w", err)
	}
	return &snap, nil
}

func (m *Manager) writeSnapshot(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode room snapshot: %w", err)
	}
	if err := m.kv.Set(ctx, visitorInfoKey(snap.VisitorID), string(data)); err != nil {
		return fmt.Errorf("failed to write room snapshot: %w", err)
	}
	metrics.RoomStaffCount.WithLabelValues(snap.VisitorID).Set(float64(len(snap.Staffs)))
	return nil
}

// GetOrCreate returns the live snapshot for visitorID, rehydrating from the
// durable Chat row when the KV key is cold. When assignStaff is true and no
// staff is currently subscribed, it invokes the assignment engine (if
// auto_assign is enabled) and persists the result.
func (m *Manager) GetOrCreate(ctx context.Context, visitorID, orgID string, assignStaff bool) (*Snapshot, error) {
	lock := m.lockFor(visitorID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := m.readSnapshot(ctx, visitorID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		chat, err := m.store.ChatForVisitor(ctx, visitorID)
		if err != nil {
			return nil, fmt.Errorf("failed to load chat for visitor: %w", err)
		}
		seq, err := m.store.MaxSequenceNum(ctx, chat.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load max sequence: %w", err)
		}
		staffIDs, err := m.store.SubscribedStaffIDs(ctx, visitorID)
		if err != nil {
			return nil, fmt.Errorf("failed to load subscribed staff: %w", err)
		}
		staffs := make(map[string]StaffRef, len(staffIDs))
		for _, id := range staffIDs {
			staffs[id] = StaffRef{StaffID: id}
		}
		snap = &Snapshot{
			VisitorID:     visitorID,
			OrgID:         orgID,
			ChatID:        chat.ID,
			SequenceNum:   seq,
			SeverityLevel: chat.SeverityLevel,
			Staffs:        staffs,
		}
		if err := m.writeSnapshot(ctx, snap); err != nil {
			return nil, err
		}
	}

	if assignStaff && len(snap.Staffs) == 0 {
		settings, err := m.store.RoomSettings(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load room settings: %w", err)
		}
		if settings.AutoAssign {
			chosen, err := m.assigner.Assign(ctx, orgID, visitorID, nil, "")
			if err != nil {
				return nil, fmt.Errorf("failed to auto-assign: %w", err)
			}
			if chosen != "" {
				snap.Staffs[chosen] = StaffRef{StaffID: chosen}
				if err := m.writeSnapshot(ctx, snap); err != nil {
					return nil, err
				}
				if err := m.queue.RemoveAssigned(ctx, orgID, visitorID); err != nil {
					return nil, fmt.Errorf("failed to clear unclaimed queues: %w", err)
				}
				m.notifyAssigned(ctx, chosen, visitorID)
			}
		}
	}

	return snap.clone(), nil
}

// notifyAssigned tells a newly-assigned staff member about their new chat:
// an in-app notification if they currently have a live connection, an
// e-mail task (rate-limited per spec.md §4.7) otherwise. Best-effort —
// failures are discarded, never logged or propagated, since
// a notification miss must not roll back the assignment itself.
func (m *Manager) notifyAssigned(ctx context.Context, staffID, visitorID string) {
	online, err := m.presence.IsStaffOnline(ctx, staffID)
	if err != nil {
		online = false
	}
	if online {
		_ = m.notifier.NotifyInApp(ctx, staffID, notify.CategoryNewAssignedChat, map[string]string{"visitor": visitorID})
		return
	}
	staff, err := m.store.StaffEmail(ctx, staffID)
	if err != nil || staff.Email == "" {
		return
	}
	_ = m.notifier.NotifyEmail(ctx, staff.Email, notify.CategoryNewAssignedChat,
		"You've been assigned a new chat",
		fmt.Sprintf("You've been automatically assigned visitor %s's chat.", visitorID))
}

// UpdateAtomically performs a read-modify-write under the per-visitor lock.
// fn receives a mutable clone of the current snapshot (nil if the room is
// closed) and returns the new snapshot plus events to publish after the
// write commits; returning a nil snapshot leaves the room state unchanged
// (useful for validation-only handlers).
func (m *Manager) UpdateAtomically(ctx context.Context, visitorID string, fn func(*Snapshot) (*Snapshot, []Event, error)) ([]Event, error) {
	lock := m.lockFor(visitorID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := m.readSnapshot(ctx, visitorID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, chaterr.ErrRoomClosed
	}

	next, events, err := fn(snap.clone())
	if err != nil {
		return nil, err
	}
	if next != nil {
		if err := m.writeSnapshot(ctx, next); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// AddStaff enforces invariant 3 (capacity) and syncs StaffSubscriptionChat.
func (m *Manager) AddStaff(ctx context.Context, visitorID, staffID, sid string) error {
	lock := m.lockFor(visitorID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := m.readSnapshot(ctx, visitorID)
	if err != nil {
		return err
	}
	if snap == nil {
		return chaterr.ErrRoomClosed
	}
	if _, already := snap.Staffs[staffID]; already {
		// Idempotent on the durable subscription (spec.md §5 "Idempotency"),
		// but a reconnect under a new tab still needs its sid recorded so
		// DropIfAbandoned reflects current liveness.
		snap.Staffs[staffID] = StaffRef{StaffID: staffID, SID: sid}
		return m.writeSnapshot(ctx, snap)
	}

	settings, err := m.store.RoomSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load room settings: %w", err)
	}
	if len(snap.Staffs) >= settings.MaxStaffsInChat {
		return chaterr.ErrCapacityExceeded
	}

	if err := m.store.AddSubscription(ctx, staffID, visitorID); err != nil {
		return fmt.Errorf("failed to persist subscription: %w", err)
	}
	snap.Staffs[staffID] = StaffRef{StaffID: staffID, SID: sid}
	return m.writeSnapshot(ctx, snap)
}

// ClearStaffSID marks a staff member's subscription as offline (keeping the
// subscription itself) iff its currently recorded sid matches, so an older
// tab disconnecting doesn't evict a newer tab's liveness marker.
func (m *Manager) ClearStaffSID(ctx context.Context, visitorID, staffID, sid string) error {
	lock := m.lockFor(visitorID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := m.readSnapshot(ctx, visitorID)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	ref, ok := snap.Staffs[staffID]
	if !ok || ref.SID != sid {
		return nil
	}
	snap.Staffs[staffID] = StaffRef{StaffID: staffID}
	return m.writeSnapshot(ctx, snap)
}

// RemoveStaff removes a single staff's subscription from the room.
func (m *Manager) RemoveStaff(ctx context.Context, visitorID, staffID string) error {
	lock := m.lockFor(visitorID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := m.readSnapshot(ctx, visitorID)
	if err != nil {
		return err
	}
	if snap == nil {
		return chaterr.ErrRoomClosed
	}
	if _, ok := snap.Staffs[staffID]; !ok {
		return nil
	}
	if err := m.store.RemoveSubscription(ctx, staffID, visitorID); err != nil {
		return fmt.Errorf("failed to remove subscription: %w", err)
	}
	delete(snap.Staffs, staffID)
	return m.writeSnapshot(ctx, snap)
}

// ReplaceStaffs atomically swaps the full staff set for a room (used by
// take_over_chat and update_staffs_in_chat), enforcing capacity.
func (m *Manager) ReplaceStaffs(ctx context.Context, visitorID string, staffs map[string]StaffRef) error {
	lock := m.lockFor(visitorID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := m.readSnapshot(ctx, visitorID)
	if err != nil {
		return err
	}
	if snap == nil {
		return chaterr.ErrRoomClosed
	}

	settings, err := m.store.RoomSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load room settings: %w", err)
	}
	if len(staffs) > settings.MaxStaffsInChat {
		return chaterr.ErrCapacityExceeded
	}

	for staffID := range snap.Staffs {
		if _, keep := staffs[staffID]; !keep {
			if err := m.store.RemoveSubscription(ctx, staffID, visitorID); err != nil {
				return fmt.Errorf("failed to remove subscription: %w", err)
			}
		}
	}
	for staffID := range staffs {
		if _, existed := snap.Staffs[staffID]; !existed {
			if err := m.store.AddSubscription(ctx, staffID, visitorID); err != nil {
				return fmt.Errorf("failed to add subscription: %w", err)
			}
		}
	}

	snap.Staffs = make(map[string]StaffRef, len(staffs))
	for id, ref := range staffs {
		snap.Staffs[id] = ref
	}
	return m.writeSnapshot(ctx, snap)
}

// BumpSequence returns the next strictly-increasing sequence number for
// visitorID's room, persisting the bump under the per-visitor lock. The lock
// is released on return, so a caller's later append of the message runs
// outside it.
func (m *Manager) BumpSequence(ctx context.Context, visitorID string) (int64, error) {
	lock := m.lockFor(visitorID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := m.readSnapshot(ctx, visitorID)
	if err != nil {
		return 0, err
	}
	if snap == nil {
		return 0, chaterr.ErrRoomClosed
	}
	snap.SequenceNum++
	if err := m.writeSnapshot(ctx, snap); err != nil {
		return 0, err
	}
	return snap.SequenceNum, nil
}

// SetSeverity updates severity/flag state and keeps the flagged queue in sync.
func (m *Manager) SetSeverity(ctx context.Context, visitorID string, severity int, flagMessage string) error {
	lock := m.lockFor(visitorID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := m.readSnapshot(ctx, visitorID)
	if err != nil {
		return err
	}
	if snap == nil {
		return chaterr.ErrRoomClosed
	}
	if err := m.store.SetSeverity(ctx, visitorID, severity, flagMessage); err != nil {
		return fmt.Errorf("failed to persist severity: %w", err)
	}
	if err := m.queue.SetFlagged(ctx, visitorID, severity, flagMessage); err != nil {
		return fmt.Errorf("failed to update flagged queue: %w", err)
	}
	snap.SeverityLevel = severity
	return m.writeSnapshot(ctx, snap)
}

// DropIfAbandoned deletes the ephemeral record iff the visitor is offline and
// no subscribed staff sid is currently live.
func (m *Manager) DropIfAbandoned(ctx context.Context, visitorID string, visitorOnline bool) error {
	lock := m.lockFor(visitorID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := m.readSnapshot(ctx, visitorID)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	if visitorOnline {
		return nil
	}
	for _, ref := range snap.Staffs {
		if ref.SID != "" {
			return nil
		}
	}
	if err := m.kv.Delete(ctx, visitorInfoKey(visitorID)); err != nil {
		return fmt.Errorf("failed to drop abandoned room: %w", err)
	}
	return nil
}

// Snapshot returns the current snapshot without creating or mutating it,
// nil if the room is cold. Used by read-only handlers (e.g. building
// staff_init payloads).
func (m *Manager) Snapshot(ctx context.Context, visitorID string) (*Snapshot, error) {
	lock := m.lockFor(visitorID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := m.readSnapshot(ctx, visitorID)
	if err != nil || snap == nil {
		return nil, err
	}
	return snap.clone(), nil
}
