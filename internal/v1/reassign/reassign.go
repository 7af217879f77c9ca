// Package reassign implements C8, the reassignment timer: a ticker that
// periodically sweeps the unhandled queue for chats older than the
// configured threshold and hands them to a fresh volunteer.
package reassign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatrouter/engine/internal/v1/metrics"
	"github.com/chatrouter/engine/internal/v1/notify"
)

// SettingsSource is the organisation-settings surface. *store.DB satisfies this
// via its ReassignSettings adapter method.
type SettingsSource interface {
	ReassignSettings(ctx context.Context) (Settings, error)
}

// Settings mirrors the subset of store.Settings the sweep needs.
type Settings struct {
	AutoReassign        bool
	HoursToAutoReassign int
}

// UnhandledRow is a stale chat pending reassignment.
type UnhandledRow struct {
	VisitorID string
}

// StaffRow is the durable Staff row subset the sweep's offline-notify path needs.
type StaffRow struct {
	Email string
}

// UnhandledSource lists durable unhandled rows older than a threshold.
// *store.DB satisfies this via its StaleUnhandled adapter method.
type UnhandledSource interface {
	StaleUnhandled(ctx context.Context, thresholdHours int) ([]UnhandledRow, error)
	VisitorOrgID(ctx context.Context, visitorID string) (string, error)
	StaffByID(ctx context.Context, staffID string) (StaffRow, error)
}

// Assigner reassigns a stale chat to a fresh volunteer. *assign.Engine satisfies this.
type Assigner interface {
	Reassign(ctx context.Context, orgID, visitorID, excludeStaffID string) (string, error)
}

// RoomSync keeps the room snapshot in step with a sweep-driven reassignment.
// *room.Manager satisfies this.
type RoomSync interface {
	AddStaff(ctx context.Context, visitorID, staffID, sid string) error
}

// Presence reports whether the newly-assigned staff member currently has a
// live connection. *bus.Service satisfies this.
type Presence interface {
	IsStaffOnline(ctx context.Context, staffID string) (bool, error)
}

// Publisher fans out the reassignment outcome to the assigned staff's live
// session. *bus.Service satisfies this.
type Publisher interface {
	PublishDirect(ctx context.Context, sid, event string, payload any, senderID string) error
}

// BusCollaborator is the presence+fan-out surface the sweep needs from the
// event bus. *bus.Service satisfies this.
type BusCollaborator interface {
	Presence
	Publisher
}

// Notifier persists an in-app notification or enqueues a suppressed e-mail
// task for the newly-assigned staff. *notify.Dispatcher satisfies this.
type Notifier interface {
	NotifyInApp(ctx context.Context, staffID string, category notify.Category, content any) error
	NotifyEmail(ctx context.Context, recipientEmail string, category notify.Category, subject, body string) error
}

// eventStaffAutoAssignedChat mirrors session.EventStaffAutoAssignedChat; kept
// as a local literal since reassign must not import session (session already
// imports reassign's sibling packages and the two never depend on each other).
const eventStaffAutoAssignedChat = "staff_auto_assigned_chat"

// Timer is C8.
type Timer struct {
	settings  SettingsSource
	unhandled UnhandledSource
	assigner  Assigner
	room      RoomSync
	presence  Presence
	publisher Publisher
	notifier  Notifier
	interval  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Timer that wakes every interval to evaluate the sweep.
// interval is independent of the configured reassignment threshold — it's
// how often the sweep runs, not how stale a chat must be.
func New(settings SettingsSource, unhandled UnhandledSource, assigner Assigner, room RoomSync, bus BusCollaborator, notifier Notifier, interval time.Duration) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		settings:  settings,
		unhandled: unhandled,
		assigner:  assigner,
		room:      room,
		presence:  bus,
		publisher: bus,
		notifier:  notifier,
		interval:  interval,
	}
}

// Start runs the sweep loop in a background goroutine until Stop is called
// or ctx is canceled.
func (t *Timer) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				t.sweep(loopCtx)
			}
		}
	}()
}

// Stop cancels the sweep loop and blocks until it exits.
func (t *Timer) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

func (t *Timer) sweep(ctx context.Context) {
	settings, err := t.settings.ReassignSettings(ctx)
	if err != nil {
		slog.Error("reassignment sweep failed to load settings", "error", err)
		metrics.ReassignmentSweeps.WithLabelValues("settings_error").Inc()
		return
	}
	if !settings.AutoReassign {
		metrics.ReassignmentSweeps.WithLabelValues("disabled").Inc()
		return
	}

	stale, err := t.unhandled.StaleUnhandled(ctx, settings.HoursToAutoReassign)
	if err != nil {
		slog.Error("reassignment sweep failed to list stale chats", "error", err)
		metrics.ReassignmentSweeps.WithLabelValues("list_error").Inc()
		return
	}

	for _, row := range stale {
		orgID, err := t.unhandled.VisitorOrgID(ctx, row.VisitorID)
		if err != nil {
			slog.Error("reassignment sweep failed to resolve org", "visitor_id", row.VisitorID, "error", err)
			continue
		}
		chosen, err := t.assigner.Reassign(ctx, orgID, row.VisitorID, "")
		if err != nil {
			slog.Error("reassignment sweep failed to reassign chat", "visitor_id", row.VisitorID, "error", err)
			continue
		}
		if chosen == "" {
			continue
		}
		if err := t.room.AddStaff(ctx, row.VisitorID, chosen, ""); err != nil {
			slog.Error("reassignment sweep failed to sync room snapshot", "visitor_id", row.VisitorID, "error", err)
		}
		t.notifyChosen(ctx, chosen, row.VisitorID)
	}

	metrics.ReassignmentSweeps.WithLabelValues("ok").Inc()
}

// notifyChosen fans out the sweep's pick to its live session if it has one,
// in-app if it's online, by suppressed e-mail task otherwise (spec.md §4.2/
// §4.7/§8 scenario 6).
func (t *Timer) notifyChosen(ctx context.Context, staffID, visitorID string) {
	online, err := t.presence.IsStaffOnline(ctx, staffID)
	if err != nil {
		online = false
	}
	if online {
		if err := t.publisher.PublishDirect(ctx, staffID, eventStaffAutoAssignedChat, map[string]string{"visitor": visitorID}, ""); err != nil {
			slog.Error("reassignment sweep failed to publish direct event", "staff_id", staffID, "error", err)
		}
		if err := t.notifier.NotifyInApp(ctx, staffID, notify.CategoryNewAssignedChat, map[string]string{"visitor": visitorID}); err != nil {
			slog.Error("reassignment sweep failed to persist in-app notification", "staff_id", staffID, "error", err)
		}
		return
	}
	staff, err := t.unhandled.StaffByID(ctx, staffID)
	if err != nil || staff.Email == "" {
		return
	}
	if err := t.notifier.NotifyEmail(ctx, staff.Email, notify.CategoryNewAssignedChat,
		"You've been assigned a new chat",
		fmt.Sprintf("You've been automatically assigned visitor %s's chat.", visitorID)); err != nil {
		slog.Error("reassignment sweep failed to enqueue email notification", "staff_id", staffID, "error", err)
	}
}
