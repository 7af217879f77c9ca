// Package notify implements C7, the notification dispatcher: an in-app sink
// backed by the durable store and an e-mail sink backed by a durable task
// queue. Only the e-mail sink sits behind a per-(recipient, category)
// rate-limit window; in-app notifications are never suppressed.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/chatrouter/engine/internal/v1/metrics"
)

// Category enumerates the mailing taxonomy from spec.md §4.7.
type Category string

const (
	CategoryNewAssignedChat     Category = "new-assigned-chat"
	CategoryRemovedFromChat     Category = "removed-from-chat"
	CategoryFlaggedChat         Category = "flagged-chat"
	CategoryNewStaffMsgToVisitor Category = "new-staff-msg-to-visitor"
	CategoryNewVisitorMsgToStaffs Category = "new-visitor-msg-to-staffs"
	CategoryRoleChanged          Category = "role-changed"
	CategoryAccountEnabled       Category = "account-enabled"
	CategoryAccountDisabled      Category = "account-disabled"
	CategoryWelcome              Category = "welcome"
)

// defaultSuppressionWindow is overridden by config's
// NotificationSuppressionMinutes at wiring time.
const defaultSuppressionWindow = 60 * time.Minute

// InAppStore is the durable in-app notification surface. *store.DB satisfies this.
type InAppStore interface {
	InsertNotification(ctx context.Context, staffID string, content any) error
}

// RateLimiter is the TTL-based suppression surface. *bus.Service satisfies this.
type RateLimiter interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

// EmailQueue is the durable task-queue surface an e-mail task is handed to.
// *bus.Service satisfies this via EnqueueTask.
type EmailQueue interface {
	EnqueueTask(ctx context.Context, queue string, task any) error
}

// EmailTask is the payload enqueued for the e-mail worker.
type EmailTask struct {
	To       string   `json:"to"`
	Category Category `json:"category"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
}

// emailQueueName is the Redis list key the e-mail worker BRPOPs from.
const emailQueueName = "notify:email"

// Dispatcher is C7.
type Dispatcher struct {
	inApp              InAppStore
	rateLimiter        RateLimiter
	emailQueue         EmailQueue
	suppressionWindow  time.Duration
}

// New creates a Dispatcher. suppressionWindow<=0 uses the spec.md default of 60m.
func New(inApp InAppStore, rateLimiter RateLimiter, emailQueue EmailQueue, suppressionWindow time.Duration) *Dispatcher {
	if suppressionWindow <= 0 {
		suppressionWindow = defaultSuppressionWindow
	}
	return &Dispatcher{
		inApp:             inApp,
		rateLimiter:       rateLimiter,
		emailQueue:        emailQueue,
		suppressionWindow: suppressionWindow,
	}
}

// NotifyInApp persists an in-app notification for a staff member. Never
// suppressed — the rate limit only applies to the e-mail sink.
func (d *Dispatcher) NotifyInApp(ctx context.Context, staffID string, category Category, content any) error {
	if err := d.inApp.InsertNotification(ctx, staffID, content); err != nil {
		return fmt.Errorf("failed to persist in-app notification: %w", err)
	}
	metrics.NotificationsTotal.WithLabelValues("in_app", string(category)).Inc()
	return nil
}

// NotifyEmail enqueues a durable e-mail task, suppressed if the same
// (recipientEmail, category) pair was already sent within the configured window.
func (d *Dispatcher) NotifyEmail(ctx context.Context, recipientEmail string, category Category, subject, body string) error {
	suppressKey := fmt.Sprintf("notify:suppress:%s:%s", recipientEmail, category)

	existing, err := d.rateLimiter.Get(ctx, suppressKey)
	if err != nil {
		return fmt.Errorf("failed to check notification suppression: %w", err)
	}
	if existing != "" {
		metrics.NotificationsTotal.WithLabelValues("email", "suppressed").Inc()
		return nil
	}

	task := EmailTask{To: recipientEmail, Category: category, Subject: subject, Body: body}
	if err := d.emailQueue.EnqueueTask(ctx, emailQueueName, task); err != nil {
		return fmt.Errorf("failed to enqueue email task: %w", err)
	}

	if err := d.rateLimiter.SetWithTTL(ctx, suppressKey, "1", d.suppressionWindow); err != nil {
		return fmt.Errorf("failed to set notification suppression window: %w", err)
	}

	metrics.NotificationsTotal.WithLabelValues("email", string(category)).Inc()
	return nil
}
