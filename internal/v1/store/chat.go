package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chatrouter/engine/internal/v1/chaterr"
	"github.com/google/uuid"
)

// GetChatByVisitor returns the Chat row for a visitor, auto-creating one if
// absent (spec.md §3 Lifecycle: "Chat auto-created on first connect or first message").
func (db *DB) GetChatByVisitor(ctx context.Context, visitorID string) (*Chat, error) {
	var chat Chat
	err := db.GetContext(ctx, &chat, `SELECT * FROM chats WHERE visitor_id = $1`, visitorID)
	if err == nil {
		return &chat, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	chat = Chat{ID: uuid.NewString(), VisitorID: visitorID}
	_, err = db.ExecContext(ctx,
		`INSERT INTO chats (id, visitor_id) VALUES ($1, $2) ON CONFLICT (visitor_id) DO NOTHING`,
		chat.ID, chat.VisitorID)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	// Another writer may have won the race; re-read to return the authoritative row.
	if err := db.GetContext(ctx, &chat, `SELECT * FROM chats WHERE visitor_id = $1`, visitorID); err != nil {
		return nil, fmt.Errorf("failed to reload chat after create: %w", err)
	}
	return &chat, nil
}

// MaxSequenceNum returns the highest sequence_num persisted for a chat, used
// to bootstrap C2's in-memory counter when no ephemeral record exists.
func (db *DB) MaxSequenceNum(ctx context.Context, chatID string) (int64, error) {
	var max sql.NullInt64
	err := db.GetContext(ctx, &max, `SELECT MAX(sequence_num) FROM chat_messages WHERE chat_id = $1`, chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to get max sequence: %w", err)
	}
	return max.Int64, nil
}

// SetSeverity updates a chat's severity level and, per C3 §4.3, maintains the
// flagged-queue membership (inserted when severity>0, removed when severity==0).
func (db *DB) SetSeverity(ctx context.Context, visitorID string, severity int, flagMessage string) error {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET severity_level = $1, updated_at = now() WHERE visitor_id = $2`,
		severity, visitorID); err != nil {
		return fmt.Errorf("failed to update severity: %w", err)
	}

	if severity > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_flagged (visitor_id, flag_message) VALUES ($1, $2)
			 ON CONFLICT (visitor_id) DO UPDATE SET flag_message = EXCLUDED.flag_message`,
			visitorID, flagMessage); err != nil {
			return fmt.Errorf("failed to flag chat: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_flagged WHERE visitor_id = $1`, visitorID); err != nil {
			return fmt.Errorf("failed to unflag chat: %w", err)
		}
	}

	return tx.Commit()
}

// AddSubscription persists a StaffSubscriptionChat edge. Idempotent via the
// table's UNIQUE(staff_id, visitor_id) constraint (invariant 6 / P8).
func (db *DB) AddSubscription(ctx context.Context, staffID, visitorID string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO staff_subscription_chats (staff_id, visitor_id) VALUES ($1, $2)
		 ON CONFLICT (staff_id, visitor_id) DO NOTHING`,
		staffID, visitorID)
	if err != nil {
		return fmt.Errorf("%w: %v", chaterr.ErrTransientStorage, err)
	}
	return nil
}

// RemoveSubscription deletes a single StaffSubscriptionChat edge.
func (db *DB) RemoveSubscription(ctx context.Context, staffID, visitorID string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM staff_subscription_chats WHERE staff_id = $1 AND visitor_id = $2`,
		staffID, visitorID)
	if err != nil {
		return fmt.Errorf("%w: %v", chaterr.ErrTransientStorage, err)
	}
	return nil
}

// RemoveAllSubscriptionsForVisitor deletes every StaffSubscriptionChat edge for a
// visitor; used by C6's reassign variant and by invariant 7 (disabling staff).
func (db *DB) RemoveAllSubscriptionsForVisitor(ctx context.Context, visitorID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM staff_subscription_chats WHERE visitor_id = $1`, visitorID)
	if err != nil {
		return fmt.Errorf("%w: %v", chaterr.ErrTransientStorage, err)
	}
	return nil
}

// RemoveAllSubscriptionsForStaff deletes every subscription owned by a staff
// member, returning the affected visitor ids so the caller can trigger
// reassignment (invariant 7).
func (db *DB) RemoveAllSubscriptionsForStaff(ctx context.Context, staffID string) ([]string, error) {
	var visitorIDs []string
	err := db.SelectContext(ctx, &visitorIDs,
		`DELETE FROM staff_subscription_chats WHERE staff_id = $1 RETURNING visitor_id`, staffID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chaterr.ErrTransientStorage, err)
	}
	return visitorIDs, nil
}

// SubscribedStaffIDs returns the current staff set for a visitor.
func (db *DB) SubscribedStaffIDs(ctx context.Context, visitorID string) ([]string, error) {
	var ids []string
	err := db.SelectContext(ctx, &ids,
		`SELECT staff_id FROM staff_subscription_chats WHERE visitor_id = $1`, visitorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return ids, nil
}

// SubscribedVisitorIDs returns every visitor a staff member is currently
// subscribed to, used to rejoin room topics on reconnect.
func (db *DB) SubscribedVisitorIDs(ctx context.Context, staffID string) ([]string, error) {
	var ids []string
	err := db.SelectContext(ctx, &ids,
		`SELECT visitor_id FROM staff_subscription_chats WHERE staff_id = $1`, staffID)
	if err != nil {
		return nil, fmt.Errorf("failed to list staff's subscribed visitors: %w", err)
	}
	return ids, nil
}

// PushUnclaimed inserts a durable offline-unclaimed queue row.
func (db *DB) PushUnclaimed(ctx context.Context, visitorID string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO chat_unclaimed (visitor_id) VALUES ($1) ON CONFLICT (visitor_id) DO NOTHING`, visitorID)
	return wrapTransient(err)
}

// RemoveUnclaimed removes a durable offline-unclaimed queue row.
func (db *DB) RemoveUnclaimed(ctx context.Context, visitorID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM chat_unclaimed WHERE visitor_id = $1`, visitorID)
	return wrapTransient(err)
}

// SliceUnclaimed returns a FIFO-by-created_at page of offline-unclaimed rows.
func (db *DB) SliceUnclaimed(ctx context.Context, offset, limit int) ([]ChatUnclaimedRow, error) {
	var rows []ChatUnclaimedRow
	err := db.SelectContext(ctx, &rows,
		`SELECT * FROM chat_unclaimed ORDER BY created_at ASC OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to slice unclaimed: %w", err)
	}
	return rows, nil
}

// PushUnhandled inserts a durable unhandled queue row (idempotent).
func (db *DB) PushUnhandled(ctx context.Context, visitorID string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO chat_unhandled (visitor_id) VALUES ($1) ON CONFLICT (visitor_id) DO NOTHING`, visitorID)
	return wrapTransient(err)
}

// RemoveUnhandled removes a durable unhandled queue row.
func (db *DB) RemoveUnhandled(ctx context.Context, visitorID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM chat_unhandled WHERE visitor_id = $1`, visitorID)
	return wrapTransient(err)
}

// UnhandledOlderThan returns unhandled rows whose created_at precedes the
// threshold — feeds C8's reassignment sweep.
func (db *DB) UnhandledOlderThan(ctx context.Context, threshold int) ([]ChatUnhandledRow, error) {
	var rows []ChatUnhandledRow
	err := db.SelectContext(ctx, &rows,
		`SELECT * FROM chat_unhandled WHERE created_at < now() - ($1 || ' hours')::interval ORDER BY created_at ASC`,
		threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale unhandled: %w", err)
	}
	return rows, nil
}

// ContainsUnhandled reports whether a visitor currently has an unhandled row.
func (db *DB) ContainsUnhandled(ctx context.Context, visitorID string) (bool, error) {
	var exists bool
	err := db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chat_unhandled WHERE visitor_id = $1)`, visitorID)
	if err != nil {
		return false, fmt.Errorf("failed to check unhandled: %w", err)
	}
	return exists, nil
}

func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", chaterr.ErrTransientStorage, err)
}
