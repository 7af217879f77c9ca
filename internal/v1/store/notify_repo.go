package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// InsertNotification persists an in-app NotificationStaff row (C7's in-app sink).
func (db *DB) InsertNotification(ctx context.Context, staffID string, content any) error {
	contentBytes, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal notification content: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO notification_staff (staff_id, content_json) VALUES ($1, $2)`,
		staffID, string(contentBytes))
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// UnreadNotificationCount returns how many notifications a staff member has
// not yet marked read, via NotificationStaffRead's last_read_internal_id cursor.
func (db *DB) UnreadNotificationCount(ctx context.Context, staffID string) (int, error) {
	var count int
	err := db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM notification_staff n
		 WHERE n.staff_id = $1 AND n.id > COALESCE(
		   (SELECT last_read_internal_id FROM notification_staff_read WHERE staff_id = $1), 0)`,
		staffID)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationsRead advances a staff's read cursor to their latest notification.
func (db *DB) MarkNotificationsRead(ctx context.Context, staffID string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO notification_staff_read (staff_id, last_read_internal_id)
		 SELECT $1, COALESCE(MAX(id), 0) FROM notification_staff WHERE staff_id = $1
		 ON CONFLICT (staff_id) DO UPDATE SET last_read_internal_id = EXCLUDED.last_read_internal_id`,
		staffID)
	if err != nil {
		return fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return nil
}
