package store

import (
	"context"
	"fmt"

	"github.com/chatrouter/engine/internal/v1/reassign"
)

// ReassignSettings adapts GetAllSettings to reassign.SettingsSource's shape.
func (db *DB) ReassignSettings(ctx context.Context) (reassign.Settings, error) {
	s, err := db.GetAllSettings(ctx)
	if err != nil {
		return reassign.Settings{}, fmt.Errorf("failed to load reassign settings: %w", err)
	}
	return reassign.Settings{
		AutoReassign:        s.AutoReassign,
		HoursToAutoReassign: s.HoursToAutoReassign,
	}, nil
}

// StaleUnhandled adapts UnhandledOlderThan to reassign.UnhandledSource's shape.
func (db *DB) StaleUnhandled(ctx context.Context, thresholdHours int) ([]reassign.UnhandledRow, error) {
	rows, err := db.UnhandledOlderThan(ctx, thresholdHours)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale unhandled rows: %w", err)
	}
	out := make([]reassign.UnhandledRow, len(rows))
	for i, r := range rows {
		out[i] = reassign.UnhandledRow{VisitorID: r.VisitorID}
	}
	return out, nil
}

// StaffByID adapts GetStaff to reassign.UnhandledSource's shape.
func (db *DB) StaffByID(ctx context.Context, staffID string) (reassign.StaffRow, error) {
	staff, err := db.GetStaff(ctx, staffID)
	if err != nil {
		return reassign.StaffRow{}, fmt.Errorf("failed to load staff: %w", err)
	}
	return reassign.StaffRow{Email: staff.Email}, nil
}
