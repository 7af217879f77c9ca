package store

import (
	"context"
	"fmt"
)

// ActiveVolunteers returns agents (role=agent, disabled=false) for an org, in
// a stable order (by id) — the cached list C6 rotates over.
func (db *DB) ActiveVolunteers(ctx context.Context, orgID string) ([]Staff, error) {
	var staff []Staff
	err := db.SelectContext(ctx, &staff,
		`SELECT * FROM staff WHERE org_id = $1 AND role = $2 AND disabled = FALSE ORDER BY id ASC`,
		orgID, RoleAgent)
	if err != nil {
		return nil, fmt.Errorf("failed to list active volunteers: %w", err)
	}
	return staff, nil
}

// GetStaff returns a single staff row by id.
func (db *DB) GetStaff(ctx context.Context, staffID string) (*Staff, error) {
	var s Staff
	if err := db.GetContext(ctx, &s, `SELECT * FROM staff WHERE id = $1`, staffID); err != nil {
		return nil, fmt.Errorf("failed to get staff: %w", err)
	}
	return &s, nil
}

// SetStaffDisabled flips a staff's disabled flag. Invariant 7 requires the
// caller to also remove subscriptions and trigger reassignment in the same
// handler — this method only performs the flip.
func (db *DB) SetStaffDisabled(ctx context.Context, staffID string, disabled bool) error {
	_, err := db.ExecContext(ctx,
		`UPDATE staff SET disabled = $1, updated_at = now() WHERE id = $2`, disabled, staffID)
	if err != nil {
		return fmt.Errorf("failed to update staff disabled flag: %w", err)
	}
	return nil
}

// SetStaffRole updates a staff member's role column.
func (db *DB) SetStaffRole(ctx context.Context, staffID string, role StaffRole) error {
	_, err := db.ExecContext(ctx,
		`UPDATE staff SET role = $1, updated_at = now() WHERE id = $2`, role, staffID)
	if err != nil {
		return fmt.Errorf("failed to update staff role: %w", err)
	}
	return nil
}
