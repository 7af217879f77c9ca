package store

import (
	"context"
	"fmt"

	"github.com/chatrouter/engine/internal/v1/assign"
)

// ActiveVolunteersByOrg adapts ActiveVolunteers to assign.Store's shape.
func (db *DB) ActiveVolunteersByOrg(ctx context.Context, orgID string) ([]assign.Volunteer, error) {
	staff, err := db.ActiveVolunteers(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active volunteers: %w", err)
	}

	volunteers := make([]assign.Volunteer, len(staff))
	for i, s := range staff {
		volunteers[i] = assign.Volunteer{ID: s.ID}
	}
	return volunteers, nil
}
