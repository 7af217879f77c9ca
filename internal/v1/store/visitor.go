package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// GetOrCreateVisitor returns an existing visitor row or creates an anonymous
// one (spec.md §3 Lifecycle: "Visitor created on first login").
func (db *DB) GetOrCreateVisitor(ctx context.Context, orgID, visitorID, name string) (*Visitor, error) {
	var v Visitor
	err := db.GetContext(ctx, &v, `SELECT * FROM visitors WHERE id = $1`, visitorID)
	if err == nil {
		return &v, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get visitor: %w", err)
	}

	id := visitorID
	if id == "" {
		id = uuid.NewString()
	}
	v = Visitor{ID: id, OrgID: orgID, Name: name, IsAnonymous: true}
	_, err = db.ExecContext(ctx,
		`INSERT INTO visitors (id, org_id, name, is_anonymous) VALUES ($1, $2, $3, TRUE)
		 ON CONFLICT (id) DO NOTHING`,
		v.ID, v.OrgID, v.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create visitor: %w", err)
	}

	if err := db.GetContext(ctx, &v, `SELECT * FROM visitors WHERE id = $1`, v.ID); err != nil {
		return nil, fmt.Errorf("failed to reload visitor after create: %w", err)
	}
	return &v, nil
}

// VisitorOrgID resolves the organisation a visitor belongs to, used by C8's
// reassignment sweep to scope the volunteer pool per stale chat.
func (db *DB) VisitorOrgID(ctx context.Context, visitorID string) (string, error) {
	var orgID string
	err := db.GetContext(ctx, &orgID, `SELECT org_id FROM visitors WHERE id = $1`, visitorID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve visitor org: %w", err)
	}
	return orgID, nil
}

// BookmarkedVisitors pages through the visitors a staff member has bookmarked
// (the supplemented per-subscription boolean column from SPEC_FULL.md §3.1).
func (db *DB) BookmarkedVisitors(ctx context.Context, staffID string, offset, limit int) ([]Visitor, error) {
	var visitors []Visitor
	err := db.SelectContext(ctx, &visitors,
		`SELECT v.* FROM visitors v
		 JOIN staff_subscription_chats s ON s.visitor_id = v.id
		 WHERE s.staff_id = $1 AND s.bookmarked = TRUE
		 ORDER BY s.created_at ASC OFFSET $2 LIMIT $3`,
		staffID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookmarked visitors: %w", err)
	}
	return visitors, nil
}

// SetBookmark flips the bookmarked flag on a staff/visitor subscription edge.
func (db *DB) SetBookmark(ctx context.Context, staffID, visitorID string, bookmarked bool) error {
	_, err := db.ExecContext(ctx,
		`UPDATE staff_subscription_chats SET bookmarked = $1 WHERE staff_id = $2 AND visitor_id = $3`,
		bookmarked, staffID, visitorID)
	if err != nil {
		return fmt.Errorf("failed to set bookmark: %w", err)
	}
	return nil
}
