package store

import (
	"context"
	"fmt"

	"github.com/chatrouter/engine/internal/v1/queue"
)

// SliceUnclaimedRows adapts SliceUnclaimed to queue.Durable's shape.
func (db *DB) SliceUnclaimedRows(ctx context.Context, offset, limit int) ([]queue.UnclaimedRow, error) {
	rows, err := db.SliceUnclaimed(ctx, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to slice unclaimed: %w", err)
	}
	out := make([]queue.UnclaimedRow, len(rows))
	for i, r := range rows {
		out[i] = queue.UnclaimedRow{VisitorID: r.VisitorID}
	}
	return out, nil
}
