package ingest

import (
	"context"
)

// CheckpointStore persists the last processed source position per
// (source kind, source identifier, tenant). Positions are monotonically
// non-decreasing: implementations must ignore saves below the stored value
// so a slow concurrent ack can never move a checkpoint backwards.
type CheckpointStore interface {
	// Load returns the stored position and whether one exists.
	Load(ctx context.Context, kind, sourceID, tenant string) (int64, bool, error)

	// Save stores the position unless a higher one is already recorded.
	Save(ctx context.Context, kind, sourceID, tenant string, position int64) error
}
