package storage

import (
	"context"
	"time"

	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

// Store defines the interface for sandbox registry persistence.
// Implemented by the memory, bolt, and postgres backends.
type Store interface {
	// Save inserts a new sandbox record. Saving an ID that already
	// exists is an errdefs.ErrConflict.
	Save(ctx context.Context, sb *types.Sandbox) error

	// Get returns the record for id, or errdefs.ErrNotFound.
	Get(ctx context.Context, id string) (*types.Sandbox, error)

	// List returns records owned by userID, or every record when
	// userID is empty. Results are ordered by creation time.
	List(ctx context.Context, userID string) ([]*types.Sandbox, error)

	// Update persists a mutated record. The record's UpdatedAt must
	// match the stored value (optimistic concurrency); on mismatch the
	// update fails with errdefs.ErrConflict and the stored record is
	// unchanged. On success the store stamps a strictly later
	// UpdatedAt onto the record.
	Update(ctx context.Context, sb *types.Sandbox) error

	// Delete removes the record. Deleting a missing ID is not an error.
	Delete(ctx context.Context, id string) error

	// ListExpired returns active (ready or running) records whose
	// lease has lapsed at the given instant.
	ListExpired(ctx context.Context, now time.Time) ([]*types.Sandbox, error)

	// Close releases backend resources.
	Close() error
}

// nextUpdate returns the UpdatedAt stamp for a successful update: now,
// or one nanosecond past the previous stamp when the clock has not
// advanced. Keeps UpdatedAt strictly monotonic per record.
func nextUpdate(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}
