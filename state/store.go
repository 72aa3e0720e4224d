package state

import (
	"context"
	"time"
)

// RecoveryPoint is one entry in a state's append-only log: an immutable
// snapshot of the data after a transition, sealed for integrity checks.
type RecoveryPoint struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Version   uint64            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]any    `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Seal      string            `json:"seal,omitempty"`
}

// RecoveryStore persists recovery-point logs. Implementations must keep the
// per-name log ordered by append time and must be safe for concurrent use
// across names. The context package reuses this interface for context
// snapshots under a "context/" name prefix.
type RecoveryStore interface {
	// Append adds a point to the end of the named log.
	Append(ctx context.Context, name string, pt RecoveryPoint) error

	// List returns the named log in chronological order. An unknown name
	// returns an empty slice, not an error.
	List(ctx context.Context, name string) ([]RecoveryPoint, error)

	// Get fetches one point by id. The boolean reports existence.
	Get(ctx context.Context, name, id string) (RecoveryPoint, bool, error)

	// Remove deletes the identified points from the named log.
	Remove(ctx context.Context, name string, ids []string) error

	// Drop deletes the entire named log.
	Drop(ctx context.Context, name string) error

	// Close releases backend resources.
	Close() error
}
