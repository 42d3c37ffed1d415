package state

import (
	"context"
	"fmt"

	"github.com/picklr-io/fleetform/internal/ir"
)

// Store persists the last applied ActualState per node.
//
// Writes are compare-and-swap: the caller presents the version it last read
// (0 for an absent entry) and the write fails with *ConflictError if the
// stored version has moved on. Stores do not serialize callers; that is the
// lock manager's job.
type Store interface {
	// Read returns the record for id, or nil, nil when it is absent.
	Read(ctx context.Context, id string) (*ir.ActualState, error)

	// Write stores st under id if the stored version equals expectedVersion
	// and returns the new version.
	Write(ctx context.Context, id string, st *ir.ActualState, expectedVersion int64) (int64, error)

	// Delete removes the record entirely under the same version rule.
	Delete(ctx context.Context, id string, expectedVersion int64) error

	// List returns every stored record ordered by id.
	List(ctx context.Context) ([]*ir.ActualState, error)

	Close() error
}

// ConflictError reports an optimistic-concurrency violation on one node.
type ConflictError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("state conflict on %s: expected version %d, found %d", e.ID, e.Expected, e.Actual)
}

func conflict(id string, expected, actual int64) error {
	return &ConflictError{ID: id, Expected: expected, Actual: actual}
}

// stamp returns a copy of st carrying id and version.
func stamp(id string, st *ir.ActualState, version int64) *ir.ActualState {
	cp := *st
	cp.ID = id
	cp.Version = version
	return &cp
}
