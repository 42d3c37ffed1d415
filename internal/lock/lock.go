// Package lock provides mutual exclusion between convergence sessions that
// target the same scope. Locks are leases: they expire unless renewed, and an
// expired lease may be reclaimed by another holder. Every reclaim bumps the
// lock's fencing token so a stale holder can tell it has been superseded.
package lock

import (
	"context"
	"fmt"
	"time"
)

// Lock is a granted lease.
type Lock struct {
	Scope     string
	Holder    string
	Token     int64
	Lease     time.Duration
	ExpiresAt time.Time
}

// Manager grants, renews and releases leases.
type Manager interface {
	// Acquire never queues: it fails with *HeldError when another holder has
	// an unexpired lease on scope.
	Acquire(ctx context.Context, scope, holder string, lease time.Duration) (*Lock, error)

	// Renew extends l by its lease duration, or fails with *ExpiredError if
	// the lease ran out or the lock was reclaimed.
	Renew(ctx context.Context, l *Lock) (*Lock, error)

	// Release gives l up. Releasing an expired lease nobody reclaimed
	// succeeds; releasing a reclaimed one fails with *ExpiredError.
	Release(ctx context.Context, l *Lock) error

	Close() error
}

// HeldError reports that another holder owns the scope.
type HeldError struct {
	Scope     string
	Holder    string
	ExpiresAt time.Time
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("scope %s is locked by %s until %s", e.Scope, e.Holder, e.ExpiresAt.UTC().Format(time.RFC3339))
}

// ExpiredError reports that a lease is no longer valid for its holder.
type ExpiredError struct {
	Scope  string
	Holder string
	Token  int64
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("lease on scope %s for %s (token %d) has expired or was reclaimed", e.Scope, e.Holder, e.Token)
}

// Clock returns the current time; tests inject their own.
type Clock func() time.Time

// Option configures a Manager.
type Option func(*options)

type options struct {
	clock Clock
}

// WithClock overrides the wall clock used for expiry decisions.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validate(scope, holder string, lease time.Duration) error {
	if scope == "" {
		return fmt.Errorf("lock scope is required")
	}
	if holder == "" {
		return fmt.Errorf("lock holder is required")
	}
	if lease <= 0 {
		return fmt.Errorf("lease must be positive, got %s", lease)
	}
	return nil
}
