package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/lock"
	"github.com/picklr-io/fleetform/internal/provider"
	"github.com/picklr-io/fleetform/internal/state"
)

const (
	defaultParallelism = 10
	defaultLease       = 30 * time.Second
	defaultScope       = "default"

	// maxConflictAttempts bounds re-read/re-diff cycles after a state conflict.
	maxConflictAttempts = 3
)

// Engine converges declared graphs against recorded state.
type Engine struct {
	registry *provider.Registry
	store    state.Store
	locks    lock.Manager
	tel      *telemetry
}

func NewEngine(registry *provider.Registry, store state.Store, locks lock.Manager) *Engine {
	return &Engine{
		registry: registry,
		store:    store,
		locks:    locks,
		tel:      newTelemetry(),
	}
}

// Options tune a single convergence session.
type Options struct {
	// Scope names the lock guarding the session.
	Scope string
	// Holder identifies the session in the lock; a random id if empty.
	Holder string
	Lease  time.Duration

	Parallelism int
	Retry       *RetryPolicy
	// CallTimeout bounds each provider call; a declaration's Timeout wins.
	CallTimeout time.Duration

	OnEvent ApplyCallback
}

func (o Options) withDefaults() Options {
	if o.Scope == "" {
		o.Scope = defaultScope
	}
	if o.Lease <= 0 {
		o.Lease = defaultLease
	}
	if o.Parallelism <= 0 {
		o.Parallelism = defaultParallelism
	}
	if o.Retry == nil {
		o.Retry = DefaultRetryPolicy()
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultTimeout
	}
	return o
}

// ApplyEvent represents a progress event during convergence.
type ApplyEvent struct {
	ID       string
	Action   ir.Action
	Status   string // "started", "completed", "failed", "blocked"
	Duration time.Duration
	Error    error
}

// ApplyCallback is called for each apply event if set.
type ApplyCallback func(event ApplyEvent)

// Status is the terminal state of one node in a session.
type Status string

const (
	StatusApplied Status = "Applied"
	StatusFailed  Status = "Failed"
	StatusBlocked Status = "Blocked"
	StatusNoOp    Status = "NoOp"
)

// Outcome records what happened to one node.
type Outcome struct {
	ID       string
	Action   ir.Action
	Status   Status
	Attempts int
	Err      error
	Duration time.Duration
}

// BlockedError explains why a node was never attempted.
type BlockedError struct {
	ID string
	// Prerequisite is the node whose failure blocked this one, if any.
	Prerequisite string
	Cause        error
}

func (e *BlockedError) Error() string {
	if e.Prerequisite != "" {
		return fmt.Sprintf("%s blocked by %s: %v", e.ID, e.Prerequisite, e.Cause)
	}
	return fmt.Sprintf("%s blocked: %v", e.ID, e.Cause)
}

func (e *BlockedError) Unwrap() error { return e.Cause }

// ErrPrerequisiteFailed is the cause recorded when a dependency did not
// converge.
var ErrPrerequisiteFailed = errors.New("prerequisite did not converge")

// Summary counts outcomes by status.
type Summary struct {
	Applied int
	Failed  int
	Blocked int
	NoOp    int
}

// Report is the result of a convergence session. Nodes that were applied
// stay committed regardless of other failures.
type Report struct {
	SessionID string
	Outcomes  []*Outcome
	Summary   Summary
	Duration  time.Duration
}

// Outcome returns the outcome recorded for id.
func (r *Report) Outcome(id string) (*Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.ID == id {
			return o, true
		}
	}
	return nil, false
}

// Succeeded reports whether every node ended Applied or NoOp.
func (r *Report) Succeeded() bool {
	return r.Summary.Failed == 0 && r.Summary.Blocked == 0
}

// Err aggregates the errors of failed and blocked nodes.
func (r *Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err == nil {
			continue
		}
		if o.Status == StatusFailed {
			errs = append(errs, fmt.Errorf("%s: %w", o.ID, o.Err))
		} else if o.Status == StatusBlocked {
			errs = append(errs, o.Err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%d node(s) did not converge: %w", len(errs), errors.Join(errs...))
}

func (r *Report) record(o *Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case StatusApplied:
		r.Summary.Applied++
	case StatusFailed:
		r.Summary.Failed++
	case StatusBlocked:
		r.Summary.Blocked++
	case StatusNoOp:
		r.Summary.NoOp++
	}
}

func (r *Report) sort() {
	sort.SliceStable(r.Outcomes, func(i, j int) bool { return r.Outcomes[i].ID < r.Outcomes[j].ID })
}

// String renders a one-line summary.
func (s Summary) String() string {
	parts := []string{
		fmt.Sprintf("%d applied", s.Applied),
		fmt.Sprintf("%d unchanged", s.NoOp),
	}
	if s.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", s.Failed))
	}
	if s.Blocked > 0 {
		parts = append(parts, fmt.Sprintf("%d blocked", s.Blocked))
	}
	return strings.Join(parts, ", ")
}
