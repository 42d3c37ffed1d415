package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/lock"
	"github.com/picklr-io/fleetform/internal/logging"
	"github.com/picklr-io/fleetform/internal/provider"
	"github.com/picklr-io/fleetform/internal/state"
)

// work is one schedulable unit: a declared node or an orphaned record.
type work struct {
	id      string
	res     *ir.Resource    // nil for orphans
	prior   *ir.ActualState // record read at session start, may be nil
	prereqs []string
}

func (w *work) orphan() bool { return w.res == nil }

// session carries the mutable state of one Converge call.
type session struct {
	e     *Engine
	opts  Options
	graph *Graph
	id    string

	mu    sync.Mutex
	known map[string]*ir.ActualState
}

// Converge drives recorded state toward the graph:
//  1. acquire the scope lock and keep it renewed
//  2. read every record and plan orphans for deletion
//  3. schedule nodes in dependency order across parallel workers
//  4. release the lock
//
// The returned error covers session-level failures only (lock contention,
// unreadable state). Node failures are reported in the Report.
func (e *Engine) Converge(ctx context.Context, g *Graph, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	if opts.Holder == "" {
		opts.Holder = uuid.NewString()
	}
	start := time.Now()

	ctx, span := tracer.Start(ctx, "engine.Converge", trace.WithAttributes(
		attribute.String("fleetform.scope", opts.Scope),
		attribute.String("fleetform.session_id", opts.Holder),
		attribute.Int("fleetform.node_count", g.Len()),
	))
	defer span.End()

	// 1. Lock
	l, err := e.locks.Acquire(ctx, opts.Scope, opts.Holder, opts.Lease)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock not acquired")
		return nil, fmt.Errorf("failed to acquire lock on scope %s: %w", opts.Scope, err)
	}
	logging.Info("lock acquired", "scope", opts.Scope, "session", opts.Holder, "token", l.Token)

	sessionCtx, cancel := context.WithCancelCause(ctx)
	stopRenew := make(chan struct{})
	renewed := make(chan *lock.Lock, 1)
	go func() { renewed <- e.renewLoop(sessionCtx, l, cancel, stopRenew) }()

	defer func() {
		close(stopRenew)
		final := <-renewed
		cancel(nil)
		releaseCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer done()
		if err := e.locks.Release(releaseCtx, final); err != nil {
			logging.Warn("failed to release lock", "scope", opts.Scope, "session", opts.Holder, "error", err)
			return
		}
		logging.Info("lock released", "scope", opts.Scope, "session", opts.Holder)
	}()

	// 2. Read state
	records, err := e.store.List(sessionCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "state unreadable")
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	s := &session{
		e:     e,
		opts:  opts,
		graph: g,
		id:    opts.Holder,
		known: make(map[string]*ir.ActualState, len(records)),
	}
	for _, r := range records {
		s.known[r.ID] = r
	}

	// 3. Schedule
	report := s.run(sessionCtx, s.buildWork(records))
	report.SessionID = opts.Holder
	report.Duration = time.Since(start)
	report.sort()

	e.tel.sessionFinished(ctx, opts.Scope, report)
	if report.Succeeded() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, report.Summary.String())
	}
	logging.Info("converge finished", "scope", opts.Scope, "session", opts.Holder,
		"applied", report.Summary.Applied, "noop", report.Summary.NoOp,
		"failed", report.Summary.Failed, "blocked", report.Summary.Blocked,
		"duration", report.Duration.String())
	return report, nil
}

// Destroy deletes every recorded resource in scope, dependents first.
func (e *Engine) Destroy(ctx context.Context, opts Options) (*Report, error) {
	empty, err := BuildGraph(nil)
	if err != nil {
		return nil, err
	}
	return e.Converge(ctx, empty, opts)
}

// renewLoop renews l every third of its lease until stop is closed. A failed
// renewal cancels the session. It returns the latest lease held.
func (e *Engine) renewLoop(ctx context.Context, l *lock.Lock, cancel context.CancelCauseFunc, stop <-chan struct{}) *lock.Lock {
	interval := l.Lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return l
		case <-ctx.Done():
			return l
		case <-ticker.C:
			next, err := e.locks.Renew(ctx, l)
			if err != nil {
				logging.Error("lock renewal failed, cancelling session", "scope", l.Scope, "session", l.Holder, "error", err)
				cancel(fmt.Errorf("lost lock on scope %s: %w", l.Scope, err))
				return l
			}
			l = next
		}
	}
}

// buildWork lists declared nodes in creation order followed by orphans.
// An orphan waits for every record whose stored dependencies include it.
func (s *session) buildWork(records []*ir.ActualState) []*work {
	var items []*work
	for _, id := range s.graph.CreationOrder() {
		res, _ := s.graph.Node(id)
		items = append(items, &work{
			id:      id,
			res:     res,
			prior:   s.known[id],
			prereqs: s.graph.Dependencies(id),
		})
	}

	var orphans []*work
	for _, r := range records {
		if _, declared := s.graph.Node(r.ID); declared {
			continue
		}
		w := &work{id: r.ID, prior: r}
		for _, other := range records {
			if other.ID != r.ID && other.DependsOn(r.ID) {
				w.prereqs = append(w.prereqs, other.ID)
			}
		}
		sort.Strings(w.prereqs)
		orphans = append(orphans, w)
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].id < orphans[j].id })
	return append(items, orphans...)
}

// run is the scheduler loop. It hands ready nodes to at most Parallelism
// workers, blocks nodes whose prerequisites did not converge, and stops
// dispatching once ctx is done.
func (s *session) run(ctx context.Context, items []*work) *Report {
	report := &Report{}
	status := make(map[string]Status, len(items))
	pending := make(map[string]*work, len(items))
	var queue []*work
	for _, w := range items {
		pending[w.id] = w
		queue = append(queue, w)
	}

	results := make(chan *Outcome)
	running := 0
	done := ctx.Done()

	finish := func(o *Outcome) {
		status[o.ID] = o.Status
		report.record(o)
	}

	for {
		// Sweep until nothing changes: blocking one node may block others.
		for changed := true; changed; {
			changed = false
			for _, w := range queue {
				if _, ok := pending[w.id]; !ok {
					continue
				}
				ready, blocker := checkPrereqs(w, status)
				if blocker != "" {
					delete(pending, w.id)
					o := s.blocked(w, blocker, ErrPrerequisiteFailed)
					s.emit(ApplyEvent{ID: w.id, Action: o.Action, Status: "blocked", Error: o.Err})
					finish(o)
					changed = true
					continue
				}
				if ready && ctx.Err() == nil && running < s.opts.Parallelism {
					delete(pending, w.id)
					running++
					go func(w *work) { results <- s.runNode(ctx, w) }(w)
				}
			}
		}

		if running == 0 {
			if len(pending) == 0 {
				break
			}
			cause := context.Cause(ctx)
			if cause == nil {
				cause = errors.New("recorded dependencies form a cycle")
			}
			for _, w := range queue {
				if _, ok := pending[w.id]; ok {
					delete(pending, w.id)
					o := s.blocked(w, "", cause)
					s.emit(ApplyEvent{ID: w.id, Action: o.Action, Status: "blocked", Error: o.Err})
					finish(o)
				}
			}
			break
		}

		select {
		case o := <-results:
			running--
			finish(o)
		case <-done:
			logging.Warn("session cancelled, waiting for in-flight nodes", "session", s.id, "in_flight", running, "cause", context.Cause(ctx))
			done = nil
		}
	}
	return report
}

// checkPrereqs reports whether w can start, or names the prerequisite that
// ended Failed or Blocked.
func checkPrereqs(w *work, status map[string]Status) (bool, string) {
	ready := true
	for _, p := range w.prereqs {
		st, finished := status[p]
		if !finished {
			ready = false
			continue
		}
		if st == StatusFailed || st == StatusBlocked {
			return false, p
		}
	}
	return ready, ""
}

func (s *session) blocked(w *work, prereq string, cause error) *Outcome {
	o := &Outcome{
		ID:     w.id,
		Status: StatusBlocked,
		Err:    &BlockedError{ID: w.id, Prerequisite: prereq, Cause: cause},
	}
	if w.orphan() {
		o.Action = ir.ActionDelete
	}
	s.e.tel.nodeFinished(context.Background(), o, false)
	return o
}

func (s *session) emit(ev ApplyEvent) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

func (s *session) lookup(id string) *ir.ActualState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known[id]
}

func (s *session) remember(st *ir.ActualState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known[st.ID] = st
}

func (s *session) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.known, id)
}

// callTimeout is the per-call bound for a node.
func (s *session) callTimeout(res *ir.Resource) time.Duration {
	if res != nil && res.Timeout != "" {
		if d, err := time.ParseDuration(res.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return s.opts.CallTimeout
}

// runNode converges one node. ctx is the session context: once a node has
// started, its provider calls and state writes run on a detached context
// bounded by the call timeout so cancellation never abandons a half-applied
// resource, while retries stop as soon as ctx is done.
func (s *session) runNode(ctx context.Context, w *work) *Outcome {
	start := time.Now()
	nodeCtx, span := tracer.Start(context.WithoutCancel(ctx), "engine.Node", trace.WithAttributes(
		attribute.String("fleetform.node", w.id),
		attribute.StringSlice("fleetform.prerequisites", w.prereqs),
		attribute.String("fleetform.session_id", s.id),
	))
	defer span.End()
	s.e.tel.nodeStarted(nodeCtx)

	var o *Outcome
	if w.orphan() {
		o = s.deleteOrphan(ctx, nodeCtx, w)
	} else {
		o = s.applyDeclared(ctx, nodeCtx, w)
	}
	o.Duration = time.Since(start)

	switch o.Status {
	case StatusFailed:
		span.RecordError(o.Err)
		span.SetStatus(codes.Error, o.Err.Error())
		s.emit(ApplyEvent{ID: w.id, Action: o.Action, Status: "failed", Duration: o.Duration, Error: o.Err})
		logging.Error("node failed", "id", w.id, "action", string(o.Action), "attempts", o.Attempts, "error", o.Err)
	case StatusBlocked:
		span.SetStatus(codes.Error, o.Err.Error())
		s.emit(ApplyEvent{ID: w.id, Action: o.Action, Status: "blocked", Duration: o.Duration, Error: o.Err})
		logging.Warn("node blocked", "id", w.id, "error", o.Err)
	default:
		span.SetStatus(codes.Ok, "")
		s.emit(ApplyEvent{ID: w.id, Action: o.Action, Status: "completed", Duration: o.Duration})
		logging.Debug("node converged", "id", w.id, "action", string(o.Action), "status", string(o.Status))
	}
	s.e.tel.nodeFinished(nodeCtx, o, true)
	return o
}

func (s *session) applyDeclared(ctx, nodeCtx context.Context, w *work) *Outcome {
	res := w.res
	o := &Outcome{ID: w.id}
	prior := w.prior
	applied := false
	deps := s.graph.Dependencies(w.id)
	timeout := s.callTimeout(res)

	var lastConflict error
	for round := 0; round < maxConflictAttempts; round++ {
		if round > 0 {
			// Re-read after a conflict and diff again.
			var err error
			readCtx, cancel := WithTimeout(nodeCtx, timeout)
			prior, err = s.e.store.Read(readCtx, w.id)
			cancel()
			if err != nil {
				return failed(o, fmt.Errorf("failed to re-read state: %w", err))
			}
		}

		resolved, err := s.resolve(res)
		if err != nil {
			o.Status = StatusBlocked
			o.Err = &BlockedError{ID: w.id, Cause: err}
			return o
		}
		fp, err := Fingerprint(res, resolved)
		if err != nil {
			return failed(o, err)
		}

		preventDestroy := res.Lifecycle != nil && res.Lifecycle.PreventDestroy
		if prior != nil && prior.Fingerprint == fp {
			if o.Action == "" {
				o.Action = ir.ActionNoOp
			}
			if sameStrings(prior.Dependencies, deps) && prior.PreventDestroy == preventDestroy {
				s.remember(prior)
				o.Status = statusAfter(applied)
				return o
			}
			// Nothing to apply, but the record's edges are stale.
			refreshed := *prior
			refreshed.Dependencies = append([]string{}, deps...)
			refreshed.PreventDestroy = preventDestroy
			refreshed.UpdatedAt = time.Now().UTC()
			if err := s.write(nodeCtx, timeout, w.id, &refreshed, prior.Version); err != nil {
				if isConflict(err) {
					lastConflict = err
					continue
				}
				return failed(o, err)
			}
			o.Status = statusAfter(applied)
			return o
		}

		action := ir.ActionCreate
		if prior != nil {
			action = ir.ActionUpdate
		}
		o.Action = action
		if round == 0 {
			s.emit(ApplyEvent{ID: w.id, Action: action, Status: "started"})
		}

		p, err := s.e.registry.Get(res.Provider)
		if err != nil {
			return failed(o, provider.Permanent("lookup", err))
		}

		attrs := resolved
		if action == ir.ActionUpdate {
			attrs = withoutIgnored(res, resolved)
		}
		var result *provider.Result
		err = RetryWithBackoff(ctx, s.opts.Retry, func() error {
			o.Attempts++
			callCtx, cancel := WithTimeout(nodeCtx, timeout)
			defer cancel()
			r, err := p.Apply(callCtx, res, action, attrs)
			if err != nil {
				logging.Debug("provider apply failed", "id", w.id, "attempt", o.Attempts, "error", err)
				return err
			}
			result = r
			return nil
		}, IsTransientError)
		if err != nil {
			return failed(o, fmt.Errorf("%s failed: %w", action, err))
		}
		applied = true

		st := &ir.ActualState{
			ID:             w.id,
			Kind:           res.Kind,
			Provider:       res.Provider,
			Inputs:         storedInputs(res, resolved, prior),
			Fingerprint:    fp,
			Dependencies:   append([]string{}, deps...),
			UpdatedAt:      time.Now().UTC(),
			PreventDestroy: preventDestroy,
		}
		if result != nil {
			st.Attributes = result.Attributes
		}
		var expected int64
		if prior != nil {
			expected = prior.Version
		}
		if err := s.write(nodeCtx, timeout, w.id, st, expected); err != nil {
			if isConflict(err) {
				logging.Warn("state conflict, re-reading", "id", w.id, "round", round+1, "error", err)
				lastConflict = err
				continue
			}
			return failed(o, err)
		}
		o.Status = StatusApplied
		return o
	}
	return failed(o, fmt.Errorf("gave up after %d state conflicts: %w", maxConflictAttempts, lastConflict))
}

func (s *session) deleteOrphan(ctx, nodeCtx context.Context, w *work) *Outcome {
	o := &Outcome{ID: w.id, Action: ir.ActionDelete}
	prior := w.prior
	timeout := s.callTimeout(nil)

	if prior.PreventDestroy {
		return failed(o, provider.Permanent("delete", fmt.Errorf("%s has prevent_destroy set but is no longer declared", w.id)))
	}
	s.emit(ApplyEvent{ID: w.id, Action: ir.ActionDelete, Status: "started"})

	var lastConflict error
	for round := 0; round < maxConflictAttempts; round++ {
		p, err := s.e.registry.Get(prior.Provider)
		if err != nil {
			return failed(o, provider.Permanent("lookup", err))
		}
		err = RetryWithBackoff(ctx, s.opts.Retry, func() error {
			o.Attempts++
			callCtx, cancel := WithTimeout(nodeCtx, timeout)
			defer cancel()
			return p.Delete(callCtx, prior)
		}, IsTransientError)
		if err != nil {
			return failed(o, fmt.Errorf("DELETE failed: %w", err))
		}

		storeCtx, cancel := WithTimeout(nodeCtx, timeout)
		err = s.e.store.Delete(storeCtx, w.id, prior.Version)
		cancel()
		if err == nil {
			s.forget(w.id)
			o.Status = StatusApplied
			return o
		}
		if !isConflict(err) {
			return failed(o, fmt.Errorf("failed to delete state: %w", err))
		}
		lastConflict = err

		readCtx, cancel := WithTimeout(nodeCtx, timeout)
		current, rerr := s.e.store.Read(readCtx, w.id)
		cancel()
		if rerr != nil {
			return failed(o, fmt.Errorf("failed to re-read state: %w", rerr))
		}
		if current == nil {
			s.forget(w.id)
			o.Status = StatusApplied
			return o
		}
		prior = current
	}
	return failed(o, fmt.Errorf("gave up after %d state conflicts: %w", maxConflictAttempts, lastConflict))
}

func (s *session) write(ctx context.Context, timeout time.Duration, id string, st *ir.ActualState, expected int64) error {
	writeCtx, cancel := WithTimeout(ctx, timeout)
	defer cancel()
	v, err := s.e.store.Write(writeCtx, id, st, expected)
	if err != nil {
		return err
	}
	st.ID = id
	st.Version = v
	s.remember(st)
	return nil
}

func failed(o *Outcome, err error) *Outcome {
	o.Status = StatusFailed
	o.Err = err
	return o
}

func statusAfter(applied bool) Status {
	if applied {
		return StatusApplied
	}
	return StatusNoOp
}

func isConflict(err error) bool {
	var ce *state.ConflictError
	return errors.As(err, &ce)
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// withoutIgnored drops ignored keys so an update leaves them untouched.
func withoutIgnored(res *ir.Resource, resolved map[string]any) map[string]any {
	if res.Lifecycle == nil || len(res.Lifecycle.IgnoreChanges) == 0 {
		return resolved
	}
	out := make(map[string]any, len(resolved))
	for k, v := range resolved {
		if !res.Ignores(k) {
			out[k] = v
		}
	}
	return out
}

// storedInputs keeps the previously recorded value of ignored keys.
func storedInputs(res *ir.Resource, resolved map[string]any, prior *ir.ActualState) map[string]any {
	out := make(map[string]any, len(resolved))
	for k, v := range resolved {
		out[k] = v
	}
	if prior == nil {
		return out
	}
	for k, v := range prior.Inputs {
		if res.Ignores(k) {
			out[k] = v
		}
	}
	return out
}

// resolve substitutes every ref:// value with the referenced attribute of a
// converged dependency.
func (s *session) resolve(res *ir.Resource) (map[string]any, error) {
	out, err := resolveValue(res.Properties, func(id, attr string) (any, error) {
		dep := s.lookup(id)
		if dep == nil {
			return nil, fmt.Errorf("reference to %s: no recorded state", id)
		}
		v, ok := dep.Lookup(attr)
		if !ok {
			return nil, fmt.Errorf("reference to %s: attribute %q not found", id, attr)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func resolveValue(val any, lookup func(id, attr string) (any, error)) (any, error) {
	switch v := val.(type) {
	case string:
		id, attr, ok := parseRef(v)
		if !ok {
			return v, nil
		}
		return lookup(id, attr)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := resolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := resolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprintf("%v", k)] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := resolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}
