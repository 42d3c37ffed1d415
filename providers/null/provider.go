// Package null is an in-memory provider. It records every resource it is
// asked to apply and simulates fleets of instances, which makes it the
// default provider for local runs and tests.
package null

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/logging"
	"github.com/picklr-io/fleetform/internal/provider"
)

// Name is the registry name of this provider.
const Name = "null"

// ErrNotFound is returned for unknown fleets and instances.
var ErrNotFound = errors.New("not found")

type instance struct {
	id         string
	launchedAt time.Time
	health     provider.Health
}

type fleet struct {
	id        string
	desired   int
	instances []*instance
}

type stream struct {
	samples chan ir.MetricSample
	errs    chan error
	done    chan struct{}
}

// Provider keeps everything in memory. It is safe for concurrent use.
type Provider struct {
	mu         sync.Mutex
	resources  map[string]map[string]any
	fleets     map[string]*fleet
	registered map[string]map[string]bool
	streams    map[string][]*stream
	failures   map[string][]error

	// LaunchHealth is the probe result given to newly launched instances.
	LaunchHealth provider.Health
	now          func() time.Time
}

func New() *Provider {
	return &Provider{
		resources:    make(map[string]map[string]any),
		fleets:       make(map[string]*fleet),
		registered:   make(map[string]map[string]bool),
		streams:      make(map[string][]*stream),
		failures:     make(map[string][]error),
		LaunchHealth: provider.Healthy,
		now:          time.Now,
	}
}

// Factory builds a null provider for the registry. The only recognised
// option is launch_health.
func Factory(cfg map[string]string) (provider.Provider, error) {
	p := New()
	if h, ok := cfg["launch_health"]; ok {
		switch provider.Health(h) {
		case provider.Healthy, provider.Unhealthy, provider.Unknown:
			p.LaunchHealth = provider.Health(h)
		default:
			return nil, fmt.Errorf("invalid launch_health %q", h)
		}
	}
	return p, nil
}

// FailNext makes the next len(errs) Apply or Delete calls for id return
// errs in order.
func (p *Provider) FailNext(id string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[id] = append(p.failures[id], errs...)
}

func (p *Provider) popFailure(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	errs := p.failures[id]
	if len(errs) == 0 {
		return nil
	}
	p.failures[id] = errs[1:]
	return errs[0]
}

func (p *Provider) Apply(ctx context.Context, node *ir.Resource, action ir.Action, attrs map[string]any) (*provider.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, provider.Transient("apply", err)
	}
	if err := p.popFailure(node.ID); err != nil {
		return nil, err
	}

	if node.Kind == ir.FleetKind {
		return p.applyFleet(node, action, attrs)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	stored := make(map[string]any, len(attrs))
	if action == ir.ActionUpdate {
		for k, v := range p.resources[node.ID] {
			stored[k] = v
		}
	}
	for k, v := range attrs {
		stored[k] = v
	}
	p.resources[node.ID] = stored

	out := make(map[string]any, len(stored)+1)
	for k, v := range stored {
		out[k] = v
	}
	out["id"] = "null-" + node.ID
	return &provider.Result{Attributes: out}, nil
}

func (p *Provider) applyFleet(node *ir.Resource, action ir.Action, attrs map[string]any) (*provider.Result, error) {
	name := node.ID
	if v, ok := attrs["name"].(string); ok && v != "" {
		name = v
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	f, exists := p.fleets[name]
	if !exists {
		f = &fleet{id: name}
		p.fleets[name] = f
	}
	// desired_capacity is absent on updates when the controller owns it.
	if raw, ok := attrs["desired_capacity"]; ok {
		n, err := toInt(raw)
		if err != nil {
			return nil, provider.Permanent("apply", fmt.Errorf("desired_capacity: %w", err))
		}
		p.resizeLocked(f, n)
	} else if !exists && action == ir.ActionCreate {
		if n, err := toInt(attrs["min_size"]); err == nil {
			p.resizeLocked(f, n)
		}
	}
	p.resources[node.ID] = attrs

	return &provider.Result{Attributes: map[string]any{
		"id":               name,
		"fleet_id":         name,
		"desired_capacity": f.desired,
	}}, nil
}

func (p *Provider) Delete(ctx context.Context, prior *ir.ActualState) error {
	if err := ctx.Err(); err != nil {
		return provider.Transient("delete", err)
	}
	if err := p.popFailure(prior.ID); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.resources, prior.ID)
	if prior.Kind == ir.FleetKind {
		if id, ok := prior.Attributes["fleet_id"].(string); ok {
			delete(p.fleets, id)
			delete(p.registered, id)
		}
	}
	return nil
}

// Resource returns what was last applied for id.
func (p *Provider) Resource(id string) (map[string]any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.resources[id]
	return r, ok
}

// Resources lists the ids of every live resource.
func (p *Provider) Resources() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.resources))
	for id := range p.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddFleet creates a fleet directly, bypassing Apply.
func (p *Provider) AddFleet(fleetID string, desired int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := &fleet{id: fleetID}
	p.fleets[fleetID] = f
	p.resizeLocked(f, desired)
}

// resizeLocked launches or removes (newest first) instances until the fleet
// has n members.
func (p *Provider) resizeLocked(f *fleet, n int) {
	if n < 0 {
		n = 0
	}
	f.desired = n
	for len(f.instances) < n {
		f.instances = append(f.instances, &instance{
			id:         "i-" + uuid.NewString()[:8],
			launchedAt: p.now(),
			health:     p.LaunchHealth,
		})
	}
	if len(f.instances) > n {
		f.instances = f.instances[:n]
	}
}

func (p *Provider) DescribeHealth(ctx context.Context, instanceID string) (provider.Health, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.fleets {
		for _, in := range f.instances {
			if in.id == instanceID {
				return in.health, nil
			}
		}
	}
	return provider.Unknown, fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
}

// SetHealth scripts the probe result of one instance.
func (p *Provider) SetHealth(instanceID string, h provider.Health) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.fleets {
		for _, in := range f.instances {
			if in.id == instanceID {
				in.health = h
				return nil
			}
		}
	}
	return fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
}

func (p *Provider) SetFleetDesiredCapacity(ctx context.Context, fleetID string, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.fleets[fleetID]
	if !ok {
		return provider.Permanent("set desired capacity", fmt.Errorf("fleet %s: %w", fleetID, ErrNotFound))
	}
	logging.Debug("null fleet resized", "fleet", fleetID, "from", f.desired, "to", n)
	p.resizeLocked(f, n)
	return nil
}

// DesiredCapacity reports the capacity last set for a fleet.
func (p *Provider) DesiredCapacity(fleetID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.fleets[fleetID]
	if !ok {
		return 0, false
	}
	return f.desired, true
}

func (p *Provider) ListInstances(ctx context.Context, fleetID string) ([]provider.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.fleets[fleetID]
	if !ok {
		return nil, provider.Permanent("list instances", fmt.Errorf("fleet %s: %w", fleetID, ErrNotFound))
	}
	out := make([]provider.Instance, 0, len(f.instances))
	for _, in := range f.instances {
		out = append(out, provider.Instance{ID: in.id, LaunchedAt: in.launchedAt})
	}
	return out, nil
}

// TerminateInstance removes the instance without replacing it. A later
// SetFleetDesiredCapacity restores the count.
func (p *Provider) TerminateInstance(ctx context.Context, fleetID, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.fleets[fleetID]
	if !ok {
		return provider.Permanent("terminate instance", fmt.Errorf("fleet %s: %w", fleetID, ErrNotFound))
	}
	for i, in := range f.instances {
		if in.id == instanceID {
			f.instances = append(f.instances[:i], f.instances[i+1:]...)
			if reg := p.registered[fleetID]; reg != nil {
				delete(reg, instanceID)
			}
			return nil
		}
	}
	return provider.Permanent("terminate instance", fmt.Errorf("instance %s: %w", instanceID, ErrNotFound))
}

func (p *Provider) Register(ctx context.Context, fleetID, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg := p.registered[fleetID]
	if reg == nil {
		reg = make(map[string]bool)
		p.registered[fleetID] = reg
	}
	reg[instanceID] = true
	return nil
}

func (p *Provider) Deregister(ctx context.Context, fleetID, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.registered[fleetID], instanceID)
	return nil
}

// Registered lists the instances currently receiving traffic for a fleet.
func (p *Provider) Registered(fleetID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.registered[fleetID]))
	for id := range p.registered[fleetID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func streamKey(fleetID, metric string) string { return fleetID + "/" + metric }

// StreamMetric returns a stream fed by Publish and ended by Disconnect or
// ctx cancellation.
func (p *Provider) StreamMetric(ctx context.Context, fleetID, metric string) (<-chan ir.MetricSample, <-chan error) {
	s := &stream{
		samples: make(chan ir.MetricSample, 64),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	key := streamKey(fleetID, metric)

	p.mu.Lock()
	p.streams[key] = append(p.streams[key], s)
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.detachLocked(key, s) {
			close(s.samples)
			close(s.errs)
		}
	}()
	return s.samples, s.errs
}

// detachLocked removes s from the open streams and reports whether it was
// still attached.
func (p *Provider) detachLocked(key string, s *stream) bool {
	list := p.streams[key]
	for i, cur := range list {
		if cur == s {
			p.streams[key] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers a sample to every open stream for the fleet metric and
// reports how many received it.
func (p *Provider) Publish(fleetID, metric string, sample ir.MetricSample) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.streams[streamKey(fleetID, metric)] {
		select {
		case s.samples <- sample:
			n++
		default:
			logging.Warn("null metric stream full, dropping sample", "fleet", fleetID, "metric", metric)
		}
	}
	return n
}

// Subscribers reports how many streams are open for the fleet metric.
func (p *Provider) Subscribers(fleetID, metric string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams[streamKey(fleetID, metric)])
}

// Disconnect breaks every open stream for the fleet metric with err.
func (p *Provider) Disconnect(fleetID, metric string, err error) {
	key := streamKey(fleetID, metric)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range append([]*stream(nil), p.streams[key]...) {
		p.detachLocked(key, s)
		if err != nil {
			s.errs <- err
		}
		close(s.samples)
		close(s.errs)
		close(s.done)
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	case nil:
		return 0, errors.New("missing value")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.FleetProvider = (*Provider)(nil)
	_ provider.Router        = (*Provider)(nil)
)
