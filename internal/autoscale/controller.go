package autoscale

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/logging"
	"github.com/picklr-io/fleetform/internal/provider"
)

const (
	DefaultPeriod         = time.Minute
	DefaultHealthInterval = 30 * time.Second
	DefaultGrace          = 5 * time.Minute

	defaultStreamBackoff    = time.Second
	defaultStreamBackoffMax = 30 * time.Second
	decisionHistory         = 20
)

// AlarmSpec declares one alarm of a fleet.
type AlarmSpec struct {
	Name      string
	Threshold float64
	Operator  Operator
	Periods   int
}

// PolicySpec declares one scaling policy bound to an alarm.
type PolicySpec struct {
	Name       string
	Alarm      string
	Adjustment int
	Cooldown   time.Duration
}

// FleetSpec is everything the controller needs to manage one fleet.
type FleetSpec struct {
	// Name is the fleet's node id in the desired-state graph.
	Name string
	// FleetID is the provider-side identifier; Name when empty.
	FleetID  string
	Provider string
	Capacity Capacity

	Metric         string
	Statistic      Statistic
	Period         time.Duration
	HealthInterval time.Duration
	Grace          time.Duration
	// FailureThreshold trips the failsafe after this many failed launches or
	// capacity changes. Zero disables it.
	FailureThreshold int

	// Properties are passed through to the provider in the fleet declaration.
	Properties map[string]any

	Alarms   []AlarmSpec
	Policies []PolicySpec
}

func (s FleetSpec) fleetID() string {
	if s.FleetID != "" {
		return s.FleetID
	}
	return s.Name
}

func (s FleetSpec) withDefaults() FleetSpec {
	if s.Statistic == "" {
		s.Statistic = Average
	}
	if s.Period <= 0 {
		s.Period = DefaultPeriod
	}
	if s.HealthInterval <= 0 {
		s.HealthInterval = DefaultHealthInterval
	}
	if s.Grace <= 0 {
		s.Grace = DefaultGrace
	}
	return s
}

// Validate checks the spec for internal consistency.
func (s FleetSpec) Validate() error {
	if s.Name == "" {
		return errors.New("fleet name is required")
	}
	if s.Metric == "" {
		return fmt.Errorf("fleet %s: metric is required", s.Name)
	}
	if err := s.Capacity.Validate(); err != nil {
		return fmt.Errorf("fleet %s: %w", s.Name, err)
	}
	if s.Statistic != "" {
		if err := s.Statistic.Validate(); err != nil {
			return fmt.Errorf("fleet %s: %w", s.Name, err)
		}
	}
	alarms := make(map[string]bool, len(s.Alarms))
	for _, a := range s.Alarms {
		if alarms[a.Name] {
			return fmt.Errorf("fleet %s: duplicate alarm %q", s.Name, a.Name)
		}
		alarms[a.Name] = true
	}
	policies := make(map[string]bool, len(s.Policies))
	for _, p := range s.Policies {
		if p.Name == "" {
			return fmt.Errorf("fleet %s: policy name is required", s.Name)
		}
		if policies[p.Name] {
			return fmt.Errorf("fleet %s: duplicate policy %q", s.Name, p.Name)
		}
		policies[p.Name] = true
		if !alarms[p.Alarm] {
			return fmt.Errorf("fleet %s: policy %s is bound to unknown alarm %q", s.Name, p.Name, p.Alarm)
		}
		if p.Cooldown < 0 {
			return fmt.Errorf("fleet %s: policy %s has a negative cooldown", s.Name, p.Name)
		}
	}
	return nil
}

// Declaration renders the fleet as a node of the desired-state graph.
// desired_capacity is ignored on updates so convergence never undoes a
// scaling action.
func Declaration(spec FleetSpec) *ir.Resource {
	props := make(map[string]any, len(spec.Properties)+4)
	for k, v := range spec.Properties {
		props[k] = v
	}
	props["name"] = spec.fleetID()
	props["min_size"] = spec.Capacity.Min
	props["max_size"] = spec.Capacity.Max
	props["desired_capacity"] = spec.Capacity.Clamp(spec.Capacity.Desired)
	return &ir.Resource{
		ID:         spec.Name,
		Kind:       ir.FleetKind,
		Provider:   spec.Provider,
		Properties: props,
		Lifecycle:  &ir.Lifecycle{IgnoreChanges: []string{"desired_capacity"}},
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithRouter registers InService instances with r.
func WithRouter(r provider.Router) Option {
	return func(c *Controller) { c.router = r }
}

// WithMetrics publishes controller state to m.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithStreamBackoff bounds the delay between metric stream reconnects.
func WithStreamBackoff(base, max time.Duration) Option {
	return func(c *Controller) {
		c.streamBackoff = base
		c.streamBackoffMax = max
	}
}

// Controller runs the closed scaling loop for one fleet.
type Controller struct {
	spec   FleetSpec
	fp     provider.FleetProvider
	router provider.Router

	metrics          *Metrics
	now              func() time.Time
	streamBackoff    time.Duration
	streamBackoffMax time.Duration

	bufMu  sync.Mutex
	buffer []float64

	// probeMu serialises health probes; mu guards state and is never held
	// across a probe's provider calls.
	probeMu sync.Mutex

	mu        sync.Mutex
	fleet     *Fleet
	alarms    []*Alarm
	policies  []*Policy
	failures  int
	failsafe  bool
	streaming bool
	lastValue *float64
	decisions []Decision
}

func NewController(spec FleetSpec, fp provider.FleetProvider, opts ...Option) (*Controller, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	spec = spec.withDefaults()

	fleet, err := NewFleet(spec.Name, spec.Capacity)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		spec:             spec,
		fp:               fp,
		fleet:            fleet,
		now:              time.Now,
		streamBackoff:    defaultStreamBackoff,
		streamBackoffMax: defaultStreamBackoffMax,
	}
	for _, as := range spec.Alarms {
		a, err := NewAlarm(as.Name, as.Threshold, as.Operator, as.Periods)
		if err != nil {
			return nil, fmt.Errorf("fleet %s: %w", spec.Name, err)
		}
		c.alarms = append(c.alarms, a)
	}
	for _, ps := range spec.Policies {
		c.policies = append(c.policies, &Policy{
			Name:       ps.Name,
			Alarm:      ps.Alarm,
			Adjustment: ps.Adjustment,
			Cooldown:   ps.Cooldown,
		})
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics.recordFleet(c.fleet, false)
	return c, nil
}

func (c *Controller) Name() string { return c.spec.Name }

// Declaration renders the controller's fleet as a graph node.
func (c *Controller) Declaration() *ir.Resource { return Declaration(c.spec) }

// Run drives the loop until ctx is cancelled: the metric stream feeds the
// current period, every Period the alarms are evaluated, and every
// HealthInterval the members are probed.
func (c *Controller) Run(ctx context.Context) error {
	logging.Info("autoscaling controller started", "fleet", c.spec.Name,
		"metric", c.spec.Metric, "period", c.spec.Period.String(),
		"min", c.spec.Capacity.Min, "max", c.spec.Capacity.Max)

	if err := c.ProbeHealth(ctx); err != nil {
		logging.Warn("initial health probe failed", "fleet", c.spec.Name, "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.streamLoop(ctx)
		return nil
	})
	g.Go(func() error {
		every(ctx, c.spec.Period, func() { c.EvaluatePeriod(ctx) })
		return nil
	})
	g.Go(func() error {
		every(ctx, c.spec.HealthInterval, func() {
			if err := c.ProbeHealth(ctx); err != nil && ctx.Err() == nil {
				logging.Warn("health probe failed", "fleet", c.spec.Name, "error", err)
			}
		})
		return nil
	})
	err := g.Wait()
	logging.Info("autoscaling controller stopped", "fleet", c.spec.Name)
	return err
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// streamLoop keeps the metric stream open, reconnecting with backoff.
func (c *Controller) streamLoop(ctx context.Context) {
	attempt := 0
	for {
		c.setStreaming(true)
		received, err := c.consume(ctx)
		c.setStreaming(false)
		if ctx.Err() != nil {
			return
		}
		if received {
			attempt = 0
		}
		delay := restartDelay(attempt, c.streamBackoff, c.streamBackoffMax)
		attempt++
		c.metrics.recordRestart(c.spec.Name)
		logging.Warn("metric stream ended, reconnecting", "fleet", c.spec.Name,
			"metric", c.spec.Metric, "attempt", attempt, "delay", delay.String(), "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// consume reads one stream until it ends and reports whether any sample
// arrived.
func (c *Controller) consume(ctx context.Context) (bool, error) {
	samples, errs := c.fp.StreamMetric(ctx, c.spec.fleetID(), c.spec.Metric)
	received := false
	var streamErr error
	for samples != nil || errs != nil {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case s, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			received = true
			c.Observe(s)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			streamErr = err
		}
	}
	return received, streamErr
}

// restartDelay is exponential backoff with full jitter.
func restartDelay(attempt int, base, max time.Duration) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	return time.Duration(rand.Float64() * backoff)
}

func (c *Controller) setStreaming(v bool) {
	c.mu.Lock()
	c.streaming = v
	c.mu.Unlock()
}

// Observe adds a sample to the current evaluation period.
func (c *Controller) Observe(s ir.MetricSample) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	c.buffer = append(c.buffer, s.Value)
}

// EvaluatePeriod closes the current period: its samples are aggregated and
// fed to every alarm, and policies bound to an alarm that entered ALARM
// fire. It returns the decisions taken.
func (c *Controller) EvaluatePeriod(ctx context.Context) []Decision {
	c.bufMu.Lock()
	values := c.buffer
	c.buffer = nil
	c.bufMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	agg, ok := c.spec.Statistic.Aggregate(values)
	if ok {
		c.lastValue = &agg
		c.metrics.recordAggregate(c.spec.Name, c.spec.Metric, agg)
	} else {
		c.lastValue = nil
		logging.Debug("no samples in period", "fleet", c.spec.Name, "metric", c.spec.Metric)
	}

	var decisions []Decision
	for _, a := range c.alarms {
		var tr Transition
		if ok {
			tr = a.Observe(agg)
		} else {
			tr = a.ObserveMissing()
		}
		c.metrics.recordAlarm(c.spec.Name, a)
		if tr.Changed() {
			logging.Info("alarm state changed", "fleet", c.spec.Name, "alarm", a.Name,
				"from", string(tr.From), "to", string(tr.To), "value", agg)
		}
		if !tr.Entered(StatusAlarm) {
			continue
		}
		for _, p := range c.policies {
			if p.Alarm != a.Name {
				continue
			}
			decisions = append(decisions, c.fireLocked(ctx, now, p))
		}
	}
	c.metrics.recordFleet(c.fleet, c.failsafe)
	return decisions
}

func (c *Controller) fireLocked(ctx context.Context, now time.Time, p *Policy) Decision {
	if c.failsafe {
		d := Decision{Policy: p.Name, At: now, From: c.fleet.Capacity.Desired, To: c.fleet.Capacity.Desired, Blocked: true}
		c.remember(d)
		c.metrics.recordDecision(c.spec.Name, d, nil)
		logging.Warn("scaling blocked by failsafe", "fleet", c.spec.Name, "policy", p.Name)
		return d
	}

	d, err := p.Fire(now, c.fleet.Capacity, func(n int) error {
		return c.fp.SetFleetDesiredCapacity(ctx, c.spec.fleetID(), n)
	})
	c.metrics.recordDecision(c.spec.Name, d, err)
	c.remember(d)
	switch {
	case err != nil:
		logging.Error("scaling action failed", "fleet", c.spec.Name, "policy", p.Name, "error", err)
		c.recordFailureLocked()
	case d.Changed():
		c.fleet.SetDesired(d.To)
		logging.Info("fleet scaled", "fleet", c.spec.Name, "policy", p.Name,
			"from", d.From, "to", d.To, "cooldown", p.Cooldown.String())
	case d.Suppressed:
		logging.Info("scaling suppressed by cooldown", "fleet", c.spec.Name, "policy", p.Name,
			"remaining", p.CooldownRemaining(now).String())
	default:
		logging.Debug("scaling bound reached", "fleet", c.spec.Name, "policy", p.Name, "desired", d.From)
	}
	return d
}

func (c *Controller) remember(d Decision) {
	c.decisions = append(c.decisions, d)
	if len(c.decisions) > decisionHistory {
		c.decisions = c.decisions[len(c.decisions)-decisionHistory:]
	}
}

func (c *Controller) recordFailureLocked() {
	c.failures++
	if c.spec.FailureThreshold > 0 && c.failures >= c.spec.FailureThreshold && !c.failsafe {
		c.failsafe = true
		logging.Error("failsafe tripped, scaling disabled", "fleet", c.spec.Name,
			"failures", c.failures, "threshold", c.spec.FailureThreshold)
	}
}

// ResetFailsafe re-enables scaling after an operator has investigated.
func (c *Controller) ResetFailsafe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failsafe = false
	c.failures = 0
	c.metrics.recordFleet(c.fleet, false)
	logging.Info("failsafe reset", "fleet", c.spec.Name)
}

// ProbeHealth syncs the member list, probes every Pending and InService
// instance, terminates Unhealthy ones and requests replacements. Provider
// calls run without holding the state lock so evaluation and status reads
// proceed during a slow probe.
func (c *Controller) ProbeHealth(ctx context.Context) error {
	c.probeMu.Lock()
	defer c.probeMu.Unlock()

	fleetID := c.spec.fleetID()

	// 1. Sync membership
	listed, err := c.fp.ListInstances(ctx, fleetID)
	if err != nil {
		return fmt.Errorf("failed to list instances of %s: %w", fleetID, err)
	}
	c.mu.Lock()
	added, gone := c.fleet.Sync(c.now(), listed)
	var probed []Instance
	for _, in := range c.fleet.Instances() {
		if in.State == Pending || in.State == InService {
			probed = append(probed, in)
		}
	}
	c.mu.Unlock()

	for _, id := range added {
		logging.Debug("instance joined", "fleet", c.spec.Name, "instance", id)
	}
	for _, id := range gone {
		c.deregister(ctx, fleetID, id)
	}

	// 2. Probe
	health := make(map[string]provider.Health, len(probed))
	for _, in := range probed {
		h, err := c.fp.DescribeHealth(ctx, in.ID)
		if err != nil {
			logging.Debug("health probe error", "fleet", c.spec.Name, "instance", in.ID, "error", err)
			h = provider.Unknown
		}
		health[in.ID] = h
	}

	var errs []error
	var toRegister, toDeregister []string
	c.mu.Lock()
	now := c.now()
	for _, in := range probed {
		h := health[in.ID]
		next, err := c.fleet.ObserveHealth(now, in.ID, h, c.spec.Grace)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if next == in.State {
			continue
		}
		logging.Info("instance state changed", "fleet", c.spec.Name, "instance", in.ID,
			"from", string(in.State), "to", string(next), "health", string(h))
		switch {
		case next == InService:
			toRegister = append(toRegister, in.ID)
		case in.State == InService:
			toDeregister = append(toDeregister, in.ID)
		default:
			// Never became healthy within the grace period.
			c.recordFailureLocked()
		}
	}
	for _, id := range c.fleet.InState(Unhealthy) {
		if err := c.fleet.Transition(now, id, Terminating); err != nil {
			errs = append(errs, err)
		}
	}
	terminating := c.fleet.InState(Terminating)
	c.mu.Unlock()

	for _, id := range toRegister {
		c.register(ctx, fleetID, id)
	}
	for _, id := range toDeregister {
		c.deregister(ctx, fleetID, id)
	}

	// 3. Replace
	var terminated []string
	for _, id := range terminating {
		if err := c.fp.TerminateInstance(ctx, fleetID, id); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate %s: %w", id, err))
			continue
		}
		terminated = append(terminated, id)
	}

	c.mu.Lock()
	now = c.now()
	replaced := 0
	for _, id := range terminated {
		if err := c.fleet.Transition(now, id, Terminated); err != nil {
			errs = append(errs, err)
			continue
		}
		logging.Info("instance terminated", "fleet", c.spec.Name, "instance", id)
		replaced++
	}
	desired, failsafe := c.fleet.Capacity.Desired, c.failsafe
	c.mu.Unlock()

	if replaced > 0 {
		if failsafe {
			logging.Warn("replacement skipped, failsafe active", "fleet", c.spec.Name, "terminated", replaced)
		} else if err := c.requestReplacements(ctx, fleetID, desired); err != nil {
			errs = append(errs, fmt.Errorf("failed to request replacements: %w", err))
		} else {
			logging.Info("replacements requested", "fleet", c.spec.Name, "count", replaced, "desired", desired)
		}
	}

	c.mu.Lock()
	c.metrics.recordFleet(c.fleet, c.failsafe)
	c.mu.Unlock()
	return errors.Join(errs...)
}

// requestReplacements re-asserts desired capacity after terminations. A
// policy may have moved desired while the call was in flight; the newer
// value is then re-sent under the lock so it wins.
func (c *Controller) requestReplacements(ctx context.Context, fleetID string, desired int) error {
	err := c.fp.SetFleetDesiredCapacity(ctx, fleetID, desired)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.recordFailureLocked()
		return err
	}
	if cur := c.fleet.Capacity.Desired; cur != desired {
		return c.fp.SetFleetDesiredCapacity(ctx, fleetID, cur)
	}
	return nil
}

func (c *Controller) register(ctx context.Context, fleetID, id string) {
	if c.router == nil {
		return
	}
	if err := c.router.Register(ctx, fleetID, id); err != nil {
		logging.Warn("failed to register instance", "fleet", c.spec.Name, "instance", id, "error", err)
	}
}

func (c *Controller) deregister(ctx context.Context, fleetID, id string) {
	if c.router == nil {
		return
	}
	if err := c.router.Deregister(ctx, fleetID, id); err != nil {
		logging.Warn("failed to deregister instance", "fleet", c.spec.Name, "instance", id, "error", err)
	}
}

// AlarmState is an inspectable snapshot of an alarm.
type AlarmState struct {
	Name         string      `json:"name"`
	Status       AlarmStatus `json:"status"`
	Threshold    float64     `json:"threshold"`
	Operator     Operator    `json:"operator"`
	Periods      int         `json:"periods"`
	BreachStreak int         `json:"breach_streak"`
	OKStreak     int         `json:"ok_streak"`
	Window       []float64   `json:"window"`
}

// PolicyState is an inspectable snapshot of a policy.
type PolicyState struct {
	Name              string        `json:"name"`
	Alarm             string        `json:"alarm"`
	Adjustment        int           `json:"adjustment"`
	Cooldown          time.Duration `json:"cooldown"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	LastAction        time.Time     `json:"last_action,omitempty"`
	Fired             int           `json:"fired"`
	Suppressed        int           `json:"suppressed"`
}

// Status is a point-in-time view of a controller.
type Status struct {
	Name      string        `json:"name"`
	FleetID   string        `json:"fleet_id"`
	Metric    string        `json:"metric"`
	Capacity  Capacity      `json:"capacity"`
	LastValue *float64      `json:"last_value,omitempty"`
	Streaming bool          `json:"streaming"`
	Failsafe  bool          `json:"failsafe"`
	Failures  int           `json:"failures"`
	Alarms    []AlarmState  `json:"alarms"`
	Policies  []PolicyState `json:"policies"`
	Instances []Instance    `json:"instances"`
	Decisions []Decision    `json:"decisions"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st := Status{
		Name:      c.spec.Name,
		FleetID:   c.spec.fleetID(),
		Metric:    c.spec.Metric,
		Capacity:  c.fleet.Capacity,
		Streaming: c.streaming,
		Failsafe:  c.failsafe,
		Failures:  c.failures,
		Instances: c.fleet.Instances(),
		Decisions: append([]Decision(nil), c.decisions...),
	}
	if c.lastValue != nil {
		v := *c.lastValue
		st.LastValue = &v
	}
	for _, a := range c.alarms {
		st.Alarms = append(st.Alarms, AlarmState{
			Name:         a.Name,
			Status:       a.Status(),
			Threshold:    a.Threshold,
			Operator:     a.Operator,
			Periods:      a.Periods,
			BreachStreak: a.BreachStreak(),
			OKStreak:     a.OKStreak(),
			Window:       a.Window(),
		})
	}
	for _, p := range c.policies {
		st.Policies = append(st.Policies, PolicyState{
			Name:              p.Name,
			Alarm:             p.Alarm,
			Adjustment:        p.Adjustment,
			Cooldown:          p.Cooldown,
			CooldownRemaining: p.CooldownRemaining(now),
			LastAction:        p.LastAction(),
			Fired:             p.Fired(),
			Suppressed:        p.Suppressed(),
		})
	}
	return st
}

// Healthy reports whether the controller is scaling normally.
func (c *Controller) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.failsafe
}
