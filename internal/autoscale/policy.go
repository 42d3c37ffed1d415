package autoscale

import (
	"fmt"
	"time"
)

// Capacity is a fleet's size bounds. Min <= Desired <= Max always holds for
// a validated Capacity.
type Capacity struct {
	Min     int
	Desired int
	Max     int
}

func (c Capacity) Validate() error {
	if c.Min < 0 {
		return fmt.Errorf("min capacity %d is negative", c.Min)
	}
	if c.Min > c.Max {
		return fmt.Errorf("min capacity %d exceeds max capacity %d", c.Min, c.Max)
	}
	return nil
}

// Clamp truncates n to [Min, Max].
func (c Capacity) Clamp(n int) int {
	if n < c.Min {
		return c.Min
	}
	if n > c.Max {
		return c.Max
	}
	return n
}

// Policy adjusts a fleet's desired capacity when its alarm enters ALARM.
// Each policy keeps its own cooldown.
type Policy struct {
	Name       string
	Alarm      string
	Adjustment int
	Cooldown   time.Duration

	lastAction time.Time
	fired      int
	suppressed int
}

// Decision describes one policy firing.
type Decision struct {
	Policy string
	At     time.Time
	From   int
	To     int
	// Suppressed is set when the policy was inside its cooldown.
	Suppressed bool
	// Blocked is set when scaling was disabled for the fleet.
	Blocked bool
}

// Changed reports whether the decision altered the desired capacity.
func (d Decision) Changed() bool {
	return !d.Suppressed && !d.Blocked && d.From != d.To
}

func (d Decision) String() string {
	switch {
	case d.Blocked:
		return fmt.Sprintf("%s: blocked by failsafe", d.Policy)
	case d.Suppressed:
		return fmt.Sprintf("%s: suppressed by cooldown", d.Policy)
	case d.From == d.To:
		return fmt.Sprintf("%s: capacity stays at %d", d.Policy, d.From)
	default:
		return fmt.Sprintf("%s: capacity %d -> %d", d.Policy, d.From, d.To)
	}
}

// InCooldown reports whether a previous action still suppresses this policy.
func (p *Policy) InCooldown(now time.Time) bool {
	return !p.lastAction.IsZero() && now.Before(p.lastAction.Add(p.Cooldown))
}

// CooldownRemaining is zero once the policy may act again.
func (p *Policy) CooldownRemaining(now time.Time) time.Duration {
	if !p.InCooldown(now) {
		return 0
	}
	return p.lastAction.Add(p.Cooldown).Sub(now)
}

// LastAction is when the policy last changed capacity.
func (p *Policy) LastAction() time.Time { return p.lastAction }

// Fired counts firings that changed capacity.
func (p *Policy) Fired() int { return p.fired }

// Suppressed counts firings swallowed by the cooldown.
func (p *Policy) Suppressed() int { return p.suppressed }

// Fire computes clamp(Desired + Adjustment) and, when that differs from the
// current capacity, calls apply with the new target. The cooldown starts only
// once apply succeeds.
func (p *Policy) Fire(now time.Time, c Capacity, apply func(n int) error) (Decision, error) {
	d := Decision{Policy: p.Name, At: now, From: c.Desired, To: c.Desired}
	if p.InCooldown(now) {
		p.suppressed++
		d.Suppressed = true
		return d, nil
	}

	d.To = c.Clamp(c.Desired + p.Adjustment)
	if d.To == d.From {
		return d, nil
	}
	if err := apply(d.To); err != nil {
		d.To = d.From
		return d, fmt.Errorf("policy %s: %w", p.Name, err)
	}
	p.lastAction = now
	p.fired++
	return d, nil
}
