package provider

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/picklr-io/fleetform/internal/ir"
)

// Throttled rate-limits calls into a provider. The wrapper keeps the fleet
// surface when the wrapped provider has one.
type Throttled struct {
	inner   Provider
	limiter *rate.Limiter
}

// Throttle wraps p so that at most rps calls per second reach it.
// rps <= 0 returns p unchanged.
func Throttle(p Provider, rps float64) Provider {
	if rps <= 0 {
		return p
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	t := &Throttled{inner: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
	if fp, ok := p.(FleetProvider); ok {
		return &throttledFleet{Throttled: t, fleet: fp}
	}
	return t
}

func (t *Throttled) Apply(ctx context.Context, node *ir.Resource, action ir.Action, attrs map[string]any) (*Result, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, Transient("apply", err)
	}
	return t.inner.Apply(ctx, node, action, attrs)
}

func (t *Throttled) Delete(ctx context.Context, prior *ir.ActualState) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return Transient("delete", err)
	}
	return t.inner.Delete(ctx, prior)
}

type throttledFleet struct {
	*Throttled
	fleet FleetProvider
}

func (t *throttledFleet) DescribeHealth(ctx context.Context, instanceID string) (Health, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return Unknown, Transient("describe health", err)
	}
	return t.fleet.DescribeHealth(ctx, instanceID)
}

func (t *throttledFleet) SetFleetDesiredCapacity(ctx context.Context, fleetID string, n int) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return Transient("set desired capacity", err)
	}
	return t.fleet.SetFleetDesiredCapacity(ctx, fleetID, n)
}

func (t *throttledFleet) ListInstances(ctx context.Context, fleetID string) ([]Instance, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, Transient("list instances", err)
	}
	return t.fleet.ListInstances(ctx, fleetID)
}

func (t *throttledFleet) TerminateInstance(ctx context.Context, fleetID, instanceID string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return Transient("terminate instance", err)
	}
	return t.fleet.TerminateInstance(ctx, fleetID, instanceID)
}

// StreamMetric is not throttled: it is one long-lived call.
func (t *throttledFleet) StreamMetric(ctx context.Context, fleetID, metric string) (<-chan ir.MetricSample, <-chan error) {
	return t.fleet.StreamMetric(ctx, fleetID, metric)
}

// Unwrap returns the rate-limited provider.
func (t *Throttled) Unwrap() Provider { return t.inner }

// RouterOf returns p's traffic router, looking through throttling.
func RouterOf(p Provider) (Router, bool) {
	for {
		if r, ok := p.(Router); ok {
			return r, true
		}
		u, ok := p.(interface{ Unwrap() Provider })
		if !ok {
			return nil, false
		}
		p = u.Unwrap()
	}
}
