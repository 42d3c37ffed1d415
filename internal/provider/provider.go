package provider

import (
	"context"
	"time"

	"github.com/picklr-io/fleetform/internal/ir"
)

// Result is what a provider reports after applying a node.
type Result struct {
	Attributes map[string]any
}

// Provider reconciles individual resource nodes.
// Implementations must tolerate concurrent calls for distinct resources.
type Provider interface {
	// Apply creates or updates the resource so that it matches attrs, the
	// node's desired properties with all references resolved.
	Apply(ctx context.Context, node *ir.Resource, action ir.Action, attrs map[string]any) (*Result, error)

	// Delete removes a previously applied resource.
	Delete(ctx context.Context, prior *ir.ActualState) error
}

// Health is the readiness probe result for one instance.
type Health string

const (
	Healthy   Health = "Healthy"
	Unhealthy Health = "Unhealthy"
	Unknown   Health = "Unknown"
)

// Instance is a fleet member as reported by the provider.
type Instance struct {
	ID         string
	LaunchedAt time.Time
}

// FleetProvider is the surface the autoscaling controller drives.
type FleetProvider interface {
	DescribeHealth(ctx context.Context, instanceID string) (Health, error)
	SetFleetDesiredCapacity(ctx context.Context, fleetID string, n int) error
	ListInstances(ctx context.Context, fleetID string) ([]Instance, error)
	TerminateInstance(ctx context.Context, fleetID, instanceID string) error

	// StreamMetric produces samples until ctx is cancelled or the stream
	// breaks. The error channel receives at most one value and both
	// channels are closed when the stream ends; callers restart it.
	StreamMetric(ctx context.Context, fleetID, metric string) (<-chan ir.MetricSample, <-chan error)
}

// Router sends external traffic to registered instances only.
type Router interface {
	Register(ctx context.Context, fleetID, instanceID string) error
	Deregister(ctx context.Context, fleetID, instanceID string) error
}
