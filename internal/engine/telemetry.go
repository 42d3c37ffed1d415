package engine

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/picklr-io/fleetform/internal/logging"
)

var (
	tracer = otel.Tracer("fleetform.engine")
	meter  = otel.Meter("fleetform.engine")
)

// telemetry holds the engine's instruments, created on first use.
type telemetry struct {
	once            sync.Once
	nodeDuration    metric.Float64Histogram
	nodeOutcomes    metric.Int64Counter
	activeNodes     metric.Int64UpDownCounter
	sessionDuration metric.Float64Histogram
}

func newTelemetry() *telemetry {
	return &telemetry{}
}

func (t *telemetry) init() {
	t.once.Do(func() {
		var failed []string
		var err error

		t.nodeDuration, err = meter.Float64Histogram("fleetform_node_duration_seconds",
			metric.WithDescription("Time spent converging each node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			failed = append(failed, "node_duration: "+err.Error())
		}

		t.nodeOutcomes, err = meter.Int64Counter("fleetform_node_outcomes_total",
			metric.WithDescription("Node outcomes by status"),
		)
		if err != nil {
			failed = append(failed, "node_outcomes: "+err.Error())
		}

		t.activeNodes, err = meter.Int64UpDownCounter("fleetform_active_nodes",
			metric.WithDescription("Nodes currently being converged"),
		)
		if err != nil {
			failed = append(failed, "active_nodes: "+err.Error())
		}

		t.sessionDuration, err = meter.Float64Histogram("fleetform_session_duration_seconds",
			metric.WithDescription("Total convergence session time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			failed = append(failed, "session_duration: "+err.Error())
		}

		if len(failed) > 0 {
			logging.Error("failed to initialize some engine metrics", "errors", failed)
		}
	})
}

func (t *telemetry) nodeStarted(ctx context.Context) {
	t.init()
	if t.activeNodes != nil {
		t.activeNodes.Add(ctx, 1)
	}
}

// nodeFinished records an outcome. Nodes blocked before starting do not
// touch the active gauge.
func (t *telemetry) nodeFinished(ctx context.Context, o *Outcome, started bool) {
	t.init()
	attrs := metric.WithAttributes(
		attribute.String("status", string(o.Status)),
		attribute.String("action", string(o.Action)),
	)
	if t.nodeOutcomes != nil {
		t.nodeOutcomes.Add(ctx, 1, attrs)
	}
	if !started {
		return
	}
	if t.activeNodes != nil {
		t.activeNodes.Add(ctx, -1)
	}
	if t.nodeDuration != nil {
		t.nodeDuration.Record(ctx, o.Duration.Seconds(), attrs)
	}
}

func (t *telemetry) sessionFinished(ctx context.Context, scope string, r *Report) {
	t.init()
	if t.sessionDuration != nil {
		t.sessionDuration.Record(ctx, r.Duration.Seconds(), metric.WithAttributes(
			attribute.String("scope", scope),
			attribute.Bool("succeeded", r.Succeeded()),
		))
	}
}
