package autoscale

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the controller's Prometheus series. One set is shared by every
// controller of an agent; series are labelled by fleet.
type Metrics struct {
	desiredCapacity *prometheus.GaugeVec
	metricValue     *prometheus.GaugeVec
	alarmStatus     *prometheus.GaugeVec
	breachStreak    *prometheus.GaugeVec
	instances       *prometheus.GaugeVec
	scalingActions  *prometheus.CounterVec
	streamRestarts  *prometheus.CounterVec
	failsafe        *prometheus.GaugeVec
}

// NewMetrics registers the controller series with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// desiredCapacity is the capacity last requested from the provider.
		desiredCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetform",
			Subsystem: "autoscale",
			Name:      "desired_capacity",
			Help:      "Desired capacity last set for the fleet",
		}, []string{"fleet"}),

		metricValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetform",
			Subsystem: "autoscale",
			Name:      "metric_aggregate",
			Help:      "Aggregate of the watched metric over the last evaluation period",
		}, []string{"fleet", "metric"}),

		// alarmStatus is 1 for the alarm's current status and 0 otherwise.
		alarmStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetform",
			Subsystem: "autoscale",
			Name:      "alarm_status",
			Help:      "Current alarm status (1 for the active status)",
		}, []string{"fleet", "alarm", "status"}),

		breachStreak: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetform",
			Subsystem: "autoscale",
			Name:      "alarm_breach_streak",
			Help:      "Consecutive breaching periods",
		}, []string{"fleet", "alarm"}),

		instances: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetform",
			Subsystem: "autoscale",
			Name:      "instances",
			Help:      "Fleet members by lifecycle state",
		}, []string{"fleet", "state"}),

		// scalingActions counts policy firings.
		// result: changed, unchanged, suppressed, blocked, failed
		scalingActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetform",
			Subsystem: "autoscale",
			Name:      "scaling_actions_total",
			Help:      "Scaling policy firings by result",
		}, []string{"fleet", "policy", "result"}),

		streamRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetform",
			Subsystem: "autoscale",
			Name:      "metric_stream_restarts_total",
			Help:      "Metric stream reconnects",
		}, []string{"fleet"}),

		failsafe: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetform",
			Subsystem: "autoscale",
			Name:      "failsafe",
			Help:      "1 while scaling is disabled by the failsafe",
		}, []string{"fleet"}),
	}
}

func (m *Metrics) recordAlarm(fleet string, a *Alarm) {
	if m == nil {
		return
	}
	for _, s := range []AlarmStatus{StatusOK, StatusAlarm, StatusInsufficientData} {
		v := 0.0
		if a.Status() == s {
			v = 1
		}
		m.alarmStatus.WithLabelValues(fleet, a.Name, string(s)).Set(v)
	}
	m.breachStreak.WithLabelValues(fleet, a.Name).Set(float64(a.BreachStreak()))
}

func (m *Metrics) recordDecision(fleet string, d Decision, err error) {
	if m == nil {
		return
	}
	result := "unchanged"
	switch {
	case err != nil:
		result = "failed"
	case d.Blocked:
		result = "blocked"
	case d.Suppressed:
		result = "suppressed"
	case d.Changed():
		result = "changed"
	}
	m.scalingActions.WithLabelValues(fleet, d.Policy, result).Inc()
}

func (m *Metrics) recordFleet(f *Fleet, failsafe bool) {
	if m == nil {
		return
	}
	m.desiredCapacity.WithLabelValues(f.Name).Set(float64(f.Capacity.Desired))
	counts := f.Counts()
	for _, s := range []InstanceState{Pending, InService, Unhealthy, Terminating} {
		m.instances.WithLabelValues(f.Name, string(s)).Set(float64(counts[s]))
	}
	v := 0.0
	if failsafe {
		v = 1
	}
	m.failsafe.WithLabelValues(f.Name).Set(v)
}

func (m *Metrics) recordAggregate(fleet, metric string, v float64) {
	if m == nil {
		return
	}
	m.metricValue.WithLabelValues(fleet, metric).Set(v)
}

func (m *Metrics) recordRestart(fleet string) {
	if m == nil {
		return
	}
	m.streamRestarts.WithLabelValues(fleet).Inc()
}
