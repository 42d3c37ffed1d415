package ir

import "time"

// MetricSample is one observation of a fleet metric.
type MetricSample struct {
	Timestamp time.Time
	Value     float64
}
