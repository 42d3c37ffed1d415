package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/docker/errdefs"

	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/provider"
)

const defaultStatsInterval = 10 * time.Second

// Metrics a fleet can be scaled on.
const (
	MetricCPU    = "cpu_percent"
	MetricMemory = "memory_percent"
)

type cpuStats struct {
	CPUUsage struct {
		TotalUsage  uint64   `json:"total_usage"`
		PercpuUsage []uint64 `json:"percpu_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

// statsDoc is the subset of the engine stats document the metrics need.
type statsDoc struct {
	CPUStats    cpuStats `json:"cpu_stats"`
	PreCPUStats cpuStats `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64            `json:"usage"`
		Limit uint64            `json:"limit"`
		Stats map[string]uint64 `json:"stats"`
	} `json:"memory_stats"`
}

// cpuPercent is zero until the daemon has a previous sample to diff against;
// a delta against zero would report the lifetime average.
func cpuPercent(s statsDoc) float64 {
	if s.PreCPUStats.SystemUsage == 0 {
		return 0
	}
	if s.CPUStats.CPUUsage.TotalUsage <= s.PreCPUStats.CPUUsage.TotalUsage ||
		s.CPUStats.SystemUsage <= s.PreCPUStats.SystemUsage {
		return 0
	}
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage - s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage - s.PreCPUStats.SystemUsage)
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / sysDelta * cpus * 100
}

// memoryPercent excludes the page cache, as `docker stats` does.
func memoryPercent(s statsDoc) float64 {
	m := s.MemoryStats
	if m.Limit == 0 {
		return 0
	}
	cache := m.Stats["inactive_file"] // cgroup v2
	if cache == 0 {
		cache = m.Stats["cache"]
	}
	used := m.Usage
	if cache < used {
		used -= cache
	}
	return float64(used) / float64(m.Limit) * 100
}

func metricFunc(metric string) (func(statsDoc) float64, error) {
	switch metric {
	case MetricCPU, "cpu":
		return cpuPercent, nil
	case MetricMemory, "memory":
		return memoryPercent, nil
	default:
		return nil, fmt.Errorf("unsupported metric %q (want %s or %s)", metric, MetricCPU, MetricMemory)
	}
}

// StreamMetric samples every running member each stats interval and emits
// the fleet average. Intervals without running members emit nothing.
func (p *Provider) StreamMetric(ctx context.Context, fleetID, metric string) (<-chan ir.MetricSample, <-chan error) {
	samples := make(chan ir.MetricSample, 16)
	errs := make(chan error, 1)

	fn, err := metricFunc(metric)
	if err != nil {
		errs <- provider.Permanent("stream metric", err)
		close(samples)
		close(errs)
		return samples, errs
	}

	go func() {
		defer close(errs)
		defer close(samples)

		ticker := time.NewTicker(p.statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			v, ok, err := p.sampleFleet(ctx, fleetID, fn)
			if err != nil {
				if ctx.Err() == nil {
					errs <- err
				}
				return
			}
			if !ok {
				continue
			}
			select {
			case samples <- ir.MetricSample{Timestamp: time.Now(), Value: v}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return samples, errs
}

func (p *Provider) sampleFleet(ctx context.Context, fleetID string, fn func(statsDoc) float64) (float64, bool, error) {
	members, err := p.members(ctx, fleetID)
	if err != nil {
		return 0, false, err
	}
	var sum float64
	n := 0
	for _, c := range members {
		if c.State != "running" {
			continue
		}
		doc, err := p.stats(ctx, c.ID)
		if errdefs.IsNotFound(err) {
			continue
		}
		if err != nil {
			return 0, false, classify("container stats", err)
		}
		sum += fn(doc)
		n++
	}
	if n == 0 {
		return 0, false, nil
	}
	return sum / float64(n), true, nil
}

func (p *Provider) stats(ctx context.Context, id string) (statsDoc, error) {
	var doc statsDoc
	body, err := p.openStats(ctx, id)
	if err != nil {
		return doc, err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return doc, err
	}
	return doc, nil
}
