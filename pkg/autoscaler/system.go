package autoscaler

import (
	"context"
	"fmt"
	"sync"

	"github.com/elastic/go-sysinfo"
	"github.com/elastic/go-sysinfo/types"
	"go.uber.org/multierr"
)

// SystemCollector samples host CPU and memory usage. CPU usage is measured
// between consecutive calls, so the first sample reports 0.
type SystemCollector struct {
	host types.Host

	mu   sync.Mutex
	prev *types.CPUTimes
}

// NewSystemCollector binds a collector to the current host.
func NewSystemCollector() (*SystemCollector, error) {
	host, err := sysinfo.Host()
	if err != nil {
		return nil, fmt.Errorf("autoscaler: host info: %w", err)
	}
	return &SystemCollector{host: host}, nil
}

// Collect returns a sample with only CPU and Memory set.
func (c *SystemCollector) Collect(_ context.Context) (Metrics, error) {
	var m Metrics

	mem, err := c.host.Memory()
	if err != nil {
		return m, fmt.Errorf("memory: %w", err)
	}
	if mem.Total > 0 {
		m.Memory = float64(mem.Used) / float64(mem.Total)
	}

	cpu, err := c.host.CPUTime()
	if err != nil {
		return m, fmt.Errorf("cpu time: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prev != nil {
		m.CPU = cpuUsage(*c.prev, cpu)
	}
	c.prev = &cpu
	return m, nil
}

// cpuUsage is the busy share of CPU time elapsed between two readings.
func cpuUsage(prev, cur types.CPUTimes) float64 {
	total := cpuTotal(cur) - cpuTotal(prev)
	if total <= 0 {
		return 0
	}
	idle := (cur.Idle + cur.IOWait) - (prev.Idle + prev.IOWait)
	usage := 1 - float64(idle)/float64(total)
	return min(max(usage, 0), 1)
}

func cpuTotal(t types.CPUTimes) float64 {
	return float64(t.User + t.System + t.Idle + t.IOWait + t.IRQ + t.Nice + t.SoftIRQ + t.Steal)
}

// CombineSources merges several partial sources into one. Non-zero fields of later
// sources override earlier ones. A failing source is reported, but whatever it did
// return is merged along with the other sources' fields.
func CombineSources(sources ...MetricsSource) MetricsSource {
	return SourceFunc(func(ctx context.Context) (Metrics, error) {
		var out Metrics
		var errs error
		for _, src := range sources {
			m, err := src.Collect(ctx)
			errs = multierr.Append(errs, err)
			merge(&out, m)
		}
		return out, errs
	})
}

func merge(dst *Metrics, src Metrics) {
	if src.Utilization != 0 {
		dst.Utilization = src.Utilization
	}
	if src.QueueLength != 0 {
		dst.QueueLength = src.QueueLength
	}
	if src.ResponseTime != 0 {
		dst.ResponseTime = src.ResponseTime
	}
	if src.RequestRate != 0 {
		dst.RequestRate = src.RequestRate
	}
	if src.CPU != 0 {
		dst.CPU = src.CPU
	}
	if src.Memory != 0 {
		dst.Memory = src.Memory
	}
	if !src.Timestamp.IsZero() {
		dst.Timestamp = src.Timestamp
	}
}
