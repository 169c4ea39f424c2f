package metrics

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel/metric"
)

// ProcessMetrics reports resource usage of the serving process and the host it
// runs on, collected with gopsutil.
//
// Each probe is independent: a probe that fails on the current platform (for
// example file descriptor counts outside Linux) is skipped for that cycle.
type ProcessMetrics struct {
	cpuUser     metric.Float64ObservableCounter
	cpuSystem   metric.Float64ObservableCounter
	rss         metric.Int64ObservableGauge
	threads     metric.Int64ObservableGauge
	fds         metric.Int64ObservableGauge
	hostCPU     metric.Float64ObservableGauge
	hostMemUsed metric.Float64ObservableGauge

	proc         *process.Process
	registration metric.Registration
}

// NewProcessMetrics registers process and host instruments on meter.
func NewProcessMetrics(meter metric.Meter) (*ProcessMetrics, error) {
	proc, err := process.NewProcess(int32(os.Getpid())) // #nosec G115 -- pids fit in int32
	if err != nil {
		return nil, fmt.Errorf("failed to inspect current process: %w", err)
	}

	pm := &ProcessMetrics{proc: proc}

	pm.cpuUser, err = meter.Float64ObservableCounter(
		"process.cpu.user",
		metric.WithDescription("User CPU time consumed by the process"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	pm.cpuSystem, err = meter.Float64ObservableCounter(
		"process.cpu.system",
		metric.WithDescription("System CPU time consumed by the process"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	pm.rss, err = meter.Int64ObservableGauge(
		"process.memory.rss",
		metric.WithDescription("Resident set size of the process"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	pm.threads, err = meter.Int64ObservableGauge(
		"process.threads",
		metric.WithDescription("Number of OS threads used by the process"),
		metric.WithUnit("{thread}"),
	)
	if err != nil {
		return nil, err
	}

	pm.fds, err = meter.Int64ObservableGauge(
		"process.open_file_descriptors",
		metric.WithDescription("Number of open file descriptors"),
		metric.WithUnit("{fd}"),
	)
	if err != nil {
		return nil, err
	}

	pm.hostCPU, err = meter.Float64ObservableGauge(
		"system.cpu.utilization",
		metric.WithDescription("Host CPU utilization as a fraction [0, 1]"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pm.hostMemUsed, err = meter.Float64ObservableGauge(
		"system.memory.utilization",
		metric.WithDescription("Host memory utilization as a fraction [0, 1]"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pm.registration, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			pm.collect(ctx, o)
			return nil
		},
		pm.cpuUser,
		pm.cpuSystem,
		pm.rss,
		pm.threads,
		pm.fds,
		pm.hostCPU,
		pm.hostMemUsed,
	)
	if err != nil {
		return nil, err
	}

	return pm, nil
}

func (pm *ProcessMetrics) collect(ctx context.Context, o metric.Observer) {
	if times, err := pm.proc.TimesWithContext(ctx); err == nil {
		o.ObserveFloat64(pm.cpuUser, times.User)
		o.ObserveFloat64(pm.cpuSystem, times.System)
	}

	if mi, err := pm.proc.MemoryInfoWithContext(ctx); err == nil {
		o.ObserveInt64(pm.rss, int64(mi.RSS)) // #nosec G115 -- RSS fits in int64
	}

	if n, err := pm.proc.NumThreadsWithContext(ctx); err == nil {
		o.ObserveInt64(pm.threads, int64(n))
	}

	if n, err := pm.proc.NumFDsWithContext(ctx); err == nil {
		o.ObserveInt64(pm.fds, int64(n))
	}

	if percent, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percent) > 0 {
		o.ObserveFloat64(pm.hostCPU, percent[0]/100.0)
	}

	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		o.ObserveFloat64(pm.hostMemUsed, v.UsedPercent/100.0)
	}
}

// Unregister stops the collection callback.
func (pm *ProcessMetrics) Unregister() error {
	if pm == nil || pm.registration == nil {
		return nil
	}
	return pm.registration.Unregister()
}
