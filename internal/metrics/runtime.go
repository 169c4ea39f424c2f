package metrics

import (
	"context"
	"runtime"

	"go.opentelemetry.io/otel/metric"
)

// RuntimeMetrics reports Go runtime state through asynchronous instruments.
//
// Values are gathered by a callback registered on the meter, so no manual
// updates are required after construction. Cumulative values (GC cycles,
// pause time) are reported as observable counters, instantaneous ones as
// gauges.
type RuntimeMetrics struct {
	goroutines   metric.Int64ObservableGauge
	heapAlloc    metric.Int64ObservableGauge
	heapInuse    metric.Int64ObservableGauge
	heapObjects  metric.Int64ObservableGauge
	gcCount      metric.Int64ObservableCounter
	gcPauseTotal metric.Float64ObservableCounter

	registration metric.Registration
}

// NewRuntimeMetrics creates and registers the runtime instruments on meter.
func NewRuntimeMetrics(meter metric.Meter) (*RuntimeMetrics, error) {
	rm := &RuntimeMetrics{}

	var err error

	rm.goroutines, err = meter.Int64ObservableGauge(
		"go.goroutines",
		metric.WithDescription("Number of live goroutines"),
		metric.WithUnit("{goroutine}"),
	)
	if err != nil {
		return nil, err
	}

	rm.heapAlloc, err = meter.Int64ObservableGauge(
		"go.memory.heap.alloc",
		metric.WithDescription("Bytes of allocated heap objects"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	rm.heapInuse, err = meter.Int64ObservableGauge(
		"go.memory.heap.inuse",
		metric.WithDescription("Bytes in in-use spans"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	rm.heapObjects, err = meter.Int64ObservableGauge(
		"go.memory.heap.objects",
		metric.WithDescription("Number of allocated heap objects"),
		metric.WithUnit("{object}"),
	)
	if err != nil {
		return nil, err
	}

	rm.gcCount, err = meter.Int64ObservableCounter(
		"go.gc.count",
		metric.WithDescription("Number of completed GC cycles"),
		metric.WithUnit("{gc}"),
	)
	if err != nil {
		return nil, err
	}

	rm.gcPauseTotal, err = meter.Float64ObservableCounter(
		"go.gc.pause.total",
		metric.WithDescription("Cumulative GC stop-the-world pause time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	rm.registration, err = meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			rm.collect(o)
			return nil
		},
		rm.goroutines,
		rm.heapAlloc,
		rm.heapInuse,
		rm.heapObjects,
		rm.gcCount,
		rm.gcPauseTotal,
	)
	if err != nil {
		return nil, err
	}

	return rm, nil
}

func (rm *RuntimeMetrics) collect(o metric.Observer) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	o.ObserveInt64(rm.goroutines, int64(runtime.NumGoroutine()))
	o.ObserveInt64(rm.heapAlloc, int64(m.HeapAlloc))
	o.ObserveInt64(rm.heapInuse, int64(m.HeapInuse))
	o.ObserveInt64(rm.heapObjects, int64(m.HeapObjects))
	o.ObserveInt64(rm.gcCount, int64(m.NumGC))
	o.ObserveFloat64(rm.gcPauseTotal, float64(m.PauseTotalNs)/1e9)
}

// Unregister stops the collection callback.
func (rm *RuntimeMetrics) Unregister() error {
	if rm == nil || rm.registration == nil {
		return nil
	}
	return rm.registration.Unregister()
}

// MemoryUsageMB reports the current heap allocation in megabytes.
func MemoryUsageMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / 1024 / 1024
}

// NumGoroutines returns the number of currently active goroutines.
func NumGoroutines() int {
	return runtime.NumGoroutine()
}
