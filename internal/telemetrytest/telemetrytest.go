// Package telemetrytest provides in-memory tracer and meter providers for
// asserting on spans and metric samples in tests.
package telemetrytest

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// Harness wires a span recorder and a manual metric reader.
type Harness struct {
	t        testing.TB
	Recorder *tracetest.SpanRecorder
	Reader   *sdkmetric.ManualReader

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// New creates a harness whose providers are shut down when the test ends.
func New(t testing.TB) *Harness {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	h := &Harness{
		t:        t,
		Recorder: recorder,
		Reader:   reader,
		tp:       sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
		mp:       sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}

	t.Cleanup(func() {
		_ = h.tp.Shutdown(context.Background())
		_ = h.mp.Shutdown(context.Background())
	})
	return h
}

// Tracer returns a tracer backed by the span recorder.
func (h *Harness) Tracer() trace.Tracer {
	return h.tp.Tracer("telemetrytest")
}

// Meter returns a meter backed by the manual reader.
func (h *Harness) Meter() metric.Meter {
	return h.mp.Meter("telemetrytest")
}

// Spans returns all ended spans in end order.
func (h *Harness) Spans() []sdktrace.ReadOnlySpan {
	return h.Recorder.Ended()
}

// SpansNamed returns the ended spans with the given name.
func (h *Harness) SpansNamed(name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range h.Recorder.Ended() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

// Span returns the single ended span with the given name and fails the test
// if there is not exactly one.
func (h *Harness) Span(name string) sdktrace.ReadOnlySpan {
	h.t.Helper()
	spans := h.SpansNamed(name)
	if len(spans) != 1 {
		h.t.Fatalf("expected exactly one span %q, got %d", name, len(spans))
	}
	return spans[0]
}

// Collect gathers the current metric state.
func (h *Harness) Collect() metricdata.ResourceMetrics {
	h.t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.Reader.Collect(context.Background(), &rm); err != nil {
		h.t.Fatalf("collect metrics: %v", err)
	}
	return rm
}

// find returns the aggregation for the named instrument, or nil.
func (h *Harness) find(name string) metricdata.Aggregation {
	rm := h.Collect()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m.Data
			}
		}
	}
	return nil
}

// CounterValue sums the int64 counter data points whose attributes include
// every key/value in match.
func (h *Harness) CounterValue(name string, match map[string]string) int64 {
	h.t.Helper()
	sum, ok := h.find(name).(metricdata.Sum[int64])
	if !ok {
		return 0
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if matches(dp.Attributes, match) {
			total += dp.Value
		}
	}
	return total
}

// HistogramCount returns the number of samples recorded in the float64
// histogram whose attributes include every key/value in match.
func (h *Harness) HistogramCount(name string, match map[string]string) uint64 {
	h.t.Helper()
	hist, ok := h.find(name).(metricdata.Histogram[float64])
	if !ok {
		return 0
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		if matches(dp.Attributes, match) {
			total += dp.Count
		}
	}
	return total
}

// HistogramSum returns the sum of samples recorded in the float64 histogram
// whose attributes include every key/value in match.
func (h *Harness) HistogramSum(name string, match map[string]string) float64 {
	h.t.Helper()
	hist, ok := h.find(name).(metricdata.Histogram[float64])
	if !ok {
		return 0
	}
	var total float64
	for _, dp := range hist.DataPoints {
		if matches(dp.Attributes, match) {
			total += dp.Sum
		}
	}
	return total
}

func matches(set attribute.Set, match map[string]string) bool {
	for k, want := range match {
		got, ok := set.Value(attribute.Key(k))
		if !ok || got.Emit() != want {
			return false
		}
	}
	return true
}

// Attr returns the string form of a span attribute and whether it is set.
func Attr(s sdktrace.ReadOnlySpan, key string) (string, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

// HasException reports whether the span recorded at least one exception event.
func HasException(s sdktrace.ReadOnlySpan) bool {
	for _, ev := range s.Events() {
		if ev.Name == "exception" {
			return true
		}
	}
	return false
}

// IsError reports whether the span ended with status Error.
func IsError(s sdktrace.ReadOnlySpan) bool {
	return s.Status().Code == codes.Error
}
