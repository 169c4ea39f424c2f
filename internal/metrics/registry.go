package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Kind identifies the type of a registered instrument.
type Kind string

const (
	KindCounter       Kind = "counter"
	KindUpDownCounter Kind = "updowncounter"
	KindHistogram     Kind = "histogram"
)

// ErrInstrumentKindConflict is returned when an instrument name is requested
// with a kind different from the one it was first registered with.
var ErrInstrumentKindConflict = errors.New("instrument already registered with a different kind")

// Labels is the label set attached to a single metric sample.
//
// Call sites are expected to use a fixed set of keys, e.g. {endpoint, status}.
type Labels map[string]string

// attributes converts the label set into a sorted OpenTelemetry attribute set.
func (l Labels) attributes() attribute.Set {
	if len(l) == 0 {
		return *attribute.EmptySet()
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, attribute.String(k, l[k]))
	}
	return attribute.NewSet(kvs...)
}

// Registry is the process-wide set of named instruments.
//
// A Registry is built once at startup on top of an OpenTelemetry meter and
// handed to every component that records metrics. Requesting the same name and
// kind twice returns the same handle, so registration is idempotent.
//
// Recording through the returned handles never fails the caller: problems are
// reported to the registry's error handler and the sample is dropped.
type Registry struct {
	meter   metric.Meter
	onError func(error)

	mu          sync.Mutex
	kinds       map[string]Kind
	counters    map[string]*Counter
	updowns     map[string]*UpDownCounter
	histograms  map[string]*Histogram
	descriptors []string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithErrorHandler sets the function invoked when a sample is rejected.
// The handler must not block.
func WithErrorHandler(fn func(error)) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.onError = fn
		}
	}
}

// NewRegistry creates an empty registry on the given meter.
func NewRegistry(meter metric.Meter, opts ...RegistryOption) *Registry {
	r := &Registry{
		meter:      meter,
		onError:    func(error) {},
		kinds:      make(map[string]Kind),
		counters:   make(map[string]*Counter),
		updowns:    make(map[string]*UpDownCounter),
		histograms: make(map[string]*Histogram),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Names returns the names of all registered instruments in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// checkKind must be called with r.mu held. It reports whether the name is
// already registered with the same kind.
func (r *Registry) checkKind(name string, kind Kind) (bool, error) {
	existing, ok := r.kinds[name]
	if !ok {
		return false, nil
	}
	if existing != kind {
		return false, fmt.Errorf("%w: %q is a %s, requested %s", ErrInstrumentKindConflict, name, existing, kind)
	}
	return true, nil
}

func (r *Registry) remember(name string, kind Kind) {
	r.kinds[name] = kind
	r.descriptors = append(r.descriptors, name)
}

// Counter returns the monotonic counter registered under name, creating it on
// first use.
func (r *Registry) Counter(name, description string) (*Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if found, err := r.checkKind(name, KindCounter); err != nil {
		return nil, err
	} else if found {
		return r.counters[name], nil
	}

	inst, err := r.meter.Int64Counter(
		name,
		metric.WithDescription(description),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %q: %w", name, err)
	}

	c := &Counter{name: name, inst: inst, onError: r.onError}
	r.counters[name] = c
	r.remember(name, KindCounter)
	return c, nil
}

// UpDownCounter returns the up-down counter registered under name, creating it
// on first use. It is used for gauges such as in-flight requests.
func (r *Registry) UpDownCounter(name, description, unit string) (*UpDownCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if found, err := r.checkKind(name, KindUpDownCounter); err != nil {
		return nil, err
	} else if found {
		return r.updowns[name], nil
	}

	inst, err := r.meter.Int64UpDownCounter(
		name,
		metric.WithDescription(description),
		metric.WithUnit(unit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create up-down counter %q: %w", name, err)
	}

	u := &UpDownCounter{inst: inst}
	r.updowns[name] = u
	r.remember(name, KindUpDownCounter)
	return u, nil
}

// Histogram returns the histogram registered under name, creating it on first
// use. Bucket boundaries only apply at creation time.
func (r *Registry) Histogram(name, description, unit string, buckets ...float64) (*Histogram, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if found, err := r.checkKind(name, KindHistogram); err != nil {
		return nil, err
	} else if found {
		return r.histograms[name], nil
	}

	opts := []metric.Float64HistogramOption{
		metric.WithDescription(description),
		metric.WithUnit(unit),
	}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}

	inst, err := r.meter.Float64Histogram(name, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %q: %w", name, err)
	}

	h := &Histogram{inst: inst}
	r.histograms[name] = h
	r.remember(name, KindHistogram)
	return h, nil
}

// Counter is a handle to a monotonic int64 counter.
type Counter struct {
	name    string
	inst    metric.Int64Counter
	onError func(error)
}

// Add increments the counter. Negative deltas are rejected and reported to the
// registry error handler.
func (c *Counter) Add(ctx context.Context, delta int64, labels Labels) {
	if c == nil {
		return
	}
	if delta < 0 {
		c.onError(fmt.Errorf("counter %q: negative delta %d dropped", c.name, delta))
		return
	}
	c.inst.Add(ctx, delta, metric.WithAttributeSet(labels.attributes()))
}

// UpDownCounter is a handle to an int64 counter that may decrease.
type UpDownCounter struct {
	inst metric.Int64UpDownCounter
}

// Add changes the counter by delta.
func (u *UpDownCounter) Add(ctx context.Context, delta int64, labels Labels) {
	if u == nil {
		return
	}
	u.inst.Add(ctx, delta, metric.WithAttributeSet(labels.attributes()))
}

// Histogram is a handle to a float64 histogram.
type Histogram struct {
	inst metric.Float64Histogram
}

// Record adds one sample to the histogram.
func (h *Histogram) Record(ctx context.Context, value float64, labels Labels) {
	if h == nil {
		return
	}
	h.inst.Record(ctx, value, metric.WithAttributeSet(labels.attributes()))
}
