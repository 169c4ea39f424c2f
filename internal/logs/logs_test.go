package logs_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gath-stack/otel-demo-api/internal/logs"
)

type memoryExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *memoryExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *memoryExporter) Shutdown(context.Context) error   { return nil }
func (e *memoryExporter) ForceFlush(context.Context) error { return nil }

func (e *memoryExporter) all() []sdklog.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sdklog.Record(nil), e.records...)
}

func attrs(r sdklog.Record) map[string]string {
	out := map[string]string{}
	r.WalkAttributes(func(kv log.KeyValue) bool {
		out[kv.Key] = kv.Value.String()
		return true
	})
	return out
}

func TestCore(t *testing.T) {
	exp := &memoryExporter{}
	lp := logs.NewWithProcessor("test", nil, sdklog.NewSimpleProcessor(exp))
	t.Cleanup(func() { _ = lp.Shutdown(context.Background()) })

	logger := zap.New(lp.Core(zapcore.InfoLevel)).With(zap.String("service", "demo"))

	logger.Debug("dropped")
	logger.Warn("Failed to fetch additional data",
		zap.String("trace_id", "4bf92f3577b34da6a3ce929d0e0e4736"),
		zap.Int("attempt", 2),
	)

	records := exp.all()
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, "Failed to fetch additional data", r.Body().AsString())
	assert.Equal(t, log.SeverityWarn, r.Severity())
	assert.Equal(t, "WARN", r.SeverityText())

	got := attrs(r)
	assert.Equal(t, "demo", got["service"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", got["trace_id"])
	assert.Equal(t, "2", got["attempt"])
	assert.Equal(t, "warn", got["level"])
}
