package observability_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	observability "github.com/gath-stack/otel-demo-api"
	"github.com/gath-stack/otel-demo-api/internal/config"
	"github.com/gath-stack/otel-demo-api/internal/metrics"
)

func testConfig() config.Config {
	return config.Config{
		ServiceName:             "demo-api",
		ServiceVersion:          "1.0.0",
		Environment:             "test",
		HostName:                "test-host",
		HTTPHost:                "127.0.0.1",
		HTTPPort:                3000,
		MetricExportIntervalSec: 10,
		TraceSamplingRate:       1,
		TraceBatchSize:          512,
		Demo:                    config.DemoConfig{PerformanceUsers: 3},
	}
}

func TestNew_Disabled(t *testing.T) {
	stack, err := observability.New(context.Background(), testConfig(), zap.NewNop(),
		&observability.InitOptions{SkipGlobals: true})
	require.NoError(t, err)

	assert.NotNil(t, stack.Registry)
	assert.NotNil(t, stack.API)
	assert.NotNil(t, stack.HTTP)
	assert.Nil(t, stack.Runtime)
	assert.Nil(t, stack.PrometheusHandler())

	// no-op instruments still accept samples
	stack.API.CountRequest(context.Background(), "/", http.MethodGet)

	_, span := stack.Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	log := zap.NewNop()
	assert.Same(t, log, stack.EnableLogsExport(log))
	assert.NoError(t, stack.Shutdown(context.Background()))
}

func TestNew_WithReaders(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	recorder := tracetest.NewSpanRecorder()

	stack, err := observability.New(context.Background(), testConfig(), zap.NewNop(), &observability.InitOptions{
		MetricReaders:         []sdkmetric.Reader{reader},
		SpanProcessors:        []sdktrace.SpanProcessor{recorder},
		DisableProcessMetrics: true,
		SkipGlobals:           true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Shutdown(context.Background()) })

	assert.NotNil(t, stack.Runtime)
	assert.Nil(t, stack.Process)

	_, span := stack.Tracer().Start(context.Background(), "op")
	span.End()
	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "op", recorder.Ended()[0].Name())

	// registry returns the instruments the stack already created
	c, err := stack.Registry.Counter(metrics.APIRequestsTotal, "")
	require.NoError(t, err)
	c.Add(context.Background(), 1, metrics.Labels{"endpoint": "/", "method": "GET"})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Contains(t, metricNames(rm), metrics.APIRequestsTotal)
	assert.Contains(t, metricNames(rm), "go.goroutines")
}

func metricNames(rm metricdata.ResourceMetrics) []string {
	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
		}
	}
	return names
}

func TestHTTPObservabilityMiddleware(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	stack, err := observability.New(context.Background(), testConfig(), zap.NewNop(), &observability.InitOptions{
		SpanProcessors: []sdktrace.SpanProcessor{recorder},
		SkipGlobals:    true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Shutdown(context.Background()) })

	h := stack.HTTPObservabilityMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "GET unknown", recorder.Ended()[0].Name())
}

func TestNew_Prometheus(t *testing.T) {
	cfg := testConfig()
	cfg.PrometheusAddr = "127.0.0.1:0"

	stack, err := observability.New(context.Background(), cfg, zap.NewNop(), &observability.InitOptions{
		DisableProcessMetrics: true,
		SkipGlobals:           true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Shutdown(context.Background()) })

	stack.API.CountRequest(context.Background(), "/health", http.MethodGet)

	handler := stack.PrometheusHandler()
	require.NotNil(t, handler)

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "api_requests_total")
	assert.Contains(t, string(body), `endpoint="/health"`)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.HTTPPort = 0

	_, err := observability.New(context.Background(), cfg, zap.NewNop(), nil)
	assert.Error(t, err)
}
