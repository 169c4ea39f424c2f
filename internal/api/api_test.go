package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gath-stack/otel-demo-api/internal/metrics"
	"github.com/gath-stack/otel-demo-api/internal/telemetrytest"
	"github.com/gath-stack/otel-demo-api/internal/tracing"
	"github.com/gath-stack/otel-demo-api/internal/workload"
)

type fixture struct {
	h       *telemetrytest.Harness
	server  *Server
	handler http.Handler
	logs    *observer.ObservedLogs
}

type fixtureOption func(*Options, *[]workload.Option)

func withPolicy(p workload.Policy) fixtureOption {
	return func(_ *Options, opts *[]workload.Option) {
		*opts = append(*opts, workload.WithPolicy(p))
	}
}

func withRealSleep() fixtureOption {
	return func(_ *Options, opts *[]workload.Option) {
		*opts = append(*opts, workload.WithSleeper(workload.Sleep))
	}
}

func withTimeout(d time.Duration) fixtureOption {
	return func(o *Options, _ *[]workload.Option) {
		o.RequestTimeout = d
	}
}

func newFixture(t *testing.T, fopts ...fixtureOption) *fixture {
	t.Helper()

	h := telemetrytest.New(t)
	m, err := metrics.NewAPIMetrics(metrics.NewRegistry(h.Meter()))
	require.NoError(t, err)

	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)

	opts := Options{
		Service:             "demo-api",
		Version:             "1.0.0",
		Environment:         "test",
		CollectorMetricsURL: "http://otel-collector:8888/metrics",
		PerformanceUsers:    3,
	}
	simOpts := []workload.Option{
		workload.WithPolicy(workload.FixedPolicy{}),
		workload.WithSleeper(workload.NoSleep),
		workload.WithLogger(log),
	}
	for _, fo := range fopts {
		fo(&opts, &simOpts)
	}

	sim := workload.NewSimulator(h.Tracer(), m, workload.DefaultConfig(), simOpts...)
	server := NewServer(sim, m, log, opts)
	handler := server.Routes(
		tracing.NewHTTPTracing(h.Tracer(), propagation.TraceContext{}).Middleware(),
	)

	return &fixture{h: h, server: server, handler: handler, logs: logs}
}

func (f *fixture) do(t *testing.T, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return rec, body
}

func (f *fixture) get(t *testing.T, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	return f.do(t, http.MethodGet, target)
}

func labels(kv ...string) map[string]string {
	m := map[string]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

func TestIndexAndHealth(t *testing.T) {
	f := newFixture(t)

	rec, body := f.get(t, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "demo-api", body["service"])
	assert.Len(t, body["endpoints"], len(routeList))

	rec, body = f.get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["timestamp"])

	assert.Equal(t, int64(1), f.h.CounterValue(metrics.APIRequestsTotal, labels("endpoint", "/health", "method", "GET")))
	assert.Equal(t, uint64(1), f.h.HistogramCount(metrics.APIRequestDurationSeconds, labels("endpoint", "/", "status", "success")))
}

func TestGetUser(t *testing.T) {
	t.Run("success echoes the id", func(t *testing.T) {
		f := newFixture(t)

		rec, body := f.get(t, "/user/5")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 5, body["id"])
		assert.Equal(t, "User_5", body["name"])
		assert.Equal(t, "1.0", body["version"])
		assert.NotNil(t, body["additional_info"])
		assert.NotEmpty(t, body["processed_at"])

		server := f.h.Span("GET /user/{id:[0-9]+}")
		processing := f.h.Span(workload.SpanProcessUser)
		assert.Equal(t, server.SpanContext().SpanID(), processing.Parent().SpanID())
		assert.Equal(t, uint64(1), f.h.HistogramCount(metrics.APIRequestDurationSeconds, labels("endpoint", "/user", "status", "success")))
	})

	t.Run("trigger id fails with 500", func(t *testing.T) {
		f := newFixture(t)

		rec, body := f.get(t, "/user/13")
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Internal Server Error", body["error"])
		assert.NotEmpty(t, body["message"])
		assert.NotEmpty(t, body["timestamp"])
		assert.NotContains(t, rec.Body.String(), "goroutine")

		assert.Equal(t, int64(1), f.h.CounterValue(metrics.APIErrorsTotal, labels("endpoint", "/user", "error_type", string(workload.KindDependency))))
		assert.Equal(t, int64(1), f.h.CounterValue(metrics.APIRequestsTotal, labels("endpoint", "/user", "method", "GET")))
		assert.Equal(t, uint64(1), f.h.HistogramCount(metrics.APIRequestDurationSeconds, labels("endpoint", "/user", "status", "error")))

		assert.True(t, telemetrytest.IsError(f.h.Span(workload.SpanDatabaseQuery)))
		assert.True(t, telemetrytest.IsError(f.h.Span(workload.SpanProcessUser)))
		server := f.h.Span("GET /user/{id:[0-9]+}")
		assert.True(t, telemetrytest.IsError(server))
		assert.True(t, telemetrytest.HasException(server))

		failed := f.logs.FilterMessage("Request failed").All()
		require.Len(t, failed, 1)
		assert.Equal(t, server.SpanContext().TraceID().String(), failed[0].ContextMap()["trace_id"])
	})

	t.Run("non numeric id is not routed", func(t *testing.T) {
		f := newFixture(t)

		rec, _ := f.get(t, "/user/abc")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, f.h.SpansNamed(workload.SpanProcessUser))
	})

	t.Run("id overflowing uint64 is rejected", func(t *testing.T) {
		f := newFixture(t)

		rec, body := f.get(t, "/user/99999999999999999999")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Bad Request", body["error"])
	})
}

func TestExternalFailureIsIsolated(t *testing.T) {
	f := newFixture(t, withPolicy(workload.FixedPolicy{Fail: map[string]bool{workload.UnitExternal: true}}))

	rec, body := f.get(t, "/user/5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "additional_info")
	assert.Nil(t, body["additional_info"])

	assert.True(t, telemetrytest.IsError(f.h.Span(workload.SpanExternalCall)))
	assert.Equal(t, codes.Ok, f.h.Span(workload.SpanProcessUser).Status().Code)
	assert.Equal(t, codes.Ok, f.h.Span("GET /user/{id:[0-9]+}").Status().Code)
	assert.Zero(t, f.h.CounterValue(metrics.APIErrorsTotal, nil))
	assert.Equal(t, uint64(1), f.h.HistogramCount(metrics.APIRequestDurationSeconds, labels("endpoint", "/user", "status", "success")))
}

func TestSimulateError(t *testing.T) {
	f := newFixture(t)

	for range 3 {
		rec, body := f.get(t, "/simulate-error")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Simulated Error", body["error"])
		assert.Equal(t, workload.IntentionalMessage, body["message"])
	}

	assert.Equal(t, int64(3), f.h.CounterValue(metrics.APIErrorsTotal, labels("endpoint", "/simulate-error", "error_type", string(workload.KindIntentional))))
	assert.Equal(t, uint64(3), f.h.HistogramCount(metrics.APIRequestDurationSeconds, labels("endpoint", "/simulate-error", "status", "error")))
	assert.Len(t, f.h.SpansNamed(workload.SpanSimulatedError), 3)
}

func TestPerformanceTest(t *testing.T) {
	t.Run("sequential with real latencies", func(t *testing.T) {
		f := newFixture(t, withRealSleep())

		rec, body := f.get(t, "/performance-test")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "performance", body["test"])
		assert.EqualValues(t, 3, body["users_processed"])
		assert.Equal(t, "sequential", body["mode"])
		assert.Len(t, body["results"], 3)
		assert.GreaterOrEqual(t, body["total_duration_seconds"], 0.15)

		root := f.h.Span(workload.SpanPerformance)
		for _, name := range []string{"process_user_1", "process_user_2", "process_user_3"} {
			assert.Equal(t, root.SpanContext().SpanID(), f.h.Span(name).Parent().SpanID(), name)
		}
	})

	t.Run("concurrent mode", func(t *testing.T) {
		f := newFixture(t)

		rec, body := f.get(t, "/performance-test?mode=concurrent")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "concurrent", body["mode"])
		assert.Len(t, body["results"], 3)
	})

	t.Run("unknown mode", func(t *testing.T) {
		f := newFixture(t)

		rec, _ := f.get(t, "/performance-test?mode=parallel")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, int64(1), f.h.CounterValue(metrics.APIErrorsTotal, labels("endpoint", "/performance-test", "error_type", KindBadRequest)))
	})

	t.Run("failure", func(t *testing.T) {
		f := newFixture(t, withPolicy(workload.FixedPolicy{Fail: map[string]bool{workload.UnitTransform: true}}))

		rec, body := f.get(t, "/performance-test")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Performance test failed", body["error"])
		assert.NotEmpty(t, body["timestamp"])
	})
}

func TestMetricsInfo(t *testing.T) {
	f := newFixture(t)

	rec, body := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://otel-collector:8888/metrics", body["collector_url"])
	assert.NotContains(t, body, "prometheus_url")
	assert.ElementsMatch(t, []any{
		metrics.APIRequestsTotal,
		metrics.APIRequestDurationSeconds,
		metrics.APIErrorsTotal,
		metrics.DataProcessingSeconds,
		metrics.DatabaseQuerySeconds,
		metrics.ExternalAPISeconds,
	}, body["endpoints"])
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)

	rec, body := f.get(t, "/does-not-exist")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not Found", body["error"])
	assert.Equal(t, "/does-not-exist", body["path"])
	assert.NotEmpty(t, body["timestamp"])

	assert.Equal(t, int64(1), f.h.CounterValue(metrics.APIErrorsTotal, labels("endpoint", UnknownEndpoint, "error_type", KindNotFound)))
	assert.True(t, telemetrytest.IsError(f.h.Span("GET unknown")))
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/health")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Method Not Allowed", body["error"])
	assert.Equal(t, int64(1), f.h.CounterValue(metrics.APIErrorsTotal, labels("endpoint", UnknownEndpoint, "error_type", KindMethodNotAllowed)))
}

func TestRequestTimeout(t *testing.T) {
	f := newFixture(t, withRealSleep(), withTimeout(10*time.Millisecond))

	rec, body := f.get(t, "/user/1")
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "Gateway Timeout", body["error"])
	assert.Equal(t, int64(1), f.h.CounterValue(metrics.APIErrorsTotal, labels("endpoint", "/user", "error_type", KindTimeout)))
}

func TestEndpointRecoversPanics(t *testing.T) {
	f := newFixture(t)

	h := f.server.endpoint("/boom", func(http.ResponseWriter, *http.Request) error {
		panic("kaput")
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "kaput")
	assert.Equal(t, int64(1), f.h.CounterValue(metrics.APIErrorsTotal, labels("endpoint", "/boom", "error_type", KindPanic)))
	assert.Equal(t, uint64(1), f.h.HistogramCount(metrics.APIRequestDurationSeconds, labels("endpoint", "/boom", "status", "error")))
}

func TestRouterRecoversMiddlewarePanics(t *testing.T) {
	f := newFixture(t)

	broken := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("middleware kaput")
		})
	}
	handler := f.server.Routes(broken)

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Internal Server Error", body["error"])
	assert.NotContains(t, rec.Body.String(), "kaput")
	assert.Equal(t, int64(1), f.h.CounterValue(metrics.APIErrorsTotal, labels("endpoint", UnknownEndpoint, "error_type", KindPanic)))
	assert.Len(t, f.logs.FilterMessage("Panic recovered").All(), 1)
}

func TestOneDurationSamplePerRequest(t *testing.T) {
	f := newFixture(t)

	targets := []string{"/", "/health", "/user/1", "/user/13", "/simulate-error", "/nope", "/metrics"}
	for _, target := range targets {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	}

	assert.Equal(t, uint64(len(targets)), f.h.HistogramCount(metrics.APIRequestDurationSeconds, nil))
	assert.Equal(t, int64(len(targets)), f.h.CounterValue(metrics.APIRequestsTotal, nil))
}

func TestToAPIError(t *testing.T) {
	e := toAPIError(context.DeadlineExceeded, "x")
	assert.Equal(t, http.StatusGatewayTimeout, e.Status)

	e = toAPIError(assert.AnError, "Boom")
	assert.Equal(t, http.StatusInternalServerError, e.Status)
	assert.Equal(t, "Boom", e.Title)
	assert.Equal(t, KindInternal, e.Kind)

	original := notFound("/x")
	assert.Same(t, original, toAPIError(original, "ignored"))
}
