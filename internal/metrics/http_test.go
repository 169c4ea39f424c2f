package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gath-stack/otel-demo-api/internal/metrics"
	"github.com/gath-stack/otel-demo-api/internal/telemetrytest"
)

func TestHTTPMetrics_Middleware(t *testing.T) {
	h := telemetrytest.New(t)
	hm, err := metrics.NewHTTPMetrics(metrics.NewRegistry(h.Meter()))
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(hm.Middleware())
	r.Get("/user/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, target := range []string{"/user/1", "/user/2", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	assert.Equal(t, int64(2), h.CounterValue("http.server.requests", map[string]string{
		"http.route":       "/user/{id}",
		"http.status_code": "200",
	}))
	assert.Equal(t, int64(1), h.CounterValue("http.server.requests", map[string]string{
		"http.route":       metrics.UnmatchedRoute,
		"http.status_code": "404",
	}))
	assert.Equal(t, uint64(3), h.HistogramCount("http.server.duration", nil))
	assert.Equal(t, float64(4), h.HistogramSum("http.server.response.size", map[string]string{"http.route": "/user/{id}"}))
}

func TestRuntimeMetrics(t *testing.T) {
	h := telemetrytest.New(t)
	rm, err := metrics.NewRuntimeMetrics(h.Meter())
	require.NoError(t, err)

	names := map[string]bool{}
	for _, sm := range h.Collect().ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	for _, want := range []string{"go.goroutines", "go.memory.heap.alloc", "go.gc.count"} {
		assert.True(t, names[want], want)
	}

	require.NoError(t, rm.Unregister())
	assert.Positive(t, metrics.NumGoroutines())
}
