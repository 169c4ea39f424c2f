package metrics

import (
	"context"
	"time"
)

// Outcome values used as the "status" label of the request duration histogram.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Instrument names exported by the application.
const (
	APIRequestsTotal          = "api_requests_total"
	APIRequestDurationSeconds = "api_request_duration_seconds"
	APIErrorsTotal            = "api_errors_total"
	DataProcessingSeconds     = "data_processing_duration_seconds"
	DatabaseQuerySeconds      = "database_query_duration_seconds"
	ExternalAPISeconds        = "external_api_duration_seconds"
)

// latencyBuckets covers the simulated dependency latencies (20ms - 2s).
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 1.5, 2, 5}

// APIMetrics holds the application-level instruments attributed per endpoint
// and per operation.
//
// Every helper fixes the label keys of its call site so series stay
// aggregatable across requests.
type APIMetrics struct {
	requests       *Counter
	duration       *Histogram
	errors         *Counter
	dataProcessing *Histogram
	dbQuery        *Histogram
	externalAPI    *Histogram
}

// NewAPIMetrics registers the application instruments on the registry.
func NewAPIMetrics(r *Registry) (*APIMetrics, error) {
	requests, err := r.Counter(APIRequestsTotal, "Total number of API requests")
	if err != nil {
		return nil, err
	}

	duration, err := r.Histogram(APIRequestDurationSeconds, "API request duration in seconds", "s", latencyBuckets...)
	if err != nil {
		return nil, err
	}

	errs, err := r.Counter(APIErrorsTotal, "Total number of API errors")
	if err != nil {
		return nil, err
	}

	dataProcessing, err := r.Histogram(DataProcessingSeconds, "Data processing duration in seconds", "s", latencyBuckets...)
	if err != nil {
		return nil, err
	}

	dbQuery, err := r.Histogram(DatabaseQuerySeconds, "Database query duration in seconds", "s", latencyBuckets...)
	if err != nil {
		return nil, err
	}

	externalAPI, err := r.Histogram(ExternalAPISeconds, "External API call duration in seconds", "s", latencyBuckets...)
	if err != nil {
		return nil, err
	}

	return &APIMetrics{
		requests:       requests,
		duration:       duration,
		errors:         errs,
		dataProcessing: dataProcessing,
		dbQuery:        dbQuery,
		externalAPI:    externalAPI,
	}, nil
}

// Names lists the application instrument names.
func (m *APIMetrics) Names() []string {
	return []string{
		APIRequestsTotal,
		APIRequestDurationSeconds,
		APIErrorsTotal,
		DataProcessingSeconds,
		DatabaseQuerySeconds,
		ExternalAPISeconds,
	}
}

// CountRequest increments the request counter at request entry.
func (m *APIMetrics) CountRequest(ctx context.Context, endpoint, method string) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, Labels{"endpoint": endpoint, "method": method})
}

// ObserveRequest records the total wall time of a request with its outcome.
func (m *APIMetrics) ObserveRequest(ctx context.Context, endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Record(ctx, d.Seconds(), Labels{"endpoint": endpoint, "status": outcome})
}

// CountError increments the error counter for an endpoint and error kind.
func (m *APIMetrics) CountError(ctx context.Context, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.errors.Add(ctx, 1, Labels{"endpoint": endpoint, "error_type": errorType})
}

// ObserveProcessing records the duration of a data processing pipeline run.
func (m *APIMetrics) ObserveProcessing(ctx context.Context, operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.dataProcessing.Record(ctx, d.Seconds(), Labels{"operation": operation})
}

// ObserveQuery records the duration of a database query.
func (m *APIMetrics) ObserveQuery(ctx context.Context, operation, table string, d time.Duration) {
	if m == nil {
		return
	}
	m.dbQuery.Record(ctx, d.Seconds(), Labels{"operation": operation, "table": table})
}

// ObserveExternalCall records the duration of an outbound API call.
func (m *APIMetrics) ObserveExternalCall(ctx context.Context, endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.externalAPI.Record(ctx, d.Seconds(), Labels{"endpoint": endpoint})
}
