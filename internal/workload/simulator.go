// Package workload simulates the dependencies of the demo API: a database
// query, a call to an external HTTP API and a data transformation step.
//
// Each unit opens its own child span under the span carried by ctx, blocks for
// a latency chosen by the Policy and then fails or succeeds as the Policy
// decides. Nothing is persisted and no network traffic leaves the process.
package workload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gath-stack/otel-demo-api/internal/logger"
	"github.com/gath-stack/otel-demo-api/internal/metrics"
	"github.com/gath-stack/otel-demo-api/internal/tracing"
)

// Span names opened by the simulator.
const (
	SpanDatabaseQuery  = UnitDatabase
	SpanExternalCall   = UnitExternal
	SpanTransformation = UnitTransform
	SpanSimulatedError = "simulated_error"
	SpanProcessUser    = "process_user_data"
	SpanPerformance    = "performance_test"
)

const userQuery = "SELECT * FROM users WHERE id = ?"

// Latency bounds of the units.
var (
	DatabaseLatency  = [2]time.Duration{50 * time.Millisecond, 200 * time.Millisecond}
	ExternalLatency  = [2]time.Duration{100 * time.Millisecond, 500 * time.Millisecond}
	TransformLatency = [2]time.Duration{20 * time.Millisecond, 20 * time.Millisecond}
)

// Config tunes the simulated dependencies.
type Config struct {
	// FailingUserID always fails the database query. Negative disables it.
	FailingUserID        int64
	DBFailureRate        float64
	ExternalFailureRate  float64
	TransformFailureRate float64
	ExternalEndpoint     string
	// BreakerThreshold is the number of consecutive external failures that
	// open the circuit. Zero keeps the circuit closed.
	BreakerThreshold int
	// BreakerTimeout is how long the circuit stays open.
	BreakerTimeout time.Duration
	Version        string
}

// DefaultConfig returns the reference behaviour of the demo.
func DefaultConfig() Config {
	return Config{
		FailingUserID:       13,
		ExternalFailureRate: 0.2,
		ExternalEndpoint:    "https://api.example.com/user-details",
		BreakerThreshold:    5,
		BreakerTimeout:      30 * time.Second,
		Version:             "1.0",
	}
}

// User is the record returned by the database query.
type User struct {
	ID        uint64    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// ExternalResponse is the payload returned by the external API.
type ExternalResponse struct {
	Status    string    `json:"status"`
	Data      string    `json:"data"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// UserRecord is a user merged with its additional info. AdditionalInfo is
// nil when the external call failed.
type UserRecord struct {
	User
	AdditionalInfo *ExternalResponse `json:"additional_info"`
	ProcessedAt    time.Time         `json:"processed_at"`
	Version        string            `json:"version"`
}

// Simulator runs the simulated units.
type Simulator struct {
	tracer  trace.Tracer
	metrics *metrics.APIMetrics
	cfg     Config
	policy  Policy
	sleep   Sleeper
	log     logger.Logger
	now     func() time.Time
	breaker *gobreaker.CircuitBreaker[ExternalResponse]
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithPolicy replaces the RandomPolicy.
func WithPolicy(p Policy) Option {
	return func(s *Simulator) { s.policy = p }
}

// WithSleeper replaces Sleep.
func WithSleeper(fn Sleeper) Option {
	return func(s *Simulator) { s.sleep = fn }
}

// WithLogger sets the logger used for unit and breaker events. The default
// discards everything.
func WithLogger(log logger.Logger) Option {
	return func(s *Simulator) { s.log = log }
}

// WithClock replaces time.Now for timestamps and duration samples. The
// Sleeper is not affected, so a fake clock pairs with NoSleep or a Sleeper
// that advances it.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// NewSimulator creates a Simulator. m may be nil, in which case no metrics
// are recorded.
func NewSimulator(tracer trace.Tracer, m *metrics.APIMetrics, cfg Config, opts ...Option) *Simulator {
	s := &Simulator{
		tracer:  tracer,
		metrics: m,
		cfg:     cfg,
		policy:  RandomPolicy{},
		sleep:   Sleep,
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.Version == "" {
		s.cfg.Version = "1.0"
	}

	threshold := uint32(max(s.cfg.BreakerThreshold, 0))
	s.breaker = gobreaker.NewCircuitBreaker[ExternalResponse](gobreaker.Settings{
		Name:    "external-api",
		Timeout: s.cfg.BreakerTimeout,
		// A caller giving up says nothing about the health of the dependency.
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return s
}

// BreakerState returns the state of the external API circuit breaker.
func (s *Simulator) BreakerState() gobreaker.State {
	return s.breaker.State()
}

func (s *Simulator) failsDeterministically(id uint64) bool {
	return s.cfg.FailingUserID >= 0 && id == uint64(s.cfg.FailingUserID)
}

// QueryUser simulates fetching a user row.
func (s *Simulator) QueryUser(ctx context.Context, id uint64) (User, error) {
	return tracing.Do(ctx, s.tracer, SpanDatabaseQuery, func(ctx context.Context, span trace.Span) (User, error) {
		start := s.now()
		span.SetAttributes(
			semconv.DBSystemPostgreSQL,
			semconv.DBStatementKey.String(userQuery),
			attribute.String("db.user_id", strconv.FormatUint(id, 10)),
		)
		s.log.Debug("Database query started", append(tracing.LogFields(ctx), zap.Uint64("user_id", id))...)

		if err := s.sleep(ctx, s.policy.Latency(UnitDatabase, DatabaseLatency[0], DatabaseLatency[1])); err != nil {
			return User{}, err
		}

		if s.failsDeterministically(id) || s.policy.ShouldFail(UnitDatabase, s.cfg.DBFailureRate) {
			err := dependencyError("database_query", "database query failed for user %d: connection reset by peer", id)
			s.log.Error("Database query failed", append(tracing.LogFields(ctx), zap.Uint64("user_id", id), zap.Error(err))...)
			return User{}, err
		}

		user := User{
			ID:        id,
			Name:      fmt.Sprintf("User_%d", id),
			Email:     fmt.Sprintf("user%d@example.com", id),
			CreatedAt: s.now().UTC(),
		}
		span.SetAttributes(attribute.Int("db.result_rows", 1))
		s.metrics.ObserveQuery(ctx, "select", "users", s.now().Sub(start))
		s.log.Debug("Database query completed", tracing.LogFields(ctx)...)
		return user, nil
	})
}

// CallExternal simulates a GET on endpoint. Calls go through a circuit
// breaker; an open circuit fails fast with KindCircuitOpen.
func (s *Simulator) CallExternal(ctx context.Context, endpoint string) (ExternalResponse, error) {
	return tracing.Do(ctx, s.tracer, SpanExternalCall, func(ctx context.Context, span trace.Span) (ExternalResponse, error) {
		span.SetAttributes(
			semconv.HTTPMethodKey.String("GET"),
			semconv.HTTPURLKey.String(endpoint),
		)
		s.log.Debug("External API call started", append(tracing.LogFields(ctx), zap.String("endpoint", endpoint))...)

		resp, err := s.breaker.Execute(func() (ExternalResponse, error) {
			return s.callExternal(ctx, endpoint)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &Error{
				Kind:    KindCircuitOpen,
				Op:      "external_api_call",
				Message: "external API circuit breaker is open",
				Err:     err,
			}
		}
		if err != nil {
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(500))
			s.log.Error("External API call failed", append(tracing.LogFields(ctx), zap.String("endpoint", endpoint), zap.Error(err))...)
			return ExternalResponse{}, err
		}

		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(200))
		s.log.Debug("External API call completed", tracing.LogFields(ctx)...)
		return resp, nil
	})
}

func (s *Simulator) callExternal(ctx context.Context, endpoint string) (ExternalResponse, error) {
	start := s.now()
	if err := s.sleep(ctx, s.policy.Latency(UnitExternal, ExternalLatency[0], ExternalLatency[1])); err != nil {
		return ExternalResponse{}, err
	}
	if s.policy.ShouldFail(UnitExternal, s.cfg.ExternalFailureRate) {
		return ExternalResponse{}, dependencyError("external_api_call", "External API returned 500 Internal Server Error")
	}
	s.metrics.ObserveExternalCall(ctx, endpoint, s.now().Sub(start))
	return ExternalResponse{
		Status:    "success",
		Data:      "Response from " + endpoint,
		RequestID: uuid.NewString(),
		Timestamp: s.now().UTC(),
	}, nil
}

// Transform merges user and extra into a UserRecord. extra may be nil.
func (s *Simulator) Transform(ctx context.Context, user User, extra *ExternalResponse) (UserRecord, error) {
	return tracing.Do(ctx, s.tracer, SpanTransformation, func(ctx context.Context, span trace.Span) (UserRecord, error) {
		span.SetAttributes(attribute.String("operation", "normalize"))

		if err := s.sleep(ctx, s.policy.Latency(UnitTransform, TransformLatency[0], TransformLatency[1])); err != nil {
			return UserRecord{}, err
		}
		if s.policy.ShouldFail(UnitTransform, s.cfg.TransformFailureRate) {
			return UserRecord{}, dependencyError("data_transformation", "data transformation failed for user %d", user.ID)
		}

		record := UserRecord{
			User:           user,
			AdditionalInfo: extra,
			ProcessedAt:    s.now().UTC(),
			Version:        s.cfg.Version,
		}
		if body, err := json.Marshal(record); err == nil {
			span.SetAttributes(attribute.Int("output.size", len(body)))
		}
		return record, nil
	})
}

// Intentional always fails. It exercises the error path end to end.
func (s *Simulator) Intentional(ctx context.Context) error {
	return tracing.Run(ctx, s.tracer, SpanSimulatedError, func(ctx context.Context, span trace.Span) error {
		span.SetAttributes(attribute.String("error.type", "intentional"))
		err := &Error{Kind: KindIntentional, Op: "simulate_error", Message: IntentionalMessage}
		s.log.Error("Intentional error", append(tracing.LogFields(ctx), zap.Error(err))...)
		return err
	})
}
