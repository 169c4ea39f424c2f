package workload

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gath-stack/otel-demo-api/internal/tracing"
)

// Mode selects how PerformanceTest schedules users.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeConcurrent Mode = "concurrent"
)

// ParseMode maps a query value to a Mode. Empty means sequential.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSequential:
		return ModeSequential, nil
	case ModeConcurrent:
		return ModeConcurrent, nil
	}
	return "", fmt.Errorf("unknown performance mode %q", s)
}

// PerformanceResult is the outcome of PerformanceTest.
type PerformanceResult struct {
	Test           string       `json:"test"`
	UsersProcessed int          `json:"users_processed"`
	TotalDuration  float64      `json:"total_duration_seconds"`
	Mode           Mode         `json:"mode"`
	Results        []UserRecord `json:"results"`
}

// ProcessUser fetches a user, enriches it with the external API and
// normalizes the result.
//
// A failed database query or transformation fails the whole operation. A
// failed external call is absorbed: the record has no additional info and
// the process_user_data span keeps an Ok status.
func (s *Simulator) ProcessUser(ctx context.Context, id uint64) (UserRecord, error) {
	return tracing.Do(ctx, s.tracer, SpanProcessUser, func(ctx context.Context, span trace.Span) (UserRecord, error) {
		start := s.now()
		span.SetAttributes(attribute.String("user.id", strconv.FormatUint(id, 10)))
		s.log.Info("User data processing started", append(tracing.LogFields(ctx), zap.Uint64("user_id", id))...)

		user, err := s.QueryUser(ctx, id)
		if err != nil {
			s.log.Error("User data processing failed", append(tracing.LogFields(ctx), zap.Uint64("user_id", id), zap.Error(err))...)
			return UserRecord{}, err
		}

		var extra *ExternalResponse
		if resp, err := s.CallExternal(ctx, s.cfg.ExternalEndpoint); err != nil {
			if ctx.Err() != nil {
				return UserRecord{}, ctx.Err()
			}
			s.log.Warn("Failed to fetch additional data", append(tracing.LogFields(ctx), zap.Error(err))...)
		} else {
			extra = &resp
		}

		record, err := s.Transform(ctx, user, extra)
		if err != nil {
			s.log.Error("User data processing failed", append(tracing.LogFields(ctx), zap.Uint64("user_id", id), zap.Error(err))...)
			return UserRecord{}, err
		}

		s.metrics.ObserveProcessing(ctx, "full_processing", s.now().Sub(start))
		s.log.Info("User data processing completed", append(tracing.LogFields(ctx), zap.Uint64("user_id", id))...)
		return record, nil
	})
}

// PerformanceTest processes users 1..n, each under its own process_user_<i>
// span. The first failure aborts the test.
func (s *Simulator) PerformanceTest(ctx context.Context, n int, mode Mode) (PerformanceResult, error) {
	if n < 1 {
		return PerformanceResult{}, fmt.Errorf("performance test needs at least one user, got %d", n)
	}
	if mode == "" {
		mode = ModeSequential
	}

	return tracing.Do(ctx, s.tracer, SpanPerformance, func(ctx context.Context, span trace.Span) (PerformanceResult, error) {
		start := s.now()
		span.SetAttributes(
			attribute.Int("users.count", n),
			attribute.String("performance.mode", string(mode)),
		)

		results := make([]UserRecord, n)
		var err error
		switch mode {
		case ModeConcurrent:
			err = s.processConcurrently(ctx, results)
		default:
			err = s.processSequentially(ctx, results)
		}
		if err != nil {
			s.log.Error("Performance test failed", append(tracing.LogFields(ctx), zap.Error(err))...)
			return PerformanceResult{}, err
		}

		elapsed := s.now().Sub(start)
		s.log.Info("Performance test completed",
			append(tracing.LogFields(ctx),
				zap.Int("users", n),
				zap.String("mode", string(mode)),
				zap.Duration("duration", elapsed),
			)...)

		return PerformanceResult{
			Test:           "performance",
			UsersProcessed: n,
			TotalDuration:  elapsed.Seconds(),
			Mode:           mode,
			Results:        results,
		}, nil
	})
}

func (s *Simulator) processSequentially(ctx context.Context, results []UserRecord) error {
	for i := range results {
		record, err := s.processNumbered(ctx, i+1)
		if err != nil {
			return err
		}
		results[i] = record
	}
	return nil
}

// processConcurrently fills results in index order regardless of completion
// order.
func (s *Simulator) processConcurrently(ctx context.Context, results []UserRecord) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		g.Go(func() error {
			record, err := s.processNumbered(gctx, i+1)
			if err != nil {
				return err
			}
			results[i] = record
			return nil
		})
	}
	return g.Wait()
}

func (s *Simulator) processNumbered(ctx context.Context, i int) (UserRecord, error) {
	return tracing.Do(ctx, s.tracer, fmt.Sprintf("process_user_%d", i), func(ctx context.Context, _ trace.Span) (UserRecord, error) {
		return s.ProcessUser(ctx, uint64(i))
	})
}
