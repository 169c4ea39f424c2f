package tracing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gath-stack/otel-demo-api/internal/telemetrytest"
	"github.com/gath-stack/otel-demo-api/internal/tracing"
)

func TestDo(t *testing.T) {
	t.Run("success ends span with ok status", func(t *testing.T) {
		h := telemetrytest.New(t)

		got, err := tracing.Do(context.Background(), h.Tracer(), "work",
			func(ctx context.Context, span trace.Span) (int, error) {
				span.SetAttributes(attribute.Int("items", 3))
				return 42, nil
			})

		require.NoError(t, err)
		assert.Equal(t, 42, got)

		span := h.Span("work")
		assert.Equal(t, codes.Ok, span.Status().Code)
		assert.False(t, span.Parent().IsValid(), "span without current span must be a root")
		assert.False(t, span.EndTime().Before(span.StartTime()))
		v, ok := telemetrytest.Attr(span, "items")
		assert.True(t, ok)
		assert.Equal(t, "3", v)
	})

	t.Run("error is recorded and returned", func(t *testing.T) {
		h := telemetrytest.New(t)
		boom := errors.New("boom")

		err := tracing.Run(context.Background(), h.Tracer(), "work",
			func(ctx context.Context, span trace.Span) error {
				return boom
			})

		assert.ErrorIs(t, err, boom)
		span := h.Span("work")
		assert.True(t, telemetrytest.IsError(span))
		assert.Equal(t, "boom", span.Status().Description)
		assert.True(t, telemetrytest.HasException(span))
	})

	t.Run("panic ends the span and propagates", func(t *testing.T) {
		h := telemetrytest.New(t)

		assert.PanicsWithValue(t, "kaput", func() {
			_ = tracing.Run(context.Background(), h.Tracer(), "work",
				func(ctx context.Context, span trace.Span) error {
					panic("kaput")
				})
		})

		span := h.Span("work")
		assert.True(t, telemetrytest.IsError(span))
		assert.True(t, telemetrytest.HasException(span))
	})

	t.Run("children nest under the current span", func(t *testing.T) {
		h := telemetrytest.New(t)
		tracer := h.Tracer()

		err := tracing.Run(context.Background(), tracer, "parent",
			func(ctx context.Context, _ trace.Span) error {
				if err := tracing.Run(ctx, tracer, "first", func(context.Context, trace.Span) error { return nil }); err != nil {
					return err
				}
				// ctx still carries parent after the first child returned
				return tracing.Run(ctx, tracer, "second", func(context.Context, trace.Span) error { return nil })
			})
		require.NoError(t, err)

		parent := h.Span("parent")
		for _, name := range []string{"first", "second"} {
			child := h.Span(name)
			assert.Equal(t, parent.SpanContext().SpanID(), child.Parent().SpanID(), name)
			assert.Equal(t, parent.SpanContext().TraceID(), child.SpanContext().TraceID(), name)
		}
	})

	t.Run("child error does not alter parent status", func(t *testing.T) {
		h := telemetrytest.New(t)
		tracer := h.Tracer()

		err := tracing.Run(context.Background(), tracer, "parent",
			func(ctx context.Context, _ trace.Span) error {
				_ = tracing.Run(ctx, tracer, "child", func(context.Context, trace.Span) error {
					return errors.New("absorbed")
				})
				return nil
			})
		require.NoError(t, err)

		assert.True(t, telemetrytest.IsError(h.Span("child")))
		assert.Equal(t, codes.Ok, h.Span("parent").Status().Code)
	})
}

func TestRecordError(t *testing.T) {
	h := telemetrytest.New(t)
	_, span := h.Tracer().Start(context.Background(), "op")

	tracing.RecordError(span, nil)
	tracing.RecordError(span, errors.New("first"))
	tracing.RecordError(span, errors.New("second"))
	span.End()

	// mutations after End are ignored
	span.SetAttributes(attribute.String("late", "yes"))

	ended := h.Span("op")
	assert.Equal(t, "second", ended.Status().Description)
	assert.Len(t, ended.Events(), 2)
	_, late := telemetrytest.Attr(ended, "late")
	assert.False(t, late)
}

func TestLogFields(t *testing.T) {
	h := telemetrytest.New(t)

	assert.Nil(t, tracing.LogFields(context.Background()))

	ctx, span := h.Tracer().Start(context.Background(), "op")
	defer span.End()

	fields := tracing.LogFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "trace_id", fields[0].Key)
	assert.Equal(t, span.SpanContext().TraceID().String(), fields[0].String)
}
