package tracing

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestKafkaHeaders_RoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := InjectTraceContext(ctx, []kafka.Header{{Key: "source", Value: []byte("automation-service")}})
	require.Len(t, headers, 2)

	extracted := ExtractTraceContext(context.Background(), headers)
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(extracted).TraceID())
}

func TestStartSpanFromKafkaMessage_ContinuesTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	ctx, producer := tp.Tracer("test").Start(context.Background(), "publish")
	headers := InjectTraceContext(ctx, nil)
	producer.End()

	_, span := StartSpanFromKafkaMessage(context.Background(), "booking_events", headers)
	defer span.End()

	assert.Equal(t, producer.SpanContext().TraceID(), span.SpanContext().TraceID())
	assert.NotEqual(t, producer.SpanContext().SpanID(), span.SpanContext().SpanID())
}
