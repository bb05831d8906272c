package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"concierge/internal/config"
)

const exporterDialTimeout = 5 * time.Second

// TracerProvider owns the SDK provider so the process can flush spans on shutdown.
type TracerProvider struct {
	tp *sdktrace.TracerProvider
}

func (tp *TracerProvider) Tracer(name string) trace.Tracer {
	return tp.tp.Tracer(name)
}

func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.tp == nil {
		return nil
	}
	return tp.tp.Shutdown(ctx)
}

// Init installs the global tracer provider and W3C propagators. With tracing disabled it
// returns a provider that records nothing and leaves the globals untouched.
func Init(cfg config.TracingConfig, serviceName string) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{tp: sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))}, nil
	}
	if cfg.ServiceName != "" {
		serviceName = cfg.ServiceName
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := newExporter(cfg.OTLP)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(createSampler(cfg.Sampler)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

func newExporter(cfg config.OTLPConfig) (sdktrace.SpanExporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), exporterDialTimeout)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

var samplers = map[string]func(param float64) sdktrace.Sampler{
	"always_on":  func(float64) sdktrace.Sampler { return sdktrace.AlwaysSample() },
	"always_off": func(float64) sdktrace.Sampler { return sdktrace.NeverSample() },
	"traceidratio": func(p float64) sdktrace.Sampler {
		return sdktrace.TraceIDRatioBased(p)
	},
	"parentbased_always_on": func(float64) sdktrace.Sampler {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	},
	"parentbased_traceidratio": func(p float64) sdktrace.Sampler {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(p))
	},
}

func createSampler(cfg config.SamplerConfig) sdktrace.Sampler {
	if build, ok := samplers[cfg.Type]; ok {
		return build(cfg.Param)
	}
	return sdktrace.AlwaysSample()
}

func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

const automationTracer = "concierge/automation"

// Span attribute keys for booking work.
const (
	AttrBookingID  = attribute.Key("booking.id")
	AttrPropertyID = attribute.Key("property.id")
	AttrOutcome    = attribute.Key("automation.outcome")
)

// StartBookingSpan starts a span for work done on one booking.
func StartBookingSpan(ctx context.Context, operation, bookingID, propertyID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrBookingID.String(bookingID)}
	if propertyID != "" {
		attrs = append(attrs, AttrPropertyID.String(propertyID))
	}
	return GetTracer(automationTracer).Start(ctx, operation, trace.WithAttributes(attrs...))
}

// RecordError marks span failed when err is non-nil and returns err.
func RecordError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
