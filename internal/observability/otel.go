package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	EnableTracing  bool
	EnableMetrics  bool
	SampleRate     float64 // 0.0 to 1.0
	MetricInterval time.Duration
}

// DefaultConfig returns a default OpenTelemetry configuration
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "petrel",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4318", // Default OTLP HTTP endpoint
		EnableTracing:  true,
		EnableMetrics:  true,
		SampleRate:     1.0, // Sample all traces in development
		MetricInterval: 30 * time.Second,
	}
}

// Setup initializes OpenTelemetry with the provided configuration
func Setup(ctx context.Context, config *Config) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var shutdownFuncs []func(context.Context) error

	if config.EnableTracing {
		tracerProvider, err := setupTracing(ctx, res, config)
		if err != nil {
			return nil, fmt.Errorf("failed to setup tracing: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
		otel.SetTracerProvider(tracerProvider)
	}

	if config.EnableMetrics {
		meterProvider, err := setupMetrics(ctx, res, config)
		if err != nil {
			return nil, fmt.Errorf("failed to setup metrics: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
		otel.SetMeterProvider(meterProvider)
	}

	// Set global propagator for distributed tracing
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("failed to shutdown OpenTelemetry: %w", errors.Join(errs...))
		}
		return nil
	}, nil
}

// setupTracing configures OpenTelemetry tracing
func setupTracing(ctx context.Context, res *resource.Resource, config *Config) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.OTLPEndpoint),
		otlptracehttp.WithInsecure(), // Use HTTP instead of HTTPS for local development
	}

	if len(config.OTLPHeaders) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(config.OTLPHeaders))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	if config.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if config.SampleRate <= 0.0 {
		sampler = sdktrace.NeverSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(config.SampleRate)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	return tracerProvider, nil
}

// setupMetrics configures OpenTelemetry metrics
func setupMetrics(ctx context.Context, res *resource.Resource, config *Config) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(config.OTLPEndpoint),
		otlpmetrichttp.WithInsecure(), // Use HTTP instead of HTTPS for local development
	}

	if len(config.OTLPHeaders) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(config.OTLPHeaders))
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(config.MetricInterval))),
	)

	return meterProvider, nil
}

// GetTracer returns a tracer for the given name
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name, trace.WithInstrumentationVersion("1.0.0"))
}

// GetMeter returns a meter for the given name
func GetMeter(name string) metric.Meter {
	return otel.Meter(name, metric.WithInstrumentationVersion("1.0.0"))
}

// PetrelMetrics holds application-specific metrics
type PetrelMetrics struct {
	EventsPublished     metric.Int64Counter
	Deliveries          metric.Int64Counter
	DeliveryDuration    metric.Float64Histogram
	RateLimitDeferrals  metric.Int64Counter
	BreakerSuppressions metric.Int64Counter
	BreakerTransitions  metric.Int64Counter
	ActiveEndpoints     metric.Int64UpDownCounter
}

// NewPetrelMetrics creates application-specific metrics
func NewPetrelMetrics() (*PetrelMetrics, error) {
	meter := GetMeter("petrel")

	eventsPublished, err := meter.Int64Counter(
		"petrel_events_published_total",
		metric.WithDescription("Total number of events published"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter(
		"petrel_deliveries_total",
		metric.WithDescription("Total number of webhook delivery attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	deliveryDuration, err := meter.Float64Histogram(
		"petrel_delivery_duration_seconds",
		metric.WithDescription("Duration of webhook deliveries in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	rateLimitDeferrals, err := meter.Int64Counter(
		"petrel_rate_limit_deferrals_total",
		metric.WithDescription("Delivery attempts deferred by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	breakerSuppressions, err := meter.Int64Counter(
		"petrel_breaker_suppressions_total",
		metric.WithDescription("Delivery attempts suppressed by an open circuit breaker"),
	)
	if err != nil {
		return nil, err
	}

	breakerTransitions, err := meter.Int64Counter(
		"petrel_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state transitions"),
	)
	if err != nil {
		return nil, err
	}

	activeEndpoints, err := meter.Int64UpDownCounter(
		"petrel_active_endpoints",
		metric.WithDescription("Current number of active webhook endpoints"),
	)
	if err != nil {
		return nil, err
	}

	return &PetrelMetrics{
		EventsPublished:     eventsPublished,
		Deliveries:          deliveries,
		DeliveryDuration:    deliveryDuration,
		RateLimitDeferrals:  rateLimitDeferrals,
		BreakerSuppressions: breakerSuppressions,
		BreakerTransitions:  breakerTransitions,
		ActiveEndpoints:     activeEndpoints,
	}, nil
}

// CountEventPublished records one accepted publish call.
func (m *PetrelMetrics) CountEventPublished(ctx context.Context) {
	m.EventsPublished.Add(ctx, 1)
}

// ObserveDelivery records one delivery attempt outcome.
func (m *PetrelMetrics) ObserveDelivery(ctx context.Context, outcome string, duration time.Duration) {
	m.Deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.DeliveryDuration.Record(ctx, duration.Seconds())
}

// CountRateLimitDeferral records a rate-limited delivery deferral.
func (m *PetrelMetrics) CountRateLimitDeferral(ctx context.Context) {
	m.RateLimitDeferrals.Add(ctx, 1)
}

// CountBreakerSuppression records a breaker-suppressed delivery.
func (m *PetrelMetrics) CountBreakerSuppression(ctx context.Context) {
	m.BreakerSuppressions.Add(ctx, 1)
}

// CountBreakerTransition records one breaker state change.
func (m *PetrelMetrics) CountBreakerTransition(ctx context.Context, from, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// AddActiveEndpoints moves the active endpoint gauge by delta.
func (m *PetrelMetrics) AddActiveEndpoints(ctx context.Context, delta int64) {
	m.ActiveEndpoints.Add(ctx, delta)
}
