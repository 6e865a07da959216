// Package observability provides optional OpenTelemetry tracing for
// connector operations. Tracing is off until Init is called with
// Enabled set; until then StartOperation is a no-op passthrough, so
// the lifecycle layer can call it unconditionally.
package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/moorhq/moor/pkg/errors"
	"github.com/moorhq/moor/pkg/logger"
)

// Config controls the tracer provider built by Init.
type Config struct {
	// Enabled turns span emission on. When false Init is a no-op.
	Enabled bool
	// ServiceName identifies this process in exported spans.
	ServiceName string
	// ServiceVersion is recorded on the tracing resource.
	ServiceVersion string
	// Environment tags spans with a deployment environment.
	Environment string
	// SampleRate in [0,1]; 0 never samples, 1 samples everything.
	SampleRate float64
	// PrettyPrint renders exported spans as indented JSON.
	PrettyPrint bool
}

// DefaultConfig returns a disabled tracing configuration with sane
// values for everything else.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "moor",
		ServiceVersion: "dev",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

var (
	mu       sync.RWMutex
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
)

// Init builds a stdout span exporter and installs a tracer provider as
// the process global. Calling Init again replaces the previous
// provider after flushing it.
func Init(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}

	opts := []stdouttrace.Option{}
	if cfg.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return errors.Wrap(err, errors.KindConfiguration, "failed to create trace exporter")
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return errors.Wrap(err, errors.KindConfiguration, "failed to create trace resource")
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	case cfg.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter),
	)

	mu.Lock()
	old := provider
	provider = tp
	tracer = tp.Tracer("github.com/moorhq/moor")
	mu.Unlock()

	otel.SetTracerProvider(tp)
	if old != nil {
		if err := old.Shutdown(context.Background()); err != nil {
			logger.Warn("failed to shut down previous tracer provider", zap.Error(err))
		}
	}

	logger.Debug("tracing initialized",
		zap.String("service", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate))
	return nil
}

// Shutdown flushes pending spans and disables tracing. Safe to call
// when tracing was never initialized.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp := provider
	provider = nil
	tracer = nil
	mu.Unlock()

	if tp == nil {
		return nil
	}
	if err := tp.Shutdown(ctx); err != nil {
		return errors.Wrap(err, errors.KindOperation, "failed to shut down tracer provider")
	}
	return nil
}

// Enabled reports whether spans are currently being emitted.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return tracer != nil
}

func activeTracer() trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return tracer
}

// StartOperation opens a span for one connector operation and returns
// the span context together with a finish callback. The callback
// records the operation outcome and ends the span; when tracing is
// disabled both returns are no-ops.
func StartOperation(ctx context.Context, instance, typeKey, operation string) (context.Context, func(error)) {
	t := activeTracer()
	if t == nil {
		return ctx, func(error) {}
	}

	ctx, span := t.Start(ctx, typeKey+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("connector.instance", instance),
			attribute.String("connector.type", typeKey),
			attribute.String("connector.operation", operation),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if kind := errors.KindOf(err); kind != "" {
				span.SetAttributes(attribute.String("error.kind", string(kind)))
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
