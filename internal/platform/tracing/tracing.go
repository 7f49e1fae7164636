// Package tracing configures the OpenTelemetry tracer provider and wraps span
// bookkeeping used by the services.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/animus-labs/flowgate/internal/platform/env"
)

const instrumentationName = "github.com/animus-labs/flowgate"

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

type Config struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

func ConfigFromEnv(service string) (Config, error) {
	insecure, err := env.Bool("FLOWGATE_OTLP_INSECURE", true)
	if err != nil {
		return Config{}, err
	}
	ratio, err := env.Float("FLOWGATE_TRACE_SAMPLE_RATIO", 1)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		ServiceName:  service,
		Exporter:     strings.ToLower(env.String("FLOWGATE_TRACE_EXPORTER", ExporterNone)),
		OTLPEndpoint: env.String("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure: insecure,
		SampleRatio:  ratio,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Exporter {
	case ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("FLOWGATE_TRACE_EXPORTER must be one of: none, stdout, otlp (got %q)", c.Exporter)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return errors.New("FLOWGATE_TRACE_SAMPLE_RATIO must be within [0,1]")
	}
	return nil
}

// Init installs a global tracer provider. With the none exporter the global
// no-op provider is left in place and shutdown does nothing.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case ExporterNone, "":
		return noop, nil
	case ExporterStdout:
		exporter, err = stdouttrace.New()
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	res := resource.NewWithAttributes("", attribute.String("service.name", cfg.ServiceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on the span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func Tenant(tenantID, environmentID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("flowgate.tenant_id", tenantID)}
	if environmentID != "" {
		attrs = append(attrs, attribute.String("flowgate.environment_id", environmentID))
	}
	return attrs
}
