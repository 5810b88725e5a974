// Package telemetry wires OpenTelemetry tracing and the metric instruments
// the governance engine records.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// Shutdown flushes pending spans and releases the exporter.
type Shutdown func(context.Context) error

type settings struct {
	service  string
	version  string
	endpoint string
	spansOut string
	stderr   io.Writer
	ratio    float64
	exporter sdktrace.SpanExporter
}

type Option func(*settings)

// WithService names the service on every span's resource.
func WithService(name, version string) Option {
	return func(s *settings) {
		s.service = name
		s.version = version
	}
}

// WithEndpoint exports spans over OTLP HTTP. Empty falls back to
// OTEL_EXPORTER_OTLP_ENDPOINT.
func WithEndpoint(url string) Option {
	return func(s *settings) { s.endpoint = url }
}

// WithSpansOut writes spans as JSON lines to path, or to stderr for "-",
// when no OTLP endpoint is set.
func WithSpansOut(path string) Option {
	return func(s *settings) { s.spansOut = path }
}

// WithSampleRatio samples root spans at ratio; children follow their parent.
func WithSampleRatio(ratio float64) Option {
	return func(s *settings) { s.ratio = ratio }
}

// WithExporter bypasses endpoint and file selection.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(s *settings) { s.exporter = exp }
}

// Init installs a global tracer provider and the W3C propagators.
func Init(ctx context.Context, opts ...Option) (Shutdown, error) {
	s := settings{service: "charterguard", version: "dev", ratio: 1, stderr: os.Stderr}
	for _, opt := range opts {
		opt(&s)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(s.service),
			semconv.ServiceVersion(s.version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, closeOut, err := s.newExporter(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.ratio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if closeOut != nil {
			err = errors.Join(err, closeOut())
		}
		return err
	}, nil
}

func (s settings) newExporter(ctx context.Context) (sdktrace.SpanExporter, func() error, error) {
	if s.exporter != nil {
		return s.exporter, nil, nil
	}

	endpoint := s.endpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, nil, nil
	}

	var w io.Writer = io.Discard
	var closeOut func() error
	switch s.spansOut {
	case "":
	case "-":
		w = s.stderr
	default:
		f, err := os.OpenFile(s.spansOut, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open spans output: %w", err)
		}
		w, closeOut = f, f.Close
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if closeOut != nil {
			_ = closeOut()
		}
		return nil, nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	return exp, closeOut, nil
}
