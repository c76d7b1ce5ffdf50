// Package tracing provides OpenTelemetry distributed tracing integration.
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/config"
)

const (
	defaultServiceName = "mc-relay"
	shutdownTimeout    = 10 * time.Second

	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
)

// Tracer wraps the OpenTelemetry tracer provider. A disabled Tracer is a no-op.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   config.TracingConfig
	logger   *zap.Logger
}

// Init installs the global tracer provider when tracing is enabled.
func Init(cfg config.TracingConfig, logger *zap.Logger) (*Tracer, error) {
	if !cfg.Enabled {
		logger.Info("OpenTelemetry tracing disabled")

		return &Tracer{config: cfg, logger: logger}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := createExporter(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(createSampler(cfg)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("OpenTelemetry tracing initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("version", cfg.ServiceVersion),
		zap.String("environment", cfg.Environment),
		zap.String("exporter", cfg.ExporterType),
		zap.String("sampler", cfg.SamplerType),
	)

	return &Tracer{
		provider: tp,
		tracer:   tp.Tracer(cfg.ServiceName),
		config:   cfg,
		logger:   logger,
	}, nil
}

func createExporter(cfg config.TracingConfig, logger *zap.Logger) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterOTLP, "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}

		return otlptracegrpc.New(context.Background(), opts...)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		logger.Warn("Unknown exporter type, falling back to stdout", zap.String("type", cfg.ExporterType))

		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
}

//nolint:ireturn // Returns OpenTelemetry interface
func createSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch cfg.SamplerType {
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(cfg.SamplerParam)
	default:
		return sdktrace.AlwaysSample()
	}
}

// Enabled reports whether spans are exported.
func (t *Tracer) Enabled() bool {
	return t.provider != nil
}

// HTTPMiddleware traces every request through next.
func (t *Tracer) HTTPMiddleware(next http.Handler) http.Handler {
	if !t.Enabled() {
		return next
	}

	return otelhttp.NewHandler(next, "mc-relay-http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	t.logger.Info("OpenTelemetry tracing shut down")

	return nil
}
