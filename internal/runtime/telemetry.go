package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gradilabs/gradi-desk/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the otel providers for the agent. Metrics always go
// through the prometheus reader behind /metrics; traces go to an OTLP
// collector when one is configured and to stdout otherwise.
type telemetry struct {
	tracer *sdktrace.TracerProvider
	meter  *sdkmetric.MeterProvider
	// metrics is nil when the prometheus exporter could not start.
	metrics http.Handler
}

func setupTelemetry(cfg config.Config, log *slog.Logger) (func(context.Context) error, http.Handler, error) {
	res := agentResource(cfg)

	tel := &telemetry{}
	if err := tel.initTracing(cfg, res, log); err != nil {
		return nil, nil, err
	}
	tel.initMetrics(res, log)

	otel.SetTracerProvider(tel.tracer)
	otel.SetMeterProvider(tel.meter)
	return tel.shutdown, tel.metrics, nil
}

// agentResource identifies this process to the collector, including the
// serial device it mediates so traces from several desks stay apart.
func agentResource(cfg config.Config) *resource.Resource {
	return resource.NewSchemaless(
		semconv.ServiceName(cfg.RuntimeName),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("gradi.serial_device", cfg.Serial.Device),
		attribute.Int("gradi.capture_rate_hz", cfg.Capture.SampleRate),
	)
}

func (t *telemetry) initTracing(cfg config.Config, res *resource.Resource, log *slog.Logger) error {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if exporter, err = otlptracegrpc.New(context.Background(), opts...); err != nil {
			return fmt.Errorf("create otlp trace exporter: %w", err)
		}
		log.Info("exporting traces to collector", slog.String("endpoint", endpoint))
	} else {
		// Single-line JSON keeps stdout greppable next to the slog records.
		if exporter, err = stdouttrace.New(); err != nil {
			return fmt.Errorf("create stdout trace exporter: %w", err)
		}
		log.Info("exporting traces to stdout")
	}

	t.tracer = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return nil
}

func (t *telemetry) initMetrics(res *resource.Resource, log *slog.Logger) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if exporter, err := prometheus.New(); err != nil {
		log.Warn("prometheus exporter unavailable, /metrics disabled",
			slog.String("error", err.Error()))
	} else {
		opts = append(opts, sdkmetric.WithReader(exporter))
		t.metrics = promhttp.Handler()
	}
	t.meter = sdkmetric.NewMeterProvider(opts...)
}

func (t *telemetry) shutdown(ctx context.Context) error {
	return errors.Join(t.meter.Shutdown(ctx), t.tracer.Shutdown(ctx))
}
