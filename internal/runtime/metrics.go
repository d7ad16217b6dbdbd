package runtime

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gradilabs/gradi-desk/internal/session"
)

// Metrics folds the transition stream into OpenTelemetry instruments.
// It implements session.Sink.
type Metrics struct {
	log *slog.Logger

	cycles  metric.Int64Counter
	errors  metric.Int64Counter
	latency metric.Int64Histogram

	mu     sync.Mutex
	active int64
}

func NewMetrics(log *slog.Logger) *Metrics {
	m := &Metrics{log: log.With(slog.String("component", "metrics"))}
	meter := otel.Meter("github.com/gradilabs/gradi-desk/runtime")

	var err error
	if m.cycles, err = meter.Int64Counter("gradi.session.cycles",
		metric.WithDescription("Completed mediation cycles")); err != nil {
		m.log.Warn("failed to create cycle counter", slog.String("error", err.Error()))
	}
	if m.errors, err = meter.Int64Counter("gradi.session.errors",
		metric.WithDescription("Cycles ended by the error taxonomy")); err != nil {
		m.log.Warn("failed to create error counter", slog.String("error", err.Error()))
	}
	if m.latency, err = meter.Int64Histogram("gradi.session.cycle_latency_ms",
		metric.WithDescription("End-to-end cycle latency"),
		metric.WithUnit("ms")); err != nil {
		m.log.Warn("failed to create latency histogram", slog.String("error", err.Error()))
	}

	gauge, err := meter.Int64ObservableGauge("gradi.session.active_cycles",
		metric.WithDescription("Cycles currently between segment start and cleanup"))
	if err != nil {
		m.log.Warn("failed to create active gauge", slog.String("error", err.Error()))
		return m
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		m.mu.Lock()
		active := m.active
		m.mu.Unlock()
		obs.ObserveInt64(gauge, active)
		return nil
	}, gauge); err != nil {
		m.log.Warn("failed to register gauge callback", slog.String("error", err.Error()))
	}
	return m
}

// RecordTransition implements session.Sink.
func (m *Metrics) RecordTransition(rec session.TransitionRecord) {
	ctx := context.Background()
	switch rec.Event {
	case "segment_start":
		m.mu.Lock()
		m.active++
		m.mu.Unlock()
	case "cycle_completed":
		m.cycleDone()
		if m.cycles != nil {
			m.cycles.Add(ctx, 1)
		}
		if m.latency != nil && rec.LatencyMS > 0 {
			m.latency.Record(ctx, rec.LatencyMS)
		}
	case "segment_rejected":
		m.cycleDone()
	case "error_timeout":
		m.cycleDone()
		if m.errors != nil {
			m.errors.Add(ctx, 1,
				metric.WithAttributes(attribute.String("cause", rec.Error)))
		}
	}
}

func (m *Metrics) cycleDone() {
	m.mu.Lock()
	if m.active > 0 {
		m.active--
	}
	m.mu.Unlock()
}
