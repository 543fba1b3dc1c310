package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ZapLogger adapts a *zap.Logger to the Logger interface. kv pairs are
// passed straight through to zap.SugaredLogger semantics (alternating
// key, value).
type ZapLogger struct {
	base *zap.SugaredLogger
}

// NewZapLogger wraps an existing *zap.Logger.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	return &ZapLogger{base: l.Sugar()}
}

func (z *ZapLogger) Debug(_ context.Context, msg string, kv ...any) { z.base.Debugw(msg, kv...) }
func (z *ZapLogger) Info(_ context.Context, msg string, kv ...any)  { z.base.Infow(msg, kv...) }
func (z *ZapLogger) Warn(_ context.Context, msg string, kv ...any)  { z.base.Warnw(msg, kv...) }
func (z *ZapLogger) Error(_ context.Context, msg string, kv ...any) { z.base.Errorw(msg, kv...) }

// OtelTracer adapts an otel trace.Tracer to the Tracer interface.
type OtelTracer struct {
	base trace.Tracer
}

// NewOtelTracer wraps an otel tracer obtained from a TracerProvider.
func NewOtelTracer(t trace.Tracer) *OtelTracer {
	return &OtelTracer{base: t}
}

func (o *OtelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := o.base.Start(ctx, name, opts...)
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *otelSpan) AddEvent(name string, kv ...any) {
	s.span.AddEvent(name, trace.WithAttributes(attrsFromKV(kv)...))
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// statsdMetrics records counters/timers/gauges by writing to a sink func,
// matching the pattern of dogstatsd-style clients used across the pack:
// a thin wrapper around an emit callback so the backend (statsd, otel
// metrics, prometheus) can be swapped without touching call sites.
type statsdMetrics struct {
	emitCounter func(name string, value float64, tags []string)
	emitTimer   func(name string, d time.Duration, tags []string)
	emitGauge   func(name string, value float64, tags []string)
}

// NewCallbackMetrics builds a Metrics implementation out of three emit
// callbacks, letting cmd/* wire in whatever metrics client is configured
// without runtime packages depending on it directly.
func NewCallbackMetrics(
	counter func(name string, value float64, tags []string),
	timer func(name string, d time.Duration, tags []string),
	gauge func(name string, value float64, tags []string),
) Metrics {
	return &statsdMetrics{emitCounter: counter, emitTimer: timer, emitGauge: gauge}
}

func (m *statsdMetrics) IncCounter(name string, value float64, tags ...string) {
	if m.emitCounter != nil {
		m.emitCounter(name, value, tags)
	}
}

func (m *statsdMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	if m.emitTimer != nil {
		m.emitTimer(name, d, tags)
	}
}

func (m *statsdMetrics) RecordGauge(name string, value float64, tags ...string) {
	if m.emitGauge != nil {
		m.emitGauge(name, value, tags)
	}
}
