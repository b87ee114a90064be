// Package observability provides the ambient logging/tracing stack
// used throughout Bob, grounded on the teacher's
// internal/grpc/logging/interceptor.go (log/slog with structured
// fields keyed by operation) and internal/tracing (otel tracer
// helpers). Metrics (Prometheus/Graphite) are an explicit out-of-scope
// external collaborator per spec.md §1; MetricsSink below exists only
// so callers have something to inject without pulling in a concrete
// exporter.
package observability

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger builds the root structured logger. Components derive their
// own logger with With(...) the way the teacher's interceptors do
// (slog.String("method", ...)).
func NewLogger(level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// Component returns a logger scoped to a named subsystem, e.g.
// observability.Component(logger, "grinder").
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}

// TracerName is the otel tracer name Bob's spans are grouped under.
const TracerName = "github.com/qoollo/bob"

// Tracer returns the process-wide tracer registered under TracerName
// (SPEC_FULL.md "Domain Stack": otel tracing is ambient observability,
// not the excluded Prometheus/Graphite exporters). The Grinder does not
// use it; it opens its spans on its own otel tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan is a small convenience wrapper so call sites read like the
// teacher's fan-out handlers (start a span, defer End, attach
// attributes as the operation progresses).
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name)
}

// MetricsSink is the interface a concrete metrics exporter (Prometheus,
// Graphite — out of scope per spec.md §1) would implement. Bob's core
// only ever calls against this interface so a real deployment can wire
// in an exporter without touching the core.
type MetricsSink interface {
	IncCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// NoopMetricsSink discards everything; it is the default.
type NoopMetricsSink struct{}

func (NoopMetricsSink) IncCounter(string, map[string]string) {}

func (NoopMetricsSink) ObserveHistogram(string, float64, map[string]string) {}
