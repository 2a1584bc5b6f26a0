// Package telemetry wires structured logging and tracing: a
// *zap.SugaredLogger built once at startup and a shared otel.Tracer
// threaded through call sites.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// NewLogger builds the module-wide structured logger. Production code should
// call NewLogger once at startup and hold the result; tests may use
// NewNopLogger.
func NewLogger(development bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// NewNopLogger returns a logger that discards everything, for tests.
func NewNopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// Tracer is shared by internal/report for per-tax-year spans and by
// internal/rates for per-cache-miss spans.
var Tracer = otel.Tracer("cgtcalc")

// StartSpan is a thin convenience wrapper so call sites don't repeat the
// otel import.
func StartSpan(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name, attrs...)
}
