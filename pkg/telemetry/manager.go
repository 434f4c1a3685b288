// Package telemetry wires tracing, metrics, masking and structured logging
// for sessions and providers.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/cexll/sessionkit"

// Config configures a Manager. When TracerProvider is nil and Endpoint is
// set, spans are exported over OTLP/HTTP; otherwise the global providers
// are used.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP/HTTP collector address (host:port).
	Endpoint string
	Insecure bool

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	Filter FilterConfig
}

// Manager owns the tracer, meter and masking filter.
type Manager struct {
	tracer trace.Tracer
	filter *filter

	turns        metric.Int64Counter
	turnDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter

	shutdown []func(context.Context) error
}

// TurnData describes one finished session turn.
type TurnData struct {
	SessionID string
	Provider  string
	Model     string
	Rounds    int
	Duration  time.Duration
	Error     error
}

// ToolData describes one tool execution.
type ToolData struct {
	SessionID string
	Name      string
	Duration  time.Duration
	Error     error
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	f, err := newFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}
	m := &Manager{filter: f}

	tp := cfg.TracerProvider
	if tp == nil && cfg.Endpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
		}
		sdkProvider := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resource.NewSchemaless(serviceAttributes(cfg)...)),
		)
		m.shutdown = append(m.shutdown, sdkProvider.Shutdown)
		tp = sdkProvider
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	m.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))

	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	if m.turns, err = meter.Int64Counter("session.turns.total",
		metric.WithDescription("Completed or failed session turns")); err != nil {
		return nil, fmt.Errorf("telemetry: turns counter: %w", err)
	}
	if m.turnDuration, err = meter.Float64Histogram("session.turn.duration",
		metric.WithDescription("Wall time of a session turn"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("telemetry: turn histogram: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter("session.tool_calls.total",
		metric.WithDescription("Tool executions")); err != nil {
		return nil, fmt.Errorf("telemetry: tool counter: %w", err)
	}
	return m, nil
}

func serviceAttributes(cfg Config) []attribute.KeyValue {
	name := cfg.ServiceName
	if name == "" {
		name = "sessionkit"
	}
	attrs := []attribute.KeyValue{attribute.String("service.name", name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	return attrs
}

// StartSpan starts a span on the manager's tracer.
func (m *Manager) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, opts...)
}

// MaskText replaces sensitive substrings.
func (m *Manager) MaskText(s string) string { return m.filter.maskText(s) }

// SanitizeAttributes masks string attribute values.
func (m *Manager) SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	return m.filter.sanitize(attrs)
}

// RecordTurn publishes turn counters and latency.
func (m *Manager) RecordTurn(ctx context.Context, data TurnData) {
	attrs := metric.WithAttributes(
		attribute.String("session.id", data.SessionID),
		attribute.String("llm.provider", data.Provider),
		attribute.String("llm.model", data.Model),
		attribute.Int("session.turn.rounds", data.Rounds),
		attribute.Bool("session.turn.error", data.Error != nil),
	)
	m.turns.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, data.Duration.Seconds(), attrs)
}

// RecordToolCall counts one tool execution.
func (m *Manager) RecordToolCall(ctx context.Context, data ToolData) {
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("session.id", data.SessionID),
		attribute.String("tool.name", data.Name),
		attribute.Bool("tool.error", data.Error != nil),
	))
}

// Shutdown flushes exporters created by NewManager.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range m.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	defaultManager atomic.Pointer[Manager]
	fallbackFilter = mustFilter()
)

func mustFilter() *filter {
	f, err := newFilter(FilterConfig{})
	if err != nil {
		panic(err)
	}
	return f
}

// SetDefault installs m for the package-level helpers. Passing nil reverts
// to the global otel providers.
func SetDefault(m *Manager) { defaultManager.Store(m) }

// Default returns the installed manager, if any.
func Default() *Manager { return defaultManager.Load() }

// StartSpan starts a span on the default manager or the global tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if m := Default(); m != nil {
		return m.StartSpan(ctx, name, opts...)
	}
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// EndSpan records err (if any) and ends span.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SanitizeAttributes masks attributes with the default manager's filter.
func SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	if m := Default(); m != nil {
		return m.SanitizeAttributes(attrs...)
	}
	return fallbackFilter.sanitize(attrs)
}

// MaskText masks s with the default manager's filter.
func MaskText(s string) string {
	if m := Default(); m != nil {
		return m.MaskText(s)
	}
	return fallbackFilter.maskText(s)
}

// RecordTurn records on the default manager when one is installed.
func RecordTurn(ctx context.Context, data TurnData) {
	if m := Default(); m != nil {
		m.RecordTurn(ctx, data)
	}
}

// RecordToolCall records on the default manager when one is installed.
func RecordToolCall(ctx context.Context, data ToolData) {
	if m := Default(); m != nil {
		m.RecordToolCall(ctx, data)
	}
}

// ProviderAttributes are the span attributes shared by provider calls.
func ProviderAttributes(provider, model string, streaming bool, extra ...attribute.KeyValue) trace.SpanStartEventOption {
	attrs := append([]attribute.KeyValue{
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", strings.TrimSpace(model)),
		attribute.Bool("llm.stream", streaming),
	}, extra...)
	return trace.WithAttributes(SanitizeAttributes(attrs...)...)
}
