// Package observe provides the observability primitives for Hearth:
// OpenTelemetry metrics with a Prometheus exporter bridge so the standard
// /metrics endpoint keeps working.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Hearth metrics.
const meterName = "github.com/emberworks/hearth"

// Metrics holds all OpenTelemetry metric instruments for the orchestrator.
// All fields are safe for concurrent use.
type Metrics struct {
	// InferenceDuration tracks model inference latency. Attributes:
	//   attribute.String("model", ...), attribute.String("status", ...)
	InferenceDuration metric.Float64Histogram

	// STTDuration tracks speech-to-text latency.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech latency.
	TTSDuration metric.Float64Histogram

	// ToolDuration tracks tool execution latency. Attributes:
	//   attribute.String("tool", ...), attribute.String("outcome", ...)
	ToolDuration metric.Float64Histogram

	// Requests counts orchestrator entry-point calls. Attributes:
	//   attribute.String("operation", ...), attribute.String("status", ...)
	Requests metric.Int64Counter

	// Denials counts gate rejections. Attributes:
	//   attribute.String("kind", ...)
	Denials metric.Int64Counter

	// FallbacksUsed counts generations served by a fallback model.
	FallbacksUsed metric.Int64Counter

	// CacheLookups counts response cache lookups. Attributes:
	//   attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// Subscribers tracks connected event stream subscribers.
	Subscribers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram boundaries (in seconds) spanning token
// streaming through slow tool executions.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.InferenceDuration, err = m.Float64Histogram("hearth.inference.duration",
		metric.WithDescription("Latency of model inference by model and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("hearth.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("hearth.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("hearth.tool.duration",
		metric.WithDescription("Latency of tool execution by tool and outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Requests, err = m.Int64Counter("hearth.requests",
		metric.WithDescription("Total orchestrator requests by operation and status."),
	); err != nil {
		return nil, err
	}
	if met.Denials, err = m.Int64Counter("hearth.gate.denials",
		metric.WithDescription("Total gate denials by fault kind."),
	); err != nil {
		return nil, err
	}
	if met.FallbacksUsed, err = m.Int64Counter("hearth.model.fallbacks",
		metric.WithDescription("Total generations served by a fallback model."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("hearth.cache.lookups",
		metric.WithDescription("Response cache lookups by result."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("hearth.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.Subscribers, err = m.Int64UpDownCounter("hearth.subscribers",
		metric.WithDescription("Number of connected event stream subscribers."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from the global meter provider. Panics if instrument creation
// fails, which cannot happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordRequest records one entry-point call.
func (m *Metrics) RecordRequest(ctx context.Context, operation, status string) {
	m.Requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	))
}

// RecordDenial records one gate rejection.
func (m *Metrics) RecordDenial(ctx context.Context, kind string) {
	m.Denials.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordInference records one model call.
func (m *Metrics) RecordInference(ctx context.Context, model, status string, elapsed time.Duration) {
	m.InferenceDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status),
	))
}

// RecordToolCall records one tool execution.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, outcome string, elapsed time.Duration) {
	m.ToolDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	))
}

// RecordFallback records one generation served by a fallback model.
func (m *Metrics) RecordFallback(ctx context.Context, requested, servedBy string) {
	m.FallbacksUsed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("requested", requested),
		attribute.String("served_by", servedBy),
	))
}

// RecordCacheLookup records one response cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
