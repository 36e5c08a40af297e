// Package observe provides application-wide observability primitives for
// Trunkline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Trunkline metrics.
const meterName = "github.com/trunkline-ai/trunkline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionDuration tracks the time from first audio of an utterance
	// to its final transcript.
	TranscriptionDuration metric.Float64Histogram

	// ResponderDuration tracks responder HTTP round-trip latency.
	ResponderDuration metric.Float64Histogram

	// SynthesisDuration tracks text-to-speech synthesis latency from request
	// to last audio chunk.
	SynthesisDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end turn latency: final transcript to first
	// agent audio frame on the wire.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ResponderRequests counts responder calls. Use with attribute:
	//   attribute.String("status", ...)
	ResponderRequests metric.Int64Counter

	// Utterances counts finalized caller utterances.
	Utterances metric.Int64Counter

	// Interruptions counts caller barge-ins that cancelled agent playback.
	Interruptions metric.Int64Counter

	// SilenceWarnings counts silence-ladder warning prompts played.
	SilenceWarnings metric.Int64Counter

	// SilenceDisconnects counts calls ended by the silence watchdog.
	SilenceDisconnects metric.Int64Counter

	// MediaFrames counts inbound media frames. Use with attribute:
	//   attribute.String("call_sid", ...)
	MediaFrames metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("trunkline.transcription.duration",
		metric.WithDescription("Latency from first utterance audio to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponderDuration, err = m.Float64Histogram("trunkline.responder.duration",
		metric.WithDescription("Responder HTTP round-trip latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("trunkline.synthesis.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("trunkline.turn.duration",
		metric.WithDescription("End-to-end latency from final transcript to first agent audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ResponderRequests, err = m.Int64Counter("trunkline.responder.requests",
		metric.WithDescription("Total responder requests by status."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("trunkline.utterances",
		metric.WithDescription("Total finalized caller utterances."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("trunkline.interruptions",
		metric.WithDescription("Total caller barge-ins that cancelled agent playback."),
	); err != nil {
		return nil, err
	}
	if met.SilenceWarnings, err = m.Int64Counter("trunkline.silence.warnings",
		metric.WithDescription("Total silence-ladder warning prompts played."),
	); err != nil {
		return nil, err
	}
	if met.SilenceDisconnects, err = m.Int64Counter("trunkline.silence.disconnects",
		metric.WithDescription("Total calls ended by the silence watchdog."),
	); err != nil {
		return nil, err
	}
	if met.MediaFrames, err = m.Int64Counter("trunkline.media.frames",
		metric.WithDescription("Total inbound media frames by call."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("trunkline.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("trunkline.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("trunkline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordResponderRequest records a responder request counter increment with
// its outcome status ("ok", "error", "open_circuit").
func (m *Metrics) RecordResponderRequest(ctx context.Context, status string) {
	m.ResponderRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordUtterance records a finalized caller utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, callSid string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("call_sid", callSid)),
	)
}

// RecordInterruption records a caller barge-in.
func (m *Metrics) RecordInterruption(ctx context.Context, callSid string) {
	m.Interruptions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("call_sid", callSid)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
