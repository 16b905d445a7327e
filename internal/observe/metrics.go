// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped
// from the Prometheus registry owned by [Provider]. A package-level default
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

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks the time from utterance acceptance (or typed
	// message) until the turn settles back to Listening or Idle.
	TurnDuration metric.Float64Histogram

	// FirstAudioLatency tracks the time from sending a turn until its first
	// audio chunk arrives.
	FirstAudioLatency metric.Float64Histogram

	// AssistantRequestDuration tracks assistant HTTP calls until response
	// headers. Use with attribute:
	//   attribute.String("endpoint", ...)
	AssistantRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts finished recordings. Use with attribute:
	//   attribute.String("outcome", "accepted"|"discarded")
	Utterances metric.Int64Counter

	// StateTransitions counts conversation state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// StreamEvents counts parsed response events. Use with attribute:
	//   attribute.String("kind", ...)
	StreamEvents metric.Int64Counter

	// PlaybackItems counts audio chunks that left the playback queue. Use with
	// attribute:
	//   attribute.String("status", "played"|"interrupted"|"failed")
	PlaybackItems metric.Int64Counter

	// BargeIns counts playback interrupted by a new utterance.
	BargeIns metric.Int64Counter

	// WakeWordChecks counts wake-word classifications. Use with attribute:
	//   attribute.Bool("detected", ...)
	WakeWordChecks metric.Int64Counter

	// --- Error counters ---

	// AssistantErrors counts failed turns and calls. Use with attribute:
	//   attribute.String("kind", ...)
	AssistantErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConversations is 1 while a conversation is active, 0 in
	// wake-word mode.
	ActiveConversations metric.Int64UpDownCounter

	// DisplayClients tracks connected chat display websockets.
	DisplayClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks local server requests by method, matched
	// route and status. Websocket sessions are excluded.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("parley.turn.duration",
		metric.WithDescription("Duration of a conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioLatency, err = m.Float64Histogram("parley.turn.first_audio",
		metric.WithDescription("Latency from sending a turn until its first audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AssistantRequestDuration, err = m.Float64Histogram("parley.assistant.request.duration",
		metric.WithDescription("Latency of assistant HTTP calls until response headers."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("parley.utterances",
		metric.WithDescription("Finished recordings by outcome."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("parley.state.transitions",
		metric.WithDescription("Conversation state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.StreamEvents, err = m.Int64Counter("parley.stream.events",
		metric.WithDescription("Parsed response stream events by kind."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackItems, err = m.Int64Counter("parley.playback.items",
		metric.WithDescription("Audio chunks leaving the playback queue by status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("parley.barge_ins",
		metric.WithDescription("Responses interrupted by the user speaking."),
	); err != nil {
		return nil, err
	}
	if met.WakeWordChecks, err = m.Int64Counter("parley.wakeword.checks",
		metric.WithDescription("Wake-word classifications by result."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.AssistantErrors, err = m.Int64Counter("parley.assistant.errors",
		metric.WithDescription("Assistant errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConversations, err = m.Int64UpDownCounter("parley.active_conversations",
		metric.WithDescription("1 while a conversation is active, 0 in wake-word mode."),
	); err != nil {
		return nil, err
	}
	if met.DisplayClients, err = m.Int64UpDownCounter("parley.display.clients",
		metric.WithDescription("Connected chat display websocket clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("Local server request latency by method, route and status."),
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

// RecordUtterance counts a finished recording.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTransition counts a conversation state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordStreamEvent counts one parsed response event.
func (m *Metrics) RecordStreamEvent(ctx context.Context, kind string) {
	m.StreamEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordPlayback counts an audio chunk leaving the playback queue.
func (m *Metrics) RecordPlayback(ctx context.Context, status string) {
	m.PlaybackItems.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordWakeWordCheck counts a wake-word classification.
func (m *Metrics) RecordWakeWordCheck(ctx context.Context, detected bool) {
	m.WakeWordChecks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("detected", detected)))
}

// RecordAssistantError counts an assistant error by kind.
func (m *Metrics) RecordAssistantError(ctx context.Context, kind string) {
	m.AssistantErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
