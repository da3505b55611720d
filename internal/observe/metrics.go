// Package observe holds the OpenTelemetry instruments of the streaming
// pipeline. Metrics are exported through a Prometheus bridge and scraped from
// the status server's /metrics endpoint.
//
// Every Record method is safe on a nil *Metrics, so components can run
// without instrumentation in tests.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "hlswall"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// ActiveSessions tracks live sessions. Use with attribute kind.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsEvicted counts sessions closed for idleness or shutdown.
	SessionsEvicted metric.Int64Counter

	// SessionsRejected counts lookups refused by the manager. Use with
	// attribute reason.
	SessionsRejected metric.Int64Counter

	// PlaylistFetches counts playlist responses. Use with attribute status:
	// ok, stale or error.
	PlaylistFetches metric.Int64Counter

	// SegmentOpens counts segment fetch and decode-open attempts. Use with
	// attribute status.
	SegmentOpens metric.Int64Counter

	// SegmentOpenDuration tracks how long a segment took to fetch and open.
	SegmentOpenDuration metric.Float64Histogram

	// FramesUploaded counts frames handed to render surfaces.
	FramesUploaded metric.Int64Counter

	// AudioChunks counts audio chunks. Use with attribute status: queued or
	// dropped.
	AudioChunks metric.Int64Counter

	// Resyncs counts returns to live-edge seeking.
	Resyncs metric.Int64Counter

	// TickDuration tracks one full manager tick.
	TickDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries in seconds.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("hlswall.sessions.active",
		metric.WithDescription("Number of live sessions by kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEvicted, err = m.Int64Counter("hlswall.sessions.evicted",
		metric.WithDescription("Total sessions evicted by the manager."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("hlswall.sessions.rejected",
		metric.WithDescription("Total session lookups refused, by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaylistFetches, err = m.Int64Counter("hlswall.playlist.fetches",
		metric.WithDescription("Total playlist responses by status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentOpens, err = m.Int64Counter("hlswall.segment.opens",
		metric.WithDescription("Total segment fetch and open attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentOpenDuration, err = m.Float64Histogram("hlswall.segment.open.duration",
		metric.WithDescription("Latency of fetching and opening a segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesUploaded, err = m.Int64Counter("hlswall.frames.uploaded",
		metric.WithDescription("Total frames uploaded to render surfaces."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("hlswall.audio.chunks",
		metric.WithDescription("Total audio chunks by status."),
	); err != nil {
		return nil, err
	}
	if met.Resyncs, err = m.Int64Counter("hlswall.resyncs",
		metric.WithDescription("Total stream resynchronisations."),
	); err != nil {
		return nil, err
	}
	if met.TickDuration, err = m.Float64Histogram("hlswall.tick.duration",
		metric.WithDescription("Duration of one manager tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// SessionOpened records a new session of the given kind.
func (m *Metrics) SessionOpened(kind string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(context.Background(), 1, metric.WithAttributes(Attr("kind", kind)))
}

// SessionClosed records an evicted session of the given kind.
func (m *Metrics) SessionClosed(kind string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(Attr("kind", kind)))
	m.SessionsEvicted.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// SessionRejected records a refused lookup.
func (m *Metrics) SessionRejected(reason string) {
	if m == nil {
		return
	}
	m.SessionsRejected.Add(context.Background(), 1, metric.WithAttributes(Attr("reason", reason)))
}

// PlaylistFetched records a playlist response.
func (m *Metrics) PlaylistFetched(status string) {
	if m == nil {
		return
	}
	m.PlaylistFetches.Add(context.Background(), 1, metric.WithAttributes(Attr("status", status)))
}

// SegmentOpened records a segment open attempt and its latency.
func (m *Metrics) SegmentOpened(status string, took time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.SegmentOpens.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
	m.SegmentOpenDuration.Record(ctx, took.Seconds(), metric.WithAttributes(Attr("status", status)))
}

// FrameUploaded records one uploaded frame.
func (m *Metrics) FrameUploaded() {
	if m == nil {
		return
	}
	m.FramesUploaded.Add(context.Background(), 1)
}

// AudioChunk records an audio chunk outcome.
func (m *Metrics) AudioChunk(status string) {
	if m == nil {
		return
	}
	m.AudioChunks.Add(context.Background(), 1, metric.WithAttributes(Attr("status", status)))
}

// Resynced records one resynchronisation.
func (m *Metrics) Resynced() {
	if m == nil {
		return
	}
	m.Resyncs.Add(context.Background(), 1)
}

// Ticked records the duration of one manager tick.
func (m *Metrics) Ticked(took time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Record(context.Background(), took.Seconds())
}
