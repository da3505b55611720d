package observe

import (
	"context"
	"fmt"
	"hlswall/internal/resource"

	"github.com/prometheus/client_golang/prometheus"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewPrometheusProvider builds a MeterProvider whose instruments are exposed
// through reg. Pass prometheus.DefaultRegisterer to serve them with
// promhttp.Handler.
func NewPrometheusProvider(reg prometheus.Registerer) (*sdkmetric.MeterProvider, error) {
	promExp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: create prometheus exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExp)), nil
}

// RegisterPoolStats exports the resource pool usage as observable gauges.
func RegisterPoolStats(mp metric.MeterProvider, stats func() resource.Stats) error {
	m := mp.Meter(meterName)

	buffers, err := m.Int64ObservableGauge("hlswall.pool.buffers",
		metric.WithDescription("Pooled buffers by class and state."),
	)
	if err != nil {
		return err
	}
	workers, err := m.Int64ObservableGauge("hlswall.pool.workers",
		metric.WithDescription("Busy workers and queued tasks."),
	)
	if err != nil {
		return err
	}

	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(buffers, int64(s.SegmentAllocated), metric.WithAttributes(Attr("class", "segment"), Attr("state", "allocated")))
		o.ObserveInt64(buffers, int64(s.SegmentFree), metric.WithAttributes(Attr("class", "segment"), Attr("state", "free")))
		o.ObserveInt64(buffers, int64(s.AudioAllocated), metric.WithAttributes(Attr("class", "audio"), Attr("state", "allocated")))
		o.ObserveInt64(buffers, int64(s.AudioFree), metric.WithAttributes(Attr("class", "audio"), Attr("state", "free")))
		o.ObserveInt64(workers, int64(s.RunningWorkers), metric.WithAttributes(Attr("state", "running")))
		o.ObserveInt64(workers, int64(s.QueuedTasks), metric.WithAttributes(Attr("state", "queued")))
		return nil
	}, buffers, workers)
	return err
}
