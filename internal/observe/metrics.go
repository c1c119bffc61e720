// Package observe holds the OpenTelemetry instruments recorded by the
// capture pipeline, the transport and the session controller.
//
// Instruments are created from a [metric.MeterProvider]. Production code uses
// [DefaultMetrics], backed by the global provider; tests build their own with
// [NewMetrics] and an SDK ManualReader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/petems/sidekick"

// Metrics holds all instruments. Safe for concurrent use.
type Metrics struct {
	// FramesSent counts PCM frames written to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts PCM frames discarded because the transport was
	// not open.
	FramesDropped metric.Int64Counter

	// AdviceReceived counts advice frames. Use with
	// attribute.Bool("legacy", ...).
	AdviceReceived metric.Int64Counter

	// SessionsStarted counts connect attempts by result.
	SessionsStarted metric.Int64Counter

	// ActiveSessions is 1 while a session is connected.
	ActiveSessions metric.Int64UpDownCounter

	// BackendCallDuration tracks HTTP collaborator latency. Use with
	// attribute.String("call", ...), attribute.String("status", ...).
	BackendCallDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("sidekick.audio.frames_sent",
		metric.WithDescription("PCM frames written to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("sidekick.audio.frames_dropped",
		metric.WithDescription("PCM frames dropped while the transport was not open."),
	); err != nil {
		return nil, err
	}
	if met.AdviceReceived, err = m.Int64Counter("sidekick.advice.received",
		metric.WithDescription("Advice frames received from the backend."),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("sidekick.sessions.started",
		metric.WithDescription("Session connect attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("sidekick.sessions.active",
		metric.WithDescription("Number of connected coaching sessions."),
	); err != nil {
		return nil, err
	}
	if met.BackendCallDuration, err = m.Float64Histogram("sidekick.backend.duration",
		metric.WithDescription("Latency of backend HTTP calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance backed by
// [otel.GetMeterProvider]. Panics if instrument creation fails.
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

// RecordBackendCall records the latency of one backend call since start.
func (m *Metrics) RecordBackendCall(ctx context.Context, call, status string, start time.Time) {
	m.BackendCallDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("call", call),
			attribute.String("status", status),
		),
	)
}

// RecordSessionStart counts one connect attempt with its result.
func (m *Metrics) RecordSessionStart(ctx context.Context, result string) {
	m.SessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
