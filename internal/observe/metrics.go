// Package observe provides the OpenTelemetry metric instruments for the
// capture engine, with a Prometheus exporter bridge so metrics can be
// scraped via the standard /metrics endpoint. Tests should use [NewMetrics]
// with a private meter provider to avoid cross-test pollution.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all echotap metrics.
const meterName = "github.com/vuemix/echotap"

// Metrics holds the metric instruments. All fields are safe for concurrent
// use; the underlying OTel types handle their own synchronisation.
type Metrics struct {
	// FramesEmitted counts output frames handed to the sink. Use with
	// attribute.String("path", "aec"|"passthrough"|"direct").
	FramesEmitted metric.Int64Counter

	// BytesEmitted counts output bytes handed to the sink.
	BytesEmitted metric.Int64Counter

	// ReconnectAttempts counts supervised re-initialization attempts.
	ReconnectAttempts metric.Int64Counter

	// AECFallbacks counts initialization passes where the echo
	// cancellation filter could not be constructed.
	AECFallbacks metric.Int64Counter

	// ActiveEngines tracks engines currently in the active state.
	ActiveEngines metric.Int64UpDownCounter

	// CycleDuration tracks how long one capture drain cycle takes.
	CycleDuration metric.Float64Histogram
}

// cycleBuckets are histogram boundaries (seconds) around the 10 ms block
// budget of the pipeline.
var cycleBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] using the given meter
// provider. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesEmitted, err = m.Int64Counter("echotap.frames.emitted",
		metric.WithDescription("Output frames handed to the sink, by pipeline path."),
	); err != nil {
		return nil, err
	}
	if met.BytesEmitted, err = m.Int64Counter("echotap.bytes.emitted",
		metric.WithDescription("Output bytes handed to the sink."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("echotap.reconnect.attempts",
		metric.WithDescription("Supervised pipeline re-initialization attempts."),
	); err != nil {
		return nil, err
	}
	if met.AECFallbacks, err = m.Int64Counter("echotap.aec.fallbacks",
		metric.WithDescription("Initialization passes that degraded to passthrough."),
	); err != nil {
		return nil, err
	}
	if met.ActiveEngines, err = m.Int64UpDownCounter("echotap.engines.active",
		metric.WithDescription("Engines currently capturing."),
	); err != nil {
		return nil, err
	}
	if met.CycleDuration, err = m.Float64Histogram("echotap.cycle.duration",
		metric.WithDescription("Duration of one capture drain cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(cycleBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}
