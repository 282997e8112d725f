// Package observe provides the observability primitives of the duplex unit:
// OpenTelemetry metric instruments, a Prometheus exporter bridge and the
// logrus logger setup.
//
// Instruments are only touched by the processing and delivery goroutines.
// Counters incremented on the hardware thread are plain atomics owned by the
// unit and published here in batches.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all duplex metrics.
const meterName = "github.com/CoyAce/duplex"

// Metrics holds all OpenTelemetry metric instruments of the unit.
type Metrics struct {
	// CycleDuration tracks one pass of the processing loop over all channels.
	CycleDuration metric.Float64Histogram

	// Cycles counts wakeups of the processing goroutine that did work.
	Cycles metric.Int64Counter

	// ProcessedChunks counts chunks that went through the DSP chain. Use with
	// attribute.Int("channel", ...).
	ProcessedChunks metric.Int64Counter

	// EchoChunks counts processed chunks the canceller flagged as echo.
	EchoChunks metric.Int64Counter

	// DeliveredFrames counts frames handed to the input handler.
	DeliveredFrames metric.Int64Counter

	// --- starvation and overflow ---

	// CaptureDropped counts captured samples lost to a full echo-in buffer.
	CaptureDropped metric.Int64Counter

	// PlaybackUnderflow counts silence samples substituted on playback.
	PlaybackUnderflow metric.Int64Counter

	// DeliveryDropped counts processed chunks lost to a full delivery buffer.
	DeliveryDropped metric.Int64Counter

	// GainWarnings counts chunks the gain controller had to clip.
	GainWarnings metric.Int64Counter

	// FatalErrors counts processing failures that stopped a unit.
	FatalErrors metric.Int64Counter

	// EchoReturnLoss is the canceller's last echo return loss enhancement
	// per input channel.
	EchoReturnLoss metric.Float64Gauge
}

// cycleBuckets in seconds; a cycle must stay well below one 10 ms chunk.
var cycleBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CycleDuration, err = m.Float64Histogram("duplex.cycle.duration",
		metric.WithDescription("Duration of one processing pass over all channels."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(cycleBuckets...),
	); err != nil {
		return nil, err
	}

	if met.EchoReturnLoss, err = m.Float64Gauge("duplex.aec.erle",
		metric.WithDescription("Echo return loss enhancement of the last processed chunk."),
		metric.WithUnit("dB"),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&met.Cycles, "duplex.cycles", "Processing loop wakeups that did work.", "{cycle}"},
		{&met.ProcessedChunks, "duplex.chunks.processed", "Chunks run through the DSP chain.", "{chunk}"},
		{&met.EchoChunks, "duplex.chunks.echo", "Processed chunks flagged as carrying echo.", "{chunk}"},
		{&met.DeliveredFrames, "duplex.frames.delivered", "Frames handed to the input handler.", "{frame}"},
		{&met.CaptureDropped, "duplex.capture.dropped", "Captured samples dropped on a full buffer.", "{sample}"},
		{&met.PlaybackUnderflow, "duplex.playback.underflow", "Silence samples substituted on playback.", "{sample}"},
		{&met.DeliveryDropped, "duplex.delivery.dropped", "Processed chunks dropped on a full delivery buffer.", "{chunk}"},
		{&met.GainWarnings, "duplex.gain.warnings", "Chunks clipped by the gain controller.", "{chunk}"},
		{&met.FatalErrors, "duplex.errors.fatal", "Processing failures that stopped a unit.", "{error}"},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		); err != nil {
			return nil, err
		}
	}
	return met, nil
}
