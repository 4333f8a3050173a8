// Package aec wraps the acoustic echo cancellation filter behind a narrow
// capability interface and integrates it into the capture pipeline. The
// filter consumes two mono 16-bit input buffers per cycle (near-end and
// far-end reference) and produces at most one output buffer at a fixed
// 22050 Hz mono 16-bit rate.
package aec

import (
	"errors"

	"github.com/vuemix/echotap/internal/format"
)

const (
	// OutputRate is the fixed sample rate of cancelled output.
	OutputRate = 22050
	// OutputChannels is the channel count of cancelled output.
	OutputChannels = 1
)

// OutputFormat is the format of every buffer the canceller produces.
var OutputFormat = format.Format{
	SampleRate: OutputRate,
	Channels:   OutputChannels,
	Encoding:   format.PCM16,
}

// ErrUnavailable reports that the echo cancellation filter could not be
// constructed or configured. The caller degrades to passthrough.
var ErrUnavailable = errors.New("aec: filter unavailable")

// EchoCanceller is the capability interface over the stateful filter. Both
// inputs are mono 16-bit samples at the rates given to Configure; the
// output is mono 16-bit at OutputRate.
type EchoCanceller interface {
	// Configure prepares the filter for the two input streams.
	Configure(near, far format.Format) error
	// Process consumes one near/far input pair and returns the cancelled
	// samples, which stay valid until the next call. A nil result means
	// the filter produced nothing this cycle.
	Process(near, far []int16) ([]int16, error)
	// Flush discards accumulated filter history. Called when the input
	// becomes discontinuous so stale state is not fed a fresh window.
	Flush()
}
