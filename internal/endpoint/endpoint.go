// Package endpoint owns the hardware audio clients. An Endpoint wraps one
// platform stream in a non-blocking pull interface; the malgo-backed
// implementation is the only place the process touches native audio.
package endpoint

import (
	"errors"

	"github.com/vuemix/echotap/internal/buffer"
	"github.com/vuemix/echotap/internal/format"
)

// ErrDeviceInvalidated reports that the underlying device disappeared
// (unplugged, default switched away, service restarted). It is the normal
// trigger for reconnection and is never logged as a first-class error.
var ErrDeviceInvalidated = errors.New("endpoint: device invalidated")

// Options configures one endpoint.
type Options struct {
	// DeviceID selects the device; the "default" sentinel (or empty)
	// picks the system default for the stream kind.
	DeviceID string
	// Loopback opens a render-loopback stream instead of a capture
	// stream.
	Loopback bool
	// Signal requests DataReady notifications. Loopback streams do not
	// signal and are polled instead.
	Signal bool
	// PrimeSilence pushes one silent buffer immediately after start, so a
	// reference stream never idle-stops during silence and corrupts
	// subsequent timestamps.
	PrimeSilence bool
	// StartPass is the first format fallback pass to attempt.
	StartPass int
	// AECCapture marks the stream as feeding echo cancellation, which
	// selects the conservative AEC rate on the final fallback pass.
	AECCapture bool
}

// Endpoint is one hardware audio stream.
//
// Pull never blocks: it returns (nil, nil) when no packet is available.
// Returned blocks are owned by the caller and must be released.
type Endpoint interface {
	// Open negotiates a format and initializes the stream.
	Open() (format.Format, error)
	// Start begins capture.
	Start() error
	// Stop halts capture without releasing the client.
	Stop() error
	// Pull returns the next available packet, (nil, nil) when there is
	// none, or ErrDeviceInvalidated once the device is gone.
	Pull() (*buffer.Block, error)
	// DataReady returns the new-data signal channel, or nil for polled
	// endpoints.
	DataReady() <-chan struct{}
	// Close releases the client. The endpoint is unusable afterwards.
	Close() error
}

// Factory creates endpoints. The engine recreates its endpoints wholesale
// on every transition into the active state.
type Factory interface {
	NewEndpoint(opts Options) Endpoint
}
