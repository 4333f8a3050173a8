package engine

import "github.com/vuemix/echotap/internal/format"

// OutputFrame describes one block of audio ready for delivery. It is
// constructed and handed to the sink within one pipeline cycle; the sink
// must not retain Data past the call.
type OutputFrame struct {
	Data       []byte
	Frames     int
	Channels   int
	SampleRate int
	Encoding   format.Encoding
	// Timestamp is monotonic nanoseconds at the start of the block.
	Timestamp uint64
}

// Sink consumes the engine's output. This is the only data leaving the
// core.
type Sink interface {
	OutputAudio(OutputFrame)
}

// Monitor is the host-provided echo/monitoring toggle. The reconnect
// supervisor disables monitoring for the duration of retry attempts and
// restores the previous setting on exit, successful or not.
type Monitor interface {
	Monitoring() bool
	SetMonitoring(bool)
}
