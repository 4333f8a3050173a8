// Package format describes negotiated stream formats and the fallback
// ladder used when an endpoint rejects its native shared-mode format.
package format

import (
	"fmt"
	"time"
)

// Encoding is the sample encoding of a stream.
type Encoding int

const (
	// Float32 is 32-bit IEEE float PCM, little endian.
	Float32 Encoding = iota
	// PCM16 is 16-bit signed integer PCM, little endian.
	PCM16
)

func (e Encoding) String() string {
	switch e {
	case Float32:
		return "f32le"
	case PCM16:
		return "s16le"
	}
	return fmt.Sprintf("encoding(%d)", int(e))
}

// BitsPerSample returns the sample width of the encoding.
func (e Encoding) BitsPerSample() int {
	if e == Float32 {
		return 32
	}
	return 16
}

// Format is a negotiated stream format. It is produced once per endpoint per
// initialization pass and never mutated, only superseded on re-init.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

// BlockAlign is the size of one interleaved frame in bytes.
func (f Format) BlockAlign() int {
	return f.Channels * f.Encoding.BitsPerSample() / 8
}

// ByteRate is the stream's data rate in bytes per second.
func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// Duration returns the wall time covered by the given frame count.
func (f Format) Duration(frames int) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

func (f Format) String() string {
	return fmt.Sprintf("%dch %s @%dHz", f.Channels, f.Encoding, f.SampleRate)
}

// Valid reports whether the format is usable.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}
