package format

import "errors"

// MaxPass is the first fallback pass that fails permanently.
const MaxPass = 3

// ErrExhausted is returned once the fallback ladder has no pass left.
var ErrExhausted = errors.New("format: fallback passes exhausted")

// Host is the slice of an audio client the negotiator needs: it can report
// the endpoint's preferred mix format, suggest the nearest supported format,
// and attempt a shared-mode initialization.
type Host interface {
	// MixFormat returns the endpoint's preferred shared-mode format.
	MixFormat() (Format, error)
	// ClosestSupported returns the nearest format the endpoint supports,
	// or ok=false when it has no suggestion.
	ClosestSupported(want Format) (got Format, ok bool)
	// Initialize attempts shared-mode initialization with the format.
	// convert asks the host to perform sample-rate/format conversion.
	Initialize(f Format, convert bool) error
}

// Pass returns the format to attempt at the given fallback pass, starting
// from the endpoint's mix format. Each pass relaxes constraints further:
//
//	pass 0: as negotiated (typically float, native channels and rate)
//	pass 1: mono 16-bit integer PCM, host-side conversion enabled
//	pass 2: additionally a conservative sample rate
//	pass 3: permanent failure
//
// aecCapture selects 22050 Hz at pass 2 (the AEC output rate); other
// streams fall back to 44100 Hz. Block-align and byte-rate are derived
// from the returned format, so they are consistent by construction.
func Pass(mix Format, pass int, aecCapture bool) (f Format, convert bool, err error) {
	switch pass {
	case 0:
		return mix, false, nil
	case 1:
		f = Format{SampleRate: mix.SampleRate, Channels: 1, Encoding: PCM16}
		return f, true, nil
	case 2:
		rate := 44100
		if aecCapture {
			rate = 22050
		}
		f = Format{SampleRate: rate, Channels: 1, Encoding: PCM16}
		return f, true, nil
	default:
		return Format{}, false, ErrExhausted
	}
}

// Negotiate runs the fallback ladder against the host, starting at
// startPass. Within each pass the host's mix-derived format is attempted
// first; if the host rejects it, its closest supported suggestion is retried
// once before escalating to the next pass. Returns the format that
// initialized and the pass it succeeded at.
func Negotiate(h Host, startPass int, aecCapture bool) (Format, int, error) {
	mix, err := h.MixFormat()
	if err != nil {
		return Format{}, startPass, err
	}

	var lastErr error
	for pass := startPass; pass < MaxPass; pass++ {
		want, convert, err := Pass(mix, pass, aecCapture)
		if err != nil {
			break
		}

		if err = h.Initialize(want, convert); err == nil {
			return want, pass, nil
		}
		lastErr = err

		if closest, ok := h.ClosestSupported(want); ok && closest != want {
			if err = h.Initialize(closest, convert); err == nil {
				return closest, pass, nil
			}
			lastErr = err
		}
	}

	if lastErr != nil {
		return Format{}, MaxPass, errors.Join(ErrExhausted, lastErr)
	}
	return Format{}, MaxPass, ErrExhausted
}
