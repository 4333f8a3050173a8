package format

import (
	"errors"
	"testing"
)

// fakeHost scripts initialization outcomes per attempted format.
type fakeHost struct {
	mix      Format
	mixErr   error
	accept   func(f Format, convert bool) bool
	closest  map[Format]Format
	attempts []Format
}

func (h *fakeHost) MixFormat() (Format, error) {
	return h.mix, h.mixErr
}

func (h *fakeHost) ClosestSupported(want Format) (Format, bool) {
	got, ok := h.closest[want]
	return got, ok
}

func (h *fakeHost) Initialize(f Format, convert bool) error {
	h.attempts = append(h.attempts, f)
	if h.accept != nil && h.accept(f, convert) {
		return nil
	}
	return errors.New("format rejected")
}

var nativeMix = Format{SampleRate: 48000, Channels: 2, Encoding: Float32}

func TestBlockAlignDerivation(t *testing.T) {
	// For every valid starting mode, a successful negotiation must yield
	// block-align == channels * bits/8, or fail deterministically at pass 3.
	for mode := 0; mode <= 3; mode++ {
		host := &fakeHost{
			mix:    nativeMix,
			accept: func(f Format, convert bool) bool { return true },
		}
		f, pass, err := Negotiate(host, mode, true)
		if mode == 3 {
			if !errors.Is(err, ErrExhausted) {
				t.Errorf("mode 3: expected ErrExhausted, got %v", err)
			}
			if pass != MaxPass {
				t.Errorf("mode 3: expected pass %d, got %d", MaxPass, pass)
			}
			continue
		}
		if err != nil {
			t.Fatalf("mode %d: %v", mode, err)
		}
		want := f.Channels * f.Encoding.BitsPerSample() / 8
		if f.BlockAlign() != want {
			t.Errorf("mode %d: block align %d, want %d", mode, f.BlockAlign(), want)
		}
		if f.ByteRate() != f.SampleRate*f.BlockAlign() {
			t.Errorf("mode %d: byte rate %d inconsistent", mode, f.ByteRate())
		}
	}
}

func TestPassLadder(t *testing.T) {
	f0, convert, err := Pass(nativeMix, 0, true)
	if err != nil || convert || f0 != nativeMix {
		t.Errorf("pass 0 should keep the mix format untouched, got %v convert=%v err=%v", f0, convert, err)
	}

	f1, convert, err := Pass(nativeMix, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if !convert || f1.Channels != 1 || f1.Encoding != PCM16 || f1.SampleRate != 48000 {
		t.Errorf("pass 1 should force mono s16 at the native rate, got %v convert=%v", f1, convert)
	}

	f2aec, _, _ := Pass(nativeMix, 2, true)
	if f2aec.SampleRate != 22050 {
		t.Errorf("pass 2 with AEC should force 22050 Hz, got %d", f2aec.SampleRate)
	}
	f2, _, _ := Pass(nativeMix, 2, false)
	if f2.SampleRate != 44100 {
		t.Errorf("pass 2 without AEC should force 44100 Hz, got %d", f2.SampleRate)
	}

	if _, _, err := Pass(nativeMix, 3, true); !errors.Is(err, ErrExhausted) {
		t.Errorf("pass 3 should be ErrExhausted, got %v", err)
	}
}

func TestNegotiateEscalates(t *testing.T) {
	// Endpoint that only accepts mono s16: pass 0 fails, pass 1 succeeds.
	host := &fakeHost{
		mix: nativeMix,
		accept: func(f Format, convert bool) bool {
			return f.Channels == 1 && f.Encoding == PCM16
		},
	}

	f, pass, err := Negotiate(host, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if pass != 1 {
		t.Errorf("expected success at pass 1, got %d", pass)
	}
	if f.Channels != 1 || f.Encoding != PCM16 {
		t.Errorf("unexpected format %v", f)
	}
}

func TestNegotiateClosestRetry(t *testing.T) {
	// The native format is rejected, but the host suggests 44100 Hz stereo
	// float which it accepts. Negotiation must retry the suggestion once
	// within pass 0 instead of escalating.
	suggested := Format{SampleRate: 44100, Channels: 2, Encoding: Float32}
	host := &fakeHost{
		mix:     nativeMix,
		closest: map[Format]Format{nativeMix: suggested},
		accept:  func(f Format, convert bool) bool { return f == suggested },
	}

	f, pass, err := Negotiate(host, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if pass != 0 {
		t.Errorf("expected success at pass 0 via closest match, got pass %d", pass)
	}
	if f != suggested {
		t.Errorf("expected %v, got %v", suggested, f)
	}
	if len(host.attempts) != 2 {
		t.Errorf("expected exactly 2 attempts in pass 0, got %d", len(host.attempts))
	}
}

func TestNegotiateExhausts(t *testing.T) {
	host := &fakeHost{mix: nativeMix}

	_, pass, err := Negotiate(host, 0, true)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if pass != MaxPass {
		t.Errorf("expected pass %d, got %d", MaxPass, pass)
	}
	// Passes 0..2 each attempt once (no closest suggestions configured).
	if len(host.attempts) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(host.attempts))
	}
}

func TestNegotiateMixFormatError(t *testing.T) {
	boom := errors.New("device gone")
	host := &fakeHost{mixErr: boom}
	if _, _, err := Negotiate(host, 0, false); !errors.Is(err, boom) {
		t.Errorf("expected mix-format error to propagate, got %v", err)
	}
}
