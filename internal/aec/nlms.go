package aec

import (
	"fmt"

	"github.com/vuemix/echotap/internal/format"
	"github.com/vuemix/echotap/internal/pcm"
)

const (
	// nlmsTaps is the adaptive filter length: 10 ms at OutputRate. The
	// filter handles residual delay and room response within this window
	// after the bulk delay.
	nlmsTaps = 220

	// nlmsDelay is the bulk delay in samples assumed between playback and
	// the echo arriving at the microphone: 40 ms at OutputRate, covering
	// typical DAC + acoustic path + ADC latency.
	nlmsDelay = 882

	// nlmsStep is the NLMS step size mu (0 < mu < 2). Smaller values
	// converge more slowly but are more stable.
	nlmsStep = 0.1
)

// NLMS is a Normalized Least Mean Squares echo canceller. Both inputs are
// decimated to OutputRate before filtering, matching the fixed output
// contract. It is not safe for concurrent use; the capture loop is its only
// caller.
type NLMS struct {
	nearRate int
	farRate  int

	weights []float64
	farBuf  []float64 // circular far-end reference
	farHead int

	// reusable scratch, sized on first use
	nearScratch []int16
	farScratch  []int16
	out         []int16
}

// NewNLMS returns an unconfigured NLMS canceller.
func NewNLMS() *NLMS {
	return &NLMS{}
}

// Configure sets the input rates and resets all filter state.
func (n *NLMS) Configure(near, far format.Format) error {
	if !near.Valid() || !far.Valid() {
		return fmt.Errorf("%w: invalid input format (near %v, far %v)", ErrUnavailable, near, far)
	}
	if near.Encoding != format.PCM16 || far.Encoding != format.PCM16 {
		return fmt.Errorf("%w: inputs must be mono 16-bit PCM", ErrUnavailable)
	}

	n.nearRate = near.SampleRate
	n.farRate = far.SampleRate
	n.weights = make([]float64, nlmsTaps)
	// Large enough that for any near-end frame the reader window and the
	// writer stay in disjoint regions.
	n.farBuf = make([]float64, OutputRate+nlmsDelay+nlmsTaps)
	n.farHead = 0
	return nil
}

// Flush discards the adaptive weights and the far-end history.
func (n *NLMS) Flush() {
	for i := range n.weights {
		n.weights[i] = 0
	}
	for i := range n.farBuf {
		n.farBuf[i] = 0
	}
	n.farHead = 0
}

// Process cancels the far-end echo out of the near-end frame. Output
// samples are valid until the next call.
func (n *NLMS) Process(near, far []int16) ([]int16, error) {
	if n.weights == nil {
		return nil, ErrUnavailable
	}
	if len(near) == 0 {
		return nil, nil
	}

	n.nearScratch = pcm.ResampleS16(n.nearScratch, near, n.nearRate, OutputRate)
	n.farScratch = pcm.ResampleS16(n.farScratch, far, n.farRate, OutputRate)

	for _, s := range n.farScratch {
		n.farBuf[n.farHead] = float64(s)
		n.farHead = (n.farHead + 1) % len(n.farBuf)
	}

	frame := n.nearScratch
	if cap(n.out) < len(frame) {
		n.out = make([]int16, len(frame))
	}
	n.out = n.out[:len(frame)]

	bufLen := len(n.farBuf)
	start := n.farHead - len(frame) - nlmsDelay - nlmsTaps + 1
	for i := range frame {
		// refBase: position of the k=0 tap for output sample i.
		refBase := start + i + nlmsTaps - 1

		var y, power float64
		for k := 0; k < nlmsTaps; k++ {
			idx := ((refBase-k)%bufLen + bufLen) % bufLen
			x := n.farBuf[idx]
			y += n.weights[k] * x
			power += x * x
		}

		e := float64(frame[i]) - y

		if power > 1e-10 {
			step := nlmsStep * e / power
			for k := 0; k < nlmsTaps; k++ {
				idx := ((refBase-k)%bufLen + bufLen) % bufLen
				n.weights[k] += step * n.farBuf[idx]
			}
		}

		n.out[i] = clampS16(e)
	}

	return n.out, nil
}

func clampS16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
