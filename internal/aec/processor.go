package aec

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/vuemix/echotap/internal/buffer"
	"github.com/vuemix/echotap/internal/format"
	"github.com/vuemix/echotap/internal/pcm"
)

// outputBlockSize is the capacity of the reusable output block: two seconds
// of 16-bit mono at the fixed output rate, the largest burst the filter can
// hand back in one call.
const outputBlockSize = 2 * 2 * OutputRate

// Processor drives an EchoCanceller with block-based inputs. It owns one
// reusable output block and the flush-on-discontinuity bookkeeping: when
// the previous cycle produced no output, the filter history is flushed
// before the next input pair so a fresh audio window does not inherit stale
// state.
type Processor struct {
	log zerolog.Logger
	ec  EchoCanceller
	out *buffer.Block

	nearScratch []int16
	farScratch  []int16

	active bool
}

// NewProcessor configures the canceller for the two input formats. A
// configuration failure disables echo cancellation for this initialization
// pass; the caller degrades to passthrough.
func NewProcessor(log zerolog.Logger, ec EchoCanceller, near, far format.Format) (*Processor, error) {
	if ec == nil {
		return nil, ErrUnavailable
	}
	if err := ec.Configure(near, far); err != nil {
		return nil, fmt.Errorf("configure canceller: %w", err)
	}
	return &Processor{
		log: log,
		ec:  ec,
		out: buffer.NewBlock(outputBlockSize),
	}, nil
}

// Process submits one near/far pair and returns the cancelled output
// block, or nil when the filter produced nothing this cycle. The output
// block is owned by the processor and valid until the next call; the
// caller must not retain it. Input blocks stay owned by the caller.
func (p *Processor) Process(near, far *buffer.Block) *buffer.Block {
	if far == nil {
		// No reference this cycle: the pipeline is discontinuous.
		p.active = false
		return nil
	}

	if !p.active {
		p.ec.Flush()
		p.log.Debug().Msg("canceller flushed after inactive cycle")
	}

	p.nearScratch = pcm.S16(p.nearScratch, near.Bytes())
	p.farScratch = pcm.S16(p.farScratch, far.Bytes())

	samples, err := p.ec.Process(p.nearScratch, p.farScratch)
	if err != nil {
		p.log.Error().Err(err).Msg("canceller process failed")
		p.active = false
		return nil
	}
	if len(samples) == 0 {
		p.active = false
		return nil
	}

	p.active = true
	n := pcm.PutS16(p.out.Data(), samples)
	p.out.SetLen(n)
	p.out.SetTimestamp(near.Timestamp())
	return p.out
}
