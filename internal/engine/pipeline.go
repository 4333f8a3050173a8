package engine

import (
	"context"

	"github.com/vuemix/echotap/internal/aec"
	"github.com/vuemix/echotap/internal/buffer"
	"github.com/vuemix/echotap/internal/config"
	"github.com/vuemix/echotap/internal/endpoint"
	"github.com/vuemix/echotap/internal/format"
)

// noCtx is the context for metric recording; the capture path has no
// request context.
var noCtx = context.Background()

// pipeline is the per-activation object graph. It is owned by exactly one
// goroutine at a time: built under the engine lock, then handed to the
// capture loop, and never repaired in place.
type pipeline struct {
	cfg config.Config

	near    endpoint.Endpoint
	nearFmt format.Format

	far    endpoint.Endpoint
	farFmt format.Format

	proc    *aec.Processor
	aligner *buffer.DelayAligner

	// convPool provides the mono 16-bit blocks flowing through the
	// aligner and into the canceller.
	convPool *buffer.Pool
}

// buildPipeline opens the near endpoint (mandatory) and, when echo
// cancellation is enabled, the far reference endpoint and the processor
// (both best effort).
func (e *Engine) buildPipeline(cfg config.Config) (*pipeline, error) {
	p := &pipeline{cfg: cfg}

	p.near = e.factory.NewEndpoint(endpoint.Options{
		DeviceID:   cfg.DeviceID,
		Loopback:   cfg.Direction == config.DirectionLoopback,
		Signal:     cfg.Direction == config.DirectionCapture,
		StartPass:  cfg.InputFormatMode,
		AECCapture: cfg.AECEnabled(),
	})
	nearFmt, err := p.near.Open()
	if err != nil {
		p.near.Close()
		return nil, err
	}
	p.nearFmt = nearFmt

	if !cfg.AECEnabled() {
		return p, nil
	}

	far := e.factory.NewEndpoint(endpoint.Options{
		DeviceID:     config.DefaultDeviceID,
		Loopback:     true,
		PrimeSilence: true,
	})
	farFmt, err := far.Open()
	if err != nil {
		// A missing reference stream never fails an input device:
		// capture continues without cancellation.
		e.log.Debug().Err(err).Msg("reference stream unavailable, echo cancellation off")
		far.Close()
		e.countAECFallback()
		return p, nil
	}
	p.far = far
	p.farFmt = farFmt

	monoNear := format.Format{SampleRate: nearFmt.SampleRate, Channels: 1, Encoding: format.PCM16}
	monoFar := format.Format{SampleRate: farFmt.SampleRate, Channels: 1, Encoding: format.PCM16}
	proc, err := aec.NewProcessor(e.log, e.canceller(), monoNear, monoFar)
	if err != nil {
		e.log.Warn().Err(err).Msg("echo cancellation unavailable, using passthrough")
		far.Close()
		p.far = nil
		e.countAECFallback()
		return p, nil
	}
	p.proc = proc
	p.aligner = buffer.NewDelayAligner(cfg.AECInputDelay)
	p.convPool = buffer.NewPool(convBlockSize(nearFmt, farFmt), cfg.AECInputDelay+8)
	return p, nil
}

// dropReference abandons the far endpoint and the processor, degrading the
// pipeline to passthrough for the rest of this pass.
func (p *pipeline) dropReference() {
	if p.far != nil {
		p.far.Close()
		p.far = nil
	}
	p.proc = nil
	if p.aligner != nil {
		p.aligner.Flush()
		p.aligner = nil
	}
}

// stopEndpoints halts both clients without releasing them.
func (p *pipeline) stopEndpoints() {
	p.near.Stop()
	if p.far != nil {
		p.far.Stop()
	}
}

// close releases everything the pipeline owns.
func (p *pipeline) close() {
	if p.aligner != nil {
		p.aligner.Flush()
	}
	p.near.Close()
	if p.far != nil {
		p.far.Close()
	}
}

// convBlockSize is the capacity of one converted mono 16-bit block: 100 ms
// at the faster of the two input rates.
func convBlockSize(near, far format.Format) int {
	rate := near.SampleRate
	if far.SampleRate > rate {
		rate = far.SampleRate
	}
	return 2 * rate / 10
}

func (e *Engine) countAECFallback() {
	if e.met != nil {
		e.met.AECFallbacks.Add(noCtx, 1)
	}
}
