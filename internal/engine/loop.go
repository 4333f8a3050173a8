package engine

import (
	"errors"
	"time"

	"github.com/vuemix/echotap/internal/aec"
	"github.com/vuemix/echotap/internal/buffer"
	"github.com/vuemix/echotap/internal/dump"
	"github.com/vuemix/echotap/internal/endpoint"
	"github.com/vuemix/echotap/internal/format"
	"github.com/vuemix/echotap/internal/pcm"
)

// aecLatency is the fixed processing latency assumed for cancelled output
// when stamping it against the wall clock.
const aecLatency = 10 * time.Millisecond

// captureLoop is the pipeline's only long-lived goroutine. It drains the
// near endpoint on every wakeup, routes packets through cancellation or
// straight to the sink, and on any capture error tears the pipeline down
// and hands control to the reconnect supervisor.
func (e *Engine) captureLoop(p *pipeline, stopCh <-chan struct{}) {
	defer e.wg.Done()

	var dmp *dump.Session
	if p.proc != nil {
		dmp = dump.Open(p.cfg.AECDumpFileDir, e.log)
	}

	// Signalled endpoints wake the loop; polled ones (loopback never
	// signals) run on a short timer instead.
	ready := p.near.DataReady()
	wait := e.waitInterval
	if ready == nil {
		wait = e.pollInterval
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	reconnect := false
loop:
	for {
		select {
		case <-stopCh:
			break loop
		case <-ready:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		if err := e.drain(p, dmp); err != nil {
			reconnect = true
			break
		}
		timer.Reset(wait)
	}

	p.stopEndpoints()
	dmp.Close()
	p.close()

	e.mu.Lock()
	e.active = false
	e.state.Store(int32(StateFailed))
	if e.met != nil {
		e.met.ActiveEngines.Add(noCtx, -1)
	}
	if reconnect && !e.stopping {
		e.log.Info().Str("device", p.cfg.DeviceID).Msg("device invalidated, retrying to reconnect")
		e.reconnectLocked()
	}
	e.mu.Unlock()
}

// drain consumes every packet currently queued on the near endpoint. Any
// pull error ends the pass; invalidation is expected and not logged.
func (e *Engine) drain(p *pipeline, dmp *dump.Session) error {
	start := time.Now()
	for {
		blk, err := p.near.Pull()
		if err != nil {
			if !errors.Is(err, endpoint.ErrDeviceInvalidated) {
				e.log.Warn().Err(err).Msg("capture read failed")
			}
			return err
		}
		if blk == nil {
			break
		}
		if p.proc != nil {
			e.processAEC(p, blk, dmp)
		} else {
			e.emitDirect(p, blk)
		}
	}
	if e.met != nil {
		e.met.CycleDuration.Record(noCtx, time.Since(start).Seconds())
	}
	return nil
}

// processAEC runs one near packet through the delay aligner and the
// canceller. The near packet is converted to mono 16-bit, queued, and only
// leaves the aligner once the configured delay has built up; each cycle
// also pulls at most one reference packet so the two streams advance in
// lockstep.
func (e *Engine) processAEC(p *pipeline, near *buffer.Block, dmp *dump.Session) {
	conv := p.convPool.Get(e.now() - uint64(aecLatency))
	conv.SetLen(pcm.MonoS16(conv.Data(), near.Bytes(), p.nearFmt))
	near.Release()
	p.aligner.Push(conv)

	var far *buffer.Block
	if p.far != nil {
		if fb, err := p.far.Pull(); err == nil && fb != nil {
			far = p.convPool.Get(fb.Timestamp())
			far.SetLen(pcm.MonoS16(far.Data(), fb.Bytes(), p.farFmt))
			fb.Release()
		}
	}

	ready := p.aligner.PopReady()
	if ready == nil {
		if far != nil {
			far.Release()
		}
		return
	}

	dmp.Near(ready.Bytes())
	if far != nil {
		dmp.Far(far.Bytes())
	}

	if out := p.proc.Process(ready, far); out != nil {
		dmp.Out(out.Bytes())
		e.emit(OutputFrame{
			Data:       out.Bytes(),
			Frames:     out.Len() / 2,
			Channels:   aec.OutputChannels,
			SampleRate: aec.OutputRate,
			Encoding:   format.PCM16,
			Timestamp:  out.Timestamp(),
		})
	} else {
		// The filter produced nothing this cycle. The aligned near
		// audio still goes out so capture never gaps.
		e.emit(OutputFrame{
			Data:       ready.Bytes(),
			Frames:     ready.Len() / 2,
			Channels:   1,
			SampleRate: p.nearFmt.SampleRate,
			Encoding:   format.PCM16,
			Timestamp:  ready.Timestamp(),
		})
	}

	ready.Release()
	if far != nil {
		far.Release()
	}
}

// emitDirect hands one packet to the sink in its negotiated format.
func (e *Engine) emitDirect(p *pipeline, blk *buffer.Block) {
	frames := 0
	if align := p.nearFmt.BlockAlign(); align > 0 {
		frames = blk.Len() / align
	}

	ts := blk.Timestamp()
	if !e.deviceTiming() || ts == 0 {
		ts = e.now() - uint64(p.nearFmt.Duration(frames))
	}

	e.emit(OutputFrame{
		Data:       blk.Bytes(),
		Frames:     frames,
		Channels:   p.nearFmt.Channels,
		SampleRate: p.nearFmt.SampleRate,
		Encoding:   p.nearFmt.Encoding,
		Timestamp:  ts,
	})
	blk.Release()
}

func (e *Engine) emit(f OutputFrame) {
	e.sink.OutputAudio(f)
	if e.met != nil {
		e.met.FramesEmitted.Add(noCtx, int64(f.Frames))
		e.met.BytesEmitted.Add(noCtx, int64(len(f.Data)))
	}
}
