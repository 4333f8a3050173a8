// Package engine composes the capture pipeline: endpoint negotiation,
// delay alignment, echo cancellation, frame emission, and the supervised
// reconnection state machine that survives device loss.
package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vuemix/echotap/internal/aec"
	"github.com/vuemix/echotap/internal/config"
	"github.com/vuemix/echotap/internal/endpoint"
	"github.com/vuemix/echotap/internal/observe"
)

// reconnectInterval is the fixed delay between supervised
// re-initialization attempts.
const reconnectInterval = 3 * time.Second

// Config wires an Engine. Sink and Endpoints are required; everything else
// has defaults.
type Config struct {
	Stream    config.Config
	Endpoints endpoint.Factory
	Sink      Sink

	// Monitor is the optional host echo/monitoring toggle.
	Monitor Monitor

	Logger  zerolog.Logger
	Metrics *observe.Metrics

	// Canceller builds the echo cancellation filter for one
	// initialization pass. Defaults to the NLMS filter.
	Canceller func() aec.EchoCanceller

	// ReconnectInterval overrides the supervised retry interval.
	ReconnectInterval time.Duration

	// Clock returns monotonic nanoseconds. Defaults to the system clock.
	Clock func() uint64
}

// Engine owns one capture pipeline and its lifecycle. At most one endpoint
// pair, one processor, and one capture goroutine are alive per Engine at
// any time; Stop fully quiesces them before a new Start may begin.
type Engine struct {
	factory   endpoint.Factory
	sink      Sink
	monitor   Monitor
	log       zerolog.Logger
	met       *observe.Metrics
	now       func() uint64
	canceller func() aec.EchoCanceller

	retryInterval time.Duration
	waitInterval  time.Duration
	pollInterval  time.Duration

	state atomic.Int32

	mu               sync.Mutex
	cfg              config.Config
	stopCh           chan struct{}
	stopping         bool
	active           bool
	reconnecting     bool
	previouslyFailed bool
	wg               sync.WaitGroup
}

// New validates the configuration and constructs an engine. This is the
// only failure surfaced to the caller; everything after Start is handled
// internally through the reconnection state machine.
func New(cfg Config) (*Engine, error) {
	if cfg.Sink == nil {
		return nil, errors.New("engine: sink is required")
	}
	if cfg.Endpoints == nil {
		return nil, errors.New("engine: endpoint factory is required")
	}
	if err := cfg.Stream.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		factory:       cfg.Endpoints,
		sink:          cfg.Sink,
		monitor:       cfg.Monitor,
		log:           cfg.Logger,
		met:           cfg.Metrics,
		now:           cfg.Clock,
		canceller:     cfg.Canceller,
		retryInterval: cfg.ReconnectInterval,
		waitInterval:  reconnectInterval,
		pollInterval:  10 * time.Millisecond,
		cfg:           cfg.Stream,
	}
	if e.now == nil {
		e.now = func() uint64 { return uint64(time.Now().UnixNano()) }
	}
	if e.canceller == nil {
		e.canceller = func() aec.EchoCanceller { return aec.NewNLMS() }
	}
	if e.retryInterval <= 0 {
		e.retryInterval = reconnectInterval
	}
	return e, nil
}

// State returns the current pipeline state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Start brings the pipeline up. If the device is currently absent the
// engine waits for it under the reconnect supervisor; Start itself never
// fails.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopCh != nil {
		return
	}
	e.stopCh = make(chan struct{})
	e.stopping = false

	if !e.tryInitializeLocked() {
		e.log.Info().Str("device", e.cfg.DeviceID).Msg("device not found, waiting for device")
		e.reconnectLocked()
	}
}

// Stop quiesces the pipeline: both the capture loop and any reconnect
// supervisor observe the stop signal within one wait cycle and exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopCh == nil {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	close(e.stopCh)
	wasActive := e.active
	device := e.cfg.DeviceID
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	e.stopCh = nil
	e.state.Store(int32(StateUninitialized))
	e.mu.Unlock()

	if wasActive {
		e.log.Info().Str("device", device).Msg("capture terminated")
	}
}

// Update applies a new configuration. Structural changes stop the current
// pipeline, swap the configuration, and restart; cosmetic changes only
// swap. The call is synchronous: no partial configuration is ever observed
// by a running pipeline.
func (e *Engine) Update(newCfg config.Config) error {
	if err := newCfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	restart := config.RequiresRestart(e.cfg, newCfg) && e.stopCh != nil
	e.mu.Unlock()

	if restart {
		e.Stop()
	}

	e.mu.Lock()
	e.cfg = newCfg
	e.mu.Unlock()

	if restart {
		e.Start()
	}
	return nil
}

// deviceTiming reads the live timing option. It is not a structural
// setting, so a running pipeline picks up changes without a restart.
func (e *Engine) deviceTiming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.UseDeviceTiming
}

// tryInitializeLocked attempts a full pipeline bring-up. Failures are
// logged once per outage: while the same failure persists across
// supervised retries the previously-failed latch suppresses logging until
// a successful transition into Active resets it.
func (e *Engine) tryInitializeLocked() bool {
	err := e.openPipelineLocked()
	if err == nil {
		e.previouslyFailed = false
		return true
	}

	if !e.previouslyFailed {
		e.log.Warn().Err(err).Str("device", e.cfg.DeviceID).Msg("pipeline initialization failed")
	}
	e.previouslyFailed = true
	return false
}

// openPipelineLocked builds endpoints, the processor, and the capture
// goroutine for the current configuration. The reference stream and the
// echo canceller are best effort: their failure degrades the pipeline to
// passthrough instead of failing initialization.
func (e *Engine) openPipelineLocked() error {
	cfg := e.cfg

	p, err := e.buildPipeline(cfg)
	if err != nil {
		return err
	}

	if p.far != nil {
		if err := p.far.Start(); err != nil {
			e.log.Warn().Err(err).Msg("reference stream failed to start, echo cancellation off")
			p.dropReference()
			e.countAECFallback()
		}
	}
	if err := p.near.Start(); err != nil {
		p.close()
		return err
	}

	session := uuid.NewString()
	e.wg.Add(1)
	go e.captureLoop(p, e.stopCh)

	e.active = true
	e.state.Store(int32(StateActive))
	if e.met != nil {
		e.met.ActiveEngines.Add(noCtx, 1)
	}
	e.log.Info().
		Str("session", session).
		Str("device", cfg.DeviceID).
		Stringer("format", p.nearFmt).
		Bool("aec", p.proc != nil).
		Msg("pipeline active")
	return nil
}
