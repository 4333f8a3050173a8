package endpoint

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
	"github.com/vuemix/echotap/internal/buffer"
	"github.com/vuemix/echotap/internal/config"
	"github.com/vuemix/echotap/internal/format"
)

const (
	// queueMax bounds the packets buffered between the native callback
	// and the capture loop. At 10 ms periods this is ~320 ms of slack.
	queueMax = 32

	// periodMs is the requested hardware period. The pipeline is built
	// around 10 ms blocks.
	periodMs = 10
)

// MalgoFactory creates endpoints backed by miniaudio. One context is shared
// per factory; devices are created and torn down per endpoint.
type MalgoFactory struct {
	log zerolog.Logger
}

// NewMalgoFactory returns a factory producing real hardware endpoints.
func NewMalgoFactory(log zerolog.Logger) *MalgoFactory {
	return &MalgoFactory{log: log}
}

// NewEndpoint implements Factory.
func (f *MalgoFactory) NewEndpoint(opts Options) Endpoint {
	return &malgoEndpoint{
		log:   f.log.With().Bool("loopback", opts.Loopback).Logger(),
		opts:  opts,
		queue: newPacketQueue(queueMax, opts.Signal),
	}
}

type malgoEndpoint struct {
	log  zerolog.Logger
	opts Options

	ctx      *malgo.AllocatedContext
	dev      *malgo.Device
	fmt      format.Format
	pool     *buffer.Pool
	queue    *packetQueue
	stopping atomic.Bool
}

// Open negotiates a stream format and initializes the native device,
// walking the fallback ladder from the configured starting pass.
func (e *malgoEndpoint) Open() (format.Format, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		e.log.Trace().Msg(strings.TrimSpace(message))
	})
	if err != nil {
		return format.Format{}, fmt.Errorf("init audio context: %w", err)
	}
	e.ctx = ctx

	f, pass, err := format.Negotiate(&malgoHost{e: e}, e.opts.StartPass, e.opts.AECCapture)
	if err != nil {
		e.teardown()
		return format.Format{}, err
	}

	e.fmt = f
	e.log.Info().Stringer("format", f).Int("pass", pass).Msg("endpoint initialized")
	return f, nil
}

func (e *malgoEndpoint) Start() error {
	if e.dev == nil {
		return errors.New("endpoint: not open")
	}
	if err := e.dev.Start(); err != nil {
		return fmt.Errorf("start device: %w", err)
	}
	if e.opts.PrimeSilence {
		e.primeSilence()
	}
	return nil
}

func (e *malgoEndpoint) Stop() error {
	if e.dev == nil {
		return nil
	}
	e.stopping.Store(true)
	defer e.stopping.Store(false)
	e.queue.drain()
	return e.dev.Stop()
}

func (e *malgoEndpoint) Pull() (*buffer.Block, error) {
	return e.queue.pop()
}

func (e *malgoEndpoint) DataReady() <-chan struct{} {
	return e.queue.ready
}

func (e *malgoEndpoint) Close() error {
	e.stopping.Store(true)
	e.teardown()
	e.queue.drain()
	return nil
}

// primeSilence queues one silent period so the reference stream has data
// from the first pairing cycle and never idle-stops during silence.
func (e *malgoEndpoint) primeSilence() {
	n := e.fmt.ByteRate() * periodMs / 1000
	b := e.pool.Get(nowNS())
	if n > b.Cap() {
		n = b.Cap()
	}
	clear(b.Data()[:n])
	b.SetLen(n)
	e.queue.push(b)
}

func (e *malgoEndpoint) teardown() {
	if e.dev != nil {
		e.dev.Uninit()
		e.dev = nil
	}
	if e.ctx != nil {
		e.ctx.Uninit()
		e.ctx = nil
	}
}

// onData runs on the native audio thread: copy out and hand off without
// ever blocking.
func (e *malgoEndpoint) onData(sample []byte) {
	if len(sample) == 0 {
		return
	}
	b := e.pool.Get(nowNS())
	n := copy(b.Data(), sample)
	b.SetLen(n)
	e.queue.push(b)
}

// onStop runs when the native device stops. A stop we did not request
// means the device was invalidated.
func (e *malgoEndpoint) onStop() {
	if e.stopping.Load() {
		return
	}
	e.queue.invalidate()
}

func nowNS() uint64 {
	return uint64(time.Now().UnixNano())
}

// malgoHost adapts the miniaudio device to the format negotiator.
type malgoHost struct {
	e *malgoEndpoint
}

// MixFormat returns the canonical shared-mode mix format. Miniaudio
// performs the device-native conversion itself in shared mode, so the mix
// the process observes is float stereo at 48 kHz.
func (h *malgoHost) MixFormat() (format.Format, error) {
	return format.Format{SampleRate: 48000, Channels: 2, Encoding: format.Float32}, nil
}

// ClosestSupported has no suggestion mechanism in miniaudio; rejection
// escalates straight to the next fallback pass.
func (h *malgoHost) ClosestSupported(want format.Format) (format.Format, bool) {
	return format.Format{}, false
}

// Initialize attempts to open the native device with the given format. The
// convert flag is implicit: miniaudio always converts between the device
// native format and the requested one in shared mode.
func (h *malgoHost) Initialize(f format.Format, convert bool) error {
	e := h.e

	kind := malgo.Capture
	if e.opts.Loopback {
		kind = malgo.Loopback
	}

	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInFrames = uint32(f.SampleRate * periodMs / 1000)
	cfg.Capture.Channels = uint32(f.Channels)
	if f.Encoding == format.Float32 {
		cfg.Capture.Format = malgo.FormatF32
	} else {
		cfg.Capture.Format = malgo.FormatS16
	}

	if e.opts.DeviceID != "" && !strings.EqualFold(e.opts.DeviceID, config.DefaultDeviceID) {
		id, err := e.findDevice(kind)
		if err != nil {
			return err
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	// Packet blocks hold up to 100 ms each; callbacks normally deliver
	// one 10 ms period.
	e.pool = buffer.NewPool(f.ByteRate()/10, queueMax+8)

	dev, err := malgo.InitDevice(e.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			e.onData(input)
		},
		Stop: e.onStop,
	})
	if err != nil {
		return fmt.Errorf("init device: %w", err)
	}
	e.dev = dev
	return nil
}

func (e *malgoEndpoint) findDevice(kind malgo.DeviceType) (malgo.DeviceID, error) {
	enumKind := kind
	if enumKind == malgo.Loopback {
		// Loopback opens a render device.
		enumKind = malgo.Playback
	}
	infos, err := e.ctx.Devices(enumKind)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("enumerate devices: %w", err)
	}
	for _, info := range infos {
		if info.Name() == e.opts.DeviceID {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("device %q not found", e.opts.DeviceID)
}
