package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vuemix/echotap/internal/aec"
	"github.com/vuemix/echotap/internal/buffer"
	"github.com/vuemix/echotap/internal/config"
	"github.com/vuemix/echotap/internal/endpoint"
	"github.com/vuemix/echotap/internal/format"
)

// fakeEndpoint is a scriptable endpoint: the test queues packets and fires
// the ready signal; invalidation makes Pull fail once the queue drains.
type fakeEndpoint struct {
	format   format.Format
	openErr  error
	startErr error
	signal   bool

	mu      sync.Mutex
	packets []*buffer.Block
	invalid bool
	started bool
	closed  bool
	ready   chan struct{}
}

func newFakeEndpoint(f format.Format, signal bool) *fakeEndpoint {
	return &fakeEndpoint{format: f, signal: signal, ready: make(chan struct{}, 1)}
}

func (f *fakeEndpoint) Open() (format.Format, error) {
	if f.openErr != nil {
		return format.Format{}, f.openErr
	}
	return f.format, nil
}

func (f *fakeEndpoint) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeEndpoint) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

func (f *fakeEndpoint) Pull() (*buffer.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.packets) > 0 {
		b := f.packets[0]
		f.packets = f.packets[1:]
		return b, nil
	}
	if f.invalid {
		return nil, endpoint.ErrDeviceInvalidated
	}
	return nil, nil
}

func (f *fakeEndpoint) DataReady() <-chan struct{} {
	if !f.signal {
		return nil
	}
	return f.ready
}

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEndpoint) push(data []byte, ts uint64) {
	b := buffer.NewBlock(len(data))
	copy(b.Data(), data)
	b.SetLen(len(data))
	b.SetTimestamp(ts)
	f.mu.Lock()
	f.packets = append(f.packets, b)
	f.mu.Unlock()
	if f.signal {
		select {
		case f.ready <- struct{}{}:
		default:
		}
	}
}

func (f *fakeEndpoint) invalidate() {
	f.mu.Lock()
	f.invalid = true
	f.mu.Unlock()
	if f.signal {
		select {
		case f.ready <- struct{}{}:
		default:
		}
	}
}

// fakeFactory hands out pre-scripted endpoints: capture opens pop from the
// near list, loopback opens pop from the far list.
type fakeFactory struct {
	mu    sync.Mutex
	near  []*fakeEndpoint
	far   []*fakeEndpoint
	calls []endpoint.Options
}

func (f *fakeFactory) NewEndpoint(opts endpoint.Options) endpoint.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	list := &f.near
	if opts.Loopback {
		list = &f.far
	}
	if len(*list) == 0 {
		ep := newFakeEndpoint(format.Format{}, false)
		ep.openErr = errors.New("no device")
		return ep
	}
	ep := (*list)[0]
	*list = (*list)[1:]
	return ep
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSink struct {
	mu     sync.Mutex
	frames []OutputFrame
}

func (s *fakeSink) OutputAudio(f OutputFrame) {
	cp := f
	cp.Data = append([]byte(nil), f.Data...)
	s.mu.Lock()
	s.frames = append(s.frames, cp)
	s.mu.Unlock()
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSink) frame(i int) OutputFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

type fakeMonitor struct {
	mu         sync.Mutex
	monitoring bool
	sets       []bool
}

func (m *fakeMonitor) Monitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitoring
}

func (m *fakeMonitor) SetMonitoring(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitoring = v
	m.sets = append(m.sets, v)
}

// passEC hands the near input straight through, as many samples as came in.
type passEC struct {
	configErr error
}

func (p *passEC) Configure(near, far format.Format) error { return p.configErr }
func (p *passEC) Process(near, far []int16) ([]int16, error) {
	out := make([]int16, len(near))
	copy(out, near)
	return out, nil
}
func (p *passEC) Flush() {}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func testStream() config.Config {
	cfg := config.Default(config.DirectionCapture)
	cfg.DisableEchoCancellation = true
	return cfg
}

func s16le(samples ...int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func TestEngineDirectCapture(t *testing.T) {
	near := newFakeEndpoint(format.Format{SampleRate: 48000, Channels: 2, Encoding: format.Float32}, true)
	factory := &fakeFactory{near: []*fakeEndpoint{near}}
	sink := &fakeSink{}

	const clock = uint64(1_000_000_000)
	e, err := New(Config{
		Stream:    testStream(),
		Endpoints: factory,
		Sink:      sink,
		Logger:    zerolog.Nop(),
		Clock:     func() uint64 { return clock },
	})
	if err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()
	if got := e.State(); got != StateActive {
		t.Fatalf("state = %v, want %v", got, StateActive)
	}

	// Five 10 ms packets: 480 frames of stereo float.
	pkt := make([]byte, 480*8)
	for i := 0; i < 5; i++ {
		near.push(pkt, 0)
	}

	waitFor(t, time.Second, func() bool { return sink.count() == 5 })

	f := sink.frame(0)
	if f.Frames != 480 || f.Channels != 2 || f.SampleRate != 48000 || f.Encoding != format.Float32 {
		t.Fatalf("unexpected frame shape: %+v", f)
	}
	// Device timing is off, so the stamp is the clock minus the packet
	// duration.
	want := clock - uint64(10*time.Millisecond)
	if f.Timestamp != want {
		t.Fatalf("timestamp = %d, want %d", f.Timestamp, want)
	}
}

func TestEngineDeviceTimingStampsPassThrough(t *testing.T) {
	near := newFakeEndpoint(format.Format{SampleRate: 48000, Channels: 2, Encoding: format.Float32}, true)
	factory := &fakeFactory{near: []*fakeEndpoint{near}}
	sink := &fakeSink{}

	stream := testStream()
	stream.UseDeviceTiming = true

	e, err := New(Config{Stream: stream, Endpoints: factory, Sink: sink, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	defer e.Stop()

	near.push(make([]byte, 480*8), 777_000_000)
	waitFor(t, time.Second, func() bool { return sink.count() == 1 })

	if got := sink.frame(0).Timestamp; got != 777_000_000 {
		t.Fatalf("timestamp = %d, want device stamp 777000000", got)
	}
}

func TestEngineAECDelayAndOutputFormat(t *testing.T) {
	mono := format.Format{SampleRate: aec.OutputRate, Channels: 1, Encoding: format.PCM16}
	near := newFakeEndpoint(mono, true)
	far := newFakeEndpoint(mono, false)
	factory := &fakeFactory{near: []*fakeEndpoint{near}, far: []*fakeEndpoint{far}}
	sink := &fakeSink{}

	stream := config.Default(config.DirectionCapture)
	stream.AECInputDelay = 2

	e, err := New(Config{
		Stream:    stream,
		Endpoints: factory,
		Sink:      sink,
		Logger:    zerolog.Nop(),
		Canceller: func() aec.EchoCanceller { return &passEC{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	defer e.Stop()

	ref := make([]byte, 441*2)
	for i := 0; i < 5; i++ {
		far.push(ref, 0)
		near.push(s16le(int16(100*(i+1)), int16(200*(i+1))), 0)
	}

	// Two packets are held back by the aligner, so five inputs yield
	// three outputs.
	waitFor(t, time.Second, func() bool { return sink.count() == 3 })
	time.Sleep(10 * time.Millisecond)
	if n := sink.count(); n != 3 {
		t.Fatalf("frames = %d, want 3", n)
	}

	f := sink.frame(0)
	if f.SampleRate != aec.OutputRate || f.Channels != 1 || f.Encoding != format.PCM16 {
		t.Fatalf("unexpected output format: %+v", f)
	}
	// The first emitted block is the first pushed packet, released from
	// the aligner two cycles late.
	if !bytes.Equal(f.Data, s16le(100, 200)) {
		t.Fatalf("output data = %x, want first input packet", f.Data)
	}
}

func TestEngineAECConfigureFailureFallsBackToPassthrough(t *testing.T) {
	near := newFakeEndpoint(format.Format{SampleRate: 48000, Channels: 2, Encoding: format.Float32}, true)
	far := newFakeEndpoint(format.Format{SampleRate: 44100, Channels: 1, Encoding: format.PCM16}, false)
	factory := &fakeFactory{near: []*fakeEndpoint{near}, far: []*fakeEndpoint{far}}
	sink := &fakeSink{}

	e, err := New(Config{
		Stream:    config.Default(config.DirectionCapture),
		Endpoints: factory,
		Sink:      sink,
		Logger:    zerolog.Nop(),
		Canceller: func() aec.EchoCanceller { return &passEC{configErr: errors.New("unsupported")} },
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	defer e.Stop()

	if got := e.State(); got != StateActive {
		t.Fatalf("state = %v, want %v", got, StateActive)
	}

	near.push(make([]byte, 480*8), 0)
	waitFor(t, time.Second, func() bool { return sink.count() == 1 })

	// Frames keep the negotiated capture format instead of the cancelled
	// output format.
	f := sink.frame(0)
	if f.Encoding != format.Float32 || f.SampleRate != 48000 {
		t.Fatalf("unexpected passthrough frame: %+v", f)
	}

	far.mu.Lock()
	closed := far.closed
	far.mu.Unlock()
	if !closed {
		t.Fatal("reference endpoint should be closed after fallback")
	}
}

func TestEngineReconnectsAfterInvalidation(t *testing.T) {
	fmtF32 := format.Format{SampleRate: 48000, Channels: 2, Encoding: format.Float32}
	first := newFakeEndpoint(fmtF32, true)
	second := newFakeEndpoint(fmtF32, true)
	factory := &fakeFactory{near: []*fakeEndpoint{first, second}}
	sink := &fakeSink{}
	mon := &fakeMonitor{monitoring: true}

	e, err := New(Config{
		Stream:            testStream(),
		Endpoints:         factory,
		Sink:              sink,
		Monitor:           mon,
		Logger:            zerolog.Nop(),
		ReconnectInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	defer e.Stop()

	pkt := make([]byte, 480*8)
	first.push(pkt, 0)
	first.push(pkt, 0)
	waitFor(t, time.Second, func() bool { return sink.count() == 2 })

	first.invalidate()
	waitFor(t, time.Second, func() bool { return e.State() == StateActive && factory.callCount() == 2 })

	second.push(pkt, 0)
	second.push(pkt, 0)
	waitFor(t, time.Second, func() bool { return sink.count() == 4 })

	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Fatal("invalidated endpoint should be closed")
	}
	// Monitoring was suspended during the outage and restored after.
	if !mon.Monitoring() {
		t.Fatal("monitoring not restored after reconnect")
	}
	mon.mu.Lock()
	sets := append([]bool(nil), mon.sets...)
	mon.mu.Unlock()
	if len(sets) < 2 || sets[0] != false || sets[len(sets)-1] != true {
		t.Fatalf("monitor toggles = %v, want suspend then restore", sets)
	}
}

func TestEngineLogsPersistentFailureOnce(t *testing.T) {
	factory := &fakeFactory{} // every open fails
	sink := &fakeSink{}

	var buf bytes.Buffer
	log := zerolog.New(zerolog.SyncWriter(&buf))

	e, err := New(Config{
		Stream:            testStream(),
		Endpoints:         factory,
		Sink:              sink,
		Logger:            log,
		ReconnectInterval: 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	if got := e.State(); got != StateReconnecting {
		t.Fatalf("state = %v, want %v", got, StateReconnecting)
	}

	waitFor(t, time.Second, func() bool { return factory.callCount() >= 5 })
	e.Stop()

	if got := strings.Count(buf.String(), "pipeline initialization failed"); got != 1 {
		t.Fatalf("failure logged %d times across retries, want 1\n%s", got, buf.String())
	}
}

func TestEngineUpdateRestartPolicy(t *testing.T) {
	fmtF32 := format.Format{SampleRate: 48000, Channels: 2, Encoding: format.Float32}
	first := newFakeEndpoint(fmtF32, true)
	second := newFakeEndpoint(fmtF32, true)
	factory := &fakeFactory{near: []*fakeEndpoint{first, second}}

	e, err := New(Config{Stream: testStream(), Endpoints: factory, Sink: &fakeSink{}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	defer e.Stop()

	// Cosmetic change: no restart.
	cfg := testStream()
	cfg.UseDeviceTiming = true
	if err := e.Update(cfg); err != nil {
		t.Fatal(err)
	}
	if got := factory.callCount(); got != 1 {
		t.Fatalf("factory calls after cosmetic update = %d, want 1", got)
	}
	// The running pipeline picks the timing change up live.
	sink := e.sink.(*fakeSink)
	first.push(make([]byte, 480*8), 123)
	waitFor(t, time.Second, func() bool { return sink.count() == 1 })
	if got := sink.frame(0).Timestamp; got != 123 {
		t.Fatalf("timestamp after cosmetic update = %d, want device stamp 123", got)
	}

	// Structural change: full restart against the new device.
	cfg.DeviceID = "mic-2"
	if err := e.Update(cfg); err != nil {
		t.Fatal(err)
	}
	if got := factory.callCount(); got != 2 {
		t.Fatalf("factory calls after structural update = %d, want 2", got)
	}
	if got := e.State(); got != StateActive {
		t.Fatalf("state = %v, want %v", got, StateActive)
	}
}

func TestEngineUpdateRejectsInvalidConfig(t *testing.T) {
	e, err := New(Config{Stream: testStream(), Endpoints: &fakeFactory{}, Sink: &fakeSink{}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	bad := testStream()
	bad.AECInputDelay = 42
	if err := e.Update(bad); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestEngineStopQuiesces(t *testing.T) {
	fmtF32 := format.Format{SampleRate: 48000, Channels: 2, Encoding: format.Float32}
	near := newFakeEndpoint(fmtF32, true)
	factory := &fakeFactory{near: []*fakeEndpoint{near}}
	sink := &fakeSink{}

	e, err := New(Config{Stream: testStream(), Endpoints: factory, Sink: sink, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	near.push(make([]byte, 480*8), 0)
	waitFor(t, time.Second, func() bool { return sink.count() == 1 })

	e.Stop()
	if got := e.State(); got != StateUninitialized {
		t.Fatalf("state after stop = %v, want %v", got, StateUninitialized)
	}
	near.mu.Lock()
	closed := near.closed
	near.mu.Unlock()
	if !closed {
		t.Fatal("endpoint not closed after stop")
	}

	// Packets arriving after Stop go nowhere.
	near.push(make([]byte, 480*8), 0)
	time.Sleep(20 * time.Millisecond)
	if got := sink.count(); got != 1 {
		t.Fatalf("frames after stop = %d, want 1", got)
	}

	// Stop is idempotent.
	e.Stop()
}

func TestEngineStartWhileAbsentThenDeviceArrives(t *testing.T) {
	fmtF32 := format.Format{SampleRate: 48000, Channels: 2, Encoding: format.Float32}
	broken := newFakeEndpoint(fmtF32, true)
	broken.openErr = errors.New("no device")
	working := newFakeEndpoint(fmtF32, true)
	factory := &fakeFactory{near: []*fakeEndpoint{broken, working}}
	sink := &fakeSink{}

	e, err := New(Config{
		Stream:            testStream(),
		Endpoints:         factory,
		Sink:              sink,
		Logger:            zerolog.Nop(),
		ReconnectInterval: 3 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	defer e.Stop()

	if got := e.State(); got != StateReconnecting {
		t.Fatalf("state = %v, want %v", got, StateReconnecting)
	}

	waitFor(t, time.Second, func() bool { return e.State() == StateActive })
	working.push(make([]byte, 480*8), 0)
	waitFor(t, time.Second, func() bool { return sink.count() == 1 })
}
