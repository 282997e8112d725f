// Package unit ties the hardware callbacks, the ring buffers and the DSP
// chain together.
//
// A Unit owns a fixed set of Channels, a processing goroutine woken through
// a counting semaphore and a delivery goroutine that hands processed frames
// to the host. The hardware side (CommitInput, FlushInput, RenderOutput)
// never blocks and never allocates.
package unit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CoyAce/duplex/internal/audio"
	"github.com/CoyAce/duplex/internal/observe"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrConfig = errors.New("unit: invalid configuration")
	// ErrStage wraps a failure reported by a DSP stage during processing.
	ErrStage = errors.New("unit: processing stage failed")
)

// MaxChannels bounds the channel count of either side.
const MaxChannels = 2

// semaphoreDepth bounds the number of pending wakeups. Excess posts are
// dropped; the processing loop drains everything available per wakeup.
const semaphoreDepth = 64

// Side selects input (capture) or output (playback).
type Side int

const (
	Input Side = iota
	Output
)

// Frame is one processed chunk of one input channel. Samples is only valid
// during the handler call.
type Frame struct {
	Channel int
	Seq     uint64
	Samples []int16
	Echo    bool
	Voice   bool
	Level   float64 // dBFS
}

// Config is the fixed topology and DSP setup of a Unit.
type Config struct {
	SampleRate     int
	InputChannels  int
	OutputChannels int
	BufferCapacity int
	// ReferenceRate is the hardware playback rate reported to the echo
	// canceller. Zero means SampleRate.
	ReferenceRate int
	EchoDelayMs   int

	GainControl bool
	GainMode    audio.GainMode
	MinLevel    int32
	MaxLevel    int32

	NoisePolicy audio.Policy

	VoiceDetection bool
	VADThresholdDB float64
	VADHangover    int
}

// DefaultConfig returns a mono 16 kHz configuration.
func DefaultConfig() Config {
	return Config{
		SampleRate:     audio.Rate16k,
		InputChannels:  1,
		OutputChannels: 1,
		BufferCapacity: 16 * 1024,
		GainControl:    true,
		GainMode:       audio.AdaptiveAnalog,
		MinLevel:       0,
		MaxLevel:       255,
		NoisePolicy:    audio.Medium,
		VoiceDetection: true,
		VADThresholdDB: audio.DefaultVADThreshold,
		VADHangover:    audio.DefaultVADHangover,
	}
}

func (c Config) validate() error {
	var errs []error
	if err := audio.CheckRate(c.SampleRate); err != nil {
		errs = append(errs, err)
	}
	if c.InputChannels < 0 || c.InputChannels > MaxChannels ||
		c.OutputChannels < 0 || c.OutputChannels > MaxChannels {
		errs = append(errs, fmt.Errorf("channel counts %d/%d outside [0, %d]", c.InputChannels, c.OutputChannels, MaxChannels))
	}
	if c.InputChannels == 0 && c.OutputChannels == 0 {
		errs = append(errs, errors.New("no channels"))
	}
	if c.SampleRate > 0 && c.BufferCapacity < 2*audio.ChunkSize(c.SampleRate) {
		errs = append(errs, fmt.Errorf("buffer capacity %d below two chunks", c.BufferCapacity))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}

// Option customizes a Unit.
type Option func(*Unit)

// WithLogger sets the logger; the default is the logrus standard logger.
func WithLogger(l *logrus.Entry) Option {
	return func(u *Unit) { u.log = l }
}

// WithMetrics records processing metrics into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(u *Unit) { u.metrics = m }
}

// WithFactory replaces the DSP implementations.
func WithFactory(f audio.Factory) Option {
	return func(u *Unit) { u.factory = f }
}

// WithInputHandler receives every processed frame on the delivery goroutine.
func WithInputHandler(h func(Frame)) Option {
	return func(u *Unit) { u.onInput = h }
}

// WithErrorHandler is called once, from the processing goroutine, when
// processing stops on a DSP failure.
func WithErrorHandler(h func(error)) Option {
	return func(u *Unit) { u.onError = h }
}

// Stats is a snapshot of the unit counters.
type Stats struct {
	Cycles            uint64
	Processed         uint64
	EchoChunks        uint64
	Delivered         uint64
	CaptureDropped    uint64
	PlaybackUnderflow uint64
	DeliveryDropped   uint64
	GainWarnings      uint64
	Channels          []ChannelStats
}

type ChannelStats struct {
	Processed uint64
	Level     int32
	Echo      bool
	ERLE      float32 // dB
}

// Unit is the full-duplex processing orchestrator.
type Unit struct {
	cfg      Config
	chunk    int
	inputs   int
	outputs  int
	channels []*Channel

	factory audio.Factory
	log     *logrus.Entry
	metrics *observe.Metrics
	onInput func(Frame)
	onError func(error)

	sem        chan struct{}
	wake       chan struct{}
	stop       chan struct{}
	done       chan struct{}
	deliverEnd chan struct{}
	destroying atomic.Bool

	fatal     atomic.Pointer[error]
	cycles    atomic.Uint64
	captured  []atomic.Uint64 // dropped capture samples per channel
	starved   []atomic.Uint64 // substituted playback samples per channel
	delivered atomic.Uint64

	published published
	// captured values already realigned, owned by the processing goroutine
	realigned []uint64

	closeOnce sync.Once
	closeErr  error
}

// published remembers what the processing goroutine already reported to
// metrics so only deltas are added.
type published struct {
	processed, echo, warnings, dropped []uint64
	captured, starved                  []uint64
}

// New validates cfg, creates every channel and starts the processing and
// delivery goroutines. On error nothing is left running.
func New(cfg Config, opts ...Option) (*Unit, error) {
	if cfg.ReferenceRate == 0 {
		cfg.ReferenceRate = cfg.SampleRate
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	n := max(cfg.InputChannels, cfg.OutputChannels)
	u := &Unit{
		cfg:        cfg,
		chunk:      audio.ChunkSize(cfg.SampleRate),
		inputs:     cfg.InputChannels,
		outputs:    cfg.OutputChannels,
		factory:    audio.DefaultFactory{},
		log:        logrus.WithField("component", "unit"),
		sem:        make(chan struct{}, semaphoreDepth),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		deliverEnd: make(chan struct{}),
		captured:   make([]atomic.Uint64, n),
		starved:    make([]atomic.Uint64, n),
		realigned:  make([]uint64, n),
		published: published{
			processed: make([]uint64, n),
			echo:      make([]uint64, n),
			warnings:  make([]uint64, n),
			dropped:   make([]uint64, n),
			captured:  make([]uint64, n),
			starved:   make([]uint64, n),
		},
	}
	for _, opt := range opts {
		opt(u)
	}

	for i := 0; i < n; i++ {
		ch, err := newChannel(i, cfg, u.factory)
		if err != nil {
			for _, created := range u.channels {
				err = errors.Join(err, created.Close())
			}
			return nil, err
		}
		u.channels = append(u.channels, ch)
	}

	u.log.WithFields(logrus.Fields{
		"sample_rate": cfg.SampleRate,
		"inputs":      cfg.InputChannels,
		"outputs":     cfg.OutputChannels,
		"chunk":       u.chunk,
		"capacity":    cfg.BufferCapacity,
	}).Info("Starting processing unit")

	go u.run()
	go u.deliver()
	return u, nil
}

// ChannelCount returns the number of channels on side.
func (u *Unit) ChannelCount(side Side) int {
	if side == Input {
		return u.inputs
	}
	return u.outputs
}

// ChunkSize returns the number of samples per processing frame.
func (u *Unit) ChunkSize() int {
	return u.chunk
}

// ==================== hardware side ====================

// CommitInput copies captured samples of one channel into its echo-in
// buffer. Samples that do not fit are dropped and counted.
func (u *Unit) CommitInput(channel int, in []int16) {
	if channel < 0 || channel >= u.inputs || u.destroying.Load() {
		return
	}
	n := u.channels[channel].echoIn.Write(in)
	if n < len(in) {
		u.captured[channel].Add(uint64(len(in) - n))
	}
}

// FlushInput wakes the processing goroutine. Call once per capture callback
// after all channels were committed.
func (u *Unit) FlushInput() {
	select {
	case u.sem <- struct{}{}:
	default:
	}
}

// RenderOutput fills out with samples queued through Play, substituting
// silence for whatever is missing, and keeps what was rendered as the echo
// reference.
func (u *Unit) RenderOutput(channel int, out []int16) {
	if channel < 0 || channel >= u.outputs || u.destroying.Load() {
		clear(out)
		return
	}
	ch := u.channels[channel]
	n := ch.deliveryOut.Read(out)
	if n < len(out) {
		clear(out[n:])
		u.starved[channel].Add(uint64(len(out) - n))
	}
	ch.echoOut.Write(out)
}

// ==================== host side ====================

// Play queues samples for playback on channel and returns how many were
// accepted. Only one goroutine may play to a given channel.
func (u *Unit) Play(channel int, samples []int16) int {
	if channel < 0 || channel >= u.outputs {
		return 0
	}
	return u.channels[channel].deliveryOut.Write(samples)
}

// QueueForPlayback is Play for native-endian s16 bytes. It returns the
// number of samples accepted.
func (u *Unit) QueueForPlayback(channel int, pcm []byte) int {
	if channel < 0 || channel >= u.outputs {
		return 0
	}
	rb := u.channels[channel].deliveryOut
	first, second := rb.WriteRegions(len(pcm) / 2)
	n := audio.ToPcmInts(first, pcm)
	n += audio.ToPcmInts(second, pcm[2*n:])
	rb.AdvanceWrite(n)
	return n
}

// Err returns the failure that stopped processing, if any.
func (u *Unit) Err() error {
	if p := u.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (u *Unit) Stats() Stats {
	s := Stats{
		Cycles:    u.cycles.Load(),
		Delivered: u.delivered.Load(),
		Channels:  make([]ChannelStats, len(u.channels)),
	}
	for i, ch := range u.channels {
		p := ch.processed.Load()
		s.Processed += p
		s.EchoChunks += ch.echoChunks.Load()
		s.GainWarnings += ch.gainWarnings.Load()
		s.DeliveryDropped += ch.deliveryDropped.Load()
		s.CaptureDropped += u.captured[i].Load()
		s.PlaybackUnderflow += u.starved[i].Load()
		s.Channels[i] = ChannelStats{
			Processed: p,
			Level:     ch.Level(),
			Echo:      ch.lastEcho.Load(),
			ERLE:      ch.ERLE(),
		}
	}
	return s
}

// Close stops processing and releases every channel. It waits for an
// in-flight cycle to finish. Close returns the processing failure, if any,
// joined with release errors, and is safe to call more than once.
func (u *Unit) Close() error {
	u.closeOnce.Do(func() {
		u.destroying.Store(true)
		u.FlushInput()
		<-u.done

		close(u.stop)
		<-u.deliverEnd

		errs := []error{u.Err()}
		for _, ch := range u.channels {
			errs = append(errs, ch.Close())
		}
		u.closeErr = errors.Join(errs...)
		u.log.WithField("cycles", u.cycles.Load()).Info("Processing unit closed")
	})
	return u.closeErr
}

// ==================== processing goroutine ====================

func (u *Unit) run() {
	defer close(u.done)
	for range u.sem {
		if u.destroying.Load() {
			return
		}
		if err := u.process(); err != nil {
			u.fail(err)
			return
		}
	}
}

// gate returns the samples every participating channel can provide on each
// side.
func (u *Unit) gate() (in, out int) {
	if u.inputs > 0 {
		in = u.channels[0].echoIn.AvailableToRead()
		for _, ch := range u.channels[1:u.inputs] {
			in = min(in, ch.echoIn.AvailableToRead())
		}
	}
	if u.outputs > 0 {
		out = u.channels[0].echoOut.AvailableToRead()
		for _, ch := range u.channels[1:u.outputs] {
			out = min(out, ch.echoOut.AvailableToRead())
		}
	}
	return in, out
}

// realign drops the partial chunk left in echo-in after capture overflowed,
// so later chunks start on a callback boundary again.
func (u *Unit) realign() {
	for i, ch := range u.channels[:u.inputs] {
		dropped := u.captured[i].Load()
		if dropped == u.realigned[i] {
			continue
		}
		u.realigned[i] = dropped
		if partial := ch.echoIn.AvailableToRead() % u.chunk; partial > 0 {
			ch.echoIn.Discard(partial)
			u.log.WithFields(logrus.Fields{
				"channel": i,
				"samples": partial,
			}).Debug("Discarded misaligned capture")
		}
	}
}

// process cycles every channel until less than a chunk is left on both
// sides, or Close was requested.
func (u *Unit) process() error {
	start := time.Now()
	worked := false
	u.realign()
	for {
		if u.destroying.Load() {
			break
		}
		in, out := u.gate()
		if in < u.chunk && out < u.chunk {
			break
		}
		for i, ch := range u.channels {
			availIn, availOut := 0, 0
			if i < u.inputs {
				availIn = in
			}
			if i < u.outputs {
				availOut = out
			}
			if err := ch.Cycle(availIn, availOut); err != nil {
				return err
			}
		}
		// all input channels deliver, or all drop
		room := true
		for _, ch := range u.channels[:u.inputs] {
			if ch.ready && !ch.hasRoom() {
				room = false
			}
		}
		for _, ch := range u.channels[:u.inputs] {
			ch.flush(room)
		}
		worked = true
	}
	if !worked {
		return nil
	}
	u.cycles.Add(1)
	select {
	case u.wake <- struct{}{}:
	default:
	}
	u.publish(time.Since(start))
	return nil
}

func (u *Unit) fail(err error) {
	u.fatal.Store(&err)
	u.log.WithError(err).Error("Processing stopped")
	if u.metrics != nil {
		u.metrics.FatalErrors.Add(context.Background(), 1)
	}
	if u.onError != nil {
		u.onError(err)
	}
}

// publish adds counter deltas since the previous call to the metrics.
func (u *Unit) publish(took time.Duration) {
	m := u.metrics
	if m == nil {
		return
	}
	ctx := context.Background()
	m.Cycles.Add(ctx, 1)
	m.CycleDuration.Record(ctx, took.Seconds())

	p := &u.published
	for i, ch := range u.channels {
		attrs := metric.WithAttributes(attribute.Int("channel", i))
		addDelta(ctx, m.ProcessedChunks, &p.processed[i], ch.processed.Load(), attrs)
		addDelta(ctx, m.EchoChunks, &p.echo[i], ch.echoChunks.Load(), attrs)
		addDelta(ctx, m.GainWarnings, &p.warnings[i], ch.gainWarnings.Load(), attrs)
		addDelta(ctx, m.DeliveryDropped, &p.dropped[i], ch.deliveryDropped.Load(), attrs)
		addDelta(ctx, m.CaptureDropped, &p.captured[i], u.captured[i].Load(), attrs)
		addDelta(ctx, m.PlaybackUnderflow, &p.starved[i], u.starved[i].Load(), attrs)
		if i < u.inputs {
			m.EchoReturnLoss.Record(ctx, float64(ch.ERLE()), attrs)
		}
	}
}

func addDelta(ctx context.Context, c metric.Int64Counter, seen *uint64, now uint64, opts ...metric.AddOption) {
	if now > *seen {
		c.Add(ctx, int64(now-*seen), opts...)
		*seen = now
	}
}

// ==================== delivery goroutine ====================

func (u *Unit) deliver() {
	defer close(u.deliverEnd)
	if u.inputs == 0 {
		<-u.stop
		return
	}

	bufs := make([][]int16, u.inputs)
	echo := make([]bool, u.inputs)
	vads := make([]*audio.VoiceDetector, u.inputs)
	for i := range bufs {
		bufs[i] = make([]int16, u.chunk)
		if u.cfg.VoiceDetection {
			vads[i] = audio.NewVoiceDetector(u.cfg.VADThresholdDB, u.cfg.VADHangover)
		}
	}
	var seq uint64

	for {
		select {
		case <-u.stop:
			return
		case <-u.wake:
		}
		for u.pending() {
			for i := 0; i < u.inputs; i++ {
				echo[i], _ = u.channels[i].receive(bufs[i])
			}
			for i := 0; i < u.inputs; i++ {
				info := audio.AnalyzePCM(bufs[i])
				frame := Frame{
					Channel: i,
					Seq:     seq,
					Samples: bufs[i],
					Echo:    echo[i],
					Voice:   true,
					Level:   info.RMSdB,
				}
				if vads[i] != nil {
					frame.Voice = vads[i].Update(info.RMSdB)
				}
				if u.onInput != nil {
					u.onInput(frame)
				}
			}
			seq++
			u.delivered.Add(uint64(u.inputs))
			if u.metrics != nil {
				u.metrics.DeliveredFrames.Add(context.Background(), int64(u.inputs))
			}
		}
	}
}

// pending reports whether every input channel has a delivered chunk.
func (u *Unit) pending() bool {
	for _, ch := range u.channels[:u.inputs] {
		if ch.flags.AvailableToRead() < 1 {
			return false
		}
	}
	return true
}
