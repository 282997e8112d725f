package device

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/CoyAce/duplex/internal/ring"
	"github.com/sirupsen/logrus"
)

// SyntheticConfig shapes the generated signal and the simulated room.
type SyntheticConfig struct {
	SampleRate     int
	InputChannels  int
	OutputChannels int
	// PeriodFrames is the number of frames per simulated callback.
	PeriodFrames int
	ToneHz       float64
	// Amplitude of the tone in [0, 1].
	Amplitude float64
	// EchoGain scales playback fed back into capture.
	EchoGain    float64
	EchoDelayMs int
}

// Synthetic is a Device without hardware: a ticker plays the role of the
// realtime thread, capture carries a tone plus a delayed, attenuated copy of
// what was rendered, like a loudspeaker heard by the microphone.
type Synthetic struct {
	cfg    SyntheticConfig
	bridge *Bridge
	log    *logrus.Entry

	phase  int
	input  []int16
	output []int16
	delay  []*ring.RingBuffer
	tap    []int16

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
	closed  bool
}

var ErrDeviceClosed = errors.New("device: closed")

// NewSynthetic prepares a synthetic stream driving cb.
func NewSynthetic(cfg SyntheticConfig, cb Callbacks, log *logrus.Entry) (*Synthetic, error) {
	if cfg.SampleRate <= 0 || cfg.PeriodFrames <= 0 {
		return nil, errors.New("device: synthetic stream needs a sample rate and period")
	}
	if log == nil {
		log = logrus.WithField("component", "device")
	}
	s := &Synthetic{
		cfg:    cfg,
		bridge: NewBridge(cb, cfg.InputChannels, cfg.OutputChannels, cfg.PeriodFrames),
		log:    log.WithField("backend", "synthetic"),
		input:  make([]int16, cfg.PeriodFrames*cfg.InputChannels),
		output: make([]int16, cfg.PeriodFrames*cfg.OutputChannels),
		tap:    make([]int16, cfg.PeriodFrames),
	}

	delay := cfg.SampleRate * cfg.EchoDelayMs / 1000
	capacity := 2
	for capacity < delay+2*cfg.PeriodFrames {
		capacity <<= 1
	}
	for c := 0; c < cfg.OutputChannels; c++ {
		rb, err := ring.New(capacity)
		if err != nil {
			return nil, err
		}
		rb.Write(make([]int16, delay))
		s.delay = append(s.delay, rb)
	}
	return s, nil
}

func (s *Synthetic) InputChannels() int  { return s.cfg.InputChannels }
func (s *Synthetic) OutputChannels() int { return s.cfg.OutputChannels }
func (s *Synthetic) SampleRate() int     { return s.cfg.SampleRate }

// Step simulates one period synchronously.
func (s *Synthetic) Step() {
	frames := s.cfg.PeriodFrames
	ins, outs := s.cfg.InputChannels, s.cfg.OutputChannels
	amp := s.cfg.Amplitude * math.MaxInt16

	for i := 0; i < frames; i++ {
		v := amp * math.Sin(2*math.Pi*s.cfg.ToneHz*float64(s.phase+i)/float64(s.cfg.SampleRate))
		for c := 0; c < ins; c++ {
			s.input[i*ins+c] = int16(v)
		}
	}
	s.phase += frames

	// echo of what was rendered earlier, speaker c heard by microphone c
	for c := 0; c < min(ins, outs); c++ {
		n := s.delay[c].Read(s.tap)
		for i := 0; i < n; i++ {
			mixed := float64(s.input[i*ins+c]) + s.cfg.EchoGain*float64(s.tap[i])
			s.input[i*ins+c] = int16(max(math.MinInt16, min(math.MaxInt16, mixed)))
		}
	}

	s.bridge.Interleaved(s.input, s.output, frames)

	for c := 0; c < outs; c++ {
		for i := 0; i < frames; i++ {
			s.tap[i] = s.output[i*outs+c]
		}
		s.delay[c].Write(s.tap)
	}
}

// Start runs Step on a ticker until Stop.
func (s *Synthetic) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDeviceClosed
	}
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	period := time.Duration(s.cfg.PeriodFrames) * time.Second / time.Duration(s.cfg.SampleRate)

	go func(stop, stopped chan struct{}) {
		defer close(stopped)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Step()
			}
		}
	}(s.stop, s.stopped)

	s.log.WithFields(logrus.Fields{
		"period":  period,
		"tone_hz": s.cfg.ToneHz,
	}).Info("Synthetic stream started")
	return nil
}

// Stop halts the ticker and waits for the running period to finish.
func (s *Synthetic) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.stopped
	s.stop, s.stopped = nil, nil
	s.log.Info("Synthetic stream stopped")
	return nil
}

func (s *Synthetic) Close() error {
	err := s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}
