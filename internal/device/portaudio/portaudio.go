// Package portaudio drives the duplex unit from a PortAudio stream using the
// non-interleaved callback, so hardware buffers go straight to the unit.
package portaudio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/CoyAce/duplex/internal/device"
	"github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"
)

type StreamConfig struct {
	SampleRate     int
	InputChannels  int
	OutputChannels int
	PeriodFrames   int
	CaptureDevice  string
	PlaybackDevice string
}

// Stream is a device.Device backed by PortAudio.
type Stream struct {
	cfg    StreamConfig
	log    *logrus.Entry
	stream *portaudio.Stream
	bridge *device.Bridge

	mu      sync.Mutex
	running bool
	closed  bool
}

// Open initialises PortAudio and opens the stream. Each successful Open
// is paired with a Terminate in Close.
func Open(cfg StreamConfig, cb device.Callbacks, log *logrus.Entry) (*Stream, error) {
	if log == nil {
		log = logrus.WithField("component", "device")
	}
	log = log.WithField("backend", "portaudio")

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	params, err := streamParameters(cfg)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	s := &Stream{
		cfg:    cfg,
		log:    log,
		bridge: device.NewBridge(cb, cfg.InputChannels, cfg.OutputChannels, cfg.PeriodFrames),
	}
	s.stream, err = portaudio.OpenStream(params, s.bridge.Planar)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	log.WithFields(logrus.Fields{
		"sample_rate": cfg.SampleRate,
		"inputs":      cfg.InputChannels,
		"outputs":     cfg.OutputChannels,
		"period":      cfg.PeriodFrames,
	}).Info("Stream opened")
	return s, nil
}

func streamParameters(cfg StreamConfig) (portaudio.StreamParameters, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return portaudio.StreamParameters{}, err
	}
	params := portaudio.StreamParameters{
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.PeriodFrames,
	}
	if cfg.InputChannels > 0 {
		dev, err := resolveDevice(devices, cfg.CaptureDevice, portaudio.DefaultInputDevice)
		if err != nil {
			return params, err
		}
		params.Input = portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.InputChannels,
			Latency:  dev.DefaultLowInputLatency,
		}
	}
	if cfg.OutputChannels > 0 {
		dev, err := resolveDevice(devices, cfg.PlaybackDevice, portaudio.DefaultOutputDevice)
		if err != nil {
			return params, err
		}
		params.Output = portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.OutputChannels,
			Latency:  dev.DefaultLowOutputLatency,
		}
	}
	return params, nil
}

// resolveDevice looks a device up by name, falling back to the default.
func resolveDevice(devices []*portaudio.DeviceInfo, name string, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if name == "" {
		return fallback()
	}
	for _, d := range devices {
		if strings.TrimSpace(d.Name) == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device %q not found", name)
}

func (s *Stream) InputChannels() int  { return s.cfg.InputChannels }
func (s *Stream) OutputChannels() int { return s.cfg.OutputChannels }
func (s *Stream) SampleRate() int     { return s.cfg.SampleRate }

func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrDeviceClosed
	}
	if s.running {
		return nil
	}
	if err := s.stream.Start(); err != nil {
		return err
	}
	s.running = true
	return nil
}

func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	return s.stream.Stop()
}

func (s *Stream) Close() error {
	err := s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return err
	}
	s.closed = true
	if cerr := s.stream.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if terr := portaudio.Terminate(); terr != nil && err == nil {
		err = terr
	}
	s.log.Info("Stream closed")
	return err
}

// ListDevices enumerates PortAudio endpoints.
func ListDevices() ([]device.Info, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()

	infos := make([]device.Info, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, device.Info{
			Name:      d.Name,
			Inputs:    d.MaxInputChannels,
			Outputs:   d.MaxOutputChannels,
			IsDefault: sameDevice(d, defIn) || sameDevice(d, defOut),
		})
	}
	return infos, nil
}

func sameDevice(a, b *portaudio.DeviceInfo) bool {
	return a != nil && b != nil && a.Name == b.Name
}
