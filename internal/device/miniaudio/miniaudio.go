// Package miniaudio drives the duplex unit from a miniaudio device.
package miniaudio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/CoyAce/duplex/internal/audio"
	"github.com/CoyAce/duplex/internal/device"
	"github.com/gen2brain/malgo"
	"github.com/sirupsen/logrus"
)

// StreamConfig describes the parameters of a duplex stream. Empty device
// names pick the system defaults.
type StreamConfig struct {
	SampleRate     int
	InputChannels  int
	OutputChannels int
	PeriodFrames   int
	Periods        int
	CaptureDevice  string
	PlaybackDevice string
}

func (c StreamConfig) deviceType() malgo.DeviceType {
	switch {
	case c.InputChannels > 0 && c.OutputChannels > 0:
		return malgo.Duplex
	case c.InputChannels > 0:
		return malgo.Capture
	default:
		return malgo.Playback
	}
}

func (c StreamConfig) asDeviceConfig() malgo.DeviceConfig {
	deviceConfig := malgo.DefaultDeviceConfig(c.deviceType())
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(c.InputChannels)
	deviceConfig.Playback.Channels = uint32(c.OutputChannels)
	deviceConfig.SampleRate = uint32(c.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(c.PeriodFrames)
	if c.Periods > 0 {
		deviceConfig.Periods = uint32(c.Periods)
	}
	return deviceConfig
}

// Stream is a device.Device backed by miniaudio.
type Stream struct {
	cfg    StreamConfig
	log    *logrus.Entry
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	bridge *device.Bridge

	// scratch for the byte to sample conversion; the data callback grows
	// them only if the backend hands over a larger period than requested
	input  []int16
	output []int16

	mu      sync.Mutex
	running bool
	closed  bool
}

// Open initialises a context and a device; the stream is idle until Start.
func Open(cfg StreamConfig, cb device.Callbacks, log *logrus.Entry) (*Stream, error) {
	if log == nil {
		log = logrus.WithField("component", "device")
	}
	log = log.WithField("backend", "miniaudio")

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug(strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("init context: %w", err)
	}

	s := &Stream{
		cfg:    cfg,
		log:    log,
		ctx:    ctx,
		bridge: device.NewBridge(cb, cfg.InputChannels, cfg.OutputChannels, cfg.PeriodFrames),
		input:  make([]int16, cfg.PeriodFrames*cfg.InputChannels),
		output: make([]int16, cfg.PeriodFrames*cfg.OutputChannels),
	}

	deviceConfig := cfg.asDeviceConfig()
	if cfg.InputChannels > 0 {
		id, err := deviceByName(&ctx.Context, malgo.Capture, cfg.CaptureDevice)
		if err != nil {
			s.uninitContext()
			return nil, err
		}
		if id != nil {
			deviceConfig.Capture.DeviceID = id.Pointer()
		}
	}
	if cfg.OutputChannels > 0 {
		id, err := deviceByName(&ctx.Context, malgo.Playback, cfg.PlaybackDevice)
		if err != nil {
			s.uninitContext()
			return nil, err
		}
		if id != nil {
			deviceConfig.Playback.DeviceID = id.Pointer()
		}
	}

	s.device, err = malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onData,
	})
	if err != nil {
		s.uninitContext()
		return nil, fmt.Errorf("init device: %w", err)
	}
	log.WithFields(logrus.Fields{
		"sample_rate": cfg.SampleRate,
		"inputs":      cfg.InputChannels,
		"outputs":     cfg.OutputChannels,
		"period":      cfg.PeriodFrames,
	}).Info("Device initialised")
	return s, nil
}

func (s *Stream) onData(outputSamples, inputSamples []byte, frameCount uint32) {
	frames := int(frameCount)
	ins, outs := s.cfg.InputChannels, s.cfg.OutputChannels
	if frames*ins > len(s.input) {
		s.input = make([]int16, frames*ins)
	}
	if frames*outs > len(s.output) {
		s.output = make([]int16, frames*outs)
	}
	in := s.input[:frames*ins]
	out := s.output[:frames*outs]
	if ins > 0 {
		audio.ToPcmInts(in, inputSamples)
	}
	s.bridge.Interleaved(in, out, frames)
	if outs > 0 {
		audio.ToPcmBytes(outputSamples, out)
	}
}

// deviceByName matches a device by its trimmed name. An empty name selects
// the default device and returns nil.
func deviceByName(mctx *malgo.Context, kind malgo.DeviceType, name string) (*malgo.DeviceID, error) {
	if name == "" {
		return nil, nil
	}
	devices, err := mctx.Devices(kind)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if strings.TrimSpace(d.Name()) == name {
			id := d.ID
			return &id, nil
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
	if err := s.device.Start(); err != nil {
		return err
	}
	s.running = true
	return nil
}

// Stop returns once miniaudio has stopped calling back.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	return s.device.Stop()
}

func (s *Stream) Close() error {
	err := s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return err
	}
	s.closed = true
	s.device.Uninit()
	s.uninitContext()
	s.log.Info("Device closed")
	return err
}

func (s *Stream) uninitContext() {
	if err := s.ctx.Uninit(); err != nil {
		s.log.WithError(err).Warn("Failed to uninit context")
	}
	s.ctx.Free()
}

// ListDevices enumerates capture and playback endpoints.
func ListDevices() ([]device.Info, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	var infos []device.Info
	for _, kind := range []malgo.DeviceType{malgo.Capture, malgo.Playback} {
		devs, err := ctx.Devices(kind)
		if err != nil {
			return nil, err
		}
		for _, d := range devs {
			info := device.Info{Name: strings.TrimSpace(d.Name()), IsDefault: d.IsDefault != 0}
			if kind == malgo.Capture {
				info.Inputs = 1
			} else {
				info.Outputs = 1
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}
