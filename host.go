package main

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/CoyAce/duplex/internal/audio"
	"github.com/CoyAce/duplex/internal/config"
	"github.com/CoyAce/duplex/internal/device"
	"github.com/CoyAce/duplex/internal/device/miniaudio"
	"github.com/CoyAce/duplex/internal/device/portaudio"
	"github.com/CoyAce/duplex/internal/unit"
	"github.com/sirupsen/logrus"
)

// unitConfig maps the file configuration onto the processing unit.
func unitConfig(cfg *config.Config) (unit.Config, error) {
	mode, err := audio.ParseGainMode(cfg.Audio.AGC.Mode)
	if err != nil {
		return unit.Config{}, err
	}
	policy, err := audio.ParsePolicy(cfg.Audio.NS.Policy)
	if err != nil {
		return unit.Config{}, err
	}
	return unit.Config{
		SampleRate:     cfg.Audio.SampleRate,
		InputChannels:  cfg.Device.InputChannels,
		OutputChannels: cfg.Device.OutputChannels,
		BufferCapacity: cfg.Audio.BufferCapacity,
		EchoDelayMs:    cfg.Audio.EchoDelayMs,
		GainControl:    cfg.Audio.AGC.Enabled,
		GainMode:       mode,
		MinLevel:       cfg.Audio.AGC.MinLevel,
		MaxLevel:       cfg.Audio.AGC.MaxLevel,
		NoisePolicy:    policy,
		VoiceDetection: cfg.Audio.VAD.Enabled,
		VADThresholdDB: cfg.Audio.VAD.ThresholdDB,
		VADHangover:    cfg.Audio.VAD.Hangover,
	}, nil
}

// dspFactory picks the echo canceller implementation.
func dspFactory(cfg *config.Config) (audio.Factory, error) {
	switch cfg.Audio.DSP {
	case config.DSPNative, "":
		return audio.DefaultFactory{}, nil
	case config.DSPAPM:
		return audio.APMFactory{}, nil
	}
	return nil, fmt.Errorf("unknown dsp %q", cfg.Audio.DSP)
}

func openDevice(cfg *config.Config, cb device.Callbacks, log *logrus.Entry) (device.Device, error) {
	period := audio.ChunkSize(cfg.Audio.SampleRate)
	switch cfg.Device.Backend {
	case config.BackendSynthetic:
		return device.NewSynthetic(device.SyntheticConfig{
			SampleRate:     cfg.Audio.SampleRate,
			InputChannels:  cfg.Device.InputChannels,
			OutputChannels: cfg.Device.OutputChannels,
			PeriodFrames:   period,
			ToneHz:         cfg.Synthetic.ToneHz,
			Amplitude:      cfg.Synthetic.Amplitude,
			EchoGain:       cfg.Synthetic.EchoGain,
			EchoDelayMs:    cfg.Synthetic.EchoDelayMs,
		}, cb, log)
	case config.BackendPortAudio:
		return portaudio.Open(portaudio.StreamConfig{
			SampleRate:     cfg.Audio.SampleRate,
			InputChannels:  cfg.Device.InputChannels,
			OutputChannels: cfg.Device.OutputChannels,
			PeriodFrames:   period,
			CaptureDevice:  cfg.Device.CaptureDevice,
			PlaybackDevice: cfg.Device.PlaybackDevice,
		}, cb, log)
	case config.BackendMiniaudio:
		return miniaudio.Open(miniaudio.StreamConfig{
			SampleRate:     cfg.Audio.SampleRate,
			InputChannels:  cfg.Device.InputChannels,
			OutputChannels: cfg.Device.OutputChannels,
			PeriodFrames:   period,
			Periods:        cfg.Device.Periods,
			CaptureDevice:  cfg.Device.CaptureDevice,
			PlaybackDevice: cfg.Device.PlaybackDevice,
		}, cb, log)
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Device.Backend)
}

func printDevices(backend config.Backend) error {
	var (
		infos []device.Info
		err   error
	)
	switch backend {
	case config.BackendPortAudio:
		infos, err = portaudio.ListDevices()
	case config.BackendMiniaudio:
		infos, err = miniaudio.ListDevices()
	default:
		fmt.Printf("backend %s has no devices\n", backend)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println("Available devices:")
	for i, d := range infos {
		note := ""
		if d.IsDefault {
			note = "(DEFAULT)"
		}
		fmt.Printf("  %d: \"%s\" in=%d out=%d %s\n", i, d.Name, d.Inputs, d.Outputs, note)
	}
	if len(infos) == 0 {
		fmt.Println("  (none found)")
	}
	return nil
}

// frameLog summarises delivered frames about once per second.
type frameLog struct {
	log      *logrus.Entry
	every    uint64
	voice    atomic.Uint64
	echo     atomic.Uint64
	received atomic.Uint64
	started  time.Time
}

func newFrameLog(log *logrus.Entry, inputs int) *frameLog {
	// a frame is 10 ms per input channel
	return &frameLog{log: log, every: 100 * uint64(max(inputs, 1)), started: time.Now()}
}

func (l *frameLog) observe(f unit.Frame) {
	if f.Voice {
		l.voice.Add(1)
	}
	if f.Echo {
		l.echo.Add(1)
	}
	n := l.received.Add(1)
	if n%l.every != 0 {
		return
	}
	l.log.WithFields(logrus.Fields{
		"channel": f.Channel,
		"seq":     f.Seq,
		"level":   f.Level,
		"voice":   l.voice.Load(),
		"echo":    l.echo.Load(),
		"frames":  n,
		"uptime":  time.Since(l.started).Round(time.Second),
	}).Debug("Input frames")
}
