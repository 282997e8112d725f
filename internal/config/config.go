// Package config defines the YAML configuration of the duplex host and the
// loader that validates it.
package config

import (
	"time"
)

// Backend names a hardware layer implementation.
type Backend string

const (
	BackendMiniaudio Backend = "miniaudio"
	BackendPortAudio Backend = "portaudio"
	BackendSynthetic Backend = "synthetic"
)

func (b Backend) IsValid() bool {
	switch b {
	case BackendMiniaudio, BackendPortAudio, BackendSynthetic:
		return true
	}
	return false
}

// DSP implementations selectable through audio.dsp.
const (
	DSPNative = "native"
	DSPAPM    = "apm"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Device    DeviceConfig    `yaml:"device"`
	Audio     AudioConfig     `yaml:"audio"`
	Synthetic SyntheticConfig `yaml:"synthetic"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LogConfig struct {
	// Level is a logrus level name: trace, debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DeviceConfig selects and shapes the hardware stream.
type DeviceConfig struct {
	Backend Backend `yaml:"backend"`
	// CaptureDevice and PlaybackDevice are matched by name; empty picks the
	// system default.
	CaptureDevice  string `yaml:"capture_device"`
	PlaybackDevice string `yaml:"playback_device"`
	InputChannels  int    `yaml:"input_channels"`
	OutputChannels int    `yaml:"output_channels"`
	// Periods is the number of hardware periods buffered by the driver.
	Periods int `yaml:"periods"`
}

// AudioConfig shapes the processing unit.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	// BufferCapacity is the size of every ring buffer in samples and must be
	// a power of two.
	BufferCapacity int `yaml:"buffer_capacity"`
	// DSP selects the processing handles: "native" or "apm" (WebRTC echo
	// canceller, native noise suppression and gain control).
	DSP string `yaml:"dsp"`
	// EchoDelayMs hints the render to capture delay to the echo canceller.
	EchoDelayMs int       `yaml:"echo_delay_ms"`
	AGC         AGCConfig `yaml:"agc"`
	NS          NSConfig  `yaml:"ns"`
	VAD         VADConfig `yaml:"vad"`
}

type AGCConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Mode     string `yaml:"mode"`
	MinLevel int32  `yaml:"min_level"`
	MaxLevel int32  `yaml:"max_level"`
}

type NSConfig struct {
	Policy string `yaml:"policy"`
}

type VADConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ThresholdDB float64 `yaml:"threshold_db"`
	Hangover    int     `yaml:"hangover"`
}

// SyntheticConfig drives the synthetic backend: a tone on every input
// channel plus a simulated acoustic path from playback back to capture.
type SyntheticConfig struct {
	ToneHz      float64       `yaml:"tone_hz"`
	Amplitude   float64       `yaml:"amplitude"`
	EchoGain    float64       `yaml:"echo_gain"`
	EchoDelayMs int           `yaml:"echo_delay_ms"`
	Duration    time.Duration `yaml:"duration"`
}

type MetricsConfig struct {
	// ListenAddr serves /metrics when non-empty, e.g. ":9464".
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Device: DeviceConfig{
			Backend:        BackendMiniaudio,
			InputChannels:  1,
			OutputChannels: 1,
			Periods:        2,
		},
		Audio: AudioConfig{
			SampleRate:     16000,
			BufferCapacity: 16 * 1024,
			DSP:            DSPNative,
			AGC: AGCConfig{
				Enabled:  true,
				Mode:     "adaptive_analog",
				MinLevel: 0,
				MaxLevel: 255,
			},
			NS:  NSConfig{Policy: "medium"},
			VAD: VADConfig{Enabled: true, ThresholdDB: -45, Hangover: 30},
		},
		Synthetic: SyntheticConfig{
			ToneHz:      440,
			Amplitude:   0.3,
			EchoGain:    0.4,
			EchoDelayMs: 20,
		},
	}
}
