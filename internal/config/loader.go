package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/CoyAce/duplex/internal/audio"
	"github.com/CoyAce/duplex/internal/unit"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Load reads and validates the YAML file at path. Fields absent from the file
// keep their Default values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over Default and validates the result.
// Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level %q is invalid", cfg.Log.Level))
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}

	d := cfg.Device
	if !d.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("device.backend %q is invalid; valid values: miniaudio, portaudio, synthetic", d.Backend))
	}
	if d.InputChannels < 0 || d.InputChannels > unit.MaxChannels {
		errs = append(errs, fmt.Errorf("device.input_channels must be in [0, %d], got %d", unit.MaxChannels, d.InputChannels))
	}
	if d.OutputChannels < 0 || d.OutputChannels > unit.MaxChannels {
		errs = append(errs, fmt.Errorf("device.output_channels must be in [0, %d], got %d", unit.MaxChannels, d.OutputChannels))
	}
	if d.InputChannels == 0 && d.OutputChannels == 0 {
		errs = append(errs, errors.New("device: at least one input or output channel is required"))
	}
	if d.Periods < 1 {
		errs = append(errs, fmt.Errorf("device.periods must be positive, got %d", d.Periods))
	}

	a := cfg.Audio
	if err := audio.CheckRate(a.SampleRate); err != nil {
		errs = append(errs, fmt.Errorf("audio.sample_rate: %w", err))
	}
	if a.BufferCapacity < 2 || a.BufferCapacity&(a.BufferCapacity-1) != 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_capacity must be a power of two, got %d", a.BufferCapacity))
	} else if a.SampleRate > 0 && a.BufferCapacity < 4*audio.ChunkSize(a.SampleRate) {
		errs = append(errs, fmt.Errorf("audio.buffer_capacity %d holds fewer than 4 chunks", a.BufferCapacity))
	}
	if a.DSP != DSPNative && a.DSP != DSPAPM {
		errs = append(errs, fmt.Errorf("audio.dsp %q is invalid; valid values: native, apm", a.DSP))
	}
	if a.EchoDelayMs < 0 || a.EchoDelayMs > 500 {
		errs = append(errs, fmt.Errorf("audio.echo_delay_ms must be in [0, 500], got %d", a.EchoDelayMs))
	}
	if _, err := audio.ParseGainMode(a.AGC.Mode); err != nil {
		errs = append(errs, fmt.Errorf("audio.agc.mode: %w", err))
	}
	if a.AGC.MinLevel < 0 || a.AGC.MaxLevel <= a.AGC.MinLevel {
		errs = append(errs, fmt.Errorf("audio.agc level range [%d, %d] is invalid", a.AGC.MinLevel, a.AGC.MaxLevel))
	}
	if _, err := audio.ParsePolicy(a.NS.Policy); err != nil {
		errs = append(errs, fmt.Errorf("audio.ns.policy: %w", err))
	}
	if a.VAD.Hangover < 0 {
		errs = append(errs, fmt.Errorf("audio.vad.hangover must not be negative, got %d", a.VAD.Hangover))
	}

	s := cfg.Synthetic
	if s.Amplitude < 0 || s.Amplitude > 1 {
		errs = append(errs, fmt.Errorf("synthetic.amplitude must be in [0, 1], got %g", s.Amplitude))
	}
	if s.EchoGain < 0 || s.EchoGain > 1 {
		errs = append(errs, fmt.Errorf("synthetic.echo_gain must be in [0, 1], got %g", s.EchoGain))
	}
	if s.EchoDelayMs < 0 {
		errs = append(errs, fmt.Errorf("synthetic.echo_delay_ms must not be negative, got %d", s.EchoDelayMs))
	}

	return errors.Join(errs...)
}
