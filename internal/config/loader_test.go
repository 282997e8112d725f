package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CoyAce/duplex/internal/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoadFromReader_Empty(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromReader_Overrides(t *testing.T) {
	const doc = `
log:
  level: debug
device:
  backend: synthetic
  input_channels: 2
  output_channels: 1
audio:
  sample_rate: 32000
  dsp: apm
  echo_delay_ms: 40
  agc:
    enabled: false
  ns:
    policy: very_high
synthetic:
  duration: 2s
metrics:
  listen_addr: ":9464"
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, BackendSynthetic, cfg.Device.Backend)
	assert.Equal(t, 2, cfg.Device.InputChannels)
	assert.Equal(t, 32000, cfg.Audio.SampleRate)
	assert.Equal(t, 16*1024, cfg.Audio.BufferCapacity)
	assert.Equal(t, DSPAPM, cfg.Audio.DSP)
	assert.Equal(t, 40, cfg.Audio.EchoDelayMs)
	assert.False(t, cfg.Audio.AGC.Enabled)
	assert.Equal(t, "adaptive_analog", cfg.Audio.AGC.Mode)
	assert.Equal(t, "very_high", cfg.Audio.NS.Policy)
	assert.Equal(t, 2*time.Second, cfg.Synthetic.Duration)
	assert.Equal(t, ":9464", cfg.Metrics.ListenAddr)
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("audio:\n  sample_rat: 16000\n"))
	assert.Error(t, err)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Device.Backend = "alsa"
	cfg.Device.InputChannels = 3
	cfg.Audio.SampleRate = 44100
	cfg.Audio.BufferCapacity = 1000
	cfg.Audio.NS.Policy = "loud"
	cfg.Audio.AGC.MaxLevel = -1
	cfg.Audio.DSP = "speex"

	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"device.backend",
		"device.input_channels",
		"audio.sample_rate",
		"audio.buffer_capacity",
		"audio.ns.policy",
		"audio.agc level range",
		"audio.dsp",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidate_ChannelLimitFollowsUnit(t *testing.T) {
	cfg := Default()
	cfg.Device.InputChannels = unit.MaxChannels
	cfg.Device.OutputChannels = unit.MaxChannels
	require.NoError(t, Validate(cfg))

	cfg.Device.OutputChannels = unit.MaxChannels + 1
	assert.ErrorContains(t, Validate(cfg), "device.output_channels")
}

func TestValidate_NoChannels(t *testing.T) {
	cfg := Default()
	cfg.Device.InputChannels = 0
	cfg.Device.OutputChannels = 0
	assert.ErrorContains(t, Validate(cfg), "at least one")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duplex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: json\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
