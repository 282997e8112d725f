package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/CoyAce/duplex/internal/audio"
	"github.com/CoyAce/duplex/internal/config"
	"github.com/CoyAce/duplex/internal/device"
	"github.com/CoyAce/duplex/internal/observe"
	"github.com/CoyAce/duplex/internal/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Device.InputChannels = 2
	cfg.Audio.SampleRate = 32000
	cfg.Audio.AGC.Mode = "fixed_digital"
	cfg.Audio.NS.Policy = "very_high"
	cfg.Audio.EchoDelayMs = 40

	ucfg, err := unitConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 32000, ucfg.SampleRate)
	assert.Equal(t, 2, ucfg.InputChannels)
	assert.Equal(t, 1, ucfg.OutputChannels)
	assert.Equal(t, audio.FixedDigital, ucfg.GainMode)
	assert.Equal(t, audio.VeryHigh, ucfg.NoisePolicy)
	assert.Equal(t, 40, ucfg.EchoDelayMs)
	assert.True(t, ucfg.VoiceDetection)

	cfg.Audio.NS.Policy = "loud"
	_, err = unitConfig(cfg)
	assert.Error(t, err)
}

func TestDSPFactory(t *testing.T) {
	cfg := config.Default()
	f, err := dspFactory(cfg)
	require.NoError(t, err)
	assert.IsType(t, audio.DefaultFactory{}, f)

	cfg.Audio.DSP = config.DSPAPM
	f, err = dspFactory(cfg)
	require.NoError(t, err)
	assert.IsType(t, audio.APMFactory{}, f)

	u, err := unit.New(unit.DefaultConfig(), unit.WithFactory(f))
	require.NoError(t, err)
	require.NoError(t, u.Close())

	cfg.Audio.DSP = "speex"
	_, err = dspFactory(cfg)
	assert.Error(t, err)
}

func TestOpenDevice_Synthetic(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Backend = config.BackendSynthetic

	u, err := unit.New(unit.DefaultConfig())
	require.NoError(t, err)
	defer u.Close()

	dev, err := openDevice(cfg, u, nil)
	require.NoError(t, err)
	defer dev.Close()

	s, ok := dev.(*device.Synthetic)
	require.True(t, ok)
	for i := 0; i < 20; i++ {
		s.Step()
	}
	require.Eventually(t, func() bool { return u.Stats().Processed >= 10 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 16000, dev.SampleRate())
}

func TestRun_SyntheticBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Backend = config.BackendSynthetic
	cfg.Log.Level = "error"

	logger, err := observe.NewLogger(io.Discard, cfg.Log.Level, cfg.Log.Format)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, run(ctx, cfg, logger))
}

func TestRun_APMBackedDSP(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Backend = config.BackendSynthetic
	cfg.Log.Level = "error"
	cfg.Audio.DSP = config.DSPAPM

	logger, err := observe.NewLogger(io.Discard, cfg.Log.Level, cfg.Log.Format)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, run(ctx, cfg, logger))
}

func TestRun_WithMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Backend = config.BackendSynthetic
	cfg.Log.Level = "error"
	cfg.Metrics.ListenAddr = "127.0.0.1:0"

	logger, err := observe.NewLogger(io.Discard, cfg.Log.Level, cfg.Log.Format)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, run(ctx, cfg, logger))
}
