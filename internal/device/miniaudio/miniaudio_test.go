package miniaudio

import (
	"testing"

	"github.com/gen2brain/malgo"
	"github.com/stretchr/testify/assert"
)

func TestStreamConfig_AsDeviceConfig(t *testing.T) {
	cfg := StreamConfig{
		SampleRate:     16000,
		InputChannels:  2,
		OutputChannels: 1,
		PeriodFrames:   160,
		Periods:        3,
	}
	dc := cfg.asDeviceConfig()
	assert.Equal(t, malgo.Duplex, dc.DeviceType)
	assert.Equal(t, malgo.FormatS16, dc.Capture.Format)
	assert.Equal(t, malgo.FormatS16, dc.Playback.Format)
	assert.Equal(t, uint32(2), dc.Capture.Channels)
	assert.Equal(t, uint32(1), dc.Playback.Channels)
	assert.Equal(t, uint32(16000), dc.SampleRate)
	assert.Equal(t, uint32(160), dc.PeriodSizeInFrames)
	assert.Equal(t, uint32(3), dc.Periods)
}

func TestStreamConfig_DeviceType(t *testing.T) {
	assert.Equal(t, malgo.Capture, StreamConfig{InputChannels: 1}.deviceType())
	assert.Equal(t, malgo.Playback, StreamConfig{OutputChannels: 2}.deviceType())
	assert.Equal(t, malgo.Duplex, StreamConfig{InputChannels: 1, OutputChannels: 1}.deviceType())
}
