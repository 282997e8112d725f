package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGainController_New(t *testing.T) {
	_, err := NewGainController(0, 255, AdaptiveAnalog, 22050)
	assert.ErrorIs(t, err, ErrSampleRate)
	_, err = NewGainController(10, 10, AdaptiveAnalog, 8000)
	assert.Error(t, err)
	_, err = NewGainController(0, 255, GainMode(7), 8000)
	assert.Error(t, err)
}

func runAGC(t *testing.T, agc *AutomaticGainControl, chunks int, amp float64, level int32, echo bool) (int32, bool) {
	t.Helper()
	lo := make([]int16, 80)
	hi := make([]int16, 80)
	warned := false
	for c := 0; c < chunks; c++ {
		in := tone(80, c*80, 300, 8000, amp)
		zero := make([]int16, 80)
		require.NoError(t, agc.AddMic(in, zero))
		var warning bool
		var err error
		level, warning, err = agc.Process(in, zero, lo, hi, level, echo)
		require.NoError(t, err)
		warned = warned || warning
	}
	return level, warned
}

func TestGainController_AdaptiveAnalog(t *testing.T) {
	t.Run("quiet input raises level", func(t *testing.T) {
		agc, err := NewGainController(0, 255, AdaptiveAnalog, 8000)
		require.NoError(t, err)
		// about -40 dBFS
		level, _ := runAGC(t, agc, 50, 330, 0, false)
		assert.Greater(t, level, int32(0))
	})

	t.Run("echo holds level", func(t *testing.T) {
		agc, err := NewGainController(0, 255, AdaptiveAnalog, 8000)
		require.NoError(t, err)
		level, _ := runAGC(t, agc, 50, 330, 100, true)
		assert.LessOrEqual(t, level, int32(100))
	})

	t.Run("loud input lowers level and warns", func(t *testing.T) {
		agc, err := NewGainController(0, 255, AdaptiveAnalog, 8000)
		require.NoError(t, err)
		level, warned := runAGC(t, agc, 20, 30000, 255, false)
		assert.Less(t, level, int32(255))
		assert.True(t, warned)
	})

	t.Run("silence never moves level", func(t *testing.T) {
		agc, err := NewGainController(0, 255, AdaptiveAnalog, 8000)
		require.NoError(t, err)
		level, warned := runAGC(t, agc, 50, 0, 42, false)
		assert.Equal(t, int32(42), level)
		assert.False(t, warned)
	})
}

func TestGainController_Modes(t *testing.T) {
	in := tone(80, 0, 300, 8000, 1000)
	zero := make([]int16, 80)
	lo := make([]int16, 80)
	hi := make([]int16, 80)

	t.Run("unchanged", func(t *testing.T) {
		agc, err := NewGainController(0, 255, Unchanged, 8000)
		require.NoError(t, err)
		level, warning, err := agc.Process(in, zero, lo, hi, 77, false)
		require.NoError(t, err)
		assert.Equal(t, int32(77), level)
		assert.False(t, warning)
		assert.Equal(t, in, lo)
	})

	t.Run("fixed digital", func(t *testing.T) {
		agc, err := NewGainController(0, 255, FixedDigital, 8000)
		require.NoError(t, err)
		_, _, err = agc.Process(in, zero, lo, hi, 0, false)
		require.NoError(t, err)
		assert.Greater(t, energy(lo), 4*energy(in))
	})

	t.Run("adaptive digital converges towards target", func(t *testing.T) {
		agc, err := NewGainController(0, 255, AdaptiveDigital, 8000)
		require.NoError(t, err)
		quiet := tone(80, 0, 300, 8000, 500)
		for c := 0; c < 200; c++ {
			_, _, err = agc.Process(quiet, zero, lo, hi, 0, false)
			require.NoError(t, err)
		}
		assert.Greater(t, energy(lo), 2*energy(quiet))
	})
}

func TestGainController_Closed(t *testing.T) {
	agc, err := NewGainController(0, 255, AdaptiveAnalog, 8000)
	require.NoError(t, err)
	require.NoError(t, agc.Close())
	b := make([]int16, 80)
	assert.ErrorIs(t, agc.AddMic(b, b), ErrClosed)
	_, _, err = agc.Process(b, b, b, b, 0, false)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseGainMode(t *testing.T) {
	m, err := ParseGainMode("adaptive_digital")
	require.NoError(t, err)
	assert.Equal(t, AdaptiveDigital, m)
	_, err = ParseGainMode("auto")
	assert.Error(t, err)
}
