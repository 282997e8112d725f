package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tone(n, offset int, freq, rate, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * math.Sin(2*math.Pi*freq*float64(offset+i)/rate))
	}
	return out
}

func energy(samples []int16) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return sum
}

func TestQMF_SilenceKeepsStateZero(t *testing.T) {
	var ana, syn QMFState
	in := make([]int16, 160)
	lo := make([]int16, 80)
	hi := make([]int16, 80)
	out := make([]int16, 160)

	for i := 0; i < 50; i++ {
		require.NoError(t, Analysis(in, lo, hi, &ana))
		require.NoError(t, Synthesis(lo, hi, out, &syn))
		assert.Equal(t, make([]int16, 80), lo)
		assert.Equal(t, make([]int16, 80), hi)
		assert.Equal(t, make([]int16, 160), out)
	}
	assert.Equal(t, QMFState{}, ana)
	assert.Equal(t, QMFState{}, syn)
}

func TestQMF_Reconstruction(t *testing.T) {
	var ana, syn QMFState
	lo := make([]int16, 80)
	hi := make([]int16, 80)
	out := make([]int16, 160)

	var inE, outE float64
	for c := 0; c < 100; c++ {
		in := tone(160, c*160, 1000, Rate16k, 8000)
		require.NoError(t, Analysis(in, lo, hi, &ana))
		require.NoError(t, Synthesis(lo, hi, out, &syn))
		if c >= 10 {
			inE += energy(in)
			outE += energy(out)
		}
	}
	ratio := outE / inE
	assert.InDelta(t, 1.0, ratio, 0.15, "energy ratio %f", ratio)
}

func TestQMF_LowToneStaysInLowBand(t *testing.T) {
	var ana QMFState
	lo := make([]int16, 80)
	hi := make([]int16, 80)

	var loE, hiE float64
	for c := 0; c < 50; c++ {
		in := tone(160, c*160, 500, Rate16k, 8000)
		require.NoError(t, Analysis(in, lo, hi, &ana))
		if c >= 5 {
			loE += energy(lo)
			hiE += energy(hi)
		}
	}
	assert.Greater(t, loE, 100*hiE)
}

func TestQMF_LengthErrors(t *testing.T) {
	var st QMFState
	assert.ErrorIs(t, Analysis(make([]int16, 159), make([]int16, 79), make([]int16, 79), &st), ErrFrameLength)
	assert.ErrorIs(t, Analysis(make([]int16, 160), make([]int16, 80), make([]int16, 40), &st), ErrFrameLength)
	assert.ErrorIs(t, Synthesis(make([]int16, 80), make([]int16, 80), make([]int16, 100), &st), ErrFrameLength)
	assert.ErrorIs(t, Synthesis(make([]int16, 200), make([]int16, 200), make([]int16, 400), &st), ErrFrameLength)
}
