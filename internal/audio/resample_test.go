package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResampler_Lengths(t *testing.T) {
	assert.Equal(t, 480, newResampler(Rate16k, apmRate).outLen(160))
	assert.Equal(t, 480, newResampler(Rate32k, apmRate).outLen(320))
	assert.Equal(t, 160, newResampler(apmRate, Rate16k).outLen(480))
	assert.Equal(t, 320, newResampler(apmRate, Rate32k).outLen(480))
}

func TestResampler_UpsampleRamp(t *testing.T) {
	r := newResampler(Rate16k, apmRate)
	src := make([]float32, 160)
	for i := range src {
		src[i] = float32(i)
	}
	dst := make([]float32, r.outLen(len(src)))
	r.process(dst, src)

	// output j sits at input position (j+1)/3 - 1
	for _, j := range []int{2, 3, 10, 100, 479} {
		assert.InDelta(t, float32(j+1)/3-1, dst[j], 1e-4, "sample %d", j)
	}
	// before src[0] it interpolates from the previous frame, silence here
	assert.Equal(t, float32(0), dst[0])
	assert.Equal(t, float32(0), dst[1])
	assert.Equal(t, float32(159), r.last)
}

func TestResampler_ConstantSurvivesRoundTrip(t *testing.T) {
	for _, rate := range []int{Rate16k, Rate32k} {
		up := newResampler(rate, apmRate)
		down := newResampler(apmRate, rate)
		src := make([]float32, ChunkSize(rate))
		for i := range src {
			src[i] = 0.5
		}
		mid := make([]float32, up.outLen(len(src)))
		back := make([]float32, len(src))
		for frame := 0; frame < 3; frame++ {
			up.process(mid, src)
			down.process(back, mid)
		}
		for i, v := range back {
			assert.InDelta(t, 0.5, v, 1e-6, "rate %d sample %d", rate, i)
		}
	}
}

func TestFloatConversion(t *testing.T) {
	pcm := []int16{0, 16384, -32768, 32767}
	f := make([]float32, len(pcm))
	toFloat(f, pcm)
	assert.Equal(t, []float32{0, 0.5, -1, 32767.0 / 32768}, f)

	back := make([]int16, len(pcm))
	fromFloat(back, f)
	assert.Equal(t, pcm, back)

	fromFloat(back, []float32{2, -2, 0, 0})
	assert.Equal(t, []int16{32767, -32768, 0, 0}, back)
}
