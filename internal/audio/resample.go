package audio

// resampler converts a mono float stream between two fixed rates by linear
// interpolation. Output sample j of a frame sits at input position
// (j+1)*from/to - 1, so no lookahead is needed: positions before the first
// input sample interpolate against the last sample of the previous frame.
type resampler struct {
	from, to int
	last     float32
}

func newResampler(from, to int) *resampler {
	return &resampler{from: from, to: to}
}

// outLen returns the output length for n input samples.
func (r *resampler) outLen(n int) int {
	return n * r.to / r.from
}

// process fills dst, which must hold outLen(len(src)) samples.
func (r *resampler) process(dst, src []float32) {
	if len(src) == 0 {
		return
	}
	for j := range dst {
		num := (j+1)*r.from - r.to // position * to
		i := num / r.to
		frac := float32(num%r.to) / float32(r.to)
		if num < 0 {
			// between the previous frame and src[0]
			i = -1
			frac = float32(num+r.to) / float32(r.to)
		}
		a := r.last
		if i >= 0 {
			a = src[i]
		}
		b := a
		if i+1 < len(src) {
			b = src[i+1]
		}
		dst[j] = a + (b-a)*frac
	}
	r.last = src[len(src)-1]
}

func toFloat(dst []float32, src []int16) {
	for i, v := range src {
		dst[i] = float32(v) / 32768
	}
}

func fromFloat(dst []int16, src []float32) {
	for i, v := range src {
		dst[i] = saturate(v * 32768)
	}
}
