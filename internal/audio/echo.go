package audio

import (
	"math"
)

// ==================== 历史缓冲区 ====================

// history keeps the most recent samples of a signal in a flat slice, oldest
// first. Push shifts the window left, which keeps lag arithmetic trivial for
// the correlator and the adaptive filter.
type history struct {
	data []float32
}

func newHistory(size int) *history {
	return &history{data: make([]float32, size)}
}

func (h *history) Push(samples []int16) {
	n := len(samples)
	if n >= len(h.data) {
		for i := range h.data {
			h.data[i] = float32(samples[n-len(h.data)+i])
		}
		return
	}
	copy(h.data, h.data[n:])
	tail := h.data[len(h.data)-n:]
	for i, s := range samples {
		tail[i] = float32(s)
	}
}

func (h *history) PushSilence(n int) {
	if n >= len(h.data) {
		clear(h.data)
		return
	}
	copy(h.data, h.data[n:])
	clear(h.data[len(h.data)-n:])
}

func (h *history) Len() int { return len(h.data) }

// At returns the sample k positions before the newest one.
func (h *history) At(k int) float32 {
	return h.data[len(h.data)-1-k]
}

// ==================== 延时估计器 ====================

// DelayEstimator finds the lag at which the near-end signal best matches the
// far-end reference using normalized cross-correlation. A strong match while
// the reference is active means the microphone is picking up playback.
type DelayEstimator struct {
	maxDelay       int
	window         int
	updatePeriod   int
	minCorrelation float32
	smoothing      float32

	far  *history
	near *history

	frameCount   int
	currentDelay int
	correlation  float32
	locked       bool
}

// NewDelayEstimator searches lags in [0, maxDelay) over a correlation window
// of window samples.
func NewDelayEstimator(maxDelay, window int) *DelayEstimator {
	return &DelayEstimator{
		maxDelay:       maxDelay,
		window:         window,
		updatePeriod:   2, // 每2帧更新一次
		minCorrelation: 0.5,
		smoothing:      0.8,
		far:            newHistory(maxDelay + window),
		near:           newHistory(window),
	}
}

// AddFar appends reference samples.
func (de *DelayEstimator) AddFar(far []int16) { de.far.Push(far) }

// AddFarSilence appends n zero reference samples.
func (de *DelayEstimator) AddFarSilence(n int) { de.far.PushSilence(n) }

// Estimate appends near-end samples and returns the current delay estimate
// in samples together with whether the estimate is locked onto an echo.
func (de *DelayEstimator) Estimate(near []int16) (int, bool) {
	de.near.Push(near)
	de.frameCount++
	if de.frameCount%de.updatePeriod == 0 {
		de.update()
	}
	return de.currentDelay, de.locked
}

func (de *DelayEstimator) update() {
	var nearPow float64
	for i := 0; i < de.window; i++ {
		v := float64(de.near.At(i))
		nearPow += v * v
	}
	if nearPow < 1 {
		de.locked = false
		de.correlation = 0
		return
	}

	best := float64(0)
	bestDelay := de.currentDelay
	for d := 0; d < de.maxDelay; d++ {
		var corr, farPow float64
		for i := 0; i < de.window; i++ {
			f := float64(de.far.At(i + d))
			corr += f * float64(de.near.At(i))
			farPow += f * f
		}
		if farPow < 1 {
			continue
		}
		c := math.Abs(corr) / math.Sqrt(farPow*nearPow)
		if c > best {
			best = c
			bestDelay = d
		}
	}

	de.correlation = float32(best)
	de.locked = de.correlation > de.minCorrelation
	// 平滑更新延时估计
	if de.locked {
		de.currentDelay = int(de.smoothing*float32(de.currentDelay) +
			(1-de.smoothing)*float32(bestDelay) + 0.5)
	}
}
