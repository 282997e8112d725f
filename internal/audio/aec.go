package audio

import (
	"fmt"
	"math"
)

const (
	filterTaps       = 128 // 16 ms of low band at 8 kHz
	maxEchoDelayMs   = 100
	correlationMs    = 30
	adaptationRate   = 0.5
	doubleTalkRatio  = 2.0
	highBandSuppress = 0.25
)

// Canceller is a sub-band acoustic echo canceller. The low band runs an NLMS
// adaptive filter against the far-end low band, aligned by a bulk delay from
// the DelayEstimator. The high band is only attenuated while echo is present.
type Canceller struct {
	sampleRate    int
	referenceRate int
	band          int

	farSplit QMFState
	farLo    []int16
	farHi    []int16

	ref     *history
	coeffs  []float32
	refPow  float32
	pending int

	delay *DelayEstimator

	nearPower float32
	farPower  float32

	echo       bool
	doubleTalk bool
	erle       float32
	closed     bool
}

// NewEchoCanceller creates a canceller for sampleRate near-end audio whose
// reference is rendered at referenceRate.
func NewEchoCanceller(sampleRate, referenceRate int) (*Canceller, error) {
	if err := CheckRate(sampleRate); err != nil {
		return nil, err
	}
	if referenceRate <= 0 {
		return nil, fmt.Errorf("%w: reference %d", ErrSampleRate, referenceRate)
	}
	bandRate := sampleRate / 2
	band := ChunkSize(sampleRate) / 2
	maxDelay := bandRate * maxEchoDelayMs / 1000
	window := bandRate * correlationMs / 1000

	return &Canceller{
		sampleRate:    sampleRate,
		referenceRate: referenceRate,
		band:          band,
		farLo:         make([]int16, band),
		farHi:         make([]int16, band),
		ref:           newHistory(maxDelay + filterTaps + band),
		coeffs:        make([]float32, filterTaps),
		delay:         NewDelayEstimator(maxDelay, window),
	}, nil
}

// BufferFarEnd splits one full-band chunk of rendered audio and queues its
// low band as reference.
func (ec *Canceller) BufferFarEnd(far []int16) error {
	if ec.closed {
		return ErrClosed
	}
	if err := sameLength(2*ec.band, far); err != nil {
		return err
	}
	if err := Analysis(far, ec.farLo, ec.farHi, &ec.farSplit); err != nil {
		return err
	}
	ec.ref.Push(ec.farLo)
	ec.delay.AddFar(ec.farLo)
	ec.pending++
	return nil
}

// Process cancels echo from one chunk. delayMs is a hint for the bulk delay
// between render and capture, used until the estimator locks.
func (ec *Canceller) Process(nearLo, nearHi, outLo, outHi []int16, delayMs int) error {
	if ec.closed {
		return ErrClosed
	}
	if err := sameLength(ec.band, nearLo, nearHi, outLo, outHi); err != nil {
		return err
	}
	// no reference arrived for this chunk: keep both histories aligned
	if ec.pending == 0 {
		ec.ref.PushSilence(ec.band)
		ec.delay.AddFarSilence(ec.band)
	} else {
		ec.pending--
	}

	estimated, locked := ec.delay.Estimate(nearLo)
	bulk := estimated - filterTaps/4
	if !locked {
		bulk = delayMs * ec.sampleRate / 2000
	}
	bulk = max(0, min(bulk, ec.ref.Len()-filterTaps-ec.band))

	var inPow, outPow float32
	for n := 0; n < ec.band; n++ {
		// reference position of near sample n, counted back from the newest
		base := ec.band - 1 - n + bulk

		var estimate, power float32
		for k := 0; k < filterTaps; k++ {
			x := ec.ref.At(base + k)
			estimate += ec.coeffs[k] * x
			power += x * x
		}
		ec.refPow = power

		d := float32(nearLo[n])
		e := d - estimate

		ec.detectDoubleTalk(d, power/filterTaps)
		if !ec.doubleTalk {
			ec.updateFilterCoefficients(e, base)
		}

		inPow += d * d
		outPow += e * e
		outLo[n] = saturate(e)
	}

	// reference must carry energy over the filter span
	ec.echo = locked && ec.refPow > filterTaps
	gain := float32(1)
	if ec.echo && !ec.doubleTalk {
		gain = highBandSuppress
	}
	for n := 0; n < ec.band; n++ {
		outHi[n] = saturate(float32(nearHi[n]) * gain)
	}

	// 平滑更新
	if outPow > 0 && inPow > 0 {
		erle := 10 * float32(math.Log10(float64(inPow/outPow)))
		ec.erle = 0.9*ec.erle + 0.1*erle
	}
	return nil
}

// updateFilterCoefficients updates the adaptive filter using NLMS
func (ec *Canceller) updateFilterCoefficients(e float32, base int) {
	if ec.refPow < 1 {
		return
	}
	step := adaptationRate * e / (ec.refPow + 1)
	for k := range ec.coeffs {
		ec.coeffs[k] += step * ec.ref.At(base+k)
	}
}

// detectDoubleTalk detects simultaneous near-end and far-end speech: the
// microphone is louder than anything the reference could explain.
func (ec *Canceller) detectDoubleTalk(nearEnd, farMeanSquare float32) {
	const alpha = 0.99
	ec.nearPower = alpha*ec.nearPower + (1-alpha)*nearEnd*nearEnd
	ec.farPower = alpha*ec.farPower + (1-alpha)*farMeanSquare
	if ec.farPower > 1 {
		ec.doubleTalk = ec.nearPower > ec.farPower*doubleTalkRatio
	} else {
		ec.doubleTalk = false
	}
}

func (ec *Canceller) EchoStatus() (bool, error) {
	if ec.closed {
		return false, ErrClosed
	}
	return ec.echo, nil
}

// ERLE returns the smoothed echo return loss enhancement in dB.
func (ec *Canceller) ERLE() float32 {
	return ec.erle
}

func (ec *Canceller) Close() error {
	ec.closed = true
	return nil
}
