package audio

import (
	"fmt"
	"math"

	"github.com/CoyAce/apm"
)

const (
	// apmRate is the rate the WebRTC processor runs at; frames are 10 ms.
	apmRate = 48000
	// farActiveDBFS is the render level above which echo is possible.
	farActiveDBFS = -50
	// echoReductionDB is the per-chunk attenuation that counts as echo removed.
	echoReductionDB = 3
)

// APMCanceller runs echo cancellation through the WebRTC audio processing
// module. The pipeline hands it split bands; it merges them, resamples the
// full band to 48 kHz for the processor and splits the result again, with
// its own QMF state for both directions.
type APMCanceller struct {
	proc *apm.Processor
	band int

	merge QMFState
	split QMFState

	up     *resampler // near end to apmRate
	down   *resampler // apmRate back to the pipeline rate
	farUp  *resampler
	full   []int16
	fullF  []float32
	apmF   []float32
	apmI16 []int16
	backF  []float32

	farActive bool
	echo      bool
	erle      float32
	closed    bool
}

// NewAPMCanceller creates a WebRTC-backed canceller for sampleRate audio.
// The reference is resampled at sampleRate like the near end, so
// referenceRate only needs to be positive.
func NewAPMCanceller(sampleRate, referenceRate int) (*APMCanceller, error) {
	if err := CheckRate(sampleRate); err != nil {
		return nil, err
	}
	if referenceRate <= 0 {
		return nil, fmt.Errorf("%w: reference %d", ErrSampleRate, referenceRate)
	}
	proc, err := apm.New(apm.Config{
		CaptureChannels:  1,
		RenderChannels:   1,
		EchoCancellation: apm.EchoCancellationConfig{Enabled: true},
	})
	if err != nil {
		return nil, fmt.Errorf("apm: %w", err)
	}
	proc.Initialize()

	chunk := ChunkSize(sampleRate)
	frame := ChunkSize(apmRate)
	return &APMCanceller{
		proc:   proc,
		band:   chunk / 2,
		up:     newResampler(sampleRate, apmRate),
		down:   newResampler(apmRate, sampleRate),
		farUp:  newResampler(sampleRate, apmRate),
		full:   make([]int16, chunk),
		fullF:  make([]float32, chunk),
		apmF:   make([]float32, frame),
		apmI16: make([]int16, frame),
		backF:  make([]float32, chunk),
	}, nil
}

// BufferFarEnd feeds one full-band chunk of rendered audio to the processor.
func (ec *APMCanceller) BufferFarEnd(far []int16) error {
	if ec.closed {
		return ErrClosed
	}
	if err := sameLength(2*ec.band, far); err != nil {
		return err
	}
	ec.farActive = energyToDBFS(meanSquare(far)) > farActiveDBFS
	toFloat(ec.fullF, far)
	ec.farUp.process(ec.apmF, ec.fullF)
	fromFloat(ec.apmI16, ec.apmF)
	if err := ec.proc.ProcessRenderInt16(ec.apmI16); err != nil {
		return fmt.Errorf("apm render: %w", err)
	}
	return nil
}

// Process cancels echo from one chunk. The processor estimates the bulk
// delay itself, so delayMs is ignored.
func (ec *APMCanceller) Process(nearLo, nearHi, outLo, outHi []int16, delayMs int) error {
	if ec.closed {
		return ErrClosed
	}
	if err := sameLength(ec.band, nearLo, nearHi, outLo, outHi); err != nil {
		return err
	}
	if err := Synthesis(nearLo, nearHi, ec.full, &ec.merge); err != nil {
		return err
	}
	inPow := meanSquare(ec.full)

	toFloat(ec.fullF, ec.full)
	ec.up.process(ec.apmF, ec.fullF)
	if err := ec.proc.ProcessCapture(ec.apmF); err != nil {
		return fmt.Errorf("apm capture: %w", err)
	}
	out := ec.apmF
	if len(out) != len(ec.apmF) {
		return fmt.Errorf("%w: apm returned %d samples", ErrFrameLength, len(out))
	}
	ec.down.process(ec.backF, out)
	fromFloat(ec.full, ec.backF)
	outPow := meanSquare(ec.full)

	if err := Analysis(ec.full, outLo, outHi, &ec.split); err != nil {
		return err
	}

	reduction := energyToDBFS(inPow) - energyToDBFS(outPow)
	if outPow == 0 {
		reduction = math.Inf(1)
	}
	ec.echo = ec.farActive && inPow > 0 && reduction > echoReductionDB
	ec.erle = float32(ec.proc.GetStats().EchoReturnLossEnhancement)
	return nil
}

func (ec *APMCanceller) EchoStatus() (bool, error) {
	if ec.closed {
		return false, ErrClosed
	}
	return ec.echo, nil
}

// ERLE returns the processor's echo return loss enhancement in dB.
func (ec *APMCanceller) ERLE() float32 {
	return ec.erle
}

func (ec *APMCanceller) Close() error {
	ec.closed = true
	ec.proc = nil
	return nil
}

// APMFactory builds WebRTC echo cancellers and the native noise suppressor
// and gain controller.
type APMFactory struct {
	DefaultFactory
}

func (APMFactory) NewEchoCanceller(sampleRate, referenceRate int) (EchoCanceller, error) {
	ec, err := NewAPMCanceller(sampleRate, referenceRate)
	if err != nil {
		return nil, err
	}
	return ec, nil
}
