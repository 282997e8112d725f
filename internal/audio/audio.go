// Package audio holds the signal processing collaborators used by the duplex
// pipeline: the two-band QMF filter bank, the echo canceller, the noise
// suppressor, the gain controller and a small energy voice detector.
//
// Every processor works on 16-bit PCM in place-compatible buffers and
// allocates only at construction, so the processing goroutine can call it
// once per 10 ms chunk without producing garbage.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrSampleRate  = errors.New("audio: unsupported sample rate")
	ErrFrameLength = errors.New("audio: frame length mismatch")
	ErrClosed      = errors.New("audio: processor closed")
)

// Rates the two-band pipeline can run at.
const (
	Rate16k = 16000
	Rate32k = 32000
)

// ChunkSize is the number of samples in one 10 ms processing frame.
func ChunkSize(sampleRate int) int {
	return sampleRate / 100
}

// CheckRate reports whether the pipeline supports sampleRate.
func CheckRate(sampleRate int) error {
	switch sampleRate {
	case Rate16k, Rate32k:
		return nil
	}
	return fmt.Errorf("%w: %d", ErrSampleRate, sampleRate)
}

// EchoCanceller removes the playback reference from captured audio.
type EchoCanceller interface {
	// BufferFarEnd hands one chunk of rendered audio to the canceller.
	BufferFarEnd(far []int16) error
	// Process filters one chunk of near-end audio already split into bands.
	Process(nearLo, nearHi, outLo, outHi []int16, delayMs int) error
	// EchoStatus reports whether the last processed chunk carried echo.
	EchoStatus() (bool, error)
	// ERLE returns the current echo return loss enhancement in dB.
	ERLE() float32
	Close() error
}

// NoiseSuppressor attenuates stationary background noise.
type NoiseSuppressor interface {
	Process(inLo, inHi, outLo, outHi []int16) error
	Close() error
}

// GainController normalizes the captured level. The caller owns the
// microphone level and passes it back on every call.
type GainController interface {
	AddMic(lo, hi []int16) error
	Process(lo, hi, outLo, outHi []int16, levelIn int32, echo bool) (levelOut int32, warning bool, err error)
	Close() error
}

// Factory builds the per-channel processors.
type Factory interface {
	NewEchoCanceller(sampleRate, referenceRate int) (EchoCanceller, error)
	NewNoiseSuppressor(bandRate int, policy Policy) (NoiseSuppressor, error)
	NewGainController(minLevel, maxLevel int32, mode GainMode, bandRate int) (GainController, error)
}

// DefaultFactory builds the pure Go processors of this package.
type DefaultFactory struct{}

func (DefaultFactory) NewEchoCanceller(sampleRate, referenceRate int) (EchoCanceller, error) {
	ec, err := NewEchoCanceller(sampleRate, referenceRate)
	if err != nil {
		return nil, err
	}
	return ec, nil
}

func (DefaultFactory) NewNoiseSuppressor(bandRate int, policy Policy) (NoiseSuppressor, error) {
	ns, err := NewNoiseSuppressor(bandRate, policy)
	if err != nil {
		return nil, err
	}
	return ns, nil
}

func (DefaultFactory) NewGainController(minLevel, maxLevel int32, mode GainMode, bandRate int) (GainController, error) {
	agc, err := NewGainController(minLevel, maxLevel, mode, bandRate)
	if err != nil {
		return nil, err
	}
	return agc, nil
}

func sameLength(n int, bufs ...[]int16) error {
	for _, b := range bufs {
		if len(b) != n {
			return fmt.Errorf("%w: want %d, got %d", ErrFrameLength, n, len(b))
		}
	}
	return nil
}

// saturate 限制范围
func saturate(v float32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// ToPcmInts decodes native-endian s16 bytes into dst and returns the number
// of samples decoded.
func ToPcmInts(dst []int16, pcm []byte) int {
	n := min(len(dst), len(pcm)/2)
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.NativeEndian.Uint16(pcm[i*2:]))
	}
	return n
}

// ToPcmBytes encodes samples as native-endian s16 bytes into dst and returns
// the number of bytes written.
func ToPcmBytes(dst []byte, samples []int16) int {
	n := min(len(samples), len(dst)/2)
	for i := 0; i < n; i++ {
		binary.NativeEndian.PutUint16(dst[i*2:], uint16(samples[i]))
	}
	return n * 2
}
