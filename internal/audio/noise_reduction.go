package audio

import (
	"fmt"
	"math"
)

// Policy selects how aggressively the suppressor attenuates noise, from
// Mild (6 dB) to VeryHigh (24 dB).
type Policy int

const (
	Mild Policy = iota
	Medium
	Aggressive
	VeryHigh
)

// attenuation floor per policy, linear
var policyFloor = [...]float32{0.5, 0.25, 0.125, 0.0625}

func (p Policy) Valid() bool {
	return p >= Mild && p <= VeryHigh
}

func (p Policy) String() string {
	switch p {
	case Mild:
		return "mild"
	case Medium:
		return "medium"
	case Aggressive:
		return "aggressive"
	case VeryHigh:
		return "very_high"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy maps a configuration name to a Policy.
func ParsePolicy(s string) (Policy, error) {
	for p := Mild; p <= VeryHigh; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("audio: unknown noise policy %q", s)
}

// bandTracker follows the noise floor of one band and derives a smoothed
// suppression gain from it.
type bandTracker struct {
	noiseFloor  float32 // estimated noise energy per sample
	initialized bool
	gain        float32
}

const (
	noiseFallRate = 0.3   // fast adaptation towards quieter frames
	noiseRiseRate = 0.002 // slow creep upwards so speech is not learned as noise
	overSubtract  = 1.5
	gainSmoothing = 0.7
)

func (bt *bandTracker) update(energy, floor float32) float32 {
	if !bt.initialized {
		// 使用首帧初始化噪声估计
		bt.noiseFloor = energy
		bt.gain = 1
		bt.initialized = true
	}
	if energy < bt.noiseFloor {
		bt.noiseFloor += noiseFallRate * (energy - bt.noiseFloor)
	} else {
		bt.noiseFloor += noiseRiseRate * (energy - bt.noiseFloor)
	}

	target := float32(1)
	if energy > 0 {
		target = 1 - overSubtract*bt.noiseFloor/energy
	}
	target = max(target, floor)
	bt.gain = gainSmoothing*bt.gain + (1-gainSmoothing)*target
	return bt.gain
}

// NoiseReducer is a per-band energy tracking noise suppressor.
type NoiseReducer struct {
	bandRate int
	band     int
	floor    float32
	lo, hi   bandTracker
	closed   bool
}

// NewNoiseSuppressor creates a suppressor for bands sampled at bandRate.
func NewNoiseSuppressor(bandRate int, policy Policy) (*NoiseReducer, error) {
	if err := CheckRate(bandRate * 2); err != nil {
		return nil, err
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("audio: invalid noise policy %d", int(policy))
	}
	return &NoiseReducer{
		bandRate: bandRate,
		band:     bandRate / 100,
		floor:    policyFloor[policy],
	}, nil
}

func (nr *NoiseReducer) Process(inLo, inHi, outLo, outHi []int16) error {
	if nr.closed {
		return ErrClosed
	}
	if err := sameLength(nr.band, inLo, inHi, outLo, outHi); err != nil {
		return err
	}
	gLo := nr.lo.update(meanSquare(inLo), nr.floor)
	gHi := nr.hi.update(meanSquare(inHi), nr.floor)
	for i := range inLo {
		outLo[i] = saturate(float32(inLo[i]) * gLo)
		outHi[i] = saturate(float32(inHi[i]) * gHi)
	}
	return nil
}

// NoiseFloor returns the current low band noise estimate in dBFS.
func (nr *NoiseReducer) NoiseFloor() float64 {
	return energyToDBFS(nr.lo.noiseFloor)
}

func (nr *NoiseReducer) Close() error {
	nr.closed = true
	return nil
}

func meanSquare(samples []int16) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return float32(sum / float64(len(samples)))
}

func energyToDBFS(ms float32) float64 {
	if ms <= 0 {
		return math.Inf(-1)
	}
	return 10 * math.Log10(float64(ms)/(32768*32768))
}
