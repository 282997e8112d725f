package audio

import (
	"fmt"
	"math"
)

// GainMode selects the gain control strategy.
type GainMode int

const (
	// Unchanged passes audio through and keeps the level.
	Unchanged GainMode = iota
	// AdaptiveAnalog steers the microphone level; since the level is not
	// applied to hardware it is rendered as a virtual digital gain.
	AdaptiveAnalog
	// AdaptiveDigital applies an envelope following digital gain.
	AdaptiveDigital
	// FixedDigital applies a constant gain with a limiter.
	FixedDigital
)

func (m GainMode) String() string {
	switch m {
	case Unchanged:
		return "unchanged"
	case AdaptiveAnalog:
		return "adaptive_analog"
	case AdaptiveDigital:
		return "adaptive_digital"
	case FixedDigital:
		return "fixed_digital"
	}
	return fmt.Sprintf("GainMode(%d)", int(m))
}

// ParseGainMode maps a configuration name to a GainMode.
func ParseGainMode(s string) (GainMode, error) {
	for m := Unchanged; m <= FixedDigital; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("audio: unknown gain mode %q", s)
}

// AGCConfig contains Automatic Gain Control tuning
type AGCConfig struct {
	// Target level in dBFS (typically -20 to -10)
	TargetLevel float32

	// Maximum gain in dB applied at the top of the level range
	MaxGain float32

	// Gain used in FixedDigital mode, in dB
	FixedGain float32

	// Attack time in milliseconds (how fast to increase gain)
	AttackTime float32

	// Release time in milliseconds (how fast to decrease gain)
	ReleaseTime float32

	// Noise gate threshold in dBFS; quieter input never moves the level
	NoiseGateThreshold float32

	// Tolerance around the target before the level moves, in dB
	Hysteresis float32
}

func DefaultAGCConfig() AGCConfig {
	return AGCConfig{
		TargetLevel:        -23.0, // 标准语音输出电平
		MaxGain:            24.0,
		FixedGain:          9.0,
		AttackTime:         20.0,  // 平滑起音
		ReleaseTime:        400.0, // 缓慢释放，避免呼吸声
		NoiseGateThreshold: -50.0, // 合理噪声门限
		Hysteresis:         3.0,
	}
}

// AutomaticGainControl implements GainController.
type AutomaticGainControl struct {
	config   AGCConfig
	mode     GainMode
	minLevel int32
	maxLevel int32
	band     int

	micLevel float64 // dBFS of the last AddMic chunk
	micValid bool

	envelope     float32
	currentGain  float32
	attackCoeff  float32
	releaseCoeff float32

	closed bool
}

// NewGainController creates a gain controller managing a level in
// [minLevel, maxLevel] for bands sampled at bandRate.
func NewGainController(minLevel, maxLevel int32, mode GainMode, bandRate int) (*AutomaticGainControl, error) {
	return NewGainControllerWithConfig(minLevel, maxLevel, mode, bandRate, DefaultAGCConfig())
}

func NewGainControllerWithConfig(minLevel, maxLevel int32, mode GainMode, bandRate int, config AGCConfig) (*AutomaticGainControl, error) {
	if err := CheckRate(bandRate * 2); err != nil {
		return nil, err
	}
	if minLevel < 0 || maxLevel <= minLevel {
		return nil, fmt.Errorf("audio: invalid gain level range [%d, %d]", minLevel, maxLevel)
	}
	if mode < Unchanged || mode > FixedDigital {
		return nil, fmt.Errorf("audio: invalid gain mode %d", int(mode))
	}
	agc := &AutomaticGainControl{
		config:      config,
		mode:        mode,
		minLevel:    minLevel,
		maxLevel:    maxLevel,
		band:        bandRate / 100,
		currentGain: 1.0,
	}

	// Calculate time constants
	rate := float32(bandRate)
	agc.attackCoeff = float32(1.0 - math.Exp(float64(-1.0/(config.AttackTime*rate/1000.0))))
	agc.releaseCoeff = float32(1.0 - math.Exp(float64(-1.0/(config.ReleaseTime*rate/1000.0))))
	return agc, nil
}

// AddMic records the level of the raw microphone chunk before echo
// cancellation, which drives the level decision in AdaptiveAnalog mode.
func (agc *AutomaticGainControl) AddMic(lo, hi []int16) error {
	if agc.closed {
		return ErrClosed
	}
	if err := sameLength(agc.band, lo, hi); err != nil {
		return err
	}
	info := AnalyzePCM(lo)
	agc.micLevel = info.RMSdB
	agc.micValid = !info.Silent
	return nil
}

// Process applies gain to one chunk and returns the new level. warning
// reports that the output had to be clipped.
func (agc *AutomaticGainControl) Process(lo, hi, outLo, outHi []int16, levelIn int32, echo bool) (int32, bool, error) {
	if agc.closed {
		return levelIn, false, ErrClosed
	}
	if err := sameLength(agc.band, lo, hi, outLo, outHi); err != nil {
		return levelIn, false, err
	}
	level := min(max(levelIn, agc.minLevel), agc.maxLevel)

	var gain float32
	switch agc.mode {
	case Unchanged:
		copy(outLo, lo)
		copy(outHi, hi)
		return levelIn, false, nil
	case AdaptiveAnalog:
		level = agc.adjustLevel(level, echo)
		gain = dbToLinear(agc.levelGain(level))
	case AdaptiveDigital:
		gain = agc.trackGain(lo, echo)
	case FixedDigital:
		gain = dbToLinear(agc.config.FixedGain)
	}

	clipped := applyGain(lo, outLo, gain)
	clipped = applyGain(hi, outHi, gain) || clipped
	if clipped && agc.mode == AdaptiveAnalog && level > agc.minLevel {
		level--
	}
	return level, clipped, nil
}

// adjustLevel moves the virtual microphone level one step towards the
// target. The level never rises while echo is present.
func (agc *AutomaticGainControl) adjustLevel(level int32, echo bool) int32 {
	if !agc.micValid || agc.micLevel < float64(agc.config.NoiseGateThreshold) {
		return level
	}
	out := agc.micLevel + float64(agc.levelGain(level))
	target := float64(agc.config.TargetLevel)
	hyst := float64(agc.config.Hysteresis)
	switch {
	case out < target-hyst && !echo && level < agc.maxLevel:
		return level + 1
	case out > target+hyst && level > agc.minLevel:
		return level - 1
	}
	return level
}

// levelGain maps the level range linearly onto [0, MaxGain] dB.
func (agc *AutomaticGainControl) levelGain(level int32) float32 {
	span := float32(agc.maxLevel - agc.minLevel)
	return float32(level-agc.minLevel) / span * agc.config.MaxGain
}

// trackGain follows the chunk envelope and returns the smoothed gain.
func (agc *AutomaticGainControl) trackGain(samples []int16, echo bool) float32 {
	for _, s := range samples {
		// Update envelope follower
		abs := float32(math.Abs(float64(s))) / 32768
		if abs > agc.envelope {
			agc.envelope += agc.attackCoeff * (abs - agc.envelope)
		} else {
			agc.envelope += agc.releaseCoeff * (abs - agc.envelope)
		}
	}

	// below the noise gate hold the current gain
	if agc.envelope < dbToLinear(agc.config.NoiseGateThreshold) {
		return agc.currentGain
	}
	desired := dbToLinear(agc.config.TargetLevel) / agc.envelope
	// Limit gain
	desired = min(desired, dbToLinear(agc.config.MaxGain))
	desired = max(desired, dbToLinear(-agc.config.MaxGain))
	if echo {
		desired = min(desired, agc.currentGain)
	}

	// Smooth gain changes
	if desired > agc.currentGain {
		agc.currentGain += agc.attackCoeff * float32(agc.band) * (desired - agc.currentGain) / 10
	} else {
		agc.currentGain += agc.releaseCoeff * float32(agc.band) * (desired - agc.currentGain) / 10
	}
	return agc.currentGain
}

func (agc *AutomaticGainControl) Close() error {
	agc.closed = true
	return nil
}

func applyGain(in, out []int16, gain float32) (clipped bool) {
	for i, s := range in {
		v := float32(s) * gain
		if v > math.MaxInt16 || v < math.MinInt16 {
			clipped = true
		}
		out[i] = saturate(v)
	}
	return clipped
}

func dbToLinear(db float32) float32 {
	return float32(math.Pow(10, float64(db)/20))
}
