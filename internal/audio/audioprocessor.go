package audio

import (
	"math"
)

// VolumeInfo 音量信息
type VolumeInfo struct {
	RMS    float64 // 均方根音量 (0.0-1.0)
	RMSdB  float64 // dBFS
	Peak   float64 // 峰值 (0.0-1.0)
	Silent bool    // 是否静音
}

// silenceRMS is roughly -70 dBFS.
const silenceRMS = 0.0003

// AnalyzePCM 分析PCM数据音量
func AnalyzePCM(data []int16) VolumeInfo {
	if len(data) == 0 {
		return VolumeInfo{RMSdB: math.Inf(-1), Silent: true}
	}

	var (
		sumSquares float64
		maxPeak    float64
	)
	for _, s := range data {
		sample := float64(s) / 32768
		sumSquares += sample * sample
		if abs := math.Abs(sample); abs > maxPeak {
			maxPeak = abs
		}
	}

	rms := math.Sqrt(sumSquares / float64(len(data)))
	db := math.Inf(-1)
	if rms > 0 {
		db = 20 * math.Log10(rms)
	}
	return VolumeInfo{
		RMS:    rms,
		RMSdB:  db,
		Peak:   maxPeak,
		Silent: rms <= silenceRMS,
	}
}

const (
	DefaultVADThreshold = -45.0 // dBFS
	DefaultVADHangover  = 30    // chunks, 300 ms at 10 ms per chunk
)

// VoiceDetector is an energy detector with hangover: once a chunk crosses
// the threshold the following hangover chunks are still reported as voice,
// so word tails and short pauses are not chopped.
type VoiceDetector struct {
	threshold float64
	hangover  int
	remaining int
}

func NewVoiceDetector(thresholdDB float64, hangover int) *VoiceDetector {
	return &VoiceDetector{
		threshold: thresholdDB,
		hangover:  max(hangover, 0),
	}
}

// IsVoice classifies one chunk.
func (v *VoiceDetector) IsVoice(chunk []int16) bool {
	return v.Update(AnalyzePCM(chunk).RMSdB)
}

// Update classifies a chunk whose level is already known.
func (v *VoiceDetector) Update(levelDB float64) bool {
	if levelDB >= v.threshold {
		v.remaining = v.hangover
		return true
	}
	if v.remaining > 0 {
		v.remaining--
		return true
	}
	return false
}
