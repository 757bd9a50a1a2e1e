package audio

import (
	"encoding/binary"
	"math"
)

// DefaultSpeechThreshold is the normalized RMS level above which a frame
// counts as caller speech. Roughly -34 dBFS.
const DefaultSpeechThreshold = 0.02

const fullScale = 32768.0

// Energy returns the RMS amplitude of PCM16LE samples normalized by full
// scale, in [0,1]. A trailing odd byte is ignored.
func Energy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	rms := math.Sqrt(sum/float64(n)) / fullScale
	if rms > 1 {
		return 1
	}
	return rms
}

// IsSpeech is a plain amplitude gate. Loud non-speech noise passes too.
func IsSpeech(energy, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultSpeechThreshold
	}
	return energy > threshold
}

// Detector pairs Energy and IsSpeech with a configured threshold.
type Detector struct {
	Threshold float64
}

// NewDetector returns a detector, falling back to DefaultSpeechThreshold.
func NewDetector(threshold float64) Detector {
	if threshold <= 0 {
		threshold = DefaultSpeechThreshold
	}
	return Detector{Threshold: threshold}
}

// Analyze returns the frame energy and whether it crosses the threshold.
func (d Detector) Analyze(pcm []byte) (float64, bool) {
	e := Energy(pcm)
	return e, IsSpeech(e, d.Threshold)
}
