package audio

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// maxGain caps AGC amplification so near-silent chunks are not blown up
// into full-scale noise.
const maxGain = 4.0

// silenceRMS is the level below which a chunk is left untouched rather
// than amplified.
const silenceRMS = 1e-4

// agc scales a chunk toward the target RMS level.
type agc struct {
	target float64
}

func (a agc) apply(samples []float64) {
	current := rms(samples)
	if current < silenceRMS {
		return
	}
	gain := a.target / current
	if gain > maxGain {
		gain = maxGain
	}
	floats.Scale(gain, samples)
}

func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(samples, samples) / float64(len(samples)))
}
