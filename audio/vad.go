package audio

import "math"

// vad classifies fixed-size frames as speech or non-speech using short-time
// energy combined with the zero-crossing rate. Speech carries clearly more
// energy than line noise and a moderate crossing rate; hiss has high
// crossings at low energy, hum has low crossings.
type vad struct {
	frameLen        int
	energyThreshold float64
	zcrMax          float64
}

func newVAD(frameLen, aggressiveness int) *vad {
	return &vad{
		frameLen:        frameLen,
		energyThreshold: 0.01 * (1 + 0.5*float64(aggressiveness)),
		zcrMax:          0.5 - 0.05*float64(aggressiveness),
	}
}

// voiced reports whether the frame contains speech. A frame of the wrong
// size is never speech.
func (v *vad) voiced(frame []float64) bool {
	if len(frame) != v.frameLen {
		return false
	}

	var sum float64
	crossings := 0
	for i, s := range frame {
		sum += s * s
		if i > 0 && (s >= 0) != (frame[i-1] >= 0) {
			crossings++
		}
	}
	energy := math.Sqrt(sum / float64(len(frame)))
	zcr := float64(crossings) / float64(len(frame))

	return energy > v.energyThreshold && zcr < v.zcrMax
}
