package audio

import "math"

// Speech band limits in Hz, the classic telephony passband.
const (
	speechBandLow  = 300.0
	speechBandHigh = 3400.0
)

// dryMix is the share of the unfiltered signal blended back into the
// band-passed output to avoid over-filtering artifacts.
const dryMix = 0.5

// biquad is a second-order IIR band-pass filter (RBJ cookbook, constant
// 0 dB peak gain) with persistent state across chunks.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	x1, x2     float64
	y1, y2     float64
}

// newSpeechBandFilter builds a band-pass covering speechBandLow to
// speechBandHigh at the given sample rate.
func newSpeechBandFilter(sampleRate int) *biquad {
	f0 := math.Sqrt(speechBandLow * speechBandHigh)
	bw := speechBandHigh - speechBandLow
	q := f0 / bw

	w0 := 2 * math.Pi * f0 / float64(sampleRate)
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)

	a0 := 1 + alpha
	return &biquad{
		b0: alpha / a0,
		b1: 0,
		b2: -alpha / a0,
		a1: -2 * cosw0 / a0,
		a2: (1 - alpha) / a0,
	}
}

// apply filters the chunk in place, mixing the filtered signal with the
// dry input.
func (f *biquad) apply(samples []float64) {
	for i, x := range samples {
		y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
		f.x2, f.x1 = f.x1, x
		f.y2, f.y1 = f.y1, y
		samples[i] = dryMix*x + (1-dryMix)*y
	}
}
