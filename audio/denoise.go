package audio

import (
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

// spectralFloor keeps a fraction of the original magnitude in every bin so
// subtraction never produces the hollow "musical noise" of zeroed bins.
const spectralFloor = 0.1

// denoiser performs spectral subtraction. The noise spectrum is estimated
// as an exponential average over unvoiced chunks and subtracted, scaled by
// the configured strength, from voiced ones.
type denoiser struct {
	strength float64
	noise    []float64
}

func newDenoiser(strength float64) *denoiser {
	return &denoiser{strength: strength}
}

// observeNoise updates the noise estimate from a chunk classified as
// non-speech.
func (d *denoiser) observeNoise(samples []float64) {
	spec := fft.FFTReal(samples)
	if len(d.noise) != len(spec) {
		d.noise = make([]float64, len(spec))
		for i, c := range spec {
			d.noise[i] = cmplx.Abs(c)
		}
		return
	}
	for i, c := range spec {
		d.noise[i] = 0.9*d.noise[i] + 0.1*cmplx.Abs(c)
	}
}

// reduce subtracts the estimated noise spectrum from a voiced chunk.
func (d *denoiser) reduce(samples []float64) []float64 {
	spec := fft.FFTReal(samples)
	if len(d.noise) != len(spec) {
		// No noise estimate yet.
		return samples
	}

	for i, c := range spec {
		mag := cmplx.Abs(c)
		if mag == 0 {
			continue
		}
		sub := mag - d.strength*d.noise[i]
		if floor := spectralFloor * mag; sub < floor {
			sub = floor
		}
		spec[i] = c * complex(sub/mag, 0)
	}

	out := make([]float64, len(samples))
	for i, c := range fft.IFFT(spec) {
		out[i] = real(c)
	}
	return out
}
