// Package audio implements the streaming DSP pipeline that conditions call
// audio between a modem's voice interface and the AI backend: voice
// activity detection, spectral noise reduction, automatic gain control and
// speech-band equalization, chunk by chunk.
package audio

import "fmt"

// Config carries the immutable parameters of one pipeline instance.
type Config struct {
	// SampleRate is the pipeline's working rate in Hz. Chunks arriving at
	// a different rate are resampled on entry.
	SampleRate int
	// Channels is the channel count. Call audio is mono.
	Channels int
	// ChunkSize is the number of samples per processed chunk.
	ChunkSize int
	// VADAggressiveness tunes how readily frames are classified as
	// speech, 0 (permissive) to 3 (strict).
	VADAggressiveness int
	// NoiseReduction is the spectral subtraction strength, 0 to 1.
	NoiseReduction float64
	// TargetRMS is the AGC target level in normalized full scale.
	TargetRMS float64
}

// DefaultConfig returns the telephony defaults: 8 kHz mono with 120 ms
// chunks (four 30 ms VAD frames).
func DefaultConfig() Config {
	return Config{
		SampleRate:        8000,
		Channels:          1,
		ChunkSize:         960,
		VADAggressiveness: 1,
		NoiseReduction:    0.7,
		TargetRMS:         0.2,
	}
}

func (c Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels != 1 {
		return fmt.Errorf("audio: only mono pipelines are supported, got %d channels", c.Channels)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("audio: chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.VADAggressiveness < 0 || c.VADAggressiveness > 3 {
		return fmt.Errorf("audio: VAD aggressiveness must be 0..3, got %d", c.VADAggressiveness)
	}
	if c.NoiseReduction < 0 || c.NoiseReduction > 1 {
		return fmt.Errorf("audio: noise reduction must be 0..1, got %v", c.NoiseReduction)
	}
	if c.TargetRMS <= 0 || c.TargetRMS > 1 {
		return fmt.Errorf("audio: target RMS must be in (0, 1], got %v", c.TargetRMS)
	}
	return nil
}

// vadFrameLen is the number of samples in one 30 ms VAD frame at the
// pipeline rate.
func (c Config) vadFrameLen() int {
	return c.SampleRate * 30 / 1000
}
