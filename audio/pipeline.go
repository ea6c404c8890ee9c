package audio

import (
	"sync"
	"time"
)

// Pipeline conditions call audio one chunk at a time: resample to the
// working rate, detect voice activity on 30 ms frames, reduce noise in
// voiced chunks, then normalize gain and equalize to the speech band.
//
// A Pipeline keeps filter and noise-estimate state across chunks, so one
// instance serves exactly one audio stream and must not be shared. Any
// stage failure results in the chunk passing through unmodified; audio
// degrades rather than aborting a call.
type Pipeline struct {
	config  Config
	vad     *vad
	denoise *denoiser
	agc     agc
	band    *biquad
	metrics *Metrics

	mu    sync.Mutex
	stats Stats
}

// Stats are the pipeline's running counters. Chunks are counted once;
// voice and noise frames count 30 ms VAD frames.
type Stats struct {
	ChunksProcessed uint64
	VoiceFrames     uint64
	NoiseFrames     uint64
	PassThroughs    uint64
	ProcessingTime  time.Duration
}

// NewPipeline builds a pipeline for the given parameters. The metrics
// argument may be nil when Prometheus mirroring is not wanted.
func NewPipeline(config Config, metrics *Metrics) (*Pipeline, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		config:  config,
		vad:     newVAD(config.vadFrameLen(), config.VADAggressiveness),
		denoise: newDenoiser(config.NoiseReduction),
		agc:     agc{target: config.TargetRMS},
		band:    newSpeechBandFilter(config.SampleRate),
		metrics: metrics,
	}, nil
}

// Process runs one chunk through the pipeline and reports whether it
// contained voice. The input slice is never modified.
func (p *Pipeline) Process(samples []int16, inputRate int) (out []int16, voiced bool) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			out = samples
			voiced = false
			p.record(func(s *Stats) { s.PassThroughs++ })
			if p.metrics != nil {
				p.metrics.PassThroughs.Inc()
			}
		}
		elapsed := time.Since(start)
		p.record(func(s *Stats) {
			s.ChunksProcessed++
			s.ProcessingTime += elapsed
		})
		if p.metrics != nil {
			p.metrics.ChunksProcessed.Inc()
			p.metrics.ProcessingSeconds.Add(elapsed.Seconds())
		}
	}()

	x := toFloat(samples)
	if inputRate != p.config.SampleRate {
		x = resample(x, inputRate, p.config.SampleRate)
	}

	voiceFrames, noiseFrames := p.classifyFrames(x)
	voiced = voiceFrames > 0
	p.record(func(s *Stats) {
		s.VoiceFrames += uint64(voiceFrames)
		s.NoiseFrames += uint64(noiseFrames)
	})
	if p.metrics != nil {
		p.metrics.VoiceFrames.Add(float64(voiceFrames))
		p.metrics.NoiseFrames.Add(float64(noiseFrames))
	}

	if voiced {
		x = p.denoise.reduce(x)
	} else {
		p.denoise.observeNoise(x)
	}

	p.agc.apply(x)
	p.band.apply(x)

	return toInt16(x), voiced
}

// classifyFrames runs the VAD over every complete 30 ms frame. A trailing
// partial frame counts as noise.
func (p *Pipeline) classifyFrames(x []float64) (voiceFrames, noiseFrames int) {
	frameLen := p.config.vadFrameLen()
	for off := 0; off+frameLen <= len(x); off += frameLen {
		if p.vad.voiced(x[off : off+frameLen]) {
			voiceFrames++
		} else {
			noiseFrames++
		}
	}
	if len(x)%frameLen != 0 {
		noiseFrames++
	}
	return voiceFrames, noiseFrames
}

// Stats returns a snapshot of the running counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pipeline) record(update func(*Stats)) {
	p.mu.Lock()
	update(&p.stats)
	p.mu.Unlock()
}

func toFloat(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s) / 32768
	}
	return out
}

// toInt16 re-encodes samples, saturating at the int16 range.
func toInt16(x []float64) []int16 {
	out := make([]int16, len(x))
	for i, v := range x {
		scaled := v * 32767
		switch {
		case scaled > 32767:
			out[i] = 32767
		case scaled < -32768:
			out[i] = -32768
		default:
			out[i] = int16(scaled)
		}
	}
	return out
}
