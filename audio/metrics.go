package audio

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors a pipeline's counters into a Prometheus registry.
type Metrics struct {
	ChunksProcessed   prometheus.Counter
	VoiceFrames       prometheus.Counter
	NoiseFrames       prometheus.Counter
	PassThroughs      prometheus.Counter
	ProcessingSeconds prometheus.Counter
	DroppedChunks     prometheus.Counter
}

// NewMetrics registers per-device pipeline counters. The device label keeps
// the fleet's pipelines apart in one registry.
func NewMetrics(reg prometheus.Registerer, deviceID string) *Metrics {
	labels := prometheus.Labels{"device": deviceID}
	m := &Metrics{
		ChunksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "audio_chunks_processed_total",
			Help:        "Audio chunks run through the DSP pipeline.",
			ConstLabels: labels,
		}),
		VoiceFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "audio_voice_frames_total",
			Help:        "30ms frames classified as speech.",
			ConstLabels: labels,
		}),
		NoiseFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "audio_noise_frames_total",
			Help:        "30ms frames classified as non-speech.",
			ConstLabels: labels,
		}),
		PassThroughs: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "audio_passthrough_chunks_total",
			Help:        "Chunks passed through unmodified after a stage failure.",
			ConstLabels: labels,
		}),
		ProcessingSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "audio_processing_seconds_total",
			Help:        "Cumulative DSP processing time.",
			ConstLabels: labels,
		}),
		DroppedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "audio_dropped_chunks_total",
			Help:        "Processed chunks dropped because the consumer lagged.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ChunksProcessed, m.VoiceFrames, m.NoiseFrames,
			m.PassThroughs, m.ProcessingSeconds, m.DroppedChunks)
	}
	return m
}
