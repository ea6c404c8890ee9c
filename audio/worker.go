package audio

import (
	"context"
	"sync"
)

// Chunk is one unit of audio entering the worker.
type Chunk struct {
	Samples []int16
	Rate    int
}

// Result is one processed chunk leaving the worker.
type Result struct {
	Samples []int16
	Voiced  bool
}

// Worker runs a Pipeline on its own goroutine. The DSP work is CPU-bound
// and must not run on the goroutines that service serial or HTTP I/O, so
// chunks cross in and out over bounded channels; a slow consumer costs
// dropped chunks, never a blocked call loop.
type Worker struct {
	pipeline *Pipeline
	in       chan Chunk
	out      chan Result

	mu      sync.Mutex
	dropped uint64
}

// NewWorker wraps a pipeline with channel plumbing. The buffer size bounds
// both directions.
func NewWorker(pipeline *Pipeline, buffer int) *Worker {
	if buffer <= 0 {
		buffer = 8
	}
	return &Worker{
		pipeline: pipeline,
		in:       make(chan Chunk, buffer),
		out:      make(chan Result, buffer),
	}
}

// Run processes chunks until the context is cancelled or In is closed.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-w.in:
			if !ok {
				return nil
			}
			samples, voiced := w.pipeline.Process(chunk.Samples, chunk.Rate)
			select {
			case w.out <- Result{Samples: samples, Voiced: voiced}:
			default:
				w.mu.Lock()
				w.dropped++
				w.mu.Unlock()
				if w.pipeline.metrics != nil {
					w.pipeline.metrics.DroppedChunks.Inc()
				}
			}
		}
	}
}

// In is the channel chunks are submitted on. Close it to stop the worker
// after the queue drains.
func (w *Worker) In() chan<- Chunk {
	return w.in
}

// Out delivers processed chunks.
func (w *Worker) Out() <-chan Result {
	return w.out
}

// Dropped returns how many processed chunks were discarded because the
// output queue was full.
func (w *Worker) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}
