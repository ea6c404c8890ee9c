package call

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/crosline/fleetd/audio"
	"github.com/crosline/fleetd/backend"
	"github.com/crosline/fleetd/sms"
)

// endSilenceChunks is how many consecutive unvoiced chunks close an
// utterance and trigger an AI turn.
const endSilenceChunks = 3

// activePhase runs the voice loop until either side ends the call. The
// DSP runs on an audio.Worker so serial and HTTP I/O never wait on FFTs.
func (h *Handler) activePhase(ctx context.Context, s *session) {
	if h.openAudio == nil {
		h.waitEnd(ctx, s)
		return
	}

	link, err := h.openAudio(s.modem.Info())
	if err != nil {
		h.logger.Error("voice path unavailable",
			"device", s.snap.DeviceID, "call", s.snap.CallID, "error", err)
		h.waitEnd(ctx, s)
		return
	}
	defer link.Close()

	pipeline, err := audio.NewPipeline(h.audioCfg, nil)
	if err != nil {
		h.logger.Error("audio pipeline rejected configuration",
			"device", s.snap.DeviceID, "error", err)
		h.waitEnd(ctx, s)
		return
	}
	worker := audio.NewWorker(pipeline, 8)

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go worker.Run(actx)
	go h.capture(actx, s, link, worker.In())

	var utterance []int16
	silence := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.hangup:
			return
		case <-s.remoteEnd:
			return
		case res, ok := <-worker.Out():
			if !ok {
				return
			}
			if res.Voiced {
				utterance = append(utterance, res.Samples...)
				silence = 0
				continue
			}
			if len(utterance) == 0 {
				continue
			}
			silence++
			if silence >= endSilenceChunks {
				h.processTurn(ctx, s, link, utterance)
				utterance = nil
				silence = 0
			}
		}
	}
}

// capture reads chunks off the voice path and feeds the DSP worker.
func (h *Handler) capture(ctx context.Context, s *session, link AudioLink, in chan<- audio.Chunk) {
	for {
		buf := make([]int16, h.audioCfg.ChunkSize)
		if err := link.Read(buf); err != nil {
			if ctx.Err() == nil && !s.ended() {
				h.logger.Warn("audio capture stopped",
					"device", s.snap.DeviceID, "call", s.snap.CallID, "error", err)
			}
			return
		}
		select {
		case in <- audio.Chunk{Samples: buf, Rate: h.audioCfg.SampleRate}:
		case <-ctx.Done():
			return
		}
	}
}

// processTurn sends one finished utterance to the AI and executes the
// reply. A backend outage costs the turn, never the call.
func (h *Handler) processTurn(ctx context.Context, s *session, link AudioLink, utterance []int16) {
	s.mu.Lock()
	ready := s.aiReady
	id := s.backendID
	state := s.workflowState
	s.mu.Unlock()

	seconds := float64(len(utterance)) / float64(h.audioCfg.SampleRate)
	if !ready {
		h.logger.Debug("discarding utterance, no AI session",
			"device", s.snap.DeviceID, "seconds", seconds)
		return
	}

	s.appendHistory("caller", fmt.Sprintf("[%.1fs speech]", seconds))
	if h.metrics != nil {
		h.metrics.TurnsTotal.Inc()
	}

	reply, err := h.backend.ProcessInput(ctx, backend.ProcessInputRequest{
		SessionID:     id,
		Audio:         pcmBytes(utterance),
		Context:       s.transcript(),
		WorkflowState: state,
	})
	if err != nil {
		h.logger.Warn("AI turn skipped",
			"device", s.snap.DeviceID, "call", s.snap.CallID, "error", err)
		return
	}

	if len(reply.WorkflowState) > 0 {
		s.mu.Lock()
		s.workflowState = reply.WorkflowState
		s.mu.Unlock()
	}

	spoke := false
	hangupAfter := false
	for _, action := range reply.Actions {
		switch a := action.(type) {
		case backend.SayAction:
			h.speak(ctx, s, link, a.Text, nil)
			spoke = true

		case backend.HangupAction:
			hangupAfter = true

		case backend.SendSMSAction:
			if h.messenger == nil {
				h.logger.Warn("no messenger wired, SMS action dropped",
					"device", s.snap.DeviceID, "to", a.To)
				break
			}
			if _, err := h.messenger.Send(ctx, s.snap.CompanyNumber, a.To, a.Message); err != nil {
				h.logger.Error("AI-requested SMS failed",
					"device", s.snap.DeviceID, "to", a.To, "error", err)
			}

		case backend.AwaitPaymentAction:
			if h.messenger == nil {
				h.logger.Warn("no messenger wired, payment watch dropped",
					"device", s.snap.DeviceID)
				break
			}
			h.messenger.AwaitPayment(sms.PaymentExpectation{
				SessionID:     id,
				CompanyNumber: s.snap.CompanyNumber,
				Amount:        a.Amount,
				Reference:     a.Reference,
				CardLast4:     a.CardLast4,
			})
		}
	}

	if reply.Text != "" && !spoke {
		h.speak(ctx, s, link, reply.Text, reply.Audio)
	}
	if hangupAfter {
		s.requestHangup()
	}
}

// speak plays one agent line, synthesizing it unless the reply already
// carried audio.
func (h *Handler) speak(ctx context.Context, s *session, link AudioLink, text string, prerendered []byte) {
	s.appendHistory("agent", text)

	pcm := prerendered
	if len(pcm) == 0 {
		var err error
		pcm, err = h.backend.Synthesize(ctx, text, h.voice)
		if err != nil {
			h.logger.Warn("synthesis failed, line not spoken",
				"device", s.snap.DeviceID, "call", s.snap.CallID, "error", err)
			return
		}
	}

	if err := link.Write(pcmSamples(pcm)); err != nil && !s.ended() {
		h.logger.Warn("audio playback failed",
			"device", s.snap.DeviceID, "call", s.snap.CallID, "error", err)
	}
}

func (h *Handler) waitEnd(ctx context.Context, s *session) {
	select {
	case <-ctx.Done():
	case <-s.hangup:
	case <-s.remoteEnd:
	}
}

// pcmBytes encodes samples as 16-bit little-endian PCM.
func pcmBytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(sample))
	}
	return out
}

// pcmSamples decodes 16-bit little-endian PCM, dropping a trailing odd
// byte.
func pcmSamples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out
}
