package call

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crosline/fleetd/audio"
	"github.com/crosline/fleetd/backend"
	"github.com/crosline/fleetd/modem"
	"github.com/crosline/fleetd/sms"
)

// ErrNoModem is returned when no modem can place an outgoing call.
var ErrNoModem = errors.New("fleetd: no idle modem for outgoing call")

// Modem is the controller surface the handler drives.
type Modem interface {
	Info() modem.Info
	AnswerCall(ctx context.Context) error
	DialNumber(ctx context.Context, number string) error
	HangupCall(ctx context.Context) error
}

// Backend is the AI platform surface used during a call.
type Backend interface {
	UserByCompanyNumber(ctx context.Context, number string) (backend.User, error)
	CreateSession(ctx context.Context, req backend.CreateSessionRequest) (string, error)
	ActiveWorkflow(ctx context.Context, userID string) (backend.Workflow, error)
	ProcessInput(ctx context.Context, req backend.ProcessInputRequest) (backend.AIReply, error)
	Synthesize(ctx context.Context, text string, voice backend.VoiceSettings) ([]byte, error)
	GenerateSummary(ctx context.Context, req backend.SummaryRequest) (string, error)
	NotifyCallEvent(ctx context.Context, ev backend.CallEvent) error
}

// Messenger executes the SMS side effects the AI requests mid-call.
type Messenger interface {
	Send(ctx context.Context, from, to, body string) (string, error)
	AwaitPayment(exp sms.PaymentExpectation)
}

// AudioLink is the full-duplex voice path of one call.
type AudioLink interface {
	Read(samples []int16) error
	Write(samples []int16) error
	Close() error
}

// AudioOpener opens the voice path for a modem, typically its paired
// ALSA device.
type AudioOpener func(info modem.Info) (AudioLink, error)

const defaultAnswerDelay = 300 * time.Millisecond

// Handler owns the active call set. Transitions of a session happen only
// on that session's goroutine; the handler's map holds membership and is
// read by diagnostics as snapshots.
type Handler struct {
	modems      func() []Modem
	backend     Backend
	messenger   Messenger
	openAudio   AudioOpener
	audioCfg    audio.Config
	voice       backend.VoiceSettings
	logger      *slog.Logger
	metrics     *Metrics
	answerDelay time.Duration

	wg sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session // by device ID
}

// Option customizes a Handler.
type Option func(*Handler)

// WithMessenger wires the SMS handler for AI-requested messages and
// payment expectations.
func WithMessenger(m Messenger) Option {
	return func(h *Handler) { h.messenger = m }
}

// WithAudio wires the voice path. Without it calls are answered but
// carry no audio, which is only useful in tests.
func WithAudio(open AudioOpener, cfg audio.Config) Option {
	return func(h *Handler) {
		h.openAudio = open
		h.audioCfg = cfg
	}
}

// WithVoice sets the synthesis voice for spoken replies.
func WithVoice(v backend.VoiceSettings) Option {
	return func(h *Handler) { h.voice = v }
}

// WithAnswerDelay sets how long an incoming call waits for caller ID
// before being answered.
func WithAnswerDelay(d time.Duration) Option {
	return func(h *Handler) { h.answerDelay = d }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler builds a Handler over the given modem snapshot function.
func NewHandler(modems func() []Modem, be Backend, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		modems:      modems,
		backend:     be,
		logger:      logger,
		audioCfg:    audio.DefaultConfig(),
		answerDelay: defaultAnswerDelay,
		sessions:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleEvent routes one modem event into the call state machine. Safe
// for concurrent use by per-modem event pumps.
func (h *Handler) HandleEvent(ctx context.Context, m Modem, ev modem.Event) {
	switch ev.Type {
	case modem.EventRing:
		h.onRing(ctx, m, ev.DeviceID)

	case modem.EventCallerID:
		if s := h.lookup(ev.DeviceID); s != nil {
			select {
			case s.clip <- ev.Number:
			default:
			}
		}

	case modem.EventCallEnded:
		if s := h.lookup(ev.DeviceID); s != nil {
			s.noteRemoteEnd()
		}
	}
}

// onRing creates the session for a fresh incoming call. Repeat RINGs for
// a call already in progress are ignored.
func (h *Handler) onRing(ctx context.Context, m Modem, deviceID string) {
	info := m.Info()

	h.mu.Lock()
	if existing, ok := h.sessions[deviceID]; ok && !existing.state().terminal() {
		h.mu.Unlock()
		return
	}
	s := h.newSession(m, Session{
		CallID:        uuid.NewString(),
		DeviceID:      deviceID,
		Direction:     "incoming",
		CompanyNumber: info.PhoneNumber,
		State:         StateIncoming,
		StartedAt:     time.Now(),
	})
	h.sessions[deviceID] = s
	h.mu.Unlock()

	h.logger.Info("incoming call", "device", deviceID, "call", s.snap.CallID)
	h.wg.Add(1)
	go h.runIncoming(ctx, s)
}

// Dial places an outgoing call and returns its call ID once the modem
// accepted the dial command.
func (h *Handler) Dial(ctx context.Context, to, from string) (string, error) {
	m := h.pickModem(from)
	if m == nil {
		return "", ErrNoModem
	}
	info := m.Info()

	h.mu.Lock()
	if existing, ok := h.sessions[info.DeviceID]; ok && !existing.state().terminal() {
		h.mu.Unlock()
		return "", modem.ErrNotIdle
	}
	s := h.newSession(m, Session{
		CallID:        uuid.NewString(),
		DeviceID:      info.DeviceID,
		Direction:     "outgoing",
		CallerNumber:  to,
		CompanyNumber: info.PhoneNumber,
		State:         StateRinging,
		StartedAt:     time.Now(),
	})
	h.sessions[info.DeviceID] = s
	h.mu.Unlock()

	h.notify(ctx, s, "ringing")

	if err := m.DialNumber(ctx, to); err != nil {
		h.logger.Error("dial failed", "device", info.DeviceID, "call", s.snap.CallID, "error", err)
		s.setState(StateFailed)
		h.notify(ctx, s, "failed")
		h.countCall(s)
		h.remove(s)
		close(s.done)
		return "", err
	}

	s.setState(StateActive)
	h.notify(ctx, s, "answered")
	h.logger.Info("outgoing call connected",
		"device", info.DeviceID, "call", s.snap.CallID, "to", to)

	h.wg.Add(1)
	go h.runActive(ctx, s)
	return s.snap.CallID, nil
}

// Hangup ends the call with the given ID and waits for the session to
// reach a terminal state. It reports whether the call existed.
func (h *Handler) Hangup(ctx context.Context, callID string) (bool, error) {
	s := h.lookupByCall(callID)
	if s == nil {
		return false, nil
	}
	s.requestHangup()
	select {
	case <-s.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Sessions returns snapshots of the active calls, ordered by device.
func (h *Handler) Sessions() []Session {
	h.mu.Lock()
	live := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	out := make([]Session, 0, len(live))
	for _, s := range live {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Drain hangs up every active call and waits for the sessions to finish
// or the context to expire.
func (h *Handler) Drain(ctx context.Context) error {
	h.mu.Lock()
	for _, s := range h.sessions {
		s.requestHangup()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) newSession(m Modem, snap Session) *session {
	return &session{
		modem:     m,
		hangup:    make(chan struct{}),
		remoteEnd: make(chan struct{}),
		clip:      make(chan string, 1),
		done:      make(chan struct{}),
		snap:      snap,
	}
}

func (h *Handler) lookup(deviceID string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[deviceID]
}

func (h *Handler) lookupByCall(callID string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		if s.snap.CallID == callID {
			return s
		}
	}
	return nil
}

func (h *Handler) remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.snap.DeviceID] == s {
		delete(h.sessions, s.snap.DeviceID)
	}
}

func (h *Handler) pickModem(from string) Modem {
	var best Modem
	bestSignal := -2
	for _, m := range h.modems() {
		info := m.Info()
		if info.Status != modem.StatusIdle || !info.NetworkRegistered {
			continue
		}
		if from != "" && info.PhoneNumber == from {
			return m
		}
		if info.SignalStrength > bestSignal {
			best = m
			bestSignal = info.SignalStrength
		}
	}
	return best
}

// runIncoming drives an incoming call from RING to a terminal state.
func (h *Handler) runIncoming(ctx context.Context, s *session) {
	defer h.wg.Done()
	defer close(s.done)
	defer h.remove(s)

	// Give the +CLIP that trails the RING a moment to arrive.
	select {
	case number := <-s.clip:
		s.setCaller(number)
	case <-time.After(h.answerDelay):
	case <-s.hangup:
		h.abandon(ctx, s)
		return
	case <-s.remoteEnd:
		h.abandon(ctx, s)
		return
	case <-ctx.Done():
		s.setState(StateFailed)
		h.countCall(s)
		return
	}

	s.setState(StateRinging)
	h.notify(ctx, s, "ringing")
	h.prepareAI(ctx, s)

	if err := s.modem.AnswerCall(ctx); err != nil {
		h.logger.Error("answer failed",
			"device", s.snap.DeviceID, "call", s.snap.CallID, "error", err)
		s.setState(StateFailed)
		h.notify(ctx, s, "failed")
		h.countCall(s)
		return
	}

	s.setState(StateActive)
	h.notify(ctx, s, "answered")
	if h.metrics != nil {
		h.metrics.ActiveCalls.Inc()
	}
	h.activePhase(ctx, s)
	h.teardown(ctx, s)
}

// runActive drives an already-connected outgoing call to a terminal
// state.
func (h *Handler) runActive(ctx context.Context, s *session) {
	defer h.wg.Done()
	defer close(s.done)
	defer h.remove(s)

	if h.metrics != nil {
		h.metrics.ActiveCalls.Inc()
	}
	h.prepareAI(ctx, s)
	h.activePhase(ctx, s)
	h.teardown(ctx, s)
}

// abandon finishes a call the caller dropped before it was answered.
func (h *Handler) abandon(ctx context.Context, s *session) {
	s.setState(StateFailed)
	h.notify(ctx, s, "failed")
	h.countCall(s)
	h.logger.Info("call abandoned before answer",
		"device", s.snap.DeviceID, "call", s.snap.CallID)
}

// prepareAI resolves the user and opens a backend session. Failures
// leave the call in degraded mode: audio still flows, AI turns are
// skipped.
func (h *Handler) prepareAI(ctx context.Context, s *session) {
	user, err := h.backend.UserByCompanyNumber(ctx, s.snap.CompanyNumber)
	if err != nil {
		h.logger.Warn("user lookup failed, continuing without AI",
			"device", s.snap.DeviceID, "company", s.snap.CompanyNumber, "error", err)
		return
	}

	id, err := h.backend.CreateSession(ctx, backend.CreateSessionRequest{
		UserID:       user.ID,
		CallerNumber: s.snap.CallerNumber,
		Channel:      "voice",
	})
	if err != nil {
		h.logger.Warn("session creation failed, continuing without AI",
			"device", s.snap.DeviceID, "error", err)
		return
	}

	s.mu.Lock()
	s.user = user
	s.backendID = id
	s.aiReady = true
	s.mu.Unlock()

	wf, err := h.backend.ActiveWorkflow(ctx, user.ID)
	if err != nil {
		h.logger.Warn("workflow fetch failed",
			"device", s.snap.DeviceID, "user", user.ID, "error", err)
		return
	}
	s.mu.Lock()
	s.workflowState = wf.State
	s.mu.Unlock()
}

// teardown runs the Ending phase: local hangup when needed, summary,
// terminal notification. On shutdown the parent context may already be
// gone, so cleanup runs on a detached deadline.
func (h *Handler) teardown(ctx context.Context, s *session) {
	s.setState(StateEnding)

	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	result := StateCompleted
	remote := false
	select {
	case <-s.remoteEnd:
		remote = true
	default:
	}
	if !remote {
		if err := s.modem.HangupCall(ctx); err != nil && !errors.Is(err, modem.ErrNoActiveCall) {
			h.logger.Error("hangup failed",
				"device", s.snap.DeviceID, "call", s.snap.CallID, "error", err)
			result = StateFailed
		}
	}

	h.summarize(ctx, s)

	s.setState(result)
	if result == StateCompleted {
		h.notify(ctx, s, "completed")
	} else {
		h.notify(ctx, s, "failed")
	}
	if h.metrics != nil {
		h.metrics.ActiveCalls.Dec()
	}
	h.countCall(s)

	snap := s.snapshot()
	h.logger.Info("call finished",
		"device", snap.DeviceID,
		"call", snap.CallID,
		"state", snap.State.String(),
		"duration", snap.Duration,
		"turns", snap.Turns)
}

// summarize asks the platform for a post-call summary. Best effort: an
// unreachable backend loses the summary, not the call record.
func (h *Handler) summarize(ctx context.Context, s *session) {
	s.mu.Lock()
	ready := s.aiReady
	id := s.backendID
	started := s.snap.StartedAt
	s.mu.Unlock()

	transcript := s.transcript()
	if !ready || len(transcript) == 0 {
		return
	}

	summary, err := h.backend.GenerateSummary(ctx, backend.SummaryRequest{
		SessionID:  id,
		Transcript: transcript,
		Duration:   time.Since(started).Seconds(),
	})
	if err != nil {
		h.logger.Warn("summary generation skipped",
			"device", s.snap.DeviceID, "call", s.snap.CallID, "error", err)
		return
	}
	h.logger.Info("call summary generated",
		"device", s.snap.DeviceID, "call", s.snap.CallID, "summary", summary)
}

// notify reports a lifecycle change to the platform, best effort.
func (h *Handler) notify(ctx context.Context, s *session, event string) {
	err := h.backend.NotifyCallEvent(ctx, backend.CallEvent{
		CallID:        s.snap.CallID,
		DeviceID:      s.snap.DeviceID,
		Event:         event,
		CallerNumber:  s.snapshot().CallerNumber,
		CompanyNumber: s.snap.CompanyNumber,
		Time:          time.Now(),
	})
	if err != nil {
		h.logger.Warn("call event not delivered",
			"device", s.snap.DeviceID, "call", s.snap.CallID, "event", event, "error", err)
	}
}

func (h *Handler) countCall(s *session) {
	if h.metrics == nil {
		return
	}
	result := "completed"
	if s.state() == StateFailed {
		result = "failed"
	}
	h.metrics.CallsTotal.WithLabelValues(s.snap.Direction, result).Inc()
}
