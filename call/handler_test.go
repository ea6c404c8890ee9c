package call_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/crosline/fleetd/audio"
	"github.com/crosline/fleetd/backend"
	"github.com/crosline/fleetd/call"
	"github.com/crosline/fleetd/modem"
	"github.com/crosline/fleetd/sms"
)

type fakeModem struct {
	mu        sync.Mutex
	info      modem.Info
	answers   int
	hangups   int
	dialed    []string
	answerErr error
	dialErr   error
	hangupErr error
}

func (m *fakeModem) Info() modem.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

func (m *fakeModem) AnswerCall(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.answerErr != nil {
		return m.answerErr
	}
	m.answers++
	m.info.Status = modem.StatusBusy
	return nil
}

func (m *fakeModem) DialNumber(_ context.Context, number string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialErr != nil {
		return m.dialErr
	}
	m.dialed = append(m.dialed, number)
	m.info.Status = modem.StatusBusy
	return nil
}

func (m *fakeModem) HangupCall(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hangups++
	if m.hangupErr != nil {
		return m.hangupErr
	}
	m.info.Status = modem.StatusIdle
	return nil
}

func (m *fakeModem) hangupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hangups
}

func idleModem(id, number string) *fakeModem {
	return &fakeModem{info: modem.Info{
		DeviceID:          id,
		PhoneNumber:       number,
		Status:            modem.StatusIdle,
		NetworkRegistered: true,
		SignalStrength:    20,
	}}
}

type fakeBackend struct {
	mu        sync.Mutex
	events    []backend.CallEvent
	created   []backend.CreateSessionRequest
	inputs    []backend.ProcessInputRequest
	summaries []backend.SummaryRequest
	replies   []backend.AIReply
	synth     []byte
	userErr   error
}

func (b *fakeBackend) UserByCompanyNumber(_ context.Context, number string) (backend.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.userErr != nil {
		return backend.User{}, b.userErr
	}
	return backend.User{ID: "user-1", CompanyNumber: number}, nil
}

func (b *fakeBackend) CreateSession(_ context.Context, req backend.CreateSessionRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, req)
	return "sess-1", nil
}

func (b *fakeBackend) ActiveWorkflow(context.Context, string) (backend.Workflow, error) {
	return backend.Workflow{ID: "wf-1", State: json.RawMessage(`{"step":"greet"}`)}, nil
}

func (b *fakeBackend) ProcessInput(_ context.Context, req backend.ProcessInputRequest) (backend.AIReply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs = append(b.inputs, req)
	if len(b.replies) == 0 {
		return backend.AIReply{}, nil
	}
	reply := b.replies[0]
	b.replies = b.replies[1:]
	return reply, nil
}

func (b *fakeBackend) Synthesize(context.Context, string, backend.VoiceSettings) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.synth, nil
}

func (b *fakeBackend) GenerateSummary(_ context.Context, req backend.SummaryRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summaries = append(b.summaries, req)
	return "caller asked about an invoice", nil
}

func (b *fakeBackend) NotifyCallEvent(_ context.Context, ev backend.CallEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *fakeBackend) eventNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, len(b.events))
	for i, ev := range b.events {
		names[i] = ev.Event
	}
	return names
}

func (b *fakeBackend) summaryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.summaries)
}

type fakeMessenger struct {
	mu       sync.Mutex
	sent     [][3]string
	expected []sms.PaymentExpectation
}

func (f *fakeMessenger) Send(_ context.Context, from, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, [3]string{from, to, body})
	return "modem-a", nil
}

func (f *fakeMessenger) AwaitPayment(exp sms.PaymentExpectation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expected = append(f.expected, exp)
}

// fakeLink scripts the capture side and records playback.
type fakeLink struct {
	chunks chan []int16

	mu      sync.Mutex
	written [][]int16
	closed  bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{chunks: make(chan []int16, 64)}
}

func (l *fakeLink) Read(samples []int16) error {
	chunk, ok := <-l.chunks
	if !ok {
		return io.EOF
	}
	copy(samples, chunk)
	return nil
}

func (l *fakeLink) Write(samples []int16) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.written = append(l.written, samples)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.chunks)
	}
	return nil
}

func (l *fakeLink) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.written)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func fleetOf(modems ...call.Modem) func() []call.Modem {
	return func() []call.Modem { return modems }
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func ring(deviceID string) modem.Event {
	return modem.Event{Type: modem.EventRing, DeviceID: deviceID, Time: time.Now()}
}

func clip(deviceID, number string) modem.Event {
	return modem.Event{Type: modem.EventCallerID, DeviceID: deviceID, Number: number, Time: time.Now()}
}

func voicedChunk(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(16000 * math.Sin(2*math.Pi*400*float64(i)/8000))
	}
	return out
}

func TestIncomingCall(t *testing.T) {
	t.Run("Answered call completes on hangup", func(t *testing.T) {
		m := idleModem("modem-a", "+998901112233")
		be := &fakeBackend{}
		h := call.NewHandler(fleetOf(m), be, testLogger(),
			call.WithAnswerDelay(20*time.Millisecond))
		ctx := context.Background()

		h.HandleEvent(ctx, m, ring("modem-a"))
		h.HandleEvent(ctx, m, clip("modem-a", "+998909876543"))

		waitFor(t, "active session", func() bool {
			sessions := h.Sessions()
			return len(sessions) == 1 && sessions[0].State == call.StateActive
		})

		sessions := h.Sessions()
		if sessions[0].CallerNumber != "+998909876543" {
			t.Errorf("caller = %q, want +998909876543", sessions[0].CallerNumber)
		}
		if sessions[0].CompanyNumber != "+998901112233" {
			t.Errorf("company = %q, want modem's own number", sessions[0].CompanyNumber)
		}
		be.mu.Lock()
		if len(be.created) != 1 || be.created[0].CallerNumber != "+998909876543" {
			t.Errorf("backend session = %+v", be.created)
		}
		be.mu.Unlock()

		found, err := h.Hangup(ctx, sessions[0].CallID)
		if err != nil || !found {
			t.Fatalf("Hangup = %v, %v; want true, nil", found, err)
		}
		if m.hangupCount() != 1 {
			t.Errorf("hangups = %d, want 1", m.hangupCount())
		}
		if m.Info().Status != modem.StatusIdle {
			t.Errorf("modem status = %v, want Idle", m.Info().Status)
		}
		if len(h.Sessions()) != 0 {
			t.Errorf("session not dropped: %+v", h.Sessions())
		}

		names := be.eventNames()
		want := []string{"ringing", "answered", "completed"}
		if len(names) != len(want) {
			t.Fatalf("events = %v, want %v", names, want)
		}
		for i := range want {
			if names[i] != want[i] {
				t.Fatalf("events = %v, want %v", names, want)
			}
		}
	})

	t.Run("Repeat RING does not open a second session", func(t *testing.T) {
		m := idleModem("modem-a", "+998901112233")
		h := call.NewHandler(fleetOf(m), &fakeBackend{}, testLogger(),
			call.WithAnswerDelay(20*time.Millisecond))
		ctx := context.Background()

		h.HandleEvent(ctx, m, ring("modem-a"))
		h.HandleEvent(ctx, m, ring("modem-a"))
		h.HandleEvent(ctx, m, ring("modem-a"))

		waitFor(t, "active session", func() bool {
			sessions := h.Sessions()
			return len(sessions) == 1 && sessions[0].State == call.StateActive
		})
		if m.answers != 1 {
			t.Errorf("answers = %d, want 1", m.answers)
		}
		h.Hangup(ctx, h.Sessions()[0].CallID)
	})

	t.Run("Answer failure fails the session", func(t *testing.T) {
		m := idleModem("modem-a", "+998901112233")
		m.answerErr = errors.New("NO CARRIER")
		be := &fakeBackend{}
		h := call.NewHandler(fleetOf(m), be, testLogger(),
			call.WithAnswerDelay(5*time.Millisecond))

		h.HandleEvent(context.Background(), m, ring("modem-a"))

		waitFor(t, "session dropped", func() bool { return len(h.Sessions()) == 0 })
		names := be.eventNames()
		if len(names) == 0 || names[len(names)-1] != "failed" {
			t.Errorf("events = %v, want trailing \"failed\"", names)
		}
		if m.hangupCount() != 0 {
			t.Errorf("hangup sent after failed answer")
		}
	})

	t.Run("Remote hangup completes without ATH", func(t *testing.T) {
		m := idleModem("modem-a", "+998901112233")
		be := &fakeBackend{}
		h := call.NewHandler(fleetOf(m), be, testLogger(),
			call.WithAnswerDelay(5*time.Millisecond))
		ctx := context.Background()

		h.HandleEvent(ctx, m, ring("modem-a"))
		waitFor(t, "active session", func() bool {
			sessions := h.Sessions()
			return len(sessions) == 1 && sessions[0].State == call.StateActive
		})

		h.HandleEvent(ctx, m, modem.Event{Type: modem.EventCallEnded, DeviceID: "modem-a"})

		waitFor(t, "session dropped", func() bool { return len(h.Sessions()) == 0 })
		if m.hangupCount() != 0 {
			t.Errorf("local hangup sent for a remotely ended call")
		}
		names := be.eventNames()
		if names[len(names)-1] != "completed" {
			t.Errorf("events = %v, want trailing \"completed\"", names)
		}
	})

	t.Run("Backend outage degrades, call still answered", func(t *testing.T) {
		m := idleModem("modem-a", "+998901112233")
		be := &fakeBackend{userErr: backend.ErrUnavailable}
		h := call.NewHandler(fleetOf(m), be, testLogger(),
			call.WithAnswerDelay(5*time.Millisecond))
		ctx := context.Background()

		h.HandleEvent(ctx, m, ring("modem-a"))
		waitFor(t, "active session", func() bool {
			sessions := h.Sessions()
			return len(sessions) == 1 && sessions[0].State == call.StateActive
		})
		if m.answers != 1 {
			t.Errorf("answers = %d, want 1", m.answers)
		}

		h.Hangup(ctx, h.Sessions()[0].CallID)
		if be.summaryCount() != 0 {
			t.Errorf("summary requested without an AI session")
		}
	})
}

func TestDial(t *testing.T) {
	t.Run("Outgoing call connects and hangs up", func(t *testing.T) {
		m := idleModem("modem-a", "+998901112233")
		be := &fakeBackend{}
		h := call.NewHandler(fleetOf(m), be, testLogger())
		ctx := context.Background()

		callID, err := h.Dial(ctx, "+15551234567", "")
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		if callID == "" {
			t.Fatal("empty call ID")
		}
		if len(m.dialed) != 1 || m.dialed[0] != "+15551234567" {
			t.Errorf("dialed = %v", m.dialed)
		}
		if m.Info().Status != modem.StatusBusy {
			t.Errorf("modem status = %v, want Busy", m.Info().Status)
		}
		waitFor(t, "active session", func() bool {
			sessions := h.Sessions()
			return len(sessions) == 1 && sessions[0].State == call.StateActive
		})

		found, err := h.Hangup(ctx, callID)
		if err != nil || !found {
			t.Fatalf("Hangup = %v, %v; want true, nil", found, err)
		}
		if m.Info().Status != modem.StatusIdle {
			t.Errorf("modem status = %v, want Idle", m.Info().Status)
		}
		if len(h.Sessions()) != 0 {
			t.Errorf("session not dropped")
		}
	})

	t.Run("Prefers the requested from number", func(t *testing.T) {
		a := idleModem("modem-a", "+998901112233")
		b := idleModem("modem-b", "+998904445566")
		h := call.NewHandler(fleetOf(a, b), &fakeBackend{}, testLogger())
		ctx := context.Background()

		callID, err := h.Dial(ctx, "+15551234567", "+998904445566")
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		if len(b.dialed) != 1 || len(a.dialed) != 0 {
			t.Errorf("dial went to the wrong modem: a=%v b=%v", a.dialed, b.dialed)
		}
		h.Hangup(ctx, callID)
	})

	t.Run("No candidate modem", func(t *testing.T) {
		m := idleModem("modem-a", "+998901112233")
		m.info.NetworkRegistered = false
		h := call.NewHandler(fleetOf(m), &fakeBackend{}, testLogger())

		if _, err := h.Dial(context.Background(), "+15551234567", ""); !errors.Is(err, call.ErrNoModem) {
			t.Errorf("err = %v, want ErrNoModem", err)
		}
	})

	t.Run("Dial failure leaves no session behind", func(t *testing.T) {
		m := idleModem("modem-a", "+998901112233")
		m.dialErr = errors.New("NO DIALTONE")
		h := call.NewHandler(fleetOf(m), &fakeBackend{}, testLogger())

		if _, err := h.Dial(context.Background(), "+15551234567", ""); err == nil {
			t.Fatal("expected error")
		}
		if len(h.Sessions()) != 0 {
			t.Errorf("failed dial left a session: %+v", h.Sessions())
		}
	})

	t.Run("Hangup of an unknown call reports false", func(t *testing.T) {
		h := call.NewHandler(fleetOf(), &fakeBackend{}, testLogger())
		found, err := h.Hangup(context.Background(), "no-such-call")
		if err != nil || found {
			t.Errorf("Hangup = %v, %v; want false, nil", found, err)
		}
	})
}

func TestActiveAudio(t *testing.T) {
	cfg := audio.Config{
		SampleRate:        8000,
		Channels:          1,
		ChunkSize:         240, // one 30ms VAD frame
		VADAggressiveness: 0,
		NoiseReduction:    0.5,
		TargetRMS:         0.2,
	}

	t.Run("Utterance drives an AI turn and spoken reply", func(t *testing.T) {
		m := idleModem("modem-a", "+998901112233")
		link := newFakeLink()
		messenger := &fakeMessenger{}
		be := &fakeBackend{
			synth: make([]byte, 480),
			replies: []backend.AIReply{{
				Text: "Hello, how can I help?",
				Actions: []backend.Action{
					backend.SayAction{Text: "Hello, how can I help?"},
					backend.SendSMSAction{To: "+998909876543", Message: "details"},
					backend.AwaitPaymentAction{Amount: 150000, CardLast4: "8600"},
				},
			}},
		}
		h := call.NewHandler(fleetOf(m), be, testLogger(),
			call.WithAnswerDelay(5*time.Millisecond),
			call.WithAudio(func(modem.Info) (call.AudioLink, error) { return link, nil }, cfg),
			call.WithMessenger(messenger))
		ctx := context.Background()

		h.HandleEvent(ctx, m, ring("modem-a"))
		waitFor(t, "active session", func() bool {
			sessions := h.Sessions()
			return len(sessions) == 1 && sessions[0].State == call.StateActive
		})

		// Four voiced chunks, then enough silence to close the utterance.
		for i := 0; i < 4; i++ {
			link.chunks <- voicedChunk(cfg.ChunkSize)
		}
		for i := 0; i < 6; i++ {
			link.chunks <- make([]int16, cfg.ChunkSize)
		}

		waitFor(t, "spoken reply", func() bool { return link.writeCount() == 1 })
		waitFor(t, "payment watch", func() bool {
			messenger.mu.Lock()
			defer messenger.mu.Unlock()
			return len(messenger.expected) == 1
		})

		be.mu.Lock()
		if len(be.inputs) != 1 {
			t.Fatalf("AI turns = %d, want 1", len(be.inputs))
		}
		input := be.inputs[0]
		be.mu.Unlock()
		if input.SessionID != "sess-1" {
			t.Errorf("session = %q, want sess-1", input.SessionID)
		}
		if len(input.Audio) != 4*cfg.ChunkSize*2 {
			t.Errorf("audio bytes = %d, want %d", len(input.Audio), 4*cfg.ChunkSize*2)
		}
		if string(input.WorkflowState) != `{"step":"greet"}` {
			t.Errorf("workflow state = %s", input.WorkflowState)
		}

		messenger.mu.Lock()
		if len(messenger.sent) != 1 || messenger.sent[0][1] != "+998909876543" {
			t.Errorf("SMS action not executed: %v", messenger.sent)
		}
		if len(messenger.expected) != 1 || messenger.expected[0].CardLast4 != "8600" {
			t.Errorf("payment watch not armed: %+v", messenger.expected)
		}
		if messenger.expected[0].SessionID != "sess-1" {
			t.Errorf("expectation session = %q", messenger.expected[0].SessionID)
		}
		messenger.mu.Unlock()

		if got := h.Sessions()[0].Turns; got != 1 {
			t.Errorf("turns = %d, want 1", got)
		}

		h.Hangup(ctx, h.Sessions()[0].CallID)
		if be.summaryCount() != 1 {
			t.Errorf("summaries = %d, want 1", be.summaryCount())
		}
	})

	t.Run("Hangup action ends the call", func(t *testing.T) {
		m := idleModem("modem-a", "+998901112233")
		link := newFakeLink()
		be := &fakeBackend{
			replies: []backend.AIReply{{
				Actions: []backend.Action{backend.HangupAction{}},
			}},
		}
		h := call.NewHandler(fleetOf(m), be, testLogger(),
			call.WithAnswerDelay(5*time.Millisecond),
			call.WithAudio(func(modem.Info) (call.AudioLink, error) { return link, nil }, cfg))
		ctx := context.Background()

		h.HandleEvent(ctx, m, ring("modem-a"))
		waitFor(t, "active session", func() bool {
			sessions := h.Sessions()
			return len(sessions) == 1 && sessions[0].State == call.StateActive
		})

		for i := 0; i < 4; i++ {
			link.chunks <- voicedChunk(cfg.ChunkSize)
		}
		for i := 0; i < 6; i++ {
			link.chunks <- make([]int16, cfg.ChunkSize)
		}

		waitFor(t, "session dropped", func() bool { return len(h.Sessions()) == 0 })
		if m.hangupCount() != 1 {
			t.Errorf("hangups = %d, want 1", m.hangupCount())
		}
	})

	t.Run("Audio open failure keeps the call up", func(t *testing.T) {
		m := idleModem("modem-a", "+998901112233")
		be := &fakeBackend{}
		h := call.NewHandler(fleetOf(m), be, testLogger(),
			call.WithAnswerDelay(5*time.Millisecond),
			call.WithAudio(func(modem.Info) (call.AudioLink, error) {
				return nil, errors.New("device busy")
			}, cfg))
		ctx := context.Background()

		h.HandleEvent(ctx, m, ring("modem-a"))
		waitFor(t, "active session", func() bool {
			sessions := h.Sessions()
			return len(sessions) == 1 && sessions[0].State == call.StateActive
		})

		found, err := h.Hangup(ctx, h.Sessions()[0].CallID)
		if err != nil || !found {
			t.Fatalf("Hangup = %v, %v; want true, nil", found, err)
		}
	})
}

func TestDrain(t *testing.T) {
	m := idleModem("modem-a", "+998901112233")
	h := call.NewHandler(fleetOf(m), &fakeBackend{}, testLogger(),
		call.WithAnswerDelay(5*time.Millisecond))
	ctx := context.Background()

	h.HandleEvent(ctx, m, ring("modem-a"))
	waitFor(t, "active session", func() bool {
		sessions := h.Sessions()
		return len(sessions) == 1 && sessions[0].State == call.StateActive
	})

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.Drain(drainCtx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(h.Sessions()) != 0 {
		t.Errorf("sessions survived drain: %+v", h.Sessions())
	}
	if m.hangupCount() != 1 {
		t.Errorf("hangups = %d, want 1", m.hangupCount())
	}
}
