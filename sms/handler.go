package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/crosline/fleetd/at"
	"github.com/crosline/fleetd/backend"
	"github.com/crosline/fleetd/modem"
)

// ErrNoModem is returned when no modem is able to send a message.
var ErrNoModem = errors.New("fleetd: no modem available for sending")

// Modem is the controller surface the handler drives.
type Modem interface {
	Info() modem.Info
	ListUnread(ctx context.Context) ([]at.SMSEntry, error)
	DeleteMessage(ctx context.Context, index int) error
	SendSMS(ctx context.Context, recipient, message string) error
}

// Backend receives forwarded messages and payment confirmations.
type Backend interface {
	NotifySMS(ctx context.Context, msg backend.SMSNotification) error
	ConfirmPaymentSMS(ctx context.Context, conf backend.PaymentConfirmation) error
}

const (
	defaultPollInterval  = 15 * time.Second
	defaultPaymentWindow = 15 * time.Minute
)

// Handler drains modem message storage, forwards everything to the
// platform and resolves sessions waiting on payment-confirmation texts.
type Handler struct {
	modems       func() []Modem
	backend      Backend
	logger       *slog.Logger
	metrics      *Metrics
	pollInterval time.Duration
	window       time.Duration

	kick chan string

	mu      sync.Mutex
	pending map[string]pendingPayment // by session ID
}

type pendingPayment struct {
	exp      PaymentExpectation
	deadline time.Time
}

// Option customizes a Handler.
type Option func(*Handler)

// WithPollInterval sets how often message storage is drained.
func WithPollInterval(d time.Duration) Option {
	return func(h *Handler) { h.pollInterval = d }
}

// WithPaymentWindow sets how long a payment expectation stays armed.
func WithPaymentWindow(d time.Duration) Option {
	return func(h *Handler) { h.window = d }
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
		modems:       modems,
		backend:      be,
		logger:       logger,
		pollInterval: defaultPollInterval,
		window:       defaultPaymentWindow,
		kick:         make(chan string, 16),
		pending:      make(map[string]pendingPayment),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run polls message storage until ctx is canceled. A +CMTI notification
// forwarded through Notify triggers an immediate drain.
func (h *Handler) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Poll(ctx)
		case <-h.kick:
			h.Poll(ctx)
		}
	}
}

// Notify requests an immediate poll, typically on a new-message URC.
// It never blocks; a full queue means a drain is already due.
func (h *Handler) Notify(deviceID string) {
	select {
	case h.kick <- deviceID:
	default:
	}
}

// Poll drains unread messages from every responsive modem once.
func (h *Handler) Poll(ctx context.Context) {
	h.expirePending()

	for _, m := range h.modems() {
		info := m.Info()
		if info.Status != modem.StatusIdle && info.Status != modem.StatusBusy {
			continue
		}

		entries, err := m.ListUnread(ctx)
		if err != nil {
			h.logger.Warn("listing unread messages failed",
				"device", info.DeviceID, "error", err)
			continue
		}
		for _, entry := range entries {
			h.handleMessage(ctx, m, info, entry)
		}
	}
}

// handleMessage forwards one stored message and deletes it. Deletion is
// skipped when forwarding fails so the message is retried next poll.
func (h *Handler) handleMessage(ctx context.Context, m Modem, info modem.Info, entry at.SMSEntry) {
	if h.metrics != nil {
		h.metrics.Received.Inc()
	}

	if exp, res, ok := h.matchPending(info.PhoneNumber, entry.Body); ok {
		err := h.backend.ConfirmPaymentSMS(ctx, backend.PaymentConfirmation{
			SessionID: exp.SessionID,
			Amount:    exp.Amount,
			Reference: exp.Reference,
			RawSMS:    entry.Body,
		})
		if err != nil {
			h.logger.Error("payment confirmation delivery failed",
				"device", info.DeviceID, "session", exp.SessionID, "error", err)
			return
		}
		h.CancelPayment(exp.SessionID)
		if h.metrics != nil {
			h.metrics.PaymentsConfirmed.Inc()
		}
		h.logger.Info("payment confirmed by SMS",
			"device", info.DeviceID,
			"session", exp.SessionID,
			"amount_matched", res.Amount,
			"reference_matched", res.Reference,
			"card_matched", res.Card)
	} else {
		err := h.backend.NotifySMS(ctx, backend.SMSNotification{
			DeviceID:    info.DeviceID,
			PhoneNumber: entry.Sender,
			Content:     entry.Body,
			Direction:   "incoming",
			Time:        entry.Time,
		})
		if err != nil {
			h.logger.Error("message forwarding failed",
				"device", info.DeviceID, "sender", entry.Sender, "error", err)
			if h.metrics != nil {
				h.metrics.ForwardErrors.Inc()
			}
			return
		}
	}

	if err := m.DeleteMessage(ctx, entry.Index); err != nil {
		h.logger.Warn("deleting message failed",
			"device", info.DeviceID, "index", entry.Index, "error", err)
	}
}

// AwaitPayment arms a payment expectation for a session. A later message
// on the session's company number that matches it resolves the wait.
func (h *Handler) AwaitPayment(exp PaymentExpectation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[exp.SessionID] = pendingPayment{
		exp:      exp,
		deadline: time.Now().Add(h.window),
	}
}

// CancelPayment disarms a session's payment expectation.
func (h *Handler) CancelPayment(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, sessionID)
}

// Pending returns a snapshot of the armed payment expectations.
func (h *Handler) Pending() []PaymentExpectation {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PaymentExpectation, 0, len(h.pending))
	for _, p := range h.pending {
		out = append(out, p.exp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (h *Handler) matchPending(companyNumber, body string) (PaymentExpectation, MatchResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.pending {
		if p.exp.CompanyNumber != "" && p.exp.CompanyNumber != companyNumber {
			continue
		}
		if res := Match(body, p.exp); res.Confirmed {
			return p.exp, res, true
		}
	}
	return PaymentExpectation{}, MatchResult{}, false
}

func (h *Handler) expirePending() {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, p := range h.pending {
		if now.After(p.deadline) {
			h.logger.Info("payment expectation expired", "session", id)
			delete(h.pending, id)
		}
	}
}

// Send delivers an outgoing message through the modem owning from, or
// through the registered idle modem with the strongest signal when no
// exact sender match exists. It returns the chosen device ID.
func (h *Handler) Send(ctx context.Context, from, to, body string) (string, error) {
	m := h.pickSender(from)
	if m == nil {
		return "", ErrNoModem
	}
	info := m.Info()

	if err := m.SendSMS(ctx, to, body); err != nil {
		return info.DeviceID, fmt.Errorf("sending via %s: %w", info.DeviceID, err)
	}
	if h.metrics != nil {
		h.metrics.Sent.Inc()
	}

	if err := h.backend.NotifySMS(ctx, backend.SMSNotification{
		DeviceID:    info.DeviceID,
		PhoneNumber: to,
		Content:     body,
		Direction:   "outgoing",
		Time:        time.Now(),
	}); err != nil {
		h.logger.Warn("outgoing message not recorded", "device", info.DeviceID, "error", err)
	}
	return info.DeviceID, nil
}

func (h *Handler) pickSender(from string) Modem {
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
