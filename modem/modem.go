package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/crosline/fleetd/at"
)

// Modem drives one physical GSM modem over its AT control port. All
// transport I/O happens on a single event loop goroutine; commands are
// serialized through a request channel so that at most one AT exchange is
// ever in flight per modem. Independent modems run their loops in parallel.
type Modem struct {
	transport Transport
	config    Config

	// mu guards the lifecycle flags and the info snapshot below.
	mu          sync.Mutex
	closed      bool
	loopRunning bool
	info        Info
	refreshedAt time.Time

	// urcChan receives raw Unsolicited Result Codes from the loop.
	urcChan chan string
	// events receives typed notifications parsed from URCs.
	events chan Event
	// commands queues AT command requests for the loop to process.
	commands chan *commandRequest
}

// commandRequest represents an AT command request to be executed by the loop.
type commandRequest struct {
	cmd      string
	respChan chan commandResponse
	ctx      context.Context
}

// commandResponse contains the result of an AT command execution.
type commandResponse struct {
	response string
	err      error
}

// New opens the transport for one modem and prepares its controller. The
// modem starts Offline; run Loop and then Initialize to bring it to Idle.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	controlPort := ""
	if sd, ok := config.Dialer.(SerialDialer); ok {
		controlPort = sd.PortName
	}

	m := &Modem{
		transport: transport,
		config:    config,
		urcChan:   make(chan string, 100), // Buffered to prevent blocking on URCs
		events:    make(chan Event, 100),
		commands:  make(chan *commandRequest),
		info: Info{
			DeviceID:       config.DeviceID,
			ControlPort:    controlPort,
			AudioPort:      config.AudioPort,
			Status:         StatusOffline,
			SignalStrength: at.SignalUnknown,
		},
	}
	return m, nil
}

// Loop is the main event loop that handles all transport I/O operations.
// It must be running before any command-based method is called. The loop is
// the ONLY goroutine that reads from the transport, which both prevents
// interleaved reads and guarantees URCs are never lost between commands.
//
// Loop runs until the context is cancelled, the transport reaches EOF, or a
// read error occurs. Transport-level failures mark the modem Error before
// returning; recovery requires a device rescan.
func (m *Modem) Loop(ctx context.Context) error {
	m.mu.Lock()
	if m.loopRunning {
		m.mu.Unlock()
		return ErrLoopRunning
	}
	m.loopRunning = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.loopRunning = false
		m.mu.Unlock()
	}()

	scanner := bufio.NewScanner(m.transport)
	scanner.Split(at.Splitter)

	tokens := make(chan string, 10)
	scanErrs := make(chan error, 1)

	go func() {
		defer close(tokens)
		for scanner.Scan() {
			token := scanner.Text()
			if token != "" {
				select {
				case tokens <- token:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case scanErrs <- err:
			case <-ctx.Done():
			}
		}
	}()

	var currentCmd *commandRequest
	var currentLines []string

	for {
		select {
		case <-ctx.Done():
			if currentCmd != nil {
				currentCmd.respChan <- commandResponse{err: ctx.Err()}
			}
			return ctx.Err()

		case req := <-m.commands:
			currentCmd = req
			currentLines = nil

			wire := strings.TrimSpace(req.cmd) + "\r"
			if _, err := m.transport.Write([]byte(wire)); err != nil {
				m.markError()
				req.respChan <- commandResponse{err: fmt.Errorf("write command %q: %w", req.cmd, err)}
				currentCmd = nil
				continue
			}

		case token, ok := <-tokens:
			if !ok {
				if currentCmd != nil {
					currentCmd.respChan <- commandResponse{err: io.EOF}
					currentCmd = nil
				}
				m.markError()
				return io.EOF
			}
			m.touch()

			respType := at.Classify(token)
			// Query responses share the prefix of their URC family.
			// A +CREG line that answers an in-flight AT+CREG? belongs
			// to the command, not the URC stream.
			if respType == at.TypeURC && currentCmd != nil && answersQuery(currentCmd.cmd, token) {
				respType = at.TypeData
			}

			switch respType {
			case at.TypeURC:
				select {
				case m.urcChan <- token:
				default:
					// URC buffer full; the notification is dropped.
				}
				m.dispatchEvent(token)

			case at.TypeFinal:
				if currentCmd != nil {
					currentLines = append(currentLines, token)
					response := strings.Join(currentLines, "\n")
					if token == at.OK {
						currentCmd.respChan <- commandResponse{response: response}
					} else {
						currentCmd.respChan <- commandResponse{response: response, err: errors.New(token)}
					}
					currentCmd = nil
					currentLines = nil
				} else if token == at.NoCarrier {
					// No command in flight: the remote side hung up.
					m.dispatchCallEnded()
				}

			case at.TypeData:
				if currentCmd != nil {
					currentLines = append(currentLines, token)
				}

			case at.TypePrompt:
				if currentCmd != nil {
					currentLines = append(currentLines, token)
					response := strings.Join(currentLines, "\n")
					currentCmd.respChan <- commandResponse{response: response}
					currentCmd = nil
					currentLines = nil
				}
			}

			if currentCmd != nil {
				select {
				case <-currentCmd.ctx.Done():
					currentCmd.respChan <- commandResponse{err: fmt.Errorf("command timeout: %w", currentCmd.ctx.Err())}
					currentCmd = nil
					currentLines = nil
				default:
				}
			}

		case err := <-scanErrs:
			if currentCmd != nil {
				currentCmd.respChan <- commandResponse{err: fmt.Errorf("read error: %w", err)}
				currentCmd = nil
			}
			m.markError()
			return fmt.Errorf("scanner error: %w", err)
		}
	}
}

// answersQuery reports whether a URC-shaped line is actually the data
// response of the query command currently in flight.
func answersQuery(cmd, line string) bool {
	return strings.HasPrefix(line, at.UrcRegStatus) && strings.HasPrefix(cmd, "AT+CREG?")
}

// Initialize runs the modem setup sequence and brings the modem to Idle.
// Any failed step leaves the modem in Error: it stays visible for
// diagnostics and Initialize may be retried after the fault is cleared.
func (m *Modem) Initialize(ctx context.Context) error {
	m.setStatus(StatusInitializing)

	steps := []string{
		at.CmdReset,
		at.CmdEchoOff,
		at.CmdVerboseErrors,
		at.CmdRegNotify,
		at.CmdCallerID,
		at.CmdSetTextMode,
		at.CmdSMSNotify,
	}
	for _, cmd := range steps {
		if _, err := m.exec(ctx, cmd); err != nil {
			m.setStatus(StatusError)
			return fmt.Errorf("init step %s: %w", cmd, err)
		}
	}

	if err := m.RefreshStatus(ctx); err != nil {
		m.setStatus(StatusError)
		return fmt.Errorf("initial status refresh: %w", err)
	}
	m.setStatus(StatusIdle)
	return nil
}

// RefreshStatus queries signal strength, registration, and (until learned)
// the subscriber number, updating the cached snapshot. A successful refresh
// recovers an Error modem back to Idle.
func (m *Modem) RefreshStatus(ctx context.Context) error {
	resp, err := m.exec(ctx, at.CmdSignalQuality)
	if err != nil {
		return fmt.Errorf("query signal: %w", err)
	}
	rssi := at.SignalUnknown
	for _, line := range strings.Split(resp, "\n") {
		if strings.HasPrefix(line, "+CSQ:") {
			if v, perr := at.ParseCSQ(line); perr == nil {
				rssi = v
			}
		}
	}

	resp, err = m.exec(ctx, at.CmdRegQuery)
	if err != nil {
		return fmt.Errorf("query registration: %w", err)
	}
	registered := false
	for _, line := range strings.Split(resp, "\n") {
		if strings.HasPrefix(line, "+CREG:") {
			if v, perr := at.ParseCREG(line); perr == nil {
				registered = v
			}
		}
	}

	number := ""
	if m.Info().PhoneNumber == "" {
		// Not all SIMs expose their own number; a failure here is not
		// a refresh failure.
		if resp, nerr := m.exec(ctx, at.CmdOwnNumber); nerr == nil {
			for _, line := range strings.Split(resp, "\n") {
				if strings.HasPrefix(line, "+CNUM:") {
					if v, perr := at.ParseCNUM(line); perr == nil && v != "" {
						number = v
					}
				}
			}
		}
	}

	m.mu.Lock()
	m.info.SignalStrength = rssi
	m.info.NetworkRegistered = registered
	if number != "" && m.info.PhoneNumber == "" {
		m.info.PhoneNumber = number
	}
	m.refreshedAt = time.Now()
	if m.info.Status == StatusError {
		m.info.Status = StatusIdle
	}
	m.mu.Unlock()
	return nil
}

// StatusAge returns how long ago the cached status was refreshed.
func (m *Modem) StatusAge() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refreshedAt.IsZero() {
		return m.config.StatusMaxAge + time.Second
	}
	return time.Since(m.refreshedAt)
}

// StatusMaxAge returns the configured staleness bound for cached status.
func (m *Modem) StatusMaxAge() time.Duration {
	return m.config.StatusMaxAge
}

// DialNumber places an outgoing voice call. The modem must be Idle; on
// acceptance it transitions to Busy. Dial rejections (BUSY, NO CARRIER,
// ERROR) return the modem to Idle.
func (m *Modem) DialNumber(ctx context.Context, number string) error {
	if err := m.transition(StatusIdle, StatusBusy); err != nil {
		return err
	}
	_, err := m.execTimeout(ctx, fmt.Sprintf("ATD%s;", number), m.config.DialTimeout)
	if err != nil {
		m.revertBusy(err)
		return fmt.Errorf("dial %s: %w", number, err)
	}
	return nil
}

// AnswerCall answers an incoming call (ATA). The modem must be Idle.
func (m *Modem) AnswerCall(ctx context.Context) error {
	if err := m.transition(StatusIdle, StatusBusy); err != nil {
		return err
	}
	_, err := m.execTimeout(ctx, at.CmdAnswer, m.config.DialTimeout)
	if err != nil {
		m.revertBusy(err)
		return fmt.Errorf("answer call: %w", err)
	}
	return nil
}

// HangupCall terminates the call in progress (ATH) and returns the modem
// to Idle. The Idle transition happens even when ATH reports an error: the
// session is being torn down either way and the next status refresh will
// surface any modem that is genuinely wedged.
func (m *Modem) HangupCall(ctx context.Context) error {
	m.mu.Lock()
	if m.info.Status != StatusBusy {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	m.mu.Unlock()

	_, err := m.exec(ctx, at.CmdHangup)
	m.mu.Lock()
	if m.info.Status == StatusBusy {
		m.info.Status = StatusIdle
	}
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("hangup: %w", err)
	}
	return nil
}

// Info returns a snapshot of the modem's identity and live status.
func (m *Modem) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// URC returns a read-only channel that receives raw Unsolicited Result
// Codes. The channel is buffered and drops when not consumed fast enough.
func (m *Modem) URC() <-chan string {
	return m.urcChan
}

// Events returns typed notifications parsed from URCs (incoming ring,
// caller ID, new SMS, registration changes).
func (m *Modem) Events() <-chan Event {
	return m.events
}

// Close shuts down the modem and releases the transport. After Close the
// modem cannot be reused.
func (m *Modem) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	m.closed = true
	m.info.Status = StatusOffline
	m.mu.Unlock()

	if m.transport != nil {
		return m.transport.Close()
	}
	return nil
}

// exec sends an AT command through the event loop and waits for its final
// response. The loop must be running.
func (m *Modem) exec(ctx context.Context, cmd string) (string, error) {
	return m.execTimeout(ctx, cmd, m.config.ATTimeout)
}

func (m *Modem) execTimeout(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return "", ErrAlreadyClosed
	}
	if m.transport == nil {
		return "", ErrNotInitialized
	}

	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := &commandRequest{
		cmd:      cmd,
		respChan: make(chan commandResponse, 1), // Buffered to prevent blocking the loop
		ctx:      ctx,
	}

	select {
	case m.commands <- req:
	case <-ctx.Done():
		return "", fmt.Errorf("command cancelled before sending: %w", ctx.Err())
	}

	select {
	case resp := <-req.respChan:
		return resp.response, resp.err
	case <-ctx.Done():
		return "", fmt.Errorf("command timeout: %w", ctx.Err())
	}
}

// transition performs a compare-and-swap on the modem status.
func (m *Modem) transition(from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info.Status != from {
		return fmt.Errorf("%w: status is %s", ErrNotIdle, m.info.Status)
	}
	m.info.Status = to
	return nil
}

// revertBusy undoes an optimistic Idle->Busy transition after a failed
// call attempt. Transport-level failures escalate to Error instead.
func (m *Modem) revertBusy(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info.Status != StatusBusy {
		return
	}
	if errors.Is(cause, io.EOF) {
		m.info.Status = StatusError
		return
	}
	m.info.Status = StatusIdle
}

func (m *Modem) setStatus(s Status) {
	m.mu.Lock()
	m.info.Status = s
	m.mu.Unlock()
}

func (m *Modem) markError() {
	m.mu.Lock()
	if m.info.Status != StatusOffline {
		m.info.Status = StatusError
	}
	m.mu.Unlock()
}

func (m *Modem) touch() {
	m.mu.Lock()
	m.info.LastSeen = time.Now()
	m.mu.Unlock()
}
