package modem_test

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/crosline/fleetd/modem"
)

// scriptTransport is a transport whose Write consults a responder function
// and queues the scripted response for the next Read. Reads block until a
// response is available, like a real serial port. This keeps multi-command
// flows (the init sequence, status refresh) deterministic without a wall of
// ordered mock expectations.
type scriptTransport struct {
	mu       sync.Mutex
	respond  func(cmd string) string
	readChan chan []byte
	writes   []string
	closed   bool
}

func newScriptTransport(respond func(cmd string) string) *scriptTransport {
	return &scriptTransport{
		respond:  respond,
		readChan: make(chan []byte, 32),
	}
}

func (t *scriptTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.writes = append(t.writes, string(p))
	respond := t.respond
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return 0, io.ErrClosedPipe
	}
	if respond != nil {
		cmd := strings.TrimSuffix(string(p), "\r")
		if resp := respond(cmd); resp != "" {
			t.readChan <- []byte(resp)
		}
	}
	return len(p), nil
}

func (t *scriptTransport) Read(p []byte) (int, error) {
	data, ok := <-t.readChan
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (t *scriptTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// Push queues unsolicited data, simulating the modem speaking on its own.
func (t *scriptTransport) Push(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// Writes returns a copy of everything written so far.
func (t *scriptTransport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.writes))
	copy(out, t.writes)
	return out
}

// WroteCommand reports whether cmd was written, and how many times.
func (t *scriptTransport) WroteCommand(cmd string) int {
	n := 0
	for _, w := range t.Writes() {
		if strings.TrimSuffix(w, "\r") == cmd {
			n++
		}
	}
	return n
}

type scriptDialer struct {
	transport *scriptTransport
}

func (d scriptDialer) Dial(ctx context.Context) (modem.Transport, error) {
	return d.transport, nil
}

// okResponder answers every known command the way a healthy, registered
// modem with good signal would.
func okResponder(cmd string) string {
	switch {
	case cmd == "AT+CSQ":
		return "\r\n+CSQ: 21,0\r\n\r\nOK\r\n"
	case cmd == "AT+CREG?":
		return "\r\n+CREG: 1,1\r\n\r\nOK\r\n"
	case cmd == "AT+CNUM":
		return "\r\n+CNUM: \"\",\"+998901112233\",145\r\n\r\nOK\r\n"
	default:
		return "\r\nOK\r\n"
	}
}

// newScriptedModem creates a modem over a scripted transport and runs its
// event loop until the test finishes.
func newScriptedModem(t *testing.T, respond func(cmd string) string) (*modem.Modem, *scriptTransport) {
	t.Helper()

	transport := newScriptTransport(respond)
	config, err := modem.NewConfigBuilder().
		WithDeviceID("modem-test").
		WithDialer(scriptDialer{transport: transport}).
		Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m, err := modem.New(ctx, config)
	if err != nil {
		t.Fatalf("failed to create modem: %v", err)
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := m.Loop(ctx); err != nil && err != context.Canceled && err != io.EOF {
			t.Errorf("modem loop error: %v", err)
		}
	}()

	t.Cleanup(func() {
		cancel()
		<-loopDone
		m.Close()
	})
	return m, transport
}
