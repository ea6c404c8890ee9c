package modem

import (
	"strings"
	"time"

	"github.com/crosline/fleetd/at"
)

// EventType discriminates typed unsolicited notifications.
type EventType int

const (
	// EventRing signals an incoming call.
	EventRing EventType = iota
	// EventCallerID carries the caller number from a +CLIP line that
	// follows a RING.
	EventCallerID
	// EventNewSMS signals a message stored at Index (+CMTI).
	EventNewSMS
	// EventRegistration signals a network registration change (+CREG).
	EventRegistration
	// EventCallEnded signals the remote side dropped the active call
	// (an unsolicited NO CARRIER).
	EventCallEnded
)

// Event is one typed unsolicited notification from a modem.
type Event struct {
	Type       EventType
	DeviceID   string
	Number     string // caller number, EventCallerID only
	Index      int    // storage index, EventNewSMS only
	Registered bool   // EventRegistration only
	Raw        string
	Time       time.Time
}

// dispatchEvent parses a raw URC line into a typed Event and publishes it.
// Events are dropped rather than blocking the loop when the consumer lags.
func (m *Modem) dispatchEvent(line string) {
	ev := Event{
		DeviceID: m.config.DeviceID,
		Raw:      line,
		Time:     time.Now(),
	}

	switch {
	case line == at.UrcCall:
		ev.Type = EventRing

	case strings.HasPrefix(line, at.UrcCallerID):
		number, err := at.ParseCLIP(line)
		if err != nil {
			return
		}
		ev.Type = EventCallerID
		ev.Number = number

	case strings.HasPrefix(line, at.UrcNewMsg):
		index, err := at.ParseCMTI(line)
		if err != nil {
			return
		}
		ev.Type = EventNewSMS
		ev.Index = index

	case strings.HasPrefix(line, at.UrcRegStatus):
		registered, err := at.ParseCREG(line)
		if err != nil {
			return
		}
		ev.Type = EventRegistration
		ev.Registered = registered
		m.mu.Lock()
		m.info.NetworkRegistered = registered
		m.mu.Unlock()

	default:
		return
	}

	select {
	case m.events <- ev:
	default:
	}
}

// dispatchCallEnded publishes an EventCallEnded and returns the modem to
// Idle. Called by the loop on an unsolicited NO CARRIER.
func (m *Modem) dispatchCallEnded() {
	// Not Busy means the call already ended locally; nothing to undo.
	m.transition(StatusBusy, StatusIdle)

	ev := Event{
		Type:     EventCallEnded,
		DeviceID: m.config.DeviceID,
		Raw:      at.NoCarrier,
		Time:     time.Now(),
	}
	select {
	case m.events <- ev:
	default:
	}
}
