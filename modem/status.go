package modem

import "time"

// Status represents the lifecycle state of one physical modem.
//
// Valid transitions: Offline -> Initializing -> Idle <-> Busy. Error is
// reachable from any state on unrecoverable I/O failure and leads back to
// Idle only after a successful status refresh.
type Status int

const (
	StatusOffline Status = iota
	StatusInitializing
	StatusIdle
	StatusBusy
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "Offline"
	case StatusInitializing:
		return "Initializing"
	case StatusIdle:
		return "Idle"
	case StatusBusy:
		return "Busy"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Info is a point-in-time snapshot of a modem's identity and live status.
// It is safe to retain; the controller never mutates a returned Info.
type Info struct {
	DeviceID          string
	ControlPort       string
	AudioPort         string
	PhoneNumber       string
	Status            Status
	SignalStrength    int // RSSI units, -1 when unknown
	NetworkRegistered bool
	LastSeen          time.Time
}
