package modem

import "errors"

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrLoopRunning is returned when Loop is called while the event loop is
	// already running.
	ErrLoopRunning = errors.New("modem loop already running")

	// ErrNotIdle is returned when a call operation requires an idle modem
	// but the modem is busy, offline, or faulted.
	ErrNotIdle = errors.New("modem not idle")

	// ErrNoActiveCall is returned when HangupCall is invoked and the modem
	// has no call in progress.
	ErrNoActiveCall = errors.New("no active call")
)
