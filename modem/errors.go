package modem

import "errors"

var (
	// ErrNoDialer is returned by Build and New when no Dialer was
	// configured. Without one there is no way to reach the ESP8266.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned by Loop and Exec on a Modem whose
	// handshake never completed, such as a zero Modem not built by New.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned by a second Close and by any Exec issued
	// after Close.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrLoopRunning is returned when Loop is called while another Loop is
	// still serving the same Modem.
	ErrLoopRunning = errors.New("modem loop already running")

	// ErrTimeout is returned when a command does not observe any of its
	// accepted terminators before its timeout expires.
	ErrTimeout = errors.New("command timeout")

	// ErrLineTooLong is returned when a single line or +IPD frame from the
	// device exceeds the configured maximum token size. It usually means
	// the baud rate is wrong or the firmware is printing binary garbage.
	ErrLineTooLong = errors.New("response line too long")
)
