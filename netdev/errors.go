package netdev

import "errors"

// Error kinds reported by socket operations. Each maps to the POSIX errno
// returned by Errno.
var (
	ErrProtocolNotSupported = errors.New("protocol not supported")
	ErrTooManyOpenFiles     = errors.New("too many open files")
	ErrBadFileDescriptor    = errors.New("bad file descriptor")
	ErrIO                   = errors.New("input/output error")
	ErrTimedOut             = errors.New("connection timed out")
	ErrConnectionRefused    = errors.New("connection refused")
	ErrNotConnected         = errors.New("socket is not connected")
	ErrCommunication        = errors.New("communication error on send")
)

var errnos = []struct {
	err   error
	errno int
}{
	{ErrProtocolNotSupported, 96}, // EPFNOSUPPORT
	{ErrTooManyOpenFiles, 24},     // EMFILE
	{ErrBadFileDescriptor, 9},     // EBADF
	{ErrIO, 5},                    // EIO
	{ErrTimedOut, 110},            // ETIMEDOUT
	{ErrConnectionRefused, 111},   // ECONNREFUSED
	{ErrNotConnected, 107},        // ENOTCONN
	{ErrCommunication, 70},        // ECOMM
}

// Errno returns the POSIX error number for err: 0 for nil and -1 for an
// error outside the known kinds.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	for _, e := range errnos {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return -1
}
