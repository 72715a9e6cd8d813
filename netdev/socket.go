package netdev

import "fmt"

const (
	// MaxConnections is the number of links the firmware multiplexes.
	MaxConnections = 5
	// MaxSegment is the largest payload of a single send exchange.
	MaxSegment = 1460
	// NoLink marks a socket not attached to a link.
	NoLink = -1

	tableSize = MaxConnections + 1 // one extra slot for the listening socket
)

// Protocol selects stream (TCP) or datagram (UDP) sockets.
type Protocol string

const (
	STREAM Protocol = "STREAM"
	DGRAM  Protocol = "DGRAM"
)

func (p Protocol) wire() string {
	if p == DGRAM {
		return "UDP"
	}
	return "TCP"
}

// State is the lifecycle state of a socket.
type State int

const (
	Closed State = iota
	Bound
	Connected
	Listening
)

var stateNames = [...]string{"closed", "bound", "connected", "listening"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Socket is a snapshot of one socket table entry.
type Socket struct {
	FD         int      `json:"fd" yaml:"fd"`
	LinkID     int      `json:"link_id" yaml:"link_id"`
	Protocol   Protocol `json:"protocol" yaml:"protocol"`
	State      State    `json:"state" yaml:"state"`
	LocalAddr  string   `json:"local_addr" yaml:"local_addr"`
	LocalPort  int      `json:"local_port" yaml:"local_port"`
	RemoteAddr string   `json:"remote_addr" yaml:"remote_addr"`
	RemotePort int      `json:"remote_port" yaml:"remote_port"`
}

// socket is the live table entry. Fields are guarded by Device.mu.
type socket struct {
	fd         int
	linkID     int
	protocol   Protocol
	state      State
	localAddr  string
	localPort  int
	remoteAddr string
	remotePort int

	onConnect  func()
	onClose    func()
	onShutdown func()
	onRead     func([]byte)
	onAccept   func(fd int)
}

func newSocket(fd int, protocol Protocol) *socket {
	return &socket{
		fd:         fd,
		linkID:     NoLink,
		protocol:   protocol,
		localAddr:  "0.0.0.0",
		remoteAddr: "0.0.0.0",
	}
}

func (s *socket) snapshot() Socket {
	return Socket{
		FD:         s.fd,
		LinkID:     s.linkID,
		Protocol:   s.protocol,
		State:      s.state,
		LocalAddr:  s.localAddr,
		LocalPort:  s.localPort,
		RemoteAddr: s.remoteAddr,
		RemotePort: s.remotePort,
	}
}
