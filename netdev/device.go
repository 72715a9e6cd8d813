// Package netdev exposes the multiplexed links of an ESP8266 as a small
// BSD-like socket table.
package netdev

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"i4.energy/across/espgw/at"
	"i4.energy/across/espgw/modem"
)

// Device owns the socket table of one ESP8266. Operations may be called
// from any goroutine; notification handlers run on the modem's dispatch
// goroutine. Callbacks are invoked without internal locks held.
type Device struct {
	cmd    modem.Commander
	iface  *Iface
	logger *slog.Logger

	mu      sync.Mutex
	sockets [tableSize]*socket
	lastErr error
	// server is the socket holding the listener role, from the moment
	// Listen admits it until it fails or is released
	server *socket

	// sendMu keeps segment sequences of different writes from interleaving
	sendMu sync.Mutex
}

// New creates the socket device and registers its notification handlers
// on cmd.
func New(cmd modem.Commander, iface *Iface, logger *slog.Logger) *Device {
	if iface == nil {
		iface = &Iface{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Device{
		cmd:    cmd,
		iface:  iface,
		logger: logger,
	}

	cmd.Handle(at.URCFrame, d.handleFrame)
	cmd.Handle(at.URCLinkConnect, d.handleConnect)
	cmd.Handle(at.URCLinkClosed, d.handleClosed)
	cmd.Handle(at.URCLinkConnectFail, d.handleClosed)

	return d
}

// record stores err as the last error and returns it.
func (d *Device) record(err error) error {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
	return err
}

// LastError returns the result of the most recent operation.
func (d *Device) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Errno returns the POSIX number of LastError.
func (d *Device) Errno() int {
	return Errno(d.LastError())
}

func (d *Device) lookupLocked(fd int) (*socket, bool) {
	if fd < 0 || fd >= tableSize || d.sockets[fd] == nil {
		return nil, false
	}
	return d.sockets[fd], true
}

func (d *Device) allocLocked(protocol Protocol) (*socket, bool) {
	for fd, s := range d.sockets {
		if s == nil {
			s = newSocket(fd, protocol)
			d.sockets[fd] = s
			return s, true
		}
	}
	return nil, false
}

func (d *Device) byLinkLocked(linkID int) *socket {
	for _, s := range d.sockets {
		if s != nil && s.linkID == linkID {
			return s
		}
	}
	return nil
}

func (d *Device) listenerLocked() *socket {
	for _, s := range d.sockets {
		if s != nil && s.state == Listening {
			return s
		}
	}
	return nil
}

// newLinkIDLocked returns the lowest link no socket owns.
func (d *Device) newLinkIDLocked() (int, bool) {
	for id := range MaxConnections {
		if d.byLinkLocked(id) == nil {
			return id, true
		}
	}
	return NoLink, false
}

// releaseLocked frees the slot of s if s still occupies it and returns
// its close callback.
func (d *Device) releaseLocked(s *socket) (onClose func(), released bool) {
	if d.sockets[s.fd] != s {
		return nil, false
	}
	d.sockets[s.fd] = nil
	if d.server == s {
		d.server = nil
	}
	s.linkID = NoLink
	s.state = Closed
	return s.onClose, true
}

// Socket claims the first free slot of the table.
func (d *Device) Socket(protocol Protocol) (int, error) {
	if protocol != STREAM && protocol != DGRAM {
		return -1, d.record(fmt.Errorf("%w: %q", ErrProtocolNotSupported, protocol))
	}

	d.mu.Lock()
	s, ok := d.allocLocked(protocol)
	d.mu.Unlock()
	if !ok {
		return -1, d.record(ErrTooManyOpenFiles)
	}
	return s.fd, d.record(nil)
}

// Get returns a snapshot of the socket at fd.
func (d *Device) Get(fd int) (Socket, error) {
	d.mu.Lock()
	s, ok := d.lookupLocked(fd)
	var snap Socket
	if ok {
		snap = s.snapshot()
	}
	d.mu.Unlock()

	if !ok {
		return Socket{}, d.record(ErrBadFileDescriptor)
	}
	return snap, d.record(nil)
}

// Sockets returns snapshots of every occupied slot in fd order.
func (d *Device) Sockets() []Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.socketsLocked()
}

func (d *Device) socketsLocked() []Socket {
	out := []Socket{}
	for _, s := range d.sockets {
		if s != nil {
			out = append(out, s.snapshot())
		}
	}
	return out
}

// Bind records the local address and port of fd. The firmware cannot bind
// to arbitrary local addresses; the port is used by Listen.
func (d *Device) Bind(fd int, addr string, port int) error {
	d.mu.Lock()
	s, ok := d.lookupLocked(fd)
	if ok {
		s.localAddr = addr
		s.localPort = port
		if s.state == Closed {
			s.state = Bound
		}
	}
	d.mu.Unlock()

	if !ok {
		return d.record(ErrBadFileDescriptor)
	}
	return d.record(nil)
}

// Connect opens a link for fd to addr:port. The link is claimed before the
// exchange so that the link's CONNECT notification finds the socket.
func (d *Device) Connect(ctx context.Context, fd int, addr string, port int) error {
	d.mu.Lock()
	s, ok := d.lookupLocked(fd)
	if !ok {
		d.mu.Unlock()
		return d.record(ErrBadFileDescriptor)
	}
	if s.state == Connected || s.state == Listening {
		state := s.state
		d.mu.Unlock()
		return d.record(fmt.Errorf("%w: socket %d is %s", ErrCommunication, fd, state))
	}
	link, ok := d.newLinkIDLocked()
	if !ok {
		d.mu.Unlock()
		return d.record(ErrTooManyOpenFiles)
	}
	s.linkID = link
	protocol := s.protocol
	d.mu.Unlock()

	d.logger.Debug("Connecting", "fd", fd, "link", link, "addr", addr, "port", port)
	reply, err := d.cmd.Exec(ctx, modem.Command{Line: at.CmdStart(link, protocol.wire(), addr, port)})

	d.mu.Lock()
	if err == nil && reply.OK() {
		if d.sockets[fd] == s {
			s.state = Connected
			s.remoteAddr = addr
			s.remotePort = port
			s.localAddr = ""
			s.localPort = 0
		}
		d.mu.Unlock()
		return d.record(nil)
	}
	if s.linkID == link {
		s.linkID = NoLink
	}
	d.mu.Unlock()

	switch {
	case errors.Is(err, modem.ErrTimeout):
		return d.record(fmt.Errorf("%w: %w", ErrTimedOut, err))
	case err != nil:
		return d.record(fmt.Errorf("%w: %w", ErrConnectionRefused, err))
	default:
		return d.record(fmt.Errorf("%w: %s:%d answered %q", ErrConnectionRefused, addr, port, reply.Result))
	}
}

// Close stops serving for a listening socket or closes the link of any
// other socket, then frees the slot and fires the close callback. On
// failure the slot is kept so the caller may retry.
func (d *Device) Close(ctx context.Context, fd int) error {
	d.mu.Lock()
	s, ok := d.lookupLocked(fd)
	if !ok {
		d.mu.Unlock()
		return d.record(ErrBadFileDescriptor)
	}
	state, link := s.state, s.linkID
	d.mu.Unlock()

	switch {
	case state == Listening:
		reply, err := d.cmd.Exec(ctx, modem.Command{Line: at.CmdServerStop})
		if err != nil {
			return d.record(fmt.Errorf("%w: %w", ErrCommunication, err))
		}
		if !reply.OK() {
			return d.record(fmt.Errorf("%w: stop serving answered %q", ErrCommunication, reply.Result))
		}

	case link != NoLink:
		reply, err := d.cmd.Exec(ctx, modem.Command{Line: at.CmdClose(link), Terminators: at.CloseTerminators})
		if err != nil {
			return d.record(fmt.Errorf("%w: %w", ErrNotConnected, err))
		}
		if reply.Result == at.ERROR {
			return d.record(fmt.Errorf("%w: link %d", ErrNotConnected, link))
		}
	}

	d.mu.Lock()
	onClose, released := d.releaseLocked(s)
	d.mu.Unlock()

	if released && onClose != nil {
		onClose()
	}
	return d.record(nil)
}

// Shutdown validates fd and succeeds. The firmware has no half-close, so
// the connection stays fully open; use Close to end it.
func (d *Device) Shutdown(fd int, how int) error {
	d.mu.Lock()
	_, ok := d.lookupLocked(fd)
	d.mu.Unlock()

	if !ok {
		return d.record(ErrBadFileDescriptor)
	}
	return d.record(nil)
}

// Listen starts the firmware's server on the port fd is bound to. Only one
// socket may listen at a time.
func (d *Device) Listen(ctx context.Context, fd int) error {
	d.mu.Lock()
	s, ok := d.lookupLocked(fd)
	if !ok {
		d.mu.Unlock()
		return d.record(ErrBadFileDescriptor)
	}
	if srv := d.server; srv != nil && srv != s {
		d.mu.Unlock()
		return d.record(fmt.Errorf("%w: socket %d is already listening", ErrCommunication, srv.fd))
	}
	d.server = s
	s.linkID = NoLink
	port := s.localPort
	d.mu.Unlock()

	reply, err := d.cmd.Exec(ctx, modem.Command{Line: at.CmdServerStart(port)})
	if err == nil && !reply.OK() {
		err = fmt.Errorf("serve on port %d answered %q", port, reply.Result)
	}
	if err != nil {
		d.mu.Lock()
		if d.server == s && s.state != Listening {
			d.server = nil
		}
		d.mu.Unlock()
		return d.record(fmt.Errorf("%w: %w", ErrCommunication, err))
	}

	d.mu.Lock()
	if d.sockets[fd] == s {
		s.state = Listening
	}
	d.mu.Unlock()
	return d.record(nil)
}

func (d *Device) setCallback(fd int, set func(s *socket)) error {
	d.mu.Lock()
	s, ok := d.lookupLocked(fd)
	if ok {
		set(s)
	}
	d.mu.Unlock()

	if !ok {
		return ErrBadFileDescriptor
	}
	return nil
}

// OnConnect sets the callback fired when the link of a client socket
// reports CONNECT. A nil fn clears it.
func (d *Device) OnConnect(fd int, fn func()) error {
	return d.setCallback(fd, func(s *socket) { s.onConnect = fn })
}

// OnClose sets the callback fired once the slot of fd is freed.
func (d *Device) OnClose(fd int, fn func()) error {
	return d.setCallback(fd, func(s *socket) { s.onClose = fn })
}

// OnShutdown sets the callback fired, before OnClose, when the peer or
// the firmware ends the link.
func (d *Device) OnShutdown(fd int, fn func()) error {
	return d.setCallback(fd, func(s *socket) { s.onShutdown = fn })
}

// OnRead sets the callback receiving each data frame of the link of fd.
func (d *Device) OnRead(fd int, fn func(data []byte)) error {
	return d.setCallback(fd, func(s *socket) { s.onRead = fn })
}

// OnAccept sets the callback receiving the fd of every inbound connection
// while fd is listening.
func (d *Device) OnAccept(fd int, fn func(fd int)) error {
	return d.setCallback(fd, func(s *socket) { s.onAccept = fn })
}
