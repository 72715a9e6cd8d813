package netdev

import "i4.energy/across/espgw/at"

// handleFrame delivers a reassembled data frame to the socket owning its
// link.
func (d *Device) handleFrame(ev at.Event) {
	d.mu.Lock()
	s := d.byLinkLocked(ev.LinkID)
	var onRead func([]byte)
	if s != nil {
		onRead = s.onRead
	}
	d.mu.Unlock()

	if s == nil {
		d.logger.Warn("Data for unknown link dropped", "link", ev.LinkID, "bytes", len(ev.Payload))
		return
	}
	if onRead != nil {
		onRead(ev.Payload)
	}
}

// handleConnect reports a client connection as established, or allocates
// a connected socket for an inbound connection and hands it to the
// listening socket.
func (d *Device) handleConnect(ev at.Event) {
	d.mu.Lock()
	if s := d.byLinkLocked(ev.LinkID); s != nil {
		onConnect := s.onConnect
		d.mu.Unlock()
		if onConnect != nil {
			onConnect()
		}
		return
	}

	s, ok := d.allocLocked(STREAM)
	if !ok {
		d.mu.Unlock()
		d.logger.Warn("No free socket for inbound connection", "link", ev.LinkID)
		return
	}
	s.linkID = ev.LinkID
	s.state = Connected

	var onAccept func(int)
	if srv := d.listenerLocked(); srv != nil {
		s.localPort = srv.localPort
		onAccept = srv.onAccept
	}
	fd := s.fd
	d.mu.Unlock()

	if onAccept == nil {
		d.logger.Debug("Inbound connection without accept callback", "link", ev.LinkID, "fd", fd)
		return
	}
	onAccept(fd)
}

// handleClosed frees the socket of a link the peer or firmware ended.
func (d *Device) handleClosed(ev at.Event) {
	d.mu.Lock()
	s := d.byLinkLocked(ev.LinkID)
	if s == nil {
		d.mu.Unlock()
		d.logger.Debug("Close for unknown link", "link", ev.LinkID, "urc", ev.URC)
		return
	}
	onShutdown := s.onShutdown
	onClose, _ := d.releaseLocked(s)
	d.mu.Unlock()

	if onShutdown != nil {
		onShutdown()
	}
	if onClose != nil {
		onClose()
	}
}
