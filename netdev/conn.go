package netdev

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// DefaultReceiveBuffer is the receive capacity of a Conn.
const DefaultReceiveBuffer = 16 * 1024

// Conn is a stream over one socket. Incoming frames are kept in a bounded
// ring buffer until read. Bytes that do not fit are dropped, and once the
// buffered data is drained Read reports the loss with an ErrIO error.
type Conn struct {
	dev *Device
	fd  int

	mu       sync.Mutex
	recv     *ringbuffer.RingBuffer
	peerDone bool
	closed   bool
	dropped  int // bytes lost to a full receive buffer

	dataAvailable chan struct{} // Buffer of 1 so signaling never blocks
}

// NewConn wraps an existing socket, typically one handed to an accept
// callback. It takes over the read, shutdown and close callbacks of fd.
func NewConn(dev *Device, fd int) (*Conn, error) {
	c := &Conn{
		dev:           dev,
		fd:            fd,
		recv:          ringbuffer.New(DefaultReceiveBuffer),
		dataAvailable: make(chan struct{}, 1),
	}
	if err := dev.OnRead(fd, c.receive); err != nil {
		return nil, err
	}
	dev.OnShutdown(fd, c.peerClosed)
	dev.OnClose(fd, c.peerClosed)
	return c, nil
}

// Dial opens a socket and connects it to addr:port. network is "tcp" or
// "udp".
func Dial(ctx context.Context, dev *Device, network, addr string, port int) (*Conn, error) {
	var protocol Protocol
	switch strings.ToLower(network) {
	case "tcp":
		protocol = STREAM
	case "udp":
		protocol = DGRAM
	default:
		return nil, fmt.Errorf("%w: %q", ErrProtocolNotSupported, network)
	}

	fd, err := dev.Socket(protocol)
	if err != nil {
		return nil, err
	}

	// Callbacks go in before connecting so early frames are kept
	c, err := NewConn(dev, fd)
	if err != nil {
		return nil, err
	}
	if err := dev.Connect(ctx, fd, addr, port); err != nil {
		if cerr := c.Close(); cerr != nil {
			dev.logger.Warn("Release of failed socket", "fd", fd, "error", cerr)
		}
		return nil, dev.record(err)
	}
	return c, nil
}

// FD returns the socket descriptor of the connection.
func (c *Conn) FD() int {
	return c.fd
}

func (c *Conn) signal() {
	select {
	case c.dataAvailable <- struct{}{}:
	default:
	}
}

func (c *Conn) receive(data []byte) {
	c.mu.Lock()
	n, err := c.recv.Write(data)
	if err != nil {
		c.dropped += len(data) - n
	}
	c.mu.Unlock()

	if err != nil {
		c.dev.logger.Warn("Receive buffer overflow", "fd", c.fd, "dropped", len(data)-n, "error", err)
	}
	c.signal()
}

func (c *Conn) peerClosed() {
	c.mu.Lock()
	c.peerDone = true
	c.mu.Unlock()
	c.signal()
}

// Read blocks until data is buffered or the connection ends. Buffered
// data is still returned after the peer closed. After an overflow every
// Read past the buffered data fails with ErrIO.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		c.mu.Lock()
		if !c.recv.IsEmpty() {
			n, err := c.recv.Read(p)
			c.mu.Unlock()
			if errors.Is(err, ringbuffer.ErrIsEmpty) {
				err = nil
			}
			return n, err
		}
		done := c.peerDone || c.closed
		dropped := c.dropped
		c.mu.Unlock()

		if dropped > 0 {
			return 0, fmt.Errorf("%w: receive buffer overflow dropped %d bytes", ErrIO, dropped)
		}
		if done {
			return 0, io.EOF
		}
		<-c.dataAvailable
	}
}

// Write sends p through the device. It returns len(p) or the first
// segment error.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}

	if err := c.dev.Write(context.Background(), c.fd, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close ends the link and frees the socket. Closing a connection the peer
// already ended succeeds.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	peerDone := c.peerDone
	c.mu.Unlock()
	c.signal()

	// The slot may already belong to another socket
	if peerDone {
		return nil
	}
	return c.dev.Close(context.Background(), c.fd)
}
