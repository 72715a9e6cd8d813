package netdev_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"i4.energy/across/espgw/modem"
	"i4.energy/across/espgw/netdev"
)

// emulator answers the AT dialect like an ESP8266 whose every link is an
// echo server. Echoed frames are cut into small pieces to exercise frame
// reassembly across reads.
type emulator struct {
	tr *modem.TestTransport

	mu       sync.Mutex
	sendLink int
	sendLen  int // raw bytes expected after a prompt
	overlaps int
	refuse   map[string]bool
}

func newEmulator() *emulator {
	e := &emulator{tr: modem.NewTestTransport(), refuse: map[string]bool{}}
	e.tr.OnWrite = e.onWrite
	return e
}

func (e *emulator) reply(s string) {
	e.tr.SendData(s)
}

// replyInPieces delivers s in pieces of n bytes.
func (e *emulator) replyInPieces(s string, n int) {
	for len(s) > n {
		e.tr.SendData(s[:n])
		s = s[n:]
	}
	e.tr.SendData(s)
}

func (e *emulator) onWrite(p []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sendLen > 0 {
		expected := e.sendLen
		e.sendLen = 0
		if len(p) == expected {
			data := string(p)
			e.reply(fmt.Sprintf("\r\nRecv %d bytes\r\n\r\nSEND OK\r\n", len(data)))
			e.replyInPieces(fmt.Sprintf("+IPD,%d,%d:%s", e.sendLink, len(data), data), 97)
			return
		}
		// Something other than the announced payload followed the prompt
		e.overlaps++
	}

	cmd := strings.TrimSuffix(string(p), "\r\n")
	switch {
	case cmd == "AT", cmd == "ATE0":
		e.reply("\r\nOK\r\n")

	case strings.HasPrefix(cmd, "AT+CIPSTART="):
		args := strings.Split(strings.TrimPrefix(cmd, "AT+CIPSTART="), ",")
		if e.refuse[strings.Trim(args[2], `"`)] {
			e.reply("\r\nERROR\r\n")
			return
		}
		e.reply(args[0] + ",CONNECT\r\n\r\nOK\r\n")

	case strings.HasPrefix(cmd, "AT+CIPSEND="):
		args := strings.Split(strings.TrimPrefix(cmd, "AT+CIPSEND="), ",")
		e.sendLink, _ = strconv.Atoi(args[0])
		e.sendLen, _ = strconv.Atoi(args[1])
		e.reply("\r\nOK\r\n> ")

	case cmd == "AT+CIPSTATUS":
		e.reply("STATUS:3\r\n\r\nOK\r\n")

	case strings.HasPrefix(cmd, "AT+CIPCLOSE="):
		link := strings.TrimPrefix(cmd, "AT+CIPCLOSE=")
		e.reply(link + ",CLOSED\r\n\r\nOK\r\n")

	default:
		e.reply("\r\nERROR\r\n")
	}
}

func newEmulatedDevice(t *testing.T) (*netdev.Device, *emulator) {
	t.Helper()

	e := newEmulator()
	config, err := modem.NewConfigBuilder().
		WithDialer(dialerFunc(func(context.Context) (modem.Transport, error) { return e.tr, nil })).
		WithATTimeout(2 * time.Second).
		Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m, err := modem.New(ctx, config)
	if err != nil {
		cancel()
		t.Fatalf("failed to create modem: %v", err)
	}

	dev := netdev.New(m, &netdev.Iface{}, nil)

	loopDone := make(chan error, 1)
	go func() { loopDone <- m.Loop(ctx) }()
	t.Cleanup(func() {
		cancel()
		m.Close()
		<-loopDone
	})
	return dev, e
}

type dialerFunc func(ctx context.Context) (modem.Transport, error)

func (f dialerFunc) Dial(ctx context.Context) (modem.Transport, error) { return f(ctx) }

func TestEmulatedEcho(t *testing.T) {
	dev, e := newEmulatedDevice(t)
	ctx := context.Background()

	conn, err := netdev.Dial(ctx, dev, "tcp", "10.0.0.2", 7)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	payload := bytes.Repeat([]byte("GET / HTTP/1.1\r\n"), 200) // 3200 bytes, three segments
	if n, err := conn.Write(payload); err != nil || n != len(payload) {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	got := make([]byte, len(payload))
	readDone := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(conn, got)
		readDone <- err
	}()
	select {
	case err := <-readDone:
		if err != nil {
			t.Fatalf("ReadFull: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("echo not received in time")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("echo differs from payload")
	}

	if err := conn.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if len(dev.Sockets()) != 0 {
		t.Errorf("expected empty table, got %+v", dev.Sockets())
	}
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected EOF after close, got %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.overlaps != 0 {
		t.Errorf("commands interleaved with raw payloads %d times", e.overlaps)
	}
}

func TestEmulatedConcurrentWrites(t *testing.T) {
	dev, e := newEmulatedDevice(t)
	ctx := context.Background()

	var conns []*netdev.Conn
	for range 3 {
		conn, err := netdev.Dial(ctx, dev, "tcp", "10.0.0.2", 7)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		conns = append(conns, conn)
	}

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte('a' + i)}, 2*netdev.MaxSegment+1)
			if _, err := conn.Write(payload); err != nil {
				t.Errorf("conn %d: Write: %v", i, err)
				return
			}
			got := make([]byte, len(payload))
			if _, err := io.ReadFull(conn, got); err != nil {
				t.Errorf("conn %d: ReadFull: %v", i, err)
				return
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("conn %d: echo mixed with another link", i)
			}
		}()
	}
	wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.overlaps != 0 {
		t.Errorf("commands interleaved with raw payloads %d times", e.overlaps)
	}
}

func TestEmulatedWritesAmidOtherCommands(t *testing.T) {
	dev, e := newEmulatedDevice(t)
	ctx := context.Background()

	conn, err := netdev.Dial(ctx, dev, "tcp", "10.0.0.2", 7)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		payload := bytes.Repeat([]byte("w"), 3*netdev.MaxSegment)
		got := make([]byte, len(payload))
		for i := range 10 {
			if _, err := conn.Write(payload); err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
			if _, err := io.ReadFull(conn, got); err != nil {
				t.Errorf("read %d: %v", i, err)
				return
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("write %d: echo corrupted", i)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := range 20 {
			c, err := netdev.Dial(ctx, dev, "tcp", "10.0.0.3", 80)
			if err != nil {
				t.Errorf("dial %d: %v", i, err)
				return
			}
			if err := c.Close(); err != nil {
				t.Errorf("close %d: %v", i, err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := range 20 {
			if _, err := dev.Status(ctx); err != nil {
				t.Errorf("status %d: %v", i, err)
			}
		}
	}()
	wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.overlaps != 0 {
		t.Errorf("commands reached the device in raw data mode %d times", e.overlaps)
	}
}

func TestEmulatedRefusedDial(t *testing.T) {
	dev, e := newEmulatedDevice(t)
	e.mu.Lock()
	e.refuse["10.0.0.66"] = true
	e.mu.Unlock()

	_, err := netdev.Dial(context.Background(), dev, "tcp", "10.0.0.66", 80)
	if netdev.Errno(err) != 111 {
		t.Fatalf("expected ECONNREFUSED, got %v", err)
	}
	if dev.Errno() != 111 {
		t.Errorf("expected last errno 111, got %d", dev.Errno())
	}

	// The socket and its link are released
	conn, err := netdev.Dial(context.Background(), dev, "tcp", "10.0.0.2", 80)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if conn.FD() != 0 {
		t.Errorf("expected fd 0 to be reused, got %d", conn.FD())
	}
}

func TestDialUnsupportedNetwork(t *testing.T) {
	dev, _ := newEmulatedDevice(t)
	if _, err := netdev.Dial(context.Background(), dev, "unix", "/tmp/x", 0); netdev.Errno(err) != 96 {
		t.Errorf("expected EPFNOSUPPORT, got %v", err)
	}
}
