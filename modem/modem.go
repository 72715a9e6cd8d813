package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/espgw/at"
)

//go:generate go tool mockgen -source=modem.go -destination=mock_modem.go -package=modem

// Commander is the command/notification surface of a Modem consumed by
// the network and Wi-Fi layers.
type Commander interface {
	// Exec issues one command and waits for one of its terminators.
	Exec(ctx context.Context, cmd Command) (Reply, error)
	// Handle registers fn for every notification of the given kind.
	Handle(urc at.URC, fn HandlerFunc)
}

var _ Commander = (*Modem)(nil)

// HandlerFunc receives unsolicited notifications. Handlers run one at a
// time, in arrival order, on the dispatch goroutine; they may issue
// commands, but long-running work should move to its own goroutine.
type HandlerFunc func(at.Event)

// Command is one exchange with the device.
type Command struct {
	// Line is an AT command, sent with a CRLF terminator.
	Line string
	// Data, when non-nil, is written verbatim instead of Line.
	Data []byte
	// Payload, when non-nil, is written in raw data mode as soon as the
	// device answers Line with the "> " prompt, within the same exchange.
	// No other command reaches the device in between. After the payload
	// the exchange ends on at.SendTerminators.
	Payload []byte
	// Terminators are the lines that end the exchange. Empty means
	// at.DefaultTerminators.
	Terminators []string
	// Timeout overrides the configured AT timeout.
	Timeout time.Duration
}

func (c Command) terminators() []string {
	switch {
	case len(c.Terminators) > 0:
		return c.Terminators
	case c.Payload != nil:
		return at.PrepareTerminators
	default:
		return at.DefaultTerminators
	}
}

func (c Command) String() string {
	switch {
	case c.Data != nil:
		return fmt.Sprintf("<%d bytes>", len(c.Data))
	case c.Payload != nil:
		return fmt.Sprintf("%s <%d bytes>", strings.TrimSpace(c.Line), len(c.Payload))
	default:
		return strings.TrimSpace(c.Line)
	}
}

func (c Command) wire() []byte {
	if c.Data != nil {
		return c.Data
	}
	return []byte(strings.TrimSpace(c.Line) + at.CRLF)
}

// Reply is the outcome of a Command.
type Reply struct {
	// Result is the terminator that ended the exchange.
	Result string
	// Lines holds the non-empty lines received before Result.
	Lines []string
}

// OK reports whether the exchange ended with "OK".
func (r Reply) OK() bool {
	return r.Result == at.OK
}

// Modem represents an ESP8266 running the AT command firmware.
// It provides thread-safe access to the device through a centralized
// event loop that handles all transport I/O: one command is in flight at
// a time and unsolicited notifications are handed to registered handlers.
type Modem struct {
	// transport provides the physical connection to the device (serial, TCP, etc.)
	transport Transport
	// config contains the modem configuration settings
	config Config
	logger *slog.Logger
	// scanner tokenizes the transport; shared by the handshake and Loop so
	// no buffered bytes are lost between them
	scanner *bufio.Scanner
	// closed indicates if the modem has been shut down
	closed atomic.Bool
	// loopRunning indicates if the Loop is currently running
	loopRunning atomic.Bool

	mu       sync.RWMutex
	handlers map[at.URC][]HandlerFunc

	// commands queues command requests for the Loop to process
	commands chan *commandRequest

	// loopCtx controls the lifecycle of the main event loop
	loopCtx context.Context
	// loopCancel cancels the main event loop
	loopCancel context.CancelFunc
}

// commandRequest represents a command to be executed by the Loop.
type commandRequest struct {
	cmd Command
	// respChan receives the command response from the Loop
	respChan chan commandResponse
	// ctx provides timeout and cancellation control for the command
	ctx context.Context
}

// commandResponse contains the result of a command execution.
type commandResponse struct {
	reply Reply
	err   error
}

// New creates a new Modem instance with the given configuration.
// It establishes the transport connection, checks the device answers and
// disables command echo, and prepares the event loop context.
//
// Returns an error if the transport connection or the handshake fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if config.dialer == nil {
		return nil, ErrNoDialer
	}
	config.setDefaults()

	transport, err := config.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	m := &Modem{
		config:    config,
		logger:    config.logger,
		transport: transport,
		handlers:  make(map[at.URC][]HandlerFunc),
		// No queue for commands
		commands: make(chan *commandRequest),
	}
	if transport != nil {
		m.scanner = bufio.NewScanner(transport)
		m.scanner.Buffer(make([]byte, 0, 4096), config.maxTokenSize)
		m.scanner.Split(at.Splitter)
	}

	// Prepare context for Loop (but don't start it yet)
	m.loopCtx, m.loopCancel = context.WithCancel(ctx)

	initCtx := ctx
	if config.initTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, config.initTimeout)
		defer cancel()
	}

	if err := m.init(initCtx); err != nil {
		m.loopCancel()
		if m.transport != nil {
			transport.Close()
		}
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	return m, nil
}

// Handle registers fn for notifications of the given kind. Several
// handlers may share a kind; they run in registration order.
func (m *Modem) Handle(urc at.URC, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[urc] = append(m.handlers[urc], fn)
}

func (m *Modem) dispatch(ev at.Event) {
	m.mu.RLock()
	handlers := m.handlers[ev.URC]
	m.mu.RUnlock()

	if len(handlers) == 0 {
		m.logger.Debug("Unhandled notification", "urc", ev.URC, "line", ev.Line)
		return
	}
	for _, h := range handlers {
		h(ev)
	}
}

// Loop is the main event loop that handles all transport I/O operations.
// It must be called exactly once after New() and before any other modem operations.
// The Loop coordinates all communication with the device:
//
// 1. Takes one command request from Exec() at a time
// 2. Writes the command (or raw payload) to the transport
// 3. Reads and classifies tokens from the transport
// 4. Hands notifications, in order, to the dispatch goroutine
// 5. Resolves the pending command on a terminator or on its timeout
//
// The Loop runs until the provided context is cancelled, the modem is
// closed or the transport fails. It's the ONLY goroutine that reads from
// the transport, so notifications arriving in the middle of an exchange
// are never lost.
//
// Usage:
//
//	m, err := New(ctx, config)
//	if err != nil { return err }
//
//	// Start the loop (typically in a goroutine)
//	go m.Loop(ctx)
//
//	// Now Exec() calls will work
//	reply, err := m.Exec(ctx, Command{Line: "AT"})
func (m *Modem) Loop(ctx context.Context) error {
	if !m.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer m.loopRunning.Store(false)

	if m.scanner == nil {
		return ErrNotInitialized
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	if m.loopCtx != nil {
		defer context.AfterFunc(m.loopCtx, stop)()
	}

	// Channels for tokens and errors from the scanner goroutine
	tokens := make(chan at.Event, 10)
	scanErrs := make(chan error, 1)

	go func() {
		defer close(tokens)
		for m.scanner.Scan() {
			ev := at.Classify(m.scanner.Bytes())
			if ev.Type == at.TypeData && ev.Line == "" {
				continue
			}
			select {
			case tokens <- ev:
			case <-ctx.Done():
				return
			}
		}
		// Scanner stopped - check if there was an error
		if err := m.scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				err = ErrLineTooLong
			}
			scanErrs <- err
		}
	}()

	events := make(chan at.Event, m.config.eventBuffer)
	defer close(events)
	go func() {
		for ev := range events {
			m.dispatch(ev)
		}
	}()

	// Current command being processed
	var (
		current      *commandRequest
		currentLines []string
		expired      <-chan struct{}
		// payloadSent is set once current's payload followed its prompt
		payloadSent bool
	)
	finish := func(resp commandResponse) {
		current.respChan <- resp
		current = nil
		currentLines = nil
		expired = nil
		payloadSent = false
	}

	for {
		// Only accept a new command once the previous one resolved
		var commands chan *commandRequest
		if current == nil {
			commands = m.commands
		}

		select {
		case <-ctx.Done():
			// Context cancelled - shut down gracefully
			if current != nil {
				finish(commandResponse{err: ctx.Err()})
			}
			return ctx.Err()

		case req := <-commands:
			if err := req.ctx.Err(); err != nil {
				req.respChan <- commandResponse{err: commandErr(req)}
				continue
			}
			m.logger.Debug("Sending command", "command", req.cmd.String())
			if _, err := m.transport.Write(req.cmd.wire()); err != nil {
				req.respChan <- commandResponse{err: fmt.Errorf("write command %q: %w", req.cmd, err)}
				continue
			}
			current = req
			expired = req.ctx.Done()

		case <-expired:
			// Command timed out or was cancelled
			m.logger.Debug("Command expired", "command", current.cmd.String(), "lines", currentLines)
			finish(commandResponse{reply: Reply{Lines: currentLines}, err: commandErr(current)})

		case ev, ok := <-tokens:
			if !ok {
				err := ctx.Err()
				select {
				case scanErr := <-scanErrs:
					if err == nil {
						err = fmt.Errorf("scanner error: %w", scanErr)
					}
				default:
					if err == nil {
						err = io.EOF
					}
				}
				if current != nil {
					finish(commandResponse{reply: Reply{Lines: currentLines}, err: err})
				}
				return err
			}
			switch ev.Type {
			case at.TypeURC:
				// URCs can arrive at any time, even during command execution
				select {
				case events <- ev:
				case <-ctx.Done():
				}

			case at.TypeData, at.TypePrompt:
				if current == nil {
					if urc, ok := at.Unsolicited(ev); ok {
						select {
						case events <- urc:
						case <-ctx.Done():
						}
						continue
					}
					// If no current command, ignore the data (orphaned)
					m.logger.Debug("Orphaned response", "line", ev.Line)
					continue
				}
				if ev.Type == at.TypePrompt && current.cmd.Payload != nil && !payloadSent {
					m.logger.Debug("Sending payload", "command", current.cmd.String())
					if _, err := m.transport.Write(current.cmd.Payload); err != nil {
						finish(commandResponse{
							reply: Reply{Lines: currentLines},
							err:   fmt.Errorf("write payload of %q: %w", current.cmd, err),
						})
						continue
					}
					payloadSent = true
					continue
				}
				terminators := current.cmd.terminators()
				if payloadSent {
					terminators = at.SendTerminators
				}
				if at.IsTerminator(ev.Line, terminators) {
					finish(commandResponse{reply: Reply{Result: ev.Line, Lines: currentLines}})
				} else if ev.Type == at.TypeData {
					currentLines = append(currentLines, ev.Line)
				}
			}
		}
	}
}

func commandErr(req *commandRequest) error {
	if errors.Is(req.ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, req.cmd)
	}
	return fmt.Errorf("command %s: %w", req.cmd, req.ctx.Err())
}

// Exec sends a command to the device and waits for one of its
// terminators. It coordinates with Loop() so only one exchange is ever in
// flight; concurrent callers wait their turn. The Loop() must be running
// before calling this method.
//
// A timeout is reported as ErrTimeout. Any terminator, including ERROR,
// resolves the exchange without error: callers inspect Reply.Result.
func (m *Modem) Exec(ctx context.Context, cmd Command) (Reply, error) {
	if m.closed.Load() {
		return Reply{}, ErrAlreadyClosed
	}

	if m.transport == nil {
		return Reply{}, ErrNotInitialized
	}

	// Apply per-command timeout
	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = m.config.atTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := &commandRequest{
		cmd:      cmd,
		respChan: make(chan commandResponse, 1), // Buffered to prevent blocking
		ctx:      ctx,
	}

	// Send request to Loop
	select {
	case m.commands <- req:
		// Request queued successfully
	case <-ctx.Done():
		return Reply{}, commandErr(req)
	}

	// Wait for response from Loop
	select {
	case resp := <-req.respChan:
		return resp.reply, resp.err
	case <-ctx.Done():
		select {
		case resp := <-req.respChan:
			return resp.reply, resp.err
		default:
			return Reply{}, commandErr(req)
		}
	}
}

// Close shuts down the modem and releases all resources.
// It stops the event loop, closes the transport connection, and marks
// the modem as closed. After calling Close(), the modem cannot be reused.
func (m *Modem) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}

	// Stop the Loop if it's running
	if m.loopCancel != nil {
		m.loopCancel()
	}

	if m.transport != nil {
		return m.transport.Close()
	}

	return nil
}

// init performs the initial handshake with the device. This method is
// called during New() and must complete successfully before the modem
// can be used.
func (m *Modem) init(ctx context.Context) error {
	// 1. Wake-up / sanity check
	if err := m.expectOkDirect(ctx, at.CmdAt); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}

	// 2. Plain responses without command echo
	if err := m.expectOkDirect(ctx, at.CmdEchoOff); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}

	return nil
}

// execDirect executes a command directly on the transport without
// using the channel mechanism and handles the complete request-response
// cycle including timeout management. It is used during modem initialization
// when not yet accepting commands.
//
// WARNING: This method should only be used during initialization.
// Use Exec() for normal operations.
func (m *Modem) execDirect(ctx context.Context, cmd string) (Reply, error) {
	if m.closed.Load() {
		return Reply{}, ErrAlreadyClosed
	}
	if m.transport == nil {
		return Reply{}, ErrNotInitialized
	}

	if _, ok := ctx.Deadline(); !ok && m.config.atTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.atTimeout)
		defer cancel()
	}

	if _, err := m.transport.Write(Command{Line: cmd}.wire()); err != nil {
		return Reply{}, fmt.Errorf("write command %q: %w", cmd, err)
	}

	var lines []string

	for {
		select {
		case <-ctx.Done():
			return Reply{Lines: lines}, ctx.Err()
		default:
		}
		if !m.scanner.Scan() {
			if err := m.scanner.Err(); err != nil {
				return Reply{Lines: lines}, fmt.Errorf("read error: %w", err)
			}
			return Reply{Lines: lines}, io.EOF
		}

		ev := at.Classify(m.scanner.Bytes())

		switch ev.Type {
		case at.TypeData:
			if ev.Line == "" {
				continue
			}
			if at.IsTerminator(ev.Line, at.DefaultTerminators) {
				return Reply{Result: ev.Line, Lines: lines}, nil
			}
			lines = append(lines, ev.Line)

		case at.TypeURC, at.TypePrompt:
			// Ignore notifications before the loop runs
			continue
		}
	}
}

// expectOkDirect executes a command and validates that the exchange
// ended with "OK".
//
// Used during initialization for basic configuration commands.
func (m *Modem) expectOkDirect(ctx context.Context, cmd string) error {
	reply, err := m.execDirect(ctx, cmd)
	if err != nil {
		return err
	}
	if !reply.OK() {
		return fmt.Errorf("unexpected response: %q", reply.Result)
	}
	return nil
}
