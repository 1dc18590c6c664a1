package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/citycare/controlcenter/pkg/protocol"
)

// ErrNotConnected is reported through OnError when sending without a live connection
var ErrNotConnected = errors.New("not connected to server")

// DisconnectedManually is the OnDisconnected reason after Disconnect or Close
const DisconnectedManually = "disconnected manually"

const defaultDialTimeout = 5 * time.Second

// State is the lifecycle of a Connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handlers receive connection events. Every callback runs on a goroutine
// owned by the Connection, never on the goroutine that called Connect, Send
// or Disconnect. Callbacks for one connection may run concurrently. Nil
// fields are skipped.
type Handlers struct {
	OnConnected       func()
	OnDisconnected    func(reason string)
	OnConnectionError func(err error)
	OnMessage         func(msg protocol.Message)
	OnSent            func(msg protocol.Message)
	OnError           func(err error)
}

func (h Handlers) connected() {
	if h.OnConnected != nil {
		h.OnConnected()
	}
}

func (h Handlers) disconnected(reason string) {
	if h.OnDisconnected != nil {
		h.OnDisconnected(reason)
	}
}

func (h Handlers) connectionError(err error) {
	if h.OnConnectionError != nil {
		h.OnConnectionError(err)
	}
}

func (h Handlers) message(msg protocol.Message) {
	if h.OnMessage != nil {
		h.OnMessage(msg)
	}
}

func (h Handlers) sent(msg protocol.Message) {
	if h.OnSent != nil {
		h.OnSent(msg)
	}
}

func (h Handlers) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Connection manages one client connection to the control center: an
// asynchronous connect, a receive goroutine and one goroutine per send.
type Connection struct {
	addr     string
	dial     dialFunc
	handlers Handlers

	dialTimeout time.Duration
	logger      *log.Logger

	mu     sync.Mutex // Protects state, conn and closed
	state  State
	conn   net.Conn
	closed bool

	writeMu sync.Mutex // Serializes whole frames on the transport

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	wg sync.WaitGroup
}

// NewConnection creates a disconnected manager for addr. See
// parseServerAddress for the accepted address forms.
func NewConnection(addr string, handlers Handlers) (*Connection, error) {
	dialConfig, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:        dialConfig.display,
		dial:        dialConfig.dial,
		handlers:    handlers,
		dialTimeout: defaultDialTimeout,
	}, nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetDialTimeout bounds each connection attempt
func (c *Connection) SetDialTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.dialTimeout = timeout
	}
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// dispatchLocked runs a callback on a connection-owned goroutine. c.mu must
// be held so that no goroutine is added once Close has started waiting.
func (c *Connection) dispatchLocked(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Connect starts an asynchronous connection attempt. It is a no-op while
// connecting, connected or after Close.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logf("Connect ignored: connection is closed")
		return
	}
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		c.logf("Connect ignored: already %s", state)
		return
	}
	c.state = StateConnecting
	c.wg.Add(1)
	c.mu.Unlock()

	c.logf("Connecting to %s", c.addr)
	go c.connect()
}

func (c *Connection) connect() {
	defer c.wg.Done()

	conn, err := c.dial(c.dialTimeout)

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect won the race and already reported it
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.logf("Connection to %s failed: %v", c.addr, err)
		c.handlers.connectionError(fmt.Errorf("failed to connect to %s: %w", c.addr, err))
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.logf("Connected to %s", c.addr)
	c.handlers.connected()

	c.wg.Add(1)
	go c.readLoop(conn)
}

func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()

	reader := bufio.NewReader(&countingReader{r: conn, counter: &c.bytesReceived})
	for {
		msg, err := protocol.ReadMessage(reader)
		if errors.Is(err, protocol.ErrInvalidUTF8) {
			// The frame was consumed whole, so the stream is still aligned
			c.handlers.error(fmt.Errorf("dropped frame: %w", err))
			continue
		}
		if err != nil {
			c.mu.Lock()
			if c.conn != conn || c.state != StateConnected {
				// Disconnect closed the transport under us
				c.mu.Unlock()
				return
			}
			c.state = StateDisconnected
			c.conn = nil
			c.mu.Unlock()

			conn.Close()

			reason := fmt.Sprintf("connection lost: %v", err)
			if errors.Is(err, io.EOF) {
				reason = "connection closed by server"
			}
			c.logf("Disconnected from %s: %s", c.addr, reason)
			c.handlers.disconnected(reason)
			return
		}

		c.logf("← RECV: %s %q", msg.Kind(), msg.Payload())
		c.handlers.message(msg)
	}
}

// Send writes msg on its own goroutine and reports OnSent or OnError.
// Whole frames never interleave; concurrent sends have no defined order.
func (c *Connection) Send(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.logf("Send ignored: connection is closed")
		return
	}

	conn := c.conn
	if c.state != StateConnected || conn == nil {
		c.dispatchLocked(func() { c.handlers.error(ErrNotConnected) })
		return
	}

	c.dispatchLocked(func() {
		c.writeMu.Lock()
		err := protocol.WriteMessage(&countingWriter{w: conn, counter: &c.bytesSent}, msg)
		c.writeMu.Unlock()

		if err != nil {
			c.logf("Send failed: %v", err)
			c.handlers.error(fmt.Errorf("send failed: %w", err))
			return
		}
		c.logf("→ SEND: %s %q", msg.Kind(), msg.Payload())
		c.handlers.sent(msg)
	})
}

// Login asks the server to claim name for this session
func (c *Connection) Login(name string) {
	c.Send(protocol.Login{Name: name})
}

// Chat sends text to every other session
func (c *Connection) Chat(text string) {
	c.Send(protocol.Chat{Text: text})
}

// Logout announces departure; the server then closes the session
func (c *Connection) Logout() {
	c.Send(protocol.Logout{})
}

// Disconnect stops receiving and closes the transport. OnDisconnected
// fires only if the connection was connecting or connected.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	// Counted before unlocking so a concurrent Close waits for the callback
	c.wg.Add(1)
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logf("Close error: %v", err)
		}
	}

	c.logf("Disconnected from %s", c.addr)
	go func() {
		defer c.wg.Done()
		c.handlers.disconnected(DisconnectedManually)
	}()
}

// Close disconnects and waits for every connection goroutine, including
// pending callbacks, to finish. The connection cannot be reused; later
// sends are dropped without callbacks.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Disconnect()
	c.wg.Wait()
}

// IsConnected reports a live, open transport
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.conn != nil && !c.closed
}

// State returns the current lifecycle state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Address returns the server address with its scheme
func (c *Connection) Address() string {
	return c.addr
}

// BytesSent returns the number of bytes written to the wire
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the number of bytes read from the wire
func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}
