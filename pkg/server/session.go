package server

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/citycare/controlcenter/pkg/protocol"
)

// unknownName is shown in logs for sessions that have not logged in yet
const unknownName = "Unknown"

// Session represents one live client connection
type Session struct {
	ID          uint64
	Conn        *SafeConn // Connection with automatic write synchronization
	RemoteAddr  string
	Transport   string // "tcp", "ssh" or "websocket"
	ConnectedAt time.Time

	mu   sync.RWMutex // Protects name
	name string

	connected atomic.Bool
	registry  *Registry // Non-owning back reference, used by Disconnect
}

// NewSession wraps conn in a connected session. The session is not
// registered; the caller hands it to Registry.Register.
func NewSession(id uint64, conn net.Conn, transport string, writeTimeout time.Duration) *Session {
	sess := &Session{
		ID:          id,
		Conn:        NewSafeConn(conn, writeTimeout),
		RemoteAddr:  conn.RemoteAddr().String(),
		Transport:   transport,
		ConnectedAt: time.Now(),
	}
	sess.connected.Store(true)
	return sess
}

// Name returns the display name, or "" before a successful login
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// displayName returns the name for log lines
func (s *Session) displayName() string {
	if name := s.Name(); name != "" {
		return name
	}
	return unknownName
}

// IsConnected reports whether Disconnect has not been called yet
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// Send writes one frame if the session is still connected. Failures are
// logged and swallowed; the return value reports whether the frame was written.
func (s *Session) Send(msg protocol.Message) bool {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		errorLog.Printf("Session %d: failed to encode %s frame: %v", s.ID, msg.Kind(), err)
		return false
	}
	return s.sendEncoded(data)
}

// sendEncoded writes a pre-encoded frame
func (s *Session) sendEncoded(data []byte) bool {
	if !s.IsConnected() {
		return false
	}

	if err := s.Conn.WriteBytes(data); err != nil {
		// A peer that vanished mid-broadcast is routine, not an error
		debugLog.Printf("Session %d (%s): send failed: %v", s.ID, s.displayName(), err)
		s.metrics().RecordSendError()
		return false
	}
	s.metrics().RecordFrameSent()
	return true
}

// Disconnect closes the transport and removes the session from its
// registry. Safe to call more than once and from several goroutines; only
// the first call has any effect.
func (s *Session) Disconnect() {
	if !s.connected.CompareAndSwap(true, false) {
		return
	}

	if err := s.Conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("Session %d (%s): error closing connection: %v", s.ID, s.displayName(), err)
	}

	if s.registry != nil {
		s.registry.Remove(s)
	}
}

func (s *Session) metrics() *Metrics {
	if s.registry == nil {
		return nil
	}
	return s.registry.metrics
}
