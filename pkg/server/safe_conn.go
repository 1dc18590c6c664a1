package server

import (
	"net"
	"sync"
	"time"

	"github.com/citycare/controlcenter/pkg/protocol"
)

// SafeConn wraps a net.Conn so that whole frames are written atomically.
//
// A session is written to by its own handler (confirmations, errors) and by
// every other session's broadcasts. Without the mutex two frames could
// interleave on the wire and the peer would lose framing.
type SafeConn struct {
	conn         net.Conn
	mu           sync.Mutex // Protects writes to conn
	writeTimeout time.Duration
}

// NewSafeConn wraps a net.Conn with write synchronization. A zero
// writeTimeout means writes never time out.
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// WriteMessage encodes and sends one message frame
func (sc *SafeConn) WriteMessage(msg protocol.Message) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// ReadMessage reads one frame from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadMessage() (protocol.Message, error) {
	return protocol.ReadMessage(sc.conn)
}

// WriteBytes writes a pre-encoded frame. Used by broadcasts, which encode
// once and write the same bytes to every recipient.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.writeTimeout > 0 {
		// Transports without deadline support return an error we can ignore
		_ = sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
	}
	_, err := sc.conn.Write(data)
	return err
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
