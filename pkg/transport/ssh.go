package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHChannelConn adapts an SSH session channel to net.Conn. One channel
// carries one chat session, so closing it also closes the SSH connection
// underneath.
type SSHChannelConn struct {
	channel ssh.Channel
	conn    io.Closer
	local   net.Addr
	remote  net.Addr
	once    sync.Once
}

// NewSSHChannelConn wraps channel. conn is the SSH connection that owns
// it (an *ssh.Client or *ssh.ServerConn).
func NewSSHChannelConn(channel ssh.Channel, conn ssh.Conn) *SSHChannelConn {
	return &SSHChannelConn{
		channel: channel,
		conn:    conn,
		local:   conn.LocalAddr(),
		remote:  conn.RemoteAddr(),
	}
}

func (c *SSHChannelConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *SSHChannelConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *SSHChannelConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.conn.Close()
	})
	return err
}

func (c *SSHChannelConn) LocalAddr() net.Addr {
	return c.local
}

func (c *SSHChannelConn) RemoteAddr() net.Addr {
	return c.remote
}

// SSH channels have no deadlines
func (c *SSHChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *SSHChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *SSHChannelConn) SetWriteDeadline(t time.Time) error { return nil }
