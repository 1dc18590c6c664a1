package client

import (
	"errors"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/citycare/controlcenter/pkg/protocol"
	"github.com/citycare/controlcenter/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventTimeout = 3 * time.Second

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type event struct {
	kind   string // connected, disconnected, connection_error, message, sent, error
	reason string
	err    error
	msg    protocol.Message
}

// recorder collects callbacks in the order they fire
type recorder struct {
	events chan event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan event, 256)}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnConnected:       func() { r.events <- event{kind: "connected"} },
		OnDisconnected:    func(reason string) { r.events <- event{kind: "disconnected", reason: reason} },
		OnConnectionError: func(err error) { r.events <- event{kind: "connection_error", err: err} },
		OnMessage:         func(msg protocol.Message) { r.events <- event{kind: "message", msg: msg} },
		OnSent:            func(msg protocol.Message) { r.events <- event{kind: "sent", msg: msg} },
		OnError:           func(err error) { r.events <- event{kind: "error", err: err} },
	}
}

// next returns the next event of the given kind, skipping others
func (r *recorder) next(t *testing.T, kind string) event {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case ev := <-r.events:
			if ev.kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return event{}
		}
	}
}

// nextMessage returns the next received message, skipping other events
func (r *recorder) nextMessage(t *testing.T) protocol.Message {
	t.Helper()
	return r.next(t, "message").msg
}

func (r *recorder) expectNone(t *testing.T, kind string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case ev := <-r.events:
			if ev.kind == kind {
				t.Fatalf("unexpected %s event: %+v", kind, ev)
			}
		case <-deadline:
			return
		}
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func startServer(t *testing.T, configure func(*server.ServerConfig)) *server.Server {
	t.Helper()
	config := server.DefaultConfig()
	config.TCPPort = 0
	config.MetricsPort = 0
	config.WriteTimeoutSeconds = 2
	config.SSHHostKeyPath = filepath.Join(t.TempDir(), "ssh_host_key")
	if configure != nil {
		configure(&config)
	}

	srv := server.NewServer(config)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func localAddr(addr net.Addr) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.(*net.TCPAddr).Port))
}

func connectTo(t *testing.T, addr string) (*Connection, *recorder) {
	t.Helper()
	rec := newRecorder()
	conn, err := NewConnection(addr, rec.handlers())
	require.NoError(t, err)
	conn.SetDialTimeout(2 * time.Second)
	t.Cleanup(conn.Close)

	conn.Connect()
	rec.next(t, "connected")
	assert.True(t, conn.IsConnected())
	assert.Equal(t, StateConnected, conn.State())

	welcome := rec.nextMessage(t)
	assert.Equal(t, protocol.System{Text: server.DefaultConfig().WelcomeMessage}, welcome)
	return conn, rec
}

func loginAs(t *testing.T, conn *Connection, rec *recorder, name string) {
	t.Helper()
	conn.Login(name)
	assert.Equal(t, protocol.Login{Name: name}, rec.next(t, "sent").msg)
	assert.Equal(t, protocol.System{Text: "Connection successful. Welcome, " + name + "!"}, rec.nextMessage(t))
}

func TestConnectLoginAndChat(t *testing.T) {
	srv := startServer(t, nil)
	addr := localAddr(srv.Addr())

	alice, aliceEvents := connectTo(t, addr)
	loginAs(t, alice, aliceEvents, "alice")

	bob, bobEvents := connectTo(t, addr)
	loginAs(t, bob, bobEvents, "bob")
	assert.Equal(t, protocol.System{Text: "bob has connected"}, aliceEvents.nextMessage(t))

	alice.Chat("pothole on Main St")
	assert.Equal(t, protocol.Chat{Text: "pothole on Main St"}, bobEvents.nextMessage(t))
	aliceEvents.expectNone(t, "message", 200*time.Millisecond)

	assert.Greater(t, alice.BytesSent(), uint64(0))
	assert.Greater(t, bob.BytesReceived(), uint64(0))
}

func TestSendWhileDisconnectedReportsError(t *testing.T) {
	rec := newRecorder()
	conn, err := NewConnection("127.0.0.1:1", rec.handlers())
	require.NoError(t, err)
	defer conn.Close()

	conn.Chat("hello")
	ev := rec.next(t, "error")
	assert.ErrorIs(t, ev.err, ErrNotConnected)
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnectFailureReportsConnectionError(t *testing.T) {
	rec := newRecorder()
	conn, err := NewConnection(net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t))), rec.handlers())
	require.NoError(t, err)
	conn.SetDialTimeout(time.Second)
	defer conn.Close()

	conn.Connect()
	ev := rec.next(t, "connection_error")
	assert.Error(t, ev.err)
	assert.Equal(t, StateDisconnected, conn.State())
	assert.False(t, conn.IsConnected())

	// A failed attempt leaves the manager ready to retry
	conn.Connect()
	rec.next(t, "connection_error")
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	srv := startServer(t, nil)
	conn, rec := connectTo(t, localAddr(srv.Addr()))

	conn.Connect()
	rec.expectNone(t, "connected", 200*time.Millisecond)
	assert.True(t, conn.IsConnected())
	assert.Equal(t, 1, srv.Registry().Count())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := startServer(t, nil)
	conn, rec := connectTo(t, localAddr(srv.Addr()))

	conn.Disconnect()
	ev := rec.next(t, "disconnected")
	assert.Equal(t, DisconnectedManually, ev.reason)
	assert.False(t, conn.IsConnected())

	conn.Disconnect()
	rec.expectNone(t, "disconnected", 200*time.Millisecond)

	require.Eventually(t, func() bool { return srv.Registry().Count() == 0 }, eventTimeout, 10*time.Millisecond)
}

func TestDisconnectBeforeConnectFiresNothing(t *testing.T) {
	rec := newRecorder()
	conn, err := NewConnection("127.0.0.1:1", rec.handlers())
	require.NoError(t, err)

	conn.Disconnect()
	conn.Close()
	rec.expectNone(t, "disconnected", 100*time.Millisecond)
}

func TestSendAfterCloseIsDropped(t *testing.T) {
	srv := startServer(t, nil)
	conn, rec := connectTo(t, localAddr(srv.Addr()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				conn.Chat("status update")
			}
		}()
	}
	conn.Close()
	wg.Wait()

	// Drain whatever raced with Close, then nothing more may arrive
	rec.expectNone(t, "connected", 100*time.Millisecond)
	conn.Chat("too late")
	conn.Login("late")
	rec.expectNone(t, "error", 100*time.Millisecond)
	rec.expectNone(t, "sent", 100*time.Millisecond)
	assert.False(t, conn.IsConnected())

	conn.Connect()
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestReconnectAfterDisconnect(t *testing.T) {
	srv := startServer(t, nil)
	conn, rec := connectTo(t, localAddr(srv.Addr()))

	conn.Disconnect()
	rec.next(t, "disconnected")

	conn.Connect()
	rec.next(t, "connected")
	assert.Equal(t, protocol.System{Text: server.DefaultConfig().WelcomeMessage}, rec.nextMessage(t))
}

func TestServerStopFiresDisconnected(t *testing.T) {
	srv := startServer(t, nil)
	conn, rec := connectTo(t, localAddr(srv.Addr()))

	srv.Stop()
	ev := rec.next(t, "disconnected")
	assert.NotEqual(t, DisconnectedManually, ev.reason)
	assert.False(t, conn.IsConnected())
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestDuplicateNameNoticeThenDisconnect(t *testing.T) {
	srv := startServer(t, nil)
	addr := localAddr(srv.Addr())

	first, firstEvents := connectTo(t, addr)
	loginAs(t, first, firstEvents, "Dispatch")

	second, secondEvents := connectTo(t, addr)
	second.Login("dispatch")
	assert.Equal(t, protocol.System{Text: "Error: username already in use"}, secondEvents.nextMessage(t))
	ev := secondEvents.next(t, "disconnected")
	assert.Equal(t, "connection closed by server", ev.reason)
}

func TestLogoutClosesSession(t *testing.T) {
	srv := startServer(t, nil)
	addr := localAddr(srv.Addr())

	alice, aliceEvents := connectTo(t, addr)
	loginAs(t, alice, aliceEvents, "alice")
	bob, bobEvents := connectTo(t, addr)
	loginAs(t, bob, bobEvents, "bob")
	aliceEvents.nextMessage(t) // bob has connected

	bob.Logout()
	assert.Equal(t, protocol.System{Text: "bob has disconnected"}, aliceEvents.nextMessage(t))
	bobEvents.next(t, "disconnected")
}

func TestConcurrentSendsKeepFramesWhole(t *testing.T) {
	srv := startServer(t, nil)
	addr := localAddr(srv.Addr())

	sender, senderEvents := connectTo(t, addr)
	loginAs(t, sender, senderEvents, "sender")
	_, receiverEvents := connectTo(t, addr)

	const count = 50
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender.Chat("report " + strconv.Itoa(i))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < count; i++ {
		msg := receiverEvents.nextMessage(t)
		chat, ok := msg.(protocol.Chat)
		require.True(t, ok, "unexpected %T", msg)
		seen[chat.Text] = true
	}
	assert.Len(t, seen, count)
}

func TestSSHTransport(t *testing.T) {
	t.Setenv("CITYCARE_KNOWN_HOSTS", filepath.Join(t.TempDir(), "known_hosts"))
	sshPort := freePort(t)
	srv := startServer(t, func(c *server.ServerConfig) { c.SSHPort = sshPort })

	addr := "ssh://operator@" + localAddr(srv.SSHAddr())
	alice, aliceEvents := connectTo(t, addr)
	loginAs(t, alice, aliceEvents, "alice")

	bob, bobEvents := connectTo(t, localAddr(srv.Addr()))
	loginAs(t, bob, bobEvents, "bob")

	bob.Chat("over tcp")
	assert.Equal(t, protocol.System{Text: "bob has connected"}, aliceEvents.nextMessage(t))
	assert.Equal(t, protocol.Chat{Text: "over tcp"}, aliceEvents.nextMessage(t))

	// The pinned host key lets a second connection through
	again, _ := connectTo(t, addr)
	again.Disconnect()
}

func TestSSHPasswordRequired(t *testing.T) {
	t.Setenv("CITYCARE_KNOWN_HOSTS", filepath.Join(t.TempDir(), "known_hosts"))
	hash, err := server.HashPassword("s3cret")
	require.NoError(t, err)
	sshPort := freePort(t)
	srv := startServer(t, func(c *server.ServerConfig) {
		c.SSHPort = sshPort
		c.SSHPasswordHash = hash
	})
	hostPort := localAddr(srv.SSHAddr())

	rec := newRecorder()
	conn, err := NewConnection("ssh://operator@"+hostPort, rec.handlers())
	require.NoError(t, err)
	defer conn.Close()
	conn.Connect()
	ev := rec.next(t, "connection_error")
	assert.Contains(t, ev.err.Error(), "authentication failed")

	connectTo(t, "ssh://operator:s3cret@"+hostPort)
}

func TestWebSocketTransport(t *testing.T) {
	httpPort := freePort(t)
	srv := startServer(t, func(c *server.ServerConfig) { c.HTTPPort = httpPort })

	addr := "ws://" + localAddr(srv.WebSocketAddr())
	alice, aliceEvents := connectTo(t, addr)
	assert.Equal(t, addr+"/ws", alice.Address())
	loginAs(t, alice, aliceEvents, "alice")

	bob, bobEvents := connectTo(t, localAddr(srv.Addr()))
	loginAs(t, bob, bobEvents, "bob")
	assert.Equal(t, protocol.System{Text: "bob has connected"}, aliceEvents.nextMessage(t))

	alice.Chat("via websocket")
	assert.Equal(t, protocol.Chat{Text: "via websocket"}, bobEvents.nextMessage(t))
}

func TestNilHandlersAreSkipped(t *testing.T) {
	srv := startServer(t, nil)
	conn, err := NewConnection(localAddr(srv.Addr()), Handlers{})
	require.NoError(t, err)

	conn.Connect()
	require.Eventually(t, conn.IsConnected, eventTimeout, 10*time.Millisecond)
	conn.Chat("nobody listens")
	conn.Close()
	assert.False(t, conn.IsConnected())

	// Closed connections stay closed
	conn.Connect()
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "state(9)", State(9).String())
	assert.True(t, errors.Is(ErrNotConnected, ErrNotConnected))
}
