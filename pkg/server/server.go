package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/citycare/controlcenter/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server is the control center: it accepts client connections, keeps the
// session registry and relays chat between sessions
type Server struct {
	config   ServerConfig
	registry *Registry
	metrics  *Metrics
	shutdown chan struct{}
	wg       sync.WaitGroup

	running   atomic.Bool
	stopOnce  sync.Once
	nextID    atomic.Uint64
	startTime time.Time

	mu            sync.Mutex // Protects the listeners and HTTP servers below
	listener      net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	httpAddr      net.Addr
	metricsServer *http.Server
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort             int
	SSHPort             int // 0 = disabled
	HTTPPort            int // Public HTTP port for /ws (0 = disabled)
	MetricsPort         int // Internal /metrics and /health (0 = disabled)
	SSHHostKeyPath      string
	SSHPasswordHash     string // bcrypt hash; empty accepts any SSH client
	WelcomeMessage      string
	MaxNameLength       int
	WriteTimeoutSeconds int
	ConsolePrompt       string
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:             5555,
		SSHPort:             0,
		HTTPPort:            0,
		MetricsPort:         9090,
		SSHHostKeyPath:      "~/.citycare/ssh_host_key",
		WelcomeMessage:      "Welcome to the CityCare Control Center",
		MaxNameLength:       32,
		WriteTimeoutSeconds: 10,
		ConsolePrompt:       "[ControlCenter]> ",
	}
}

// NewServer creates a server. Nothing is bound until Start.
func NewServer(config ServerConfig) *Server {
	metrics := NewMetrics()
	registry := NewRegistry()
	registry.SetMetrics(metrics)

	return &Server{
		config:    config,
		registry:  registry,
		metrics:   metrics,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "citycare")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "citycare")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// InitLoggers sends the standard log to stdout and server.log, and the
// error log to stderr and errors.log. With debug set, debug lines go to
// debug.log; otherwise they are discarded.
func InitLoggers(debug bool) error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker separates runs in the appended log
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// server.log is truncated so it only covers the current run
	serverLogFile, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	if debug {
		debugLogFile, err := os.OpenFile(filepath.Join(dataDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return err
		}
		debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
		debugLog.Println("Debug logging enabled")
	}

	return nil
}

// Registry returns the live session registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server's metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Config returns the configuration the server was created with
func (s *Server) Config() ServerConfig {
	return s.config
}

// IsRunning reports whether Start succeeded and Stop has not been called
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SSHAddr returns the SSH listener address, or nil if SSH is disabled
func (s *Server) SSHAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// WebSocketAddr returns the public HTTP listener address, or nil if it is disabled
func (s *Server) WebSocketAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// Start binds the TCP port and the optional SSH, WebSocket and metrics
// listeners, then starts accepting connections
func (s *Server) Start() error {
	select {
	case <-s.shutdown:
		return errors.New("server already stopped")
	default:
	}
	if s.running.Load() {
		return errors.New("server already running")
	}

	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.running.Store(true)

	log.Printf("Control center listening on %s", listener.Addr())

	if err := s.startSSHServer(); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startWebSocketServer(); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}

	s.startMetricsServer()

	s.wg.Add(1)
	go s.acceptLoop(listener)

	return nil
}

// startWebSocketServer serves /ws on the public HTTP port
func (s *Server) startWebSocketServer() error {
	if s.config.HTTPPort <= 0 {
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.httpServer = srv
	s.httpAddr = listener.Addr()
	s.mu.Unlock()

	log.Printf("Public HTTP server listening on %s (/ws)", listener.Addr())
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("Public HTTP server error: %v", err)
		}
	}()
	return nil
}

// startMetricsServer serves /metrics and /health. Internal only, never
// expose this port publicly. A bind failure is logged, not fatal.
func (s *Server) startMetricsServer() {
	if s.config.MetricsPort <= 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)

	addr := fmt.Sprintf(":%d", s.config.MetricsPort)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.metricsServer = srv
	s.mu.Unlock()

	go func() {
		log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server error: %v", err)
		}
	}()
}

// Stop shuts the server down: the running flag is cleared, listeners are
// closed, every session is disconnected, and Stop waits for the server's
// goroutines. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		log.Println("Stopping control center...")

		s.running.Store(false)
		close(s.shutdown)

		s.mu.Lock()
		listener, sshListener := s.listener, s.sshListener
		httpServer, metricsServer := s.httpServer, s.metricsServer
		s.mu.Unlock()

		if listener != nil {
			listener.Close()
			log.Println("TCP listener closed")
		}
		if sshListener != nil {
			sshListener.Close()
			log.Println("SSH listener closed")
		}

		if count := s.registry.Count(); count > 0 {
			log.Printf("Disconnecting %d client(s)...", count)
		}
		s.registry.DisconnectAll()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range []*http.Server{httpServer, metricsServer} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(ctx); err != nil {
				errorLog.Printf("HTTP server shutdown: %v", err)
			}
		}

		s.wg.Wait()
		log.Println("Control center stopped")
	})
}

// acceptLoop accepts incoming TCP connections until the listener closes
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			continue
		}

		// Disable Nagle's algorithm so small frames go out immediately
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn, "tcp")
		}()
	}
}

// serveConn registers a session for conn and runs its message loop until
// the session disconnects. Every transport ends up here.
func (s *Server) serveConn(conn net.Conn, transport string) {
	sess := NewSession(s.nextID.Add(1), conn, transport, s.writeTimeout())
	s.registry.Register(sess)

	// Stop may have snapshotted the registry before we registered
	if !s.running.Load() {
		sess.Disconnect()
		return
	}

	log.Printf("[+] New %s connection from %s (session %d)", transport, sess.RemoteAddr, sess.ID)
	s.messageLoop(sess)
}

func (s *Server) writeTimeout() time.Duration {
	return time.Duration(s.config.WriteTimeoutSeconds) * time.Second
}

// messageLoop sends the welcome notice then handles frames until the
// session disconnects or a read fails
func (s *Server) messageLoop(sess *Session) {
	defer sess.Disconnect()

	sess.Send(protocol.System{Text: s.config.WelcomeMessage})

	for sess.IsConnected() {
		msg, err := sess.Conn.ReadMessage()
		if err != nil {
			// A kicked or stopped session has already been logged
			if sess.IsConnected() {
				if errors.Is(err, io.EOF) {
					debugLog.Printf("Session %d: client closed the connection", sess.ID)
				} else {
					log.Printf("[!] Error with client %s (session %d): %v", sess.displayName(), sess.ID, err)
				}
			}
			return
		}

		debugLog.Printf("Session %d <- RECV: kind=%s len=%d", sess.ID, msg.Kind(), len(msg.Payload()))
		s.metrics.RecordFrameReceived(msg.Kind())

		s.handleMessage(sess, msg)
	}
}
