package ui

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/citycare/controlcenter/pkg/client"
	"github.com/citycare/controlcenter/pkg/incident"
	"github.com/citycare/controlcenter/pkg/protocol"
	"github.com/gen2brain/beeep"
)

const (
	maxLines     = 500
	storeTimeout = 5 * time.Second
	appTitle     = "CityCare"
)

// IncidentStore is the part of incident.Store the client uses
type IncidentStore interface {
	Create(ctx context.Context, inc *incident.Incident) error
	List(ctx context.Context) ([]*incident.Incident, error)
	ListPending(ctx context.Context) ([]*incident.Incident, error)
	Resolve(ctx context.Context, idOrPrefix string) (*incident.Incident, error)
	Delete(ctx context.Context, id string) error
	MarkSynced(ctx context.Context, id string) error
}

// Notifier shows a desktop notification
type Notifier func(title, body string) error

// DesktopNotifier sends notifications through the OS notification service
func DesktopNotifier(title, body string) error {
	return beeep.Notify(title, body, "")
}

type lineKind int

const (
	lineChat lineKind = iota
	lineOwn
	lineSystem
	lineError
	lineInfo
)

type chatLine struct {
	kind lineKind
	text string
	at   time.Time
}

// Model represents the application state
type Model struct {
	// Connection and state
	conn      client.ConnectionInterface
	state     client.StateInterface
	incidents IncidentStore
	notifier  Notifier // nil disables notifications
	logger    *log.Logger

	connState       client.State
	nickname        string // Confirmed by the server
	pendingNickname string // Sent in LOGIN, waiting for the welcome notice
	wantedNickname  string // Sent on every (re)connect

	// Incident summaries sent to the server, waiting for OnSent
	pendingSync map[string]string // payload -> incident ID

	// UI state
	width    int
	height   int
	viewport viewport.Model
	input    textinput.Model
	lines    []chatLine
	status   string
	ready    bool
	quitting bool
}

// NewModel creates the client UI. nickname, if set, is claimed on every
// connect.
func NewModel(conn client.ConnectionInterface, state client.StateInterface, incidents IncidentStore, notifier Notifier, logger *log.Logger, nickname string) Model {
	input := textinput.New()
	input.Placeholder = "Type a message or /help"
	input.Prompt = "> "
	input.CharLimit = 1000
	input.Focus()

	m := Model{
		conn:           conn,
		state:          state,
		incidents:      incidents,
		notifier:       notifier,
		logger:         logger,
		connState:      conn.State(),
		wantedNickname: strings.TrimSpace(nickname),
		pendingSync:    make(map[string]string),
		viewport:       viewport.New(80, 20),
		input:          input,
	}
	m.addLine(lineInfo, fmt.Sprintf("%s client. Connecting to %s...", appTitle, conn.Address()))
	return m
}

// Init starts the first connection attempt
func (m Model) Init() tea.Cmd {
	conn := m.conn
	return tea.Batch(textinput.Blink, func() tea.Msg {
		conn.Connect()
		return nil
	})
}

func (m *Model) logf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

func (m *Model) addLine(kind lineKind, text string) {
	m.lines = append(m.lines, chatLine{kind: kind, text: text, at: time.Now()})
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.buildLines())
	if atBottom || !m.ready {
		m.viewport.GotoBottom()
	}
}

func (m *Model) setStatus(format string, args ...interface{}) {
	m.status = fmt.Sprintf(format, args...)
}

// notify returns a command that shows a desktop notification, or nil
func (m Model) notify(body string) tea.Cmd {
	if m.notifier == nil {
		return nil
	}
	notifier := m.notifier
	logger := m.logger
	return func() tea.Msg {
		if err := notifier(appTitle, body); err != nil && logger != nil {
			logger.Printf("Failed to send desktop notification: %v", err)
		}
		return nil
	}
}

func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// Message types for bubbletea

// ConnectedMsg is sent when the connection is established
type ConnectedMsg struct{}

// DisconnectedMsg is sent when a live connection ends
type DisconnectedMsg struct {
	Reason string
}

// ConnectionErrorMsg is sent when a connection attempt fails
type ConnectionErrorMsg struct {
	Err error
}

// ServerMessageMsg wraps a message received from the server
type ServerMessageMsg struct {
	Msg protocol.Message
}

// SentMsg is sent once a message reached the wire
type SentMsg struct {
	Msg protocol.Message
}

// ErrorMsg represents a send or protocol error
type ErrorMsg struct {
	Err error
}

// Handlers forwards connection callbacks into the program. send is usually
// (*tea.Program).Send, which is safe to call from the connection's goroutines.
func Handlers(send func(tea.Msg)) client.Handlers {
	return client.Handlers{
		OnConnected:       func() { send(ConnectedMsg{}) },
		OnDisconnected:    func(reason string) { send(DisconnectedMsg{Reason: reason}) },
		OnConnectionError: func(err error) { send(ConnectionErrorMsg{Err: err}) },
		OnMessage:         func(msg protocol.Message) { send(ServerMessageMsg{Msg: msg}) },
		OnSent:            func(msg protocol.Message) { send(SentMsg{Msg: msg}) },
		OnError:           func(err error) { send(ErrorMsg{Err: err}) },
	}
}
