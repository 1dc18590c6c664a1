package client

import (
	"sync"

	"github.com/citycare/controlcenter/pkg/protocol"
)

// MockConnection is a test implementation of ConnectionInterface. It never
// touches the network and fires no callbacks; tests drive events directly.
type MockConnection struct {
	mu sync.RWMutex

	address      string
	state        State
	closed       bool
	connectCalls int

	// Sent messages for verification
	Sent []protocol.Message
}

// NewMockConnection creates a new mock connection
func NewMockConnection(address string) *MockConnection {
	return &MockConnection{address: address}
}

// Connect simulates a successful connection
func (m *MockConnection) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls++
	if !m.closed {
		m.state = StateConnected
	}
}

func (m *MockConnection) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisconnected
}

func (m *MockConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisconnected
	m.closed = true
}

func (m *MockConnection) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateConnected
}

func (m *MockConnection) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SetState forces the connection state
func (m *MockConnection) SetState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

func (m *MockConnection) Address() string {
	return m.address
}

// ConnectCalls returns how many times Connect was called
func (m *MockConnection) ConnectCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectCalls
}

// Send records msg
func (m *MockConnection) Send(msg protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, msg)
}

func (m *MockConnection) Login(name string) {
	m.Send(protocol.Login{Name: name})
}

func (m *MockConnection) Chat(text string) {
	m.Send(protocol.Chat{Text: text})
}

func (m *MockConnection) Logout() {
	m.Send(protocol.Logout{})
}

// SentMessages returns a copy of everything sent so far
func (m *MockConnection) SentMessages() []protocol.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]protocol.Message(nil), m.Sent...)
}
