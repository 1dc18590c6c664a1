package client

import (
	"github.com/citycare/controlcenter/pkg/protocol"
)

// ConnectionInterface defines the interface for client connections
// This allows for mocking in tests while the real Connection implements all these methods
type ConnectionInterface interface {
	// Connection management
	Connect()
	Disconnect()
	Close()
	IsConnected() bool
	State() State
	Address() string

	// Message sending
	Send(msg protocol.Message)
	Login(name string)
	Chat(text string)
	Logout()
}

// StateInterface defines the interface for client state persistence
type StateInterface interface {
	GetLastNickname() string
	SetLastNickname(nickname string) error
	GetLastServer() string
	SetLastServer(address string) error
	GetStateDir() string
	Close() error
}
