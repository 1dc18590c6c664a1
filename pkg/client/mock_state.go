package client

import (
	"sync"
)

// MockState is an in-memory test implementation of StateInterface
type MockState struct {
	mu     sync.RWMutex
	config map[string]string
	dir    string

	// Error injection
	setErr error
}

// NewMockState creates a new mock state
func NewMockState() *MockState {
	return &MockState{
		config: make(map[string]string),
		dir:    "/tmp/mock-state",
	}
}

// SetError makes every subsequent setter fail with err
func (s *MockState) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErr = err
}

func (s *MockState) get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config[key]
}

func (s *MockState) set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.config[key] = value
	return nil
}

func (s *MockState) GetLastNickname() string { return s.get(configLastNickname) }

func (s *MockState) SetLastNickname(nickname string) error {
	return s.set(configLastNickname, nickname)
}

func (s *MockState) GetLastServer() string { return s.get(configLastServer) }

func (s *MockState) SetLastServer(address string) error {
	return s.set(configLastServer, address)
}

func (s *MockState) GetStateDir() string { return s.dir }

func (s *MockState) Close() error { return nil }
