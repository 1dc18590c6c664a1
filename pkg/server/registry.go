package server

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/citycare/controlcenter/pkg/protocol"
)

var (
	// ErrNameTaken is returned when another live session holds the name
	ErrNameTaken = errors.New("username already in use")
	// ErrAlreadyLoggedIn is returned when a named session tries to log in again
	ErrAlreadyLoggedIn = errors.New("already logged in")
	// ErrInvalidName is returned for empty or over-long names
	ErrInvalidName = errors.New("invalid username")

	errNotRegistered = errors.New("session is not registered")
)

// Registry is the set of live sessions. All access goes through its
// methods; the underlying map is never handed out.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	metrics  *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
	}
}

// SetMetrics attaches metrics to the registry and its sessions.
// Must be called before the first Register.
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Register adds a session to the active set
func (r *Registry) Register(sess *Session) {
	sess.registry = r

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RecordActiveSessions(count)
	r.metrics.RecordSessionCreated()
	debugLog.Printf("Session %d registered (%s from %s)", sess.ID, sess.Transport, sess.RemoteAddr)
}

// Remove drops a session from the active set. It returns false if the
// session was not registered, so repeated calls are harmless.
func (r *Registry) Remove(sess *Session) bool {
	r.mu.Lock()
	if _, ok := r.sessions[sess.ID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sess.ID)
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RecordActiveSessions(count)
	log.Printf("[-] Client disconnected: %s (session %d)", sess.displayName(), sess.ID)
	return true
}

// IsNameTaken reports whether any live session holds name, ignoring case
func (r *Registry) IsNameTaken(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sess := range r.sessions {
		if strings.EqualFold(sess.Name(), name) {
			return true
		}
	}
	return false
}

// ClaimName sets the session's name if no other live session holds it.
// Check and set happen under one write lock, so of several concurrent
// claims for the same name at most one succeeds.
func (r *Registry) ClaimName(sess *Session, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sess.ID]; !ok {
		return errNotRegistered
	}
	if sess.Name() != "" {
		return ErrAlreadyLoggedIn
	}
	for id, other := range r.sessions {
		if id != sess.ID && strings.EqualFold(other.Name(), name) {
			return ErrNameTaken
		}
	}

	sess.mu.Lock()
	sess.name = name
	sess.mu.Unlock()
	return nil
}

// Broadcast sends msg to every live session except exclude (nil excludes
// nobody). The frame is encoded once and written outside the lock. It
// returns the number of sessions the frame was written to.
func (r *Registry) Broadcast(msg protocol.Message, exclude *Session) int {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		errorLog.Printf("Failed to encode %s broadcast: %v", msg.Kind(), err)
		return 0
	}

	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess != exclude {
			targets = append(targets, sess)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sess := range targets {
		if sess.sendEncoded(data) {
			delivered++
		}
	}
	return delivered
}

// FindByName returns the earliest-registered session whose name matches,
// ignoring case, or nil
func (r *Registry) FindByName(name string) *Session {
	if name == "" {
		return nil
	}
	for _, sess := range r.Snapshot() {
		if strings.EqualFold(sess.Name(), name) {
			return sess
		}
	}
	return nil
}

// Snapshot returns a copy of the live sessions ordered by ID
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// DisconnectAll disconnects every live session
func (r *Registry) DisconnectAll() {
	for _, sess := range r.Snapshot() {
		sess.Disconnect()
	}
}
