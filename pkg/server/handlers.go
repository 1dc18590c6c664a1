package server

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/citycare/controlcenter/pkg/protocol"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// handleMessage dispatches a decoded frame
func (s *Server) handleMessage(sess *Session, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Login:
		s.handleLogin(sess, m)
	case protocol.Chat:
		s.handleChat(sess, m)
	case protocol.Logout:
		s.handleLogout(sess)
	default:
		// Untagged lines and client-sent SYSTEM frames are logged, never relayed
		log.Printf("[%s]: %s", sess.displayName(), m.Payload())
	}
}

// validateName checks a trimmed display name
func (s *Server) validateName(name string) error {
	// max counts runes for strings
	rule := fmt.Sprintf("required,max=%d", s.config.MaxNameLength)
	if err := validate.Var(name, rule); err != nil {
		if name == "" {
			return fmt.Errorf("%w: name is empty", ErrInvalidName)
		}
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidName, s.config.MaxNameLength)
	}
	return nil
}

func (s *Server) handleLogin(sess *Session, m protocol.Login) {
	name := strings.TrimSpace(m.Name)

	if err := s.validateName(name); err != nil {
		s.metrics.RecordLoginRejected("invalid")
		log.Printf("[!] Session %d: rejected login %q: %v", sess.ID, m.Name, err)
		sess.Send(protocol.System{Text: "Error: " + err.Error()})
		sess.Disconnect()
		return
	}

	err := s.registry.ClaimName(sess, name)
	switch {
	case errors.Is(err, ErrNameTaken):
		s.metrics.RecordLoginRejected("taken")
		log.Printf("[!] Session %d: name %q already in use", sess.ID, name)
		sess.Send(protocol.System{Text: "Error: username already in use"})
		sess.Disconnect()
		return
	case errors.Is(err, ErrAlreadyLoggedIn):
		s.metrics.RecordLoginRejected("relogin")
		sess.Send(protocol.System{Text: "Error: already logged in as " + sess.Name()})
		return
	case err != nil:
		// Session went away while the frame was being handled
		debugLog.Printf("Session %d: login dropped: %v", sess.ID, err)
		return
	}

	log.Printf("[+] Client registered: %s (session %d)", name, sess.ID)
	sess.Send(protocol.System{Text: "Connection successful. Welcome, " + name + "!"})
	s.registry.Broadcast(protocol.System{Text: name + " has connected"}, sess)
}

func (s *Server) handleChat(sess *Session, m protocol.Chat) {
	log.Printf("[%s]: %s", sess.displayName(), m.Text)
	s.registry.Broadcast(m, sess)
}

func (s *Server) handleLogout(sess *Session) {
	log.Printf("[-] Client logging out: %s (session %d)", sess.displayName(), sess.ID)
	s.registry.Broadcast(protocol.System{Text: sess.displayName() + " has disconnected"}, sess)
	sess.Disconnect()
}
