package protocol

import (
	"io"
	"strings"
)

// Payload tags. The tag is a fixed, case-sensitive prefix of the frame
// payload. SYSTEM has no separator between the tag and the text.
const (
	TagLogin  = "LOGIN:"
	TagChat   = "MSG:"
	TagLogout = "LOGOUT"
	TagSystem = "SYSTEM"
)

// Kind identifies a message variant
type Kind uint8

const (
	KindRaw Kind = iota
	KindLogin
	KindChat
	KindLogout
	KindSystem
)

// String returns a short lowercase name, used for logs and metric labels
func (k Kind) String() string {
	switch k {
	case KindLogin:
		return "login"
	case KindChat:
		return "chat"
	case KindLogout:
		return "logout"
	case KindSystem:
		return "system"
	default:
		return "raw"
	}
}

// Message is one decoded frame payload. The set of implementations is
// closed: Login, Chat, Logout, System and Raw.
type Message interface {
	Kind() Kind
	// Payload returns the wire representation, tag included
	Payload() string
	isMessage()
}

// Login registers the sender's display name (client → server)
type Login struct {
	Name string
}

// Chat is a chat line, relayed verbatim to other participants
type Chat struct {
	Text string
}

// Logout announces a voluntary disconnect (client → server)
type Logout struct{}

// System is a server-originated administrative notice (server → client)
type System struct {
	Text string
}

// Raw is an untagged line. It is logged but never relayed.
type Raw struct {
	Text string
}

func (Login) Kind() Kind  { return KindLogin }
func (Chat) Kind() Kind   { return KindChat }
func (Logout) Kind() Kind { return KindLogout }
func (System) Kind() Kind { return KindSystem }
func (Raw) Kind() Kind    { return KindRaw }

func (m Login) Payload() string  { return TagLogin + m.Name }
func (m Chat) Payload() string   { return TagChat + m.Text }
func (Logout) Payload() string   { return TagLogout }
func (m System) Payload() string { return TagSystem + m.Text }
func (m Raw) Payload() string    { return m.Text }

func (Login) isMessage()  {}
func (Chat) isMessage()   {}
func (Logout) isMessage() {}
func (System) isMessage() {}
func (Raw) isMessage()    {}

// Decode classifies a payload by its tag. Tags are checked in the order
// LOGIN:, MSG:, LOGOUT, SYSTEM; anything else is Raw. Decode never fails.
func Decode(payload string) Message {
	switch {
	case strings.HasPrefix(payload, TagLogin):
		return Login{Name: payload[len(TagLogin):]}
	case strings.HasPrefix(payload, TagChat):
		return Chat{Text: payload[len(TagChat):]}
	case strings.HasPrefix(payload, TagLogout):
		return Logout{}
	case strings.HasPrefix(payload, TagSystem):
		return System{Text: payload[len(TagSystem):]}
	default:
		return Raw{Text: payload}
	}
}

// ReadMessage reads one frame and decodes it
func ReadMessage(r io.Reader) (Message, error) {
	payload, err := DecodeFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(payload), nil
}

// WriteMessage encodes msg as a single frame
func WriteMessage(w io.Writer, msg Message) error {
	return EncodeFrame(w, msg.Payload())
}

// EncodeMessage encodes msg into a standalone frame
func EncodeMessage(msg Message) ([]byte, error) {
	return EncodeToBytes(msg.Payload())
}
