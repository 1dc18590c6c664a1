package ui

import (
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/citycare/controlcenter/pkg/client"
	"github.com/citycare/controlcenter/pkg/incident"
)

// recordingNotifier captures notifications instead of showing them
type recordingNotifier struct {
	mu     sync.Mutex
	bodies []string
}

func (n *recordingNotifier) notify(title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies = append(n.bodies, body)
	return nil
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.bodies...)
}

type testEnv struct {
	conn      *client.MockConnection
	state     *client.MockState
	incidents *incident.Store
	notifier  *recordingNotifier
}

// newTestModel creates a Model with mock dependencies for testing
func newTestModel(t *testing.T, nickname string) (Model, *testEnv) {
	t.Helper()
	store, err := incident.Open(filepath.Join(t.TempDir(), "incidents.db"))
	if err != nil {
		t.Fatalf("open incident store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		conn:      client.NewMockConnection("localhost:5555"),
		state:     client.NewMockState(),
		incidents: store,
		notifier:  &recordingNotifier{},
	}
	logger := log.New(io.Discard, "", 0)
	m := NewModel(env.conn, env.state, store, env.notifier.notify, logger, nickname)
	return m, env
}

// update feeds msg to the model and runs any returned command once, the
// way the program would for simple commands
func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, cmd := m.Update(msg)
	runCmd(cmd)
	return next.(Model)
}

func runCmd(cmd tea.Cmd) {
	if cmd == nil {
		return
	}
	if batch, ok := cmd().(tea.BatchMsg); ok {
		for _, c := range batch {
			runCmd(c)
		}
	}
}

// typeLine enters text and presses Enter
func typeLine(t *testing.T, m Model, text string) Model {
	t.Helper()
	m.input.SetValue(text)
	return update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
}

// connect simulates the connection coming up
func connect(t *testing.T, m Model, env *testEnv) Model {
	t.Helper()
	env.conn.Connect()
	return update(t, m, ConnectedMsg{})
}

func lastLine(m Model) chatLine {
	if len(m.lines) == 0 {
		return chatLine{}
	}
	return m.lines[len(m.lines)-1]
}

func hasLine(m Model, kind lineKind, substr string) bool {
	for _, line := range m.lines {
		if line.kind == kind && strings.Contains(line.text, substr) {
			return true
		}
	}
	return false
}
