package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/citycare/controlcenter/pkg/client"
	"github.com/citycare/controlcenter/pkg/protocol"
)

const welcomePrefix = "Connection successful. Welcome, "

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		// Header and status take one line each, the input one more
		chatHeight := msg.Height - 4
		if chatHeight < 3 {
			chatHeight = 3
		}
		m.viewport.Width = msg.Width
		m.viewport.Height = chatHeight
		m.input.Width = msg.Width - len(m.input.Prompt) - 1
		m.ready = true
		m.refreshViewport()
		return m, nil

	case ConnectedMsg:
		return m.handleConnected()

	case DisconnectedMsg:
		if msg.Reason == client.DisconnectedManually && m.conn.State() != client.StateDisconnected {
			// Reported late, after a reconnect was already started
			return m, nil
		}
		m.connState = client.StateDisconnected
		m.nickname = ""
		m.pendingNickname = ""
		m.addLine(lineError, "Disconnected: "+msg.Reason)
		m.setStatus("Disconnected. /connect to reconnect")
		if msg.Reason == client.DisconnectedManually {
			return m, nil
		}
		return m, m.notify("Disconnected: " + msg.Reason)

	case ConnectionErrorMsg:
		m.connState = client.StateDisconnected
		m.addLine(lineError, msg.Err.Error())
		m.setStatus("Connection failed. /connect to retry")
		return m, nil

	case ServerMessageMsg:
		return m.handleServerMessage(msg.Msg)

	case SentMsg:
		return m.handleSent(msg.Msg)

	case ErrorMsg:
		if errors.Is(msg.Err, client.ErrNotConnected) {
			m.addLine(lineError, "Not connected. Use /connect first")
		} else {
			m.addLine(lineError, msg.Err.Error())
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m.quit()

	case tea.KeyEnter:
		line := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		if line == "" {
			return m, nil
		}
		if strings.HasPrefix(line, "/") {
			return m.executeCommand(line)
		}
		m.conn.Chat(line)
		return m, nil

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// quit leaves the program. Logout is best-effort; the caller closes the
// connection once the program has stopped.
func (m Model) quit() (tea.Model, tea.Cmd) {
	m.quitting = true
	if m.conn.IsConnected() {
		m.conn.Logout()
	}
	return m, tea.Quit
}

func (m Model) handleConnected() (tea.Model, tea.Cmd) {
	m.connState = client.StateConnected
	m.addLine(lineInfo, "Connected to "+m.conn.Address())
	m.setStatus("Connected to %s", m.conn.Address())

	if err := m.state.SetLastServer(m.conn.Address()); err != nil {
		m.logf("Failed to save last server: %v", err)
	}

	if m.wantedNickname != "" {
		m.pendingNickname = m.wantedNickname
		m.conn.Login(m.wantedNickname)
	} else {
		m.addLine(lineInfo, "Choose a name with /nick <name>")
	}
	return m, textinput.Blink
}

func (m Model) handleServerMessage(msg protocol.Message) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case protocol.System:
		text := msg.Text
		if strings.HasPrefix(text, "Error: ") {
			m.pendingNickname = ""
			m.addLine(lineError, text)
			return m, m.notify(text)
		}
		if strings.HasPrefix(text, welcomePrefix) && m.pendingNickname != "" {
			m.nickname = m.pendingNickname
			m.pendingNickname = ""
			if err := m.state.SetLastNickname(m.nickname); err != nil {
				m.logf("Failed to save nickname: %v", err)
			}
			m.setStatus("Connected to %s as %s", m.conn.Address(), m.nickname)
		}
		m.addLine(lineSystem, text)
		return m, m.notify(text)

	case protocol.Chat:
		m.addLine(lineChat, msg.Text)
	default:
		m.addLine(lineChat, msg.Payload())
	}
	return m, nil
}

func (m Model) handleSent(msg protocol.Message) (tea.Model, tea.Cmd) {
	chat, ok := msg.(protocol.Chat)
	if !ok {
		return m, nil
	}

	m.addLine(lineOwn, chat.Text)

	if id, ok := m.pendingSync[chat.Text]; ok {
		delete(m.pendingSync, chat.Text)
		ctx, cancel := storeContext()
		defer cancel()
		if err := m.incidents.MarkSynced(ctx, id); err != nil {
			m.addLine(lineError, fmt.Sprintf("Incident %s was sent but could not be marked synced: %v", id, err))
		} else {
			m.addLine(lineInfo, "Incident delivered to the control center")
		}
	}
	return m, nil
}
