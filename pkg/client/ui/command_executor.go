package ui

import (
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/citycare/controlcenter/pkg/client"
	"github.com/citycare/controlcenter/pkg/incident"
	"github.com/olekukonko/tablewriter"
)

const helpText = `Commands:
  /nick <name>                                  claim a name (reconnects if already named)
  /connect                                      connect or reconnect
  /disconnect                                   close the connection
  /report <title> | <description> [| <urgency> [| <category>]]
                                                save an incident report (urgency: low, medium, high)
  /incidents                                    list saved reports
  /pending                                      list reports not yet delivered
  /sync                                         send pending reports to the control center
  /delete <id>                                  delete a report (an ID prefix is enough)
  /clear                                        clear the screen
  /quit                                         log out and exit
Anything else is sent as a chat message.`

// executeCommand runs one slash command typed by the user
func (m Model) executeCommand(line string) (tea.Model, tea.Cmd) {
	command, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)

	switch strings.ToLower(command) {
	case "/help":
		m.addLine(lineInfo, helpText)
	case "/nick":
		return m.changeNickname(args)
	case "/connect":
		return m.reconnect()
	case "/disconnect":
		m.conn.Disconnect()
	case "/report":
		m.reportIncident(args)
	case "/incidents":
		m.listIncidents(false)
	case "/pending":
		m.listIncidents(true)
	case "/sync":
		m.syncPending()
	case "/delete":
		m.deleteIncident(args)
	case "/clear":
		m.lines = nil
		m.refreshViewport()
	case "/quit":
		return m.quit()
	default:
		m.addLine(lineError, fmt.Sprintf("Unknown command %s. Use /help to see available commands.", command))
	}
	return m, nil
}

func (m Model) changeNickname(name string) (tea.Model, tea.Cmd) {
	if name == "" {
		m.addLine(lineError, "Usage: /nick <name>")
		return m, nil
	}
	m.wantedNickname = name

	switch {
	case m.nickname != "" || m.pendingNickname != "":
		// The server allows one name per session
		m.addLine(lineInfo, fmt.Sprintf("Reconnecting as %s...", name))
		return m.reconnect()
	case m.conn.IsConnected():
		m.pendingNickname = name
		m.conn.Login(name)
	default:
		m.addLine(lineInfo, fmt.Sprintf("Will log in as %s once connected", name))
	}
	return m, nil
}

func (m Model) reconnect() (tea.Model, tea.Cmd) {
	if m.conn.State() != client.StateDisconnected {
		m.conn.Disconnect()
	}
	m.nickname = ""
	m.pendingNickname = ""
	m.connState = client.StateConnecting
	m.setStatus("Connecting to %s...", m.conn.Address())
	m.conn.Connect()
	return m, nil
}

// parseReport splits "title | description [| urgency [| category]]"
func parseReport(args string) (*incident.Incident, error) {
	parts := strings.Split(args, "|")
	if len(parts) < 2 || len(parts) > 4 {
		return nil, errors.New("usage: /report <title> | <description> [| <urgency> [| <category>]]")
	}

	urgency := incident.UrgencyMedium
	if len(parts) >= 3 && strings.TrimSpace(parts[2]) != "" {
		urgency = parts[2]
	}

	inc := incident.New(parts[0], parts[1], urgency)
	if len(parts) == 4 {
		inc.Category = strings.TrimSpace(parts[3])
	}
	return inc, nil
}

func (m *Model) reportIncident(args string) {
	inc, err := parseReport(args)
	if err != nil {
		m.addLine(lineError, err.Error())
		return
	}

	ctx, cancel := storeContext()
	defer cancel()
	if err := m.incidents.Create(ctx, inc); err != nil {
		m.addLine(lineError, err.Error())
		return
	}
	m.addLine(lineInfo, fmt.Sprintf("Saved incident %s: %s (pending). Use /sync to send it.", inc.ShortID(), inc.Title))
}

func (m *Model) listIncidents(pendingOnly bool) {
	ctx, cancel := storeContext()
	defer cancel()

	var incidents []*incident.Incident
	var err error
	if pendingOnly {
		incidents, err = m.incidents.ListPending(ctx)
	} else {
		incidents, err = m.incidents.List(ctx)
	}
	if err != nil {
		m.addLine(lineError, err.Error())
		return
	}
	if len(incidents) == 0 {
		if pendingOnly {
			m.addLine(lineInfo, "No pending incidents")
		} else {
			m.addLine(lineInfo, "No incidents")
		}
		return
	}

	m.addLine(lineInfo, renderIncidentTable(incidents))
}

func renderIncidentTable(incidents []*incident.Incident) string {
	var b strings.Builder
	table := tablewriter.NewWriter(&b)
	table.SetHeader([]string{"ID", "Title", "Urgency", "Category", "Reported", "Status"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	for _, inc := range incidents {
		status := "pending"
		if inc.Synced {
			status = "synced"
		}
		table.Append([]string{
			inc.ShortID(),
			inc.Title,
			inc.Urgency,
			inc.Category,
			inc.ReportedAt.Local().Format("2006-01-02 15:04"),
			status,
		})
	}
	table.Render()
	return strings.TrimRight(b.String(), "\n")
}

func (m *Model) syncPending() {
	if !m.conn.IsConnected() {
		m.addLine(lineError, "Not connected. Use /connect first")
		return
	}

	ctx, cancel := storeContext()
	defer cancel()
	pending, err := m.incidents.ListPending(ctx)
	if err != nil {
		m.addLine(lineError, err.Error())
		return
	}
	if len(pending) == 0 {
		m.addLine(lineInfo, "No pending incidents")
		return
	}

	for _, inc := range pending {
		summary := inc.Summary()
		m.pendingSync[summary] = inc.ID
		m.conn.Chat(summary)
	}
	m.addLine(lineInfo, fmt.Sprintf("Sending %d incident(s)...", len(pending)))
}

func (m *Model) deleteIncident(id string) {
	if id == "" {
		m.addLine(lineError, "Usage: /delete <id>")
		return
	}

	ctx, cancel := storeContext()
	defer cancel()
	inc, err := m.incidents.Resolve(ctx, id)
	if err != nil {
		m.addLine(lineError, fmt.Sprintf("Cannot delete %s: %v", id, err))
		return
	}
	if err := m.incidents.Delete(ctx, inc.ID); err != nil {
		m.addLine(lineError, err.Error())
		return
	}
	m.addLine(lineInfo, fmt.Sprintf("Deleted incident %s: %s", inc.ShortID(), inc.Title))
}
