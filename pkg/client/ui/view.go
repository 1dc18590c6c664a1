package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/citycare/controlcenter/pkg/client"
)

var (
	PrimaryColor = lipgloss.Color("42")
	MutedColor   = lipgloss.Color("244")
	WarningColor = lipgloss.Color("214")
	ErrorColor   = lipgloss.Color("196")
	SystemColor  = lipgloss.Color("39")

	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("22")).Padding(0, 1)
	timeStyle      = lipgloss.NewStyle().Foreground(MutedColor)
	ownStyle       = lipgloss.NewStyle().Foreground(PrimaryColor)
	systemStyle    = lipgloss.NewStyle().Foreground(SystemColor).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(ErrorColor)
	infoStyle      = lipgloss.NewStyle().Foreground(MutedColor)
	statusStyle    = lipgloss.NewStyle().Foreground(MutedColor)
	connectedStyle = lipgloss.NewStyle().Foreground(PrimaryColor).Bold(true)
	offlineStyle   = lipgloss.NewStyle().Foreground(WarningColor).Bold(true)
)

// View renders the program's UI
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.viewport.View(),
		m.renderStatus(),
		m.input.View(),
	)
}

func (m Model) renderHeader() string {
	title := headerStyle.Render(appTitle + " Control Center")

	var state string
	switch m.connState {
	case client.StateConnected:
		state = connectedStyle.Render("● online")
	case client.StateConnecting:
		state = offlineStyle.Render("◌ connecting")
	default:
		state = offlineStyle.Render("○ offline")
	}

	name := ""
	if m.nickname != "" {
		name = " " + ownStyle.Render(m.nickname)
	}

	return title + " " + state + name
}

func (m Model) renderStatus() string {
	status := m.status
	if status == "" {
		status = "/help for commands, Esc to quit"
	}
	if m.width > 0 {
		status = truncateString(status, m.width)
	}
	return statusStyle.Render(status)
}

func (m Model) buildLines() string {
	var b strings.Builder
	for i, line := range m.lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.formatLine(line))
	}
	return b.String()
}

func (m Model) formatLine(line chatLine) string {
	stamp := timeStyle.Render(line.at.Format("15:04"))

	switch line.kind {
	case lineOwn:
		return stamp + " " + ownStyle.Render("you: ") + line.text
	case lineSystem:
		return stamp + " " + systemStyle.Render("* "+line.text)
	case lineError:
		return stamp + " " + errorStyle.Render("! "+line.text)
	case lineInfo:
		return infoStyle.Render(line.text)
	default:
		return stamp + " " + line.text
	}
}

// truncateString shortens s to maxLen runes, marking the cut with an ellipsis
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 1 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-1]) + "…"
}
