package server

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/citycare/controlcenter/pkg/protocol"
	"github.com/olekukonko/tablewriter"
)

const kickNotice = "You have been disconnected by the administrator"

// Console is the operator command loop
type Console struct {
	srv    *Server
	in     io.Reader
	out    io.Writer
	prompt string
}

// NewConsole creates a console reading commands from in and writing to out
func NewConsole(srv *Server, in io.Reader, out io.Writer) *Console {
	return &Console{
		srv:    srv,
		in:     in,
		out:    out,
		prompt: srv.config.ConsolePrompt,
	}
}

// Run reads commands until /stop or the end of input. EOF leaves the
// server running.
func (c *Console) Run() {
	c.printHelp()

	scanner := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, c.prompt)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				errorLog.Printf("Console input error: %v", err)
			}
			return
		}
		if c.Execute(scanner.Text()) {
			return
		}
	}
}

// Execute runs one command line and reports whether the console should exit
func (c *Console) Execute(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	cmd, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)

	switch strings.ToLower(cmd) {
	case "/list":
		c.listClients()
	case "/msg":
		c.sendTo(args)
	case "/broadcast":
		if args == "" {
			fmt.Fprintln(c.out, "[!] Usage: /broadcast <message>")
			return false
		}
		n := c.srv.registry.Broadcast(protocol.System{Text: args}, nil)
		fmt.Fprintf(c.out, "[System] Broadcast sent to %d client(s)\n", n)
	case "/kick":
		if args == "" {
			fmt.Fprintln(c.out, "[!] Usage: /kick <client>")
			return false
		}
		c.kick(args)
	case "/help":
		c.printHelp()
	case "/stop":
		c.srv.Stop()
		return true
	default:
		fmt.Fprintln(c.out, "[!] Unknown command. Use /help to see available commands.")
	}
	return false
}

func (c *Console) listClients() {
	sessions := c.srv.registry.Snapshot()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No clients connected")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"ID", "Name", "Transport", "Address", "Connected"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	for _, sess := range sessions {
		table.Append([]string{
			fmt.Sprintf("%d", sess.ID),
			sess.displayName(),
			sess.Transport,
			sess.RemoteAddr,
			time.Since(sess.ConnectedAt).Truncate(time.Second).String(),
		})
	}
	table.Render()
	fmt.Fprintf(c.out, "%d client(s) connected\n", len(sessions))
}

// sendTo delivers the text after the target name. Names may contain
// spaces, so the longest registered name the arguments start with wins.
func (c *Console) sendTo(args string) {
	sess, text := c.matchTarget(args)
	if sess == nil {
		name, text, ok := strings.Cut(args, " ")
		if !ok || name == "" || strings.TrimSpace(text) == "" {
			fmt.Fprintln(c.out, "[!] Usage: /msg <client> <message>")
			return
		}
		fmt.Fprintf(c.out, "[!] Client not found: %s\n", name)
		return
	}
	if text == "" {
		fmt.Fprintln(c.out, "[!] Usage: /msg <client> <message>")
		return
	}
	sess.Send(protocol.System{Text: text})
	fmt.Fprintf(c.out, "[System] Message sent to %s\n", sess.Name())
}

// matchTarget finds the session whose name is the longest case-insensitive
// prefix of args ending at a space, and returns the remaining text
func (c *Console) matchTarget(args string) (*Session, string) {
	var best *Session
	bestLen := 0
	for _, sess := range c.srv.registry.Snapshot() {
		name := sess.Name()
		if name == "" || len(name) <= bestLen || len(name) > len(args) {
			continue
		}
		if !strings.EqualFold(args[:len(name)], name) {
			continue
		}
		if len(args) > len(name) && args[len(name)] != ' ' {
			continue
		}
		best, bestLen = sess, len(name)
	}
	if best == nil {
		return nil, ""
	}
	return best, strings.TrimSpace(args[bestLen:])
}

func (c *Console) kick(name string) {
	sess := c.srv.registry.FindByName(name)
	if sess == nil {
		fmt.Fprintf(c.out, "[!] Client not found: %s\n", name)
		return
	}
	sess.Send(protocol.System{Text: kickNotice})
	sess.Disconnect()
	fmt.Fprintf(c.out, "[System] Client disconnected: %s\n", sess.Name())
}

func (c *Console) printHelp() {
	fmt.Fprint(c.out, `
Available commands:
  /list                      - List connected clients
  /msg <client> <message>    - Send a message to one client
  /broadcast <message>       - Send a message to every client
  /kick <client>             - Disconnect a client
  /stop                      - Stop the server
  /help                      - Show this help

`)
}
