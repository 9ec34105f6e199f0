package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/janvanbouwel/libzt-node/tcp"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	sentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	recvStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// historyLimit bounds the transcript kept on screen.
const historyLimit = 200

type chatModel struct {
	conn    *tcp.Stream
	target  target
	input   textinput.Model
	history []string
	err     error
	closed  bool
}

type receivedMsg string

type sentMsg struct {
	line string
	err  error
}

type closedMsg struct{ err error }

func newChatModel(conn *tcp.Stream, t target) *chatModel {
	ti := textinput.New()
	ti.Placeholder = "message"
	ti.Prompt = "> "
	ti.Width = 60
	ti.Focus()
	return &chatModel{conn: conn, target: t, input: ti}
}

func (m *chatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *chatModel) send(line string) tea.Cmd {
	return func() tea.Msg {
		_, err := io.WriteString(m.conn, line+"\n")
		return sentMsg{line: line, err: err}
	}
}

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "ctrl+d":
			_ = m.conn.CloseWrite()
			m.push(helpStyle.Render("-- sending side closed --"))
			return m, nil
		case "enter":
			line := m.input.Value()
			if line == "" || m.closed {
				return m, nil
			}
			m.input.Reset()
			return m, m.send(line)
		}

	case sentMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.push(sentStyle.Render("me: ") + msg.line)
		}
		return m, nil

	case receivedMsg:
		for _, line := range strings.Split(strings.TrimRight(string(msg), "\n"), "\n") {
			m.push(recvStyle.Render("peer: ") + line)
		}
		return m, nil

	case closedMsg:
		m.closed = true
		m.err = msg.err
		m.push(helpStyle.Render("-- connection closed --"))
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *chatModel) push(line string) {
	m.history = append(m.history, line)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
}

func (m *chatModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("ztsock"))
	b.WriteString(" ")
	b.WriteString(m.target.String())
	b.WriteString("\n\n")

	for _, line := range m.history {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n")
	}
	if !m.closed {
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("enter send • ctrl+d close sending side • esc quit"))
	return b.String()
}

// runChat runs the TUI until the user quits.
func runChat(conn *tcp.Stream, t target) error {
	p := tea.NewProgram(newChatModel(conn, t))
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				p.Send(receivedMsg(buf[:n]))
			}
			if err != nil {
				if err == io.EOF {
					err = nil
				}
				p.Send(closedMsg{err: err})
				return
			}
		}
	}()
	_, err := p.Run()
	return err
}
