// Package tui implements the "watch" dashboard: a bubbletea program that
// attaches to a running daemon's operator websocket and renders live
// intervention and drone-status events as they're broadcast.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type interventionEvent struct {
	CommandID      string    `json:"commandId"`
	DroneID        string    `json:"droneId"`
	Type           string    `json:"type"`
	Reason         string    `json:"reason"`
	RequestedAtUTC time.Time `json:"requestedAtUtc"`
}

// eventMsg wraps one decoded broadcast for the bubbletea update loop.
type eventMsg struct {
	receivedAt time.Time
	raw        envelope
	event      interventionEvent
}

type connErrMsg struct{ err error }

type model struct {
	addr       string
	conn       *websocket.Conn
	events     chan eventMsg
	errs       chan error
	history    []eventMsg
	active     *interventionEvent
	connected  bool
	lastErr    error
	maxHistory int
}

func newModel(addr string) model {
	return model{
		addr:       addr,
		events:     make(chan eventMsg, 64),
		errs:       make(chan error, 1),
		maxHistory: 20,
	}
}

// Run dials addr (an operator websocket URL) and drives the live dashboard
// until the user quits or ctx ends. A failed or dropped connection does not
// end Run: the dashboard shows it as disconnected and redials every two
// seconds.
func Run(ctx context.Context, addr string) error {
	m := newModel(addr)
	p := tea.NewProgram(m, tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.connectCmd(), m.waitForEventCmd())
}

func (m model) connectCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, m.addr, nil)
		if err != nil {
			return connErrMsg{err: err}
		}
		go readLoop(conn, m.events, m.errs)
		return connOKMsg{conn: conn}
	}
}

type connOKMsg struct{ conn *websocket.Conn }

func readLoop(conn *websocket.Conn, events chan<- eventMsg, errs chan<- error) {
	ctx := context.Background()
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			errs <- err
			return
		}
		var ev interventionEvent
		_ = json.Unmarshal(env.Data, &ev) // best-effort: non-intervention broadcasts decode to zero value
		events <- eventMsg{receivedAt: time.Now(), raw: env, event: ev}
	}
}

func (m model) waitForEventCmd() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-m.events:
			return ev
		case err := <-m.errs:
			return connErrMsg{err: err}
		}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.conn != nil {
				m.conn.Close(websocket.StatusNormalClosure, "")
			}
			return m, tea.Quit
		}

	case connOKMsg:
		m.conn = msg.conn
		m.connected = true
		return m, nil

	case connErrMsg:
		m.connected = false
		m.lastErr = msg.err
		return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg { return m.connectCmd()() })

	case eventMsg:
		m.history = append(m.history, msg)
		if len(m.history) > m.maxHistory {
			m.history = m.history[len(m.history)-m.maxHistory:]
		}
		switch msg.raw.Type {
		case "RequireIntervention", "InterventionRequested":
			ev := msg.event
			m.active = &ev
		case "ResumeResult":
			m.active = nil
		}
		return m, m.waitForEventCmd()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("drone-orchd watch"))
	b.WriteString("\n\n")

	if m.connected {
		b.WriteString(dimStyle.Render(fmt.Sprintf("connected: %s", m.addr)))
	} else {
		b.WriteString(errStyle.Render(fmt.Sprintf("disconnected (%v), retrying...", m.lastErr)))
	}
	b.WriteString("\n\n")

	if m.active != nil {
		b.WriteString(activeStyle.Render(fmt.Sprintf(
			"INTERVENTION ACTIVE  drone=%s command=%s reason=%s",
			m.active.DroneID, m.active.CommandID, m.active.Reason,
		)))
	} else {
		b.WriteString(dimStyle.Render("no active intervention"))
	}
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("recent events"))
	b.WriteString("\n")
	for i := len(m.history) - 1; i >= 0; i-- {
		e := m.history[i]
		b.WriteString(fmt.Sprintf("  %s  %-22s %s\n", e.receivedAt.Format("15:04:05"), e.raw.Type, string(e.raw.Data)))
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q to quit"))
	return b.String()
}
