package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mattjoyce/agentstream/internal/event"
	"github.com/mattjoyce/agentstream/internal/pipeline"
)

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	apiBase := fs.String("api", defaultAPIBase, "base URL for the agentstream API")
	token := fs.String("token", os.Getenv("AGENTSTREAM_API_TOKEN"), "token for the WebSocket endpoint")
	if err := fs.Parse(args); err != nil {
		return err
	}

	wsURL, err := websocketURL(*apiBase, *token)
	if err != nil {
		return err
	}

	p := tea.NewProgram(newChatModel(wsURL), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// websocketURL maps an http(s) API base onto its /ws endpoint.
func websocketURL(apiBase, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(apiBase, "/"))
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported api scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type connectedMsg struct {
	conn   *websocket.Conn
	events chan wsEventMsg
}

type wsEventMsg struct {
	Event event.Event
	Err   error
	EOF   bool
}

type sentMsg struct {
	Err error
}

type transcriptEntry struct {
	kind event.Type
	text string
}

type chatModel struct {
	wsURL    string
	conn     *websocket.Conn
	events   chan wsEventMsg
	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model
	width    int
	height   int

	connected bool
	busy      bool
	closed    bool
	err       error
	progress  string

	entries []transcriptEntry
	history []pipeline.Turn
	// reply accumulates assistant fragments until the run completes.
	reply strings.Builder
}

func newChatModel(wsURL string) *chatModel {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 8000
	input.Placeholder = "Type a message and press enter"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FDBA74"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true

	return &chatModel{
		wsURL:    wsURL,
		input:    input,
		timeline: timeline,
		spinner:  sp,
	}
}

func (m *chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, connectCmd(m.wsURL))
}

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.close()
			return m, tea.Quit
		case tea.KeyEnter:
			if cmd := m.submit(); cmd != nil {
				cmds = append(cmds, cmd)
			}
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.timeline.Width = bodyWidth(msg.Width)
		m.timeline.Height = timelineHeight(msg.Height)
		m.input.Width = bodyWidth(msg.Width) - 4
	case connectedMsg:
		m.conn = msg.conn
		m.events = msg.events
		m.connected = true
		m.err = nil
		cmds = append(cmds, waitForEventCmd(m.events))
	case wsEventMsg:
		if msg.Err != nil {
			m.err = msg.Err
			m.connected = false
			break
		}
		if msg.EOF {
			m.connected = false
			m.closed = true
			break
		}
		m.handleEvent(msg.Event)
		cmds = append(cmds, waitForEventCmd(m.events))
	case sentMsg:
		if msg.Err != nil {
			m.busy = false
			m.appendEntry(event.TypeError, "send failed: "+msg.Err.Error())
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.timeline, cmd = m.timeline.Update(msg)
	cmds = append(cmds, cmd)

	m.refreshTimeline()
	return m, tea.Batch(cmds...)
}

// submit sends the input line with the conversation so far.
func (m *chatModel) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || !m.connected {
		return nil
	}
	m.input.SetValue("")
	req := pipeline.InboundRequest{
		Message: text,
		History: append([]pipeline.Turn(nil), m.history...),
	}
	m.history = append(m.history, pipeline.Turn{Role: "user", Content: text})
	m.busy = true
	return sendCmd(m.conn, req)
}

// handleEvent folds one server event into the transcript.
func (m *chatModel) handleEvent(ev event.Event) {
	switch ev.Type {
	case event.TypeUserMessage:
		m.flushReply()
		m.appendEntry(event.TypeUserMessage, ev.Content)
	case event.TypeAssistantMessage:
		m.reply.WriteString(ev.Content)
	case event.TypeProgress:
		m.flushReply()
		m.progress = fmt.Sprintf("%d/%d", ev.Current, ev.Total)
		m.appendEntry(event.TypeProgress, ev.Content)
	case event.TypeExternalTrigger:
		m.flushReply()
		m.appendEntry(event.TypeExternalTrigger, fmt.Sprintf("[%s] %s", ev.Source, ev.Message))
	case event.TypeError:
		m.flushReply()
		m.appendEntry(event.TypeError, ev.Content)
	case event.TypeComplete:
		m.flushReply()
		m.busy = false
		m.progress = ""
	}
}

// flushReply closes the pending assistant reply and records it in history.
func (m *chatModel) flushReply() {
	if m.reply.Len() == 0 {
		return
	}
	text := m.reply.String()
	m.reply.Reset()
	m.appendEntry(event.TypeAssistantMessage, text)
	m.history = append(m.history, pipeline.Turn{Role: "assistant", Content: text})
}

func (m *chatModel) appendEntry(kind event.Type, text string) {
	m.entries = append(m.entries, transcriptEntry{kind: kind, text: text})
	if len(m.entries) > 800 {
		m.entries = m.entries[len(m.entries)-800:]
	}
}

func (m *chatModel) close() {
	if m.conn != nil {
		_ = m.conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

func (m *chatModel) refreshTimeline() {
	atBottom := m.timeline.AtBottom()
	m.timeline.SetContent(m.renderTranscript(bodyWidth(m.width)))
	if atBottom || m.busy {
		m.timeline.GotoBottom()
	}
}

var (
	accent     = lipgloss.Color("#F97316")
	userStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#38BDF8"))
	agentStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	noteStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#A8A29E"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
)

func (m *chatModel) renderTranscript(width int) string {
	body := lipgloss.NewStyle().Width(width)
	var blocks []string
	render := func(e transcriptEntry) string {
		switch e.kind {
		case event.TypeUserMessage:
			return userStyle.Render("you") + "\n" + body.Render(e.text)
		case event.TypeAssistantMessage:
			return agentStyle.Render("agent") + "\n" + body.Render(e.text)
		case event.TypeError:
			return errStyle.Render("error: ") + body.Render(e.text)
		default:
			return noteStyle.Render(body.Render(e.text))
		}
	}
	for _, e := range m.entries {
		blocks = append(blocks, render(e))
	}
	if m.reply.Len() > 0 {
		blocks = append(blocks, render(transcriptEntry{kind: event.TypeAssistantMessage, text: m.reply.String()}))
	}
	if len(blocks) == 0 {
		return noteStyle.Render("no messages yet")
	}
	return strings.Join(blocks, "\n\n")
}

func (m *chatModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFF7ED")).Background(accent).Padding(0, 1).Render("AgentStream")
	status := noteStyle.Render(connectionLabel(m.connected, m.closed, m.err))
	if m.progress != "" {
		status += noteStyle.Render(" · case " + m.progress)
	}

	frame := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Width(bodyWidth(m.width))

	input := m.input.View()
	if m.busy {
		input = m.spinner.View() + " working... " + input
	}
	footer := noteStyle.Render("enter send · esc quit · pgup/pgdn scroll")
	if m.err != nil {
		footer = errStyle.Render(m.err.Error())
	}
	return strings.Join([]string{title + " " + status, frame.Render(m.timeline.View()), input, footer}, "\n")
}

func connectCmd(wsURL string) tea.Cmd {
	return func() tea.Msg {
		conn, _, err := websocket.Dial(context.Background(), wsURL, nil)
		if err != nil {
			return wsEventMsg{Err: fmt.Errorf("connect: %w", err)}
		}
		conn.SetReadLimit(1 << 20)
		events := make(chan wsEventMsg, 64)
		go readEvents(conn, events)
		return connectedMsg{conn: conn, events: events}
	}
}

func readEvents(conn *websocket.Conn, out chan<- wsEventMsg) {
	defer close(out)
	for {
		var ev event.Event
		err := wsjson.Read(context.Background(), conn, &ev)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				out <- wsEventMsg{EOF: true}
				return
			}
			out <- wsEventMsg{Err: fmt.Errorf("read: %w", err)}
			return
		}
		out <- wsEventMsg{Event: ev}
	}
}

func waitForEventCmd(in <-chan wsEventMsg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-in
		if !ok {
			return wsEventMsg{EOF: true}
		}
		return msg
	}
}

func sendCmd(conn *websocket.Conn, req pipeline.InboundRequest) tea.Cmd {
	return func() tea.Msg {
		return sentMsg{Err: wsjson.Write(context.Background(), conn, req)}
	}
}

func bodyWidth(terminalWidth int) int {
	if terminalWidth <= 0 {
		return 80
	}
	w := terminalWidth - 2
	if w < 40 {
		return 40
	}
	return w
}

func timelineHeight(terminalHeight int) int {
	h := terminalHeight - 5
	if h < 5 {
		return 5
	}
	return h
}

func connectionLabel(connected, closed bool, err error) string {
	if err != nil {
		return "error"
	}
	if closed {
		return "closed"
	}
	if connected {
		return "open"
	}
	return "connecting"
}
