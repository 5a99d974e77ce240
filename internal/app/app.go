package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wa-bridge/statussync/internal/client"
	"github.com/wa-bridge/statussync/internal/hook"
	"github.com/wa-bridge/statussync/internal/notify"
	"github.com/wa-bridge/statussync/internal/theme"
	"github.com/wa-bridge/statussync/internal/views/dashboard"
	"github.com/wa-bridge/statussync/internal/views/detail"
	"github.com/wa-bridge/statussync/internal/views/feed"
	"github.com/wa-bridge/statussync/internal/views/status"
)

const actionTimeout = 10 * time.Second

// Source is the state the TUI renders. *hook.Hook implements it.
type Source interface {
	View() hook.View
	Updates() <-chan hook.View
	SetActiveSession(id string)
	Refresh()
}

// Actions are the operator calls. *client.HTTPClient implements it.
type Actions interface {
	Initiate(ctx context.Context, userID, sessionID string) (*client.Result, error)
	Disconnect(ctx context.Context, userID, sessionID string) (*client.Result, error)
	ResolveConflict(ctx context.Context, userID, sessionID string) (*client.Result, error)
	Forget(ctx context.Context, userID, sessionID string) (*client.Result, error)
}

type actionFunc func(ctx context.Context, userID, sessionID string) (*client.Result, error)

const (
	opInitiate   = "initiate"
	opDisconnect = "disconnect"
	opResolve    = "resolve"
	opForget     = "forget"
)

type (
	viewMsg   hook.View
	notifyMsg notify.Notification
	actionMsg struct {
		op        string
		sessionID string
		res       *client.Result
		err       error
	}
)

// Model is the root Bubble Tea model.
type Model struct {
	ctx     context.Context
	source  Source
	actions Actions
	notes   <-chan notify.Notification

	keys   KeyMap
	help   help.Model
	width  int
	height int

	view hook.View

	statusBar status.Model
	dashboard dashboard.Model
	detail    detail.Model
	feed      feed.Model

	input     textinput.Model
	prompting bool
}

// New creates the root model. notes may be nil.
func New(ctx context.Context, source Source, actions Actions, notes <-chan notify.Notification) Model {
	in := textinput.New()
	in.Placeholder = "session id"
	in.CharLimit = 128
	in.Prompt = "New session: "

	m := Model{
		ctx:       ctx,
		source:    source,
		actions:   actions,
		notes:     notes,
		keys:      DefaultKeyMap(),
		help:      help.New(),
		statusBar: status.New(),
		dashboard: dashboard.New(),
		detail:    detail.New(),
		feed:      feed.New(),
		input:     in,
	}
	if source != nil {
		m.setView(source.View())
	}
	return m
}

// Init starts listening for hook views and notifications.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.statusBar.Tick()}
	if m.source != nil {
		cmds = append(cmds, waitView(m.source.Updates()))
	}
	if m.notes != nil {
		cmds = append(cmds, waitNote(m.notes))
	}
	return tea.Batch(cmds...)
}

func waitView(ch <-chan hook.View) tea.Cmd {
	return func() tea.Msg {
		v, ok := <-ch
		if !ok {
			return nil
		}
		return viewMsg(v)
	}
}

func waitNote(ch <-chan notify.Notification) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return nil
		}
		return notifyMsg(n)
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.dashboard.Width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if m.prompting {
			return m.handlePrompt(msg)
		}
		return m.handleKey(msg)

	case viewMsg:
		prev := m.view
		m.setView(hook.View(msg))
		m.logStream(prev, m.view)
		return m, waitView(m.source.Updates())

	case notifyMsg:
		m.feed.AddNotification(notify.Notification(msg))
		return m, waitNote(m.notes)

	case actionMsg:
		m.detail.Notice = describe(msg)
		kind := feed.KindAction
		if msg.err != nil {
			kind = feed.KindError
		}
		m.feed.Add(kind, m.detail.Notice)
		if m.source != nil {
			m.source.Refresh()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.statusBar, cmd = m.statusBar.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *Model) setView(v hook.View) {
	m.view = v
	m.statusBar.SetView(v)
	m.dashboard.SetSessions(v)
	m.detail.View = v
}

// logStream records stream state changes in the feed.
func (m *Model) logStream(prev, next hook.View) {
	if prev.Stream == next.Stream {
		return
	}
	switch next.Stream {
	case hook.StreamOpen:
		m.feed.Add(feed.KindStream, "status stream open")
	case hook.StreamReconnecting:
		msg := "status stream lost, retrying"
		if next.LastError != "" {
			msg += ": " + next.LastError
		}
		m.feed.Add(feed.KindStream, msg)
	}
}

func describe(msg actionMsg) string {
	if msg.err != nil {
		return fmt.Sprintf("%s %s failed: %v", msg.op, msg.sessionID, msg.err)
	}
	if msg.res == nil {
		return fmt.Sprintf("%s %s: done", msg.op, msg.sessionID)
	}
	text := fmt.Sprintf("%s %s: %s", msg.op, msg.sessionID, msg.res.Status)
	if msg.res.Message != "" {
		text += " (" + msg.res.Message + ")"
	}
	return text
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	active := m.view.ActiveSession

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Down):
		m.selectOffset(1)
		return m, nil

	case key.Matches(msg, m.keys.Up):
		m.selectOffset(-1)
		return m, nil

	case key.Matches(msg, m.keys.Initiate):
		return m, m.act(opInitiate, active)

	case key.Matches(msg, m.keys.Disconnect):
		return m, m.act(opDisconnect, active)

	case key.Matches(msg, m.keys.Resolve):
		return m, m.act(opResolve, active)

	case key.Matches(msg, m.keys.Forget):
		return m, m.act(opForget, active)

	case key.Matches(msg, m.keys.Refresh):
		if m.source != nil {
			m.source.Refresh()
		}
		return m, nil

	case key.Matches(msg, m.keys.New):
		m.prompting = true
		m.input.Reset()
		return m, m.input.Focus()

	case key.Matches(msg, m.keys.ScrollUp):
		m.feed.ScrollUp(5)
		return m, nil

	case key.Matches(msg, m.keys.ScrollDown):
		m.feed.ScrollDown(5)
		return m, nil
	}

	return m, nil
}

func (m Model) handlePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Escape):
		m.prompting = false
		m.input.Blur()
		return m, nil
	case key.Matches(msg, m.keys.Enter):
		id := strings.TrimSpace(m.input.Value())
		m.prompting = false
		m.input.Blur()
		if id == "" {
			return m, nil
		}
		if m.source != nil {
			m.source.SetActiveSession(id)
		}
		return m, m.act(opInitiate, id)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) selectOffset(delta int) {
	ids := m.view.SessionIDs()
	if len(ids) == 0 || m.source == nil {
		return
	}
	idx := 0
	for i, id := range ids {
		if id == m.view.ActiveSession {
			idx = i
			break
		}
	}
	idx = (idx + delta + len(ids)) % len(ids)
	m.source.SetActiveSession(ids[idx])
}

// act runs an operator call for sessionID off the update loop.
func (m Model) act(op, sessionID string) tea.Cmd {
	if sessionID == "" || m.actions == nil {
		return nil
	}
	var call actionFunc
	switch op {
	case opInitiate:
		call = m.actions.Initiate
	case opDisconnect:
		call = m.actions.Disconnect
	case opResolve:
		call = m.actions.ResolveConflict
	case opForget:
		call = m.actions.Forget
	default:
		return nil
	}
	ctx, user := m.ctx, m.view.UserID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, actionTimeout)
		defer cancel()
		res, err := call(ctx, user, sessionID)
		return actionMsg{op: op, sessionID: sessionID, res: res, err: err}
	}
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	sections := []string{m.statusBar.View()}
	if m.view.Stream == hook.StreamReconnecting {
		sections = append(sections, m.renderBanner())
	}
	sections = append(sections, m.dashboard.View())
	if d := m.detail.Render(); d != "" {
		sections = append(sections, d)
	}
	sections = append(sections, m.feed.View(m.width, 8))
	if m.prompting {
		sections = append(sections, m.input.View())
	}
	sections = append(sections, m.help.View(m.keys))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderBanner() string {
	text := "RECONNECTING  showing last known state"
	if m.view.LastError != "" {
		text += "  (" + m.view.LastError + ")"
	}
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWarning).
		Padding(0, 1).
		Render(text)
}
