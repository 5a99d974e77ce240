package status

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wa-bridge/statussync/internal/hook"
	"github.com/wa-bridge/statussync/internal/theme"
)

// Model holds the status bar state.
type Model struct {
	UserID     string
	Stream     hook.StreamState
	Connected  int
	Connecting int
	Errored    int
	Total      int
	PolledAt   time.Time
	Width      int

	spinner spinner.Model
}

// New creates a status bar model.
func New() Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorWarning)
	return Model{Stream: hook.StreamIdle, spinner: sp}
}

// SetView copies the bar fields from a hook view.
func (m *Model) SetView(v hook.View) {
	m.UserID = v.UserID
	m.Stream = v.Stream
	m.PolledAt = v.PolledAt
	m.Connected, m.Connecting, m.Errored = 0, 0, 0
	m.Total = len(v.Sessions)
	for _, s := range v.Sessions {
		switch {
		case s.State.Connected():
			m.Connected++
		case s.State.Connecting():
			m.Connecting++
		case s.State.HasError():
			m.Errored++
		}
	}
}

// Tick returns the spinner's first tick command.
func (m Model) Tick() tea.Cmd { return m.spinner.Tick }

// Update advances the spinner.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	switch m.Stream {
	case hook.StreamOpen:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Live")
	case hook.StreamReconnecting:
		connStr = m.spinner.View() + lipgloss.NewStyle().Foreground(theme.ColorWarning).Render(" Reconnecting...")
	case hook.StreamConnecting:
		connStr = m.spinner.View() + lipgloss.NewStyle().Foreground(theme.ColorDimmed).Render(" Connecting...")
	default:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Offline")
	}

	user := theme.StyleHeader.Render(m.UserID)
	counts := fmt.Sprintf("%d sessions  %d connected  %d pending  %d errored",
		m.Total, m.Connected, m.Connecting, m.Errored)

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + user + sep + counts
	if !m.PolledAt.IsZero() {
		content += sep + theme.StyleDimmed.Render("polled "+m.PolledAt.Format("15:04:05"))
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
