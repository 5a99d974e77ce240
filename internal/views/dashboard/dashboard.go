// Package dashboard provides the per-state summary row and the session
// table of the status TUI.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/wa-bridge/statussync/internal/client"
	"github.com/wa-bridge/statussync/internal/hook"
	"github.com/wa-bridge/statussync/internal/theme"
)

// summaryOrder is the column order of the stats row.
var summaryOrder = []client.State{
	client.StateConnected,
	client.StateConnecting,
	client.StateQRRequired,
	client.StateReconnecting,
	client.StateFailed,
	client.StateConflict,
	client.StateDisconnected,
}

// Model holds the dashboard state.
type Model struct {
	Width    int
	Selected string
	sessions []hook.SessionView
}

// New creates a dashboard model.
func New() Model {
	return Model{}
}

// SetSessions updates the table rows, sorted by session id.
func (m *Model) SetSessions(v hook.View) {
	m.sessions = make([]hook.SessionView, 0, len(v.Sessions))
	for _, id := range v.SessionIDs() {
		m.sessions = append(m.sessions, v.Sessions[id])
	}
	m.Selected = v.ActiveSession
}

// View renders the full dashboard: stats row + session table.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderStatsRow(width),
		m.renderTable(width),
	)
}

// renderStatsRow shows the number of sessions per state.
func (m Model) renderStatsRow(width int) string {
	counts := make(map[client.State]int)
	for _, s := range m.sessions {
		counts[s.State]++
	}

	statStyle := lipgloss.NewStyle().Padding(0, 1)
	var stats []string
	for _, st := range summaryOrder {
		stats = append(stats, statStyle.Foreground(theme.StateColor(st)).
			Render(fmt.Sprintf("%s: %d", st, counts[st])))
	}
	content := strings.Join(stats, lipgloss.NewStyle().Foreground(theme.ColorBorder).Render("|"))

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func (m Model) renderTable(width int) string {
	header := theme.StyleHeader.Render("  Sessions")
	if len(m.sessions) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left,
			header,
			theme.StyleDimmed.Render("  No sessions. Press i to initiate one."),
		)
	}

	colName := 24
	colState := 22
	colUpdated := 10
	colError := 30

	dimStyle := lipgloss.NewStyle().Foreground(theme.ColorDimmed)
	tableHeader := fmt.Sprintf("    %-*s %-*s %-*s %-*s",
		colName, "Session",
		colState, "State",
		colUpdated, "Updated",
		colError, "Error",
	)
	lines := []string{
		header,
		dimStyle.Render(tableHeader),
		dimStyle.Render("  " + strings.Repeat("─", min(width-4, colName+colState+colUpdated+colError+5))),
	}

	for _, s := range m.sessions {
		prefix := "    "
		nameStyle := lipgloss.NewStyle().Foreground(theme.ColorBright)
		if s.ID == m.Selected {
			prefix = "  > "
			nameStyle = theme.StyleSelected
		}

		name := s.ID
		if len(name) > colName-1 {
			name = name[:colName-2] + "…"
		}
		updated := "-"
		if !s.UpdatedAt.IsZero() {
			updated = s.UpdatedAt.Local().Format(time.TimeOnly)
		}
		errStr := s.Error
		if len(errStr) > colError {
			errStr = errStr[:colError-1] + "…"
		}

		line := prefix +
			nameStyle.Width(colName).Render(name) + " " +
			lipgloss.NewStyle().Width(colState).Render(theme.RenderState(s.State)) + " " +
			dimStyle.Width(colUpdated).Render(updated) + " " +
			theme.StyleError.Render(errStr)
		lines = append(lines, line)
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
