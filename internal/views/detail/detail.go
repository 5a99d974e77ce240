// Package detail renders the active session panel.
package detail

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/wa-bridge/statussync/internal/client"
	"github.com/wa-bridge/statussync/internal/hook"
	"github.com/wa-bridge/statussync/internal/theme"
)

const (
	panelWidth = 64
	labelWidth = 14
)

var (
	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(theme.ColorBorder).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed).
			Width(labelWidth)

	styleValue = lipgloss.NewStyle().
			Foreground(theme.ColorBright)

	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorBright)

	styleFooter = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed)
)

// Model holds the state for the detail panel.
type Model struct {
	View   hook.View
	Notice string // result of the last operator action
	now    func() time.Time
}

func New() Model {
	return Model{now: time.Now}
}

// Render draws the panel for the view's active session. It returns an
// empty string when no session is selected.
func (m Model) Render() string {
	v := m.View
	if v.ActiveSession == "" {
		return ""
	}
	s := v.Active

	var b strings.Builder
	b.WriteString(styleTitle.Render("Session: "+truncate(s.ID, 40)) + "\n")
	b.WriteString(strings.Repeat("─", panelWidth-4) + "\n")

	writeRow(&b, "State", theme.RenderState(s.State))
	writeRow(&b, "Connected", yesNo(v.Connected))
	writeRow(&b, "Connecting", yesNo(v.Connecting))
	writeRow(&b, "Error", yesNo(v.HasError))
	if !s.UpdatedAt.IsZero() {
		writeRow(&b, "Updated", m.formatAge(s.UpdatedAt))
	}
	if s.QRCode != "" {
		writeRow(&b, "QR payload", truncate(s.QRCode, 44))
		b.WriteString(styleFooter.Render("Scan the code with the phone to link this session.") + "\n")
	}
	if s.Error != "" {
		b.WriteString("\n" + theme.StyleError.Render("Error: "+s.Error) + "\n")
	}
	if m.Notice != "" {
		b.WriteString("\n" + styleValue.Render(m.Notice) + "\n")
	}

	b.WriteString("\n")
	b.WriteString(styleFooter.Render(footer(s)))
	return stylePanel.Width(panelWidth).Render(b.String())
}

// footer lists the actions that make sense in the session's state.
func footer(s hook.SessionView) string {
	switch {
	case s.State == client.StateConflict:
		return "[c] resolve conflict  [x] forget"
	case s.State.Connected() || s.State.Connecting():
		return "[d] disconnect  [x] forget"
	default:
		return "[i] initiate  [x] forget"
	}
}

func writeRow(b *strings.Builder, label, value string) {
	b.WriteString(styleLabel.Render(label+":") + styleValue.Render(value) + "\n")
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func (m Model) formatAge(t time.Time) string {
	now := time.Now
	if m.now != nil {
		now = m.now
	}
	d := now().Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds ago", int(d.Minutes()), int(d.Seconds())%60)
	default:
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm ago", h, m)
	}
}
