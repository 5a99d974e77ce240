// Package feed provides the scrollable notification and event feed.
package feed

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/wa-bridge/statussync/internal/client"
	"github.com/wa-bridge/statussync/internal/notify"
	"github.com/wa-bridge/statussync/internal/theme"
)

const maxEntries = 200

// Entry kinds.
const (
	KindNotify = "note"
	KindAction = "act"
	KindStream = "strm"
	KindError  = "err"
)

// Entry is a single feed line. Notification entries carry the session and
// the transition they report.
type Entry struct {
	Time      time.Time
	Kind      string
	SessionID string
	From      client.State
	To        client.State
	Message   string
}

// Model holds feed state.
type Model struct {
	Entries []Entry
	Offset  int // scroll offset (from bottom)
}

// New creates an empty feed.
func New() Model {
	return Model{}
}

// Add appends an entry stamped now.
func (m *Model) Add(kind, message string) {
	m.AddAt(time.Now(), kind, message)
}

// AddAt appends an entry and caps the buffer.
func (m *Model) AddAt(at time.Time, kind, message string) {
	m.add(Entry{Time: at, Kind: kind, Message: message})
}

// AddNotification appends a dispatched notification.
func (m *Model) AddNotification(n notify.Notification) {
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	msg := n.Title
	if n.Body != "" {
		msg += ": " + n.Body
	}
	m.add(Entry{Time: at, Kind: KindNotify, SessionID: n.SessionID, From: n.From, To: n.To, Message: msg})
}

func (m *Model) add(e Entry) {
	m.Entries = append(m.Entries, e)
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
	m.Offset = 0
}

// ScrollUp moves the viewport up.
func (m *Model) ScrollUp(n int) {
	m.Offset += n
	limit := len(m.Entries) - 1
	if limit < 0 {
		limit = 0
	}
	if m.Offset > limit {
		m.Offset = limit
	}
}

// ScrollDown moves the viewport down.
func (m *Model) ScrollDown(n int) {
	m.Offset -= n
	if m.Offset < 0 {
		m.Offset = 0
	}
}

func panelStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorder)
}

// View renders the newest entries that fit in height lines.
func (m Model) View(width, height int) string {
	innerW := width - 4
	if innerW < 20 {
		innerW = 20
	}
	visibleLines := height - 3
	if visibleLines < 3 {
		visibleLines = 3
	}

	title := theme.StyleHeader.Render(" Notifications ")
	if len(m.Entries) == 0 {
		body := theme.StyleDimmed.Render("  No events yet.")
		return panelStyle(innerW).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
	}

	end := len(m.Entries) - m.Offset
	start := end - visibleLines
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = 0
	}

	var lines []string
	for i := start; i < end; i++ {
		lines = append(lines, renderEntry(m.Entries[i], innerW-2))
	}

	body := strings.Join(lines, "\n")
	if m.Offset > 0 {
		body += "\n" + theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d more", m.Offset))
	}
	return panelStyle(innerW).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}

// renderEntry lays out one line within width display cells.
func renderEntry(e Entry, width int) string {
	prefix := theme.StyleDimmed.Render(e.Time.Format("15:04:05")) + " " +
		lipgloss.NewStyle().Foreground(kindColor(e.Kind)).Width(4).Render(e.Kind) + " "
	if e.SessionID != "" {
		prefix += lipgloss.NewStyle().Foreground(theme.ColorBright).Render(e.SessionID) + " "
	}
	if e.To != "" {
		prefix += transition(e.From, e.To) + " "
	}
	room := width - ansi.StringWidth(prefix)
	if room < 4 {
		room = 4
	}
	return prefix + ansi.Truncate(e.Message, room, "...")
}

// transition renders from→to as state glyphs in the target state's color.
func transition(from, to client.State) string {
	return lipgloss.NewStyle().Foreground(theme.StateColor(from)).Render(theme.StateGlyph(from)) +
		lipgloss.NewStyle().Foreground(theme.StateColor(to)).Render("→"+theme.StateGlyph(to))
}

func kindColor(kind string) lipgloss.Color {
	switch kind {
	case KindNotify:
		return theme.ColorConnected
	case KindAction:
		return theme.ColorConnecting
	case KindStream:
		return theme.ColorWarning
	case KindError:
		return theme.ColorDanger
	default:
		return theme.ColorDimmed
	}
}
