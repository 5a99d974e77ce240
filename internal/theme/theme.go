// Package theme provides the Lip Gloss color palette and reusable styles
// for the status TUI. It is a leaf package apart from the client types.
package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/wa-bridge/statussync/internal/client"
)

// State colors.
var (
	ColorDisconnected     = lipgloss.Color("#6b7280")
	ColorConnecting       = lipgloss.Color("#2563eb")
	ColorQRRequired       = lipgloss.Color("#7c3aed")
	ColorConnected        = lipgloss.Color("#16a34a")
	ColorReconnecting     = lipgloss.Color("#d97706")
	ColorFailed           = lipgloss.Color("#dc2626")
	ColorConflict         = lipgloss.Color("#e11d48")
	ColorConflictResolved = lipgloss.Color("#06b6d4")
	ColorUnknown          = lipgloss.Color("#374151")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// StateColor returns the color for a session state.
func StateColor(s client.State) lipgloss.Color {
	switch s {
	case client.StateDisconnected:
		return ColorDisconnected
	case client.StateConnecting:
		return ColorConnecting
	case client.StateQRRequired:
		return ColorQRRequired
	case client.StateConnected:
		return ColorConnected
	case client.StateReconnecting:
		return ColorReconnecting
	case client.StateFailed:
		return ColorFailed
	case client.StateConflict:
		return ColorConflict
	case client.StateConflictResolved:
		return ColorConflictResolved
	default:
		return ColorUnknown
	}
}

// StateGlyph returns a Unicode glyph representing a session state.
func StateGlyph(s client.State) string {
	switch s {
	case client.StateDisconnected:
		return "○"
	case client.StateConnecting:
		return "◌"
	case client.StateQRRequired:
		return "▣"
	case client.StateConnected:
		return "●"
	case client.StateReconnecting:
		return "↻"
	case client.StateFailed:
		return "✗"
	case client.StateConflict:
		return "⚠"
	case client.StateConflictResolved:
		return "✓"
	default:
		return "·"
	}
}

// RenderState renders glyph and state name in the state's color.
func RenderState(s client.State) string {
	return lipgloss.NewStyle().Foreground(StateColor(s)).Render(StateGlyph(s) + " " + s.String())
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorDanger)
)
