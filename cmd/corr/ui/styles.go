// Package ui provides the visual styling for the corr CLI: the summary
// blocks the commands print and the pages of the interactive browser.
package ui

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	// Light mode colors
	LightForeground = lipgloss.Color("#1c2733")
	LightPrimary    = lipgloss.Color("#0f4c81")
	LightAccent     = lipgloss.Color("#2e7d64")
	LightMuted      = lipgloss.Color("#7a8691")
	LightBorder     = lipgloss.Color("#d4dae0")
	LightCard       = lipgloss.Color("#f4f6f8")

	// Dark mode colors
	DarkForeground = lipgloss.Color("#e8edf2")
	DarkPrimary    = lipgloss.Color("#6fb3e0")
	DarkAccent     = lipgloss.Color("#63c7a4")
	DarkMuted      = lipgloss.Color("#6b7682")
	DarkBorder     = lipgloss.Color("#37414d")
	DarkCard       = lipgloss.Color("#1d2630")

	// Semantic colors, same in both modes
	Success = lipgloss.Color("#4caf50")
	Failure = lipgloss.Color("#e05252")
	Caution = lipgloss.Color("#e0a535")
	Note    = lipgloss.Color("#5294e0")
)

// Theme holds the active color scheme.
type Theme struct {
	Foreground lipgloss.Color
	Primary    lipgloss.Color
	Accent     lipgloss.Color
	Muted      lipgloss.Color
	Border     lipgloss.Color
	Card       lipgloss.Color
	IsDark     bool
}

// LightTheme returns the light scheme.
func LightTheme() Theme {
	return Theme{
		Foreground: LightForeground,
		Primary:    LightPrimary,
		Accent:     LightAccent,
		Muted:      LightMuted,
		Border:     LightBorder,
		Card:       LightCard,
	}
}

// DarkTheme returns the dark scheme.
func DarkTheme() Theme {
	return Theme{
		Foreground: DarkForeground,
		Primary:    DarkPrimary,
		Accent:     DarkAccent,
		Muted:      DarkMuted,
		Border:     DarkBorder,
		Card:       DarkCard,
		IsDark:     true,
	}
}

// DetectTheme picks a scheme from the terminal environment. COLORFGBG,
// when set, names the background color index; low indices are dark
// backgrounds. CORR_DARK_MODE=1 forces dark.
func DetectTheme() Theme {
	if os.Getenv("CORR_DARK_MODE") == "1" {
		return DarkTheme()
	}
	if fgbg := os.Getenv("COLORFGBG"); fgbg != "" {
		parts := strings.Split(fgbg, ";")
		if len(parts) >= 2 {
			if bg, err := strconv.Atoi(parts[len(parts)-1]); err == nil {
				if (bg >= 0 && bg <= 6) || bg == 8 {
					return DarkTheme()
				}
			}
		}
	}
	return LightTheme()
}

// Styles holds the styled components the CLI renders with.
type Styles struct {
	Theme Theme

	Header   lipgloss.Style
	Footer   lipgloss.Style
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Body     lipgloss.Style
	Muted    lipgloss.Style
	Bold     lipgloss.Style

	Good    lipgloss.Style
	Bad     lipgloss.Style
	Warn    lipgloss.Style
	Info    lipgloss.Style
	Badge   lipgloss.Style
	Divider lipgloss.Style

	Selected lipgloss.Style
	Card     lipgloss.Style
}

// NewStyles builds the component styles for a theme.
func NewStyles(theme Theme) Styles {
	return Styles{
		Theme: theme,

		Header: lipgloss.NewStyle().
			Background(theme.Primary).
			Foreground(lipgloss.Color("#ffffff")).
			Padding(0, 1).
			Bold(true),

		Footer: lipgloss.NewStyle().
			Foreground(theme.Muted).
			Padding(0, 1),

		Title: lipgloss.NewStyle().
			Foreground(theme.Primary).
			Bold(true),

		Subtitle: lipgloss.NewStyle().
			Foreground(theme.Muted).
			Italic(true),

		Body: lipgloss.NewStyle().
			Foreground(theme.Foreground),

		Muted: lipgloss.NewStyle().
			Foreground(theme.Muted),

		Bold: lipgloss.NewStyle().
			Foreground(theme.Foreground).
			Bold(true),

		Good: lipgloss.NewStyle().
			Foreground(Success).
			Bold(true),

		Bad: lipgloss.NewStyle().
			Foreground(Failure).
			Bold(true),

		Warn: lipgloss.NewStyle().
			Foreground(Caution).
			Bold(true),

		Info: lipgloss.NewStyle().
			Foreground(Note),

		Badge: lipgloss.NewStyle().
			Background(theme.Accent).
			Foreground(lipgloss.Color("#ffffff")).
			Padding(0, 1).
			Bold(true),

		Divider: lipgloss.NewStyle().
			Foreground(theme.Border),

		Selected: lipgloss.NewStyle().
			Background(theme.Card).
			Foreground(theme.Primary).
			Bold(true),

		Card: lipgloss.NewStyle().
			Background(theme.Card).
			Foreground(theme.Foreground).
			Padding(0, 1),
	}
}

// DefaultStyles returns styles for the detected theme.
func DefaultStyles() Styles {
	return NewStyles(DetectTheme())
}

// RenderDivider draws a horizontal rule of the given width.
func (s Styles) RenderDivider(width int) string {
	if width <= 0 {
		width = 60
	}
	return s.Divider.Render(strings.Repeat("─", width))
}

// StateStyle picks the status style for a run state string.
func (s Styles) StateStyle(state string) lipgloss.Style {
	switch state {
	case "DONE":
		return s.Good
	case "DEGRADED":
		return s.Warn
	case "FAILED":
		return s.Bad
	default:
		return s.Info
	}
}
