package ui

import (
	"io"

	"github.com/charmbracelet/glamour/ansi"
	"github.com/charmbracelet/glamour/styles"
	"github.com/charmbracelet/lipgloss"
)

// Theme defines the color palette for the UI
type Theme struct {
	Primary   lipgloss.Color // accents, spinner
	Secondary lipgloss.Color // headers, links
	Success   lipgloss.Color
	Error     lipgloss.Color
	Warning   lipgloss.Color
	Muted     lipgloss.Color // status lines, metadata
	Text      lipgloss.Color
}

// DefaultTheme returns the default color theme (gruvbox)
func DefaultTheme() *Theme {
	return &Theme{
		Primary:   lipgloss.Color("#b8bb26"), // gruvbox green
		Secondary: lipgloss.Color("#83a598"), // gruvbox aqua
		Success:   lipgloss.Color("#b8bb26"),
		Error:     lipgloss.Color("#fb4934"), // gruvbox red
		Warning:   lipgloss.Color("#fabd2f"), // gruvbox yellow
		Muted:     lipgloss.Color("#928374"), // gruvbox gray
		Text:      lipgloss.Color("#ebdbb2"), // gruvbox foreground
	}
}

// Status indicators
const (
	SuccessIcon = "✓"
	FailIcon    = "✗"
	WarnIcon    = "!"
	InfoIcon    = "•"
)

// Styles returns styled text helpers bound to a renderer
type Styles struct {
	theme *Theme

	Title   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Muted   lipgloss.Style
	Bold    lipgloss.Style
	Spinner lipgloss.Style

	TableHeader lipgloss.Style
	TableCell   lipgloss.Style
}

// NewStyles creates styles for the given output. Color support is detected
// from the writer.
func NewStyles(output io.Writer) *Styles {
	return NewStylesWithTheme(output, DefaultTheme())
}

// NewStylesWithTheme creates styles with a specific theme
func NewStylesWithTheme(output io.Writer, theme *Theme) *Styles {
	r := lipgloss.NewRenderer(output)
	return &Styles{
		theme:       theme,
		Title:       r.NewStyle().Bold(true).Foreground(theme.Secondary),
		Success:     r.NewStyle().Foreground(theme.Success),
		Error:       r.NewStyle().Foreground(theme.Error),
		Warning:     r.NewStyle().Foreground(theme.Warning),
		Muted:       r.NewStyle().Foreground(theme.Muted),
		Bold:        r.NewStyle().Bold(true),
		Spinner:     r.NewStyle().Foreground(theme.Primary),
		TableHeader: r.NewStyle().Bold(true).Foreground(theme.Secondary).PaddingRight(2),
		TableCell:   r.NewStyle().PaddingRight(2),
	}
}

func (s *Styles) Theme() *Theme {
	return s.theme
}

// GlamourStyle returns the markdown style for final answers: the stock dark
// or light style without document margins, with headings and links in theme
// colors.
func GlamourStyle(theme *Theme, dark bool) ansi.StyleConfig {
	cfg := styles.LightStyleConfig
	if dark {
		cfg = styles.DarkStyleConfig
	}
	margin := uint(0)
	cfg.Document.Margin = &margin
	cfg.Document.BlockPrefix = ""
	cfg.Document.BlockSuffix = ""
	cfg.CodeBlock.Margin = &margin

	if dark {
		heading := string(theme.Secondary)
		link := string(theme.Primary)
		cfg.Heading.Color = &heading
		cfg.Link.Color = &link
		cfg.LinkText.Color = &link
	}
	return cfg
}
