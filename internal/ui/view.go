package ui

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/reflow/wordwrap"

	"github.com/samsaffron/llmchat/internal/chat"
)

// maxViewLines is the number of trailing answer lines kept in View().
// Longer answers are printed in full once the send finishes.
const maxViewLines = 12

// toastTTL is how long non-loading toasts stay visible.
const toastTTL = 5 * time.Second

type phaseMsg chat.Phase
type updateMsg chat.Update
type progressMsg chat.PromptProgress
type toastMsg chat.Toast
type tickMsg time.Time

// pauseMsg asks the model to stop drawing before the terminal is released.
type pauseMsg struct {
	done chan<- struct{}
}
type resumeMsg struct{}

// DoneMsg ends the program once the send returned.
type DoneMsg struct{}

type activeToast struct {
	toast chat.Toast
	at    time.Time
}

// StreamModel is the bubbletea model shown while a send runs.
type StreamModel struct {
	spinner  spinner.Model
	progress promptProgress
	styles   *Styles
	width    int
	cancel   func()

	phase     chat.Phase
	content   string
	tokens    int
	speed     float64
	toasts    []activeToast
	startTime time.Time

	cancelled bool
	done      bool
	paused    bool
}

// NewStreamModel creates the model. cancel is called on esc or ctrl+c.
func NewStreamModel(styles *Styles, width int, cancel func()) StreamModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styles.Spinner

	return StreamModel{
		spinner:   s,
		progress:  newPromptProgress(styles.Theme(), width),
		styles:    styles,
		width:     width,
		cancel:    cancel,
		phase:     chat.PhasePreparing,
		startTime: time.Now(),
	}
}

func (m StreamModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickEvery())
}

// tickEvery refreshes elapsed time and expires toasts.
func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Content returns the streamed answer so far.
func (m StreamModel) Content() string {
	return m.content
}

// Stats returns the token count and rate of the last update.
func (m StreamModel) Stats() (tokens int, speed float64) {
	return m.tokens, m.speed
}

func (m StreamModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "esc" {
			if m.cancelled {
				return m, tea.Quit
			}
			m.cancelled = true
			if m.cancel != nil {
				m.cancel()
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.resize(msg.Width)

	case phaseMsg:
		m.phase = chat.Phase(msg)
		if m.phase == chat.PhaseStreaming || m.phase == chat.PhaseNonStreaming {
			m.content = ""
		}

	case updateMsg:
		m.content = msg.Content
		m.tokens = msg.Tokens
		if msg.TokenSpeed > 0 {
			m.speed = msg.TokenSpeed
		}

	case progressMsg:
		m.progress.set(msg.Fraction, msg.Done)

	case toastMsg:
		m.toasts = applyToast(m.toasts, chat.Toast(msg), time.Now())

	case tickMsg:
		m.toasts = expireToasts(m.toasts, time.Time(msg))
		return m, tickEvery()

	case pauseMsg:
		m.paused = true
		close(msg.done)

	case resumeMsg:
		m.paused = false
		return m, m.spinner.Tick

	case DoneMsg:
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// applyToast adds t, replaces the toast with the same ID, or removes it
// when t dismisses.
func applyToast(toasts []activeToast, t chat.Toast, now time.Time) []activeToast {
	kept := toasts[:0:0]
	for _, a := range toasts {
		if t.ID == "" || a.toast.ID != t.ID {
			kept = append(kept, a)
		}
	}
	if t.Dismiss {
		return kept
	}
	return append(kept, activeToast{toast: t, at: now})
}

func expireToasts(toasts []activeToast, now time.Time) []activeToast {
	kept := toasts[:0:0]
	for _, a := range toasts {
		if a.toast.Level == chat.ToastLoading || now.Sub(a.at) < toastTTL {
			kept = append(kept, a)
		}
	}
	return kept
}

func (m StreamModel) View() string {
	if m.done || m.paused {
		return ""
	}
	var b strings.Builder

	if content := m.tail(); content != "" {
		b.WriteString(content)
		b.WriteString("\n\n")
	}

	for _, a := range m.toasts {
		b.WriteString(m.renderToast(a.toast))
		b.WriteString("\n")
	}

	if bar := m.progress.view(); bar != "" {
		b.WriteString(bar)
		b.WriteString(" ")
		b.WriteString(m.styles.Muted.Render("processing prompt"))
		b.WriteString("\n")
	}

	b.WriteString(m.statusLine())
	b.WriteString("\n")
	return b.String()
}

// tail wraps the answer to the terminal and keeps the last lines.
func (m StreamModel) tail() string {
	if m.content == "" {
		return ""
	}
	wrapped := m.content
	if m.width > 0 {
		wrapped = wordwrap.String(m.content, m.width)
	}
	lines := strings.Split(strings.TrimRight(wrapped, "\n"), "\n")
	if len(lines) > maxViewLines {
		lines = lines[len(lines)-maxViewLines:]
	}
	return strings.Join(lines, "\n")
}

func (m StreamModel) statusLine() string {
	parts := []string{m.spinner.View() + " " + m.phase.String(), FormatElapsed(time.Since(m.startTime))}
	if m.tokens > 0 {
		parts = append(parts, FormatTokenCount(m.tokens)+" tokens")
	}
	if speed := FormatSpeed(m.speed); speed != "" {
		parts = append(parts, speed)
	}
	if m.cancelled {
		parts = append(parts, "stopping")
	} else {
		parts = append(parts, "esc to stop")
	}
	line := strings.Join(parts, " · ")
	if m.width > 0 {
		line = ansi.Truncate(line, m.width, "…")
	}
	return m.styles.Muted.Render(line)
}

func (m StreamModel) renderToast(t chat.Toast) string {
	icon, style := InfoIcon, m.styles.Muted
	switch t.Level {
	case chat.ToastLoading:
		icon = m.spinner.View()
	case chat.ToastWarning:
		icon, style = WarnIcon, m.styles.Warning
	case chat.ToastError:
		icon, style = FailIcon, m.styles.Error
	}
	text := t.Title
	if t.Description != "" {
		text += ": " + t.Description
	}
	line := icon + " " + text
	if m.width > 0 {
		line = ansi.Truncate(line, m.width, "…")
	}
	return style.Render(line)
}
