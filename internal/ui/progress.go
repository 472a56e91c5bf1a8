package ui

import (
	"github.com/charmbracelet/bubbles/progress"
)

// promptProgress renders how much of the prompt a local server has
// processed.
type promptProgress struct {
	bar      progress.Model
	fraction float64
	visible  bool
}

func newPromptProgress(theme *Theme, width int) promptProgress {
	bar := progress.New(
		progress.WithSolidFill(string(theme.Primary)),
		progress.WithoutPercentage(),
	)
	bar.Width = progressWidth(width)
	return promptProgress{bar: bar}
}

func progressWidth(termWidth int) int {
	return min(max(termWidth/3, 10), 40)
}

// set updates the fraction. Done hides the bar.
func (p *promptProgress) set(fraction float64, done bool) {
	if done {
		p.visible = false
		p.fraction = 0
		return
	}
	p.visible = true
	p.fraction = min(max(fraction, 0), 1)
}

func (p *promptProgress) resize(width int) {
	p.bar.Width = progressWidth(width)
}

func (p promptProgress) view() string {
	if !p.visible {
		return ""
	}
	return p.bar.ViewAs(p.fraction)
}
