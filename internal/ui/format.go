package ui

import (
	"fmt"
	"time"
)

// FormatTokenCount abbreviates a token count: 950, 1.2K, 3.4M.
func FormatTokenCount(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1000:
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatUsage formats a thread's token total, or "--" when nothing was
// recorded.
func FormatUsage(total int, ok bool) string {
	if !ok {
		return "--"
	}
	return FormatTokenCount(total)
}

// FormatSpeed formats a generation rate. Zero renders as empty.
func FormatSpeed(tokensPerSecond float64) string {
	if tokensPerSecond <= 0 {
		return ""
	}
	return fmt.Sprintf("%.1f tok/s", tokensPerSecond)
}

// FormatElapsed formats a duration for status lines.
func FormatElapsed(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	d = d.Round(time.Second)
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}
