package ui

import (
	"fmt"
	"strings"
	"time"
)

// SendStats summarises one send for the line printed after the answer.
type SendStats struct {
	StartTime time.Time
	Tokens    int
	Speed     float64
	Turns     int
	Stopped   bool
}

// NewSendStats creates stats with StartTime set to now.
func NewSendStats() *SendStats {
	return &SendStats{StartTime: time.Now()}
}

// Observe records the latest streamed token count and rate.
func (s *SendStats) Observe(tokens int, speed float64) {
	s.Tokens = tokens
	if speed > 0 {
		s.Speed = speed
	}
}

// Render returns the stats as a compact single-line string.
func (s SendStats) Render() string {
	parts := []string{FormatElapsed(time.Since(s.StartTime))}
	if s.Tokens > 0 {
		parts = append(parts, FormatTokenCount(s.Tokens)+" tokens")
	}
	if speed := FormatSpeed(s.Speed); speed != "" {
		parts = append(parts, speed)
	}
	if s.Turns > 1 {
		parts = append(parts, fmt.Sprintf("%d turns", s.Turns))
	}
	line := "Stats: " + strings.Join(parts, " | ")
	if s.Stopped {
		line += " | stopped"
	}
	return line
}
