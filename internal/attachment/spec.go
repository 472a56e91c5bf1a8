package attachment

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Spec is an attachment argument with an optional line range, e.g.
// "main.go:11-22", "notes/**/*.md" or "README.md:-40".
type Spec struct {
	Pattern   string
	StartLine int // 1-indexed, 0 means from the beginning
	EndLine   int // 1-indexed, 0 means to the end
	HasRegion bool
}

var specRe = regexp.MustCompile(`^(.+?)(?::(\d*)-(\d*))?$`)

// ParseSpec splits a line range suffix off an attachment argument.
func ParseSpec(s string) (Spec, error) {
	m := specRe.FindStringSubmatch(s)
	if m == nil {
		return Spec{}, fmt.Errorf("invalid attachment: %q", s)
	}
	spec := Spec{Pattern: m[1]}
	if m[2] == "" && m[3] == "" && !strings.HasSuffix(s, ":-") {
		return spec, nil
	}
	spec.HasRegion = true
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return Spec{}, fmt.Errorf("invalid start line: %s", m[2])
		}
		spec.StartLine = n
	}
	if m[3] != "" {
		n, err := strconv.Atoi(m[3])
		if err != nil {
			return Spec{}, fmt.Errorf("invalid end line: %s", m[3])
		}
		spec.EndLine = n
	}
	return spec, nil
}

// ExtractLines returns lines [start, end] of content, 1-indexed and
// inclusive. Zero bounds are open.
func ExtractLines(content string, start, end int) string {
	lines := strings.Split(content, "\n")
	from := 0
	if start > 0 {
		from = start - 1
	}
	if from >= len(lines) {
		return ""
	}
	to := len(lines)
	if end > 0 && end < to {
		to = end
	}
	if from >= to {
		return ""
	}
	return strings.Join(lines[from:to], "\n")
}
