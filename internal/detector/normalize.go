package detector

import (
	"regexp"
	"strings"
)

var (
	csiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	oscRe = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)
	escRe = regexp.MustCompile(`\x1b[@-_]`)
	numRe = regexp.MustCompile(`\d+`)
)

// Normalize strips terminal escape sequences and box-drawing characters and
// collapses runs of whitespace within each line. Line structure is kept so
// option extraction can work per line. Normalize is idempotent.
func Normalize(text string) string {
	text = csiRe.ReplaceAllString(text, "")
	text = oscRe.ReplaceAllString(text, "")
	text = escRe.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		var b strings.Builder
		for _, r := range line {
			if isBoxDrawing(r) {
				b.WriteRune(' ')
				continue
			}
			b.WriteRune(r)
		}
		out = append(out, strings.Join(strings.Fields(b.String()), " "))
	}
	return strings.Join(out, "\n")
}

func isBoxDrawing(r rune) bool {
	return (r >= 0x2500 && r <= 0x257F) || (r >= 0x2580 && r <= 0x259F)
}

// skeleton reduces a normalized prompt to the shape used for
// fingerprinting: lowercase, numeric literals and extracted option labels
// replaced by placeholders. Two invocations of the same question over
// different enumerated items therefore share a skeleton.
func skeleton(normalized string, options []Option) string {
	s := strings.ToLower(normalized)
	for _, opt := range options {
		label := strings.ToLower(strings.TrimSpace(opt.Label))
		if label == "" {
			continue
		}
		s = strings.ReplaceAll(s, label, "_")
	}
	s = numRe.ReplaceAllString(s, "#")
	s = strings.Join(strings.Fields(s), " ")
	return s
}

// tailLines returns the last n lines of text.
func tailLines(text string, n int) string {
	text = strings.TrimRight(text, "\n")
	if n <= 0 || text == "" {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
