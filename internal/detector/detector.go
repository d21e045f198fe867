package detector

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Detector maps a pane text snapshot to at most one Prompt. It is a pure
// function of the loaded library; Swap replaces the library atomically for
// hot reload.
type Detector struct {
	lib  atomic.Pointer[Library]
	tail int
}

const DefaultTailLines = 40

func New(lib *Library, tail int) *Detector {
	if lib == nil {
		lib = NewLibrary(nil)
	}
	if tail <= 0 {
		tail = DefaultTailLines
	}
	d := &Detector{tail: tail}
	d.lib.Store(lib)
	return d
}

func (d *Detector) Library() *Library {
	return d.lib.Load()
}

func (d *Detector) Swap(lib *Library) {
	if lib == nil {
		return
	}
	d.lib.Store(lib)
}

// Detect inspects only the trailing window of the snapshot; interactive
// prompts live near the cursor and older history is noise. It returns
// false when no pattern matches.
func (d *Detector) Detect(text string) (Prompt, bool) {
	window := Normalize(tailLines(text, d.tail))
	if strings.TrimSpace(window) == "" {
		return Prompt{}, false
	}
	lib := d.lib.Load()
	for _, p := range lib.patterns {
		loc := p.re.FindStringIndex(window)
		if loc == nil {
			continue
		}
		matched := window[loc[0]:loc[1]]
		options := extractOptions(p, matched, window)
		prompt := Prompt{
			Kind:       p.Kind,
			Raw:        matched,
			Options:    options,
			DetectedAt: time.Now().UTC(),
		}
		prompt.Fingerprint = Fingerprint(p.Kind, skeleton(matched, options), len(options))
		return prompt, true
	}
	return Prompt{}, false
}

// Fingerprint is the stable identity of "the same question" across
// cosmetic variation: hash of kind, normalized skeleton, and option count.
func Fingerprint(kind PromptKind, skel string, optionCount int) string {
	sum := sha1.Sum([]byte(string(kind) + "|" + skel + "|" + strconv.Itoa(optionCount)))
	return hex.EncodeToString(sum[:])
}

var (
	numberedLineRe = regexp.MustCompile(`(?m)^(?:❯ ?)?(\d+)[.)] (.+)$`)
	longFormRe     = regexp.MustCompile(`(?i)\(yes/no\)|\[yes/no\]|yes/no`)
)

func extractOptions(p Pattern, matched, window string) []Option {
	switch p.OptionRule {
	case RuleYesNo:
		if longFormRe.MatchString(matched) {
			return []Option{{Index: 0, Label: "yes"}, {Index: 1, Label: "no"}}
		}
		return []Option{{Index: 0, Label: "y"}, {Index: 1, Label: "n"}}
	case RuleNumbered:
		// Source numbering is 1-based; options are exposed 0-based.
		region := matched
		if !numberedLineRe.MatchString(region) {
			region = window
		}
		matches := numberedLineRe.FindAllStringSubmatch(region, -1)
		options := make([]Option, 0, len(matches))
		for _, m := range matches {
			src, err := strconv.Atoi(m[1])
			if err != nil || src < 1 {
				continue
			}
			options = append(options, Option{Index: src - 1, Label: strings.TrimSpace(m[2])})
		}
		return options
	default:
		return nil
	}
}

// String implements a compact debug form used in logs.
func (p Prompt) String() string {
	return fmt.Sprintf("%s[%s] opts=%d", p.Kind, shortFingerprint(p.Fingerprint), len(p.Options))
}

func shortFingerprint(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}
