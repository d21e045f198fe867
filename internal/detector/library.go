package detector

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Option extraction rules. Patterns are data; the rule names the recipe
// applied to the matched window.
const (
	RuleYesNo    = "yes_no"
	RuleNumbered = "numbered"
	RuleNone     = "none"
)

type Pattern struct {
	Name       string
	Kind       PromptKind
	Priority   int
	OptionRule string
	re         *regexp.Regexp
}

// Library is an ordered set of patterns; lower priorities match first.
type Library struct {
	patterns []Pattern
}

func (l *Library) Len() int {
	if l == nil {
		return 0
	}
	return len(l.patterns)
}

func (l *Library) Patterns() []Pattern {
	if l == nil {
		return nil
	}
	out := make([]Pattern, len(l.patterns))
	copy(out, l.patterns)
	return out
}

type patternFile struct {
	Name     string `toml:"name"`
	Kind     string `toml:"kind"`
	Priority int    `toml:"priority"`
	Regex    string `toml:"regex"`
	Options  string `toml:"options"`
}

// kindDirs maps the on-disk grouping directories to prompt kinds. A file's
// explicit kind field wins over its directory.
var kindDirs = map[string]PromptKind{
	"yes_no":          KindYesNo,
	"numbered":        KindNumberedSelection,
	"binary":          KindBinarySelection,
	"continuation":    KindContinuation,
	"trust_workspace": KindTrustWorkspace,
	"login":           KindLogin,
}

func NewLibrary(patterns []Pattern) *Library {
	sorted := make([]Pattern, len(patterns))
	copy(sorted, patterns)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})
	return &Library{patterns: sorted}
}

// LoadLibrary reads every *.toml pattern file under dir. A missing
// directory yields an empty library; a malformed file is an error.
func LoadLibrary(dir string) (*Library, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return NewLibrary(nil), nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return NewLibrary(nil), nil
	}

	var patterns []Pattern
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".toml") {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var pf patternFile
		if err := toml.Unmarshal(raw, &pf); err != nil {
			return fmt.Errorf("pattern file %s: %w", path, err)
		}
		p, err := buildPattern(pf, filepath.Base(filepath.Dir(path)), path)
		if err != nil {
			return err
		}
		patterns = append(patterns, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NewLibrary(patterns), nil
}

func buildPattern(pf patternFile, parentDir, path string) (Pattern, error) {
	kind := PromptKind(strings.TrimSpace(pf.Kind))
	if kind == "" {
		dirKind, ok := kindDirs[parentDir]
		if !ok {
			return Pattern{}, fmt.Errorf("pattern file %s: no kind and unknown directory %q", path, parentDir)
		}
		kind = dirKind
	}
	if !kind.Valid() || kind == KindUnknown {
		return Pattern{}, fmt.Errorf("pattern file %s: invalid kind %q", path, kind)
	}
	if strings.TrimSpace(pf.Regex) == "" {
		return Pattern{}, fmt.Errorf("pattern file %s: regex is required", path)
	}
	re, err := regexp.Compile(pf.Regex)
	if err != nil {
		return Pattern{}, fmt.Errorf("pattern file %s: %w", path, err)
	}
	rule := strings.TrimSpace(pf.Options)
	if rule == "" {
		rule = defaultRuleForKind(kind)
	}
	switch rule {
	case RuleYesNo, RuleNumbered, RuleNone:
	default:
		return Pattern{}, fmt.Errorf("pattern file %s: unknown option rule %q", path, rule)
	}
	name := strings.TrimSpace(pf.Name)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ".toml")
	}
	return Pattern{Name: name, Kind: kind, Priority: pf.Priority, OptionRule: rule, re: re}, nil
}

func defaultRuleForKind(kind PromptKind) string {
	switch kind {
	case KindYesNo, KindTrustWorkspace:
		return RuleYesNo
	case KindNumberedSelection, KindBinarySelection:
		return RuleNumbered
	default:
		return RuleNone
	}
}
