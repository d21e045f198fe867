package tmux

import (
	"fmt"
	"strconv"
	"strings"
)

// PaneRef addresses one pane. The underlying pane may vanish between any
// two adapter calls; callers must treat ErrPaneGone as a normal result.
type PaneRef struct {
	Session string
	Window  int
	Pane    int
}

func (r PaneRef) Target() string {
	return fmt.Sprintf("%s:%d.%d", r.Session, r.Window, r.Pane)
}

func (r PaneRef) IsZero() bool {
	return r.Session == ""
}

func ParsePaneRef(target string) (PaneRef, error) {
	target = strings.TrimSpace(target)
	colon := strings.Index(target, ":")
	if colon <= 0 {
		return PaneRef{}, fmt.Errorf("malformed pane target %q", target)
	}
	session := target[:colon]
	rest := target[colon+1:]
	dot := strings.LastIndex(rest, ".")
	if dot <= 0 {
		return PaneRef{}, fmt.Errorf("malformed pane target %q", target)
	}
	window, err := strconv.Atoi(rest[:dot])
	if err != nil {
		return PaneRef{}, fmt.Errorf("malformed window index in %q", target)
	}
	pane, err := strconv.Atoi(rest[dot+1:])
	if err != nil {
		return PaneRef{}, fmt.Errorf("malformed pane index in %q", target)
	}
	return PaneRef{Session: session, Window: window, Pane: pane}, nil
}
