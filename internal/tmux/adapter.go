package tmux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrPaneGone reports that the addressed pane no longer exists. It is a
// recoverable result, not a failure of the backend.
var ErrPaneGone = errors.New("pane gone")

// ErrBackendUnavailable reports that the tmux server could not be reached.
var ErrBackendUnavailable = errors.New("tmux backend unavailable")

// Backend is the capability the rest of the system depends on. The real
// Adapter shells out to tmux; tests use a scripted fake.
type Backend interface {
	Enumerate(ctx context.Context) ([]SessionPanes, error)
	Capture(ctx context.Context, ref PaneRef, maxLines int) (string, error)
	CaptureHistory(ctx context.Context, ref PaneRef, lines int) (string, error)
	SendKeys(ctx context.Context, ref PaneRef, keys string, pressEnter bool) error
	HasSession(ctx context.Context, name string) (bool, error)
	CreateSession(ctx context.Context, cfg SessionConfig) error
	KillSession(ctx context.Context, session string) error
}

type SessionPanes struct {
	Session string
	Panes   []PaneRef
}

type Adapter struct {
	exec            Exec
	tmuxSocket      string
	captureTimeout  time.Duration
	sendKeysTimeout time.Duration
}

type AdapterOptions struct {
	Socket          string
	CaptureTimeout  time.Duration
	SendKeysTimeout time.Duration
}

func NewAdapter(e Exec, opts AdapterOptions) *Adapter {
	capture := opts.CaptureTimeout
	if capture <= 0 {
		capture = 2 * time.Second
	}
	send := opts.SendKeysTimeout
	if send <= 0 {
		send = 2 * time.Second
	}
	return &Adapter{
		exec:            e,
		tmuxSocket:      strings.TrimSpace(opts.Socket),
		captureTimeout:  capture,
		sendKeysTimeout: send,
	}
}

func (a *Adapter) SocketName() string {
	if a == nil {
		return ""
	}
	return a.tmuxSocket
}

// Enumerate lists every pane grouped by session, sorted by session name.
func (a *Adapter) Enumerate(ctx context.Context) ([]SessionPanes, error) {
	ctx, cancel := context.WithTimeout(ctx, a.captureTimeout)
	defer cancel()
	out, err := a.exec.Output(ctx, "tmux", a.withSocket("list-panes", "-a", "-F", "#{session_name}:#{window_index}.#{pane_index}")...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		return []SessionPanes{}, nil
	}
	bySession := map[string][]PaneRef{}
	for _, line := range strings.Split(text, "\n") {
		ref, err := ParsePaneRef(line)
		if err != nil {
			continue
		}
		bySession[ref.Session] = append(bySession[ref.Session], ref)
	}
	names := make([]string, 0, len(bySession))
	for name := range bySession {
		names = append(names, name)
	}
	sort.Strings(names)
	result := make([]SessionPanes, 0, len(names))
	for _, name := range names {
		result = append(result, SessionPanes{Session: name, Panes: bySession[name]})
	}
	return result, nil
}

// Capture returns the last maxLines of the pane's scrollback-and-screen
// concatenation with escape sequences preserved.
func (a *Adapter) Capture(ctx context.Context, ref PaneRef, maxLines int) (string, error) {
	if maxLines <= 0 {
		maxLines = 200
	}
	ctx, cancel := context.WithTimeout(ctx, a.captureTimeout)
	defer cancel()
	start := fmt.Sprintf("-%d", maxLines)
	out, err := a.exec.Output(ctx, "tmux", a.withSocket("capture-pane", "-p", "-e", "-N", "-S", start, "-E", "-", "-t", ref.Target())...)
	if err != nil {
		return "", classify(err)
	}
	return trimToLastLines(string(out), maxLines), nil
}

func (a *Adapter) CaptureHistory(ctx context.Context, ref PaneRef, lines int) (string, error) {
	if lines <= 0 {
		lines = 2000
	}
	return a.Capture(ctx, ref, lines)
}

// SendKeys injects keys into the pane in literal mode, optionally followed
// by an Enter key press.
func (a *Adapter) SendKeys(ctx context.Context, ref PaneRef, keys string, pressEnter bool) error {
	ctx, cancel := context.WithTimeout(ctx, a.sendKeysTimeout)
	defer cancel()
	if keys != "" {
		if err := a.exec.Run(ctx, "tmux", a.withSocket("send-keys", "-l", "-t", ref.Target(), keys)...); err != nil {
			return classify(err)
		}
	}
	if pressEnter {
		if err := a.exec.Run(ctx, "tmux", a.withSocket("send-keys", "-t", ref.Target(), "Enter")...); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (a *Adapter) KillSession(ctx context.Context, session string) error {
	session = strings.TrimSpace(session)
	if session == "" {
		return errors.New("session name is required")
	}
	ctx, cancel := context.WithTimeout(ctx, a.sendKeysTimeout)
	defer cancel()
	if err := a.exec.Run(ctx, "tmux", a.withSocket("kill-session", "-t", session)...); err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) withSocket(args ...string) []string {
	if a.tmuxSocket == "" {
		return args
	}
	return append([]string{"-L", a.tmuxSocket}, args...)
}

// classify maps raw tmux failures onto the two result kinds the rest of
// the system distinguishes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "can't find pane"),
		strings.Contains(msg, "can't find window"),
		strings.Contains(msg, "can't find session"),
		strings.Contains(msg, "session not found"):
		return fmt.Errorf("%w: %v", ErrPaneGone, err)
	default:
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
}

func trimToLastLines(text string, n int) string {
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
