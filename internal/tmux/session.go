package tmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionConfig describes a session the supervisor may create on demand:
// a name, an optional starting directory, named windows beyond the first,
// and setup commands typed into the first pane.
type SessionConfig struct {
	Name     string
	StartDir string
	Windows  []string
	Commands []string
}

// HasSession reports whether the named session exists. A missing session
// is a normal answer, not an error.
func (a *Adapter) HasSession(ctx context.Context, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, errors.New("session name is required")
	}
	ctx, cancel := context.WithTimeout(ctx, a.captureTimeout)
	defer cancel()
	err := a.exec.Run(ctx, "tmux", a.withSocket("has-session", "-t", name)...)
	if err == nil {
		return true, nil
	}
	if errors.Is(classify(err), ErrPaneGone) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

// CreateSession builds the session described by cfg: a detached session,
// extra windows, then setup commands typed into the first pane.
func (a *Adapter) CreateSession(ctx context.Context, cfg SessionConfig) error {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return errors.New("session name is required")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	args := []string{"new-session", "-d", "-s", name}
	if cfg.StartDir != "" {
		args = append(args, "-c", cfg.StartDir)
	}
	if len(cfg.Windows) > 0 {
		args = append(args, "-n", cfg.Windows[0])
	}
	if err := a.exec.Run(ctx, "tmux", a.withSocket(args...)...); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	for _, window := range cfg.Windows[min(1, len(cfg.Windows)):] {
		winArgs := []string{"new-window", "-d", "-t", name, "-n", window}
		if cfg.StartDir != "" {
			winArgs = append(winArgs, "-c", cfg.StartDir)
		}
		if err := a.exec.Run(ctx, "tmux", a.withSocket(winArgs...)...); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	first := PaneRef{Session: name, Window: 0, Pane: 0}
	for _, command := range cfg.Commands {
		if err := a.SendKeys(ctx, first, command, true); err != nil {
			return err
		}
	}
	return nil
}
