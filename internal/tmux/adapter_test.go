package tmux

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type FakeExec struct {
	OutputText string
	OutputErr  error
	RunErr     error
	LastArgs   string
	RunCalls   []string
}

func (f *FakeExec) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	f.LastArgs = strings.Join(append([]string{name}, args...), " ")
	return []byte(f.OutputText), f.OutputErr
}

func (f *FakeExec) Run(_ context.Context, name string, args ...string) error {
	f.LastArgs = strings.Join(append([]string{name}, args...), " ")
	f.RunCalls = append(f.RunCalls, f.LastArgs)
	return f.RunErr
}

func TestParsePaneRef_RoundTrip(t *testing.T) {
	ref, err := ParsePaneRef("work:2.1")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ref.Session != "work" || ref.Window != 2 || ref.Pane != 1 {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if ref.Target() != "work:2.1" {
		t.Fatalf("unexpected target: %s", ref.Target())
	}
}

func TestParsePaneRef_Malformed(t *testing.T) {
	for _, target := range []string{"", "work", "work:x.y", ":0.0", "work:0"} {
		if _, err := ParsePaneRef(target); err == nil {
			t.Fatalf("expected error for %q", target)
		}
	}
}

func TestAdapter_Enumerate_GroupsBySession(t *testing.T) {
	f := &FakeExec{OutputText: "beta:0.0\nalpha:0.0\nalpha:1.0\n"}
	a := NewAdapter(f, AdapterOptions{})
	sessions, err := a.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("enumerate failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].Session != "alpha" || len(sessions[0].Panes) != 2 {
		t.Fatalf("unexpected first session: %+v", sessions[0])
	}
	if f.LastArgs != "tmux list-panes -a -F #{session_name}:#{window_index}.#{pane_index}" {
		t.Fatalf("unexpected command: %s", f.LastArgs)
	}
}

func TestAdapter_Enumerate_BackendDown(t *testing.T) {
	f := &FakeExec{OutputErr: errors.New("no server running on /tmp/tmux-0/default")}
	a := NewAdapter(f, AdapterOptions{})
	if _, err := a.Enumerate(context.Background()); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestAdapter_Capture_UsesSocketAndTail(t *testing.T) {
	f := &FakeExec{OutputText: "a\nb\nc\nd\n"}
	a := NewAdapter(f, AdapterOptions{Socket: "ym_test"})
	ref := PaneRef{Session: "s1", Window: 0, Pane: 0}
	text, err := a.Capture(context.Background(), ref, 2)
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if text != "c\nd" {
		t.Fatalf("expected last two lines, got %q", text)
	}
	if f.LastArgs != "tmux -L ym_test capture-pane -p -e -N -S -2 -E - -t s1:0.0" {
		t.Fatalf("unexpected command: %s", f.LastArgs)
	}
}

func TestAdapter_Capture_PaneGone(t *testing.T) {
	f := &FakeExec{OutputErr: errors.New("exit status 1: can't find pane: s1:0.0")}
	a := NewAdapter(f, AdapterOptions{})
	_, err := a.Capture(context.Background(), PaneRef{Session: "s1"}, 40)
	if !errors.Is(err, ErrPaneGone) {
		t.Fatalf("expected ErrPaneGone, got %v", err)
	}
}

func TestAdapter_SendKeys_LiteralThenEnter(t *testing.T) {
	f := &FakeExec{}
	a := NewAdapter(f, AdapterOptions{})
	ref := PaneRef{Session: "s1", Window: 0, Pane: 1}
	if err := a.SendKeys(context.Background(), ref, "y", true); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(f.RunCalls) != 2 {
		t.Fatalf("expected 2 commands, got %v", f.RunCalls)
	}
	if f.RunCalls[0] != "tmux send-keys -l -t s1:0.1 y" {
		t.Fatalf("unexpected literal send: %s", f.RunCalls[0])
	}
	if f.RunCalls[1] != "tmux send-keys -t s1:0.1 Enter" {
		t.Fatalf("unexpected enter send: %s", f.RunCalls[1])
	}
}

func TestAdapter_SendKeys_EmptyKeysOnlyEnter(t *testing.T) {
	f := &FakeExec{}
	a := NewAdapter(f, AdapterOptions{})
	if err := a.SendKeys(context.Background(), PaneRef{Session: "s1"}, "", true); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(f.RunCalls) != 1 || !strings.HasSuffix(f.RunCalls[0], "Enter") {
		t.Fatalf("expected single Enter send, got %v", f.RunCalls)
	}
}

func TestAdapter_SendKeys_BackendDown(t *testing.T) {
	f := &FakeExec{RunErr: errors.New("error connecting to /tmp/tmux-0/default")}
	a := NewAdapter(f, AdapterOptions{})
	err := a.SendKeys(context.Background(), PaneRef{Session: "s1"}, "y", false)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestClassify_PaneVariants(t *testing.T) {
	cases := []struct {
		msg  string
		want error
	}{
		{"can't find pane: x", ErrPaneGone},
		{"can't find session: y", ErrPaneGone},
		{"lost server", ErrBackendUnavailable},
		{"executable file not found", ErrBackendUnavailable},
	}
	for _, c := range cases {
		if got := classify(errors.New(c.msg)); !errors.Is(got, c.want) {
			t.Fatalf("classify(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}
