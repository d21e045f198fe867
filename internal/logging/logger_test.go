package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger_EmitsJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(Options{Level: "debug", Writer: &buf, Component: "supervisor"})
	lg.Debug("hello", "k", "v")
	out := buf.String()
	if !strings.Contains(out, `"component":"supervisor"`) {
		t.Fatalf("missing component field: %s", out)
	}
	if !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("missing attr: %s", out)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(Options{Level: "warn", Writer: &buf})
	lg.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %s", buf.String())
	}
	lg.Warn("kept")
	if buf.Len() == 0 {
		t.Fatal("warn should pass at warn level")
	}
}

func TestParseLevel_Defaults(t *testing.T) {
	if got := ParseLevel("nonsense"); got.String() != "INFO" {
		t.Fatalf("unexpected default level: %s", got)
	}
	if got := ParseLevel(" Warning "); got.String() != "WARN" {
		t.Fatalf("unexpected level: %s", got)
	}
}
