package config

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()
	if cfg.LocalHost != "127.0.0.1" {
		t.Fatalf("unexpected host: %s", cfg.LocalHost)
	}
	if cfg.LocalPort != 8001 {
		t.Fatalf("unexpected port: %d", cfg.LocalPort)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval: %s", cfg.PollInterval)
	}
	if cfg.Debounce != 400*time.Millisecond {
		t.Fatalf("unexpected debounce: %s", cfg.Debounce)
	}
	if cfg.Cooldown != 1500*time.Millisecond {
		t.Fatalf("unexpected cooldown: %s", cfg.Cooldown)
	}
	if cfg.ConfidenceThreshold != 0.7 || cfg.ScoreMargin != 0.15 {
		t.Fatalf("unexpected scoring defaults: %v %v", cfg.ConfidenceThreshold, cfg.ScoreMargin)
	}
	if !cfg.CrossProject || cfg.CrossProjectWeight != 0.5 {
		t.Fatalf("cross-project defaults wrong: %v %v", cfg.CrossProject, cfg.CrossProjectWeight)
	}
	if cfg.MaxRecordsPerPrompt != 500 {
		t.Fatalf("unexpected record cap: %d", cfg.MaxRecordsPerPrompt)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("YESMAN_LOCAL_PORT", "9100")
	t.Setenv("YESMAN_DEBOUNCE_MS", "150")
	t.Setenv("YESMAN_CROSS_PROJECT", "0")
	t.Setenv("YESMAN_CONFIDENCE_THRESHOLD", "0.9")
	cfg := LoadConfig()
	if cfg.LocalPort != 9100 {
		t.Fatalf("port override ignored: %d", cfg.LocalPort)
	}
	if cfg.Debounce != 150*time.Millisecond {
		t.Fatalf("debounce override ignored: %s", cfg.Debounce)
	}
	if cfg.CrossProject {
		t.Fatal("cross-project should be disabled")
	}
	if cfg.ConfidenceThreshold != 0.9 {
		t.Fatalf("threshold override ignored: %v", cfg.ConfidenceThreshold)
	}
}

func TestLoadConfig_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("YESMAN_LOCAL_PORT", "not-a-number")
	t.Setenv("YESMAN_HALF_LIFE_DAYS", "-3")
	cfg := LoadConfig()
	if cfg.LocalPort != 8001 {
		t.Fatalf("malformed port should fall back: %d", cfg.LocalPort)
	}
	if cfg.HalfLifeDays != 14 {
		t.Fatalf("negative half-life should fall back: %v", cfg.HalfLifeDays)
	}
}

func TestLoadConfig_ReflectsCurrentEnvironment(t *testing.T) {
	t.Setenv("YESMAN_LOCAL_PORT", "9200")
	if cfg := LoadConfig(); cfg.LocalPort != 9200 {
		t.Fatalf("expected 9200, got %d", cfg.LocalPort)
	}
	t.Setenv("YESMAN_LOCAL_PORT", "9300")
	if cfg := LoadConfig(); cfg.LocalPort != 9300 {
		t.Fatalf("expected a fresh read, got %d", cfg.LocalPort)
	}
}
