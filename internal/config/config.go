package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	LocalHost string
	LocalPort int
	LogLevel  string

	TmuxSocket string

	PatternDir string
	StoreDir   string
	DBPath     string

	PollInterval    time.Duration
	PollMaxInterval time.Duration
	PollIdleSamples int

	Debounce          time.Duration
	Cooldown          time.Duration
	ReconcileInterval time.Duration
	ShutdownGrace     time.Duration

	CaptureTimeout  time.Duration
	SendKeysTimeout time.Duration
	FlushTimeout    time.Duration
	APITimeout      time.Duration

	CaptureLines int
	TailLines    int
	HistoryLines int

	ConfidenceThreshold float64
	ScoreMargin         float64
	HalfLifeDays        float64
	FailurePenalty      float64
	CrossProject        bool
	CrossProjectWeight  float64
	MaxRecordsPerPrompt int
}

// LoadConfig reads the full configuration from the environment. It is
// called once at process start; timings are not re-read at runtime.
func LoadConfig() Config {
	return loadFromEnv()
}

func loadFromEnv() Config {
	host := os.Getenv("YESMAN_LOCAL_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	level := os.Getenv("YESMAN_LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	dataDir := defaultDataDir()
	patternDir := os.Getenv("YESMAN_PATTERN_DIR")
	if patternDir == "" {
		patternDir = filepath.Join(dataDir, "patterns")
	}
	storeDir := os.Getenv("YESMAN_STORE_DIR")
	if storeDir == "" {
		storeDir = filepath.Join(dataDir, "learn")
	}
	dbPath := os.Getenv("YESMAN_DB_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "yesman.db")
	}

	return Config{
		LocalHost: host,
		LocalPort: intFromEnv("YESMAN_LOCAL_PORT", 8001),
		LogLevel:  level,

		TmuxSocket: os.Getenv("YESMAN_TMUX_SOCKET"),

		PatternDir: patternDir,
		StoreDir:   storeDir,
		DBPath:     dbPath,

		PollInterval:    msFromEnv("YESMAN_POLL_INTERVAL_MS", 250),
		PollMaxInterval: msFromEnv("YESMAN_POLL_MAX_INTERVAL_MS", 2000),
		PollIdleSamples: intFromEnv("YESMAN_POLL_IDLE_SAMPLES", 4),

		Debounce:          msFromEnv("YESMAN_DEBOUNCE_MS", 400),
		Cooldown:          msFromEnv("YESMAN_COOLDOWN_MS", 1500),
		ReconcileInterval: msFromEnv("YESMAN_RECONCILE_INTERVAL_MS", 5000),
		ShutdownGrace:     msFromEnv("YESMAN_SHUTDOWN_GRACE_MS", 3000),

		CaptureTimeout:  msFromEnv("YESMAN_CAPTURE_TIMEOUT_MS", 2000),
		SendKeysTimeout: msFromEnv("YESMAN_SENDKEYS_TIMEOUT_MS", 2000),
		FlushTimeout:    msFromEnv("YESMAN_FLUSH_TIMEOUT_MS", 5000),
		APITimeout:      msFromEnv("YESMAN_API_TIMEOUT_MS", 10000),

		CaptureLines: intFromEnv("YESMAN_CAPTURE_LINES", 200),
		TailLines:    intFromEnv("YESMAN_TAIL_LINES", 40),
		HistoryLines: intFromEnv("YESMAN_HISTORY_LINES", 2000),

		ConfidenceThreshold: floatFromEnv("YESMAN_CONFIDENCE_THRESHOLD", 0.7),
		ScoreMargin:         floatFromEnv("YESMAN_SCORE_MARGIN", 0.15),
		HalfLifeDays:        floatFromEnv("YESMAN_HALF_LIFE_DAYS", 14),
		FailurePenalty:      floatFromEnv("YESMAN_FAILURE_PENALTY", 1.0),
		CrossProject:        os.Getenv("YESMAN_CROSS_PROJECT") != "0",
		CrossProjectWeight:  floatFromEnv("YESMAN_CROSS_PROJECT_WEIGHT", 0.5),
		MaxRecordsPerPrompt: intFromEnv("YESMAN_MAX_RECORDS_PER_PROMPT", 500),
	}
}

func defaultDataDir() string {
	if override := strings.TrimSpace(os.Getenv("YESMAN_DATA_DIR")); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Clean(".yesman")
	}
	return filepath.Join(home, ".local", "share", "yesman")
}

func intFromEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func msFromEnv(key string, fallbackMs int) time.Duration {
	return time.Duration(intFromEnv(key, fallbackMs)) * time.Millisecond
}

func floatFromEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}
