package collector

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"yesman/internal/logging"
	"yesman/internal/tmux"
)

// Snapshot is one observed pane state. Seq is strictly monotonic per pane
// and only advances when the content actually changed.
type Snapshot struct {
	Pane       tmux.PaneRef
	Seq        uint64
	Text       string
	Hash       string
	CapturedAt time.Time
}

type Config struct {
	PollInterval    time.Duration
	PollMaxInterval time.Duration
	PollIdleSamples int
	CaptureLines    int
	BackoffMin      time.Duration
	BackoffMax      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.PollMaxInterval <= 0 {
		c.PollMaxInterval = 2 * time.Second
	}
	if c.PollIdleSamples <= 0 {
		c.PollIdleSamples = 4
	}
	if c.CaptureLines <= 0 {
		c.CaptureLines = 200
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// pacer adapts the poll interval: after PollIdleSamples identical
// captures the interval doubles up to the cap, and any change snaps it
// back to the base rate.
type pacer struct {
	cfg      Config
	idle     int
	interval time.Duration
}

func newPacer(cfg Config) *pacer {
	return &pacer{cfg: cfg, interval: cfg.PollInterval}
}

func (p *pacer) observe(changed bool) time.Duration {
	if changed {
		p.idle = 0
		p.interval = p.cfg.PollInterval
		return p.interval
	}
	p.idle++
	if p.idle >= p.cfg.PollIdleSamples {
		p.idle = 0
		p.interval *= 2
		if p.interval > p.cfg.PollMaxInterval {
			p.interval = p.cfg.PollMaxInterval
		}
	}
	return p.interval
}

type Collector struct {
	backend tmux.Backend
	cfg     Config
	logger  *slog.Logger
}

func New(backend tmux.Backend, cfg Config, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Collector{
		backend: backend,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("module", "collector"),
	}
}

// Run polls one pane until the context ends or the pane disappears. A
// vanished pane ends the sequence normally with a nil error. Backend
// failures do not end the sequence: the loop backs off exponentially and
// reports the degradation once per episode through degraded.
func (c *Collector) Run(ctx context.Context, pane tmux.PaneRef, emit func(Snapshot), degraded func(error)) error {
	logger := c.logger.With("pane", pane.Target())

	var (
		seq      uint64
		lastHash string
		pace     = newPacer(c.cfg)
		interval = c.cfg.PollInterval
		backoff  time.Duration
	)

	for {
		text, err := c.backend.Capture(ctx, pane, c.cfg.CaptureLines)
		switch {
		case err == nil:
			if backoff > 0 {
				logger.Info("backend recovered")
				backoff = 0
			}
			sum := sha1.Sum([]byte(text))
			hash := hex.EncodeToString(sum[:])
			changed := hash != lastHash || seq == 0
			interval = pace.observe(changed)
			if changed {
				seq++
				lastHash = hash
				emit(Snapshot{
					Pane:       pane,
					Seq:        seq,
					Text:       text,
					Hash:       hash,
					CapturedAt: time.Now(),
				})
			}
		case errors.Is(err, tmux.ErrPaneGone):
			logger.Info("pane gone, ending capture", "seq", seq)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			if backoff == 0 {
				backoff = c.cfg.BackoffMin
				logger.Warn("backend unavailable, backing off", "err", err)
				if degraded != nil {
					degraded(err)
				}
			} else {
				backoff *= 2
				if backoff > c.cfg.BackoffMax {
					backoff = c.cfg.BackoffMax
				}
			}
		}

		wait := interval
		if backoff > 0 {
			wait = backoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
