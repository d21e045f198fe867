package responder

import (
	"time"

	"yesman/internal/learnstore"
)

type Strategy string

const (
	StrategyLearned      Strategy = "learned"
	StrategyDefaultRule  Strategy = "default_rule"
	StrategyUserOverride Strategy = "user_override"
	StrategyAbstain      Strategy = "abstain"
)

type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeFailed            Outcome = "failed"
	OutcomeSupersededByHuman Outcome = "superseded_by_human"
	OutcomeUnknown           Outcome = "unknown"
)

// ContextKey scopes learning: scores are never shared across projects
// except through the widening step.
type ContextKey struct {
	Project string
	Session string
}

type Decision struct {
	Fingerprint string    `json:"fingerprint"`
	Response    string    `json:"response"`
	PressEnter  bool      `json:"pressEnter"`
	Confidence  float64   `json:"confidence"`
	Strategy    Strategy  `json:"strategy"`
	DecidedAt   time.Time `json:"decidedAt"`
}

func (d Decision) Abstained() bool {
	return d.Strategy == StrategyAbstain
}

// Interaction pairs a decision with its observed outcome. Corrections are
// new interactions for the same DecidedAt superseding older ones by
// RecordedAt; nothing is ever mutated in place.
type Interaction struct {
	Context    ContextKey
	Decision   Decision
	Outcome    Outcome
	RecordedAt time.Time
}

func (i Interaction) toRecord() learnstore.Record {
	return learnstore.Record{
		Project:     i.Context.Project,
		SessionID:   i.Context.Session,
		Fingerprint: i.Decision.Fingerprint,
		Response:    i.Decision.Response,
		Strategy:    string(i.Decision.Strategy),
		Confidence:  i.Decision.Confidence,
		Outcome:     string(i.Outcome),
		DecidedAt:   i.Decision.DecidedAt,
		RecordedAt:  i.RecordedAt,
	}
}

// Hints let the caller steer a single decision.
type Hints struct {
	ForceDefault bool
}

type Override struct {
	ID       string
	Response string
	OneShot  bool
}

type Config struct {
	ConfidenceThreshold float64
	ScoreMargin         float64
	HalfLife            time.Duration
	FailurePenalty      float64
	CrossProject        bool
	CrossProjectWeight  float64
	MaxRecordsPerPrompt int
	FlushDelay          time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.7
	}
	if c.ScoreMargin <= 0 {
		c.ScoreMargin = 0.15
	}
	if c.HalfLife <= 0 {
		c.HalfLife = 14 * 24 * time.Hour
	}
	if c.FailurePenalty <= 0 {
		c.FailurePenalty = 1.0
	}
	if c.CrossProjectWeight <= 0 {
		c.CrossProjectWeight = 0.5
	}
	if c.MaxRecordsPerPrompt <= 0 {
		c.MaxRecordsPerPrompt = 500
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = 2 * time.Second
	}
	return c
}
