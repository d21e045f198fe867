package responder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"

	"yesman/internal/detector"
	"yesman/internal/learnstore"
	"yesman/internal/logging"
)

// learnedState is the read side: an immutable snapshot swapped atomically
// by the single writer. Decide never takes a lock on the record data.
type learnedState struct {
	// project -> fingerprint -> records, oldest first
	byProject map[string]map[string][]learnstore.Record
}

func emptyState() *learnedState {
	return &learnedState{byProject: map[string]map[string][]learnstore.Record{}}
}

type overrideKey struct {
	Session     string
	Fingerprint string
}

type counters struct {
	learned  atomic.Int64
	defaults atomic.Int64
	override atomic.Int64
	abstain  atomic.Int64
	recorded atomic.Int64
	flushed  atomic.Int64
}

type Stats struct {
	Projects     int              `json:"projects"`
	Fingerprints int              `json:"fingerprints"`
	Records      int              `json:"records"`
	Overrides    int              `json:"overrides"`
	Decisions    map[string]int64 `json:"decisions"`
	Recorded     int64            `json:"recorded"`
	Flushed      int64            `json:"flushed"`
}

type Responder struct {
	cfg    Config
	store  *learnstore.Store
	logger *slog.Logger

	state atomic.Pointer[learnedState]

	mu        sync.Mutex
	overrides map[overrideKey]Override
	pending   map[string][]learnstore.Record

	applyCh chan Interaction
	flush   func(f func())
	nowFunc func() time.Time

	stats counters
}

func New(store *learnstore.Store, cfg Config, logger *slog.Logger) (*Responder, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Responder{
		cfg:       cfg,
		store:     store,
		logger:    logger.With("module", "responder"),
		overrides: map[overrideKey]Override{},
		pending:   map[string][]learnstore.Record{},
		applyCh:   make(chan Interaction, 256),
		flush:     debounce.New(cfg.FlushDelay),
		nowFunc:   time.Now,
	}
	state := emptyState()
	if store != nil {
		all, err := store.LoadAll(cfg.MaxRecordsPerPrompt)
		if err != nil {
			return nil, err
		}
		for project, records := range all {
			byFP := map[string][]learnstore.Record{}
			for _, rec := range records {
				byFP[rec.Fingerprint] = append(byFP[rec.Fingerprint], rec)
			}
			state.byProject[project] = byFP
		}
	}
	r.state.Store(state)
	return r, nil
}

// Run is the single writer. All record mutations funnel through here;
// it exits after draining once ctx is done.
func (r *Responder) Run(ctx context.Context) error {
	for {
		select {
		case interaction := <-r.applyCh:
			r.apply(interaction)
		case <-ctx.Done():
			for {
				select {
				case interaction := <-r.applyCh:
					r.apply(interaction)
				default:
					return r.Flush()
				}
			}
		}
	}
}

// Decide resolves a prompt to a response. Order: a pending user override,
// then learned history widening from (project, session) outward, then the
// per-kind default rule, then abstention.
func (r *Responder) Decide(prompt detector.Prompt, key ContextKey, hints Hints) Decision {
	now := r.nowFunc()

	if ov, ok := r.findOverride(key.Session, prompt.Fingerprint); ok {
		r.stats.override.Add(1)
		return Decision{
			Fingerprint: prompt.Fingerprint,
			Response:    ov.Response,
			PressEnter:  true,
			Confidence:  1.0,
			Strategy:    StrategyUserOverride,
			DecidedAt:   now,
		}
	}

	if !hints.ForceDefault {
		if d, ok := r.decideLearned(prompt, key, now); ok {
			r.stats.learned.Add(1)
			return d
		}
	}

	if d, ok := r.defaultDecision(prompt, now); ok {
		r.stats.defaults.Add(1)
		return d
	}

	r.stats.abstain.Add(1)
	return Decision{
		Fingerprint: prompt.Fingerprint,
		Strategy:    StrategyAbstain,
		DecidedAt:   now,
	}
}

// decideLearned widens scope until it finds confident evidence. A scope
// that clears the confidence threshold but not the margin is a near-tie:
// widening stops and the default rule takes over rather than guessing.
func (r *Responder) decideLearned(prompt detector.Prompt, key ContextKey, now time.Time) (Decision, bool) {
	scopes := []scopeLevel{scopeSession, scopeProject}
	if r.cfg.CrossProject {
		scopes = append(scopes, scopeGlobal)
	}
	state := r.state.Load()
	for _, scope := range scopes {
		records := state.recordsAt(scope, key, prompt.Fingerprint)
		if len(records) == 0 {
			continue
		}
		v := evaluate(r.score(records, key, now))
		if !v.HasData || v.Confidence < r.cfg.ConfidenceThreshold {
			continue
		}
		if v.Margin < r.cfg.ScoreMargin {
			r.logger.Debug("learned candidates tied, deferring to default rule",
				"fingerprint", prompt.Fingerprint, "confidence", v.Confidence, "margin", v.Margin)
			return Decision{}, false
		}
		return Decision{
			Fingerprint: prompt.Fingerprint,
			Response:    v.Response,
			PressEnter:  true,
			Confidence:  v.Confidence,
			Strategy:    StrategyLearned,
			DecidedAt:   now,
		}, true
	}
	return Decision{}, false
}

func (s *learnedState) recordsAt(scope scopeLevel, key ContextKey, fingerprint string) []learnstore.Record {
	switch scope {
	case scopeSession:
		var out []learnstore.Record
		for _, rec := range s.byProject[key.Project][fingerprint] {
			if rec.SessionID == key.Session {
				out = append(out, rec)
			}
		}
		return out
	case scopeProject:
		return s.byProject[key.Project][fingerprint]
	default:
		var out []learnstore.Record
		for _, byFP := range s.byProject {
			out = append(out, byFP[fingerprint]...)
		}
		return out
	}
}

// defaultDecision applies the per-kind fallback. Login prompts and
// unclassified text always abstain: credentials are never guessed.
func (r *Responder) defaultDecision(prompt detector.Prompt, now time.Time) (Decision, bool) {
	d := Decision{
		Fingerprint: prompt.Fingerprint,
		PressEnter:  true,
		Confidence:  0.5,
		Strategy:    StrategyDefaultRule,
		DecidedAt:   now,
	}
	switch prompt.Kind {
	case detector.KindYesNo, detector.KindTrustWorkspace:
		d.Response = "y"
		for _, opt := range prompt.Options {
			if opt.Label == "yes" {
				d.Response = "yes"
				break
			}
		}
		return d, true
	case detector.KindNumberedSelection, detector.KindBinarySelection:
		d.Response = "1"
		return d, true
	case detector.KindContinuation:
		d.Response = ""
		return d, true
	default:
		return Decision{}, false
	}
}

// Record submits an interaction to the writer. It blocks rather than
// drops: learning data is never shed under load.
func (r *Responder) Record(interaction Interaction) {
	if interaction.RecordedAt.IsZero() {
		interaction.RecordedAt = r.nowFunc()
	}
	r.applyCh <- interaction
}

func (r *Responder) apply(interaction Interaction) {
	rec := interaction.toRecord()

	old := r.state.Load()
	next := &learnedState{byProject: make(map[string]map[string][]learnstore.Record, len(old.byProject))}
	for project, byFP := range old.byProject {
		next.byProject[project] = byFP
	}
	byFP := make(map[string][]learnstore.Record, len(old.byProject[rec.Project])+1)
	for fp, records := range old.byProject[rec.Project] {
		byFP[fp] = records
	}
	updated := append(append([]learnstore.Record{}, byFP[rec.Fingerprint]...), rec)
	if excess := len(updated) - r.cfg.MaxRecordsPerPrompt; excess > 0 {
		updated = updated[excess:]
	}
	byFP[rec.Fingerprint] = updated
	next.byProject[rec.Project] = byFP
	r.state.Store(next)

	r.mu.Lock()
	r.pending[rec.Project] = append(r.pending[rec.Project], rec)
	r.mu.Unlock()
	r.stats.recorded.Add(1)

	r.flush(func() {
		if err := r.Flush(); err != nil {
			r.logger.Error("flush failed", "err", err)
		}
	})
}

// Flush persists all pending records. Safe to call concurrently with the
// writer; also the shutdown path.
func (r *Responder) Flush() error {
	if r.store == nil {
		r.mu.Lock()
		r.pending = map[string][]learnstore.Record{}
		r.mu.Unlock()
		return nil
	}
	r.mu.Lock()
	pending := r.pending
	r.pending = map[string][]learnstore.Record{}
	r.mu.Unlock()

	for project, records := range pending {
		if err := r.store.Append(project, records); err != nil {
			// Put the batch back so a later flush retries it.
			r.mu.Lock()
			r.pending[project] = append(records, r.pending[project]...)
			r.mu.Unlock()
			return err
		}
		r.stats.flushed.Add(int64(len(records)))
	}
	return nil
}

// RegisterOverride pins a response for the next matching prompt in a
// session. An empty fingerprint matches whatever prompt appears next.
func (r *Responder) RegisterOverride(session, fingerprint string, ov Override) {
	r.mu.Lock()
	r.overrides[overrideKey{Session: session, Fingerprint: fingerprint}] = ov
	r.mu.Unlock()
}

func (r *Responder) ClearOverrides(session string) {
	r.mu.Lock()
	for key := range r.overrides {
		if key.Session == session {
			delete(r.overrides, key)
		}
	}
	r.mu.Unlock()
}

// findOverride looks up a pinned response without consuming it. Deciding
// is not delivering: a one-shot stays armed until ConsumeOverride, so a
// failed send keeps the pinned answer for the retry.
func (r *Responder) findOverride(session, fingerprint string) (Override, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range []overrideKey{
		{Session: session, Fingerprint: fingerprint},
		{Session: session},
	} {
		if ov, ok := r.overrides[key]; ok {
			return ov, true
		}
	}
	return Override{}, false
}

// ConsumeOverride retires a one-shot override once its response has been
// delivered. Sticky overrides keep firing until cleared.
func (r *Responder) ConsumeOverride(session, fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range []overrideKey{
		{Session: session, Fingerprint: fingerprint},
		{Session: session},
	} {
		if ov, ok := r.overrides[key]; ok {
			if ov.OneShot {
				delete(r.overrides, key)
			}
			return
		}
	}
}

func (r *Responder) Stats() Stats {
	state := r.state.Load()
	out := Stats{
		Projects: len(state.byProject),
		Decisions: map[string]int64{
			string(StrategyLearned):      r.stats.learned.Load(),
			string(StrategyDefaultRule):  r.stats.defaults.Load(),
			string(StrategyUserOverride): r.stats.override.Load(),
			string(StrategyAbstain):      r.stats.abstain.Load(),
		},
		Recorded: r.stats.recorded.Load(),
		Flushed:  r.stats.flushed.Load(),
	}
	for _, byFP := range state.byProject {
		out.Fingerprints += len(byFP)
		for _, records := range byFP {
			out.Records += len(records)
		}
	}
	r.mu.Lock()
	out.Overrides = len(r.overrides)
	r.mu.Unlock()
	return out
}
