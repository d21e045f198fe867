package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"yesman/internal/bus"
	"yesman/internal/collector"
	"yesman/internal/detector"
	"yesman/internal/logging"
	"yesman/internal/responder"
	"yesman/internal/tmux"
)

type State string

const (
	StateIdle                 State = "idle"
	StateWatching             State = "watching"
	StatePromptPending        State = "prompt_pending"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateResponding           State = "responding"
	StateCooldown             State = "cooldown"
	StateStopped              State = "stopped"
	StateErrored              State = "errored"
)

// View is the read-model surfaced by the control plane: metadata only,
// never raw pane text.
type View struct {
	SessionID    string              `json:"sessionId"`
	Project      string              `json:"project,omitempty"`
	Pane         string              `json:"pane"`
	State        State               `json:"state"`
	StartedAt    time.Time           `json:"startedAt,omitempty"`
	LastActivity time.Time           `json:"lastActivity,omitempty"`
	LastDecision *responder.Decision `json:"lastDecision,omitempty"`
	Error        string              `json:"error,omitempty"`
}

type Config struct {
	SessionID       string
	Project         string
	Pane            tmux.PaneRef
	Debounce        time.Duration
	Cooldown        time.Duration
	ErrorBackoffMin time.Duration
	ErrorBackoffMax time.Duration
	MailboxDepth    int
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 400 * time.Millisecond
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 1500 * time.Millisecond
	}
	if c.ErrorBackoffMin <= 0 {
		c.ErrorBackoffMin = 500 * time.Millisecond
	}
	if c.ErrorBackoffMax <= 0 {
		c.ErrorBackoffMax = 30 * time.Second
	}
	if c.MailboxDepth <= 0 {
		c.MailboxDepth = 64
	}
	return c
}

type Deps struct {
	Backend   tmux.Backend
	Detector  *detector.Detector
	Responder *responder.Responder
	Collector *collector.Collector
	Bus       *bus.Bus
	Logger    *slog.Logger
}

type msgKind int

const (
	msgStart msgKind = iota
	msgStop
	msgDebounce
	msgCooldown
	msgBackoff
	msgPaneGone
)

type message struct {
	kind msgKind
	gen  uint64
}

// Controller runs one session's state machine. Everything mutates inside
// the single Run goroutine; external callers only inject messages. The
// mailbox never drops commands or timer firings, only stale snapshots.
type Controller struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	cmdCh  chan message
	snapCh chan collector.Snapshot
	done   chan struct{}

	recent *expirable.LRU[string, time.Time]

	viewMu sync.Mutex
	view   View

	// Loop-owned fields; touched only from Run.
	state         State
	lastSeq       uint64
	lastText      string
	pending       detector.Prompt
	tentative     responder.Interaction
	hasTentative  bool
	abstained     responder.Decision
	hasAbstained  bool
	debounceGen   uint64
	cooldownGen   uint64
	backoffGen    uint64
	errBackoff    time.Duration
	runCtx        context.Context
	collectCancel context.CancelFunc
}

func New(cfg Config, deps Deps) *Controller {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		log:    logger.With("module", "controller", "session", cfg.SessionID),
		cmdCh:  make(chan message, 16),
		snapCh: make(chan collector.Snapshot, cfg.MailboxDepth),
		done:   make(chan struct{}),
		recent: expirable.NewLRU[string, time.Time](1024, nil, cfg.Cooldown),
		state:  StateIdle,
	}
	c.view = View{
		SessionID: cfg.SessionID,
		Project:   cfg.Project,
		Pane:      cfg.Pane.Target(),
		State:     StateIdle,
	}
	return c
}

func (c *Controller) Start() { c.inject(message{kind: msgStart}) }
func (c *Controller) Stop()  { c.inject(message{kind: msgStop}) }

func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) View() View {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	return c.view
}

// Run is the controller's single thread-of-control. It returns once the
// machine reaches Stopped or the context ends.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)
	defer c.stopCollector()

	for {
		select {
		case <-ctx.Done():
			c.transition(StateStopped, "shutdown")
			return nil
		case m := <-c.cmdCh:
			c.handleMessage(m)
		case snap := <-c.snapCh:
			c.handleSnapshot(snap)
		}
		if c.state == StateStopped {
			return nil
		}
	}
}

// inject delivers a control message, giving up if the machine already
// terminated.
func (c *Controller) inject(m message) {
	select {
	case c.cmdCh <- m:
	case <-c.done:
	}
}

// offerSnapshot is the collector's entry point. A full mailbox sheds the
// oldest queued snapshot and publishes a degradation notice; commands ride
// a separate channel and are never shed.
func (c *Controller) offerSnapshot(snap collector.Snapshot) {
	select {
	case c.snapCh <- snap:
		return
	default:
	}
	select {
	case <-c.snapCh:
		c.publish(bus.KindMailboxDegraded, map[string]any{"dropped": "oldest_snapshot"})
	default:
	}
	select {
	case c.snapCh <- snap:
	case <-c.done:
	default:
		c.publish(bus.KindMailboxDegraded, map[string]any{"dropped": "newest_snapshot"})
	}
}

func (c *Controller) handleMessage(m message) {
	switch m.kind {
	case msgStart:
		if c.state != StateIdle {
			c.log.Debug("start ignored", "state", string(c.state))
			return
		}
		c.errBackoff = 0
		c.startCollector()
		c.transition(StateWatching, "started")
	case msgStop:
		c.stopCollector()
		c.transition(StateStopped, "stop requested")
	case msgPaneGone:
		c.stopCollector()
		c.transition(StateStopped, "pane gone")
	case msgDebounce:
		if c.state == StatePromptPending && m.gen == c.debounceGen {
			c.decide()
		}
	case msgCooldown:
		if c.state == StateCooldown && m.gen == c.cooldownGen {
			c.resolveCooldown()
		}
	case msgBackoff:
		if c.state == StateErrored && m.gen == c.backoffGen {
			c.transition(StateIdle, "backoff elapsed")
		}
	}
}

func (c *Controller) handleSnapshot(snap collector.Snapshot) {
	if snap.Seq <= c.lastSeq {
		return
	}
	c.lastSeq = snap.Seq
	c.lastText = snap.Text
	c.touch(snap.CapturedAt)

	prompt, found := c.deps.Detector.Detect(snap.Text)
	if found {
		prompt.PaneTarget = c.cfg.Pane.Target()
	}

	switch c.state {
	case StateWatching:
		c.resolveAbstained(prompt, found)
		if !found {
			return
		}
		if _, recent := c.recent.Get(prompt.Fingerprint); recent {
			return
		}
		c.pending = prompt
		c.publish(bus.KindPromptDetected, promptPayload(prompt))
		c.transition(StatePromptPending, "prompt detected")
		c.startDebounce()
	case StatePromptPending:
		switch {
		case !found:
			c.transition(StateWatching, "prompt cleared before debounce")
		case prompt.Fingerprint == c.pending.Fingerprint:
			c.startDebounce()
		default:
			c.pending = prompt
			c.publish(bus.KindPromptDetected, promptPayload(prompt))
			c.startDebounce()
		}
	}
}

// resolveAbstained settles a prompt we declined to answer: if its
// fingerprint cleared, a human handled it and the interaction is recorded
// without any failure penalty.
func (c *Controller) resolveAbstained(prompt detector.Prompt, found bool) {
	if !c.hasAbstained {
		return
	}
	if found && prompt.Fingerprint == c.abstained.Fingerprint {
		return
	}
	c.hasAbstained = false
	c.record(c.abstained, responder.OutcomeSupersededByHuman)
}

func (c *Controller) decide() {
	c.transition(StateAwaitingConfirmation, "debounce elapsed")

	key := responder.ContextKey{Project: c.cfg.Project, Session: c.cfg.SessionID}
	decision := c.deps.Responder.Decide(c.pending, key, responder.Hints{})
	c.publish(bus.KindDecisionMade, decisionPayload(decision))
	c.setDecision(decision)

	if decision.Abstained() {
		c.abstained = decision
		c.hasAbstained = true
		c.publish(bus.KindPromptAbstained, promptPayload(c.pending))
		c.transition(StateWatching, "abstained")
		return
	}

	c.transition(StateResponding, "decision made")
	err := c.deps.Backend.SendKeys(c.runCtx, c.cfg.Pane, decision.Response, decision.PressEnter)
	switch {
	case err == nil:
		c.publish(bus.KindResponseSent, decisionPayload(decision))
		if decision.Strategy == responder.StrategyUserOverride {
			c.deps.Responder.ConsumeOverride(c.cfg.SessionID, decision.Fingerprint)
		}
		c.tentative = responder.Interaction{
			Context:  key,
			Decision: decision,
			Outcome:  responder.OutcomeApplied,
		}
		c.hasTentative = true
		c.record(decision, responder.OutcomeApplied)
		c.recent.Add(decision.Fingerprint, time.Now())
		c.transition(StateCooldown, "response sent")
		c.startCooldown()
	case errors.Is(err, tmux.ErrPaneGone):
		c.stopCollector()
		c.transition(StateStopped, "pane gone during send")
	default:
		c.stopCollector()
		c.setError(err)
		c.transition(StateErrored, "backend unavailable")
		c.startBackoff()
	}
}

// resolveCooldown checks whether the response took effect: the same
// fingerprint still on screen after the cooldown means the send did not
// stick, and the tentative applied record is corrected to failed.
func (c *Controller) resolveCooldown() {
	defer func() { c.hasTentative = false }()

	prompt, found := c.deps.Detector.Detect(c.lastText)
	if found && c.hasTentative && prompt.Fingerprint == c.tentative.Decision.Fingerprint {
		c.record(c.tentative.Decision, responder.OutcomeFailed)
		c.transition(StateWatching, "response had no effect")
		return
	}
	c.transition(StateWatching, "response confirmed")
}

func (c *Controller) record(decision responder.Decision, outcome responder.Outcome) {
	c.deps.Responder.Record(responder.Interaction{
		Context:  responder.ContextKey{Project: c.cfg.Project, Session: c.cfg.SessionID},
		Decision: decision,
		Outcome:  outcome,
	})
	payload := map[string]any{
		"fingerprint": decision.Fingerprint,
		"response":    decision.Response,
		"strategy":    string(decision.Strategy),
		"outcome":     string(outcome),
	}
	if outcome == responder.OutcomeFailed {
		payload["hint"] = "prompt remained after response; consider overriding fingerprint " + decision.Fingerprint
	}
	c.publish(bus.KindInteractionRecorded, payload)
}

func (c *Controller) startCollector() {
	// Snapshot ordering is per collector run: a fresh run numbers from 1
	// again, so the stale-snapshot guard must restart with it.
	c.lastSeq = 0
	c.lastText = ""
	collectCtx, cancel := context.WithCancel(c.runCtx)
	c.collectCancel = cancel
	go func() {
		err := c.deps.Collector.Run(collectCtx, c.cfg.Pane, c.offerSnapshot, func(cause error) {
			c.publish(bus.KindCollectorDegraded, map[string]any{"error": cause.Error()})
		})
		if err == nil {
			c.inject(message{kind: msgPaneGone})
		}
	}()
	c.viewMu.Lock()
	c.view.StartedAt = time.Now()
	c.viewMu.Unlock()
}

func (c *Controller) stopCollector() {
	if c.collectCancel != nil {
		c.collectCancel()
		c.collectCancel = nil
	}
}

func (c *Controller) startDebounce() {
	c.debounceGen++
	gen := c.debounceGen
	time.AfterFunc(c.cfg.Debounce, func() {
		c.inject(message{kind: msgDebounce, gen: gen})
	})
}

func (c *Controller) startCooldown() {
	c.cooldownGen++
	gen := c.cooldownGen
	time.AfterFunc(c.cfg.Cooldown, func() {
		c.inject(message{kind: msgCooldown, gen: gen})
	})
}

func (c *Controller) startBackoff() {
	if c.errBackoff == 0 {
		c.errBackoff = c.cfg.ErrorBackoffMin
	} else {
		c.errBackoff *= 2
		if c.errBackoff > c.cfg.ErrorBackoffMax {
			c.errBackoff = c.cfg.ErrorBackoffMax
		}
	}
	c.backoffGen++
	gen := c.backoffGen
	time.AfterFunc(c.errBackoff, func() {
		c.inject(message{kind: msgBackoff, gen: gen})
	})
}

func (c *Controller) transition(to State, reason string) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	c.log.Info("state changed", "from", string(from), "to", string(to), "reason", reason)
	c.viewMu.Lock()
	c.view.State = to
	if to == StateWatching {
		c.view.Error = ""
	}
	c.viewMu.Unlock()
	c.publish(bus.KindControllerStateChanged, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
}

func (c *Controller) publish(kind bus.Kind, payload any) {
	if c.deps.Bus == nil {
		return
	}
	c.deps.Bus.Publish(bus.Event{
		Kind:      kind,
		SessionID: c.cfg.SessionID,
		Payload:   payload,
	})
}

func (c *Controller) touch(at time.Time) {
	c.viewMu.Lock()
	c.view.LastActivity = at
	c.viewMu.Unlock()
}

func (c *Controller) setDecision(d responder.Decision) {
	c.viewMu.Lock()
	c.view.LastDecision = &d
	c.viewMu.Unlock()
}

func (c *Controller) setError(err error) {
	c.viewMu.Lock()
	c.view.Error = err.Error()
	c.viewMu.Unlock()
}

func promptPayload(p detector.Prompt) map[string]any {
	return map[string]any{
		"kind":        string(p.Kind),
		"fingerprint": p.Fingerprint,
		"options":     len(p.Options),
		"pane":        p.PaneTarget,
	}
}

func decisionPayload(d responder.Decision) map[string]any {
	return map[string]any{
		"fingerprint": d.Fingerprint,
		"strategy":    string(d.Strategy),
		"response":    d.Response,
		"confidence":  d.Confidence,
	}
}
