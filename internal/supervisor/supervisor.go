package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"yesman/internal/bus"
	"yesman/internal/collector"
	"yesman/internal/controller"
	"yesman/internal/detector"
	"yesman/internal/logging"
	"yesman/internal/responder"
	"yesman/internal/tmux"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrAlreadyRunning = errors.New("controller already running")
	ErrNotRunning     = errors.New("controller not running")
)

type Config struct {
	ReconcileInterval time.Duration
	Grace             time.Duration
	HistoryLines      int
	PoolSize          int

	Controller controller.Config // template; per-session fields filled in
	Collector  collector.Config
}

func (c Config) withDefaults() Config {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 3 * time.Second
	}
	if c.HistoryLines <= 0 {
		c.HistoryLines = 2000
	}
	return c
}

type Deps struct {
	Backend   tmux.Backend
	Detector  *detector.Detector
	Responder *responder.Responder
	Bus       *bus.Bus
	Specs     *SpecStore
	Logger    *slog.Logger
}

type running struct {
	ctrl   *controller.Controller
	cancel context.CancelFunc
}

// Supervisor owns the session registry and the set of live controllers.
// Controllers are created and destroyed only through it.
type Supervisor struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	pool *Pool

	mu          sync.Mutex
	specs       map[string]SessionSpec
	controllers map[string]*running
	runCtx      context.Context
}

func New(cfg Config, deps Deps) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Supervisor{
		cfg:         cfg,
		deps:        deps,
		log:         logger.With("module", "supervisor"),
		pool:        NewPool(cfg.PoolSize),
		specs:       map[string]SessionSpec{},
		controllers: map[string]*running{},
		runCtx:      context.Background(),
	}
	if deps.Specs != nil {
		stored, err := deps.Specs.List()
		if err != nil {
			return nil, err
		}
		for _, spec := range stored {
			s.specs[spec.ID] = spec
		}
	}
	return s, nil
}

// Run drives the reconciliation loop until ctx ends, then shuts every
// controller down within the grace deadline and flushes the learner.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	s.reconcile(ctx)
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// Register adds a session spec to the registry. The next reconcile pass
// starts its controller if the underlying session is live.
func (s *Supervisor) Register(spec SessionSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	if s.deps.Specs != nil {
		if err := s.deps.Specs.Save(spec); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.specs[spec.ID] = spec
	s.mu.Unlock()
	s.log.Info("session registered", "session", spec.ID, "project", spec.Project)
	return nil
}

// Teardown removes the spec, stops its controller, and kills the
// underlying multiplexer session.
func (s *Supervisor) Teardown(ctx context.Context, id string) error {
	s.mu.Lock()
	_, known := s.specs[id]
	delete(s.specs, id)
	run := s.controllers[id]
	delete(s.controllers, id)
	s.mu.Unlock()
	if !known {
		return ErrNotFound
	}
	if s.deps.Specs != nil {
		if err := s.deps.Specs.Delete(id); err != nil {
			return err
		}
	}
	if run != nil {
		run.ctrl.Stop()
		s.await(run.ctrl)
	}
	if err := s.deps.Backend.KillSession(ctx, id); err != nil && !errors.Is(err, tmux.ErrPaneGone) {
		s.log.Warn("kill session failed", "session", id, "err", err)
	}
	s.log.Info("session torn down", "session", id)
	return nil
}

func (s *Supervisor) List() []controller.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	views := make([]controller.View, 0, len(s.specs))
	for id, spec := range s.specs {
		views = append(views, s.viewLocked(id, spec))
	}
	return views
}

func (s *Supervisor) Inspect(id string) (controller.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.specs[id]
	if !ok {
		return controller.View{}, ErrNotFound
	}
	return s.viewLocked(id, spec), nil
}

func (s *Supervisor) viewLocked(id string, spec SessionSpec) controller.View {
	if run, ok := s.controllers[id]; ok {
		return run.ctrl.View()
	}
	return controller.View{
		SessionID: id,
		Project:   spec.Project,
		State:     controller.StateIdle,
	}
}

// Start ensures the underlying session exists (creating it from the spec
// if needed) and spins up its controller.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	s.mu.Lock()
	spec, ok := s.specs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if run, exists := s.controllers[id]; exists {
		if !done(run.ctrl) {
			s.mu.Unlock()
			return ErrAlreadyRunning
		}
		run.cancel()
		delete(s.controllers, id)
	}
	s.mu.Unlock()

	live, err := s.deps.Backend.HasSession(ctx, id)
	if err != nil {
		return err
	}
	if !live {
		if err := s.deps.Backend.CreateSession(ctx, tmux.SessionConfig{
			Name:     id,
			StartDir: spec.StartDir,
			Windows:  spec.Windows,
			Commands: spec.Before,
		}); err != nil {
			return err
		}
	}
	pane, err := s.firstPane(ctx, id)
	if err != nil {
		return err
	}
	return s.spawn(id, spec, pane)
}

func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	_, known := s.specs[id]
	run := s.controllers[id]
	s.mu.Unlock()
	if !known {
		return ErrNotFound
	}
	if run == nil || done(run.ctrl) {
		return ErrNotRunning
	}
	run.ctrl.Stop()
	return nil
}

func (s *Supervisor) Restart(ctx context.Context, id string) error {
	s.mu.Lock()
	_, known := s.specs[id]
	run := s.controllers[id]
	delete(s.controllers, id)
	s.mu.Unlock()
	if !known {
		return ErrNotFound
	}
	if run != nil {
		run.ctrl.Stop()
		s.await(run.ctrl)
		run.cancel()
	}
	return s.Start(ctx, id)
}

// RegisterOverride pins a response for the session's next matching
// prompt. Empty fingerprint means "whatever appears next".
func (s *Supervisor) RegisterOverride(id, fingerprint, response string, oneShot bool) error {
	s.mu.Lock()
	_, known := s.specs[id]
	s.mu.Unlock()
	if !known {
		return ErrNotFound
	}
	s.deps.Responder.RegisterOverride(id, fingerprint, responder.Override{
		ID:       uuid.NewString(),
		Response: response,
		OneShot:  oneShot,
	})
	return nil
}

// Logs captures the session's first pane history through the shared
// worker pool and returns the trailing tail lines.
func (s *Supervisor) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	s.mu.Lock()
	_, known := s.specs[id]
	s.mu.Unlock()
	if !known {
		return nil, ErrNotFound
	}
	if tail <= 0 || tail > s.cfg.HistoryLines {
		tail = s.cfg.HistoryLines
	}
	pane, err := s.firstPane(ctx, id)
	if err != nil {
		return nil, err
	}

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	s.pool.Submit(func() {
		text, err := s.deps.Backend.CaptureHistory(ctx, pane, s.cfg.HistoryLines)
		ch <- result{text: text, err: err}
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, tmux.ErrPaneGone) {
				return nil, fmt.Errorf("%w: %v", ErrNotFound, res.err)
			}
			return nil, res.err
		}
		lines := strings.Split(strings.TrimRight(res.text, "\n"), "\n")
		if len(lines) > tail {
			lines = lines[len(lines)-tail:]
		}
		return lines, nil
	}
}

// reconcile aligns controllers with reality: live registered sessions get
// a controller, controllers whose session vanished are stopped, and idle
// machines are nudged back into watching.
func (s *Supervisor) reconcile(ctx context.Context) {
	sessions, err := s.deps.Backend.Enumerate(ctx)
	if err != nil {
		s.log.Warn("reconcile skipped, backend unavailable", "err", err)
		return
	}
	livePanes := map[string]tmux.PaneRef{}
	for _, session := range sessions {
		if len(session.Panes) > 0 {
			livePanes[session.Session] = session.Panes[0]
		}
	}

	s.mu.Lock()
	specs := make(map[string]SessionSpec, len(s.specs))
	for id, spec := range s.specs {
		specs[id] = spec
	}
	ctrls := make(map[string]*running, len(s.controllers))
	for id, run := range s.controllers {
		ctrls[id] = run
	}
	s.mu.Unlock()

	for id, run := range ctrls {
		_, live := livePanes[id]
		_, registered := specs[id]
		if live && registered && !done(run.ctrl) {
			run.ctrl.Start() // no-op unless idle
			continue
		}
		if !live || !registered {
			s.log.Info("stopping orphan controller", "session", id)
			run.ctrl.Stop()
		}
		if done(run.ctrl) {
			run.cancel()
			s.mu.Lock()
			delete(s.controllers, id)
			s.mu.Unlock()
		}
	}

	for id, spec := range specs {
		pane, live := livePanes[id]
		if !live {
			continue
		}
		s.mu.Lock()
		_, exists := s.controllers[id]
		s.mu.Unlock()
		if exists {
			continue
		}
		if err := s.spawn(id, spec, pane); err != nil {
			s.log.Warn("controller spawn failed", "session", id, "err", err)
		}
	}
}

func (s *Supervisor) spawn(id string, spec SessionSpec, pane tmux.PaneRef) error {
	cfg := s.cfg.Controller
	cfg.SessionID = id
	cfg.Project = spec.Project
	cfg.Pane = pane

	col := collector.New(s.deps.Backend, s.cfg.Collector, s.log)
	ctrl := controller.New(cfg, controller.Deps{
		Backend:   s.deps.Backend,
		Detector:  s.deps.Detector,
		Responder: s.deps.Responder,
		Collector: col,
		Bus:       s.deps.Bus,
		Logger:    s.log,
	})

	s.mu.Lock()
	if _, exists := s.controllers[id]; exists {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctrlCtx, cancel := context.WithCancel(s.runCtx)
	s.controllers[id] = &running{ctrl: ctrl, cancel: cancel}
	s.mu.Unlock()

	go func() { _ = ctrl.Run(ctrlCtx) }()
	ctrl.Start()
	s.log.Info("controller started", "session", id, "pane", pane.Target())
	return nil
}

func (s *Supervisor) firstPane(ctx context.Context, id string) (tmux.PaneRef, error) {
	sessions, err := s.deps.Backend.Enumerate(ctx)
	if err != nil {
		return tmux.PaneRef{}, err
	}
	for _, session := range sessions {
		if session.Session == id && len(session.Panes) > 0 {
			return session.Panes[0], nil
		}
	}
	return tmux.PaneRef{Session: id, Window: 0, Pane: 0}, nil
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	ctrls := make([]*running, 0, len(s.controllers))
	for _, run := range s.controllers {
		ctrls = append(ctrls, run)
	}
	s.mu.Unlock()

	for _, run := range ctrls {
		run.ctrl.Stop()
	}
	deadline := time.After(s.cfg.Grace)
	for _, run := range ctrls {
		select {
		case <-run.ctrl.Done():
		case <-deadline:
		}
		run.cancel()
	}

	// The learner flushes unconditionally, even past the grace deadline.
	if s.deps.Responder != nil {
		if err := s.deps.Responder.Flush(); err != nil {
			s.log.Error("final learner flush failed", "err", err)
		}
	}
	s.pool.Close()
	s.log.Info("supervisor stopped")
}

func (s *Supervisor) await(ctrl *controller.Controller) {
	select {
	case <-ctrl.Done():
	case <-time.After(s.cfg.Grace):
	}
}

func done(ctrl *controller.Controller) bool {
	select {
	case <-ctrl.Done():
		return true
	default:
		return false
	}
}
