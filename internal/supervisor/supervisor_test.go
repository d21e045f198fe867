package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"yesman/internal/bus"
	"yesman/internal/collector"
	"yesman/internal/controller"
	dbmodel "yesman/internal/db"
	"yesman/internal/detector"
	"yesman/internal/responder"
	"yesman/internal/tmux"
)

// worldBackend simulates a tmux server: named sessions, one pane each.
type worldBackend struct {
	mu           sync.Mutex
	sessions     map[string]string
	created      []tmux.SessionConfig
	killed       []string
	enumerateErr error
}

func newWorld(sessions ...string) *worldBackend {
	w := &worldBackend{sessions: map[string]string{}}
	for _, s := range sessions {
		w.sessions[s] = "shell ready"
	}
	return w
}

func (w *worldBackend) removeSession(name string) {
	w.mu.Lock()
	delete(w.sessions, name)
	w.mu.Unlock()
}

func (w *worldBackend) Enumerate(ctx context.Context) ([]tmux.SessionPanes, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enumerateErr != nil {
		return nil, w.enumerateErr
	}
	names := make([]string, 0, len(w.sessions))
	for name := range w.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]tmux.SessionPanes, 0, len(names))
	for _, name := range names {
		out = append(out, tmux.SessionPanes{
			Session: name,
			Panes:   []tmux.PaneRef{{Session: name, Window: 0, Pane: 0}},
		})
	}
	return out, nil
}

func (w *worldBackend) Capture(ctx context.Context, ref tmux.PaneRef, maxLines int) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	text, ok := w.sessions[ref.Session]
	if !ok {
		return "", tmux.ErrPaneGone
	}
	return text, nil
}

func (w *worldBackend) CaptureHistory(ctx context.Context, ref tmux.PaneRef, lines int) (string, error) {
	return w.Capture(ctx, ref, lines)
}

func (w *worldBackend) SendKeys(ctx context.Context, ref tmux.PaneRef, keys string, pressEnter bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.sessions[ref.Session]; !ok {
		return tmux.ErrPaneGone
	}
	return nil
}

func (w *worldBackend) HasSession(ctx context.Context, name string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.sessions[name]
	return ok, nil
}

func (w *worldBackend) CreateSession(ctx context.Context, cfg tmux.SessionConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.created = append(w.created, cfg)
	w.sessions[cfg.Name] = "shell ready"
	return nil
}

func (w *worldBackend) KillSession(ctx context.Context, session string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.sessions[session]; !ok {
		return tmux.ErrPaneGone
	}
	delete(w.sessions, session)
	w.killed = append(w.killed, session)
	return nil
}

func newTestSupervisor(t *testing.T, world *worldBackend) *Supervisor {
	t.Helper()
	r, err := responder.New(nil, responder.Config{FlushDelay: time.Hour}, nil)
	if err != nil {
		t.Fatalf("responder: %v", err)
	}
	s, err := New(Config{
		ReconcileInterval: 10 * time.Millisecond,
		Grace:             time.Second,
		PoolSize:          2,
		Controller: controller.Config{
			Debounce: 10 * time.Millisecond,
			Cooldown: 30 * time.Millisecond,
		},
		Collector: collector.Config{
			PollInterval:    time.Millisecond,
			PollMaxInterval: 2 * time.Millisecond,
			PollIdleSamples: 2,
			BackoffMin:      time.Millisecond,
			BackoffMax:      2 * time.Millisecond,
		},
	}, Deps{
		Backend:   world,
		Detector:  detector.New(detector.BuiltinLibrary(), 40),
		Responder: r,
		Bus:       bus.New(0, nil),
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	return s
}

func waitView(t *testing.T, s *Supervisor, id string, want controller.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		view, err := s.Inspect(id)
		if err == nil && view.State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	view, err := s.Inspect(id)
	t.Fatalf("session %s never reached %s (view=%+v err=%v)", id, want, view, err)
}

func TestSupervisor_StartCreatesMissingSession(t *testing.T) {
	world := newWorld()
	s := newTestSupervisor(t, world)
	if err := s.Register(SessionSpec{ID: "work", Project: "proj", StartDir: "/srv", Before: []string{"claude"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Start(context.Background(), "work"); err != nil {
		t.Fatalf("start: %v", err)
	}
	world.mu.Lock()
	created := append([]tmux.SessionConfig{}, world.created...)
	world.mu.Unlock()
	if len(created) != 1 || created[0].Name != "work" || created[0].StartDir != "/srv" {
		t.Fatalf("session not created from spec: %+v", created)
	}
	waitView(t, s, "work", controller.StateWatching)

	if err := s.Start(context.Background(), "work"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start must conflict, got %v", err)
	}
}

func TestSupervisor_StartUnknownSession(t *testing.T) {
	s := newTestSupervisor(t, newWorld())
	if err := s.Start(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSupervisor_StopLifecycle(t *testing.T) {
	world := newWorld("work")
	s := newTestSupervisor(t, world)
	if err := s.Register(SessionSpec{ID: "work"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Stop("work"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("stop before start must fail, got %v", err)
	}
	if err := s.Start(context.Background(), "work"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitView(t, s, "work", controller.StateWatching)
	if err := s.Stop("work"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitView(t, s, "work", controller.StateStopped)
}

func TestSupervisor_ReconcileAdoptsLiveSessions(t *testing.T) {
	world := newWorld("work")
	s := newTestSupervisor(t, world)
	if err := s.Register(SessionSpec{ID: "work"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitView(t, s, "work", controller.StateWatching)

	// The underlying session dies; the controller must be reaped.
	world.removeSession("work")
	waitView(t, s, "work", controller.StateIdle)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
}

func TestSupervisor_TeardownKillsSession(t *testing.T) {
	world := newWorld("work")
	s := newTestSupervisor(t, world)
	if err := s.Register(SessionSpec{ID: "work"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Start(context.Background(), "work"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitView(t, s, "work", controller.StateWatching)

	if err := s.Teardown(context.Background(), "work"); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if _, err := s.Inspect("work"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("spec must be gone after teardown, got %v", err)
	}
	world.mu.Lock()
	killed := append([]string{}, world.killed...)
	world.mu.Unlock()
	if len(killed) != 1 || killed[0] != "work" {
		t.Fatalf("session not killed: %v", killed)
	}
	if err := s.Teardown(context.Background(), "work"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double teardown must fail, got %v", err)
	}
}

func TestSupervisor_LogsTailsHistory(t *testing.T) {
	world := newWorld("work")
	world.mu.Lock()
	world.sessions["work"] = "one\ntwo\nthree\nfour"
	world.mu.Unlock()
	s := newTestSupervisor(t, world)
	if err := s.Register(SessionSpec{ID: "work"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	lines, err := s.Logs(context.Background(), "work", 2)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(lines) != 2 || lines[0] != "three" || lines[1] != "four" {
		t.Fatalf("unexpected tail: %v", lines)
	}

	if _, err := s.Logs(context.Background(), "ghost", 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown session logs must fail, got %v", err)
	}
}

func TestSupervisor_RegisterOverrideRequiresSpec(t *testing.T) {
	s := newTestSupervisor(t, newWorld())
	if err := s.RegisterOverride("ghost", "fp", "y", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Register(SessionSpec{ID: "work"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterOverride("work", "fp", "y", true); err != nil {
		t.Fatalf("override: %v", err)
	}
}

func TestSpecStore_RoundTrip(t *testing.T) {
	gdb, err := dbmodel.OpenSQLiteWithMigrations(filepath.Join(t.TempDir(), "yesman.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = dbmodel.Close(gdb) })

	store, err := NewSpecStore(gdb)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	spec := SessionSpec{
		ID:       "work",
		Project:  "proj",
		StartDir: "/srv/app",
		Windows:  []string{"main", "logs"},
		Before:   []string{"claude"},
	}
	if err := store.Save(spec); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Saving again updates in place.
	spec.Project = "proj2"
	if err := store.Save(spec); err != nil {
		t.Fatalf("resave: %v", err)
	}

	specs, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(specs))
	}
	got := specs[0]
	if got.Project != "proj2" || len(got.Windows) != 2 || got.Before[0] != "claude" {
		t.Fatalf("spec lost fields: %+v", got)
	}

	if err := store.Delete("work"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	specs, err = store.List()
	if err != nil || len(specs) != 0 {
		t.Fatalf("delete did not stick: %v %d", err, len(specs))
	}
}

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := NewPool(2)
	var mu sync.Mutex
	ran := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	wg.Wait()
	p.Close()
	if ran != 10 {
		t.Fatalf("expected 10 tasks, ran %d", ran)
	}
}
