package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"yesman/internal/bus"
	"yesman/internal/collector"
	"yesman/internal/command"
	"yesman/internal/config"
	"yesman/internal/controller"
	"yesman/internal/db"
	"yesman/internal/detector"
	"yesman/internal/journal"
	"yesman/internal/learnstore"
	"yesman/internal/lifecycle"
	"yesman/internal/localapi"
	"yesman/internal/logging"
	"yesman/internal/responder"
	"yesman/internal/supervisor"
	"yesman/internal/tmux"
)

var version = "dev"

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig:       config.LoadConfig,
		RunServe:         runServe,
		RunMigrateUp:     runMigrateUp,
		ValidatePatterns: validatePatterns,
		Version:          version,
	})

	if err := app.RunContext(rootCtx, os.Args); err != nil {
		logging.NewLogger(logging.Options{Level: "error", Writer: os.Stderr, Component: "yesman"}).Error("yesman failed", "err", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, learnstore.ErrCorrupted):
		return 3
	case errors.Is(err, tmux.ErrBackendUnavailable):
		return 2
	}
	return 1
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel, Writer: os.Stderr, Component: "yesman"})

	lib, err := detector.LoadLibrary(cfg.PatternDir)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("load patterns: %w", err)}
	}
	if lib.Len() == 0 {
		lib = detector.BuiltinLibrary()
		logger.Info("no pattern files found, using builtin library", "dir", cfg.PatternDir)
	}
	det := detector.New(lib, cfg.TailLines)

	backend := tmux.NewAdapter(&tmux.RealExec{}, tmux.AdapterOptions{
		Socket:          cfg.TmuxSocket,
		CaptureTimeout:  cfg.CaptureTimeout,
		SendKeysTimeout: cfg.SendKeysTimeout,
	})
	probeCtx, cancelProbe := context.WithTimeout(ctx, cfg.APITimeout)
	_, err = backend.Enumerate(probeCtx)
	cancelProbe()
	if err != nil && !errors.Is(err, tmux.ErrPaneGone) {
		return &exitError{code: 2, err: fmt.Errorf("tmux backend check: %w", err)}
	}

	store, err := learnstore.Open(cfg.StoreDir, logger)
	if err != nil {
		return &exitError{code: storeExitCode(err), err: fmt.Errorf("open learn store: %w", err)}
	}

	resp, err := responder.New(store, responder.Config{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		ScoreMargin:         cfg.ScoreMargin,
		HalfLife:            time.Duration(cfg.HalfLifeDays * 24 * float64(time.Hour)),
		FailurePenalty:      cfg.FailurePenalty,
		CrossProject:        cfg.CrossProject,
		CrossProjectWeight:  cfg.CrossProjectWeight,
		MaxRecordsPerPrompt: cfg.MaxRecordsPerPrompt,
	}, logger)
	if err != nil {
		_ = store.Close()
		return &exitError{code: storeExitCode(err), err: fmt.Errorf("build responder: %w", err)}
	}

	gdb, err := db.OpenSQLiteWithMigrations(cfg.DBPath)
	if err != nil {
		_ = store.Close()
		return &exitError{code: 1, err: fmt.Errorf("open database: %w", err)}
	}

	jrnl, err := journal.New(gdb, logger)
	if err != nil {
		_ = store.Close()
		_ = db.Close(gdb)
		return &exitError{code: 1, err: err}
	}
	specs, err := supervisor.NewSpecStore(gdb)
	if err != nil {
		_ = store.Close()
		_ = db.Close(gdb)
		return &exitError{code: 1, err: err}
	}

	b := bus.New(0, logger)

	sup, err := supervisor.New(supervisor.Config{
		ReconcileInterval: cfg.ReconcileInterval,
		Grace:             cfg.ShutdownGrace,
		HistoryLines:      cfg.HistoryLines,
		Controller: controller.Config{
			Debounce: cfg.Debounce,
			Cooldown: cfg.Cooldown,
		},
		Collector: collector.Config{
			PollInterval:    cfg.PollInterval,
			PollMaxInterval: cfg.PollMaxInterval,
			PollIdleSamples: cfg.PollIdleSamples,
			CaptureLines:    cfg.CaptureLines,
		},
	}, supervisor.Deps{
		Backend:   backend,
		Detector:  det,
		Responder: resp,
		Bus:       b,
		Specs:     specs,
		Logger:    logger,
	})
	if err != nil {
		_ = store.Close()
		_ = db.Close(gdb)
		return &exitError{code: 1, err: fmt.Errorf("build supervisor: %w", err)}
	}

	api := localapi.NewServer(localapi.Deps{
		Supervisor: sup,
		Journal:    jrnl,
		Stats:      resp,
		Bus:        b,
		Logger:     logger,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.LocalHost, cfg.LocalPort),
		Handler:           api.Handler(),
		ReadHeaderTimeout: cfg.APITimeout,
	}

	mgr := lifecycle.NewManager(cfg.ShutdownGrace)
	mgr.AddRun("responder", resp.Run)
	mgr.AddRun("journal", func(runCtx context.Context) error {
		return jrnl.Run(runCtx, b)
	})
	mgr.AddRun("supervisor", sup.Run)
	mgr.AddRun("pattern-watch", func(runCtx context.Context) error {
		return det.WatchDir(runCtx, cfg.PatternDir, logger)
	})
	mgr.AddRun("http-server", func(runCtx context.Context) error {
		go func() {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		logger.Info("local api listening", "addr", httpServer.Addr, "version", version)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	mgr.AddShutdown("close-db", func(context.Context) error {
		return db.Close(gdb)
	})
	mgr.AddShutdown("close-learn-store", func(context.Context) error {
		return store.Close()
	})
	mgr.AddShutdown("http-server-shutdown", func(context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	return mgr.StartAndWait(ctx)
}

func storeExitCode(err error) int {
	if errors.Is(err, learnstore.ErrCorrupted) {
		return 3
	}
	return 1
}

func runMigrateUp(_ context.Context, cfg config.Config) error {
	gdb, err := db.OpenSQLiteWithMigrations(cfg.DBPath)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("migrate: %w", err)}
	}
	return db.Close(gdb)
}

func validatePatterns(_ context.Context, _ config.Config, dir string) error {
	lib, err := detector.LoadLibrary(dir)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("invalid patterns in %s: %w", dir, err)}
	}
	fmt.Printf("%d pattern(s) loaded from %s\n", lib.Len(), dir)
	return nil
}
