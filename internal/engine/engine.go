// Package engine ties the background-task machinery into the host
// process: it initializes the store, elects the monitor master across
// host processes, spawns the monitor child and orchestrates shutdown.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nextlevelbuilder/autocron/internal/proc"
	"github.com/nextlevelbuilder/autocron/internal/registrator"
	"github.com/nextlevelbuilder/autocron/internal/store"
)

// Engine is the host-side lifecycle coordinator. One per process.
type Engine struct {
	store       *store.Store
	registrator *registrator.Registrator

	mu      sync.Mutex
	monitor *exec.Cmd
	started bool
	stopped bool
}

func New(s *store.Store, r *registrator.Registrator) *Engine {
	return &Engine{store: s, registrator: r}
}

// Start initializes the database and, when this process wins the
// monitor election, spawns the monitor child. Returns true when this
// process became the worker master. Returning false is not an error:
// the engine may be locked, this process may itself be a worker, or
// another host process may already run the monitor — in the last case
// the registrator still starts so tasks registered here get consumed
// by the other master's workers.
func (e *Engine) Start(ctx context.Context, dbfile string, workers int) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return false, nil
	}

	if err := e.store.Init(ctx, dbfile); err != nil {
		return false, fmt.Errorf("init database: %w", err)
	}

	if e.store.AutocronLock {
		slog.Info("engine is locked, not starting")
		return false, nil
	}

	isWorker, err := e.store.IsWorkerPID(ctx, os.Getpid())
	if err != nil {
		return false, err
	}
	if isWorker {
		// A task function called back into Start from inside a worker
		// process. Refuse silently.
		return false, nil
	}

	acquired, err := e.store.AcquireMonitorLock(ctx)
	if err != nil {
		return false, err
	}
	if !acquired {
		slog.Info("another process is the worker master")
		e.startRegistrator()
		e.started = true
		return false, nil
	}

	if workers > 0 {
		settings, err := e.store.GetSettings(ctx)
		if err != nil {
			return false, err
		}
		settings.MaxWorkers = workers
		if err := e.store.UpdateSettings(ctx, settings); err != nil {
			return false, err
		}
	}

	if err := e.spawnMonitor(); err != nil {
		return false, err
	}
	e.startRegistrator()
	e.installSignalHandlers()
	e.started = true
	slog.Info("engine started", "dbfile", e.store.Path(), "monitor_pid", e.monitor.Process.Pid)
	return true, nil
}

func (e *Engine) startRegistrator() {
	if !e.store.BlockingMode {
		e.registrator.Start()
	}
}

func (e *Engine) spawnMonitor() error {
	cmd, err := proc.Spawn(proc.RoleMonitor,
		fmt.Sprintf("--dbfile=%s", e.store.Path()),
		fmt.Sprintf("--mainpid=%d", os.Getpid()),
	)
	if err != nil {
		return err
	}
	e.monitor = cmd
	// Reap the child whenever it exits so it never lingers as a
	// zombie.
	go cmd.Wait()
	return nil
}

// Stop terminates the monitor (which stops the workers), drains the
// registrator and resets the coordination state in the database.
// Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stopped {
		return
	}
	e.stopped = true

	if e.monitor != nil && e.monitor.Process != nil {
		e.monitor.Process.Signal(syscall.SIGTERM)
		e.monitor = nil
	}
	e.registrator.Stop()
	if err := e.store.TearDownDatabase(context.Background()); err != nil {
		slog.Error("tear down failed", "error", err)
	}
	slog.Info("engine stopped")
}

// installSignalHandlers arranges for SIGINT/SIGTERM to stop the engine
// and then re-raises the signal with the default disposition restored,
// so the host's own shutdown path still runs.
func (e *Engine) installSignalHandlers() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		e.Stop()
		signal.Reset(sig)
		if s, ok := sig.(syscall.Signal); ok {
			syscall.Kill(os.Getpid(), s)
		}
	}()
}
