// Package monitor implements the worker-supervision process body: the
// single child the winning host spawns, which in turn owns the worker
// pool. It restarts dead workers, watches the host process and tears
// the database down when either side goes away.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/autocron/internal/proc"
	"github.com/nextlevelbuilder/autocron/internal/store"
)

// workerStartDelay separates worker spawns so a fresh pool does not
// pile onto the SQLite write lock all at once.
const workerStartDelay = 20 * time.Millisecond

// Options configures the monitor process body.
type Options struct {
	Store *store.Store

	// HostPID is the pid of the host process that spawned the monitor.
	// When it vanishes the monitor tears everything down.
	HostPID int
}

// Monitor supervises the worker pool.
type Monitor struct {
	store       *store.Store
	hostPID     int
	workers     []*exec.Cmd
	terminating atomic.Bool
	wake        chan struct{}
}

func New(opts Options) *Monitor {
	return &Monitor{
		store:   opts.Store,
		hostPID: opts.HostPID,
		wake:    make(chan struct{}, 1),
	}
}

// Terminate asks the supervision loop to stop.
func (m *Monitor) Terminate() {
	m.terminating.Store(true)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run starts the worker pool and supervises it until termination or
// host death, then tears the database down and terminates the workers.
func (m *Monitor) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		m.Terminate()
	}()

	slog.Info("monitor started",
		"pid", os.Getpid(),
		"host_pid", m.hostPID,
		"max_workers", m.store.MaxWorkers,
	)

	m.startWorkers()
	idle := time.Duration(m.store.MonitorIdleTime) * time.Second
	for !m.terminating.Load() {
		if m.hostGone() {
			slog.Warn("host process vanished, shutting down", "host_pid", m.hostPID)
			break
		}
		m.superviseWorkers()
		select {
		case <-m.wake:
		case <-time.After(idle):
		}
	}

	// Tear down even when the host was killed hard so the next start
	// finds a clean coordination state.
	if err := m.store.TearDownDatabase(ctx); err != nil {
		slog.Error("tear down failed", "error", err)
	}
	m.stopWorkers()
	slog.Info("monitor stopped", "pid", os.Getpid())
	return nil
}

func (m *Monitor) startWorkers() {
	for i := 0; i < m.store.MaxWorkers; i++ {
		m.spawnWorker()
		time.Sleep(workerStartDelay)
	}
}

func (m *Monitor) spawnWorker() {
	cmd, err := proc.Spawn(proc.RoleWorker,
		fmt.Sprintf("--dbfile=%s", m.store.Path()),
		fmt.Sprintf("--monitorpid=%d", os.Getpid()),
	)
	if err != nil {
		slog.Error("worker spawn failed", "error", err)
		return
	}
	slog.Debug("worker spawned", "pid", cmd.Process.Pid)
	m.workers = append(m.workers, cmd)
}

// superviseWorkers reaps exited workers, removes them from the
// bookkeeping and spawns replacements.
func (m *Monitor) superviseWorkers() {
	alive := m.workers[:0]
	restarts := 0
	for _, cmd := range m.workers {
		if exited(cmd) {
			slog.Warn("worker exited, restarting", "pid", cmd.Process.Pid)
			ctx := context.Background()
			if err := m.store.DecrementRunningWorkers(ctx, cmd.Process.Pid); err != nil {
				slog.Error("worker deregistration failed", "pid", cmd.Process.Pid, "error", err)
			}
			restarts++
			continue
		}
		alive = append(alive, cmd)
	}
	m.workers = alive
	for i := 0; i < restarts && !m.terminating.Load(); i++ {
		m.spawnWorker()
		time.Sleep(workerStartDelay)
	}
}

// exited polls a worker without blocking.
func exited(cmd *exec.Cmd) bool {
	if cmd.Process == nil {
		return true
	}
	var status syscall.WaitStatus
	pid, err := syscall.Wait4(cmd.Process.Pid, &status, syscall.WNOHANG, nil)
	if err != nil {
		// Already reaped or not our child any more.
		return true
	}
	return pid == cmd.Process.Pid
}

func (m *Monitor) stopWorkers() {
	for _, cmd := range m.workers {
		if cmd.Process != nil {
			cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	for _, cmd := range m.workers {
		cmd.Wait()
	}
}

func (m *Monitor) hostGone() bool {
	if m.hostPID <= 0 {
		return false
	}
	return !proc.Alive(m.hostPID)
}
