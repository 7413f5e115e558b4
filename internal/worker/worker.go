// Package worker implements the task-draining process body. Each
// worker repeatedly claims one task from the store, executes it and
// writes the outcome back; crontasks are rescheduled, delayed tasks
// deleted.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/autocron/internal/codec"
	"github.com/nextlevelbuilder/autocron/internal/proc"
	"github.com/nextlevelbuilder/autocron/internal/registry"
	"github.com/nextlevelbuilder/autocron/internal/schedule"
	"github.com/nextlevelbuilder/autocron/internal/store"
)

// defaultIdleTime is the base idle sleep in seconds used by the
// adaptive calculation.
const defaultIdleTime = 1.0

// Options configures a worker process body.
type Options struct {
	Store    *store.Store
	Resolver registry.Resolver
	Codec    codec.Codec

	// MonitorPID enables the optional monitor liveness probe when
	// non-zero: a vanished monitor triggers tear-down and exit.
	MonitorPID int

	// StrictCron switches the rescheduling calculator to strict
	// day-of-week semantics.
	StrictCron bool
}

// Worker drains the task queue of one store.
type Worker struct {
	store      *store.Store
	resolver   registry.Resolver
	codec      codec.Codec
	monitorPID int
	strictCron bool
	idleTime   time.Duration
	active     atomic.Bool
}

func New(opts Options) *Worker {
	w := &Worker{
		store:      opts.Store,
		resolver:   opts.Resolver,
		codec:      opts.Codec,
		monitorPID: opts.MonitorPID,
		strictCron: opts.StrictCron,
	}
	if w.codec == nil {
		w.codec = codec.JSON{}
	}
	w.idleTime = effectiveIdleTime(opts.Store.WorkerIdleTime, opts.Store.MaxWorkers)
	w.active.Store(true)
	return w
}

// effectiveIdleTime computes the idle sleep. A configured value wins;
// zero selects the adaptive mode: 1 s for up to 8 workers, then 25 ms
// more per additional worker to reduce contention on the write lock.
func effectiveIdleTime(configured, maxWorkers int) time.Duration {
	if configured > 0 {
		return time.Duration(configured) * time.Second
	}
	seconds := defaultIdleTime
	if maxWorkers > 8 {
		seconds += 0.025 * float64(maxWorkers-8)
	}
	return time.Duration(seconds * float64(time.Second))
}

// Terminate asks the dispatch loop to stop at the next loop boundary.
func (w *Worker) Terminate() {
	w.active.Store(false)
}

// Run executes the dispatch loop until termination. It registers the
// worker pid, installs the signal handlers and never returns an error
// from task execution: task failures land in the result table.
func (w *Worker) Run(ctx context.Context) error {
	pid := os.Getpid()
	if err := w.store.IncrementRunningWorkers(ctx, pid); err != nil {
		return fmt.Errorf("register worker pid: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		w.Terminate()
	}()

	slog.Info("worker started", "pid", pid, "idle_time", w.idleTime)
	for w.active.Load() {
		handled, err := w.handleNextTask(ctx)
		if err != nil {
			slog.Error("task dispatch failed", "pid", pid, "error", err)
		}
		if handled {
			// More work may be waiting, loop immediately.
			continue
		}
		if err := w.store.DeleteOutdatedResults(ctx); err != nil {
			slog.Error("result cleanup failed", "pid", pid, "error", err)
		}
		if w.monitorGone() {
			slog.Warn("monitor vanished, tearing down", "pid", pid)
			if err := w.store.TearDownDatabase(ctx); err != nil {
				slog.Error("tear down failed", "pid", pid, "error", err)
			}
			break
		}
		w.idle()
	}
	slog.Info("worker stopped", "pid", pid)
	return nil
}

// idle sleeps up to the effective idle time, waking at least every
// second to notice a termination request.
func (w *Worker) idle() {
	remaining := w.idleTime
	for remaining > 0 && w.active.Load() {
		step := time.Second
		if remaining < step {
			step = remaining
		}
		time.Sleep(step)
		remaining -= step
	}
}

// monitorGone probes the monitor process with signal 0. Disabled when
// no monitor pid was passed in.
func (w *Worker) monitorGone() bool {
	if w.monitorPID <= 0 {
		return false
	}
	return !proc.Alive(w.monitorPID)
}

// handleNextTask claims and processes one task. Returns false when
// nothing was due.
func (w *Worker) handleNextTask(ctx context.Context) (bool, error) {
	task, err := w.store.GetNextTask(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	if !w.active.Load() {
		// Terminating: leave the task in the processing state, it is
		// recovered to waiting on the next start.
		return true, nil
	}
	w.processTask(ctx, task)
	return true, nil
}

// outcome is the invocation result: either a value or an error text.
type outcome struct {
	value  any
	errMsg string
}

// processTask invokes the task function and writes status, result and
// schedule updates back to the store. Any failure of resolution,
// argument decoding or the function body becomes the error message of
// the result; it never kills the worker.
func (w *Worker) processTask(ctx context.Context, task *store.Task) {
	out := w.invoke(task)

	if task.UUID != "" {
		var blob []byte
		if out.errMsg == "" {
			var err error
			blob, err = w.codec.EncodeValue(out.value)
			if err != nil {
				out.errMsg = err.Error()
			}
		}
		if err := w.store.UpdateResult(ctx, task.UUID, blob, out.errMsg); err != nil {
			slog.Error("result update failed", "uuid", task.UUID, "error", err)
		}
	}

	if task.IsCron() {
		w.reschedule(ctx, task)
		return
	}
	if err := w.store.DeleteTask(ctx, task); err != nil {
		slog.Error("task deletion failed", "rowid", task.RowID, "error", err)
	}
}

// invoke resolves and runs the task function, converting every failure
// mode, including panics in the function body, into an error text.
func (w *Worker) invoke(task *store.Task) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{errMsg: fmt.Sprintf("panic: %v", r)}
		}
	}()
	value, err := registry.Invoke(
		w.resolver, w.codec,
		task.FunctionModule, task.FunctionName, task.FunctionArguments,
	)
	if err != nil {
		return outcome{errMsg: err.Error()}
	}
	return outcome{value: value}
}

// reschedule computes the next fire time of a crontask and returns it
// to the waiting state. A crontab that fails to parse or never fires
// again leaves the task in the processing state; it is recovered on
// the next restart, operators must fix the crontab.
func (w *Worker) reschedule(ctx context.Context, task *store.Task) {
	scheduler, err := w.newScheduler(task.Crontab)
	if err != nil {
		slog.Error("crontask not reschedulable", "crontab", task.Crontab, "error", err)
		return
	}
	next, err := scheduler.NextFireAfter(time.Now())
	if err != nil {
		slog.Error("crontask not reschedulable", "crontab", task.Crontab, "error", err)
		return
	}
	if err := w.store.UpdateTaskSchedule(ctx, task, next); err != nil {
		slog.Error("crontask reschedule failed", "rowid", task.RowID, "error", err)
	}
}

func (w *Worker) newScheduler(crontab string) (*schedule.CronScheduler, error) {
	if w.strictCron {
		return schedule.NewStrict(crontab)
	}
	return schedule.New(crontab)
}
