// Package registrator decouples task registration from the host's
// request path: Register returns immediately and a single background
// goroutine forwards the bundles to the store in FIFO order.
package registrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/autocron/internal/store"
)

// pollTimeout bounds the wait on an empty queue so the goroutine can
// notice a shutdown. Queued items always drain before termination.
const pollTimeout = 2 * time.Second

// Registrator forwards task registrations to the store from a single
// background goroutine.
type Registrator struct {
	store *store.Store

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*store.Task
	running bool
	closing bool
	done    chan struct{}
}

func New(s *store.Store) *Registrator {
	r := &Registrator{store: s}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Register queues a task for background registration. When the
// background goroutine is not running (blocking mode) the task is
// written synchronously instead.
func (r *Registrator) Register(task *store.Task) error {
	r.mu.Lock()
	if r.running {
		r.queue = append(r.queue, task)
		r.cond.Signal()
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	return r.store.RegisterTask(context.Background(), task)
}

// Start launches the background goroutine. Starting twice is a no-op.
func (r *Registrator) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.closing = false
	r.done = make(chan struct{})
	go r.drain()
}

// Stop terminates the background goroutine after the queue has been
// drained, so no accepted registration is lost.
func (r *Registrator) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.closing = true
	done := r.done
	r.cond.Signal()
	r.mu.Unlock()

	<-done

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

func (r *Registrator) drain() {
	defer close(r.done)
	for {
		task, ok := r.next()
		if !ok {
			return
		}
		if task == nil {
			continue
		}
		if err := r.store.RegisterTask(context.Background(), task); err != nil {
			slog.Error("task registration failed",
				"module", task.FunctionModule,
				"name", task.FunctionName,
				"error", err,
			)
		}
	}
}

// next pops the head of the queue, waiting up to pollTimeout when the
// queue is empty. Returns ok=false when the registrator is closing and
// the queue is drained; a nil task with ok=true is a poll timeout.
func (r *Registrator) next() (*store.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		if r.closing {
			return nil, false
		}
		r.waitLocked()
		if len(r.queue) == 0 {
			if r.closing {
				return nil, false
			}
			return nil, true
		}
	}
	task := r.queue[0]
	r.queue = r.queue[1:]
	return task, true
}

// waitLocked blocks on the condition variable with a timeout wakeup.
func (r *Registrator) waitLocked() {
	timer := time.AfterFunc(pollTimeout, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()
	r.cond.Wait()
}
