// Package autocron is an embedded background-task engine: host code
// registers delayed function calls and load-time cron jobs, a pool of
// worker processes drains them, and a single local SQLite file carries
// queue, results and cross-process coordination.
//
// Typical use:
//
//	app, _ := autocron.New(autocron.Options{})
//	app.Register("billing", "send_invoice", sendInvoice)
//	autocron.Main(app) // takes over when this binary runs as monitor/worker
//	app.Start("myapp.db", 2)
//	defer app.Stop()
//
//	promise, _ := app.Delay("billing", "send_invoice", []any{42}, nil)
package autocron

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/autocron/internal/codec"
	"github.com/nextlevelbuilder/autocron/internal/engine"
	"github.com/nextlevelbuilder/autocron/internal/registrator"
	"github.com/nextlevelbuilder/autocron/internal/registry"
	"github.com/nextlevelbuilder/autocron/internal/schedule"
	"github.com/nextlevelbuilder/autocron/internal/store"
)

// DefaultCrontab runs a cron job every minute.
const DefaultCrontab = "* * * * *"

// TaskFunc is an executable task body.
type TaskFunc = registry.TaskFunc

// Options configures an App.
type Options struct {
	// Codec encodes task arguments and results. Defaults to JSON.
	Codec codec.Codec

	// StrictCron requires day-of-month and day-of-week to match
	// simultaneously when both are restricted (POSIX semantics).
	// Default is the loose union rule.
	StrictCron bool

	// StorageDir overrides the ~/.autocron location of the temporary
	// pre-registration database. Mainly for tests.
	StorageDir string
}

// App is the explicitly constructed context value tying store,
// registrator, engine and function registry together. One per host
// process.
type App struct {
	store       *store.Store
	registrator *registrator.Registrator
	engine      *engine.Engine
	registry    *registry.Registry
	codec       codec.Codec
	strictCron  bool
}

// New creates an App backed by a temporary pre-registration database.
// Tasks registered before Start are migrated once the real database
// path is known.
func New(opts Options) (*App, error) {
	s, err := store.NewIn(opts.StorageDir)
	if err != nil {
		return nil, err
	}
	c := opts.Codec
	if c == nil {
		c = codec.JSON{}
	}
	r := registrator.New(s)
	return &App{
		store:       s,
		registrator: r,
		engine:      engine.New(s, r),
		registry:    registry.New(),
		codec:       c,
		strictCron:  opts.StrictCron,
	}, nil
}

// Register records fn under the symbolic (module, name) reference used
// in the database. Every function referenced by Delay or Cron must be
// registered before Main so that worker processes can resolve it.
func (a *App) Register(module, name string, fn TaskFunc) {
	a.registry.Register(module, name, fn)
}

// Delay schedules fn(args, kwargs) for background execution and
// returns a promise for its result. When the engine is locked the call
// happens synchronously and the promise is already complete.
func (a *App) Delay(module, name string, args []any, kwargs map[string]any) (*Promise, error) {
	blob, err := a.codec.EncodeArguments(codec.Arguments{Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, err
	}
	if a.store.AutocronLock {
		// Pass-through mode: run the function in place.
		value, err := registry.Invoke(a.registry, a.codec, module, name, blob)
		return completedPromise(value, err), nil
	}
	id := uuid.NewString()
	task := &store.Task{
		UUID:              id,
		Schedule:          time.Now(),
		FunctionModule:    module,
		FunctionName:      name,
		FunctionArguments: blob,
	}
	if err := a.registrator.Register(task); err != nil {
		return nil, err
	}
	return &Promise{uuid: id, store: a.store, codec: a.codec}, nil
}

// Cron registers a recurring job. An empty crontab defaults to every
// minute. Registering the same (module, name) pair again is a no-op.
func (a *App) Cron(crontab, module, name string) error {
	if crontab == "" {
		crontab = DefaultCrontab
	}
	gx := gronx.New()
	if !gx.IsValid(crontab) {
		return fmt.Errorf("%w: %q", schedule.ErrBadCrontab, crontab)
	}
	scheduler, err := a.newScheduler(crontab)
	if err != nil {
		return err
	}
	first, err := scheduler.NextFireAfter(time.Now())
	if err != nil {
		return err
	}
	task := &store.Task{
		Schedule:       first,
		Crontab:        crontab,
		FunctionModule: module,
		FunctionName:   name,
	}
	return a.registrator.Register(task)
}

func (a *App) newScheduler(crontab string) (*schedule.CronScheduler, error) {
	if a.strictCron {
		return schedule.NewStrict(crontab)
	}
	return schedule.New(crontab)
}

// Start activates the engine against the database at dbfile. A
// positive workers count overrides the stored max_workers setting.
// Returns true when this process became the worker master.
func (a *App) Start(dbfile string, workers int) (bool, error) {
	return a.engine.Start(context.Background(), dbfile, workers)
}

// Stop shuts the engine down: monitor and workers terminate, pending
// registrations drain, the coordination state is reset.
func (a *App) Stop() {
	a.engine.Stop()
}

// Close releases the underlying store. Call it when the App was never
// started, e.g. in pass-through mode.
func (a *App) Close() error {
	return a.store.Close()
}

// Store exposes the underlying store for the admin surface and tests.
func (a *App) Store() *store.Store {
	return a.store
}
