package autocron

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/nextlevelbuilder/autocron/internal/monitor"
	"github.com/nextlevelbuilder/autocron/internal/proc"
	"github.com/nextlevelbuilder/autocron/internal/store"
	"github.com/nextlevelbuilder/autocron/internal/worker"
)

// Main hands the process over to the monitor or worker body when this
// binary was re-executed with a role marker, and returns immediately
// otherwise. Hosts must call it after registering their task functions
// and before any other start-up work, because monitor and worker
// children are this same binary.
func Main(app *App) {
	role := proc.Role()
	if role == "" {
		return
	}
	os.Exit(runRole(app, role, os.Args[1:]))
}

func runRole(app *App, role string, args []string) int {
	fs := flag.NewFlagSet("autocron."+role, flag.ContinueOnError)
	dbfile := fs.String("dbfile", "", "database file path")
	mainPID := fs.Int("mainpid", 0, "pid of the host process")
	monitorPID := fs.Int("monitorpid", 0, "pid of the monitor process")
	if err := fs.Parse(args); err != nil {
		slog.Error("bad child invocation", "role", role, "error", err)
		return 2
	}

	// The App constructor opened a pre-registration database this
	// child process never uses; drop it before opening the real one.
	if err := app.store.Close(); err != nil {
		slog.Warn("could not discard pre-registration database", "error", err)
	}

	s, err := store.OpenExisting(*dbfile)
	if err != nil {
		slog.Error("child cannot open database", "role", role, "dbfile", *dbfile, "error", err)
		return 1
	}
	defer s.Close()

	ctx := context.Background()
	switch role {
	case proc.RoleMonitor:
		m := monitor.New(monitor.Options{Store: s, HostPID: *mainPID})
		if err := m.Run(ctx); err != nil {
			slog.Error("monitor failed", "error", err)
			return 1
		}
	case proc.RoleWorker:
		s.AcceptRegistrations = false
		w := worker.New(worker.Options{
			Store:      s,
			Resolver:   app.registry,
			Codec:      app.codec,
			MonitorPID: *monitorPID,
			StrictCron: app.strictCron,
		})
		if err := w.Run(ctx); err != nil {
			slog.Error("worker failed", "error", err)
			return 1
		}
	default:
		slog.Error("unknown role", "role", role)
		return 2
	}
	return 0
}
