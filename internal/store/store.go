// Package store is the sole mediator of persistent state: tasks,
// results and settings in a single SQLite file shared by the host,
// monitor and worker processes. Inter-process coordination happens
// exclusively through the database write lock; every read-modify-write
// operation runs inside an exclusive transaction and every public
// method retries transparently on transient lock contention.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

const (
	// defaultStorage is the directory under the home directory where
	// relative database paths are resolved.
	defaultStorage = ".autocron"

	// temporaryPrefix marks pre-registration databases that hold tasks
	// registered before Init is called with the real path.
	temporaryPrefix = ".temp-"
)

// Retry parameters for transient SQLITE_BUSY errors. The delay grows
// by busyDelayFactor every busyDelaySteps attempts.
const (
	busyRetryLimit  = 100
	busyRetryDelay  = 10 * time.Millisecond
	busyDelaySteps  = 20
	busyDelayFactor = 1.5
)

// timeFormat is a fixed-width ISO-8601 layout. All instants are stored
// as UTC text so that SQL string comparison orders chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func decodeTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad stored timestamp %q: %w", value, err)
	}
	return t, nil
}

// Store provides access to one autocron database. One Store per
// process; coordination between Store values in different processes is
// mediated by the SQLite file lock.
type Store struct {
	db   *sql.DB
	path string

	// AcceptRegistrations gates RegisterTask. Worker processes set it
	// to false so that task functions calling back into the host API
	// do not re-register themselves mid-execution.
	AcceptRegistrations bool

	// Settings cached at open time; these do not change at runtime.
	MaxWorkers      int
	WorkerIdleTime  int
	MonitorIdleTime int
	ResultTTL       time.Duration
	BlockingMode    bool
	AutocronLock    bool
}

// New opens a temporary pre-registration database so that tasks can be
// registered before the real database path is known. Init later
// migrates its content.
func New() (*Store, error) {
	return NewIn("")
}

// NewIn is New with an explicit storage directory (empty means the
// default ~/.autocron location).
func NewIn(dir string) (*Store, error) {
	name := fmt.Sprintf("%s%s.db", temporaryPrefix, uuid.NewString())
	var path string
	var err error
	if dir == "" {
		path, err = resolvePath(name)
		if err != nil {
			return nil, err
		}
	} else {
		path = filepath.Join(dir, name)
	}
	return open(path, true)
}

// Open opens the database at path, creating file, schema and the
// singleton settings row as needed, and recovers tasks left in the
// processing state by a previous run. This is the host-side entry
// point; monitor and worker processes use OpenExisting.
func Open(path string) (*Store, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	return open(resolved, true)
}

// OpenExisting opens an already initialized database without touching
// task state. Used by the monitor and worker processes, which must not
// re-run recovery while tasks are being processed.
func OpenExisting(path string) (*Store, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	return open(resolved, false)
}

func open(path string, initialize bool) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(0)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	s := &Store{db: db, path: path, AcceptRegistrations: true}
	ctx := context.Background()
	if initialize {
		err = s.initialize(ctx)
	} else {
		err = s.loadSettings(ctx)
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the schema and settings row if missing, resets
// leftover processing tasks to waiting (at-least-once recovery) and
// caches the runtime settings.
func (s *Store) initialize(ctx context.Context) error {
	return s.withRetry(func() error {
		return s.exclusive(ctx, func(c conn) error {
			if err := createSchema(c); err != nil {
				return err
			}
			settings, err := readSettings(c)
			if errors.Is(err, sql.ErrNoRows) {
				settings = DefaultSettings()
				if err := insertSettings(c, settings); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
			s.cacheSettings(settings)
			// Recover tasks a crashed worker left behind.
			_, err = c.exec(
				`UPDATE task SET status = ? WHERE status = ?`,
				StatusWaiting, StatusProcessing,
			)
			return err
		})
	})
}

func (s *Store) loadSettings(ctx context.Context) error {
	return s.withRetry(func() error {
		return s.plain(ctx, func(c conn) error {
			settings, err := readSettings(c)
			if err != nil {
				return fmt.Errorf("read settings: %w", err)
			}
			s.cacheSettings(settings)
			return nil
		})
	})
}

func (s *Store) cacheSettings(settings Settings) {
	s.MaxWorkers = settings.MaxWorkers
	s.WorkerIdleTime = settings.WorkerIdleTime
	s.MonitorIdleTime = settings.MonitorIdleTime
	s.ResultTTL = time.Duration(settings.ResultTTL) * time.Second
	s.BlockingMode = settings.BlockingMode
	s.AutocronLock = settings.AutocronLock
}

// IsTemporary reports whether the store is still backed by a
// pre-registration database.
func (s *Store) IsTemporary() bool {
	return strings.HasPrefix(filepath.Base(s.path), temporaryPrefix)
}

// Path returns the resolved database file path.
func (s *Store) Path() string {
	return s.path
}

// Init moves the store onto the database at path. Tasks registered
// into a temporary pre-registration database are migrated and the
// temporary file is removed. Calling Init when the store already sits
// on a real database is a no-op.
func (s *Store) Init(ctx context.Context, path string) error {
	if !s.IsTemporary() {
		return nil
	}
	pending, err := s.GetTasks(ctx)
	if err != nil {
		return err
	}
	oldPath := s.path
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close temporary database: %w", err)
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return err
	}
	dsn := resolved + "?_pragma=busy_timeout(0)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open database %s: %w", resolved, err)
	}
	s.db = db
	s.path = resolved
	if err := s.initialize(ctx); err != nil {
		return err
	}
	for _, task := range pending {
		task.RowID = 0
		if err := s.RegisterTask(ctx, task); err != nil {
			return err
		}
	}
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not remove temporary database", "path", oldPath, "error", err)
	}
	return nil
}

// Close closes the database. A still-temporary database file is
// removed, mirroring the shutdown path of a host that never called
// Init with a real path.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.IsTemporary() {
		if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}

// DeleteDatabase closes the store and removes the database file.
func (s *Store) DeleteDatabase() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// resolvePath expands a relative database filename to the storage
// location under the home directory, creating the directory on demand.
// Absolute paths are used as given.
func resolvePath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		// No home directory: fall back to the working directory.
		return filepath.Abs(name)
	}
	dir := filepath.Join(home, defaultStorage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create storage directory %s: %w", dir, err)
	}
	return filepath.Join(dir, filepath.Base(name)), nil
}

// --- Transactions ---

// conn runs statements of one transaction on a single database
// connection.
type conn struct {
	ctx context.Context
	c   *sql.Conn
}

func (c conn) exec(query string, args ...any) (sql.Result, error) {
	return c.c.ExecContext(c.ctx, query, args...)
}

func (c conn) query(query string, args ...any) (*sql.Rows, error) {
	return c.c.QueryContext(c.ctx, query, args...)
}

func (c conn) queryRow(query string, args ...any) *sql.Row {
	return c.c.QueryRowContext(c.ctx, query, args...)
}

// exclusive runs fn inside a BEGIN EXCLUSIVE transaction, blocking any
// concurrent writer until commit. Used for every read-modify-write
// sequence; the atomicity of claim, dedup and lock operations depends
// on it.
func (s *Store) exclusive(ctx context.Context, fn func(conn) error) error {
	return s.transact(ctx, "BEGIN EXCLUSIVE", fn)
}

// plain runs fn inside an ordinary deferred transaction.
func (s *Store) plain(ctx context.Context, fn func(conn) error) error {
	return s.transact(ctx, "BEGIN", fn)
}

func (s *Store) transact(ctx context.Context, begin string, fn func(conn) error) error {
	dbConn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer dbConn.Close()

	if _, err := dbConn.ExecContext(ctx, begin); err != nil {
		return err
	}
	if err := fn(conn{ctx: ctx, c: dbConn}); err != nil {
		if _, rbErr := dbConn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
			slog.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if _, err := dbConn.ExecContext(ctx, "COMMIT"); err != nil {
		dbConn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	return nil
}

// --- Retry on busy ---

// withRetry repeats fn while it fails with a transient SQLite lock
// error. After the retry budget is exhausted the last busy error is
// surfaced. Mandatory wrapper on every public store method; it is the
// system's sole concession to write contention.
func (s *Store) withRetry(fn func() error) error {
	delay := busyRetryDelay
	var err error
	for attempt := 0; attempt < busyRetryLimit; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(delay)
		if (attempt+1)%busyDelaySteps == 0 {
			delay = time.Duration(float64(delay) * busyDelayFactor)
		}
	}
	return fmt.Errorf("%w: %v", ErrStoreContended, err)
}

// isBusy reports whether err is a transient SQLITE_BUSY/SQLITE_LOCKED
// condition worth retrying.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
		return true
	}
	return false
}
