package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Settings is the single-row runtime configuration of the engine.
type Settings struct {
	MaxWorkers      int
	RunningWorkers  int
	MonitorLock     bool
	AutocronLock    bool
	BlockingMode    bool
	MonitorIdleTime int // seconds
	WorkerIdleTime  int // seconds; 0 means adaptive
	WorkerPids      string
	ResultTTL       int // seconds
}

// DefaultSettings returns the values persisted on first database
// creation.
func DefaultSettings() Settings {
	return Settings{
		MaxWorkers:      1,
		RunningWorkers:  0,
		MonitorLock:     false,
		AutocronLock:    false,
		BlockingMode:    false,
		MonitorIdleTime: 5,
		WorkerIdleTime:  0,
		WorkerPids:      "",
		ResultTTL:       1800,
	}
}

// Pids returns the worker pid list as integers.
func (s Settings) Pids() []int {
	var pids []int
	for _, field := range strings.Split(s.WorkerPids, ",") {
		if field == "" {
			continue
		}
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func readSettings(c conn) (Settings, error) {
	var s Settings
	var monitorLock, autocronLock, blockingMode int
	err := c.queryRow(
		`SELECT max_workers, running_workers, monitor_lock, autocron_lock,
		        blocking_mode, monitor_idle_time, worker_idle_time,
		        worker_pids, result_ttl
		 FROM settings`,
	).Scan(
		&s.MaxWorkers, &s.RunningWorkers, &monitorLock, &autocronLock,
		&blockingMode, &s.MonitorIdleTime, &s.WorkerIdleTime,
		&s.WorkerPids, &s.ResultTTL,
	)
	if err != nil {
		return Settings{}, err
	}
	s.MonitorLock = monitorLock != 0
	s.AutocronLock = autocronLock != 0
	s.BlockingMode = blockingMode != 0
	return s, nil
}

func insertSettings(c conn, s Settings) error {
	_, err := c.exec(
		`INSERT INTO settings (max_workers, running_workers, monitor_lock,
		        autocron_lock, blocking_mode, monitor_idle_time,
		        worker_idle_time, worker_pids, result_ttl)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.MaxWorkers, s.RunningWorkers, boolToInt(s.MonitorLock),
		boolToInt(s.AutocronLock), boolToInt(s.BlockingMode),
		s.MonitorIdleTime, s.WorkerIdleTime, s.WorkerPids, s.ResultTTL,
	)
	return err
}

func writeSettings(c conn, s Settings) error {
	_, err := c.exec(
		`UPDATE settings SET max_workers = ?, running_workers = ?,
		        monitor_lock = ?, autocron_lock = ?, blocking_mode = ?,
		        monitor_idle_time = ?, worker_idle_time = ?,
		        worker_pids = ?, result_ttl = ?`,
		s.MaxWorkers, s.RunningWorkers, boolToInt(s.MonitorLock),
		boolToInt(s.AutocronLock), boolToInt(s.BlockingMode),
		s.MonitorIdleTime, s.WorkerIdleTime, s.WorkerPids, s.ResultTTL,
	)
	return err
}

// GetSettings returns the settings row.
func (s *Store) GetSettings(ctx context.Context) (Settings, error) {
	var settings Settings
	err := s.withRetry(func() error {
		return s.plain(ctx, func(c conn) error {
			var err error
			settings, err = readSettings(c)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNoSettings
			}
			return err
		})
	})
	return settings, err
}

// UpdateSettings overwrites the settings row.
func (s *Store) UpdateSettings(ctx context.Context, settings Settings) error {
	return s.withRetry(func() error {
		return s.exclusive(ctx, func(c conn) error {
			return writeSettings(c, settings)
		})
	})
}

// AcquireMonitorLock makes the calling process the monitor master if
// no other process holds the lock yet. Returns true on success. The
// check-and-set runs under an exclusive transaction, which is what
// makes the election race-free across processes.
func (s *Store) AcquireMonitorLock(ctx context.Context) (bool, error) {
	var acquired bool
	err := s.withRetry(func() error {
		acquired = false
		return s.exclusive(ctx, func(c conn) error {
			settings, err := readSettings(c)
			if err != nil {
				return err
			}
			if settings.MonitorLock {
				return nil
			}
			settings.MonitorLock = true
			acquired = true
			return writeSettings(c, settings)
		})
	})
	return acquired, err
}

// IncrementRunningWorkers adds pid to the worker pid list and bumps
// the running worker count.
func (s *Store) IncrementRunningWorkers(ctx context.Context, pid int) error {
	return s.withRetry(func() error {
		return s.exclusive(ctx, func(c conn) error {
			settings, err := readSettings(c)
			if err != nil {
				return err
			}
			entry := strconv.Itoa(pid)
			if settings.WorkerPids == "" {
				settings.WorkerPids = entry
			} else {
				settings.WorkerPids += "," + entry
			}
			settings.RunningWorkers++
			return writeSettings(c, settings)
		})
	})
}

// DecrementRunningWorkers removes pid from the worker pid list and
// adjusts the running worker count. Unknown pids are ignored.
func (s *Store) DecrementRunningWorkers(ctx context.Context, pid int) error {
	return s.withRetry(func() error {
		return s.exclusive(ctx, func(c conn) error {
			settings, err := readSettings(c)
			if err != nil {
				return err
			}
			var kept []string
			removed := false
			for _, field := range strings.Split(settings.WorkerPids, ",") {
				if field == "" {
					continue
				}
				if !removed && field == strconv.Itoa(pid) {
					removed = true
					continue
				}
				kept = append(kept, field)
			}
			if !removed {
				return nil
			}
			settings.WorkerPids = strings.Join(kept, ",")
			settings.RunningWorkers = len(kept)
			return writeSettings(c, settings)
		})
	})
}

// IsWorkerPID reports whether pid is one of the registered worker
// pids.
func (s *Store) IsWorkerPID(ctx context.Context, pid int) (bool, error) {
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return false, err
	}
	for _, known := range settings.Pids() {
		if known == pid {
			return true, nil
		}
	}
	return false, nil
}

// TearDownDatabase resets the coordination state on shutdown: release
// the monitor lock, clear the worker bookkeeping, drop all crontasks
// (they re-register on next start) and return unfinished tasks to the
// waiting state.
func (s *Store) TearDownDatabase(ctx context.Context) error {
	return s.withRetry(func() error {
		return s.exclusive(ctx, func(c conn) error {
			settings, err := readSettings(c)
			if err != nil {
				return err
			}
			settings.MonitorLock = false
			settings.RunningWorkers = 0
			settings.WorkerPids = ""
			if err := writeSettings(c, settings); err != nil {
				return err
			}
			if _, err := c.exec(`DELETE FROM task WHERE crontab <> ''`); err != nil {
				return err
			}
			_, err = c.exec(
				`UPDATE task SET status = ? WHERE status = ?`,
				StatusWaiting, StatusProcessing,
			)
			return err
		})
	})
}

// String renders the settings for the admin tool.
func (s Settings) String() string {
	return fmt.Sprintf(
		"max_workers: %d\nrunning_workers: %d\nmonitor_lock: %t\n"+
			"autocron_lock: %t\nblocking_mode: %t\nmonitor_idle_time: %d\n"+
			"worker_idle_time: %d\nworker_pids: %q\nresult_ttl: %d",
		s.MaxWorkers, s.RunningWorkers, s.MonitorLock, s.AutocronLock,
		s.BlockingMode, s.MonitorIdleTime, s.WorkerIdleTime,
		s.WorkerPids, s.ResultTTL,
	)
}
