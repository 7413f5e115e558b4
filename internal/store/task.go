package store

import (
	"context"
	"database/sql"
	"time"
)

// Task is an item of work pending execution. Crontasks carry a
// non-empty Crontab and an empty UUID; delayed tasks the opposite.
type Task struct {
	RowID             int64
	UUID              string
	Schedule          time.Time
	Status            int
	Crontab           string
	FunctionModule    string
	FunctionName      string
	FunctionArguments []byte
}

// IsCron reports whether the task reschedules after execution instead
// of being deleted.
func (t *Task) IsCron() bool {
	return t.Crontab != ""
}

const taskColumns = `rowid, uuid, schedule, status, crontab,
	function_module, function_name, function_arguments`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var schedule string
	err := row.Scan(
		&t.RowID, &t.UUID, &schedule, &t.Status, &t.Crontab,
		&t.FunctionModule, &t.FunctionName, &t.FunctionArguments,
	)
	if err != nil {
		return nil, err
	}
	t.Schedule, err = decodeTime(schedule)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func insertTask(c conn, t *Task) error {
	result, err := c.exec(
		`INSERT INTO task (uuid, schedule, status, crontab,
		        function_module, function_name, function_arguments)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.UUID, encodeTime(t.Schedule), t.Status, t.Crontab,
		t.FunctionModule, t.FunctionName, t.FunctionArguments,
	)
	if err != nil {
		return err
	}
	t.RowID, err = result.LastInsertId()
	return err
}

// RegisterTask stores a task for later processing. A crontask that is
// already registered for the same (module, name) pair is silently
// skipped. A task with a UUID additionally gets a waiting result row
// so that the outcome slot exists from the moment of registration.
// No-op when the store does not accept registrations (workers).
func (s *Store) RegisterTask(ctx context.Context, task *Task) error {
	if !s.AcceptRegistrations {
		return nil
	}
	if task.Schedule.IsZero() {
		task.Schedule = time.Now()
	}
	if task.Status == 0 {
		task.Status = StatusWaiting
	}
	return s.withRetry(func() error {
		return s.exclusive(ctx, func(c conn) error {
			if task.Crontab != "" {
				var count int
				err := c.queryRow(
					`SELECT COUNT(*) FROM task
					 WHERE crontab <> '' AND function_module = ? AND function_name = ?`,
					task.FunctionModule, task.FunctionName,
				).Scan(&count)
				if err != nil {
					return err
				}
				if count > 0 {
					return nil
				}
			}
			if err := insertTask(c, task); err != nil {
				return err
			}
			if task.UUID != "" {
				return insertResult(c, &Result{
					UUID:              task.UUID,
					Status:            StatusWaiting,
					FunctionModule:    task.FunctionModule,
					FunctionName:      task.FunctionName,
					FunctionArguments: task.FunctionArguments,
					TTL:               time.Now().Add(s.ResultTTL),
				})
			}
			return nil
		})
	})
}

// GetNextTask claims the next task on due, crontasks first. The
// claimed task is moved to the processing state inside the same
// exclusive transaction, which guarantees that no two workers pick up
// the same task. Returns nil when nothing is due.
func (s *Store) GetNextTask(ctx context.Context) (*Task, error) {
	var claimed *Task
	err := s.withRetry(func() error {
		claimed = nil
		return s.exclusive(ctx, func(c conn) error {
			now := encodeTime(time.Now())
			task, err := scanTask(c.queryRow(
				`SELECT `+taskColumns+` FROM task
				 WHERE status = ? AND schedule <= ? AND crontab <> ''
				 ORDER BY schedule LIMIT 1`,
				StatusWaiting, now,
			))
			if err == sql.ErrNoRows {
				task, err = scanTask(c.queryRow(
					`SELECT `+taskColumns+` FROM task
					 WHERE status = ? AND schedule <= ?
					 ORDER BY schedule LIMIT 1`,
					StatusWaiting, now,
				))
			}
			if err == sql.ErrNoRows {
				return nil
			}
			if err != nil {
				return err
			}
			if _, err := c.exec(
				`UPDATE task SET status = ? WHERE rowid = ?`,
				StatusProcessing, task.RowID,
			); err != nil {
				return err
			}
			task.Status = StatusProcessing
			claimed = task
			return nil
		})
	})
	return claimed, err
}

// UpdateTaskSchedule moves a crontask back to the waiting state with a
// new fire time.
func (s *Store) UpdateTaskSchedule(ctx context.Context, task *Task, schedule time.Time) error {
	return s.withRetry(func() error {
		return s.plain(ctx, func(c conn) error {
			_, err := c.exec(
				`UPDATE task SET schedule = ?, status = ? WHERE rowid = ?`,
				encodeTime(schedule), StatusWaiting, task.RowID,
			)
			if err == nil {
				task.Schedule = schedule
				task.Status = StatusWaiting
			}
			return err
		})
	})
}

// DeleteTask removes a task row. Used after a delayed task completed.
func (s *Store) DeleteTask(ctx context.Context, task *Task) error {
	return s.withRetry(func() error {
		return s.plain(ctx, func(c conn) error {
			_, err := c.exec(`DELETE FROM task WHERE rowid = ?`, task.RowID)
			return err
		})
	})
}

// GetTasks returns all task rows.
func (s *Store) GetTasks(ctx context.Context) ([]*Task, error) {
	return s.selectTasks(ctx, `SELECT `+taskColumns+` FROM task ORDER BY rowid`)
}

// GetTasksOnDue returns the waiting tasks whose schedule has passed.
func (s *Store) GetTasksOnDue(ctx context.Context) ([]*Task, error) {
	return s.selectTasks(ctx,
		`SELECT `+taskColumns+` FROM task
		 WHERE status = ? AND schedule <= ? ORDER BY schedule`,
		StatusWaiting, encodeTime(time.Now()),
	)
}

// GetCronTasks returns all crontask rows.
func (s *Store) GetCronTasks(ctx context.Context) ([]*Task, error) {
	return s.selectTasks(ctx,
		`SELECT `+taskColumns+` FROM task WHERE crontab <> '' ORDER BY rowid`)
}

func (s *Store) selectTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	var tasks []*Task
	err := s.withRetry(func() error {
		tasks = nil
		return s.plain(ctx, func(c conn) error {
			rows, err := c.query(query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				task, err := scanTask(rows)
				if err != nil {
					return err
				}
				tasks = append(tasks, task)
			}
			return rows.Err()
		})
	})
	return tasks, err
}

// CountTasks returns the number of task rows.
func (s *Store) CountTasks(ctx context.Context) (int, error) {
	return s.countRows(ctx, "task")
}

func (s *Store) countRows(ctx context.Context, table string) (int, error) {
	var count int
	err := s.withRetry(func() error {
		return s.plain(ctx, func(c conn) error {
			return c.queryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count)
		})
	})
	return count, err
}
