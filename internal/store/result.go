package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Result is the outcome slot of a delayed task. It is created together
// with its task and outlives it until the ttl expires.
type Result struct {
	RowID             int64
	UUID              string
	Status            int
	FunctionModule    string
	FunctionName      string
	FunctionArguments []byte
	FunctionResult    []byte
	ErrorMessage      string
	TTL               time.Time
}

// IsReady reports whether the task has been processed. Only then are
// FunctionResult and ErrorMessage meaningful.
func (r *Result) IsReady() bool {
	return r.Status == StatusReady || r.Status == StatusError
}

// HasError reports whether the task execution failed. Invalid as long
// as IsReady is false.
func (r *Result) HasError() bool {
	return r.ErrorMessage != ""
}

const resultColumns = `rowid, uuid, status, function_module,
	function_name, function_arguments, function_result, error_message, ttl`

func scanResult(row interface{ Scan(...any) error }) (*Result, error) {
	var r Result
	var ttl string
	err := row.Scan(
		&r.RowID, &r.UUID, &r.Status, &r.FunctionModule, &r.FunctionName,
		&r.FunctionArguments, &r.FunctionResult, &r.ErrorMessage, &ttl,
	)
	if err != nil {
		return nil, err
	}
	r.TTL, err = decodeTime(ttl)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func insertResult(c conn, r *Result) error {
	result, err := c.exec(
		`INSERT INTO result (uuid, status, function_module, function_name,
		        function_arguments, function_result, error_message, ttl)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UUID, r.Status, r.FunctionModule, r.FunctionName,
		r.FunctionArguments, r.FunctionResult, r.ErrorMessage,
		encodeTime(r.TTL),
	)
	if err != nil {
		return err
	}
	r.RowID, err = result.LastInsertId()
	return err
}

// UpdateResult stores the outcome of a task execution. An empty error
// message means success; otherwise the result enters the error state.
// The ttl restarts from now so that completed entries stay readable
// for the configured retention period.
func (s *Store) UpdateResult(ctx context.Context, uuid string, value []byte, errorMessage string) error {
	status := StatusReady
	if errorMessage != "" {
		status = StatusError
	}
	ttl := time.Now().Add(s.ResultTTL)
	return s.withRetry(func() error {
		return s.plain(ctx, func(c conn) error {
			_, err := c.exec(
				`UPDATE result SET status = ?, function_result = ?,
				        error_message = ?, ttl = ?
				 WHERE uuid = ?`,
				status, value, errorMessage, encodeTime(ttl), uuid,
			)
			return err
		})
	})
}

// GetResultByUUID returns the result row for uuid, or nil when no such
// row exists.
func (s *Store) GetResultByUUID(ctx context.Context, uuid string) (*Result, error) {
	var found *Result
	err := s.withRetry(func() error {
		found = nil
		return s.plain(ctx, func(c conn) error {
			result, err := scanResult(c.queryRow(
				`SELECT `+resultColumns+` FROM result WHERE uuid = ?`, uuid))
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}
			found = result
			return nil
		})
	})
	return found, err
}

// GetResults returns all result rows.
func (s *Store) GetResults(ctx context.Context) ([]*Result, error) {
	var results []*Result
	err := s.withRetry(func() error {
		results = nil
		return s.plain(ctx, func(c conn) error {
			rows, err := c.query(`SELECT ` + resultColumns + ` FROM result ORDER BY rowid`)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				result, err := scanResult(rows)
				if err != nil {
					return err
				}
				results = append(results, result)
			}
			return rows.Err()
		})
	})
	return results, err
}

// DeleteOutdatedResults garbage-collects completed results whose ttl
// has expired. Waiting results are kept regardless of age.
func (s *Store) DeleteOutdatedResults(ctx context.Context) error {
	return s.withRetry(func() error {
		return s.plain(ctx, func(c conn) error {
			_, err := c.exec(
				`DELETE FROM result WHERE status <> ? AND ttl <= ?`,
				StatusWaiting, encodeTime(time.Now()),
			)
			return err
		})
	})
}

// CountResults returns the number of result rows.
func (s *Store) CountResults(ctx context.Context) (int, error) {
	return s.countRows(ctx, "result")
}
