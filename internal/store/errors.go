package store

import "errors"

var (
	// ErrStoreContended is returned when the busy-retry budget is
	// exhausted without getting the database lock.
	ErrStoreContended = errors.New("database lock not acquired within retry budget")

	// ErrNoSettings is returned when the singleton settings row is
	// missing, which means the database was never initialized.
	ErrNoSettings = errors.New("settings row missing, database not initialized")
)
