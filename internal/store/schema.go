package store

// Task and result status codes. Terminal task states have no code:
// a finished delayed task is deleted, a finished crontask goes back to
// waiting with a new schedule.
const (
	StatusWaiting    = 1
	StatusProcessing = 2
	StatusReady      = 3
	StatusError      = 4
)

// StatusText returns the human-readable form used by the admin tool.
func StatusText(status int) string {
	switch status {
	case StatusWaiting:
		return "waiting"
	case StatusProcessing:
		return "processing"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	}
	return "unknown"
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS task (
		uuid TEXT,
		schedule TEXT,
		status INTEGER,
		crontab TEXT,
		function_module TEXT,
		function_name TEXT,
		function_arguments BLOB
	)`,
	`CREATE TABLE IF NOT EXISTS result (
		uuid TEXT PRIMARY KEY,
		status INTEGER,
		function_module TEXT,
		function_name TEXT,
		function_arguments BLOB,
		function_result BLOB,
		error_message TEXT,
		ttl TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		max_workers INTEGER,
		running_workers INTEGER,
		monitor_lock INTEGER,
		autocron_lock INTEGER,
		blocking_mode INTEGER,
		monitor_idle_time INTEGER,
		worker_idle_time INTEGER,
		worker_pids TEXT,
		result_ttl INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS task_schedule_idx ON task (status, schedule)`,
}

func createSchema(c conn) error {
	for _, stmt := range schemaStatements {
		if _, err := c.exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
