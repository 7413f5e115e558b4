package schedule

import "errors"

var (
	// ErrBadCrontab is returned when an expression cannot be parsed.
	ErrBadCrontab = errors.New("unparsable crontab expression")

	// ErrScheduleUnreachable is returned when a crontab has no future
	// fire time within the search horizon (e.g. "* * 31 2 *").
	ErrScheduleUnreachable = errors.New("crontab has no reachable fire time")
)
