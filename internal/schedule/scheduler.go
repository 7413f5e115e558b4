// Package schedule computes fire times for five-field crontab
// expressions: minute, hour, day-of-month, month, day-of-week.
//
// Day-of-week values are numbered with Monday = 0. In strict mode the
// day-of-month and day-of-week fields must both match (intersection,
// POSIX numbering with Sunday = 0); in the default loose mode a day
// matches when either field matches (union), the convention of most
// Unix cron implementations.
package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// maxDayIterations bounds the day scan so that a crontab which never
// matches (e.g. "* * 31 2 *") fails instead of looping forever.
const maxDayIterations = 10000

type fieldSpec struct {
	min, max int
}

var fieldSpecs = [5]fieldSpec{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week
}

// CronScheduler holds the expanded value sets of a parsed crontab.
type CronScheduler struct {
	crontab string
	strict  bool

	minutes []int
	hours   []int
	dom     []int
	months  []int
	dow     []int

	// wildcard flags drive the day rule: a field that covers its whole
	// range behaves like "*" even when written as "*/1" or "0-59".
	allDom bool
	allDow bool
}

// New parses crontab and returns a scheduler with loose day-of-week
// semantics.
func New(crontab string) (*CronScheduler, error) {
	return parse(crontab, false)
}

// NewStrict parses crontab and returns a scheduler that requires
// day-of-month and day-of-week to match simultaneously.
func NewStrict(crontab string) (*CronScheduler, error) {
	return parse(crontab, true)
}

func parse(crontab string, strict bool) (*CronScheduler, error) {
	fields := strings.Fields(crontab)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: %q has %d fields, want 5", ErrBadCrontab, crontab, len(fields))
	}
	cs := &CronScheduler{crontab: crontab, strict: strict}
	targets := [5]*[]int{&cs.minutes, &cs.hours, &cs.dom, &cs.months, &cs.dow}
	for i, field := range fields {
		values, err := parseField(field, fieldSpecs[i].min, fieldSpecs[i].max)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d of %q: %v", ErrBadCrontab, i+1, crontab, err)
		}
		*targets[i] = values
	}
	cs.allDom = coversRange(cs.dom, fieldSpecs[2].min, fieldSpecs[2].max)
	cs.allDow = coversRange(cs.dow, fieldSpecs[4].min, fieldSpecs[4].max)
	return cs, nil
}

// parseField expands one crontab field to a sorted unique value list.
// Out-of-range integers are kept as written: crontabs are validated
// where they are registered, the calculator stays permissive.
func parseField(field string, min, max int) ([]int, error) {
	if field == "*" {
		return rangeValues(min, max, 1), nil
	}
	if rest, ok := strings.CutPrefix(field, "*/"); ok {
		step, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("bad step %q", rest)
		}
		if step < 1 {
			return nil, fmt.Errorf("step must be positive, got %d", step)
		}
		return rangeValues(min, max, step), nil
	}
	var values []int
	for _, atom := range strings.Split(field, ",") {
		lo, hi, found := strings.Cut(atom, "-")
		if found {
			start, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("bad range start %q", lo)
			}
			end, err := strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("bad range end %q", hi)
			}
			for v := start; v <= end; v++ {
				values = append(values, v)
			}
		} else {
			v, err := strconv.Atoi(atom)
			if err != nil {
				return nil, fmt.Errorf("bad value %q", atom)
			}
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("empty field")
	}
	return sortedUnique(values), nil
}

func rangeValues(min, max, step int) []int {
	var values []int
	for v := min; v <= max; v += step {
		values = append(values, v)
	}
	return values
}

func sortedUnique(values []int) []int {
	sort.Ints(values)
	out := values[:1]
	for _, v := range values[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

func coversRange(values []int, min, max int) bool {
	if len(values) != max-min+1 {
		return false
	}
	return values[0] == min && values[len(values)-1] == max
}

// nextIn returns the smallest element of values strictly greater than v.
func nextIn(values []int, v int) (int, bool) {
	for _, candidate := range values {
		if candidate > v {
			return candidate, true
		}
	}
	return 0, false
}

func contains(values []int, v int) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// Crontab returns the expression the scheduler was built from.
func (cs *CronScheduler) Crontab() string {
	return cs.crontab
}

// NextFireAfter returns the next instant matching the crontab that is
// strictly greater than ref. The result has minute resolution and
// keeps ref's location.
func (cs *CronScheduler) NextFireAfter(ref time.Time) (time.Time, error) {
	ref = ref.Truncate(time.Minute)

	// Same day: advance the minute, then the hour.
	if cs.monthAllowed(ref) && cs.dayAllowed(ref) {
		if contains(cs.hours, ref.Hour()) {
			if m, ok := nextIn(cs.minutes, ref.Minute()); ok {
				return cs.at(ref, ref.Hour(), m), nil
			}
		}
		if h, ok := nextIn(cs.hours, ref.Hour()); ok {
			return cs.at(ref, h, cs.minutes[0]), nil
		}
	}

	// Advance the date day by day until both the month and the day rule
	// match. The scan also rolls over disallowed months; the cap turns
	// an unsatisfiable crontab into an error instead of a busy loop.
	day := ref
	for i := 0; i < maxDayIterations; i++ {
		day = day.AddDate(0, 0, 1)
		if cs.monthAllowed(day) && cs.dayAllowed(day) {
			return cs.at(day, cs.hours[0], cs.minutes[0]), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrScheduleUnreachable, cs.crontab)
}

func (cs *CronScheduler) at(day time.Time, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
}

func (cs *CronScheduler) monthAllowed(t time.Time) bool {
	return contains(cs.months, int(t.Month()))
}

// dayAllowed applies the day rule. With both day fields restricted the
// loose mode accepts a day matching either field, the strict mode only
// a day matching both.
func (cs *CronScheduler) dayAllowed(t time.Time) bool {
	if cs.strict {
		return contains(cs.dom, t.Day()) && contains(cs.dow, strictWeekday(t))
	}
	if cs.allDom && cs.allDow {
		return true
	}
	if !cs.allDom && contains(cs.dom, t.Day()) {
		return true
	}
	if !cs.allDow && contains(cs.dow, looseWeekday(t)) {
		return true
	}
	return false
}

// looseWeekday numbers days with Monday = 0.
func looseWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// strictWeekday numbers days with Sunday = 0, the POSIX cron convention.
func strictWeekday(t time.Time) int {
	return int(t.Weekday())
}
