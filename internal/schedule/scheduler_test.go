package schedule

import (
	"errors"
	"testing"
	"time"
)

func mustNew(t *testing.T, crontab string) *CronScheduler {
	t.Helper()
	cs, err := New(crontab)
	if err != nil {
		t.Fatalf("New(%q): %v", crontab, err)
	}
	return cs
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02T15:04", value, time.UTC)
	if err != nil {
		t.Fatalf("bad test time %q: %v", value, err)
	}
	return ts
}

func TestParseFieldExpansion(t *testing.T) {
	tests := []struct {
		field    string
		min, max int
		want     []int
	}{
		{"*", 0, 5, []int{0, 1, 2, 3, 4, 5}},
		{"*/2", 0, 6, []int{0, 2, 4, 6}},
		{"*/1", 0, 3, []int{0, 1, 2, 3}},
		{"*/100", 0, 59, []int{0}},
		{"3", 0, 59, []int{3}},
		{"5,1,3", 0, 59, []int{1, 3, 5}},
		{"1-4,12,20-22", 1, 31, []int{1, 2, 3, 4, 12, 20, 21, 22}},
		{"7,7,7", 0, 59, []int{7}},
	}
	for _, tt := range tests {
		got, err := parseField(tt.field, tt.min, tt.max)
		if err != nil {
			t.Errorf("parseField(%q): %v", tt.field, err)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("parseField(%q) = %v, want %v", tt.field, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("parseField(%q) = %v, want %v", tt.field, got, tt.want)
				break
			}
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, crontab := range []string{
		"",
		"* * * *",
		"* * * * * *",
		"a * * * *",
		"*/x * * * *",
		"*/0 * * * *",
		"1-b * * * *",
	} {
		if _, err := New(crontab); !errors.Is(err, ErrBadCrontab) {
			t.Errorf("New(%q) = %v, want ErrBadCrontab", crontab, err)
		}
	}
}

func TestEveryMinute(t *testing.T) {
	cs := mustNew(t, "* * * * *")
	got, err := cs.NextFireAfter(at(t, "2024-01-01T10:00"))
	if err != nil {
		t.Fatal(err)
	}
	if want := at(t, "2024-01-01T10:01"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSecondsAreTruncated(t *testing.T) {
	cs := mustNew(t, "* * * * *")
	ref := at(t, "2024-01-01T10:00").Add(30 * time.Second)
	got, err := cs.NextFireAfter(ref)
	if err != nil {
		t.Fatal(err)
	}
	if want := at(t, "2024-01-01T10:01"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHourCarry(t *testing.T) {
	// Spec scenario: 0,30 5,17 * * * from 17:30 carries to next day 05:00.
	cs := mustNew(t, "0,30 5,17 * * *")
	got, err := cs.NextFireAfter(at(t, "2024-02-08T17:30"))
	if err != nil {
		t.Fatal(err)
	}
	if want := at(t, "2024-02-09T05:00"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMinuteWithinHour(t *testing.T) {
	cs := mustNew(t, "0,30 5,17 * * *")
	got, err := cs.NextFireAfter(at(t, "2024-02-08T17:10"))
	if err != nil {
		t.Fatal(err)
	}
	if want := at(t, "2024-02-08T17:30"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLooseWeekday(t *testing.T) {
	// 2024-02-09 is a Friday. Day-of-week 5 with Monday=0 is Saturday.
	cs := mustNew(t, "30 13 * * 5")
	got, err := cs.NextFireAfter(at(t, "2024-02-09T13:30"))
	if err != nil {
		t.Fatal(err)
	}
	if want := at(t, "2024-02-10T13:30"); !got.Equal(want) {
		t.Errorf("loose: got %v, want %v", got, want)
	}
}

func TestStrictWeekday(t *testing.T) {
	// Strict mode follows the POSIX numbering (Sunday=0), so 5 is
	// Friday and the next fire is a week after the reference Friday.
	cs, err := NewStrict("30 13 * * 5")
	if err != nil {
		t.Fatal(err)
	}
	got, err := cs.NextFireAfter(at(t, "2024-02-09T13:30"))
	if err != nil {
		t.Fatal(err)
	}
	if want := at(t, "2024-02-16T13:30"); !got.Equal(want) {
		t.Errorf("strict: got %v, want %v", got, want)
	}
}

func TestLooseUnionOfDomAndDow(t *testing.T) {
	// Both day fields restricted: the earlier candidate wins.
	// From Thu 2024-02-01: dom=15 gives Feb 15, dow=0 (Monday) gives
	// Feb 5. Loose picks Feb 5.
	cs := mustNew(t, "0 12 15 * 0")
	got, err := cs.NextFireAfter(at(t, "2024-02-01T12:00"))
	if err != nil {
		t.Fatal(err)
	}
	if want := at(t, "2024-02-05T12:00"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStrictIntersectionOfDomAndDow(t *testing.T) {
	// Strict: the day must be the 15th and a Friday (POSIX 5).
	// 2024-03-15 is the first such day after 2024-02-01.
	cs, err := NewStrict("0 12 15 * 5")
	if err != nil {
		t.Fatal(err)
	}
	got, err := cs.NextFireAfter(at(t, "2024-02-01T12:00"))
	if err != nil {
		t.Fatal(err)
	}
	if want := at(t, "2024-03-15T12:00"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMonthRollover(t *testing.T) {
	cs := mustNew(t, "0 0 1 4,7 *")
	got, err := cs.NextFireAfter(at(t, "2024-08-01T00:00"))
	if err != nil {
		t.Fatal(err)
	}
	if want := at(t, "2025-04-01T00:00"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLeapDay(t *testing.T) {
	cs := mustNew(t, "0 0 29 2 *")
	got, err := cs.NextFireAfter(at(t, "2025-03-01T00:00"))
	if err != nil {
		t.Fatal(err)
	}
	if want := at(t, "2028-02-29T00:00"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUnreachableSchedule(t *testing.T) {
	cs := mustNew(t, "29 * 31 2 *")
	if _, err := cs.NextFireAfter(at(t, "2024-01-01T00:00")); !errors.Is(err, ErrScheduleUnreachable) {
		t.Fatalf("want ErrScheduleUnreachable, got %v", err)
	}
}

func TestResultAlwaysAfterReference(t *testing.T) {
	crontabs := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 0 * * *",
		"30 13 * * 5",
		"0 12 15 * 0",
		"0 0 1 */3 *",
	}
	ref := at(t, "2024-02-09T13:30")
	for _, crontab := range crontabs {
		cs := mustNew(t, crontab)
		got, err := cs.NextFireAfter(ref)
		if err != nil {
			t.Errorf("%q: %v", crontab, err)
			continue
		}
		if !got.After(ref) {
			t.Errorf("%q: %v is not after %v", crontab, got, ref)
		}
		if got.Second() != 0 || got.Nanosecond() != 0 {
			t.Errorf("%q: %v is not minute-aligned", crontab, got)
		}
	}
}
