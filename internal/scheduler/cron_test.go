package scheduler

import (
	"testing"
	"time"
)

func TestParseCronValid(t *testing.T) {
	for _, expr := range []string{
		"* * * * *",
		"*/5 * * * *",
		"0 0 * * *",
		"30 4 1,15 * *",
		"0 0 1 1 0",
		"0-30/5 9-17 * * 1-5",
		"0 12 * * 7",
		"@daily",
		"@Weekly",
	} {
		if _, err := ParseCron(expr); err != nil {
			t.Errorf("ParseCron(%q) returned error: %v", expr, err)
		}
	}
}

func TestParseCronInvalid(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * *",
		"60 * * * *",
		"* 25 * * *",
		"* * 32 * *",
		"* * * 13 *",
		"* * * * 8",
		"*/0 * * * *",
		"abc * * * *",
		"5-1 * * * *",
		"@sometimes",
	} {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) should fail", expr)
		}
	}
}

func TestCronMatches(t *testing.T) {
	// 2026-02-16 is a Monday.
	mon0930 := time.Date(2026, 2, 16, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		expr string
		at   time.Time
		want bool
	}{
		{"* * * * *", mon0930, true},
		{"30 9 * * 1-5", mon0930, true},
		{"30 9 * * 0,6", mon0930, false},
		{"*/15 * * * *", mon0930, true},
		{"*/7 * * * *", mon0930, false},
		{"30 9 * * 7", mon0930.AddDate(0, 0, 6), true},
		// Both day fields restricted: either may match.
		{"30 9 1 * 1", mon0930, true},
		{"30 9 16 * 0", mon0930, true},
		{"30 9 1 * 0", mon0930, false},
	}
	for _, tc := range tests {
		e, err := ParseCron(tc.expr)
		if err != nil {
			t.Fatalf("ParseCron(%q): %v", tc.expr, err)
		}
		if got := e.Matches(tc.at); got != tc.want {
			t.Errorf("%q.Matches(%v) = %v, want %v", tc.expr, tc.at, got, tc.want)
		}
	}
}

func TestCronNext(t *testing.T) {
	from := time.Date(2026, 2, 16, 9, 30, 20, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 2, 16, 9, 31, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 2, 17, 3, 0, 0, 0, time.UTC)},
		{"0 4 * * 0", time.Date(2026, 2, 22, 4, 0, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"0 0 29 2 *", time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		e, _ := ParseCron(tc.expr)
		if got := e.Next(from); !got.Equal(tc.want) {
			t.Errorf("%q.Next = %v, want %v", tc.expr, got, tc.want)
		}
	}

	never, _ := ParseCron("0 0 30 2 *")
	if !never.Next(from).IsZero() {
		t.Error("impossible schedule should return zero time")
	}
}
