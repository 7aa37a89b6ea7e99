// Package scheduler runs recurring maintenance jobs on 5-field cron
// expressions. A file lock keeps concurrent processes from running the same
// tick twice.
package scheduler

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// Expr is a parsed 5-field cron expression. Each field is a bit set of the
// allowed values.
type Expr struct {
	minute, hour, dom, month, dow uint64

	// domStar and dowStar record unrestricted day fields. When both day
	// fields are restricted a time matches if either does.
	domStar, dowStar bool
}

var aliases = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// ParseCron parses "m h dom mon dow" or one of the @daily style aliases.
// Fields accept *, N, N-M, */S, N-M/S and comma lists. Day of week 7 is
// Sunday.
func ParseCron(spec string) (*Expr, error) {
	spec = strings.TrimSpace(spec)
	if alias, ok := aliases[strings.ToLower(spec)]; ok {
		spec = alias
	}
	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}
	var (
		e   Expr
		err error
	)
	if e.minute, err = parseField(fields[0], 0, 59); err != nil {
		return nil, fmt.Errorf("cron: minute: %w", err)
	}
	if e.hour, err = parseField(fields[1], 0, 23); err != nil {
		return nil, fmt.Errorf("cron: hour: %w", err)
	}
	if e.dom, err = parseField(fields[2], 1, 31); err != nil {
		return nil, fmt.Errorf("cron: day-of-month: %w", err)
	}
	if e.month, err = parseField(fields[3], 1, 12); err != nil {
		return nil, fmt.Errorf("cron: month: %w", err)
	}
	if e.dow, err = parseField(fields[4], 0, 7); err != nil {
		return nil, fmt.Errorf("cron: day-of-week: %w", err)
	}
	if e.dow&(1<<7) != 0 {
		e.dow = e.dow&^(1<<7) | 1
	}
	e.domStar = fields[2] == "*"
	e.dowStar = fields[4] == "*"
	return &e, nil
}

// Matches reports whether t, truncated to the minute, is selected.
func (e *Expr) Matches(t time.Time) bool {
	return has(e.minute, t.Minute()) &&
		has(e.hour, t.Hour()) &&
		has(e.month, int(t.Month())) &&
		e.dayMatches(t)
}

func (e *Expr) dayMatches(t time.Time) bool {
	dom := has(e.dom, t.Day())
	dow := has(e.dow, int(t.Weekday()))
	switch {
	case e.domStar || e.dowStar:
		return dom && dow
	default:
		return dom || dow
	}
}

// Next returns the first matching minute strictly after t, or the zero time
// when nothing matches within five years (e.g. "0 0 30 2 *").
func (e *Expr) Next(t time.Time) time.Time {
	c := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)
	for c.Before(limit) {
		switch {
		case !has(e.month, int(c.Month())):
			c = time.Date(c.Year(), c.Month()+1, 1, 0, 0, 0, 0, c.Location())
		case !e.dayMatches(c):
			c = time.Date(c.Year(), c.Month(), c.Day()+1, 0, 0, 0, 0, c.Location())
		case !has(e.hour, c.Hour()):
			c = time.Date(c.Year(), c.Month(), c.Day(), c.Hour()+1, 0, 0, 0, c.Location())
		case !has(e.minute, c.Minute()):
			c = c.Add(time.Minute)
		default:
			return c
		}
	}
	return time.Time{}
}

func has(set uint64, v int) bool { return set&(1<<uint(v)) != 0 }

func parseField(field string, min, max int) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		bitsOf, err := parsePart(part, min, max)
		if err != nil {
			return 0, err
		}
		set |= bitsOf
	}
	if bits.OnesCount64(set) == 0 {
		return 0, fmt.Errorf("empty field %q", field)
	}
	return set, nil
}

func parsePart(part string, min, max int) (uint64, error) {
	rng, stepStr, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid step in %q", part)
		}
		step = n
	}

	lo, hi := min, max
	switch {
	case rng == "*":
	case strings.Contains(rng, "-"):
		a, b, _ := strings.Cut(rng, "-")
		var err error
		if lo, err = strconv.Atoi(a); err != nil {
			return 0, fmt.Errorf("invalid range start %q", a)
		}
		if hi, err = strconv.Atoi(b); err != nil {
			return 0, fmt.Errorf("invalid range end %q", b)
		}
	default:
		v, err := strconv.Atoi(rng)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q", rng)
		}
		lo = v
		if !hasStep {
			hi = v
		}
	}
	if lo < min || hi > max || lo > hi {
		return 0, fmt.Errorf("%q out of bounds [%d,%d]", part, min, max)
	}
	var set uint64
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}
