// Package cron parses the platform's five-field, minute-precision schedule
// expressions (m h dom mon dow) and computes next occurrences. The dialect
// is deliberately small: "*", "*/N", single integers, and comma lists.
package cron

import (
	"strconv"
	"strings"
	"time"
)

// ParseError is returned when an expression is invalid.
type ParseError struct {
	Input  string
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return "invalid cron expression " + strconv.Quote(e.Input) + ": " + e.Field + ": " + e.Reason
}

type fieldRange struct {
	name string
	min  int
	max  int
}

var fieldRanges = [5]fieldRange{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Schedule is a compiled expression. The zero value is not usable; obtain one
// via Parse.
type Schedule struct {
	expr   string
	fields [5]uint64 // bitmask per field
	// domStar/dowStar record whether the field was "*": per the classic
	// semantics, when both restrict, a day matches if either does.
	domStar bool
	dowStar bool
}

// Parse compiles a five-field expression.
func Parse(expr string) (*Schedule, error) {
	parts := strings.Fields(strings.TrimSpace(expr))
	if len(parts) != 5 {
		return nil, &ParseError{Input: expr, Field: "expression", Reason: "expected 5 fields"}
	}

	s := &Schedule{expr: expr}
	for i, part := range parts {
		mask, isStar, err := parseField(expr, part, fieldRanges[i])
		if err != nil {
			return nil, err
		}
		s.fields[i] = mask
		switch i {
		case 2:
			s.domStar = isStar
		case 4:
			s.dowStar = isStar
		}
	}
	return s, nil
}

// MustParse is Parse for expressions known valid at compile time.
func MustParse(expr string) *Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate reports whether expr parses.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

func parseField(expr, part string, fr fieldRange) (uint64, bool, error) {
	if part == "*" {
		return rangeMask(fr.min, fr.max), true, nil
	}

	if rest, ok := strings.CutPrefix(part, "*/"); ok {
		step, err := strconv.Atoi(rest)
		if err != nil || step <= 0 {
			return 0, false, &ParseError{Input: expr, Field: fr.name, Reason: "invalid step " + strconv.Quote(rest)}
		}
		var mask uint64
		for v := fr.min; v <= fr.max; v += step {
			mask |= 1 << uint(v)
		}
		return mask, false, nil
	}

	var mask uint64
	for _, item := range strings.Split(part, ",") {
		v, err := strconv.Atoi(item)
		if err != nil {
			return 0, false, &ParseError{Input: expr, Field: fr.name, Reason: "invalid value " + strconv.Quote(item)}
		}
		if v < fr.min || v > fr.max {
			return 0, false, &ParseError{Input: expr, Field: fr.name, Reason: item + " out of range"}
		}
		mask |= 1 << uint(v)
	}
	return mask, false, nil
}

func rangeMask(lo, hi int) uint64 {
	var mask uint64
	for v := lo; v <= hi; v++ {
		mask |= 1 << uint(v)
	}
	return mask
}

func (s *Schedule) bit(field, v int) bool {
	return s.fields[field]&(1<<uint(v)) != 0
}

// String returns the original expression.
func (s *Schedule) String() string {
	return s.expr
}

// Matches reports whether t (truncated to the minute) satisfies the schedule.
func (s *Schedule) Matches(t time.Time) bool {
	if !s.bit(0, t.Minute()) || !s.bit(1, t.Hour()) || !s.bit(3, int(t.Month())) {
		return false
	}
	domOK := s.bit(2, t.Day())
	dowOK := s.bit(4, int(t.Weekday()))
	// Both restricted: match if either matches. Otherwise both must hold
	// (a star field always holds).
	if !s.domStar && !s.dowStar {
		return domOK || dowOK
	}
	return domOK && dowOK
}

// Next returns the first occurrence strictly after t, evaluated in t's
// location. The scan is bounded at five years to terminate on impossible
// combinations (e.g. Feb 30).
func (s *Schedule) Next(t time.Time) time.Time {
	t = t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)

	for t.Before(limit) {
		if !s.bit(3, int(t.Month())) {
			// Jump to the first minute of the next month.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !s.matchesDay(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if !s.bit(1, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()).Add(time.Hour)
			continue
		}
		if !s.bit(0, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func (s *Schedule) matchesDay(t time.Time) bool {
	domOK := s.bit(2, t.Day())
	dowOK := s.bit(4, int(t.Weekday()))
	if !s.domStar && !s.dowStar {
		return domOK || dowOK
	}
	return domOK && dowOK
}
