package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Windows is a weekly schedule: dispatch is allowed only while the current
// time falls into one of the ranges. The zero value is always open.
//
// Syntax: clauses separated by ";", each clause naming days and an optional
// time range:
//
//	Mon-Fri 22:00-24:00; Sat,Sun
//
// A clause without a time range covers the whole day. Day names are the
// three-letter English abbreviations, case-insensitive.
type Windows struct {
	// ranges[d] holds minute-of-day ranges for weekday d.
	ranges [7][]minuteRange
	any    bool
}

type minuteRange struct{ start, end int } // [start, end) in minutes

// Always reports whether the schedule imposes no restriction.
func (w Windows) Always() bool { return !w.any }

// Open reports whether t falls into a window.
func (w Windows) Open(t time.Time) bool {
	if !w.any {
		return true
	}
	day := int(t.Weekday())
	min := t.Hour()*60 + t.Minute()
	for _, r := range w.ranges[day] {
		if min >= r.start && min < r.end {
			return true
		}
	}
	return false
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWindows parses the weekly schedule syntax. Empty input yields an
// always-open schedule.
func ParseWindows(s string) (Windows, error) {
	var w Windows
	s = strings.TrimSpace(s)
	if s == "" {
		return w, nil
	}
	for _, clause := range strings.Split(s, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		days, span, err := parseClause(clause)
		if err != nil {
			return Windows{}, err
		}
		for _, d := range days {
			w.ranges[d] = append(w.ranges[d], span)
		}
		w.any = true
	}
	return w, nil
}

func parseClause(clause string) ([]time.Weekday, minuteRange, error) {
	daysPart := clause
	span := minuteRange{start: 0, end: 24 * 60}
	if i := strings.IndexAny(clause, " \t"); i >= 0 {
		daysPart = clause[:i]
		var err error
		if span, err = parseSpan(strings.TrimSpace(clause[i+1:])); err != nil {
			return nil, span, err
		}
	}
	days, err := parseDays(daysPart)
	if err != nil {
		return nil, span, err
	}
	return days, span, nil
}

func parseDays(s string) ([]time.Weekday, error) {
	var out []time.Weekday
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if from, to, ok := strings.Cut(part, "-"); ok {
			a, aok := dayNames[strings.ToLower(from)]
			b, bok := dayNames[strings.ToLower(to)]
			if !aok || !bok {
				return nil, fmt.Errorf("unknown day range %q", part)
			}
			for d := a; ; d = (d + 1) % 7 {
				out = append(out, d)
				if d == b {
					break
				}
			}
			continue
		}
		d, ok := dayNames[strings.ToLower(part)]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", part)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no days in %q", s)
	}
	return out, nil
}

func parseSpan(s string) (minuteRange, error) {
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return minuteRange{}, fmt.Errorf("time range %q must be hh:mm-hh:mm", s)
	}
	start, err := parseMinute(strings.TrimSpace(from))
	if err != nil {
		return minuteRange{}, err
	}
	end, err := parseMinute(strings.TrimSpace(to))
	if err != nil {
		return minuteRange{}, err
	}
	if end <= start {
		return minuteRange{}, fmt.Errorf("time range %q is empty", s)
	}
	return minuteRange{start: start, end: end}, nil
}

// parseMinute parses "h:mm" or "hh:mm"; "24:00" is accepted as end of day.
func parseMinute(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("time %q must be hh:mm", s)
	}
	hv, err := strconv.Atoi(h)
	if err != nil || hv < 0 || hv > 24 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	mv, err := strconv.Atoi(m)
	if err != nil || mv < 0 || mv > 59 || (hv == 24 && mv != 0) {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return hv*60 + mv, nil
}
