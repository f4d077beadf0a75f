// Package logicalday maps timestamps to the calendar date a report files
// them under, optionally using a non-midnight day boundary.
package logicalday

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Convention selects how the day boundary is drawn.
type Convention int

const (
	// Midnight files a timestamp under its own calendar date.
	Midnight Convention = iota
	// Shifted files timestamps strictly before the cutoff under the
	// previous calendar date.
	Shifted
)

func (c Convention) String() string {
	switch c {
	case Midnight:
		return "midnight"
	case Shifted:
		return "shifted"
	default:
		return fmt.Sprintf("Convention(%d)", int(c))
	}
}

// ParseConvention accepts "midnight" or "shifted".
func ParseConvention(s string) (Convention, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "midnight":
		return Midnight, nil
	case "shifted":
		return Shifted, nil
	}
	return Midnight, fmt.Errorf("unknown day convention %q", s)
}

// Cutoff is a time of day.
type Cutoff struct {
	Hour   int
	Minute int
}

// ParseCutoff parses "HH:MM".
func ParseCutoff(s string) (Cutoff, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Cutoff{}, fmt.Errorf("cutoff %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return Cutoff{}, fmt.Errorf("cutoff %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return Cutoff{}, fmt.Errorf("cutoff %q: bad minute", s)
	}
	return Cutoff{Hour: h, Minute: m}, nil
}

func (c Cutoff) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c Cutoff) minutes() int {
	return c.Hour*60 + c.Minute
}

// Resolver is a fixed convention and cutoff. The zero value resolves plain
// calendar dates.
type Resolver struct {
	Convention Convention
	Cutoff     Cutoff
}

// New returns a resolver for the given convention and cutoff.
func New(conv Convention, cutoff Cutoff) Resolver {
	return Resolver{Convention: conv, Cutoff: cutoff}
}

// Resolve returns midnight of t's logical date in t's location.
func (r Resolver) Resolve(t time.Time) time.Time {
	y, m, d := t.Date()
	if r.Convention == Shifted && t.Before(r.boundary(y, m, d, t.Location())) {
		d--
	}
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// boundary is the instant at which logical day (year, month, day) begins.
// It is computed on the wall clock, so a daylight-saving change never moves
// the cutoff away from its configured time of day.
func (r Resolver) boundary(year int, month time.Month, day int, loc *time.Location) time.Time {
	if r.Convention == Shifted {
		return time.Date(year, month, day, r.Cutoff.Hour, r.Cutoff.Minute, 0, 0, loc)
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

// Instant is the inverse used for grid slots: the wall-clock instant of
// hour-slot hour within logical day (year, month, day). Under the shifted
// convention, hours earlier than the cutoff belong to the next calendar date.
func (r Resolver) Instant(year int, month time.Month, day, hour int, loc *time.Location) time.Time {
	if r.Convention == Shifted && hour*60 < r.Cutoff.minutes() {
		day++
	}
	return time.Date(year, month, day, hour, 0, 0, 0, loc)
}

// Window returns the half-open interval [start, end) of timestamps that
// resolve to the logical day (year, month, day). Consecutive windows share
// their boundary, so every instant falls in exactly one of them.
func (r Resolver) Window(year int, month time.Month, day int, loc *time.Location) (time.Time, time.Time) {
	return r.boundary(year, month, day, loc), r.boundary(year, month, day+1, loc)
}

// DaysIn returns the number of days in the month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ValidDay reports whether day exists in (year, month).
func ValidDay(year int, month time.Month, day int) bool {
	return day >= 1 && day <= DaysIn(year, month)
}
