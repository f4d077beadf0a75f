// Package grid binds consolidated samples onto the fixed 24 hour-slots of
// every day of a report month.
package grid

import (
	"fmt"
	"strings"
	"time"

	"github.com/lox/stationgrid/internal/consolidate"
	"github.com/lox/stationgrid/internal/logicalday"
	"github.com/lox/stationgrid/internal/metrics"
)

// DefaultTolerance is the widest accepted gap between a slot and its sample.
const DefaultTolerance = 10 * time.Minute

// GapPolicy decides how a slot is filled when no sample sits exactly on it.
type GapPolicy int

const (
	// NearestWithinTolerance binds the nearest sample no further than the
	// tolerance; otherwise the slot stays absent.
	NearestWithinTolerance GapPolicy = iota
	// OmitMissing binds only a sample exactly on the slot instant.
	OmitMissing
	// FillMissingAsZero behaves like NearestWithinTolerance, then writes 0
	// into unmatched slots of logical days that have data for the variable.
	FillMissingAsZero
)

func (p GapPolicy) String() string {
	switch p {
	case NearestWithinTolerance:
		return "nearest"
	case OmitMissing:
		return "omit"
	case FillMissingAsZero:
		return "zero_fill"
	default:
		return fmt.Sprintf("GapPolicy(%d)", int(p))
	}
}

// ParseGapPolicy accepts "nearest", "omit" or "zero_fill".
func ParseGapPolicy(s string) (GapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nearest", "nearest_within_tolerance":
		return NearestWithinTolerance, nil
	case "omit", "omit_missing":
		return OmitMissing, nil
	case "zero_fill", "fill_missing_as_zero", "zero":
		return FillMissingAsZero, nil
	}
	return NearestWithinTolerance, fmt.Errorf("unknown gap policy %q", s)
}

// Slot addresses one hour of one day for one variable.
type Slot struct {
	Variable string
	Day      int
	Hour     int
}

// Grid holds the bound values of one report month. Absent slots are not
// stored.
type Grid struct {
	Year   int
	Month  time.Month
	values map[Slot]float64
}

// NewGrid returns an empty grid for the month.
func NewGrid(year int, month time.Month) *Grid {
	return &Grid{Year: year, Month: month, values: make(map[Slot]float64)}
}

// Set stores a value.
func (g *Grid) Set(variable string, day, hour int, v float64) {
	g.values[Slot{Variable: variable, Day: day, Hour: hour}] = v
}

// Get returns the slot's value and whether it is present.
func (g *Grid) Get(variable string, day, hour int) (float64, bool) {
	v, ok := g.values[Slot{Variable: variable, Day: day, Hour: hour}]
	return v, ok
}

// Len returns the number of present slots.
func (g *Grid) Len() int {
	return len(g.values)
}

// Each calls fn for every present slot in (variable, day, hour) order of
// the given variable list.
func (g *Grid) Each(variables []string, fn func(s Slot, v float64)) {
	for _, name := range variables {
		for day := 1; day <= 31; day++ {
			for hour := 0; hour < 24; hour++ {
				s := Slot{Variable: name, Day: day, Hour: hour}
				if v, ok := g.values[s]; ok {
					fn(s, v)
				}
			}
		}
	}
}

// Days returns the days with at least one present slot, ascending.
func (g *Grid) Days() []int {
	seen := make(map[int]bool)
	for s := range g.values {
		seen[s.Day] = true
	}
	var days []int
	for d := 1; d <= 31; d++ {
		if seen[d] {
			days = append(days, d)
		}
	}
	return days
}

// Projector binds series samples to grid slots.
type Projector struct {
	Resolver  logicalday.Resolver
	Tolerance time.Duration
	Policy    GapPolicy
	Location  *time.Location
}

// NewProjector returns a projector with the default tolerance and policy.
func NewProjector(r logicalday.Resolver) *Projector {
	return &Projector{Resolver: r, Tolerance: DefaultTolerance, Policy: NearestWithinTolerance, Location: time.UTC}
}

// Project fills a grid for (year, month). Every valid day 1..31 and hour
// 0..23 is visited; days that do not exist in the month are skipped.
//
// Grid days are logical days. Under the shifted convention the hours before
// the cutoff of day d hold samples from calendar date d+1, so a day column
// in the daily sheet runs from the cutoff to the next day's cutoff.
func (p *Projector) Project(series *consolidate.Series, year int, month time.Month, variables []string) *Grid {
	g := NewGrid(year, month)
	if series.Len() == 0 {
		return g
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}

	days := logicalday.DaysIn(year, month)
	for day := 1; day <= days; day++ {
		var hasData map[string]bool
		if p.Policy == FillMissingAsZero {
			hasData = p.variablesWithData(series, year, month, day, loc, variables)
		}
		for hour := 0; hour < 24; hour++ {
			target := p.Resolver.Instant(year, month, day, hour, loc)
			idx, ok := p.match(series, target)
			for _, name := range variables {
				if ok {
					if v, defined := series.At(idx).Value(name); defined {
						g.Set(name, day, hour, v)
						metrics.GridSlots.WithLabelValues("matched").Inc()
						continue
					}
				}
				if hasData[name] {
					g.Set(name, day, hour, 0)
					metrics.GridSlots.WithLabelValues("zero_filled").Inc()
					continue
				}
				metrics.GridSlots.WithLabelValues("unresolved").Inc()
			}
		}
	}
	return g
}

// match finds the sample nearest to target. Candidates are the neighbours
// around the insertion point, checked in ascending timestamp order so the
// earlier sample wins an exact tie.
func (p *Projector) match(series *consolidate.Series, target time.Time) (int, bool) {
	i := series.Search(target)
	if p.Policy == OmitMissing {
		if i < series.Len() && series.At(i).Timestamp.Equal(target) {
			return i, true
		}
		return 0, false
	}

	best, found := 0, false
	minDiff := p.Tolerance + 1
	for _, c := range [2]int{i - 1, i} {
		if c < 0 || c >= series.Len() {
			continue
		}
		diff := absDuration(series.At(c).Timestamp.Sub(target))
		if diff <= p.Tolerance && diff < minDiff {
			best, minDiff, found = c, diff, true
		}
	}
	return best, found
}

func (p *Projector) variablesWithData(series *consolidate.Series, year int, month time.Month, day int, loc *time.Location, variables []string) map[string]bool {
	start, end := p.Resolver.Window(year, month, day, loc)
	out := make(map[string]bool, len(variables))
	for i := series.Search(start); i < series.Len(); i++ {
		o := series.At(i)
		if !o.Timestamp.Before(end) {
			break
		}
		for _, name := range variables {
			if _, ok := o.Value(name); ok {
				out[name] = true
			}
		}
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
