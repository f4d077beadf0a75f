// Package stats computes per-day min/max/average and IQR outlier counts.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lox/stationgrid/internal/consolidate"
	"github.com/lox/stationgrid/internal/logicalday"
)

// FenceAnchor selects the centre the 1.5*IQR fence is measured from.
type FenceAnchor int

const (
	// QuartileAnchor is the Tukey fence: [Q1-1.5*IQR, Q3+1.5*IQR].
	QuartileAnchor FenceAnchor = iota
	// MeanAnchor is [mean-1.5*IQR, mean+1.5*IQR].
	MeanAnchor
)

func (a FenceAnchor) String() string {
	switch a {
	case QuartileAnchor:
		return "quartile"
	case MeanAnchor:
		return "mean"
	default:
		return fmt.Sprintf("FenceAnchor(%d)", int(a))
	}
}

// ParseFenceAnchor accepts "quartile" or "mean".
func ParseFenceAnchor(s string) (FenceAnchor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "quartile", "tukey":
		return QuartileAnchor, nil
	case "mean":
		return MeanAnchor, nil
	}
	return QuartileAnchor, fmt.Errorf("unknown fence anchor %q", s)
}

// Statistic is a column of the monthly report.
type Statistic int

const (
	Min Statistic = iota
	Max
	Avg
	Outliers
)

// Statistics lists the monthly columns in template order.
var Statistics = []Statistic{Min, Max, Avg, Outliers}

func (s Statistic) String() string {
	switch s {
	case Min:
		return "min"
	case Max:
		return "max"
	case Avg:
		return "avg"
	case Outliers:
		return "outlier_count"
	default:
		return fmt.Sprintf("Statistic(%d)", int(s))
	}
}

// Summary is the aggregate of one variable over one logical day.
type Summary struct {
	Min      float64
	Max      float64
	Avg      float64
	Outliers int
	Count    int
}

// Value returns the named statistic.
func (s Summary) Value(stat Statistic) float64 {
	switch stat {
	case Min:
		return s.Min
	case Max:
		return s.Max
	case Avg:
		return s.Avg
	case Outliers:
		return float64(s.Outliers)
	}
	return 0
}

// Aggregate summarises values. ok is false when values is empty. Outliers
// are counted but still contribute to min, max and average.
func Aggregate(values []float64, anchor FenceAnchor) (Summary, bool) {
	if len(values) == 0 {
		return Summary{}, false
	}
	s := Summary{Min: values[0], Max: values[0], Count: len(values)}
	var sum float64
	for _, v := range values {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sum += v
	}
	s.Avg = sum / float64(len(values))
	s.Outliers = CountOutliers(values, anchor)
	return s, true
}

// CountOutliers counts values outside the 1.5*IQR fence. Fewer than two
// values never produce an outlier.
func CountOutliers(values []float64, anchor FenceAnchor) int {
	if len(values) < 2 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q1 := Quantile(sorted, 0.25)
	q3 := Quantile(sorted, 0.75)
	iqr := q3 - q1

	lower, upper := q1-1.5*iqr, q3+1.5*iqr
	if anchor == MeanAnchor {
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		mean := sum / float64(len(sorted))
		lower, upper = mean-1.5*iqr, mean+1.5*iqr
	}

	n := 0
	for _, v := range sorted {
		if v < lower || v > upper {
			n++
		}
	}
	return n
}

// Quantile returns the q-quantile of sorted values using linear
// interpolation between closest ranks.
func Quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// Calculator aggregates series samples by logical day.
type Calculator struct {
	Resolver logicalday.Resolver
	Anchor   FenceAnchor
	Location *time.Location
}

// NewCalculator returns a calculator using the Tukey fence.
func NewCalculator(r logicalday.Resolver) *Calculator {
	return &Calculator{Resolver: r, Anchor: QuartileAnchor, Location: time.UTC}
}

// Aggregate summarises every defined sample of variable whose logical day
// equals day. ok is false when there are none.
func (c *Calculator) Aggregate(series *consolidate.Series, day time.Time, variable string) (Summary, bool) {
	values := c.dayValues(series, day.Year(), day.Month(), day.Day(), variable)
	return Aggregate(values, c.Anchor)
}

// AggregateMonth summarises every (variable, day) pair of the month that
// has at least one sample.
func (c *Calculator) AggregateMonth(series *consolidate.Series, year int, month time.Month, variables []string) *SummaryGrid {
	sg := NewSummaryGrid(year, month)
	if series.Len() == 0 {
		return sg
	}
	days := logicalday.DaysIn(year, month)
	for day := 1; day <= days; day++ {
		for _, name := range variables {
			values := c.dayValues(series, year, month, day, name)
			if s, ok := Aggregate(values, c.Anchor); ok {
				sg.Set(name, day, s)
			}
		}
	}
	return sg
}

func (c *Calculator) dayValues(series *consolidate.Series, year int, month time.Month, day int, variable string) []float64 {
	if series.Len() == 0 {
		return nil
	}
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	start, end := c.Resolver.Window(year, month, day, loc)
	var values []float64
	for i := series.Search(start); i < series.Len(); i++ {
		o := series.At(i)
		if !o.Timestamp.Before(end) {
			break
		}
		if v, ok := o.Value(variable); ok {
			values = append(values, v)
		}
	}
	return values
}

// Cell addresses one variable on one day.
type Cell struct {
	Variable string
	Day      int
}

// SummaryGrid holds the monthly summaries. Pairs without samples are not
// stored.
type SummaryGrid struct {
	Year   int
	Month  time.Month
	values map[Cell]Summary
}

// NewSummaryGrid returns an empty summary grid.
func NewSummaryGrid(year int, month time.Month) *SummaryGrid {
	return &SummaryGrid{Year: year, Month: month, values: make(map[Cell]Summary)}
}

// Set stores a summary.
func (g *SummaryGrid) Set(variable string, day int, s Summary) {
	g.values[Cell{Variable: variable, Day: day}] = s
}

// Get returns the summary for (variable, day).
func (g *SummaryGrid) Get(variable string, day int) (Summary, bool) {
	s, ok := g.values[Cell{Variable: variable, Day: day}]
	return s, ok
}

// Len returns the number of stored summaries.
func (g *SummaryGrid) Len() int {
	return len(g.values)
}

// Each visits stored summaries in (variable, day) order.
func (g *SummaryGrid) Each(variables []string, fn func(c Cell, s Summary)) {
	for _, name := range variables {
		for day := 1; day <= 31; day++ {
			c := Cell{Variable: name, Day: day}
			if s, ok := g.values[c]; ok {
				fn(c, s)
			}
		}
	}
}

// Days returns the days with at least one summary, ascending.
func (g *SummaryGrid) Days() []int {
	seen := make(map[int]bool)
	for c := range g.values {
		seen[c.Day] = true
	}
	var days []int
	for d := 1; d <= 31; d++ {
		if seen[d] {
			days = append(days, d)
		}
	}
	return days
}
