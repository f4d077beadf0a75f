// Package layout maps report slots to worksheet cells.
package layout

import (
	"errors"
	"fmt"
	"time"

	"github.com/lox/stationgrid/internal/config"
	"github.com/lox/stationgrid/internal/logicalday"
	"github.com/lox/stationgrid/internal/stats"
)

const daysPerBlock = 31

var (
	ErrUnknownVariable = errors.New("variable not in layout")
	ErrInvalidDay      = errors.New("day not in month")
	ErrInvalidSlot     = errors.New("slot out of range")
	ErrOutOfBounds     = errors.New("address beyond sheet bounds")
)

// Coordinate is a 1-based worksheet address.
type Coordinate struct {
	Row    int
	Column int
}

// Cell renders the coordinate as "B3".
func (c Coordinate) Cell() string {
	name, err := CellName(c.Column, c.Row)
	if err != nil {
		return fmt.Sprintf("R%dC%d", c.Row, c.Column)
	}
	return name
}

type dailyColumn struct {
	base    int
	baseDay int
}

type monthlyBlock struct {
	base     int
	firstRow int
}

// Mapper resolves addresses for one (year, month) of a template layout.
type Mapper struct {
	year  int
	month time.Month

	dailyFirstRow int
	dailyMaxRow   int
	dailyMaxCol   int
	daily         map[string]dailyColumn

	monthlyMaxRow int
	monthlyMaxCol int
	monthly       map[string]monthlyBlock
}

// NewMapper compiles the daily and monthly layouts for (year, month).
func NewMapper(cfg config.Config, year int, month time.Month) (*Mapper, error) {
	m := &Mapper{
		year:          year,
		month:         month,
		dailyFirstRow: cfg.Daily.FirstRow,
		dailyMaxRow:   cfg.Daily.MaxRow,
		monthlyMaxRow: cfg.Monthly.MaxRow,
		daily:         make(map[string]dailyColumn, len(cfg.Daily.Columns)),
		monthly:       make(map[string]monthlyBlock, len(cfg.Monthly.Blocks)),
	}
	if m.dailyFirstRow < 1 {
		return nil, fmt.Errorf("daily.first_row must be >= 1")
	}

	var err error
	if m.dailyMaxCol, err = ColumnNumber(cfg.Daily.MaxColumn); err != nil {
		return nil, fmt.Errorf("daily.max_column: %w", err)
	}
	if m.monthlyMaxCol, err = ColumnNumber(cfg.Monthly.MaxColumn); err != nil {
		return nil, fmt.Errorf("monthly.max_column: %w", err)
	}

	for _, c := range cfg.Daily.Columns {
		base, err := ColumnNumber(c.BaseColumn)
		if err != nil {
			return nil, fmt.Errorf("daily.columns %s: %w", c.Variable, err)
		}
		baseDay := c.BaseDay
		if baseDay == 0 {
			baseDay = 1
		}
		m.daily[c.Variable] = dailyColumn{base: base, baseDay: baseDay}
	}

	for _, b := range cfg.Monthly.Blocks {
		base, err := ColumnNumber(b.BaseColumn)
		if err != nil {
			return nil, fmt.Errorf("monthly.blocks %s: %w", b.Variable, err)
		}
		first, ok := cfg.Monthly.Bands[b.Band]
		if !ok {
			return nil, fmt.Errorf("monthly.blocks %s: unknown band %q", b.Variable, b.Band)
		}
		if first < 1 {
			return nil, fmt.Errorf("monthly.bands %s: first row must be >= 1", b.Band)
		}
		m.monthly[b.Variable] = monthlyBlock{base: base, firstRow: first}
	}
	return m, nil
}

// Year returns the mapped year.
func (m *Mapper) Year() int { return m.year }

// Month returns the mapped month.
func (m *Mapper) Month() time.Month { return m.month }

// HasDaily reports whether variable has a daily column block.
func (m *Mapper) HasDaily(variable string) bool {
	_, ok := m.daily[variable]
	return ok
}

// HasMonthly reports whether variable has a monthly block.
func (m *Mapper) HasMonthly(variable string) bool {
	_, ok := m.monthly[variable]
	return ok
}

// Daily maps (variable, day, hour) onto the hour x day sheet. Each
// variable owns 31 consecutive columns; the day at base_day lands on the
// base column and later days wrap around the block.
func (m *Mapper) Daily(variable string, day, hour int) (Coordinate, error) {
	col, ok := m.daily[variable]
	if !ok {
		return Coordinate{}, fmt.Errorf("%w: %s", ErrUnknownVariable, variable)
	}
	if !logicalday.ValidDay(m.year, m.month, day) {
		return Coordinate{}, fmt.Errorf("%w: day %d of %d-%02d", ErrInvalidDay, day, m.year, int(m.month))
	}
	if hour < 0 || hour > 23 {
		return Coordinate{}, fmt.Errorf("%w: hour %d", ErrInvalidSlot, hour)
	}
	offset := ((day-col.baseDay)%daysPerBlock + daysPerBlock) % daysPerBlock
	c := Coordinate{Row: m.dailyFirstRow + hour, Column: col.base + offset}
	if err := checkBounds(c, m.dailyMaxRow, m.dailyMaxCol); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

// Monthly maps (variable, day, statistic) onto the day x statistic sheet.
func (m *Mapper) Monthly(variable string, day int, stat stats.Statistic) (Coordinate, error) {
	blk, ok := m.monthly[variable]
	if !ok {
		return Coordinate{}, fmt.Errorf("%w: %s", ErrUnknownVariable, variable)
	}
	if !logicalday.ValidDay(m.year, m.month, day) {
		return Coordinate{}, fmt.Errorf("%w: day %d of %d-%02d", ErrInvalidDay, day, m.year, int(m.month))
	}
	if stat < stats.Min || stat > stats.Outliers {
		return Coordinate{}, fmt.Errorf("%w: statistic %d", ErrInvalidSlot, int(stat))
	}
	c := Coordinate{Row: blk.firstRow + day - 1, Column: blk.base + int(stat)}
	if err := checkBounds(c, m.monthlyMaxRow, m.monthlyMaxCol); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

func checkBounds(c Coordinate, maxRow, maxCol int) error {
	if maxRow > 0 && c.Row > maxRow {
		return fmt.Errorf("%w: row %d > %d", ErrOutOfBounds, c.Row, maxRow)
	}
	if maxCol > 0 && c.Column > maxCol {
		return fmt.Errorf("%w: column %d > %d", ErrOutOfBounds, c.Column, maxCol)
	}
	return nil
}
