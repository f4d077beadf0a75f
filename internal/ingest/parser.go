// Package ingest reads data logger interval files into observations.
package ingest

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lox/stationgrid/internal/config"
	"github.com/lox/stationgrid/internal/models"
)

// Each channel is logged as a min, max, avg, std quadruplet.
var fieldOffsets = map[string]int{"min": 0, "max": 1, "avg": 2, "std": 3}

const fieldsPerChannel = 4

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
}

// ParseError reports a malformed row. The whole file is rejected.
type ParseError struct {
	File string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type column struct {
	variable string
	index    int
	scale    float64
}

// Parser decodes the delimited log format described by the source config.
type Parser struct {
	headerRows int
	delimiter  rune
	loc        *time.Location
	minFields  int
	columns    []column
	validator  *Validator
}

// NewParser compiles the column positions of every configured variable.
func NewParser(cfg config.Config) (*Parser, error) {
	delim := []rune(cfg.Source.Delimiter)
	if len(delim) != 1 {
		return nil, fmt.Errorf("delimiter %q must be a single character", cfg.Source.Delimiter)
	}
	first := 1
	if cfg.Source.RecordColumn {
		first = 2
	}
	channelIndex := make(map[string]int, len(cfg.Source.Channels))
	for i, ch := range cfg.Source.Channels {
		channelIndex[ch] = i
	}

	p := &Parser{
		headerRows: cfg.Source.HeaderRows,
		delimiter:  delim[0],
		loc:        cfg.Location(),
		validator:  NewValidator(cfg.Variables),
	}
	for _, v := range cfg.Variables {
		ch, ok := channelIndex[v.Channel]
		if !ok {
			return nil, fmt.Errorf("variable %s: unknown channel %q", v.Name, v.Channel)
		}
		off, ok := fieldOffsets[v.Field]
		if !ok {
			return nil, fmt.Errorf("variable %s: unknown field %q", v.Name, v.Field)
		}
		scale := v.Scale
		if scale == 0 {
			scale = 1
		}
		idx := first + ch*fieldsPerChannel + off
		p.columns = append(p.columns, column{variable: v.Name, index: idx, scale: scale})
		if idx+1 > p.minFields {
			p.minFields = idx + 1
		}
	}
	return p, nil
}

// Validate returns the plausibility flags raised by obs.
func (p *Parser) Validate(obs models.Observation) []string {
	return p.validator.Validate(obs)
}

// Parse reads every data row of r. Rows are returned in file order; any
// malformed row aborts the file with a *ParseError.
func (p *Parser) Parse(name string, r io.Reader) ([]models.Observation, error) {
	cr := csv.NewReader(r)
	cr.Comma = p.delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	var out []models.Observation
	last := 0
	for n := 0; ; n++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line := last + 1
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				line = perr.Line
			}
			return nil, &ParseError{File: name, Line: line, Err: err}
		}
		line, _ := cr.FieldPos(0)
		last = line
		if n < p.headerRows {
			continue
		}
		obs, err := p.parseRecord(rec)
		if err != nil {
			return nil, &ParseError{File: name, Line: line, Err: err}
		}
		obs.Source = name
		out = append(out, obs)
	}
	return out, nil
}

func (p *Parser) parseRecord(rec []string) (models.Observation, error) {
	if len(rec) < p.minFields {
		return models.Observation{}, fmt.Errorf("expected at least %d fields, got %d", p.minFields, len(rec))
	}
	ts, err := p.parseTimestamp(rec[0])
	if err != nil {
		return models.Observation{}, err
	}
	obs := models.Observation{
		Timestamp: ts,
		Values:    make(map[string]sql.NullFloat64, len(p.columns)),
	}
	for _, c := range p.columns {
		v, err := parseValue(rec[c.index])
		if err != nil {
			return models.Observation{}, fmt.Errorf("column %d (%s): %w", c.index+1, c.variable, err)
		}
		if v.Valid {
			v.Float64 *= c.scale
		}
		obs.Values[c.variable] = v
	}
	return obs, nil
}

func (p *Parser) parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, p.loc); err == nil {
			return t.Truncate(time.Minute), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", s)
}

func parseValue(s string) (sql.NullFloat64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "\"nan\"") {
		return sql.NullFloat64{}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return sql.NullFloat64{}, fmt.Errorf("parse number %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}, nil
	}
	return sql.NullFloat64{Float64: v, Valid: true}, nil
}
