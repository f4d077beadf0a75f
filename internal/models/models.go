package models

import (
	"database/sql"
	"time"
)

// Observation is one logger record: a minute-precision timestamp and the
// report variables extracted from it. An invalid value means the logger
// reported nothing usable for that variable.
type Observation struct {
	Timestamp time.Time
	Source    string
	Values    map[string]sql.NullFloat64
}

// Value returns the variable's value and whether it is defined.
func (o Observation) Value(variable string) (float64, bool) {
	v, ok := o.Values[variable]
	if !ok || !v.Valid {
		return 0, false
	}
	return v.Float64, true
}

// Clone returns a copy whose value map can be modified independently.
func (o Observation) Clone() Observation {
	values := make(map[string]sql.NullFloat64, len(o.Values))
	for k, v := range o.Values {
		values[k] = v
	}
	return Observation{Timestamp: o.Timestamp, Source: o.Source, Values: values}
}

// ConflictRecord audits two sources supplying the same timestamp.
type ConflictRecord struct {
	Timestamp      time.Time
	PriorSource    string
	IncomingSource string
	Prior          map[string]sql.NullFloat64
	Incoming       map[string]sql.NullFloat64
	Kept           string // source whose values were retained
}

// Differs reports whether the two sides disagree on any variable.
func (c ConflictRecord) Differs() bool {
	if len(c.Prior) != len(c.Incoming) {
		return true
	}
	for k, p := range c.Prior {
		n, ok := c.Incoming[k]
		if !ok || p.Valid != n.Valid || (p.Valid && p.Float64 != n.Float64) {
			return true
		}
	}
	return false
}

// FileReport summarises one input source for the run report.
type FileReport struct {
	Name         string
	Records      int
	FirstRecord  sql.NullTime
	LastRecord   sql.NullTime
	SpanDays     int
	Checksum     string
	Bytes        int64
	QualityFlags int
	Error        sql.NullString
}

// OK reports whether the source parsed successfully.
func (f FileReport) OK() bool {
	return !f.Error.Valid
}
