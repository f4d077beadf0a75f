// Package report describes the outcome of one run.
package report

import (
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/lox/stationgrid/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MonthReport covers the sheets written for one calendar month.
type MonthReport struct {
	Year          int
	Month         time.Month
	DailySheet    string
	MonthlySheet  string
	DailyCells    int
	MonthlyCells  int
	DaysWritten   int
	WriteFailures int
}

// Report is the per-run summary.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Files      []models.FileReport
	Conflicts  []models.ConflictRecord
	Months     []MonthReport
	Errors     []string
	Warnings   []string
}

// New starts a report.
func New(runID string, started time.Time) *Report {
	return &Report{RunID: runID, StartedAt: started}
}

func (r *Report) Errorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) Warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ParsedFiles counts the sources that parsed successfully.
func (r *Report) ParsedFiles() int {
	n := 0
	for _, f := range r.Files {
		if f.OK() {
			n++
		}
	}
	return n
}

// Records sums parsed records over all files.
func (r *Report) Records() int {
	n := 0
	for _, f := range r.Files {
		n += f.Records
	}
	return n
}

// DifferingConflicts counts collisions whose values disagreed.
func (r *Report) DifferingConflicts() int {
	n := 0
	for _, c := range r.Conflicts {
		if c.Differs() {
			n++
		}
	}
	return n
}

type fileJSON struct {
	Name         string     `json:"name"`
	Records      int        `json:"records"`
	FirstRecord  *time.Time `json:"first_record,omitempty"`
	LastRecord   *time.Time `json:"last_record,omitempty"`
	SpanDays     int        `json:"span_days"`
	Checksum     string     `json:"checksum,omitempty"`
	Bytes        int64      `json:"bytes"`
	QualityFlags int        `json:"quality_flags"`
	Error        string     `json:"error,omitempty"`
}

type conflictJSON struct {
	Timestamp      time.Time           `json:"timestamp"`
	PriorSource    string              `json:"prior_source"`
	IncomingSource string              `json:"incoming_source"`
	Kept           string              `json:"kept"`
	Differs        bool                `json:"differs"`
	Prior          map[string]*float64 `json:"prior"`
	Incoming       map[string]*float64 `json:"incoming"`
}

type monthJSON struct {
	Month         string `json:"month"`
	DailySheet    string `json:"daily_sheet,omitempty"`
	MonthlySheet  string `json:"monthly_sheet,omitempty"`
	DailyCells    int    `json:"daily_cells"`
	MonthlyCells  int    `json:"monthly_cells"`
	DaysWritten   int    `json:"days_written"`
	WriteFailures int    `json:"write_failures"`
}

type reportJSON struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Files      []fileJSON     `json:"files"`
	Conflicts  []conflictJSON `json:"conflicts"`
	Months     []monthJSON    `json:"months"`
	Errors     []string       `json:"errors"`
	Warnings   []string       `json:"warnings"`
}

// JSON renders the report for machine consumption.
func (r *Report) JSON() ([]byte, error) {
	out := reportJSON{
		RunID:      r.RunID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Files:      make([]fileJSON, 0, len(r.Files)),
		Conflicts:  make([]conflictJSON, 0, len(r.Conflicts)),
		Months:     make([]monthJSON, 0, len(r.Months)),
		Errors:     nonNil(r.Errors),
		Warnings:   nonNil(r.Warnings),
	}
	for _, f := range r.Files {
		out.Files = append(out.Files, fileJSON{
			Name:         f.Name,
			Records:      f.Records,
			FirstRecord:  timePtr(f.FirstRecord),
			LastRecord:   timePtr(f.LastRecord),
			SpanDays:     f.SpanDays,
			Checksum:     f.Checksum,
			Bytes:        f.Bytes,
			QualityFlags: f.QualityFlags,
			Error:        f.Error.String,
		})
	}
	for _, c := range r.Conflicts {
		out.Conflicts = append(out.Conflicts, conflictJSON{
			Timestamp:      c.Timestamp,
			PriorSource:    c.PriorSource,
			IncomingSource: c.IncomingSource,
			Kept:           c.Kept,
			Differs:        c.Differs(),
			Prior:          floatMap(c.Prior),
			Incoming:       floatMap(c.Incoming),
		})
	}
	for _, m := range r.Months {
		out.Months = append(out.Months, monthJSON{
			Month:         fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)),
			DailySheet:    m.DailySheet,
			MonthlySheet:  m.MonthlySheet,
			DailyCells:    m.DailyCells,
			MonthlyCells:  m.MonthlyCells,
			DaysWritten:   m.DaysWritten,
			WriteFailures: m.WriteFailures,
		})
	}
	return json.MarshalIndent(out, "", "  ")
}

// WriteText prints a short human readable summary.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (%s)\n", r.RunID, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(&b, "files: %d of %d parsed, %s records\n",
		r.ParsedFiles(), len(r.Files), humanize.Comma(int64(r.Records())))
	for _, f := range r.Files {
		if !f.OK() {
			fmt.Fprintf(&b, "  %-30s FAILED %s\n", f.Name, f.Error.String)
			continue
		}
		fmt.Fprintf(&b, "  %-30s %8s records  %s  %d days",
			f.Name, humanize.Comma(int64(f.Records)), humanize.Bytes(uint64(f.Bytes)), f.SpanDays)
		if f.QualityFlags > 0 {
			fmt.Fprintf(&b, "  %s flagged", humanize.Comma(int64(f.QualityFlags)))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "conflicts: %s (%s with differing values)\n",
		humanize.Comma(int64(len(r.Conflicts))), humanize.Comma(int64(r.DifferingConflicts())))

	months := append([]MonthReport(nil), r.Months...)
	sort.Slice(months, func(i, j int) bool {
		if months[i].Year != months[j].Year {
			return months[i].Year < months[j].Year
		}
		return months[i].Month < months[j].Month
	})
	for _, m := range months {
		fmt.Fprintf(&b, "%04d-%02d: %s daily cells (%s), %s monthly cells (%s), %d days\n",
			m.Year, int(m.Month),
			humanize.Comma(int64(m.DailyCells)), orNone(m.DailySheet),
			humanize.Comma(int64(m.MonthlyCells)), orNone(m.MonthlySheet),
			m.DaysWritten)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "error: %s\n", e)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", warn)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func orNone(s string) string {
	if s == "" {
		return "no sheet"
	}
	return s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func floatMap(m map[string]sql.NullFloat64) map[string]*float64 {
	out := make(map[string]*float64, len(m))
	for k, v := range m {
		if !v.Valid {
			out[k] = nil
			continue
		}
		f := v.Float64
		out[k] = &f
	}
	return out
}
