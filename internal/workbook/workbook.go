// Package workbook fills the data cells of an xlsx report template.
package workbook

import (
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/lox/stationgrid/internal/config"
	"github.com/lox/stationgrid/internal/grid"
	"github.com/lox/stationgrid/internal/layout"
	"github.com/lox/stationgrid/internal/metrics"
	"github.com/lox/stationgrid/internal/stats"
	"github.com/xuri/excelize/v2"
)

const (
	KindDaily   = "daily"
	KindMonthly = "monthly"
)

// Sheet names further than this from "{MM}-{label}" are never matched.
const maxSheetDistance = 2

// TargetNotFoundError means no sheet matches a month and report kind.
type TargetNotFoundError struct {
	Month time.Month
	Kind  string
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("no %s sheet for month %02d", e.Kind, int(e.Month))
}

// WriteFailure is a cell that could not be addressed. Slot is the hour for
// daily cells and the statistic name for monthly cells.
type WriteFailure struct {
	Variable string
	Day      int
	Slot     string
	Err      error
}

func (f WriteFailure) Error() string {
	return fmt.Sprintf("%s day %d %s: %v", f.Variable, f.Day, f.Slot, f.Err)
}

// Workbook is an open template.
type Workbook struct {
	f        *excelize.File
	decimals map[string]int
}

// Open reads a template workbook.
func Open(r io.Reader) (*Workbook, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open template: %w", err)
	}
	return New(f), nil
}

// New wraps an already open file.
func New(f *excelize.File) *Workbook {
	return &Workbook{f: f, decimals: make(map[string]int)}
}

// SetPrecision records how many decimals each variable is rounded to.
func (w *Workbook) SetPrecision(vars []config.Variable) {
	for _, v := range vars {
		w.decimals[v.Name] = v.Decimals
	}
}

// Sheets lists the sheet names in workbook order.
func (w *Workbook) Sheets() []string {
	return w.f.GetSheetList()
}

// FindSheet locates the sheet for month and kind label. An exact
// "{MM}-{label}" name wins, then the first sheet containing both the month
// token and the label, then the closest name carrying the month token
// within a small edit distance of the exact name.
func (w *Workbook) FindSheet(month time.Month, label string) (string, error) {
	token := fmt.Sprintf("%02d", int(month))
	exact := token + "-" + label
	sheets := w.f.GetSheetList()

	for _, s := range sheets {
		if s == exact {
			return s, nil
		}
	}

	lowerLabel := strings.ToLower(label)
	for _, s := range sheets {
		if strings.Contains(s, token) && strings.Contains(strings.ToLower(s), lowerLabel) {
			return s, nil
		}
	}

	best, bestDist := "", maxSheetDistance+1
	for _, s := range sheets {
		if !strings.Contains(s, token) {
			continue
		}
		d := levenshtein.ComputeDistance(strings.ToLower(s), strings.ToLower(exact))
		if d < bestDist {
			best, bestDist = s, d
		}
	}
	if best != "" {
		log.Printf("workbook: using sheet %q for %s (distance %d)", best, exact, bestDist)
		return best, nil
	}
	return "", &TargetNotFoundError{Month: month, Kind: label}
}

// WriteDaily writes every grid value into sheet. Cells the mapper rejects
// are returned as failures and skipped.
func (w *Workbook) WriteDaily(sheet string, g *grid.Grid, m *layout.Mapper, variables []string) (int, []WriteFailure) {
	var written int
	var failures []WriteFailure
	g.Each(variables, func(s grid.Slot, v float64) {
		if !m.HasDaily(s.Variable) {
			return
		}
		slot := fmt.Sprintf("hour %02d", s.Hour)
		c, err := m.Daily(s.Variable, s.Day, s.Hour)
		if err == nil {
			err = w.f.SetCellValue(sheet, c.Cell(), w.round(s.Variable, v))
		}
		if err != nil {
			failures = append(failures, WriteFailure{Variable: s.Variable, Day: s.Day, Slot: slot, Err: err})
			metrics.WriteFailures.WithLabelValues(KindDaily).Inc()
			return
		}
		written++
	})
	metrics.CellsWritten.WithLabelValues(KindDaily).Add(float64(written))
	logFailures(sheet, failures)
	return written, failures
}

// WriteMonthly writes min, max, average and outlier count for every
// summary into sheet.
func (w *Workbook) WriteMonthly(sheet string, sg *stats.SummaryGrid, m *layout.Mapper, variables []string) (int, []WriteFailure) {
	var written int
	var failures []WriteFailure
	sg.Each(variables, func(cell stats.Cell, s stats.Summary) {
		if !m.HasMonthly(cell.Variable) {
			return
		}
		for _, stat := range stats.Statistics {
			c, err := m.Monthly(cell.Variable, cell.Day, stat)
			if err == nil {
				var value interface{}
				if stat == stats.Outliers {
					value = s.Outliers
				} else {
					value = w.round(cell.Variable, s.Value(stat))
				}
				err = w.f.SetCellValue(sheet, c.Cell(), value)
			}
			if err != nil {
				failures = append(failures, WriteFailure{Variable: cell.Variable, Day: cell.Day, Slot: stat.String(), Err: err})
				metrics.WriteFailures.WithLabelValues(KindMonthly).Inc()
				continue
			}
			written++
		}
	})
	metrics.CellsWritten.WithLabelValues(KindMonthly).Add(float64(written))
	logFailures(sheet, failures)
	return written, failures
}

func logFailures(sheet string, failures []WriteFailure) {
	for _, f := range failures {
		log.Printf("workbook: %s: skipped %v", sheet, f)
	}
}

func (w *Workbook) round(variable string, v float64) float64 {
	d, ok := w.decimals[variable]
	if !ok {
		return v
	}
	p := math.Pow(10, float64(d))
	return math.Round(v*p) / p
}

// CellValue returns the formatted value of a cell.
func (w *Workbook) CellValue(sheet, cell string) (string, error) {
	return w.f.GetCellValue(sheet, cell)
}

// Bytes serialises the workbook.
func (w *Workbook) Bytes() ([]byte, error) {
	buf, err := w.f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialise workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// Close releases the workbook's temporary resources.
func (w *Workbook) Close() error {
	return w.f.Close()
}

// WriteFileAtomic writes data next to path and renames it into place, so
// readers never see a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}
