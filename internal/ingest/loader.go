package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/lox/stationgrid/internal/consolidate"
	"github.com/lox/stationgrid/internal/metrics"
	"github.com/lox/stationgrid/internal/models"
	"github.com/zeebo/xxh3"
)

// ProgressFunc is called after each source is processed.
type ProgressFunc func(done, total int, name string)

// Loader fetches and parses sources in order.
type Loader struct {
	Parser *Parser

	// OnData, when set, receives the raw bytes of every fetched source.
	OnData func(name string, data []byte)
}

// NewLoader returns a loader for p.
func NewLoader(p *Parser) *Loader {
	return &Loader{Parser: p}
}

// Load reads every source. A source that cannot be fetched or parsed is
// reported and skipped; batches are returned for parsed sources only, in
// source order.
func (l *Loader) Load(ctx context.Context, sources []Source, progress ProgressFunc) ([]consolidate.Batch, []models.FileReport) {
	var batches []consolidate.Batch
	reports := make([]models.FileReport, 0, len(sources))

	for i, src := range sources {
		name := src.Name()
		if err := ctx.Err(); err != nil {
			reports = append(reports, failedReport(name, err))
			continue
		}

		obs, report, err := l.loadOne(ctx, src)
		if err != nil {
			log.Printf("ingest: skipping %s: %v", name, err)
			metrics.FilesParsed.WithLabelValues("failed").Inc()
			report.Error = sql.NullString{String: err.Error(), Valid: true}
		} else {
			metrics.FilesParsed.WithLabelValues("ok").Inc()
			metrics.RecordsParsed.Add(float64(len(obs)))
			batches = append(batches, consolidate.Batch{Source: name, Observations: obs})
			if report.QualityFlags > 0 {
				log.Printf("ingest: %s: %d records with quality flags", name, report.QualityFlags)
			}
		}
		reports = append(reports, report)

		if progress != nil {
			progress(i+1, len(sources), name)
		}
	}
	return batches, reports
}

func (l *Loader) loadOne(ctx context.Context, src Source) ([]models.Observation, models.FileReport, error) {
	report := models.FileReport{Name: src.Name()}

	rc, err := src.Open(ctx)
	if err != nil {
		return nil, report, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, report, fmt.Errorf("read %s: %w", report.Name, err)
	}
	report.Bytes = int64(len(data))
	report.Checksum = fmt.Sprintf("%016x", xxh3.Hash(data))

	if l.OnData != nil {
		l.OnData(report.Name, data)
	}

	obs, err := l.Parser.Parse(report.Name, bytes.NewReader(data))
	if err != nil {
		return nil, report, err
	}

	report.Records = len(obs)
	for _, o := range obs {
		if len(l.Parser.Validate(o)) > 0 {
			report.QualityFlags++
		}
		if !report.FirstRecord.Valid || o.Timestamp.Before(report.FirstRecord.Time) {
			report.FirstRecord = sql.NullTime{Time: o.Timestamp, Valid: true}
		}
		if !report.LastRecord.Valid || o.Timestamp.After(report.LastRecord.Time) {
			report.LastRecord = sql.NullTime{Time: o.Timestamp, Valid: true}
		}
	}
	if report.FirstRecord.Valid {
		report.SpanDays = spanDays(report.FirstRecord.Time, report.LastRecord.Time)
	}
	return obs, report, nil
}

func failedReport(name string, err error) models.FileReport {
	return models.FileReport{Name: name, Error: sql.NullString{String: err.Error(), Valid: true}}
}

// spanDays counts the calendar dates touched from first to last inclusive.
func spanDays(first, last time.Time) int {
	a := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours()/24) + 1
}
