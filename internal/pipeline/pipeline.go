// Package pipeline runs a complete reconciliation: load, consolidate,
// project, aggregate and write the report template.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lox/stationgrid/internal/config"
	"github.com/lox/stationgrid/internal/consolidate"
	"github.com/lox/stationgrid/internal/grid"
	"github.com/lox/stationgrid/internal/ingest"
	"github.com/lox/stationgrid/internal/layout"
	"github.com/lox/stationgrid/internal/logicalday"
	"github.com/lox/stationgrid/internal/metrics"
	"github.com/lox/stationgrid/internal/report"
	"github.com/lox/stationgrid/internal/stats"
	"github.com/lox/stationgrid/internal/store"
	"github.com/lox/stationgrid/internal/workbook"
)

var (
	ErrNoInputs = errors.New("no input file could be parsed")
	ErrTemplate = errors.New("template unreadable")
)

// Stage names a phase of a run for progress reporting.
type Stage string

const (
	StageLoad    Stage = "load"
	StageProject Stage = "project"
	StageWrite   Stage = "write"
)

// Progress is reported synchronously after each unit of work.
type Progress struct {
	Stage Stage
	Done  int
	Total int
	Item  string
}

type ProgressFunc func(Progress)

// Request is the input of one run.
type Request struct {
	Sources  []ingest.Source
	Template io.Reader
	// OutputPath is recorded in the audit store only.
	OutputPath string
}

// Month is the projected and aggregated data of one calendar month.
type Month struct {
	Year      int
	Month     time.Month
	Grid      *grid.Grid
	Summaries *stats.SummaryGrid
}

// Result is the outcome of Run or Inspect.
type Result struct {
	Output []byte
	Report *report.Report
	Series *consolidate.Series
	Months []Month
}

// Runner holds the per-run collaborators. The zero Store disables auditing.
type Runner struct {
	Config   config.Config
	Loader   *ingest.Loader
	Store    *store.Store
	Progress ProgressFunc

	resolver     logicalday.Resolver
	consolidator *consolidate.Consolidator
	projector    *grid.Projector
	calculator   *stats.Calculator
}

// NewRunner compiles the engine settings of cfg.
func NewRunner(cfg config.Config) (*Runner, error) {
	conv, err := logicalday.ParseConvention(cfg.Engine.Convention)
	if err != nil {
		return nil, err
	}
	cutoff, err := logicalday.ParseCutoff(cfg.Engine.Cutoff)
	if err != nil {
		return nil, err
	}
	gap, err := grid.ParseGapPolicy(cfg.Engine.GapPolicy)
	if err != nil {
		return nil, err
	}
	anchor, err := stats.ParseFenceAnchor(cfg.Engine.FenceAnchor)
	if err != nil {
		return nil, err
	}
	policy, err := consolidate.ParsePolicy(cfg.Engine.ConflictPolicy)
	if err != nil {
		return nil, err
	}
	parser, err := ingest.NewParser(cfg)
	if err != nil {
		return nil, err
	}
	// Fail on a bad layout before any input is fetched.
	if _, err := layout.NewMapper(cfg, 2000, time.January); err != nil {
		return nil, fmt.Errorf("layout: %w", err)
	}

	loc := cfg.Location()
	resolver := logicalday.New(conv, cutoff)

	projector := grid.NewProjector(resolver)
	projector.Tolerance = cfg.Engine.Tolerance
	projector.Policy = gap
	projector.Location = loc

	calculator := stats.NewCalculator(resolver)
	calculator.Anchor = anchor
	calculator.Location = loc

	return &Runner{
		Config:       cfg,
		Loader:       ingest.NewLoader(parser),
		resolver:     resolver,
		consolidator: consolidate.New(policy),
		projector:    projector,
		calculator:   calculator,
	}, nil
}

// Run reconciles the sources and writes the template. The returned bytes
// are the complete output workbook; nothing is written to disk here.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	defer func() { metrics.RunDuration.Observe(time.Since(start).Seconds()) }()

	a := r.startAudit(len(req.Sources))
	res, err := r.run(ctx, req, a)
	a.complete(res, req.OutputPath, err)
	return res, err
}

// Inspect loads, consolidates, projects and aggregates without a template.
func (r *Runner) Inspect(ctx context.Context, sources []ingest.Source) (*Result, error) {
	res, err := r.prepare(ctx, sources, nil)
	if err != nil {
		return res, err
	}
	res.Report.FinishedAt = time.Now().UTC()
	return res, nil
}

func (r *Runner) run(ctx context.Context, req Request, a *audit) (*Result, error) {
	res, err := r.prepare(ctx, req.Sources, a)
	if err != nil {
		return res, err
	}
	rep := res.Report

	if req.Template == nil {
		return res, fmt.Errorf("%w: no template given", ErrTemplate)
	}
	wb, err := workbook.Open(req.Template)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	defer wb.Close()
	wb.SetPrecision(r.Config.Variables)

	variables := r.Config.VariableNames()
	for i, m := range res.Months {
		mapper, err := layout.NewMapper(r.Config, m.Year, m.Month)
		if err != nil {
			return res, fmt.Errorf("layout %04d-%02d: %w", m.Year, int(m.Month), err)
		}
		mr := report.MonthReport{Year: m.Year, Month: m.Month}

		if sheet, err := wb.FindSheet(m.Month, r.Config.Daily.Kind); err != nil {
			log.Printf("pipeline: %v", err)
			rep.Warnf("%v", err)
		} else {
			n, failures := wb.WriteDaily(sheet, m.Grid, mapper, variables)
			mr.DailySheet, mr.DailyCells = sheet, n
			mr.WriteFailures += len(failures)
		}

		if sheet, err := wb.FindSheet(m.Month, r.Config.Monthly.Kind); err != nil {
			log.Printf("pipeline: %v", err)
			rep.Warnf("%v", err)
		} else {
			n, failures := wb.WriteMonthly(sheet, m.Summaries, mapper, variables)
			mr.MonthlySheet, mr.MonthlyCells = sheet, n
			mr.WriteFailures += len(failures)
		}

		if mr.WriteFailures > 0 {
			rep.Warnf("%04d-%02d: %d cells could not be addressed", m.Year, int(m.Month), mr.WriteFailures)
		}
		mr.DaysWritten = daysWritten(m, mr)
		rep.Months = append(rep.Months, mr)
		r.progress(Progress{Stage: StageWrite, Done: i + 1, Total: len(res.Months), Item: monthLabel(m.Year, m.Month)})
	}

	out, err := wb.Bytes()
	if err != nil {
		return res, err
	}
	res.Output = out
	rep.FinishedAt = time.Now().UTC()
	log.Printf("pipeline: run %s wrote %d months", rep.RunID, len(rep.Months))
	return res, nil
}

// prepare runs everything up to the write step.
func (r *Runner) prepare(ctx context.Context, sources []ingest.Source, a *audit) (*Result, error) {
	runID := uuid.NewString()
	if a != nil && a.run != nil {
		runID = a.run.ID
	}
	rep := report.New(runID, time.Now().UTC())
	res := &Result{Report: rep}

	loader := *r.Loader
	if a != nil {
		loader.OnData = a.storePayload
	}
	batches, files := loader.Load(ctx, sources, func(done, total int, name string) {
		r.progress(Progress{Stage: StageLoad, Done: done, Total: total, Item: name})
	})
	rep.Files = files
	for _, f := range files {
		if !f.OK() {
			rep.Errorf("%s: %s", f.Name, f.Error.String)
		} else if f.QualityFlags > 0 {
			rep.Warnf("%s: %d records outside plausible ranges", f.Name, f.QualityFlags)
		}
	}
	if len(batches) == 0 {
		rep.FinishedAt = time.Now().UTC()
		return res, fmt.Errorf("%w (%d sources)", ErrNoInputs, len(sources))
	}

	series, conflicts := r.consolidator.Consolidate(batches)
	rep.Conflicts = conflicts
	metrics.ConflictsDetected.Add(float64(len(conflicts)))
	res.Series = series

	months := r.logicalMonths(series)
	variables := r.Config.VariableNames()
	for i, ym := range months {
		res.Months = append(res.Months, Month{
			Year:      ym.year,
			Month:     ym.month,
			Grid:      r.projector.Project(series, ym.year, ym.month, variables),
			Summaries: r.calculator.AggregateMonth(series, ym.year, ym.month, variables),
		})
		r.progress(Progress{Stage: StageProject, Done: i + 1, Total: len(months), Item: monthLabel(ym.year, ym.month)})
	}
	return res, nil
}

type yearMonth struct {
	year  int
	month time.Month
}

// logicalMonths lists the calendar months holding at least one logical day
// of the series, ascending.
func (r *Runner) logicalMonths(series *consolidate.Series) []yearMonth {
	seen := make(map[yearMonth]bool)
	var out []yearMonth
	for i := 0; i < series.Len(); i++ {
		d := r.resolver.Resolve(series.At(i).Timestamp)
		ym := yearMonth{d.Year(), d.Month()}
		if !seen[ym] {
			seen[ym] = true
			out = append(out, ym)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].year != out[j].year {
			return out[i].year < out[j].year
		}
		return out[i].month < out[j].month
	})
	return out
}

func daysWritten(m Month, mr report.MonthReport) int {
	days := make(map[int]bool)
	if mr.DailySheet != "" {
		for _, d := range m.Grid.Days() {
			days[d] = true
		}
	}
	if mr.MonthlySheet != "" {
		for _, d := range m.Summaries.Days() {
			days[d] = true
		}
	}
	return len(days)
}

func monthLabel(year int, month time.Month) string {
	return fmt.Sprintf("%04d-%02d", year, int(month))
}

func (r *Runner) progress(p Progress) {
	if r.Progress != nil {
		r.Progress(p)
	}
}

// audit mirrors a run into the store. Store failures are logged and never
// affect the run.
type audit struct {
	store *store.Store
	run   *store.Run
}

func (r *Runner) startAudit(sources int) *audit {
	a := &audit{store: r.Store}
	if r.Store == nil {
		return a
	}
	run, err := r.Store.StartRun(uuid.NewString(), sources)
	if err != nil {
		log.Printf("store: start run: %v", err)
		return a
	}
	a.run = run
	return a
}

func (a *audit) storePayload(name string, data []byte) {
	if a.run == nil {
		return
	}
	if _, err := a.store.StoreRawPayload(a.run.ID, name, data); err != nil {
		log.Printf("store: raw payload %s: %v", name, err)
	}
}

func (a *audit) complete(res *Result, outputPath string, runErr error) {
	if a.run == nil {
		return
	}
	run := a.run
	if res != nil && res.Report != nil {
		rep := res.Report
		if err := a.store.RecordFiles(run.ID, rep.Files); err != nil {
			log.Printf("store: record files: %v", err)
		}
		if err := a.store.RecordConflicts(run.ID, rep.Conflicts); err != nil {
			log.Printf("store: record conflicts: %v", err)
		}
		if err := a.store.RecordMonths(run.ID, rep.Months); err != nil {
			log.Printf("store: record months: %v", err)
		}
		cells := 0
		for _, m := range rep.Months {
			cells += m.DailyCells + m.MonthlyCells
		}
		run.FilesParsed = sql.NullInt64{Int64: int64(rep.ParsedFiles()), Valid: true}
		run.Records = sql.NullInt64{Int64: int64(rep.Records()), Valid: true}
		run.Conflicts = sql.NullInt64{Int64: int64(len(rep.Conflicts)), Valid: true}
		run.CellsWritten = sql.NullInt64{Int64: int64(cells), Valid: true}
	}
	if outputPath != "" {
		run.OutputPath = sql.NullString{String: outputPath, Valid: true}
	}
	run.Success = runErr == nil
	if runErr != nil {
		run.ErrorMessage = sql.NullString{String: runErr.Error(), Valid: true}
	}
	if err := a.store.CompleteRun(run); err != nil {
		log.Printf("store: complete run: %v", err)
	}
}
