package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"github.com/lox/stationgrid/internal/config"
	"github.com/lox/stationgrid/internal/ingest"
	"github.com/lox/stationgrid/internal/layout"
	"github.com/lox/stationgrid/internal/metrics"
	"github.com/lox/stationgrid/internal/pipeline"
	"github.com/lox/stationgrid/internal/report"
	"github.com/lox/stationgrid/internal/stats"
	"github.com/lox/stationgrid/internal/store"
	"github.com/lox/stationgrid/internal/workbook"
)

type Globals struct {
	Config string `help:"YAML file overlaying the built-in schema and layout." type:"path" env:"STATIONGRID_CONFIG"`
}

type EngineFlags struct {
	Convention string        `help:"Logical day convention: midnight or shifted." env:"STATIONGRID_CONVENTION"`
	Cutoff     string        `help:"Logical day cutoff as HH:MM (shifted convention)." env:"STATIONGRID_CUTOFF"`
	Tolerance  time.Duration `help:"Nearest-match tolerance for hourly slots." env:"STATIONGRID_TOLERANCE"`
	GapPolicy  string        `help:"Unmatched slot policy: nearest, omit or zero_fill." env:"STATIONGRID_GAP_POLICY"`
	Fence      string        `help:"Outlier fence anchor: quartile or mean." env:"STATIONGRID_FENCE"`
	Policy     string        `help:"Timestamp conflict policy: last_write_wins or first_write_wins." env:"STATIONGRID_CONFLICT_POLICY"`
}

func (e EngineFlags) apply(cfg *config.Config) {
	if e.Convention != "" {
		cfg.Engine.Convention = e.Convention
	}
	if e.Cutoff != "" {
		cfg.Engine.Cutoff = e.Cutoff
	}
	if e.Tolerance != 0 {
		cfg.Engine.Tolerance = e.Tolerance
	}
	if e.GapPolicy != "" {
		cfg.Engine.GapPolicy = e.GapPolicy
	}
	if e.Fence != "" {
		cfg.Engine.FenceAnchor = e.Fence
	}
	if e.Policy != "" {
		cfg.Engine.ConflictPolicy = e.Policy
	}
}

type SourceFlags struct {
	Files       []string `arg:"" optional:"" help:"Log files or glob patterns, merged in the given order."`
	URL         []string `name:"url" help:"HTTP(S) log URLs, merged after local files."`
	FTPAddr     string   `name:"ftp-addr" help:"FTP server host:port to fetch logs from." env:"STATIONGRID_FTP_ADDR"`
	FTPUser     string   `name:"ftp-user" env:"STATIONGRID_FTP_USER"`
	FTPPassword string   `name:"ftp-password" env:"STATIONGRID_FTP_PASSWORD"`
	FTPDir      string   `name:"ftp-dir" default:"/" env:"STATIONGRID_FTP_DIR"`
	FTPPattern  string   `name:"ftp-pattern" default:"*.dat" env:"STATIONGRID_FTP_PATTERN"`
}

func (s SourceFlags) sources(ctx context.Context) ([]ingest.Source, error) {
	sources, err := ingest.ExpandFiles(s.Files)
	if err != nil {
		return nil, err
	}
	for _, u := range s.URL {
		sources = append(sources, ingest.HTTPSource{URL: u})
	}
	if s.FTPAddr != "" {
		remote, err := ingest.ListFTP(ctx, ingest.FTPConfig{
			Addr:     s.FTPAddr,
			User:     s.FTPUser,
			Password: s.FTPPassword,
			Dir:      s.FTPDir,
			Pattern:  s.FTPPattern,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("ftp: %d files in %s", len(remote), s.FTPDir)
		sources = append(sources, remote...)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources given")
	}
	return sources, nil
}

func loadConfig(g *Globals, e EngineFlags) (config.Config, error) {
	cfg, err := config.LoadFile(g.Config)
	if err != nil {
		return cfg, err
	}
	e.apply(&cfg)
	return cfg, cfg.Validate()
}

type RunCmd struct {
	EngineFlags
	SourceFlags

	Template    string `required:"" type:"existingfile" help:"Report template workbook." env:"STATIONGRID_TEMPLATE"`
	Out         string `required:"" type:"path" help:"Output workbook path."`
	Report      string `type:"path" help:"Write the run report as JSON to this path."`
	AuditDB     string `name:"audit-db" type:"path" help:"SQLite database recording run audits." env:"STATIONGRID_AUDIT_DB"`
	MetricsFile string `name:"metrics-file" type:"path" help:"Write Prometheus textfile metrics here after the run." env:"STATIONGRID_METRICS_FILE"`
}

func (c *RunCmd) Run(g *Globals) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(g, c.EngineFlags)
	if err != nil {
		return err
	}
	runner, err := pipeline.NewRunner(cfg)
	if err != nil {
		return err
	}
	runner.Progress = logProgress

	if c.AuditDB != "" {
		st, err := store.Open(c.AuditDB)
		if err != nil {
			return err
		}
		defer st.Close()
		runner.Store = st
	}

	sources, err := c.sources(ctx)
	if err != nil {
		return err
	}
	tmpl, err := os.ReadFile(c.Template)
	if err != nil {
		return fmt.Errorf("read template: %w", err)
	}

	res, runErr := runner.Run(ctx, pipeline.Request{
		Sources:    sources,
		Template:   bytes.NewReader(tmpl),
		OutputPath: c.Out,
	})
	if runErr == nil {
		if err := workbook.WriteFileAtomic(c.Out, res.Output); err != nil {
			runErr = err
		} else {
			log.Printf("wrote %s (%s)", c.Out, humanize.Bytes(uint64(len(res.Output))))
		}
	}

	if res != nil && res.Report != nil {
		if err := emitReport(res.Report, c.Report); err != nil {
			log.Printf("report: %v", err)
		}
	}
	if c.MetricsFile != "" {
		if err := metrics.WriteTextfile(c.MetricsFile); err != nil {
			log.Printf("metrics: %v", err)
		}
	}
	return runErr
}

type InspectCmd struct {
	EngineFlags
	SourceFlags

	Report string `type:"path" help:"Write the inspection report as JSON to this path."`
}

func (c *InspectCmd) Run(g *Globals) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(g, c.EngineFlags)
	if err != nil {
		return err
	}
	runner, err := pipeline.NewRunner(cfg)
	if err != nil {
		return err
	}
	sources, err := c.sources(ctx)
	if err != nil {
		return err
	}

	res, runErr := runner.Inspect(ctx, sources)
	if res != nil && res.Report != nil {
		if err := emitReport(res.Report, c.Report); err != nil {
			log.Printf("report: %v", err)
		}
	}
	if runErr != nil {
		return runErr
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tVARIABLE\tN\tMIN\tMAX\tAVG\tOUTLIERS\tHOURS")
	for _, m := range res.Months {
		m.Summaries.Each(cfg.VariableNames(), func(cell stats.Cell, s stats.Summary) {
			hours := 0
			for h := 0; h < 24; h++ {
				if _, ok := m.Grid.Get(cell.Variable, cell.Day, h); ok {
					hours++
				}
			}
			fmt.Fprintf(tw, "%04d-%02d-%02d\t%s\t%d\t%.3f\t%.3f\t%.3f\t%d\t%d\n",
				m.Year, int(m.Month), cell.Day, cell.Variable, s.Count, s.Min, s.Max, s.Avg, s.Outliers, hours)
		})
	}
	return tw.Flush()
}

type RunsCmd struct {
	AuditDB   string `name:"audit-db" required:"" type:"path" help:"SQLite database recording run audits." env:"STATIONGRID_AUDIT_DB"`
	Limit     int    `default:"20" help:"Number of runs to list."`
	Conflicts string `help:"Show the recorded conflicts of this run ID instead."`
}

func (c *RunsCmd) Run(g *Globals) error {
	st, err := store.Open(c.AuditDB)
	if err != nil {
		return err
	}
	defer st.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	if c.Conflicts != "" {
		conflicts, err := st.RunConflicts(c.Conflicts)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "TIMESTAMP\tPRIOR\tINCOMING\tKEPT\tDIFFERS")
		for _, cr := range conflicts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n",
				cr.Timestamp.Format("2006-01-02 15:04"), cr.PriorSource, cr.IncomingSource, cr.Kept, cr.Differs())
		}
		return tw.Flush()
	}

	runs, err := st.RecentRuns(c.Limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "ID\tSTARTED\tSOURCES\tPARSED\tRECORDS\tCONFLICTS\tCELLS\tOK\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\t%v\t%s\n",
			r.ID, humanize.Time(r.StartedAt), r.Sources, r.FilesParsed.Int64,
			humanize.Comma(r.Records.Int64), humanize.Comma(r.Conflicts.Int64),
			humanize.Comma(r.CellsWritten.Int64), r.Success, r.ErrorMessage.String)
	}
	return tw.Flush()
}

type LayoutCmd struct {
	Year  int  `default:"2024" help:"Year used to validate day numbers."`
	Month int  `default:"1" help:"Month (1-12) to print addresses for."`
	Dump  bool `help:"Print the effective configuration as YAML."`
}

func (c *LayoutCmd) Run(g *Globals) error {
	cfg, err := config.LoadFile(g.Config)
	if err != nil {
		return err
	}
	if c.Dump {
		bs, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(bs)
		return err
	}
	if c.Month < 1 || c.Month > 12 {
		return fmt.Errorf("month %d out of range", c.Month)
	}
	month := time.Month(c.Month)
	m, err := layout.NewMapper(cfg, c.Year, month)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "VARIABLE\tDAILY DAY1 00h\tDAILY LAST 23h\tMONTHLY DAY1\tMONTHLY LAST")
	last := time.Date(c.Year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	for _, name := range cfg.VariableNames() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name,
			cell(m.Daily(name, 1, 0)), cell(m.Daily(name, last, 23)),
			cell(m.Monthly(name, 1, stats.Min)), cell(m.Monthly(name, last, stats.Outliers)))
	}
	return tw.Flush()
}

func cell(c layout.Coordinate, err error) string {
	if err != nil {
		return "-"
	}
	return c.Cell()
}

func emitReport(rep *report.Report, jsonPath string) error {
	if err := rep.WriteText(os.Stderr); err != nil {
		return err
	}
	if jsonPath == "" {
		return nil
	}
	bs, err := rep.JSON()
	if err != nil {
		return err
	}
	return workbook.WriteFileAtomic(jsonPath, bs)
}

func logProgress(p pipeline.Progress) {
	log.Printf("%s: %d/%d %s", p.Stage, p.Done, p.Total, p.Item)
}

var cli struct {
	Globals

	Run     RunCmd     `cmd:"" help:"Reconcile logs into the report template."`
	Inspect InspectCmd `cmd:"" help:"Parse and aggregate logs without writing a template."`
	Runs    RunsCmd    `cmd:"" help:"List audited runs."`
	Layout  LayoutCmd  `cmd:"" help:"Show template cell addresses for each variable."`
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: .env: %v", err)
	}

	ctx := kong.Parse(&cli,
		kong.Name("stationgrid"),
		kong.Description("Reconcile weather station interval logs into hourly and daily report sheets."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		log.Fatalf("%v", err)
	}
}
