package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FilesParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationgrid_files_parsed_total",
			Help: "Input log files processed, by outcome",
		},
		[]string{"status"},
	)

	RecordsParsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stationgrid_records_parsed_total",
			Help: "Logger records parsed from input files",
		},
	)

	SourceFetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stationgrid_source_fetch_latency_seconds",
			Help:    "Time to fetch a remote log file in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ConflictsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stationgrid_conflicts_total",
			Help: "Timestamp collisions between input records",
		},
	)

	GridSlots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationgrid_grid_slots_total",
			Help: "Hourly grid slots visited, by outcome",
		},
		[]string{"outcome"},
	)

	CellsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationgrid_cells_written_total",
			Help: "Template cells written, by report kind",
		},
		[]string{"kind"},
	)

	WriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationgrid_write_failures_total",
			Help: "Cells skipped because their address was invalid",
		},
		[]string{"kind"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stationgrid_run_duration_seconds",
			Help:    "Wall time of a complete run",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
)

// WriteTextfile dumps the default registry in the node-exporter textfile
// format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
