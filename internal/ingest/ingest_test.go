package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lox/stationgrid/internal/config"
	"github.com/lox/stationgrid/internal/models"
)

const header = `"TOA5","station","CR1000","1234","CR1000.Std.32","CPU:station.CR1","1","Table10"
"TIMESTAMP","RECORD","Ane_Min","Ane_Max","Ane_Avg","Ane_Std"
"TS","RN","m/s","m/s","m/s","m/s"
"","","Min","Max","Avg","Std"
`

// row renders a data line with every channel's quadruplet set to the
// given avg values (min/max/std are filler). Missing channels are NAN.
func row(ts string, record int, avgs map[string]string) string {
	cfg := config.Default()
	fields := []string{`"` + ts + `"`, fmt.Sprint(record)}
	for _, ch := range cfg.Source.Channels {
		avg, ok := avgs[ch]
		if !ok {
			avg = "NAN"
		}
		fields = append(fields, "0", "0", avg, "0")
	}
	return strings.Join(fields, ",") + "\n"
}

func newParser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser(config.Default())
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	return p
}

func TestParse(t *testing.T) {
	data := header +
		row("2024-06-20 10:10:00", 1, map[string]string{"temp": "12.5", "pir1": "450", "rh": "88"}) +
		row("2024-06-20 10:20:37", 2, map[string]string{"temp": "NAN", "pir1": "", "rh": "87"})

	obs, err := newParser(t).Parse("a.dat", strings.NewReader(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("len = %d, want 2", len(obs))
	}

	first := obs[0]
	if !first.Timestamp.Equal(time.Date(2024, 6, 20, 10, 10, 0, 0, time.UTC)) {
		t.Errorf("Timestamp = %v", first.Timestamp)
	}
	if first.Source != "a.dat" {
		t.Errorf("Source = %q", first.Source)
	}
	if v, ok := first.Value("temperature"); !ok || v != 12.5 {
		t.Errorf("temperature = %v, %v", v, ok)
	}
	if v, ok := first.Value("pyranometer_1"); !ok || math.Abs(v-0.45) > 1e-12 {
		t.Errorf("pyranometer_1 = %v, want scaled 0.45", v)
	}
	if _, ok := first.Value("wind_speed"); ok {
		t.Error("NAN wind speed should be absent")
	}

	second := obs[1]
	if second.Timestamp.Second() != 0 || second.Timestamp.Minute() != 20 {
		t.Errorf("timestamp not truncated to minute: %v", second.Timestamp)
	}
	if _, ok := second.Value("temperature"); ok {
		t.Error("NAN temperature should be absent")
	}
	if _, ok := second.Value("pyranometer_1"); ok {
		t.Error("empty field should be absent")
	}
	if v, present := second.Values["temperature"]; !present || v.Valid {
		t.Errorf("absent value must be recorded as invalid, got %+v present=%v", v, present)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantLine int
	}{
		{
			name:     "bad timestamp",
			data:     header + row("2024-06-20 10:10:00", 1, nil) + row("yesterday", 2, nil),
			wantLine: 6,
		},
		{
			name:     "bad number",
			data:     header + row("2024-06-20 10:10:00", 1, map[string]string{"temp": "abc"}),
			wantLine: 5,
		},
		{
			name:     "short row",
			data:     header + `"2024-06-20 10:10:00",1,0,0` + "\n",
			wantLine: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newParser(t).Parse("bad.dat", strings.NewReader(tt.data))
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("err = %v, want *ParseError", err)
			}
			if perr.File != "bad.dat" || perr.Line != tt.wantLine {
				t.Errorf("ParseError = %s:%d, want bad.dat:%d", perr.File, perr.Line, tt.wantLine)
			}
		})
	}
}

func TestParse_ReadError(t *testing.T) {
	errDropped := errors.New("connection dropped")
	r := io.MultiReader(
		strings.NewReader(header+row("2024-06-20 10:10:00", 1, nil)),
		iotest.ErrReader(errDropped),
	)
	_, err := newParser(t).Parse("cut.dat", r)
	if !errors.Is(err, errDropped) {
		t.Fatalf("err = %v, want wrapped read error", err)
	}
	var perr *ParseError
	if !errors.As(err, &perr) || perr.File != "cut.dat" || perr.Line != 6 {
		t.Errorf("ParseError = %+v, want cut.dat:6", perr)
	}
}

func TestParse_HeaderOnly(t *testing.T) {
	obs, err := newParser(t).Parse("empty.dat", strings.NewReader(header))
	if err != nil || len(obs) != 0 {
		t.Errorf("obs = %d, err = %v", len(obs), err)
	}
}

func TestParse_NoRecordColumn(t *testing.T) {
	cfg := config.Default()
	cfg.Source.RecordColumn = false
	cfg.Source.HeaderRows = 0
	cfg.Source.Delimiter = ";"
	p, err := NewParser(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fields := []string{"2024-06-20T10:10"}
	for range cfg.Source.Channels {
		fields = append(fields, "1", "2", "3", "4")
	}
	obs, err := p.Parse("x", strings.NewReader(strings.Join(fields, ";")+"\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v, _ := obs[0].Value("temperature"); v != 3 {
		t.Errorf("temperature = %v, want avg field 3", v)
	}
}

func TestValidate(t *testing.T) {
	v := NewValidator(config.Default().Variables)
	tests := []struct {
		name      string
		values    map[string]float64
		wantFlags []string
	}{
		{"plausible", map[string]float64{"temperature": 20, "relative_humidity": 60}, nil},
		{"humidity over 100", map[string]float64{"relative_humidity": 105}, []string{"humidity_invalid"}},
		{"negative irradiance", map[string]float64{"pyranometer_1": -0.2}, []string{"irradiance_out_of_range"}},
		{"shared flag reported once", map[string]float64{"pyranometer_1": 3, "pyranometer_2": 3}, []string{"irradiance_out_of_range"}},
		{
			"several",
			map[string]float64{"temperature": 80, "wind_speed": -1, "battery": 9},
			[]string{"battery_out_of_range", "temp_out_of_range", "wind_speed_unlikely"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := models.Observation{Values: map[string]sql.NullFloat64{}}
			for k, val := range tt.values {
				o.Values[k] = sql.NullFloat64{Float64: val, Valid: true}
			}
			got := v.Validate(o)
			if strings.Join(got, ",") != strings.Join(tt.wantFlags, ",") {
				t.Errorf("flags = %v, want %v", got, tt.wantFlags)
			}
		})
	}
}

func TestValidate_FollowsRenamedVariable(t *testing.T) {
	cfg, err := config.Parse([]byte(`
variables:
  - {name: air_temp, channel: temp, plausible: [-20, 45]}
  - {name: rh, channel: rh}
daily:
  columns: []
monthly:
  blocks: []
`))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	p, err := NewParser(cfg)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	o := models.Observation{Values: map[string]sql.NullFloat64{
		"air_temp": {Float64: 50, Valid: true},
		"rh":       {Float64: 500, Valid: true},
	}}
	if got := p.Validate(o); len(got) != 1 || got[0] != "air_temp_out_of_range" {
		t.Errorf("flags = %v, want [air_temp_out_of_range]", got)
	}
}

func TestLoader(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a.dat")
	bad := filepath.Join(dir, "b.dat")
	data := header +
		row("2024-06-20 23:50:00", 1, map[string]string{"temp": "10"}) +
		row("2024-06-21 00:00:00", 2, map[string]string{"temp": "11", "rh": "120"})
	if err := os.WriteFile(good, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte(header+"garbage\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sources, err := ExpandFiles([]string{filepath.Join(dir, "*.dat"), filepath.Join(dir, "missing.dat")})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 3 {
		t.Fatalf("sources = %d, want 3", len(sources))
	}

	var seen []string
	var raw int
	l := NewLoader(newParser(t))
	l.OnData = func(name string, data []byte) { raw++ }
	batches, reports := l.Load(context.Background(), sources, func(done, total int, name string) {
		seen = append(seen, fmt.Sprintf("%d/%d %s", done, total, name))
	})

	if len(batches) != 1 || batches[0].Source != "a.dat" || len(batches[0].Observations) != 2 {
		t.Fatalf("batches = %+v", batches)
	}
	if len(reports) != 3 {
		t.Fatalf("reports = %d", len(reports))
	}
	r := reports[0]
	if !r.OK() || r.Records != 2 || r.SpanDays != 2 || r.QualityFlags != 1 {
		t.Errorf("report a = %+v", r)
	}
	if len(r.Checksum) != 16 || r.Bytes != int64(len(data)) {
		t.Errorf("checksum %q bytes %d", r.Checksum, r.Bytes)
	}
	if reports[1].OK() || !strings.Contains(reports[1].Error.String, "b.dat") {
		t.Errorf("report b = %+v", reports[1])
	}
	if reports[2].OK() {
		t.Error("missing file should fail")
	}
	if raw != 2 {
		t.Errorf("OnData called %d times, want 2", raw)
	}
	if len(seen) != 3 || seen[2] != "3/3 missing.dat" {
		t.Errorf("progress = %v", seen)
	}
}

func TestLoader_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	batches, reports := NewLoader(newParser(t)).Load(ctx, []Source{FileSource{Path: "x.dat"}}, nil)
	if len(batches) != 0 || len(reports) != 1 || reports[0].OK() {
		t.Errorf("batches = %d reports = %+v", len(batches), reports)
	}
}

func fastRetry() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
}

func TestHTTPSource(t *testing.T) {
	var calls int32
	body := header + row("2024-06-20 10:10:00", 1, map[string]string{"temp": "9"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky.dat":
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(body))
		case "/limited.dat":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := HTTPSource{URL: srv.URL + "/flaky.dat", Client: srv.Client(), retry: fastRetry}
	if src.Name() != "flaky.dat" {
		t.Errorf("Name = %q", src.Name())
	}
	_, reports := NewLoader(newParser(t)).Load(context.Background(), []Source{src}, nil)
	if !reports[0].OK() || reports[0].Records != 1 {
		t.Errorf("report = %+v", reports[0])
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	notFound := HTTPSource{URL: srv.URL + "/missing.dat", Client: srv.Client(), retry: fastRetry}
	if _, err := notFound.Open(context.Background()); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("404 err = %v", err)
	}

	limited := HTTPSource{URL: srv.URL + "/limited.dat", Client: srv.Client(), retry: fastRetry}
	if _, err := limited.Open(context.Background()); err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("429 err = %v", err)
	}
}

func TestFTPConfigCredentials(t *testing.T) {
	u, p := FTPConfig{}.credentials()
	if u != "anonymous" || p != "anonymous" {
		t.Errorf("anonymous = %s/%s", u, p)
	}
	u, p = FTPConfig{User: "logger", Password: "pw"}.credentials()
	if u != "logger" || p != "pw" {
		t.Errorf("credentials = %s/%s", u, p)
	}
	if (FTPSource{Path: "/uploads/CR1000_Table10.dat"}).Name() != "CR1000_Table10.dat" {
		t.Error("FTPSource name should be the base name")
	}
}
