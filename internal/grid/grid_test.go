package grid

import (
	"database/sql"
	"testing"
	"time"

	"github.com/lox/stationgrid/internal/consolidate"
	"github.com/lox/stationgrid/internal/logicalday"
	"github.com/lox/stationgrid/internal/models"
)

func sample(ts time.Time, vals map[string]float64) models.Observation {
	o := models.Observation{Timestamp: ts, Values: map[string]sql.NullFloat64{}}
	for k, v := range vals {
		o.Values[k] = sql.NullFloat64{Float64: v, Valid: true}
	}
	return o
}

func june(day, hh, mm, ss int) time.Time {
	return time.Date(2024, 6, day, hh, mm, ss, 0, time.UTC)
}

func TestProject_TieBreakPrefersEarlier(t *testing.T) {
	series := consolidate.NewSeries([]models.Observation{
		sample(june(20, 9, 53, 0), map[string]float64{"T": 1}),
		sample(june(20, 10, 7, 0), map[string]float64{"T": 2}),
	})
	p := NewProjector(logicalday.Resolver{})

	for i := 0; i < 3; i++ {
		g := p.Project(series, 2024, time.June, []string{"T"})
		v, ok := g.Get("T", 20, 10)
		if !ok {
			t.Fatal("10:00 slot unresolved")
		}
		if v != 1 {
			t.Fatalf("10:00 bound to %v, want the 09:53 sample (1)", v)
		}
	}
}

func TestProject_ClosestWins(t *testing.T) {
	series := consolidate.NewSeries([]models.Observation{
		sample(june(20, 9, 52, 0), map[string]float64{"T": 1}),
		sample(june(20, 10, 7, 0), map[string]float64{"T": 2}),
	})
	g := NewProjector(logicalday.Resolver{}).Project(series, 2024, time.June, []string{"T"})
	if v, _ := g.Get("T", 20, 10); v != 2 {
		t.Errorf("10:00 = %v, want 2 (10:07 is closer than 09:52)", v)
	}
}

func TestProject_ToleranceBoundary(t *testing.T) {
	tests := []struct {
		name   string
		ts     time.Time
		wantOK bool
	}{
		{"exactly on slot", june(20, 10, 0, 0), true},
		{"ten minutes after", june(20, 10, 10, 0), true},
		{"ten minutes before", june(20, 9, 50, 0), true},
		{"ten minutes one second after", june(20, 10, 10, 1), false},
		{"ten minutes one second before", june(20, 9, 49, 59), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			series := consolidate.NewSeries([]models.Observation{sample(tt.ts, map[string]float64{"T": 5})})
			g := NewProjector(logicalday.Resolver{}).Project(series, 2024, time.June, []string{"T"})
			_, ok := g.Get("T", 20, 10)
			if ok != tt.wantOK {
				t.Errorf("slot present = %v, want %v", ok, tt.wantOK)
			}
		})
	}
}

func TestProject_AbsentNotZero(t *testing.T) {
	series := consolidate.NewSeries([]models.Observation{
		sample(june(20, 10, 0, 0), map[string]float64{"T": 5}),
	})
	g := NewProjector(logicalday.Resolver{}).Project(series, 2024, time.June, []string{"T", "RH"})
	if g.Len() != 1 {
		t.Errorf("Len = %d, want 1", g.Len())
	}
	if _, ok := g.Get("T", 20, 11); ok {
		t.Error("11:00 should be absent")
	}
	if _, ok := g.Get("RH", 20, 10); ok {
		t.Error("RH has no samples and should be absent")
	}
}

func TestProject_UndefinedValueLeavesSlotAbsent(t *testing.T) {
	o := sample(june(20, 10, 0, 0), map[string]float64{"T": 5})
	o.Values["RH"] = sql.NullFloat64{}
	neighbour := sample(june(20, 10, 5, 0), map[string]float64{"RH": 70})
	series := consolidate.NewSeries([]models.Observation{o, neighbour})

	g := NewProjector(logicalday.Resolver{}).Project(series, 2024, time.June, []string{"T", "RH"})
	if _, ok := g.Get("RH", 20, 10); ok {
		t.Error("RH at 10:00 should stay absent when the matched record has no value")
	}
	if v, ok := g.Get("T", 20, 10); !ok || v != 5 {
		t.Errorf("T = %v, %v", v, ok)
	}
}

func TestProject_OmitMissing(t *testing.T) {
	series := consolidate.NewSeries([]models.Observation{
		sample(june(20, 10, 0, 0), map[string]float64{"T": 5}),
		sample(june(20, 11, 3, 0), map[string]float64{"T": 6}),
	})
	p := NewProjector(logicalday.Resolver{})
	p.Policy = OmitMissing
	g := p.Project(series, 2024, time.June, []string{"T"})
	if _, ok := g.Get("T", 20, 10); !ok {
		t.Error("exact 10:00 sample should bind")
	}
	if _, ok := g.Get("T", 20, 11); ok {
		t.Error("11:03 should not bind under OmitMissing")
	}
}

func TestProject_FillMissingAsZero(t *testing.T) {
	series := consolidate.NewSeries([]models.Observation{
		sample(june(20, 10, 0, 0), map[string]float64{"T": 5}),
	})
	p := NewProjector(logicalday.Resolver{})
	p.Policy = FillMissingAsZero
	g := p.Project(series, 2024, time.June, []string{"T", "RH"})

	for hour := 0; hour < 24; hour++ {
		v, ok := g.Get("T", 20, hour)
		if !ok {
			t.Fatalf("hour %d absent under zero fill", hour)
		}
		if hour != 10 && v != 0 {
			t.Errorf("hour %d = %v, want 0", hour, v)
		}
	}
	if _, ok := g.Get("T", 21, 0); ok {
		t.Error("days without data should not be zero-filled")
	}
	if _, ok := g.Get("RH", 20, 0); ok {
		t.Error("variables without data should not be zero-filled")
	}
}

func TestProject_ShiftedCutoff(t *testing.T) {
	// 03:00 on the 21st is hour 3 of logical day 20 when the day starts at 07:00.
	series := consolidate.NewSeries([]models.Observation{
		sample(june(21, 3, 0, 0), map[string]float64{"T": 9}),
	})
	p := NewProjector(logicalday.New(logicalday.Shifted, logicalday.Cutoff{Hour: 7}))
	g := p.Project(series, 2024, time.June, []string{"T"})
	if v, ok := g.Get("T", 20, 3); !ok || v != 9 {
		t.Errorf("day 20 hour 3 = %v, %v; want 9", v, ok)
	}
	if _, ok := g.Get("T", 21, 3); ok {
		t.Error("day 21 hour 3 should be absent")
	}
}

func TestProject_SkipsInvalidDays(t *testing.T) {
	series := consolidate.NewSeries([]models.Observation{
		sample(time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC), map[string]float64{"T": 1}),
	})
	g := NewProjector(logicalday.Resolver{}).Project(series, 2023, time.February, []string{"T"})
	for _, d := range g.Days() {
		if d > 28 {
			t.Errorf("day %d projected for February 2023", d)
		}
	}
	if g.Len() != 0 {
		t.Errorf("Len = %d, want 0 (sample belongs to March)", g.Len())
	}
}

func TestProject_EmptySeries(t *testing.T) {
	g := NewProjector(logicalday.Resolver{}).Project(consolidate.NewSeries(nil), 2024, time.June, []string{"T"})
	if g.Len() != 0 {
		t.Errorf("Len = %d, want 0", g.Len())
	}
}

func TestGridEachOrder(t *testing.T) {
	g := NewGrid(2024, time.June)
	g.Set("B", 1, 0, 3)
	g.Set("A", 2, 5, 2)
	g.Set("A", 1, 23, 1)

	var got []float64
	g.Each([]string{"A", "B"}, func(_ Slot, v float64) { got = append(got, v) })
	want := []float64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("Each visited %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Each order = %v, want %v", got, want)
		}
	}
	if days := g.Days(); len(days) != 2 || days[0] != 1 || days[1] != 2 {
		t.Errorf("Days = %v", days)
	}
}

func TestParseGapPolicy(t *testing.T) {
	tests := map[string]GapPolicy{
		"nearest":   NearestWithinTolerance,
		"":          NearestWithinTolerance,
		"omit":      OmitMissing,
		"zero_fill": FillMissingAsZero,
	}
	for in, want := range tests {
		got, err := ParseGapPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseGapPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseGapPolicy("interpolate"); err == nil {
		t.Error("expected error")
	}
}
