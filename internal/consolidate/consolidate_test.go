package consolidate

import (
	"database/sql"
	"testing"
	"time"

	"github.com/lox/stationgrid/internal/models"
)

func at(hh, mm int) time.Time {
	return time.Date(2024, 6, 20, hh, mm, 0, 0, time.UTC)
}

func obs(ts time.Time, temp float64) models.Observation {
	return models.Observation{
		Timestamp: ts,
		Values:    map[string]sql.NullFloat64{"T": {Float64: temp, Valid: true}},
	}
}

func TestConsolidate_LastWriteWins(t *testing.T) {
	batches := []Batch{
		{Source: "a.dat", Observations: []models.Observation{obs(at(10, 0), 20.0)}},
		{Source: "b.dat", Observations: []models.Observation{obs(at(10, 0), 21.0)}},
	}

	series, conflicts := New(LastWriteWins).Consolidate(batches)

	got, ok := series.Lookup(at(10, 0))
	if !ok {
		t.Fatal("10:00 missing from series")
	}
	if v, _ := got.Value("T"); v != 21.0 {
		t.Errorf("T = %v, want 21.0", v)
	}
	if got.Source != "b.dat" {
		t.Errorf("Source = %q, want b.dat", got.Source)
	}
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.PriorSource != "a.dat" || c.IncomingSource != "b.dat" || c.Kept != "b.dat" {
		t.Errorf("conflict sources = %+v", c)
	}
	if c.Prior["T"].Float64 != 20.0 || c.Incoming["T"].Float64 != 21.0 {
		t.Errorf("conflict values prior=%v incoming=%v", c.Prior, c.Incoming)
	}
	if !c.Differs() {
		t.Error("Differs() = false, want true")
	}
}

func TestConsolidate_FirstWriteWins(t *testing.T) {
	batches := []Batch{
		{Source: "a.dat", Observations: []models.Observation{obs(at(10, 0), 20.0)}},
		{Source: "b.dat", Observations: []models.Observation{obs(at(10, 0), 21.0)}},
	}
	series, conflicts := New(FirstWriteWins).Consolidate(batches)
	got, _ := series.Lookup(at(10, 0))
	if v, _ := got.Value("T"); v != 20.0 {
		t.Errorf("T = %v, want 20.0", v)
	}
	if len(conflicts) != 1 || conflicts[0].Kept != "a.dat" {
		t.Errorf("conflicts = %+v", conflicts)
	}
}

func TestConsolidate_SameBatchTwice(t *testing.T) {
	batch := Batch{Source: "a.dat", Observations: []models.Observation{
		obs(at(10, 0), 20.0),
		obs(at(10, 10), 20.5),
		obs(at(10, 20), 21.0),
	}}

	once, onceConflicts := New(LastWriteWins).Consolidate([]Batch{batch})
	twice, twiceConflicts := New(LastWriteWins).Consolidate([]Batch{batch, batch})

	if len(onceConflicts) != 0 {
		t.Errorf("single batch produced %d conflicts", len(onceConflicts))
	}
	if len(twiceConflicts) != len(batch.Observations) {
		t.Errorf("len(conflicts) = %d, want %d", len(twiceConflicts), len(batch.Observations))
	}
	if once.Len() != twice.Len() {
		t.Fatalf("Len once=%d twice=%d", once.Len(), twice.Len())
	}
	for i := 0; i < once.Len(); i++ {
		a, b := once.At(i), twice.At(i)
		av, _ := a.Value("T")
		bv, _ := b.Value("T")
		if !a.Timestamp.Equal(b.Timestamp) || av != bv {
			t.Errorf("row %d differs: %v/%v vs %v/%v", i, a.Timestamp, av, b.Timestamp, bv)
		}
	}
	for _, c := range twiceConflicts {
		if c.Differs() {
			t.Errorf("identical re-read reported as differing at %v", c.Timestamp)
		}
	}
}

func TestConsolidate_PreservesMissingValues(t *testing.T) {
	o := models.Observation{
		Timestamp: at(10, 0),
		Values: map[string]sql.NullFloat64{
			"T":  {Float64: 20, Valid: true},
			"RH": {},
		},
	}
	series, _ := New(LastWriteWins).Consolidate([]Batch{{Source: "a", Observations: []models.Observation{o}}})
	got, _ := series.Lookup(at(10, 0))
	if _, ok := got.Value("RH"); ok {
		t.Error("RH should stay undefined, not be coerced")
	}
	if rh, present := got.Values["RH"]; !present || rh.Valid {
		t.Errorf("RH entry = %+v, present=%v", rh, present)
	}
}

func TestConsolidate_SortedOutput(t *testing.T) {
	batches := []Batch{
		{Source: "late", Observations: []models.Observation{obs(at(12, 0), 3), obs(at(11, 0), 2)}},
		{Source: "early", Observations: []models.Observation{obs(at(9, 0), 0), obs(at(10, 0), 1)}},
	}
	series, conflicts := New(LastWriteWins).Consolidate(batches)
	if len(conflicts) != 0 {
		t.Errorf("unexpected conflicts: %d", len(conflicts))
	}
	prev := time.Time{}
	for i, o := range series.Observations() {
		if !o.Timestamp.After(prev) {
			t.Errorf("row %d at %v not after %v", i, o.Timestamp, prev)
		}
		prev = o.Timestamp
	}
	first, last, ok := series.Span()
	if !ok || !first.Equal(at(9, 0)) || !last.Equal(at(12, 0)) {
		t.Errorf("Span = %v..%v ok=%v", first, last, ok)
	}
	if series.At(0).Source != "early" {
		t.Errorf("Source defaulted to %q, want batch source", series.At(0).Source)
	}
}

func TestConsolidate_DoesNotAliasInput(t *testing.T) {
	in := obs(at(10, 0), 20)
	series, _ := New(LastWriteWins).Consolidate([]Batch{{Source: "a", Observations: []models.Observation{in}}})
	in.Values["T"] = sql.NullFloat64{Float64: 99, Valid: true}
	got, _ := series.Lookup(at(10, 0))
	if v, _ := got.Value("T"); v != 20 {
		t.Errorf("series mutated through input map: T = %v", v)
	}
}

func TestSeriesSearch(t *testing.T) {
	series := NewSeries([]models.Observation{obs(at(9, 50), 1), obs(at(10, 0), 2), obs(at(10, 10), 3)})
	tests := []struct {
		ts   time.Time
		want int
	}{
		{at(9, 0), 0},
		{at(9, 50), 0},
		{at(9, 55), 1},
		{at(10, 10), 2},
		{at(11, 0), 3},
	}
	for _, tt := range tests {
		if got := series.Search(tt.ts); got != tt.want {
			t.Errorf("Search(%v) = %d, want %d", tt.ts.Format("15:04"), got, tt.want)
		}
	}
	var empty *Series
	if empty.Len() != 0 {
		t.Error("nil series Len should be 0")
	}
	if _, ok := empty.Lookup(at(9, 0)); ok {
		t.Error("nil series Lookup should miss")
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("first_write_wins"); err != nil || p != FirstWriteWins {
		t.Errorf("ParsePolicy(first_write_wins) = %v, %v", p, err)
	}
	if p, err := ParsePolicy(""); err != nil || p != LastWriteWins {
		t.Errorf("ParsePolicy(\"\") = %v, %v", p, err)
	}
	if _, err := ParsePolicy("merge"); err == nil {
		t.Error("expected error")
	}
}
