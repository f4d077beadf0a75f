// Package consolidate merges parsed logger batches into one timestamp-keyed
// series, recording every timestamp collision.
package consolidate

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/lox/stationgrid/internal/models"
)

// Policy decides which values survive a timestamp collision.
type Policy int

const (
	// LastWriteWins replaces the prior values with the later batch's values.
	LastWriteWins Policy = iota
	// FirstWriteWins keeps the values seen first.
	FirstWriteWins
)

func (p Policy) String() string {
	switch p {
	case LastWriteWins:
		return "last_write_wins"
	case FirstWriteWins:
		return "first_write_wins"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts "last_write_wins" or "first_write_wins".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "last_write_wins", "last":
		return LastWriteWins, nil
	case "first_write_wins", "first":
		return FirstWriteWins, nil
	}
	return LastWriteWins, fmt.Errorf("unknown conflict policy %q", s)
}

// Batch is the observations parsed from one source, in file order.
type Batch struct {
	Source       string
	Observations []models.Observation
}

// Consolidator is the per-run merge context. It holds no state between
// calls to Consolidate.
type Consolidator struct {
	Policy Policy
}

// New returns a consolidator applying policy.
func New(policy Policy) *Consolidator {
	return &Consolidator{Policy: policy}
}

// Consolidate merges batches in order. Collisions within a single batch are
// treated the same as collisions across batches.
func (c *Consolidator) Consolidate(batches []Batch) (*Series, []models.ConflictRecord) {
	byTime := make(map[int64]models.Observation)
	var conflicts []models.ConflictRecord

	for _, b := range batches {
		for _, obs := range b.Observations {
			obs = obs.Clone()
			if obs.Source == "" {
				obs.Source = b.Source
			}
			key := obs.Timestamp.Unix()
			prior, exists := byTime[key]
			if !exists {
				byTime[key] = obs
				continue
			}

			rec := models.ConflictRecord{
				Timestamp:      obs.Timestamp,
				PriorSource:    prior.Source,
				IncomingSource: obs.Source,
				Prior:          prior.Values,
				Incoming:       obs.Values,
			}
			switch c.Policy {
			case FirstWriteWins:
				rec.Kept = prior.Source
			default:
				rec.Kept = obs.Source
				byTime[key] = obs
			}
			conflicts = append(conflicts, rec)
		}
	}

	series := newSeries(byTime)
	if len(conflicts) > 0 {
		log.Printf("consolidate: %d timestamp conflicts resolved with %s", len(conflicts), c.Policy)
	}
	return series, conflicts
}

// Series is a timestamp-ascending set of observations, one per timestamp.
type Series struct {
	obs   []models.Observation
	index map[int64]int
}

func newSeries(byTime map[int64]models.Observation) *Series {
	s := &Series{
		obs:   make([]models.Observation, 0, len(byTime)),
		index: make(map[int64]int, len(byTime)),
	}
	for _, o := range byTime {
		s.obs = append(s.obs, o)
	}
	sort.Slice(s.obs, func(i, j int) bool {
		return s.obs[i].Timestamp.Before(s.obs[j].Timestamp)
	})
	for i, o := range s.obs {
		s.index[o.Timestamp.Unix()] = i
	}
	return s
}

// NewSeries builds a series directly from observations. Later duplicates
// replace earlier ones.
func NewSeries(obs []models.Observation) *Series {
	byTime := make(map[int64]models.Observation, len(obs))
	for _, o := range obs {
		byTime[o.Timestamp.Unix()] = o
	}
	return newSeries(byTime)
}

// Len returns the number of distinct timestamps.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.obs)
}

// At returns the i-th observation in timestamp order.
func (s *Series) At(i int) models.Observation {
	return s.obs[i]
}

// Observations returns the observations in timestamp order. The slice must
// not be modified.
func (s *Series) Observations() []models.Observation {
	if s == nil {
		return nil
	}
	return s.obs
}

// Lookup returns the observation at exactly ts.
func (s *Series) Lookup(ts time.Time) (models.Observation, bool) {
	if s == nil {
		return models.Observation{}, false
	}
	i, ok := s.index[ts.Unix()]
	if !ok {
		return models.Observation{}, false
	}
	return s.obs[i], true
}

// Search returns the index of the first observation at or after ts.
func (s *Series) Search(ts time.Time) int {
	return sort.Search(len(s.obs), func(i int) bool {
		return !s.obs[i].Timestamp.Before(ts)
	})
}

// Span returns the first and last timestamps. ok is false for an empty series.
func (s *Series) Span() (first, last time.Time, ok bool) {
	if s.Len() == 0 {
		return time.Time{}, time.Time{}, false
	}
	return s.obs[0].Timestamp, s.obs[len(s.obs)-1].Timestamp, true
}
