// Package dedup finds Registry records that describe the same physical well
// and ranks them so an operator can pick the canonical one. Nothing is
// deleted; rankings are stored as marks.
package dedup

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/lox/broconnector/internal/logging"
	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/store"
)

// DefaultProperties are the codes that identify a physical well.
var DefaultProperties = []string{"well_code", "nitg_code"}

// Axis indexes the five partial rankings.
type Axis int

const (
	AxisTubes Axis = iota
	AxisRegime
	AxisUnknowns
	AxisEmpties
	AxisConstruction
	numAxes
)

var axisNames = [numAxes]string{"tubes", "regime", "unknowns", "empties", "construction"}

func (a Axis) String() string { return axisNames[a] }

const unknownValue = "onbekend"

// Record is one Registry object as seen by the ranker.
type Record struct {
	BroID            string
	Tubes            int
	QualityRegime    string
	ConstructionDate time.Time
	RegistrationTime time.Time
	// Properties holds every attribute by column name; it drives grouping
	// and the unknown and empty counts.
	Properties map[string]string
}

// Group is a set of records sharing one property value.
type Group struct {
	Property string
	Value    string
	Records  []Record
}

// Key identifies the group in the store.
func (g Group) Key() string {
	return g.Property + "=" + g.Value
}

// Groups collects records that share a value of one of properties. Properties
// are tried in order and a record joins only the first group it falls in.
func Groups(records []Record, properties []string) []Group {
	assigned := map[string]bool{}
	var out []Group
	for _, prop := range properties {
		byValue := map[string][]Record{}
		var order []string
		for _, r := range records {
			v := strings.TrimSpace(r.Properties[prop])
			if v == "" || r.BroID == "" {
				continue
			}
			if _, ok := byValue[v]; !ok {
				order = append(order, v)
			}
			byValue[v] = append(byValue[v], r)
		}
		for _, v := range order {
			members := byValue[v]
			if len(members) < 2 {
				continue
			}
			g := Group{Property: prop, Value: v}
			for _, r := range members {
				if !assigned[r.BroID] {
					g.Records = append(g.Records, r)
				}
			}
			if len(g.Records) < 2 {
				continue
			}
			for _, r := range g.Records {
				assigned[r.BroID] = true
			}
			out = append(out, g)
		}
	}
	slices.SortStableFunc(out, func(a, b Group) int {
		return cmp.Or(cmp.Compare(a.Value, b.Value), cmp.Compare(a.Property, b.Property))
	})
	return out
}

// Weights scale the five axes. They must be non-negative with at least one
// positive.
type Weights [numAxes]float64

// EqualWeights weighs every axis the same.
var EqualWeights = Weights{1, 1, 1, 1, 1}

func ParseWeights(values []float64) (Weights, error) {
	var w Weights
	if len(values) != int(numAxes) {
		return w, fmt.Errorf("need %d weights, got %d", int(numAxes), len(values))
	}
	copy(w[:], values)
	return w, w.Validate()
}

func (w Weights) Validate() error {
	positive := false
	for i, v := range w {
		if v < 0 {
			return fmt.Errorf("weight for %s is negative", Axis(i))
		}
		if v > 0 {
			positive = true
		}
	}
	if !positive {
		return errors.New("at least one weight must be positive")
	}
	return nil
}

// Ranked is a record with its position in the group. Position 1 is canonical.
type Ranked struct {
	Record
	Group     string
	Position  int
	Score     float64
	Axes      [numAxes]float64
	Unknowns  int
	Empties   int
	Canonical bool
}

// Ranker scores duplicate groups.
type Ranker struct {
	Weights Weights
	// TolerantThreshold splits IMBRO/A records into new and old by
	// construction date.
	TolerantThreshold time.Time
}

func NewRanker(w Weights, threshold time.Time) (*Ranker, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Ranker{Weights: w, TolerantThreshold: threshold}, nil
}

// regimeClass orders quality regimes: IMBRO, then IMBRO/A constructed on or
// after the threshold, then older IMBRO/A, then anything else.
func (r *Ranker) regimeClass(rec Record) float64 {
	switch rec.QualityRegime {
	case models.RegimeStrict:
		return 3
	case models.RegimeTolerant:
		if !rec.ConstructionDate.IsZero() && !rec.ConstructionDate.Before(r.TolerantThreshold) {
			return 2
		}
		return 1
	}
	return 0
}

// counts returns the number of unknown and empty attributes, ignoring
// date and time columns.
func counts(rec Record) (unknowns, empties int) {
	for k, v := range rec.Properties {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "date") || strings.Contains(lk, "time") {
			continue
		}
		v = strings.TrimSpace(v)
		switch {
		case v == "":
			empties++
		case strings.EqualFold(v, unknownValue):
			unknowns++
		}
	}
	return unknowns, empties
}

// denseRanks maps values to dense rank / max rank, higher values ranking
// higher. Equal values share a rank.
func denseRanks(values []float64) []float64 {
	distinct := slices.Clone(values)
	slices.Sort(distinct)
	distinct = slices.Compact(distinct)
	out := make([]float64, len(values))
	for i, v := range values {
		rank, _ := slices.BinarySearch(distinct, v)
		out[i] = float64(rank+1) / float64(len(distinct))
	}
	return out
}

// Rank orders the records of g, best first.
func (r *Ranker) Rank(g Group) []Ranked {
	n := len(g.Records)
	out := make([]Ranked, n)
	var raw [numAxes][]float64
	for a := range raw {
		raw[a] = make([]float64, n)
	}
	for i, rec := range g.Records {
		unknowns, empties := counts(rec)
		out[i] = Ranked{Record: rec, Group: g.Key(), Unknowns: unknowns, Empties: empties}
		raw[AxisTubes][i] = float64(rec.Tubes)
		raw[AxisRegime][i] = r.regimeClass(rec)
		raw[AxisUnknowns][i] = -float64(unknowns)
		raw[AxisEmpties][i] = -float64(empties)
		if !rec.ConstructionDate.IsZero() {
			raw[AxisConstruction][i] = float64(rec.ConstructionDate.Unix())
		} else {
			raw[AxisConstruction][i] = -1 << 62
		}
	}

	var total float64
	for _, w := range r.Weights {
		total += w
	}
	for a := range numAxes {
		for i, v := range denseRanks(raw[a]) {
			out[i].Axes[a] = v
			out[i].Score += r.Weights[a] * v
		}
	}
	for i := range out {
		out[i].Score /= total
	}

	slices.SortStableFunc(out, func(a, b Ranked) int {
		return cmp.Or(
			cmp.Compare(b.Score, a.Score),
			// a record better on every axis wins a weighted tie
			cmp.Compare(axisSum(b), axisSum(a)),
			b.RegistrationTime.Compare(a.RegistrationTime),
			cmp.Compare(a.BroID, b.BroID),
		)
	})
	for i := range out {
		out[i].Position = i + 1
		out[i].Canonical = i == 0
	}
	return out
}

func axisSum(r Ranked) float64 {
	var s float64
	for _, v := range r.Axes {
		s += v
	}
	return s
}

// RankAll ranks every group and returns the rankings in group order.
func (r *Ranker) RankAll(groups []Group) [][]Ranked {
	out := make([][]Ranked, 0, len(groups))
	for _, g := range groups {
		ranked := r.Rank(g)
		logging.Debug().
			Str("group", g.Key()).
			Int("records", len(ranked)).
			Str("canonical", ranked[0].BroID).
			Msg("Ranked duplicate group")
		out = append(out, ranked)
	}
	return out
}

// Mark stores the rankings as duplicate marks, replacing earlier marks of
// the same groups. Failures are collected and the remaining groups are
// still written.
func Mark(s *store.Store, rankings [][]Ranked) error {
	var errs *multierror.Error
	for _, ranked := range rankings {
		if len(ranked) == 0 {
			continue
		}
		marks := make([]store.DuplicateMark, len(ranked))
		for i, r := range ranked {
			marks[i] = store.DuplicateMark{
				GroupKey:  r.Group,
				BroID:     r.BroID,
				Position:  r.Position,
				Score:     r.Score,
				Canonical: r.Canonical,
			}
		}
		if err := s.ReplaceDuplicateMarks(ranked[0].Group, marks); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("group %s: %w", ranked[0].Group, err))
		}
	}
	return errs.ErrorOrNil()
}
