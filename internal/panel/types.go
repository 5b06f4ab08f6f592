// Package panel holds the district/county-year panel consumed by the
// event-study and jackknife engines: typed observations keyed by
// (unit, period), per-unit treatment metadata, fold partitioning, and the
// balanced-window filter.
package panel

import (
	"math"
	"sort"

	apperrors "reformlab/internal/errors"
)

// Covariate names a baseline categorical covariate fixed per unit.
type Covariate string

const (
	// CovSpendQuartile is the baseline per-pupil spending quartile.
	CovSpendQuartile Covariate = "spend_quartile"
	// CovIncomeQuartile is the baseline median-income quartile.
	CovIncomeQuartile Covariate = "income_quartile"
	// CovReformType is the reform-type category, 0 the reference.
	CovReformType Covariate = "reform_type"
)

// CovariateSpec declares the levels a covariate can take. Levels[0] is the
// omitted reference category in any design that interacts the covariate.
type CovariateSpec struct {
	Name   Covariate
	Levels []int
}

// Reference returns the omitted reference level.
func (s CovariateSpec) Reference() int {
	return s.Levels[0]
}

// Observation is one unit-period row of the long-format panel. Outcome is
// the pre-logged spending measure; NaN marks a missing outcome.
type Observation struct {
	UnitID      string
	FoldID      string
	Period      int
	Outcome     float64
	Weight      float64
	EverTreated bool
	ReformYear  int
	Baseline    map[Covariate]int
}

// HasOutcome reports whether the outcome is observed.
func (o Observation) HasOutcome() bool {
	return !math.IsNaN(o.Outcome)
}

// EventTime returns the relative year (period minus reform year) and whether
// it is defined. Never-treated units have no event time.
func (o Observation) EventTime() (int, bool) {
	if !o.EverTreated {
		return 0, false
	}
	return o.Period - o.ReformYear, true
}

// BinEventTime clamps a relative year into the retained window: everything
// at or below -lead collapses into -lead, everything at or above lag into
// lag.
func BinEventTime(rel, lead, lag int) int {
	if rel < -lead {
		return -lead
	}
	if rel > lag {
		return lag
	}
	return rel
}

// Unit carries the per-unit attributes that are constant across periods.
type Unit struct {
	ID          string
	FoldID      string
	EverTreated bool
	ReformYear  int
	Baseline    map[Covariate]int

	obs []int
}

// HasBaseline reports whether the unit has an observed level for every
// covariate in specs.
func (u *Unit) HasBaseline(specs []CovariateSpec) bool {
	for _, s := range specs {
		if _, ok := u.Baseline[s.Name]; !ok {
			return false
		}
	}
	return true
}

// Panel is an immutable collection of observations with a unit index. All
// derived samples are index views over the same backing slice; nothing
// mutates the base panel after construction.
type Panel struct {
	obs     []Observation
	units   map[string]*Unit
	unitIDs []string
	folds   []string
}

// New builds a panel from observations, indexing units and checking the
// structural invariants that must hold row-by-row: unique (unit, period)
// keys, a single fold per unit, and baseline covariates and treatment
// metadata constant within unit.
func New(obs []Observation) (*Panel, error) {
	p := &Panel{
		obs:   obs,
		units: make(map[string]*Unit),
	}
	type key struct {
		unit   string
		period int
	}
	seen := make(map[key]bool, len(obs))

	for i, o := range obs {
		if o.UnitID == "" {
			return nil, apperrors.Newf(apperrors.CodeInvalidPanel, "row %d has empty unit_id", i)
		}
		if o.FoldID == "" {
			return nil, apperrors.Newf(apperrors.CodeInvalidPanel, "row %d (unit %s) has empty fold_id", i, o.UnitID)
		}
		if o.Weight < 0 {
			return nil, apperrors.Newf(apperrors.CodeInvalidPanel, "unit %s period %d has negative weight", o.UnitID, o.Period)
		}
		k := key{o.UnitID, o.Period}
		if seen[k] {
			return nil, apperrors.Newf(apperrors.CodeInvalidPanel, "duplicate observation for unit %s period %d", o.UnitID, o.Period)
		}
		seen[k] = true

		u, ok := p.units[o.UnitID]
		if !ok {
			u = &Unit{
				ID:          o.UnitID,
				FoldID:      o.FoldID,
				EverTreated: o.EverTreated,
				ReformYear:  o.ReformYear,
				Baseline:    copyBaseline(o.Baseline),
			}
			p.units[o.UnitID] = u
		} else {
			if u.FoldID != o.FoldID {
				return nil, apperrors.Newf(apperrors.CodeInvalidPanel,
					"unit %s appears in folds %s and %s", o.UnitID, u.FoldID, o.FoldID)
			}
			if u.EverTreated != o.EverTreated || u.ReformYear != o.ReformYear {
				return nil, apperrors.Newf(apperrors.CodeInvalidPanel,
					"unit %s has inconsistent treatment metadata across periods", o.UnitID)
			}
			if !sameBaseline(u.Baseline, o.Baseline) {
				return nil, apperrors.Newf(apperrors.CodeInvalidPanel,
					"unit %s has baseline covariates that change across periods", o.UnitID)
			}
		}
		u.obs = append(u.obs, i)
	}

	foldSet := make(map[string]bool)
	for id, u := range p.units {
		p.unitIDs = append(p.unitIDs, id)
		foldSet[u.FoldID] = true
		sort.Slice(u.obs, func(a, b int) bool {
			return p.obs[u.obs[a]].Period < p.obs[u.obs[b]].Period
		})
	}
	sort.Strings(p.unitIDs)
	for f := range foldSet {
		p.folds = append(p.folds, f)
	}
	sort.Strings(p.folds)

	return p, nil
}

func copyBaseline(b map[Covariate]int) map[Covariate]int {
	out := make(map[Covariate]int, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

func sameBaseline(a, b map[Covariate]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// Len returns the number of observations.
func (p *Panel) Len() int { return len(p.obs) }

// Obs returns the i-th observation.
func (p *Panel) Obs(i int) Observation { return p.obs[i] }

// Unit returns the indexed unit for id.
func (p *Panel) Unit(id string) (*Unit, bool) {
	u, ok := p.units[id]
	return u, ok
}

// UnitIDs returns all unit identifiers in sorted order.
func (p *Panel) UnitIDs() []string { return p.unitIDs }

// Folds returns the fold identifiers in sorted order. Every unit belongs to
// exactly one fold.
func (p *Panel) Folds() []string { return p.folds }

// UnitObs returns the unit's observations in period order.
func (p *Panel) UnitObs(id string) []Observation {
	u, ok := p.units[id]
	if !ok {
		return nil
	}
	out := make([]Observation, len(u.obs))
	for i, idx := range u.obs {
		out[i] = p.obs[idx]
	}
	return out
}

// FoldUnits returns the sorted unit IDs belonging to fold.
func (p *Panel) FoldUnits(fold string) []string {
	var ids []string
	for _, id := range p.unitIDs {
		if p.units[id].FoldID == fold {
			ids = append(ids, id)
		}
	}
	return ids
}

// Sample is a read-only index view over a panel's observations.
type Sample struct {
	panel *Panel
	idx   []int
}

// Panel returns the backing panel.
func (s *Sample) Panel() *Panel { return s.panel }

// Len returns the number of observations in the view.
func (s *Sample) Len() int { return len(s.idx) }

// At returns the i-th observation of the view.
func (s *Sample) At(i int) Observation { return s.panel.obs[s.idx[i]] }

// All returns a view over every observation.
func (p *Panel) All() *Sample {
	idx := make([]int, len(p.obs))
	for i := range idx {
		idx[i] = i
	}
	return &Sample{panel: p, idx: idx}
}

// ExcludeFold returns a view with every observation of the given fold
// removed, treated and control units alike.
func (p *Panel) ExcludeFold(fold string) *Sample {
	idx := make([]int, 0, len(p.obs))
	for i, o := range p.obs {
		if o.FoldID != fold {
			idx = append(idx, i)
		}
	}
	return &Sample{panel: p, idx: idx}
}
