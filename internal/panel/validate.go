package panel

import (
	"fmt"
	"math"
)

// ValidationReport summarizes panel data quality ahead of a run. Hard
// structural violations (duplicate keys, shifting baselines, split units)
// are rejected earlier, at construction; the report covers the softer
// conditions that shape the estimation sample.
type ValidationReport struct {
	Observations int
	Units        int
	Treated      int
	Controls     int
	Folds        int

	MissingOutcomes    int
	ZeroWeightRows     int
	UnbalancedTreated  []string
	IncompleteBaseline []string
	FoldsWithoutTreat  []string

	Issues []string
}

// OK reports whether the panel can support a full run without dropping
// anything beyond the listed units.
func (r *ValidationReport) OK() bool {
	return len(r.Issues) == 0
}

// Validate inspects the panel against the model's window and covariate
// requirements and returns a report. It never modifies the panel.
func (p *Panel) Validate(lead, lag int, covariates []CovariateSpec) *ValidationReport {
	r := &ValidationReport{
		Observations: p.Len(),
		Units:        len(p.unitIDs),
		Folds:        len(p.folds),
	}

	for i := 0; i < p.Len(); i++ {
		o := p.Obs(i)
		if !o.HasOutcome() {
			r.MissingOutcomes++
		}
		if o.Weight == 0 {
			r.ZeroWeightRows++
		}
		if math.IsInf(o.Outcome, 0) {
			r.Issues = append(r.Issues, fmt.Sprintf("unit %s period %d has infinite outcome", o.UnitID, o.Period))
		}
	}

	treatedByFold := make(map[string]int, len(p.folds))
	for _, id := range p.unitIDs {
		u := p.units[id]
		if u.EverTreated {
			r.Treated++
			treatedByFold[u.FoldID]++
			if !p.hasCompleteWindow(u, lead, lag) {
				r.UnbalancedTreated = append(r.UnbalancedTreated, id)
			}
		} else {
			r.Controls++
		}
		if !u.HasBaseline(covariates) {
			r.IncompleteBaseline = append(r.IncompleteBaseline, id)
		}
		for _, s := range covariates {
			lvl, ok := u.Baseline[s.Name]
			if !ok {
				continue
			}
			if !containsLevel(s.Levels, lvl) {
				r.Issues = append(r.Issues, fmt.Sprintf("unit %s has undeclared %s level %d", id, s.Name, lvl))
			}
		}
	}

	for _, f := range p.folds {
		if treatedByFold[f] == 0 {
			r.FoldsWithoutTreat = append(r.FoldsWithoutTreat, f)
		}
	}

	if r.Treated == 0 {
		r.Issues = append(r.Issues, "panel has no ever-treated units")
	}
	if r.Controls == 0 {
		r.Issues = append(r.Issues, "panel has no never-treated control units")
	}
	if len(p.folds) < 2 {
		r.Issues = append(r.Issues, "panel has fewer than two folds; leave-one-out is undefined")
	}
	return r
}

func containsLevel(levels []int, lvl int) bool {
	for _, l := range levels {
		if l == lvl {
			return true
		}
	}
	return false
}
