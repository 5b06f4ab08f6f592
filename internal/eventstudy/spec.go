// Package eventstudy implements the weighted fixed-effects event-study
// estimator: design-matrix construction with categorical dummy expansion and
// k-way interactions, unit fixed effects absorbed by within-transformation,
// period fixed effects, cluster-robust covariance, and delta-method linear
// combinations of coefficients.
package eventstudy

import (
	"fmt"
	"strings"

	apperrors "reformlab/internal/errors"
	"reformlab/internal/panel"
)

// ClusterBy selects the cluster variable for the covariance estimator.
type ClusterBy string

const (
	ClusterByUnit ClusterBy = "unit"
	ClusterByFold ClusterBy = "fold"
)

// ModelSpec describes one event-study specification. The design contains a
// dummy for every retained relative year except the reference (-1), plus,
// for every non-empty subset of Covariates, interaction dummies at every
// combination of non-reference levels, plus period fixed effects. Unit fixed
// effects are absorbed, so covariate main effects (constant within unit)
// never enter the design.
type ModelSpec struct {
	// LeadWindow and LagWindow bound the retained event-time window;
	// relative years outside it bin into the endpoints.
	LeadWindow int
	LagWindow  int

	// Covariates lists the baseline categorical covariates interacted with
	// the event-time dummies, in nesting order (one, two, or three).
	Covariates []panel.CovariateSpec

	ClusterBy   ClusterBy
	MinClusters int
}

// Validate checks the specification is internally consistent.
func (s ModelSpec) Validate() error {
	if s.LeadWindow < 2 {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "lead window %d leaves no pre-reform dummies beyond the reference", s.LeadWindow)
	}
	if s.LagWindow < 1 {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "lag window must be positive, got %d", s.LagWindow)
	}
	if len(s.Covariates) > 3 {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "at most three interacted covariates are supported, got %d", len(s.Covariates))
	}
	seen := make(map[panel.Covariate]bool)
	for _, c := range s.Covariates {
		if len(c.Levels) < 2 {
			return apperrors.Newf(apperrors.CodeInvalidConfig, "covariate %s needs at least two declared levels", c.Name)
		}
		if seen[c.Name] {
			return apperrors.Newf(apperrors.CodeInvalidConfig, "covariate %s declared twice", c.Name)
		}
		seen[c.Name] = true
	}
	if s.MinClusters < 2 {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "min clusters must be at least 2, got %d", s.MinClusters)
	}
	switch s.ClusterBy {
	case ClusterByUnit, ClusterByFold:
	default:
		return apperrors.Newf(apperrors.CodeInvalidConfig, "unknown cluster variable %q", s.ClusterBy)
	}
	return nil
}

// RelativeYears returns the retained relative years that carry a dummy:
// [-LeadWindow, LagWindow] without the reference year -1.
func (s ModelSpec) RelativeYears() []int {
	var rels []int
	for rel := -s.LeadWindow; rel <= s.LagWindow; rel++ {
		if rel == -1 {
			continue
		}
		rels = append(rels, rel)
	}
	return rels
}

// LevelAssignment fixes one interacted covariate at one level.
type LevelAssignment struct {
	Cov   panel.Covariate
	Level int
}

// Term identifies one regressor of the event-time design: the base dummy for
// a relative year (empty Levels), or its interaction with a combination of
// non-reference covariate levels. Levels are ordered by the specification's
// covariate order, which makes Key deterministic.
type Term struct {
	Rel    int
	Levels []LevelAssignment
}

// TermKey is the canonical string form of a Term, used as a map key.
type TermKey string

// Key returns the canonical key, e.g. "rel=4" or
// "rel=4|spend_quartile=2|reform_type=1".
func (t Term) Key() TermKey {
	var b strings.Builder
	fmt.Fprintf(&b, "rel=%d", t.Rel)
	for _, la := range t.Levels {
		fmt.Fprintf(&b, "|%s=%d", la.Cov, la.Level)
	}
	return TermKey(b.String())
}

// String implements fmt.Stringer.
func (t Term) String() string { return string(t.Key()) }

// SubsetLevels enumerates, for every non-empty subset of the spec's
// covariates (ordered by increasing subset size, then covariate order),
// every combination of non-reference levels. This is the complete set of
// interaction cells the design materializes per relative year.
func (s ModelSpec) SubsetLevels() [][]LevelAssignment {
	n := len(s.Covariates)
	var out [][]LevelAssignment
	for size := 1; size <= n; size++ {
		for mask := 1; mask < 1<<n; mask++ {
			var members []panel.CovariateSpec
			for i := 0; i < n; i++ {
				if mask&(1<<i) != 0 {
					members = append(members, s.Covariates[i])
				}
			}
			if len(members) != size {
				continue
			}
			out = append(out, levelCombos(members)...)
		}
	}
	return out
}

func levelCombos(members []panel.CovariateSpec) [][]LevelAssignment {
	combos := [][]LevelAssignment{nil}
	for _, m := range members {
		var next [][]LevelAssignment
		for _, prefix := range combos {
			for _, lvl := range m.Levels[1:] { // skip the reference level
				combo := make([]LevelAssignment, len(prefix), len(prefix)+1)
				copy(combo, prefix)
				combo = append(combo, LevelAssignment{Cov: m.Name, Level: lvl})
				next = append(next, combo)
			}
		}
		combos = next
	}
	return combos
}

// Terms enumerates every event-time regressor of the specification in
// deterministic order: for each relative year the base dummy, then all
// interaction cells.
func (s ModelSpec) Terms() []Term {
	subsets := s.SubsetLevels()
	var terms []Term
	for _, rel := range s.RelativeYears() {
		terms = append(terms, Term{Rel: rel})
		for _, levels := range subsets {
			terms = append(terms, Term{Rel: rel, Levels: levels})
		}
	}
	return terms
}
