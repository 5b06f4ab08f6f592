// Package extract turns a fitted event-study model into a medium-run effect
// lookup table: the base lag coefficients and every interaction cell,
// averaged over a fixed window of post-reform relative years, keyed by typed
// (covariate, level) tuples. Missing coefficients (empty interaction cells)
// are substituted with zero by explicit policy and recorded for audit.
package extract

import (
	"fmt"
	"log/slog"
	"strings"

	apperrors "reformlab/internal/errors"
	"reformlab/internal/eventstudy"
	"reformlab/internal/panel"
)

// Window is the inclusive span of post-reform relative years averaged into
// the medium-run effect.
type Window struct {
	From, To int
}

// Validate checks the window against a model specification.
func (w Window) Validate(spec eventstudy.ModelSpec) error {
	if w.From > w.To {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "averaging window is empty: from=%d > to=%d", w.From, w.To)
	}
	if w.From < 0 {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "averaging window starts pre-reform at %d", w.From)
	}
	if w.To > spec.LagWindow {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "averaging window end %d exceeds lag window %d", w.To, spec.LagWindow)
	}
	return nil
}

// Years returns the relative years in the window.
func (w Window) Years() []int {
	years := make([]int, 0, w.To-w.From+1)
	for rel := w.From; rel <= w.To; rel++ {
		years = append(years, rel)
	}
	return years
}

// CellKey identifies one interaction cell (a combination of covariate
// levels) independent of relative year, e.g. "spend_quartile=2" or
// "spend_quartile=2|reform_type=1".
type CellKey string

func cellKey(levels []eventstudy.LevelAssignment) CellKey {
	parts := make([]string, len(levels))
	for i, la := range levels {
		parts[i] = fmt.Sprintf("%s=%d", la.Cov, la.Level)
	}
	return CellKey(strings.Join(parts, "|"))
}

// EffectTable is the per-fold lookup produced by extraction: one base
// average plus one scalar per interaction cell.
type EffectTable struct {
	Window     Window
	Covariates []panel.CovariateSpec

	Base           float64
	BaseZeroFilled bool

	// Effects holds the averaged effect for every declared non-reference
	// cell, including cells whose every coefficient was substituted (their
	// value is exactly zero).
	Effects map[CellKey]float64
	// ZeroFilled marks cells whose average includes at least one
	// substituted-zero coefficient.
	ZeroFilled map[CellKey]bool

	// Substituted lists every term whose coefficient was replaced by zero,
	// for the audit trail.
	Substituted []eventstudy.TermKey
}

// FromFit builds the effect table for one fitted model.
func FromFit(fit *eventstudy.Fit, w Window, logger *slog.Logger) (*EffectTable, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := w.Validate(fit.Spec); err != nil {
		return nil, err
	}

	t := &EffectTable{
		Window:     w,
		Covariates: fit.Spec.Covariates,
		Effects:    make(map[CellKey]float64),
		ZeroFilled: make(map[CellKey]bool),
	}

	avg := func(levels []eventstudy.LevelAssignment) (float64, bool) {
		var sum float64
		substituted := false
		for _, rel := range w.Years() {
			term := eventstudy.Term{Rel: rel, Levels: levels}
			if v, ok := fit.Coefficient(term); ok {
				sum += v
				continue
			}
			// Empty cell: zero by policy, recorded for audit.
			substituted = true
			t.Substituted = append(t.Substituted, term.Key())
		}
		return sum / float64(len(w.Years())), substituted
	}

	t.Base, t.BaseZeroFilled = avg(nil)
	for _, levels := range fit.Spec.SubsetLevels() {
		v, sub := avg(levels)
		key := cellKey(levels)
		t.Effects[key] = v
		if sub {
			t.ZeroFilled[key] = true
		}
	}

	if len(t.Substituted) > 0 {
		logger.Warn("substituted zero for missing coefficients",
			slog.String("code", string(apperrors.CodeMissingCoefficient)),
			slog.Int("terms", len(t.Substituted)),
		)
	}
	return t, nil
}

// Predict assembles the predicted effect for a unit with the given baseline
// levels: base average plus, for every non-empty covariate subset, the
// effect of the realized cell. A subset containing a reference level
// contributes zero (its cell is the omitted baseline). The third return is
// false when any required covariate is unobserved: the prediction is then
// missing and must stay missing.
func (t *EffectTable) Predict(baseline map[panel.Covariate]int) (effect float64, zeroTouched bool, ok bool) {
	for _, c := range t.Covariates {
		if _, present := baseline[c.Name]; !present {
			return 0, false, false
		}
	}

	effect = t.Base
	zeroTouched = t.BaseZeroFilled

	n := len(t.Covariates)
	for mask := 1; mask < 1<<n; mask++ {
		var levels []eventstudy.LevelAssignment
		onReference := false
		for i := 0; i < n; i++ {
			if mask&(1<<i) == 0 {
				continue
			}
			c := t.Covariates[i]
			lvl := baseline[c.Name]
			if lvl == c.Reference() {
				onReference = true
				break
			}
			levels = append(levels, eventstudy.LevelAssignment{Cov: c.Name, Level: lvl})
		}
		if onReference {
			continue
		}
		key := cellKey(levels)
		v, present := t.Effects[key]
		if !present {
			// An undeclared level combination cannot be priced; treat the
			// baseline as incomplete rather than silently zero.
			return 0, false, false
		}
		effect += v
		if t.ZeroFilled[key] {
			zeroTouched = true
		}
	}
	return effect, zeroTouched, true
}
