// Package hetero classifies units into treatment-effect heterogeneity
// groups from the assembled prediction table and re-estimates the
// event-study separately per group.
package hetero

import (
	"log/slog"
	"sort"

	"gonum.org/v1/gonum/stat"

	apperrors "reformlab/internal/errors"
	"reformlab/internal/panel"
)

// Policy selects the classification rule.
type Policy string

const (
	// PolicySign splits on the sign of the predicted effect: strictly
	// positive is High, everything else Low.
	PolicySign Policy = "sign"
	// PolicyRank splits on the predicted-effect distribution among
	// ever-treated units.
	PolicyRank Policy = "rank"
)

// RankSplit refines the rank policy.
type RankSplit string

const (
	// RankHalf labels the top two quartiles High and the bottom two Low.
	RankHalf RankSplit = "half"
	// RankQuartile assigns quartile labels q1..q4.
	RankQuartile RankSplit = "quartile"
)

// Group labels for the binary split. Low is the reference group and always
// receives never-treated units.
const (
	GroupLow  = "low"
	GroupHigh = "high"
)

// Config parameterizes classification. The threshold policy is deliberately
// configurable rather than fixed.
type Config struct {
	Policy         Policy
	RankSplit      RankSplit
	FallbackToRank bool
}

// Classification is the result of a heterogeneity split. Every classified
// unit carries exactly one label from Groups; Groups[0] is the reference
// label. Treated units without a prediction stay unclassified (absent from
// Labels) and are excluded from grouped re-estimation.
type Classification struct {
	Labels map[string]string
	Groups []string

	// EffectivePolicy is the rule actually applied, after any fallback.
	EffectivePolicy Policy
	FellBack        bool
	Unclassified    []string
	Warnings        []string
}

// Classify assigns each unit of the panel a heterogeneity group from its
// predicted effect. effects maps unit ID to the unit's (jackknifed)
// predicted effect; treated units absent from effects stay unclassified.
// Never-treated units always receive the reference label regardless of any
// prediction.
func Classify(p *panel.Panel, effects map[string]float64, cfg Config, logger *slog.Logger) (*Classification, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var treated []scoredUnit
	var controls []string
	var unclassified []string
	for _, id := range p.UnitIDs() {
		u, _ := p.Unit(id)
		if !u.EverTreated {
			controls = append(controls, id)
			continue
		}
		e, ok := effects[id]
		if !ok {
			unclassified = append(unclassified, id)
			continue
		}
		treated = append(treated, scoredUnit{unit: id, effect: e})
	}
	if len(treated) == 0 {
		return nil, apperrors.New(apperrors.CodeDegenerateClassification, "no treated unit has a prediction to classify")
	}

	cls := &Classification{
		Labels:          make(map[string]string, len(treated)+len(controls)),
		EffectivePolicy: cfg.Policy,
		Unclassified:    unclassified,
	}

	policy := cfg.Policy
	if policy == PolicySign {
		high := 0
		for _, s := range treated {
			if s.effect > 0 {
				high++
			}
		}
		if high == 0 || high == len(treated) {
			warning := apperrors.Newf(apperrors.CodeDegenerateClassification,
				"sign split puts all %d treated units in one group", len(treated)).Error()
			cls.Warnings = append(cls.Warnings, warning)
			logger.Warn("degenerate sign classification",
				slog.Int("treated", len(treated)),
				slog.Int("positive", high),
				slog.Bool("fallback_to_rank", cfg.FallbackToRank),
			)
			if !cfg.FallbackToRank {
				return nil, apperrors.Newf(apperrors.CodeDegenerateClassification,
					"sign split puts all %d treated units in one group and rank fallback is disabled", len(treated))
			}
			policy = PolicyRank
			cls.FellBack = true
		}
	}
	cls.EffectivePolicy = policy

	switch policy {
	case PolicySign:
		cls.Groups = []string{GroupLow, GroupHigh}
		for _, s := range treated {
			if s.effect > 0 {
				cls.Labels[s.unit] = GroupHigh
			} else {
				cls.Labels[s.unit] = GroupLow
			}
		}
	case PolicyRank:
		quartiles := rankQuartiles(treated)
		if cfg.RankSplit == RankQuartile {
			cls.Groups = []string{"q1", "q2", "q3", "q4"}
			for _, s := range treated {
				cls.Labels[s.unit] = cls.Groups[quartiles[s.unit]-1]
			}
		} else {
			cls.Groups = []string{GroupLow, GroupHigh}
			for _, s := range treated {
				if quartiles[s.unit] >= 3 {
					cls.Labels[s.unit] = GroupHigh
				} else {
					cls.Labels[s.unit] = GroupLow
				}
			}
		}
	default:
		return nil, apperrors.Newf(apperrors.CodeInvalidConfig, "unknown classification policy %q", cfg.Policy)
	}

	// Controls are the common control arm: always the reference group.
	for _, id := range controls {
		cls.Labels[id] = cls.Groups[0]
	}
	return cls, nil
}

type scoredUnit struct {
	unit   string
	effect float64
}

// rankQuartiles assigns quartiles 1..4 of the effect distribution. Ties
// resolve by stable unit-ID order, so reruns are bit-identical.
func rankQuartiles(treated []scoredUnit) map[string]int {
	sorted := make([]scoredUnit, len(treated))
	copy(sorted, treated)
	sort.SliceStable(sorted, func(a, b int) bool {
		if sorted[a].effect != sorted[b].effect {
			return sorted[a].effect < sorted[b].effect
		}
		return sorted[a].unit < sorted[b].unit
	})

	values := make([]float64, len(sorted))
	for i, s := range sorted {
		values[i] = s.effect
	}
	cut := [3]float64{
		stat.Quantile(0.25, stat.Empirical, values, nil),
		stat.Quantile(0.50, stat.Empirical, values, nil),
		stat.Quantile(0.75, stat.Empirical, values, nil),
	}

	out := make(map[string]int, len(sorted))
	for _, s := range sorted {
		q := 1
		for _, c := range cut {
			if s.effect > c {
				q++
			}
		}
		out[s.unit] = q
	}
	return out
}
