package hetero

import (
	"context"
	"fmt"
	"log/slog"

	"reformlab/internal/eventstudy"
	"reformlab/internal/panel"
)

// CovHetGroup is the derived covariate carrying the heterogeneity group
// label in grouped re-estimation.
const CovHetGroup panel.Covariate = "het_group"

// GroupCoefficient is one point of a per-group dynamic trajectory: the
// composed effect of the group at one relative year, with its delta-method
// standard error. This table is the direct input to plotting.
type GroupCoefficient struct {
	Group    string
	Rel      int
	Estimate float64
	StdErr   float64
}

// ReEstimate refits the event-study with the classification's group label
// interacted with the event-time indicators, replacing the baseline
// covariates. The reference group's trajectory is the base coefficient
// alone; every other group composes base + interaction. Unclassified units
// are excluded from the estimation sample.
func ReEstimate(ctx context.Context, p *panel.Panel, cls *Classification, spec eventstudy.ModelSpec, logger *slog.Logger) ([]GroupCoefficient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	levelOf := make(map[string]int, len(cls.Groups))
	levels := make([]int, len(cls.Groups))
	for i, g := range cls.Groups {
		levelOf[g] = i
		levels[i] = i
	}
	unitLevels := make(map[string]int, len(cls.Labels))
	for unit, label := range cls.Labels {
		unitLevels[unit] = levelOf[label]
	}
	derived := p.WithUnitLevels(CovHetGroup, unitLevels)

	groupSpec := spec
	groupSpec.Covariates = []panel.CovariateSpec{{Name: CovHetGroup, Levels: levels}}

	fit, err := eventstudy.NewEstimator(logger).Fit(ctx, derived.All(), groupSpec)
	if err != nil {
		return nil, fmt.Errorf("grouped re-estimation: %w", err)
	}

	var out []GroupCoefficient
	for _, group := range cls.Groups {
		lvl := levelOf[group]
		for _, rel := range groupSpec.RelativeYears() {
			base := eventstudy.Term{Rel: rel}
			terms := []eventstudy.Term{base}
			weights := []float64{1}
			if lvl != 0 {
				terms = append(terms, eventstudy.Term{Rel: rel, Levels: []eventstudy.LevelAssignment{
					{Cov: CovHetGroup, Level: lvl},
				}})
				weights = append(weights, 1)
			}
			est, se, err := fit.LinearCombination(terms, weights)
			if err != nil {
				return nil, fmt.Errorf("compose trajectory for group %s at relative year %d: %w", group, rel, err)
			}
			out = append(out, GroupCoefficient{Group: group, Rel: rel, Estimate: est, StdErr: se})
		}
	}

	logger.InfoContext(ctx, "grouped re-estimation completed",
		slog.Int("groups", len(cls.Groups)),
		slog.Int("coefficients", len(out)),
		slog.Int("n_obs", fit.NObs),
	)
	return out, nil
}
