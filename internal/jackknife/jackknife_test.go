package jackknife

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reformlab/internal/eventstudy"
	"reformlab/internal/extract"
	"reformlab/internal/panel"
)

const tol = 1e-8

func threeFoldPanel(covs []panel.CovariateSpec, interaction func(panel.Covariate, int, int) float64, assign func(string, int) map[panel.Covariate]int, controls int) *panel.Panel {
	return panel.Generate(panel.SynthSpec{
		Seed:            21,
		Folds:           []string{"A", "B", "C"},
		TreatedPerFold:  4,
		ControlsPerFold: controls,
		FirstYear:       1970,
		LastYear:        1985,
		ReformYear:      1975,
		Covariates:      covs,
		UnitEffect:      func(id string) float64 { return float64(len(id)) * 0.3 },
		YearEffect:      func(year int) float64 { return 0.015 * float64(year-1970) },
		Interaction:     interaction,
		LevelAssign:     assign,
	})
}

func newRunner(covs []panel.CovariateSpec) *Runner {
	spec := eventstudy.ModelSpec{
		LeadWindow:  5,
		LagWindow:   10,
		Covariates:  covs,
		ClusterBy:   eventstudy.ClusterByUnit,
		MinClusters: 2,
	}
	return NewRunner(spec, extract.Window{From: 2, To: 7}, 3, time.Minute, nil)
}

// Three folds, one two-level covariate, and a true interaction effect of
// exactly 1.0 for level 2 in every fold: every leave-one-out prediction for
// a level-2 unit must equal 1.0.
func TestJackknifeKnownInteraction(t *testing.T) {
	covs := []panel.CovariateSpec{{Name: panel.CovSpendQuartile, Levels: []int{1, 2}}}
	interaction := func(cov panel.Covariate, level, rel int) float64 {
		if level == 2 && rel >= 0 {
			return 1.0
		}
		return 0
	}
	assign := func(fold string, i int) map[panel.Covariate]int {
		return map[panel.Covariate]int{panel.CovSpendQuartile: 1 + i%2}
	}
	p := threeFoldPanel(covs, interaction, assign, 2)

	res, err := newRunner(covs).Run(context.Background(), p)
	require.NoError(t, err)
	require.Empty(t, res.FailedFolds())

	effects := UnitEffects(res.Predictions)
	for _, id := range p.UnitIDs() {
		u, _ := p.Unit(id)
		if !u.EverTreated {
			continue
		}
		got, ok := effects[id]
		require.True(t, ok, "treated unit %s has no prediction", id)
		switch u.Baseline[panel.CovSpendQuartile] {
		case 2:
			assert.InDelta(t, 1.0, got, tol, "unit %s", id)
		case 1:
			assert.InDelta(t, 0.0, got, tol, "unit %s", id)
		}
	}
}

// A covariate level observed only in fold A: the fit excluding A has an
// empty cell for it, so A's level-3 units get the base prediction with the
// zero-substitution flag, while the other folds' fits estimate the level
// normally.
func TestJackknifeEmptyCellSubstitution(t *testing.T) {
	covs := []panel.CovariateSpec{{Name: panel.CovReformType, Levels: []int{1, 2, 3}}}
	interaction := func(cov panel.Covariate, level, rel int) float64 {
		if level == 3 && rel >= 0 {
			return 0.7
		}
		return 0
	}
	assign := func(fold string, i int) map[panel.Covariate]int {
		if fold == "A" && i == 0 {
			return map[panel.Covariate]int{panel.CovReformType: 3}
		}
		return map[panel.Covariate]int{panel.CovReformType: 1 + i%2}
	}
	p := threeFoldPanel(covs, interaction, assign, 2)

	res, err := newRunner(covs).Run(context.Background(), p)
	require.NoError(t, err)
	require.Empty(t, res.FailedFolds())

	// The fit excluding fold A returns exactly zero for level 3.
	tableA := res.Tables["A"]
	require.NotNil(t, tableA)
	v, present := tableA.Effects[extract.CellKey("reform_type=3")]
	require.True(t, present)
	assert.Equal(t, 0.0, v)
	assert.True(t, tableA.ZeroFilled[extract.CellKey("reform_type=3")])

	// Fits that keep fold A in the sample estimate level 3 normally.
	for _, fold := range []string{"B", "C"} {
		table := res.Tables[fold]
		require.NotNil(t, table)
		assert.InDelta(t, 0.7, table.Effects[extract.CellKey("reform_type=3")], tol, "fold %s", fold)
		assert.False(t, table.ZeroFilled[extract.CellKey("reform_type=3")])
	}

	// The level-3 unit's own prediction comes from the excluding-A fit:
	// base only, flagged as zero-substituted.
	for _, pr := range res.Predictions {
		if pr.UnitID == "A-T00" {
			assert.InDelta(t, 0.0, pr.Effect, tol)
			assert.True(t, pr.ZeroSubstituted)
		}
	}
}

func TestJackknifeCoverageAndCompleteness(t *testing.T) {
	covs := []panel.CovariateSpec{{Name: panel.CovSpendQuartile, Levels: []int{1, 2}}}
	assign := func(fold string, i int) map[panel.Covariate]int {
		if fold == "B" && i == 1 {
			return map[panel.Covariate]int{} // incomplete baseline
		}
		return map[panel.Covariate]int{panel.CovSpendQuartile: 1 + i%2}
	}
	p := threeFoldPanel(covs, nil, assign, 2)

	res, err := newRunner(covs).Run(context.Background(), p)
	require.NoError(t, err)
	require.Empty(t, res.FailedFolds())

	type key struct {
		unit   string
		period int
	}
	seen := make(map[key]bool)
	for _, pr := range res.Predictions {
		k := key{pr.UnitID, pr.Period}
		assert.False(t, seen[k], "duplicate prediction for %v", k)
		seen[k] = true

		// Every prediction comes from the model excluding the unit's own fold.
		u, ok := p.Unit(pr.UnitID)
		require.True(t, ok)
		assert.Equal(t, u.FoldID, pr.FoldExcluded)
	}

	// Every unit with complete baseline covariates is covered; the one
	// incomplete unit is missing with a recorded reason.
	predicted := UnitEffects(res.Predictions)
	for _, id := range p.UnitIDs() {
		u, _ := p.Unit(id)
		_, has := predicted[id]
		if id == "B-T01" {
			assert.False(t, has, "incomplete unit must stay missing")
			continue
		}
		if u.EverTreated {
			assert.True(t, has, "unit %s dropped without reason", id)
		}
	}
	for _, rep := range res.Reports {
		if rep.FoldID == "B" {
			assert.Equal(t, 1, rep.MissingBaseline)
		} else {
			assert.Zero(t, rep.MissingBaseline)
		}
	}
}

func TestJackknifeIdempotence(t *testing.T) {
	covs := []panel.CovariateSpec{{Name: panel.CovSpendQuartile, Levels: []int{1, 2}}}
	assign := func(fold string, i int) map[panel.Covariate]int {
		return map[panel.Covariate]int{panel.CovSpendQuartile: 1 + i%2}
	}
	p := threeFoldPanel(covs, nil, assign, 2)
	runner := newRunner(covs)

	a, err := runner.Run(context.Background(), p)
	require.NoError(t, err)
	b, err := runner.Run(context.Background(), p)
	require.NoError(t, err)

	// Bit-identical predictions and effect tables across reruns; only the
	// run ID differs.
	assert.Equal(t, a.Predictions, b.Predictions)
	assert.Equal(t, a.Tables, b.Tables)
	assert.NotEqual(t, a.RunID, b.RunID)
}

func TestJackknifeFailedFoldIsSkipped(t *testing.T) {
	// Controls exist only in fold A: excluding A leaves an unidentified
	// design, so fold A fails while B and C complete.
	covs := []panel.CovariateSpec(nil)
	p := panel.Generate(panel.SynthSpec{
		Seed:           5,
		Folds:          []string{"B", "C"},
		TreatedPerFold: 4,
		FirstYear:      1970,
		LastYear:       1985,
		ReformYear:     1975,
		UnitEffect:     func(id string) float64 { return float64(len(id)) },
	})
	controls := panel.Generate(panel.SynthSpec{
		Seed:            6,
		Folds:           []string{"A"},
		TreatedPerFold:  1,
		ControlsPerFold: 4,
		FirstYear:       1970,
		LastYear:        1985,
		ReformYear:      1975,
		UnitEffect:      func(id string) float64 { return float64(len(id)) },
	})
	var obs []panel.Observation
	for i := 0; i < p.Len(); i++ {
		obs = append(obs, p.Obs(i))
	}
	for i := 0; i < controls.Len(); i++ {
		obs = append(obs, controls.Obs(i))
	}
	merged, err := panel.New(obs)
	require.NoError(t, err)

	res, err := newRunner(covs).Run(context.Background(), merged)
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, res.FailedFolds())
	for _, pr := range res.Predictions {
		assert.NotEqual(t, "A", pr.FoldExcluded, "failed fold must contribute no predictions")
	}
	for _, rep := range res.Reports {
		if rep.FoldID == "A" {
			assert.Equal(t, FoldFailed, rep.Status)
			assert.Contains(t, rep.Reason, "MODEL_FIT_FAILURE")
		} else {
			assert.Equal(t, FoldCompleted, rep.Status)
		}
	}
}

func TestJackknifeFoldTimeout(t *testing.T) {
	covs := []panel.CovariateSpec(nil)
	p := threeFoldPanel(nil, nil, nil, 2)

	spec := eventstudy.ModelSpec{
		LeadWindow:  5,
		LagWindow:   10,
		Covariates:  covs,
		ClusterBy:   eventstudy.ClusterByUnit,
		MinClusters: 2,
	}
	runner := NewRunner(spec, extract.Window{From: 2, To: 7}, 1, time.Nanosecond, nil)

	res, err := runner.Run(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, res.FailedFolds(), 3)
	for _, rep := range res.Reports {
		assert.Equal(t, FoldTimedOut, rep.Status)
		assert.Contains(t, rep.Reason, "FOLD_TIMEOUT")
	}
}

func TestRunFullSample(t *testing.T) {
	covs := []panel.CovariateSpec{{Name: panel.CovSpendQuartile, Levels: []int{1, 2}}}
	interaction := func(cov panel.Covariate, level, rel int) float64 {
		if level == 2 && rel >= 0 {
			return 0.8
		}
		return 0
	}
	assign := func(fold string, i int) map[panel.Covariate]int {
		return map[panel.Covariate]int{panel.CovSpendQuartile: 1 + i%2}
	}
	p := threeFoldPanel(covs, interaction, assign, 2)

	res, err := newRunner(covs).RunFullSample(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, res.Reports, 1)
	assert.Equal(t, FoldCompleted, res.Reports[0].Status)

	effects := UnitEffects(res.Predictions)
	for _, id := range p.UnitIDs() {
		u, _ := p.Unit(id)
		if !u.EverTreated {
			continue
		}
		if u.Baseline[panel.CovSpendQuartile] == 2 {
			assert.InDelta(t, 0.8, effects[id], tol)
		} else {
			assert.InDelta(t, 0.0, effects[id], tol)
		}
	}
	for _, pr := range res.Predictions {
		assert.Equal(t, FullSampleFold, pr.FoldExcluded)
	}
}

func TestRunRejectsSingleFoldPanel(t *testing.T) {
	p := panel.Generate(panel.SynthSpec{
		Seed:            9,
		Folds:           []string{"A"},
		TreatedPerFold:  2,
		ControlsPerFold: 2,
		FirstYear:       1970,
		LastYear:        1985,
		ReformYear:      1975,
	})
	_, err := newRunner(nil).Run(context.Background(), p)
	require.Error(t, err)
}
