package panel

import (
	"fmt"
	"math/rand"
)

// SynthSpec parameterizes the synthetic panel generator used by tests and
// the demo mode. Generation is fully determined by Seed.
type SynthSpec struct {
	Seed            int64
	Folds           []string
	TreatedPerFold  int
	ControlsPerFold int

	FirstYear, LastYear int
	ReformYear          int

	Covariates []CovariateSpec

	// Effect hooks compose the outcome. Nil hooks contribute zero.
	UnitEffect  func(unitID string) float64
	YearEffect  func(year int) float64
	BaseEffect  func(rel int) float64
	Interaction func(cov Covariate, level, rel int) float64

	// LevelAssign fixes a unit's baseline levels; nil draws uniformly from
	// the declared levels.
	LevelAssign func(fold string, treatedIdx int) map[Covariate]int

	Noise float64
}

// Generate builds a synthetic balanced panel with known effects. Treated
// units all share ReformYear so the full [FirstYear, LastYear] span is a
// complete event window; controls span the same years with no event terms.
func Generate(spec SynthSpec) *Panel {
	rng := rand.New(rand.NewSource(spec.Seed))

	var obs []Observation
	for _, fold := range spec.Folds {
		for i := 0; i < spec.TreatedPerFold; i++ {
			unitID := fmt.Sprintf("%s-T%02d", fold, i)
			baseline := spec.assignLevels(rng, fold, i)
			obs = append(obs, spec.unitSeries(rng, unitID, fold, true, baseline)...)
		}
		for i := 0; i < spec.ControlsPerFold; i++ {
			unitID := fmt.Sprintf("%s-C%02d", fold, i)
			baseline := spec.assignLevels(rng, fold, -1)
			obs = append(obs, spec.unitSeries(rng, unitID, fold, false, baseline)...)
		}
	}

	p, err := New(obs)
	if err != nil {
		panic(err)
	}
	return p
}

func (spec SynthSpec) assignLevels(rng *rand.Rand, fold string, treatedIdx int) map[Covariate]int {
	if spec.LevelAssign != nil && treatedIdx >= 0 {
		return spec.LevelAssign(fold, treatedIdx)
	}
	out := make(map[Covariate]int, len(spec.Covariates))
	for _, c := range spec.Covariates {
		out[c.Name] = c.Levels[rng.Intn(len(c.Levels))]
	}
	return out
}

func (spec SynthSpec) unitSeries(rng *rand.Rand, unitID, fold string, treated bool, baseline map[Covariate]int) []Observation {
	var out []Observation
	for year := spec.FirstYear; year <= spec.LastYear; year++ {
		y := 0.0
		if spec.UnitEffect != nil {
			y += spec.UnitEffect(unitID)
		}
		if spec.YearEffect != nil {
			y += spec.YearEffect(year)
		}
		if treated {
			rel := year - spec.ReformYear
			if spec.BaseEffect != nil {
				y += spec.BaseEffect(rel)
			}
			if spec.Interaction != nil {
				for _, c := range spec.Covariates {
					y += spec.Interaction(c.Name, baseline[c.Name], rel)
				}
			}
		}
		if spec.Noise > 0 {
			y += rng.NormFloat64() * spec.Noise
		}

		o := Observation{
			UnitID:      unitID,
			FoldID:      fold,
			Period:      year,
			Outcome:     y,
			Weight:      1,
			EverTreated: treated,
			Baseline:    copyBaseline(baseline),
		}
		if treated {
			o.ReformYear = spec.ReformYear
		}
		out = append(out, o)
	}
	return out
}
