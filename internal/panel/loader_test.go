package panel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCSV(t *testing.T) {
	data := `unit_id,fold_id,time_period,outcome,weight,ever_treated,reform_year,spend_quartile,income_quartile,reform_type
d1,AL,1980,8.21,1200,1,1975,2,3,1
d1,AL,1981,8.25,1200,1,1975,2,3,1
c1,AL,1980,8.10,900,0,,,,
d2,GA,1980,,1500,1,1978,4,,0
`
	p, err := ReadCSV(strings.NewReader(data), nil)
	require.NoError(t, err)

	assert.Equal(t, 4, p.Len())
	assert.Equal(t, []string{"c1", "d1", "d2"}, p.UnitIDs())
	assert.Equal(t, []string{"AL", "GA"}, p.Folds())

	d1, _ := p.Unit("d1")
	assert.True(t, d1.EverTreated)
	assert.Equal(t, 1975, d1.ReformYear)
	assert.Equal(t, map[Covariate]int{CovSpendQuartile: 2, CovIncomeQuartile: 3, CovReformType: 1}, d1.Baseline)

	c1, _ := p.Unit("c1")
	assert.False(t, c1.EverTreated)
	assert.Empty(t, c1.Baseline)

	// Missing outcome parses as NaN, missing covariates stay unobserved.
	d2, _ := p.Unit("d2")
	assert.Equal(t, map[Covariate]int{CovSpendQuartile: 4, CovReformType: 0}, d2.Baseline)
	var d2obs *Observation
	for i := 0; i < p.Len(); i++ {
		o := p.Obs(i)
		if o.UnitID == "d2" {
			d2obs = &o
		}
	}
	require.NotNil(t, d2obs)
	assert.False(t, d2obs.HasOutcome())
}

func TestReadCSVIgnoresIndicatorColumns(t *testing.T) {
	// Precomputed lead/lag indicator columns carry no authority: event time
	// always derives from reform_year, even when the file's indicators
	// disagree with it.
	data := `unit_id,fold_id,time_period,outcome,weight,ever_treated,reform_year,lag_3,lead_2
d1,AL,1980,8.21,1,1,1978,1,1
`
	p, err := ReadCSV(strings.NewReader(data), nil)
	require.NoError(t, err)

	o := p.Obs(0)
	rel, ok := o.EventTime()
	require.True(t, ok)
	assert.Equal(t, 2, rel)
}

func TestReadCSVHeaderVariants(t *testing.T) {
	t.Run("BOM and mixed case", func(t *testing.T) {
		data := "\ufeffUnit_ID,Fold_ID,Time_Period,Outcome,Weight,Ever_Treated,Reform_Year\n" +
			"d1,AL,1980,8.2,1,true,1975\n"
		p, err := ReadCSV(strings.NewReader(data), nil)
		require.NoError(t, err)
		assert.Equal(t, 1, p.Len())
	})

	t.Run("missing required column", func(t *testing.T) {
		data := "unit_id,time_period,outcome,weight,ever_treated,reform_year\nd1,1980,8.2,1,1,1975\n"
		_, err := ReadCSV(strings.NewReader(data), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fold_id")
	})
}

func TestReadCSVBadValues(t *testing.T) {
	header := "unit_id,fold_id,time_period,outcome,weight,ever_treated,reform_year\n"
	tests := []struct {
		name string
		row  string
	}{
		{"bad period", "d1,AL,eighty,8.2,1,1,1975\n"},
		{"bad outcome", "d1,AL,1980,lots,1,1,1975\n"},
		{"bad weight", "d1,AL,1980,8.2,heavy,1,1975\n"},
		{"bad treated flag", "d1,AL,1980,8.2,1,maybe,1975\n"},
		{"treated without reform year", "d1,AL,1980,8.2,1,1,\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(header+tt.row), nil)
			require.Error(t, err)
		})
	}
}

func TestSynthDeterminism(t *testing.T) {
	spec := SynthSpec{
		Seed:            42,
		Folds:           []string{"AL", "GA"},
		TreatedPerFold:  3,
		ControlsPerFold: 2,
		FirstYear:       1970,
		LastYear:        1990,
		ReformYear:      1975,
		Covariates: []CovariateSpec{
			{Name: CovSpendQuartile, Levels: []int{1, 2, 3, 4}},
		},
		BaseEffect: func(rel int) float64 {
			if rel >= 0 {
				return 0.1
			}
			return 0
		},
		Noise: 0.05,
	}

	a := Generate(spec)
	b := Generate(spec)
	require.Equal(t, a.Len(), b.Len())
	for i := 0; i < a.Len(); i++ {
		assert.Equal(t, a.Obs(i), b.Obs(i))
	}

	assert.Equal(t, []string{"AL", "GA"}, a.Folds())
	assert.Len(t, a.FoldUnits("AL"), 5)
}

func TestValidateReport(t *testing.T) {
	spec := SynthSpec{
		Seed:            7,
		Folds:           []string{"AL", "GA", "TX"},
		TreatedPerFold:  2,
		ControlsPerFold: 1,
		FirstYear:       1970,
		LastYear:        1990,
		ReformYear:      1976,
		Covariates:      []CovariateSpec{{Name: CovSpendQuartile, Levels: []int{1, 2, 3, 4}}},
	}
	p := Generate(spec)

	r := p.Validate(5, 14, spec.Covariates)
	assert.True(t, r.OK(), "issues: %v", r.Issues)
	assert.Equal(t, 6, r.Treated)
	assert.Equal(t, 3, r.Controls)
	assert.Empty(t, r.UnbalancedTreated)
	assert.Empty(t, r.IncompleteBaseline)
	assert.Empty(t, r.FoldsWithoutTreat)

	// A window wider than the data flags every treated unit.
	r2 := p.Validate(10, 17, spec.Covariates)
	assert.Len(t, r2.UnbalancedTreated, 6)
}
