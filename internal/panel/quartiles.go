package panel

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// BaselineQuartiles assigns each unit a quartile (1..4) from its outcome in
// the reference year's cross-section, weighted by the observation weight.
// Units without an observed outcome in that year get no assignment. Cutpoints
// use deterministic empirical weighted quantiles; ties resolve by stable
// unit-ID order, so reruns are bit-identical.
func (p *Panel) BaselineQuartiles(year int) map[string]int {
	type entry struct {
		unit   string
		value  float64
		weight float64
	}
	var entries []entry
	for _, id := range p.unitIDs {
		u := p.units[id]
		for _, i := range u.obs {
			o := p.obs[i]
			if o.Period == year && o.HasOutcome() {
				w := o.Weight
				if w == 0 {
					w = 1
				}
				entries = append(entries, entry{unit: id, value: o.Outcome, weight: w})
				break
			}
		}
	}
	if len(entries) == 0 {
		return map[string]int{}
	}

	sort.SliceStable(entries, func(a, b int) bool {
		if entries[a].value != entries[b].value {
			return entries[a].value < entries[b].value
		}
		return entries[a].unit < entries[b].unit
	})

	values := make([]float64, len(entries))
	weights := make([]float64, len(entries))
	for i, e := range entries {
		values[i] = e.value
		weights[i] = e.weight
	}

	cut := [3]float64{
		stat.Quantile(0.25, stat.Empirical, values, weights),
		stat.Quantile(0.50, stat.Empirical, values, weights),
		stat.Quantile(0.75, stat.Empirical, values, weights),
	}

	out := make(map[string]int, len(entries))
	for _, e := range entries {
		q := 1
		for _, c := range cut {
			if e.value > c {
				q++
			}
		}
		out[e.unit] = q
	}
	return out
}
