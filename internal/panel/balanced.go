package panel

import "sort"

// Balanced returns a new panel keeping only units that satisfy the balanced
// observation-window requirement: an ever-treated unit must have a
// non-missing outcome for every relative year in [-lead, lag]. Never-treated
// units are exempt and kept as-is; they serve as always-eligible controls.
// The second return value lists the units dropped, in sorted order.
func (p *Panel) Balanced(lead, lag int) (*Panel, []string) {
	keep := make(map[string]bool, len(p.units))
	var dropped []string

	for _, id := range p.unitIDs {
		u := p.units[id]
		if !u.EverTreated {
			keep[id] = true
			continue
		}
		if p.hasCompleteWindow(u, lead, lag) {
			keep[id] = true
		} else {
			dropped = append(dropped, id)
		}
	}

	obs := make([]Observation, 0, len(p.obs))
	for _, o := range p.obs {
		if keep[o.UnitID] {
			obs = append(obs, o)
		}
	}
	sort.Strings(dropped)

	// Re-indexing observations that already passed New cannot fail.
	out, err := New(obs)
	if err != nil {
		panic(err)
	}
	return out, dropped
}

func (p *Panel) hasCompleteWindow(u *Unit, lead, lag int) bool {
	observed := make(map[int]bool, len(u.obs))
	for _, i := range u.obs {
		o := p.obs[i]
		if o.HasOutcome() {
			observed[o.Period-u.ReformYear] = true
		}
	}
	for rel := -lead; rel <= lag; rel++ {
		if !observed[rel] {
			return false
		}
	}
	return true
}

// WithUnitLevels returns a derived panel whose units carry an additional
// baseline covariate level, given per unit. Units missing from levels are
// dropped from the derived panel (they cannot enter a regression that
// conditions on the new covariate). The base panel is not modified.
func (p *Panel) WithUnitLevels(cov Covariate, levels map[string]int) *Panel {
	obs := make([]Observation, 0, len(p.obs))
	for _, o := range p.obs {
		lvl, ok := levels[o.UnitID]
		if !ok {
			continue
		}
		b := copyBaseline(o.Baseline)
		b[cov] = lvl
		o.Baseline = b
		obs = append(obs, o)
	}
	out, err := New(obs)
	if err != nil {
		panic(err)
	}
	return out
}
