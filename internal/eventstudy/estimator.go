package eventstudy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	apperrors "reformlab/internal/errors"
	"reformlab/internal/panel"
)

// maxConditionNumber bounds the normal-equation condition number accepted as
// an identified fit. Beyond it the design is treated as rank deficient.
const maxConditionNumber = 1e12

// Estimator fits weighted fixed-effects event-study regressions.
type Estimator struct {
	logger *slog.Logger
}

// NewEstimator creates an estimator. A nil logger falls back to
// slog.Default().
func NewEstimator(logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{logger: logger}
}

// Fit holds a fitted model: point estimates for every identified event-time
// term, the set of empty-cell terms pruned from the design (their
// coefficients are zero by policy), and the cluster-robust covariance needed
// for delta-method linear combinations.
type Fit struct {
	Spec ModelSpec

	// Coef maps each estimated event-time term to its point estimate.
	Coef map[TermKey]float64
	// Dropped records terms whose design column had no observations in this
	// sample (empty interaction cells). Their coefficient is zero by
	// explicit policy, not estimation.
	Dropped map[TermKey]bool

	NObs      int
	NUnits    int
	NClusters int
	// ExcludedUnits lists treated units removed from the estimation sample
	// because one or more baseline covariates were unobserved.
	ExcludedUnits []string

	index map[TermKey]int
	vcov  *mat.Dense
}

type rowData struct {
	y, w     float64
	unit     int
	cluster  int
	period   int
	rel      int
	hasRel   bool
	baseline map[panel.Covariate]int
}

// Fit estimates the model on the given sample. It returns a typed
// MODEL_FIT_FAILURE error when the design is rank deficient after empty-cell
// pruning, when too few clusters remain, or when the solve is non-finite.
func (e *Estimator) Fit(ctx context.Context, sample *panel.Sample, spec ModelSpec) (*Fit, error) {
	start := time.Now()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	rows, excluded, unitCount, clusterCount, periods := e.collectRows(sample, spec)
	if len(rows) == 0 {
		return nil, apperrors.New(apperrors.CodeModelFitFailure, "estimation sample is empty")
	}
	if clusterCount < spec.MinClusters {
		return nil, apperrors.Newf(apperrors.CodeModelFitFailure,
			"only %d clusters in estimation sample, need at least %d", clusterCount, spec.MinClusters)
	}

	terms := spec.Terms()
	design := e.buildDesign(rows, spec, terms, periods)

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fit cancelled: %w", ctx.Err())
	default:
	}

	fit := &Fit{
		Spec:          spec,
		Coef:          make(map[TermKey]float64, len(design.keptTerms)),
		Dropped:       make(map[TermKey]bool, len(design.droppedTerms)),
		NObs:          len(rows),
		NUnits:        unitCount,
		NClusters:     clusterCount,
		ExcludedUnits: excluded,
		index:         make(map[TermKey]int, len(design.keptTerms)),
	}
	for _, k := range design.droppedTerms {
		fit.Dropped[k] = true
	}

	k := design.ncols
	dof := len(rows) - k - unitCount
	if dof <= 0 {
		return nil, apperrors.Newf(apperrors.CodeModelFitFailure,
			"insufficient degrees of freedom: n=%d, columns=%d, absorbed units=%d", len(rows), k, unitCount)
	}

	demeanWithinUnit(rows, design.cols, unitCount)

	coefs, vcov, err := solveClustered(rows, design.cols, clusterCount, unitCount)
	if err != nil {
		return nil, err
	}

	for j, key := range design.keptTerms {
		if math.IsNaN(coefs[j]) || math.IsInf(coefs[j], 0) {
			return nil, apperrors.Newf(apperrors.CodeModelFitFailure, "non-finite coefficient for term %s", key)
		}
		fit.Coef[key] = coefs[j]
		fit.index[key] = j
	}
	fit.vcov = vcov

	e.logger.DebugContext(ctx, "event-study fit completed",
		slog.Int("n_obs", fit.NObs),
		slog.Int("n_units", fit.NUnits),
		slog.Int("n_clusters", fit.NClusters),
		slog.Int("estimated_terms", len(fit.Coef)),
		slog.Int("empty_cells", len(fit.Dropped)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return fit, nil
}

func (e *Estimator) collectRows(sample *panel.Sample, spec ModelSpec) (rows []rowData, excluded []string, unitCount, clusterCount int, periods []int) {
	unitIdx := make(map[string]int)
	clusterIdx := make(map[string]int)
	periodSet := make(map[int]bool)
	excludedSet := make(map[string]bool)

	for i := 0; i < sample.Len(); i++ {
		o := sample.At(i)
		if !o.HasOutcome() || o.Weight <= 0 {
			continue
		}
		if o.EverTreated && !hasAllLevels(o.Baseline, spec.Covariates) {
			excludedSet[o.UnitID] = true
			continue
		}

		u, ok := unitIdx[o.UnitID]
		if !ok {
			u = len(unitIdx)
			unitIdx[o.UnitID] = u
		}
		clusterName := o.UnitID
		if spec.ClusterBy == ClusterByFold {
			clusterName = o.FoldID
		}
		c, ok := clusterIdx[clusterName]
		if !ok {
			c = len(clusterIdx)
			clusterIdx[clusterName] = c
		}
		periodSet[o.Period] = true

		row := rowData{
			y:        o.Outcome,
			w:        o.Weight,
			unit:     u,
			cluster:  c,
			period:   o.Period,
			baseline: o.Baseline,
		}
		if rel, ok := o.EventTime(); ok {
			row.rel = panel.BinEventTime(rel, spec.LeadWindow, spec.LagWindow)
			row.hasRel = true
		}
		rows = append(rows, row)
	}

	for p := range periodSet {
		periods = append(periods, p)
	}
	sort.Ints(periods)
	for id := range excludedSet {
		excluded = append(excluded, id)
	}
	sort.Strings(excluded)
	return rows, excluded, len(unitIdx), len(clusterIdx), periods
}

func hasAllLevels(baseline map[panel.Covariate]int, specs []panel.CovariateSpec) bool {
	for _, s := range specs {
		if _, ok := baseline[s.Name]; !ok {
			return false
		}
	}
	return true
}

type designMatrix struct {
	// cols holds one dense column per kept regressor: kept event terms
	// first, then period dummies.
	cols  [][]float64
	ncols int
	// keptTerms names the event-term columns, aligned with cols.
	keptTerms    []TermKey
	droppedTerms []TermKey
}

func (e *Estimator) buildDesign(rows []rowData, spec ModelSpec, terms []Term, periods []int) *designMatrix {
	n := len(rows)

	// Materialize every event-term column, then prune empty cells.
	raw := make([][]float64, len(terms))
	nonzero := make([]bool, len(terms))
	for j, t := range terms {
		col := make([]float64, n)
		for i, row := range rows {
			if !row.hasRel || row.rel != t.Rel {
				continue
			}
			match := true
			for _, la := range t.Levels {
				if row.baseline[la.Cov] != la.Level {
					match = false
					break
				}
			}
			if match {
				col[i] = 1
				nonzero[j] = true
			}
		}
		raw[j] = col
	}

	d := &designMatrix{}
	for j, t := range terms {
		if nonzero[j] {
			d.cols = append(d.cols, raw[j])
			d.keptTerms = append(d.keptTerms, t.Key())
		} else {
			d.droppedTerms = append(d.droppedTerms, t.Key())
		}
	}

	// Period fixed effects, first period as reference.
	for _, p := range periods[1:] {
		col := make([]float64, n)
		for i, row := range rows {
			if row.period == p {
				col[i] = 1
			}
		}
		d.cols = append(d.cols, col)
	}

	d.ncols = len(d.cols)
	return d
}

// demeanWithinUnit absorbs unit fixed effects by subtracting the weighted
// unit mean from the outcome and every design column.
func demeanWithinUnit(rows []rowData, cols [][]float64, unitCount int) {
	wsum := make([]float64, unitCount)
	ysum := make([]float64, unitCount)
	for _, row := range rows {
		wsum[row.unit] += row.w
		ysum[row.unit] += row.w * row.y
	}
	for i := range rows {
		rows[i].y -= ysum[rows[i].unit] / wsum[rows[i].unit]
	}
	xsum := make([]float64, unitCount)
	for _, col := range cols {
		for j := range xsum {
			xsum[j] = 0
		}
		for i, row := range rows {
			xsum[row.unit] += row.w * col[i]
		}
		for i, row := range rows {
			col[i] -= xsum[row.unit] / wsum[row.unit]
		}
	}
}

// solveClustered runs the weighted least-squares solve on the demeaned data
// and computes the cluster-robust sandwich covariance.
func solveClustered(rows []rowData, cols [][]float64, clusterCount, unitCount int) ([]float64, *mat.Dense, error) {
	n := len(rows)
	k := len(cols)

	// Normal equations A = X'WX, r = X'Wy on the demeaned data.
	a := mat.NewSymDense(k, nil)
	r := make([]float64, k)
	for p := 0; p < k; p++ {
		for q := p; q < k; q++ {
			var s float64
			for i, row := range rows {
				s += row.w * cols[p][i] * cols[q][i]
			}
			a.SetSym(p, q, s)
		}
		for i, row := range rows {
			r[p] += row.w * cols[p][i] * rows[i].y
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, nil, apperrors.New(apperrors.CodeModelFitFailure, "design matrix is rank deficient after empty-cell pruning")
	}
	if cond := chol.Cond(); cond > maxConditionNumber {
		return nil, nil, apperrors.Newf(apperrors.CodeModelFitFailure, "design matrix is near singular (condition number %.3g)", cond)
	}

	coefVec := mat.NewVecDense(k, nil)
	if err := chol.SolveVecTo(coefVec, mat.NewVecDense(k, r)); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.CodeModelFitFailure, "normal-equation solve failed", err)
	}
	coefs := make([]float64, k)
	for j := 0; j < k; j++ {
		coefs[j] = coefVec.AtVec(j)
	}

	// Residuals in the demeaned space.
	resid := make([]float64, n)
	for i, row := range rows {
		pred := 0.0
		for j := 0; j < k; j++ {
			pred += cols[j][i] * coefs[j]
		}
		resid[i] = row.y - pred
	}

	// Cluster sandwich: meat = sum_g s_g s_g', s_g = sum_{i in g} w_i x_i e_i.
	scores := make([][]float64, clusterCount)
	for g := range scores {
		scores[g] = make([]float64, k)
	}
	for i, row := range rows {
		we := row.w * resid[i]
		s := scores[row.cluster]
		for j := 0; j < k; j++ {
			s[j] += we * cols[j][i]
		}
	}
	meat := mat.NewDense(k, k, nil)
	for _, s := range scores {
		for p := 0; p < k; p++ {
			if s[p] == 0 {
				continue
			}
			for q := 0; q < k; q++ {
				meat.Set(p, q, meat.At(p, q)+s[p]*s[q])
			}
		}
	}

	var ainv mat.SymDense
	if err := chol.InverseTo(&ainv); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.CodeModelFitFailure, "normal-equation inverse failed", err)
	}

	// Small-sample correction in the usual G/(G-1) * (N-1)/(N-K) form, with
	// absorbed unit effects counted in K.
	g := float64(clusterCount)
	kTotal := float64(k + unitCount)
	c := (g / (g - 1)) * (float64(n) - 1) / (float64(n) - kTotal)

	var tmp, vcov mat.Dense
	tmp.Mul(&ainv, meat)
	vcov.Mul(&tmp, &ainv)
	vcov.Scale(c, &vcov)

	return coefs, &vcov, nil
}

// Coefficient returns the point estimate for a term estimated in this fit.
// The second return is false when the term was not estimated, either pruned
// as an empty cell (see IsDropped) or not part of the specification.
func (f *Fit) Coefficient(t Term) (float64, bool) {
	v, ok := f.Coef[t.Key()]
	return v, ok
}

// IsDropped reports whether the term was pruned as an empty interaction
// cell, making its coefficient zero by policy.
func (f *Fit) IsDropped(t Term) bool {
	return f.Dropped[t.Key()]
}

// StandardError returns the cluster-robust standard error for an estimated
// term.
func (f *Fit) StandardError(t Term) (float64, bool) {
	j, ok := f.index[t.Key()]
	if !ok {
		return 0, false
	}
	return math.Sqrt(f.vcov.At(j, j)), true
}

// LinearCombination computes sum_i weights[i] * coef(terms[i]) with its
// delta-method standard error. Terms pruned as empty cells contribute zero
// with zero variance. A term outside the specification is an error.
func (f *Fit) LinearCombination(terms []Term, weights []float64) (est, se float64, err error) {
	if len(terms) != len(weights) {
		return 0, 0, fmt.Errorf("terms and weights length mismatch: %d vs %d", len(terms), len(weights))
	}
	c := make([]float64, f.vcov.RawMatrix().Rows)
	for i, t := range terms {
		key := t.Key()
		if j, ok := f.index[key]; ok {
			est += weights[i] * f.Coef[key]
			c[j] += weights[i]
			continue
		}
		if f.Dropped[key] {
			continue
		}
		return 0, 0, fmt.Errorf("term %s is not part of the fitted specification", key)
	}

	var v float64
	for p, cp := range c {
		if cp == 0 {
			continue
		}
		for q, cq := range c {
			if cq == 0 {
				continue
			}
			v += cp * f.vcov.At(p, q) * cq
		}
	}
	if v < 0 {
		v = 0
	}
	return est, math.Sqrt(v), nil
}
