// Package jackknife orchestrates the leave-one-fold-out procedure: for each
// fold, fit the event-study model on the panel with that fold entirely
// removed, extract the medium-run effect table, and predict the effect for
// the excluded fold's units only. Fold runs are independent and execute on a
// bounded worker pool; the assembled prediction table is deterministic
// regardless of scheduling.
package jackknife

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	apperrors "reformlab/internal/errors"
	"reformlab/internal/eventstudy"
	"reformlab/internal/extract"
	"reformlab/internal/panel"
)

// FullSampleFold labels predictions from the full-sample (non-jackknifed)
// run, where no fold is excluded.
const FullSampleFold = "none"

// Prediction is one row of the output table: a unit-period's predicted
// medium-run effect and the fold excluded from the model that produced it.
type Prediction struct {
	UnitID       string
	Period       int
	Effect       float64
	FoldExcluded string
	// ZeroSubstituted marks predictions whose sum touched at least one
	// substituted-zero coefficient.
	ZeroSubstituted bool
}

// FoldStatus describes the outcome of one fold's run.
type FoldStatus string

const (
	FoldCompleted FoldStatus = "completed"
	FoldFailed    FoldStatus = "failed"
	FoldTimedOut  FoldStatus = "timed_out"
)

// FoldReport records one fold's diagnostics for the run report.
type FoldReport struct {
	FoldID    string
	Status    FoldStatus
	Reason    string
	NObs      int
	NClusters int
	// ZeroSubs counts coefficient substitutions in extraction.
	ZeroSubs int
	// MissingBaseline counts the fold's units left without a prediction
	// because their baseline covariates are incomplete.
	MissingBaseline int
	Elapsed         time.Duration
}

// Result is the assembled output of a leave-one-fold-out run.
type Result struct {
	RunID       string
	Predictions []Prediction
	Reports     []FoldReport
	// Tables maps each completed fold to its effect table.
	Tables map[string]*extract.EffectTable
}

// FailedFolds lists the folds that produced no predictions.
func (r *Result) FailedFolds() []string {
	var out []string
	for _, rep := range r.Reports {
		if rep.Status != FoldCompleted {
			out = append(out, rep.FoldID)
		}
	}
	return out
}

// Runner executes jackknife and full-sample runs for a fixed specification.
type Runner struct {
	estimator *eventstudy.Estimator
	spec      eventstudy.ModelSpec
	window    extract.Window
	logger    *slog.Logger

	maxConcurrency int
	foldTimeout    time.Duration
}

// NewRunner creates a runner. A nil logger falls back to slog.Default();
// non-positive concurrency runs folds sequentially.
func NewRunner(spec eventstudy.ModelSpec, window extract.Window, maxConcurrency int, foldTimeout time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Runner{
		estimator:      eventstudy.NewEstimator(logger),
		spec:           spec,
		window:         window,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		foldTimeout:    foldTimeout,
	}
}

type foldResult struct {
	report      FoldReport
	predictions []Prediction
	table       *extract.EffectTable
}

// Run executes the leave-one-fold-out procedure over every fold of the
// panel. Fold failures are recorded and skipped, never fatal to the batch;
// the returned error is reserved for invalid inputs or context cancellation.
func (r *Runner) Run(ctx context.Context, p *panel.Panel) (*Result, error) {
	if err := r.spec.Validate(); err != nil {
		return nil, err
	}
	if err := r.window.Validate(r.spec); err != nil {
		return nil, err
	}
	folds := p.Folds()
	if len(folds) < 2 {
		return nil, apperrors.New(apperrors.CodeInvalidPanel, "leave-one-out needs at least two folds")
	}

	runID := uuid.NewString()
	start := time.Now()
	r.logger.InfoContext(ctx, "starting jackknife run",
		slog.String("run_id", runID),
		slog.Int("folds", len(folds)),
		slog.Int("max_concurrency", r.maxConcurrency),
		slog.Duration("fold_timeout", r.foldTimeout),
	)

	results := make([]foldResult, len(folds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrency)
	for i, fold := range folds {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			results[i] = r.runFold(gctx, p, fold)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("jackknife run interrupted: %w", err)
	}

	out := &Result{
		RunID:  runID,
		Tables: make(map[string]*extract.EffectTable),
	}
	for _, fr := range results {
		out.Reports = append(out.Reports, fr.report)
		out.Predictions = append(out.Predictions, fr.predictions...)
		if fr.table != nil {
			out.Tables[fr.report.FoldID] = fr.table
		}
	}
	sortPredictions(out.Predictions)

	completed := len(folds) - len(out.FailedFolds())
	r.logger.InfoContext(ctx, "jackknife run completed",
		slog.String("run_id", runID),
		slog.Int("folds_completed", completed),
		slog.Int("folds_failed", len(folds)-completed),
		slog.Int("predictions", len(out.Predictions)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

func (r *Runner) runFold(ctx context.Context, p *panel.Panel, fold string) foldResult {
	start := time.Now()
	foldCtx := ctx
	if r.foldTimeout > 0 {
		var cancel context.CancelFunc
		foldCtx, cancel = context.WithTimeout(ctx, r.foldTimeout)
		defer cancel()
	}

	report := FoldReport{FoldID: fold}

	fit, err := r.estimator.Fit(foldCtx, p.ExcludeFold(fold), r.spec)
	if err != nil {
		report.Elapsed = time.Since(start)
		if foldCtx.Err() == context.DeadlineExceeded {
			report.Status = FoldTimedOut
			report.Reason = apperrors.Newf(apperrors.CodeFoldTimeout, "fold %s exceeded %s", fold, r.foldTimeout).Error()
		} else {
			report.Status = FoldFailed
			report.Reason = err.Error()
		}
		r.logger.WarnContext(ctx, "fold skipped",
			slog.String("fold", fold),
			slog.String("reason", report.Reason),
		)
		return foldResult{report: report}
	}
	report.NObs = fit.NObs
	report.NClusters = fit.NClusters

	table, err := extract.FromFit(fit, r.window, r.logger)
	if err != nil {
		report.Status = FoldFailed
		report.Reason = err.Error()
		report.Elapsed = time.Since(start)
		return foldResult{report: report}
	}
	report.ZeroSubs = len(table.Substituted)

	predictions, missing := predictFold(p, fold, table)
	report.MissingBaseline = missing
	report.Status = FoldCompleted
	report.Elapsed = time.Since(start)

	return foldResult{report: report, predictions: predictions, table: table}
}

// predictFold keeps predictions only for the excluded fold's units, so
// every unit's prediction is out-of-sample with respect to its own fold.
func predictFold(p *panel.Panel, fold string, table *extract.EffectTable) ([]Prediction, int) {
	var preds []Prediction
	missing := 0
	for _, unitID := range p.FoldUnits(fold) {
		u, _ := p.Unit(unitID)
		effect, zeroTouched, ok := table.Predict(u.Baseline)
		if !ok {
			missing++
			continue
		}
		for _, o := range p.UnitObs(unitID) {
			preds = append(preds, Prediction{
				UnitID:          unitID,
				Period:          o.Period,
				Effect:          effect,
				FoldExcluded:    fold,
				ZeroSubstituted: zeroTouched,
			})
		}
	}
	return preds, missing
}

// RunFullSample estimates the model on the complete panel and predicts for
// every unit, labelling rows with FullSampleFold. Used for the in-sample
// comparison table.
func (r *Runner) RunFullSample(ctx context.Context, p *panel.Panel) (*Result, error) {
	if err := r.spec.Validate(); err != nil {
		return nil, err
	}
	if err := r.window.Validate(r.spec); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	start := time.Now()

	report := FoldReport{FoldID: FullSampleFold}
	fit, err := r.estimator.Fit(ctx, p.All(), r.spec)
	if err != nil {
		return nil, fmt.Errorf("full-sample fit: %w", err)
	}
	report.NObs = fit.NObs
	report.NClusters = fit.NClusters

	table, err := extract.FromFit(fit, r.window, r.logger)
	if err != nil {
		return nil, err
	}
	report.ZeroSubs = len(table.Substituted)

	var preds []Prediction
	missing := 0
	for _, unitID := range p.UnitIDs() {
		u, _ := p.Unit(unitID)
		effect, zeroTouched, ok := table.Predict(u.Baseline)
		if !ok {
			missing++
			continue
		}
		for _, o := range p.UnitObs(unitID) {
			preds = append(preds, Prediction{
				UnitID:          unitID,
				Period:          o.Period,
				Effect:          effect,
				FoldExcluded:    FullSampleFold,
				ZeroSubstituted: zeroTouched,
			})
		}
	}
	sortPredictions(preds)
	report.MissingBaseline = missing
	report.Status = FoldCompleted
	report.Elapsed = time.Since(start)

	return &Result{
		RunID:       runID,
		Predictions: preds,
		Reports:     []FoldReport{report},
		Tables:      map[string]*extract.EffectTable{FullSampleFold: table},
	}, nil
}

func sortPredictions(preds []Prediction) {
	sort.Slice(preds, func(a, b int) bool {
		if preds[a].UnitID != preds[b].UnitID {
			return preds[a].UnitID < preds[b].UnitID
		}
		return preds[a].Period < preds[b].Period
	})
}

// UnitEffects collapses a prediction table to one effect per unit. The
// prediction is constant across a unit's periods by construction.
func UnitEffects(preds []Prediction) map[string]float64 {
	out := make(map[string]float64)
	for _, p := range preds {
		out[p.UnitID] = p.Effect
	}
	return out
}
