// Command reformlab runs the full jackknife heterogeneity pipeline: load
// the district panel, estimate the leave-one-state-out event studies,
// classify districts by predicted reform effect, re-estimate by group, and
// write the prediction, coefficient, and diagnostics tables.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"reformlab/internal/config"
	"reformlab/internal/eventstudy"
	"reformlab/internal/exporter"
	"reformlab/internal/extract"
	"reformlab/internal/hetero"
	"reformlab/internal/jackknife"
	"reformlab/internal/panel"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (defaults + REFORMLAB_* env if empty)")
	panelFile := flag.String("panel", "", "panel CSV file (overrides config)")
	outDir := flag.String("out", "", "output directory (overrides config)")
	demo := flag.Bool("demo", false, "run on a generated synthetic panel instead of a file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if *panelFile != "" {
		cfg.Paths.PanelFile = *panelFile
	}
	if *outDir != "" {
		cfg.Paths.OutDir = *outDir
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	startedAt := time.Now()
	ctx := context.Background()

	var (
		p       *panel.Panel
		srcName string
	)
	if *demo {
		logger.Info("Running in demo mode on a synthetic panel")
		p = demoPanel()
		srcName = "synthetic"
	} else {
		if cfg.Paths.PanelFile == "" {
			slog.Error("No panel file configured; pass -panel or set paths.panel_file")
			os.Exit(1)
		}
		p, err = panel.LoadCSV(cfg.Paths.PanelFile, logger)
		if err != nil {
			logger.Error("Failed to load panel", slog.String("file", cfg.Paths.PanelFile), slog.String("error", err.Error()))
			os.Exit(1)
		}
		srcName = cfg.Paths.PanelFile
	}

	logger.Info("Loaded panel",
		slog.String("source", srcName),
		slog.Int("observations", p.Len()),
		slog.Int("units", len(p.UnitIDs())),
		slog.Int("folds", len(p.Folds())))

	covariates, err := covariateSpecs(cfg.Model)
	if err != nil {
		logger.Error("Invalid covariate configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	p, err = ensureQuartiles(p, covariates, cfg.Model.BaselineYear, logger)
	if err != nil {
		logger.Error("Failed to construct baseline quartiles", slog.String("error", err.Error()))
		os.Exit(1)
	}

	balanced, dropped := p.Balanced(cfg.Model.LeadWindow, cfg.Model.LagWindow)
	if len(dropped) > 0 {
		logger.Warn("Dropped unbalanced treated units",
			slog.Int("count", len(dropped)))
	}
	logger.Info("Balanced panel ready",
		slog.Int("observations", balanced.Len()),
		slog.Int("units", len(balanced.UnitIDs())))

	spec := eventstudy.ModelSpec{
		LeadWindow:  cfg.Model.LeadWindow,
		LagWindow:   cfg.Model.LagWindow,
		Covariates:  covariates,
		ClusterBy:   eventstudy.ClusterBy(cfg.Model.ClusterBy),
		MinClusters: cfg.Model.MinClusters,
	}
	window := extract.Window{From: cfg.Model.AvgFrom, To: cfg.Model.AvgTo}

	runner := jackknife.NewRunner(spec, window,
		cfg.Jackknife.MaxConcurrency, cfg.Jackknife.FoldTimeout, logger)

	res, err := runner.Run(ctx, balanced)
	if err != nil {
		logger.Error("Jackknife run failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if failed := res.FailedFolds(); len(failed) > 0 {
		logger.Warn("Some folds did not complete",
			slog.Int("failed", len(failed)),
			slog.Any("folds", failed))
	}

	var full *jackknife.Result
	if cfg.Jackknife.RunFullSample {
		full, err = runner.RunFullSample(ctx, balanced)
		if err != nil {
			logger.Warn("Full-sample run failed, continuing without it",
				slog.String("error", err.Error()))
			full = nil
		}
	}

	cls, err := hetero.Classify(balanced, jackknife.UnitEffects(res.Predictions), hetero.Config{
		Policy:         hetero.Policy(cfg.Classification.Policy),
		RankSplit:      hetero.RankSplit(cfg.Classification.RankSplit),
		FallbackToRank: cfg.Classification.FallbackToRank,
	}, logger)
	if err != nil {
		logger.Error("Classification failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Classified units",
		slog.String("policy", string(cls.EffectivePolicy)),
		slog.Bool("fell_back", cls.FellBack),
		slog.Int("classified", len(cls.Labels)),
		slog.Int("unclassified", len(cls.Unclassified)))

	coeffs, err := hetero.ReEstimate(ctx, balanced, cls, spec, logger)
	if err != nil {
		logger.Error("Grouped re-estimation failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	artifacts, err := writeOutputs(cfg.Paths.OutDir, res, full, coeffs, logger)
	if err != nil {
		logger.Error("Failed to write outputs", slog.String("error", err.Error()))
		os.Exit(1)
	}

	manifest := exporter.BuildManifest(res, srcName, len(balanced.UnitIDs()), startedAt)
	manifest.ConfigHash = configHash(cfg)
	manifest.Classification.Policy = string(cls.EffectivePolicy)
	manifest.Classification.FellBack = cls.FellBack
	manifest.Classification.Groups = cls.Groups
	manifest.Classification.Unclassified = len(cls.Unclassified)
	manifest.Artifacts = artifacts
	if err := exporter.WriteManifest(cfg.Paths.OutDir, "manifest.json", manifest, logger); err != nil {
		logger.Error("Failed to write manifest", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Run complete",
		slog.String("run_id", res.RunID),
		slog.String("out_dir", cfg.Paths.OutDir),
		slog.Duration("elapsed", time.Since(startedAt)))
}

// configHash identifies the effective configuration in the run manifest so
// output directories can be tied back to the settings that produced them.
func configHash(cfg *config.Config) string {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// covariateSpecs maps configured covariate names to their level sets.
// Quartile covariates run 1..4; reform type runs 0..N with 0 the reference.
func covariateSpecs(m config.ModelConfig) ([]panel.CovariateSpec, error) {
	specs := make([]panel.CovariateSpec, 0, len(m.Covariates))
	for _, name := range m.Covariates {
		switch panel.Covariate(name) {
		case panel.CovSpendQuartile:
			specs = append(specs, panel.CovariateSpec{Name: panel.CovSpendQuartile, Levels: []int{1, 2, 3, 4}})
		case panel.CovIncomeQuartile:
			specs = append(specs, panel.CovariateSpec{Name: panel.CovIncomeQuartile, Levels: []int{1, 2, 3, 4}})
		case panel.CovReformType:
			levels := make([]int, m.ReformTypeLevels+1)
			for i := range levels {
				levels[i] = i
			}
			specs = append(specs, panel.CovariateSpec{Name: panel.CovReformType, Levels: levels})
		default:
			return nil, fmt.Errorf("unknown covariate %q", name)
		}
	}
	return specs, nil
}

// ensureQuartiles fills in the spending quartile from the baseline-year
// outcome cross-section when the panel does not already carry it. Other
// covariates must arrive in the file.
func ensureQuartiles(p *panel.Panel, specs []panel.CovariateSpec, baselineYear int, logger *slog.Logger) (*panel.Panel, error) {
	for _, s := range specs {
		if s.Name != panel.CovSpendQuartile || hasCovariate(p, s.Name) {
			continue
		}
		quartiles := p.BaselineQuartiles(baselineYear)
		if len(quartiles) == 0 {
			return nil, fmt.Errorf("no units observed in baseline year %d to build %s", baselineYear, s.Name)
		}
		logger.Info("Constructed baseline quartiles",
			slog.String("covariate", string(s.Name)),
			slog.Int("baseline_year", baselineYear),
			slog.Int("assigned", len(quartiles)))
		p = p.WithUnitLevels(s.Name, quartiles)
	}
	return p, nil
}

func hasCovariate(p *panel.Panel, cov panel.Covariate) bool {
	for _, id := range p.UnitIDs() {
		u, _ := p.Unit(id)
		if _, ok := u.Baseline[cov]; ok {
			return true
		}
	}
	return false
}

func writeOutputs(outDir string, res, full *jackknife.Result, coeffs []hetero.GroupCoefficient, logger *slog.Logger) ([]string, error) {
	csvw := exporter.NewCSVWriter(outDir, logger)

	artifacts := []string{"predictions.csv", "group_coefficients.csv", "fold_reports.csv", "run_report.xlsx"}
	if err := csvw.WritePredictions("predictions.csv", res.Predictions); err != nil {
		return nil, err
	}
	if err := csvw.WriteGroupCoefficients("group_coefficients.csv", coeffs); err != nil {
		return nil, err
	}
	if err := csvw.WriteFoldReports("fold_reports.csv", res.Reports); err != nil {
		return nil, err
	}
	if full != nil {
		if err := csvw.WritePredictions("predictions_full_sample.csv", full.Predictions); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, "predictions_full_sample.csv")
	}

	grouped := map[string][]hetero.GroupCoefficient{"grouped": coeffs}
	wb := exporter.NewWorkbookWriter(outDir, logger)
	if err := wb.Write("run_report.xlsx", res.Predictions, grouped, res.Reports); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// demoPanel generates a small panel with a known effect profile so the
// pipeline can be exercised end to end without input data.
func demoPanel() *panel.Panel {
	covs := []panel.CovariateSpec{{Name: panel.CovSpendQuartile, Levels: []int{1, 2, 3, 4}}}
	return panel.Generate(panel.SynthSpec{
		Seed:            7,
		Folds:           []string{"AL", "GA", "KY", "MI", "TX", "WI"},
		TreatedPerFold:  4,
		ControlsPerFold: 3,
		FirstYear:       1965,
		LastYear:        1995,
		ReformYear:      1978,
		Covariates:      covs,
		UnitEffect: func(unitID string) float64 {
			return float64(len(unitID)) * 0.1
		},
		YearEffect: func(year int) float64 {
			return 0.01 * float64(year-1965)
		},
		BaseEffect: func(rel int) float64 {
			if rel >= 0 {
				return 0.05
			}
			return 0
		},
		Interaction: func(cov panel.Covariate, level, rel int) float64 {
			if cov == panel.CovSpendQuartile && rel >= 0 {
				return 0.03 * float64(level-1)
			}
			return 0
		},
		Noise: 0.02,
	})
}
