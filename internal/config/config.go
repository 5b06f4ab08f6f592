// Package config loads and validates the pipeline run configuration from a
// YAML file overlaid with REFORMLAB_* environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	apperrors "reformlab/internal/errors"
)

// Config represents the complete run configuration.
type Config struct {
	Paths          PathsConfig          `yaml:"paths" envconfig:"PATHS"`
	Model          ModelConfig          `yaml:"model" envconfig:"MODEL"`
	Jackknife      JackknifeConfig      `yaml:"jackknife" envconfig:"JACKKNIFE"`
	Classification ClassificationConfig `yaml:"classification" envconfig:"CLASSIFICATION"`
	Logging        LoggingConfig        `yaml:"logging" envconfig:"LOGGING"`
}

// PathsConfig contains file system paths for inputs and outputs. PanelFile
// may stay empty here: callers can supply it by flag, or run on a generated
// panel, so it is checked at use time rather than at load.
type PathsConfig struct {
	PanelFile string `yaml:"panel_file" envconfig:"PANEL_FILE"`
	OutDir    string `yaml:"out_dir" envconfig:"OUT_DIR" validate:"required"`
}

// ModelConfig describes the event-study specification.
type ModelConfig struct {
	// LeadWindow and LagWindow bound the retained event-time window:
	// relative years below -LeadWindow bin into -LeadWindow, above LagWindow
	// into LagWindow.
	LeadWindow int `yaml:"lead_window" envconfig:"LEAD_WINDOW" validate:"min=2"`
	LagWindow  int `yaml:"lag_window" envconfig:"LAG_WINDOW" validate:"min=1"`

	// AvgFrom and AvgTo bound the post-reform relative years averaged into
	// the medium-run effect.
	AvgFrom int `yaml:"avg_from" envconfig:"AVG_FROM" validate:"min=0"`
	AvgTo   int `yaml:"avg_to" envconfig:"AVG_TO" validate:"min=0"`

	// Covariates lists the baseline categorical covariates interacted with
	// the event-time indicators, in nesting order. Recognized names:
	// spend_quartile, income_quartile, reform_type.
	Covariates []string `yaml:"covariates" envconfig:"COVARIATES" validate:"min=1,max=3"`

	// ReformTypeLevels is the number of non-reference reform-type categories
	// (levels 1..N, with 0 the reference).
	ReformTypeLevels int `yaml:"reform_type_levels" envconfig:"REFORM_TYPE_LEVELS" validate:"min=1"`

	// ClusterBy selects the cluster variable for the covariance estimator:
	// "unit" or "fold".
	ClusterBy string `yaml:"cluster_by" envconfig:"CLUSTER_BY" validate:"oneof=unit fold"`

	// MinClusters is the smallest cluster count for which a fit is accepted.
	MinClusters int `yaml:"min_clusters" envconfig:"MIN_CLUSTERS" validate:"min=2"`

	// BaselineYear is the reference year used to build spending and income
	// quartiles when the panel does not already carry them.
	BaselineYear int `yaml:"baseline_year" envconfig:"BASELINE_YEAR"`
}

// JackknifeConfig controls the leave-one-fold-out run.
type JackknifeConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency" envconfig:"MAX_CONCURRENCY" validate:"min=1"`
	FoldTimeout    time.Duration `yaml:"fold_timeout" envconfig:"FOLD_TIMEOUT"`
	// RunFullSample additionally estimates the model on the complete panel
	// for an in-sample comparison table.
	RunFullSample bool `yaml:"run_full_sample" envconfig:"RUN_FULL_SAMPLE"`
}

// ClassificationConfig controls the heterogeneity split.
type ClassificationConfig struct {
	// Policy selects the split rule: "sign" (positive predicted effect vs
	// non-positive) or "rank" (distribution-based).
	Policy string `yaml:"policy" envconfig:"POLICY" validate:"oneof=sign rank"`
	// RankSplit applies when Policy is "rank" or the sign split degenerates:
	// "half" (top two quartiles vs bottom two) or "quartile".
	RankSplit string `yaml:"rank_split" envconfig:"RANK_SPLIT" validate:"oneof=half quartile"`
	// FallbackToRank switches a degenerate sign split to the rank rule
	// instead of failing the grouped run.
	FallbackToRank bool `yaml:"fallback_to_rank" envconfig:"FALLBACK_TO_RANK"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" envconfig:"FORMAT" validate:"oneof=text json"`
}

func defaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			OutDir: "out",
		},
		Model: ModelConfig{
			LeadWindow:       5,
			LagWindow:        17,
			AvgFrom:          2,
			AvgTo:            7,
			Covariates:       []string{"spend_quartile"},
			ReformTypeLevels: 3,
			ClusterBy:        "unit",
			MinClusters:      2,
			BaselineYear:     1972,
		},
		Jackknife: JackknifeConfig{
			MaxConcurrency: 4,
			FoldTimeout:    10 * time.Minute,
			RunFullSample:  true,
		},
		Classification: ClassificationConfig{
			Policy:         "sign",
			RankSplit:      "half",
			FallbackToRank: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration with precedence env > file > defaults. An empty
// path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Env last, so set variables win over the file.
	if err := envconfig.Process("REFORMLAB", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural and cross-field constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidConfig, "config validation failed", err)
	}

	if c.Model.AvgFrom > c.Model.AvgTo {
		return apperrors.Newf(apperrors.CodeInvalidConfig,
			"averaging window is empty: avg_from=%d > avg_to=%d", c.Model.AvgFrom, c.Model.AvgTo)
	}
	if c.Model.AvgTo > c.Model.LagWindow {
		return apperrors.Newf(apperrors.CodeInvalidConfig,
			"averaging window exceeds lag window: avg_to=%d > lag_window=%d", c.Model.AvgTo, c.Model.LagWindow)
	}
	seen := make(map[string]bool, len(c.Model.Covariates))
	for _, name := range c.Model.Covariates {
		switch name {
		case "spend_quartile", "income_quartile", "reform_type":
		default:
			return apperrors.Newf(apperrors.CodeInvalidConfig, "unknown covariate %q", name)
		}
		if seen[name] {
			return apperrors.Newf(apperrors.CodeInvalidConfig, "duplicate covariate %q", name)
		}
		seen[name] = true
	}
	return nil
}
