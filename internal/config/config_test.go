package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "reformlab/internal/errors"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfigFile(t, `
paths:
  panel_file: testdata/panel.csv
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Model.LeadWindow)
	assert.Equal(t, 17, cfg.Model.LagWindow)
	assert.Equal(t, 2, cfg.Model.AvgFrom)
	assert.Equal(t, 7, cfg.Model.AvgTo)
	assert.Equal(t, []string{"spend_quartile"}, cfg.Model.Covariates)
	assert.Equal(t, "unit", cfg.Model.ClusterBy)
	assert.Equal(t, 4, cfg.Jackknife.MaxConcurrency)
	assert.Equal(t, 10*time.Minute, cfg.Jackknife.FoldTimeout)
	assert.Equal(t, "sign", cfg.Classification.Policy)
	assert.True(t, cfg.Classification.FallbackToRank)
	assert.Equal(t, "out", cfg.Paths.OutDir)
}

func TestLoadWithoutFile(t *testing.T) {
	// No config file and no panel file: still a valid load, so flag-driven
	// invocations (a panel path flag, or a generated panel) can fill the
	// path in afterwards.
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Paths.PanelFile)
	assert.Equal(t, "out", cfg.Paths.OutDir)
	assert.Equal(t, 5, cfg.Model.LeadWindow)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfigFile(t, `
paths:
  panel_file: panel.csv
  out_dir: results
model:
  lead_window: 3
  lag_window: 10
  avg_from: 1
  avg_to: 5
  covariates: [spend_quartile, income_quartile, reform_type]
  cluster_by: fold
jackknife:
  max_concurrency: 8
classification:
  policy: rank
  rank_split: quartile
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "results", cfg.Paths.OutDir)
	assert.Equal(t, 3, cfg.Model.LeadWindow)
	assert.Equal(t, []string{"spend_quartile", "income_quartile", "reform_type"}, cfg.Model.Covariates)
	assert.Equal(t, "fold", cfg.Model.ClusterBy)
	assert.Equal(t, 8, cfg.Jackknife.MaxConcurrency)
	assert.Equal(t, "rank", cfg.Classification.Policy)
	assert.Equal(t, "quartile", cfg.Classification.RankSplit)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("REFORMLAB_JACKKNIFE_MAX_CONCURRENCY", "2")
	t.Setenv("REFORMLAB_JACKKNIFE_FOLD_TIMEOUT", "2m")
	path := writeConfigFile(t, `
paths:
  panel_file: panel.csv
jackknife:
  max_concurrency: 16
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Jackknife.MaxConcurrency)
	assert.Equal(t, 2*time.Minute, cfg.Jackknife.FoldTimeout)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty averaging window", func(c *Config) { c.Model.AvgFrom = 8; c.Model.AvgTo = 3 }},
		{"averaging beyond lag window", func(c *Config) { c.Model.AvgTo = 30 }},
		{"unknown covariate", func(c *Config) { c.Model.Covariates = []string{"region"} }},
		{"duplicate covariate", func(c *Config) { c.Model.Covariates = []string{"reform_type", "reform_type"} }},
		{"bad cluster variable", func(c *Config) { c.Model.ClusterBy = "tract" }},
		{"bad policy", func(c *Config) { c.Classification.Policy = "median" }},
		{"too many covariates", func(c *Config) {
			c.Model.Covariates = []string{"spend_quartile", "income_quartile", "reform_type", "spend_quartile"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, "paths:\n  panel_file: panel.csv\n")
			cfg, err := Load(path)
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidConfig))
		})
	}
}
