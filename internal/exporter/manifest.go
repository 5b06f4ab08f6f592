package exporter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"reformlab/internal/jackknife"
)

// RunManifest records what a run consumed and produced, written alongside
// the output tables.
type RunManifest struct {
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	PanelFile   string    `json:"panel_file"`
	ConfigHash  string    `json:"config_hash,omitempty"`
	Units       int       `json:"units"`
	Predictions int       `json:"predictions"`

	Folds       int      `json:"folds"`
	FailedFolds []string `json:"failed_folds,omitempty"`

	Classification struct {
		Policy       string   `json:"policy"`
		FellBack     bool     `json:"fell_back"`
		Groups       []string `json:"groups"`
		Unclassified int      `json:"unclassified"`
	} `json:"classification"`

	Artifacts []string `json:"artifacts"`
}

// WriteManifest serializes the manifest as indented JSON under outDir.
func WriteManifest(outDir, name string, m *RunManifest, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	fullPath := filepath.Join(outDir, name)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	logger.Info("wrote run manifest", slog.String("path", fullPath))
	return nil
}

// BuildManifest assembles a manifest from a jackknife result.
func BuildManifest(res *jackknife.Result, panelFile string, units int, startedAt time.Time) *RunManifest {
	return &RunManifest{
		RunID:       res.RunID,
		StartedAt:   startedAt,
		FinishedAt:  time.Now(),
		PanelFile:   panelFile,
		Units:       units,
		Predictions: len(res.Predictions),
		Folds:       len(res.Reports),
		FailedFolds: res.FailedFolds(),
	}
}
