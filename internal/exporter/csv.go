// Package exporter writes the run's output contract: the prediction table,
// per-group coefficient tables, fold diagnostics, the Excel run report, and
// the run manifest.
package exporter

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"reformlab/internal/hetero"
	"reformlab/internal/jackknife"
)

// CSVWriter writes CSV artifacts into the run's output directory.
type CSVWriter struct {
	outDir string
	logger *slog.Logger
}

// NewCSVWriter creates a writer rooted at outDir.
func NewCSVWriter(outDir string, logger *slog.Logger) *CSVWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVWriter{outDir: outDir, logger: logger}
}

// WriteOptions configures CSV writing behavior.
type WriteOptions struct {
	Headers []string
	Records [][]string
	// BOMPrefix adds a UTF-8 BOM so Excel opens the file correctly.
	BOMPrefix bool
}

// WriteCSV writes a CSV file under the output directory.
func (w *CSVWriter) WriteCSV(name string, options WriteOptions) error {
	fullPath := filepath.Join(w.outDir, name)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	defer file.Close()

	if options.BOMPrefix {
		if _, err := file.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
			return fmt.Errorf("write BOM: %w", err)
		}
	}

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if len(options.Headers) > 0 {
		if err := writer.Write(options.Headers); err != nil {
			return fmt.Errorf("write headers: %w", err)
		}
	}
	for i, record := range options.Records {
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write record %d: %w", i, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}

	w.logger.Info("wrote CSV file",
		slog.String("path", fullPath),
		slog.Int("records", len(options.Records)))
	return nil
}

// PredictionHeaders is the column layout of the prediction table.
var PredictionHeaders = []string{"unit_id", "time_period", "predicted_effect", "fold_excluded", "zero_substituted"}

// WritePredictions writes the assembled prediction table.
func (w *CSVWriter) WritePredictions(name string, preds []jackknife.Prediction) error {
	records := make([][]string, len(preds))
	for i, p := range preds {
		records[i] = predictionRecord(p)
	}
	return w.WriteCSV(name, WriteOptions{
		Headers:   PredictionHeaders,
		Records:   records,
		BOMPrefix: true,
	})
}

func predictionRecord(p jackknife.Prediction) []string {
	return []string{
		p.UnitID,
		strconv.Itoa(p.Period),
		strconv.FormatFloat(p.Effect, 'g', -1, 64),
		p.FoldExcluded,
		strconv.FormatBool(p.ZeroSubstituted),
	}
}

// GroupCoefficientHeaders is the column layout of a grouped coefficient
// table, the direct input to plotting.
var GroupCoefficientHeaders = []string{"group_label", "relative_year", "point_estimate", "standard_error"}

// WriteGroupCoefficients writes the per-group dynamic trajectories.
func (w *CSVWriter) WriteGroupCoefficients(name string, coeffs []hetero.GroupCoefficient) error {
	records := make([][]string, len(coeffs))
	for i, c := range coeffs {
		records[i] = []string{
			c.Group,
			strconv.Itoa(c.Rel),
			strconv.FormatFloat(c.Estimate, 'g', -1, 64),
			strconv.FormatFloat(c.StdErr, 'g', -1, 64),
		}
	}
	return w.WriteCSV(name, WriteOptions{
		Headers:   GroupCoefficientHeaders,
		Records:   records,
		BOMPrefix: true,
	})
}

// FoldReportHeaders is the column layout of the fold diagnostics table.
var FoldReportHeaders = []string{"fold_id", "status", "reason", "n_obs", "n_clusters", "zero_substitutions", "missing_baseline", "elapsed_ms"}

// WriteFoldReports writes the per-fold diagnostics.
func (w *CSVWriter) WriteFoldReports(name string, reports []jackknife.FoldReport) error {
	records := make([][]string, len(reports))
	for i, r := range reports {
		records[i] = []string{
			r.FoldID,
			string(r.Status),
			r.Reason,
			strconv.Itoa(r.NObs),
			strconv.Itoa(r.NClusters),
			strconv.Itoa(r.ZeroSubs),
			strconv.Itoa(r.MissingBaseline),
			strconv.FormatInt(r.Elapsed.Milliseconds(), 10),
		}
	}
	return w.WriteCSV(name, WriteOptions{
		Headers:   FoldReportHeaders,
		Records:   records,
		BOMPrefix: true,
	})
}
