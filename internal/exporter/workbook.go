package exporter

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xuri/excelize/v2"

	"reformlab/internal/hetero"
	"reformlab/internal/jackknife"
)

// WorkbookWriter assembles the full run report into one Excel workbook:
// a predictions sheet, a coefficients sheet per grouped run, and a fold
// diagnostics sheet.
type WorkbookWriter struct {
	outDir string
	logger *slog.Logger
}

// NewWorkbookWriter creates a workbook writer rooted at outDir.
func NewWorkbookWriter(outDir string, logger *slog.Logger) *WorkbookWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkbookWriter{outDir: outDir, logger: logger}
}

// Write builds and saves the workbook. coefficients maps a sheet suffix
// (e.g. "jackknife", "full_sample") to that run's grouped trajectories.
func (w *WorkbookWriter) Write(name string, preds []jackknife.Prediction, coefficients map[string][]hetero.GroupCoefficient, reports []jackknife.FoldReport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := w.writePredictionsSheet(f, preds); err != nil {
		return err
	}
	for suffix, coeffs := range coefficients {
		if err := w.writeCoefficientsSheet(f, "coefficients_"+suffix, coeffs); err != nil {
			return err
		}
	}
	if err := w.writeReportsSheet(f, reports); err != nil {
		return err
	}
	// Drop the default sheet excelize creates.
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("delete default sheet: %w", err)
	}

	fullPath := filepath.Join(w.outDir, name)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := f.SaveAs(fullPath); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}

	w.logger.Info("wrote run report workbook", slog.String("path", fullPath))
	return nil
}

func (w *WorkbookWriter) writePredictionsSheet(f *excelize.File, preds []jackknife.Prediction) error {
	const sheet = "predictions"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("create sheet %s: %w", sheet, err)
	}
	if err := setHeaderRow(f, sheet, PredictionHeaders); err != nil {
		return err
	}
	for i, p := range preds {
		row := []interface{}{p.UnitID, p.Period, p.Effect, p.FoldExcluded, p.ZeroSubstituted}
		if err := setRow(f, sheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func (w *WorkbookWriter) writeCoefficientsSheet(f *excelize.File, sheet string, coeffs []hetero.GroupCoefficient) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("create sheet %s: %w", sheet, err)
	}
	if err := setHeaderRow(f, sheet, GroupCoefficientHeaders); err != nil {
		return err
	}
	for i, c := range coeffs {
		row := []interface{}{c.Group, c.Rel, c.Estimate, c.StdErr}
		if err := setRow(f, sheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func (w *WorkbookWriter) writeReportsSheet(f *excelize.File, reports []jackknife.FoldReport) error {
	const sheet = "fold_diagnostics"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("create sheet %s: %w", sheet, err)
	}
	if err := setHeaderRow(f, sheet, FoldReportHeaders); err != nil {
		return err
	}
	for i, r := range reports {
		row := []interface{}{
			r.FoldID, string(r.Status), r.Reason,
			r.NObs, r.NClusters, r.ZeroSubs, r.MissingBaseline,
			r.Elapsed.Milliseconds(),
		}
		if err := setRow(f, sheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func setHeaderRow(f *excelize.File, sheet string, headers []string) error {
	row := make([]interface{}, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	return setRow(f, sheet, 1, row)
}

func setRow(f *excelize.File, sheet string, rowNum int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write row %s of sheet %s: %w", strconv.Itoa(rowNum), sheet, err)
	}
	return nil
}
