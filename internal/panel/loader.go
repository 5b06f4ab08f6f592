package panel

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
)

// Required input columns. Baseline covariate columns are optional; a missing
// column or an empty cell leaves that covariate unobserved for the unit.
var requiredColumns = []string{"unit_id", "fold_id", "time_period", "outcome", "weight", "ever_treated", "reform_year"}

var covariateColumns = []Covariate{CovSpendQuartile, CovIncomeQuartile, CovReformType}

// LoadCSV reads a tidy long-format panel from the CSV file at path.
func LoadCSV(path string, logger *slog.Logger) (*Panel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open panel file: %w", err)
	}
	defer f.Close()
	return ReadCSV(f, logger)
}

// ReadCSV reads a panel from CSV data. The first record must be a header
// containing at least the required columns; column order is free.
//
// Event time is always derived from reform_year, never read from the file:
// any precomputed lead/lag indicator columns are ignored, so the binned
// indicators the design materializes are consistent with the treatment
// metadata by construction.
func ReadCSV(r io.Reader, logger *slog.Logger) (*Panel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read panel header: %w", err)
	}
	// Strip a UTF-8 BOM if the file came out of Excel.
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("panel header is missing required column %q", name)
		}
	}

	var obs []Observation
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read panel row %d: %w", line+1, err)
		}
		line++

		o, err := parseRow(record, col)
		if err != nil {
			return nil, fmt.Errorf("panel row %d: %w", line, err)
		}
		obs = append(obs, o)
	}

	p, err := New(obs)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded panel",
		slog.Int("observations", p.Len()),
		slog.Int("units", len(p.UnitIDs())),
		slog.Int("folds", len(p.Folds())),
	)
	return p, nil
}

func parseRow(record []string, col map[string]int) (Observation, error) {
	cell := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var o Observation
	o.UnitID = cell("unit_id")
	o.FoldID = cell("fold_id")

	period, err := strconv.Atoi(cell("time_period"))
	if err != nil {
		return o, fmt.Errorf("bad time_period %q", cell("time_period"))
	}
	o.Period = period

	if raw := cell("outcome"); raw == "" {
		o.Outcome = math.NaN()
	} else {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return o, fmt.Errorf("bad outcome %q", raw)
		}
		o.Outcome = v
	}

	if raw := cell("weight"); raw == "" {
		o.Weight = 1
	} else {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return o, fmt.Errorf("bad weight %q", raw)
		}
		o.Weight = v
	}

	treated, err := parseBool(cell("ever_treated"))
	if err != nil {
		return o, fmt.Errorf("bad ever_treated %q", cell("ever_treated"))
	}
	o.EverTreated = treated

	if treated {
		ry, err := strconv.Atoi(cell("reform_year"))
		if err != nil {
			return o, fmt.Errorf("bad reform_year %q for treated unit", cell("reform_year"))
		}
		o.ReformYear = ry
	}

	o.Baseline = make(map[Covariate]int)
	for _, cov := range covariateColumns {
		raw := cell(string(cov))
		if raw == "" {
			continue
		}
		lvl, err := strconv.Atoi(raw)
		if err != nil {
			return o, fmt.Errorf("bad %s %q", cov, raw)
		}
		o.Baseline[cov] = lvl
	}
	return o, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "t", "yes":
		return true, nil
	case "0", "false", "f", "no", "":
		return false, nil
	}
	return false, fmt.Errorf("unrecognized boolean %q", s)
}
