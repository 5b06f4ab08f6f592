// Command panelcheck loads a panel CSV and reports the data-quality issues
// that would shape an estimation run: missing outcomes, unbalanced treated
// units, incomplete baselines, and folds with no treated units.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"reformlab/internal/panel"
)

func main() {
	panelFile := flag.String("panel", "", "panel CSV file to check")
	lead := flag.Int("lead", 5, "pre-reform window length in years")
	lag := flag.Int("lag", 17, "post-reform window length in years")
	covariates := flag.String("covariates", "spend_quartile", "comma-separated baseline covariates to require")
	reformTypeLevels := flag.Int("reform-type-levels", 3, "number of non-reference reform-type categories")
	flag.Parse()

	if *panelFile == "" {
		fmt.Fprintln(os.Stderr, "usage: panelcheck -panel <file.csv> [-lead N] [-lag N] [-covariates a,b]")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	specs, err := parseCovariates(*covariates, *reformTypeLevels)
	if err != nil {
		logger.Error("Invalid covariate list", slog.String("error", err.Error()))
		os.Exit(1)
	}

	p, err := panel.LoadCSV(*panelFile, logger)
	if err != nil {
		logger.Error("Failed to load panel", slog.String("file", *panelFile), slog.String("error", err.Error()))
		os.Exit(1)
	}

	report := p.Validate(*lead, *lag, specs)
	printReport(report)

	if !report.OK() {
		os.Exit(1)
	}
}

func parseCovariates(list string, reformTypeLevels int) ([]panel.CovariateSpec, error) {
	var specs []panel.CovariateSpec
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		switch panel.Covariate(name) {
		case panel.CovSpendQuartile, panel.CovIncomeQuartile:
			specs = append(specs, panel.CovariateSpec{Name: panel.Covariate(name), Levels: []int{1, 2, 3, 4}})
		case panel.CovReformType:
			levels := make([]int, reformTypeLevels+1)
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

func printReport(r *panel.ValidationReport) {
	fmt.Printf("observations:          %d\n", r.Observations)
	fmt.Printf("units:                 %d (%d treated, %d controls)\n", r.Units, r.Treated, r.Controls)
	fmt.Printf("folds:                 %d\n", r.Folds)
	fmt.Printf("missing outcomes:      %d\n", r.MissingOutcomes)
	fmt.Printf("zero-weight rows:      %d\n", r.ZeroWeightRows)
	fmt.Printf("unbalanced treated:    %d\n", len(r.UnbalancedTreated))
	for _, id := range r.UnbalancedTreated {
		fmt.Printf("  %s\n", id)
	}
	fmt.Printf("incomplete baselines:  %d\n", len(r.IncompleteBaseline))
	for _, id := range r.IncompleteBaseline {
		fmt.Printf("  %s\n", id)
	}
	fmt.Printf("folds without treated: %d\n", len(r.FoldsWithoutTreat))
	for _, f := range r.FoldsWithoutTreat {
		fmt.Printf("  %s\n", f)
	}

	if len(r.Issues) == 0 {
		fmt.Println("\npanel OK")
		return
	}
	fmt.Printf("\n%d issue(s):\n", len(r.Issues))
	for _, issue := range r.Issues {
		fmt.Printf("  - %s\n", issue)
	}
}
