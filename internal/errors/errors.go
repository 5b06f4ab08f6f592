// Package errors defines the typed error taxonomy for the analysis pipeline.
//
// Every recoverable failure mode has a stable code so that fold reports,
// diagnostics exports, and logs agree on what went wrong. Codes are stable
// strings; callers match on them with errors.As + Code rather than on
// message text.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies a class of analysis failure.
type Code string

const (
	// CodeModelFitFailure indicates a fold's regression could not be
	// estimated: rank-deficient design after empty-cell pruning, too few
	// clusters, or a non-finite solve.
	CodeModelFitFailure Code = "MODEL_FIT_FAILURE"

	// CodeMissingCoefficient indicates an expected interaction term had no
	// identified coefficient (empty cell). This is an audit event, not a
	// fatal error: the coefficient is substituted with zero by policy.
	CodeMissingCoefficient Code = "MISSING_COEFFICIENT"

	// CodeDegenerateClassification indicates a heterogeneity split placed
	// zero or all treated units in one group.
	CodeDegenerateClassification Code = "DEGENERATE_CLASSIFICATION"

	// CodeIncompleteCovariates indicates a unit lacks one or more baseline
	// covariates; its prediction stays missing.
	CodeIncompleteCovariates Code = "INCOMPLETE_BASELINE_COVARIATES"

	// CodeFoldTimeout indicates a single fold exceeded its fit deadline.
	CodeFoldTimeout Code = "FOLD_TIMEOUT"

	// CodeInvalidPanel indicates the input panel violates an invariant
	// (duplicate keys, inconsistent fold assignment, shifting baseline
	// covariates).
	CodeInvalidPanel Code = "INVALID_PANEL"

	// CodeInvalidConfig indicates the run configuration failed validation.
	CodeInvalidConfig Code = "INVALID_CONFIG"
)

// AnalysisError is the typed error carried through the pipeline.
type AnalysisError struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AnalysisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// New creates an AnalysisError with the given code and message.
func New(code Code, message string) *AnalysisError {
	return &AnalysisError{Code: code, Message: message}
}

// Newf creates an AnalysisError with a formatted message.
func Newf(code Code, format string, args ...any) *AnalysisError {
	return &AnalysisError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an AnalysisError wrapping an underlying cause.
func Wrap(code Code, message string, err error) *AnalysisError {
	return &AnalysisError{Code: code, Message: message, Err: err}
}

// CodeOf returns the analysis code carried by err, or "" if err is not an
// AnalysisError.
func CodeOf(err error) Code {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsCode reports whether err carries the given analysis code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
