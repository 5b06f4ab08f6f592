package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalysisError(t *testing.T) {
	t.Run("message without cause", func(t *testing.T) {
		err := New(CodeModelFitFailure, "design matrix is rank deficient")
		assert.Equal(t, "MODEL_FIT_FAILURE: design matrix is rank deficient", err.Error())
		assert.Nil(t, err.Unwrap())
	})

	t.Run("message with cause", func(t *testing.T) {
		cause := fmt.Errorf("cholesky factorization failed")
		err := Wrap(CodeModelFitFailure, "fold AL", cause)
		assert.Contains(t, err.Error(), "fold AL")
		assert.Contains(t, err.Error(), "cholesky factorization failed")
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("formatted constructor", func(t *testing.T) {
		err := Newf(CodeFoldTimeout, "fold %s exceeded %s", "TX", "10m")
		assert.Equal(t, Code("FOLD_TIMEOUT"), err.Code)
		assert.Equal(t, "fold TX exceeded 10m", err.Message)
	})
}

func TestCodeMatching(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code Code
		want bool
	}{
		{
			name: "direct match",
			err:  New(CodeDegenerateClassification, "all treated units positive"),
			code: CodeDegenerateClassification,
			want: true,
		},
		{
			name: "wrapped match",
			err:  fmt.Errorf("run failed: %w", New(CodeInvalidPanel, "duplicate key")),
			code: CodeInvalidPanel,
			want: true,
		},
		{
			name: "mismatch",
			err:  New(CodeInvalidPanel, "duplicate key"),
			code: CodeModelFitFailure,
			want: false,
		},
		{
			name: "plain error",
			err:  fmt.Errorf("boom"),
			code: CodeInvalidPanel,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCode(tt.err, tt.code))
		})
	}
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, Code(""), CodeOf(fmt.Errorf("plain")))
	require.Equal(t, CodeMissingCoefficient, CodeOf(New(CodeMissingCoefficient, "empty cell")))
}
