package apperr_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"docqa/internal/apperr"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Class
	}{
		{"Validation", apperr.ErrFileTooLarge, apperr.ClassValidation},
		{"Wrapped Validation", fmt.Errorf("ingest: %w", apperr.ErrEmptyQuestion), apperr.ClassValidation},
		{"Extraction", fmt.Errorf("%w: bad pdf", apperr.ErrExtraction), apperr.ClassExtraction},
		{"Deadline", context.DeadlineExceeded, apperr.ClassTimeout},
		{"Rate Limited", fmt.Errorf("%w: quota", apperr.ErrRateLimited), apperr.ClassRateLimited},
		{"Transient", fmt.Errorf("%w: conn refused", apperr.ErrTransientStore), apperr.ClassTransientStore},
		{"Unknown", errors.New("boom"), apperr.ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperr.Classify(tt.err))
		})
	}
}

func TestStage(t *testing.T) {
	t.Run("Nil", func(t *testing.T) {
		assert.NoError(t, apperr.Stage("embed", nil))
	})

	t.Run("Deadline Tagged As Timeout", func(t *testing.T) {
		err := apperr.Stage("search", context.DeadlineExceeded)
		assert.True(t, errors.Is(err, apperr.ErrTimeout))
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Equal(t, "search", apperr.StageOf(err))
	})

	t.Run("Nested Keeps Innermost", func(t *testing.T) {
		err := apperr.Stage("query", apperr.Stage("generate", errors.New("x")))
		assert.Equal(t, "generate", apperr.StageOf(err))
	})

	t.Run("No Stage", func(t *testing.T) {
		assert.Equal(t, "", apperr.StageOf(errors.New("x")))
	})
}
