package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Error classes. Every error leaving an orchestrator wraps exactly one of these.
var (
	ErrValidation     = errors.New("validation error")
	ErrExtraction     = errors.New("extraction error")
	ErrTimeout        = errors.New("timeout")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrTransientStore = errors.New("transient store error")
	ErrFatal          = errors.New("fatal error")
)

// Validation failures.
var (
	ErrEmptyFile     = fmt.Errorf("%w: file is empty", ErrValidation)
	ErrFileTooLarge  = fmt.Errorf("%w: file too large", ErrValidation)
	ErrNoText        = fmt.Errorf("%w: no text extracted from file", ErrValidation)
	ErrEmptyQuestion = fmt.Errorf("%w: question cannot be empty", ErrValidation)
)

// Class is the coarse category used to pick a response for a failure.
type Class int

const (
	ClassFatal Class = iota
	ClassValidation
	ClassExtraction
	ClassTimeout
	ClassRateLimited
	ClassTransientStore
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassExtraction:
		return "extraction"
	case ClassTimeout:
		return "timeout"
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransientStore:
		return "transient_store"
	default:
		return "fatal"
	}
}

// Classify maps err onto its Class. A bare context.DeadlineExceeded counts as a timeout.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassFatal
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrExtraction):
		return ClassExtraction
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrTransientStore):
		return ClassTransientStore
	default:
		return ClassFatal
	}
}

// StageError records which pipeline stage produced err.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Stage wraps err with the stage name. A deadline overrun is additionally tagged as ErrTimeout.
func Stage(stage string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the innermost stage recorded on err, or "".
func StageOf(err error) string {
	stage := ""
	for err != nil {
		var se *StageError
		if !errors.As(err, &se) {
			break
		}
		stage = se.Stage
		err = se.Err
	}
	return stage
}
