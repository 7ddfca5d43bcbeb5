package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the recommendation engine. Callers match them with
// errors.Is; a single error may carry several kinds (a retrieval failure caused
// by an embedding timeout matches ErrRetrieval, ErrEmbedding and ErrTimeout).
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrEmbedding         = errors.New("embedding failed")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrRetrieval         = errors.New("retrieval failed")
	ErrGeneration        = errors.New("generation failed")
	ErrTimeout           = errors.New("provider timed out")
)

// Sentinel errors for query validation failures. All of them are
// ErrInvalidArgument once wrapped in a ValidationError.
var (
	ErrEmptyQuery   = errors.New("empty query")
	ErrBareCount    = errors.New("query holds only a result count")
	ErrNegativeK    = errors.New("negative result count")
	ErrQueryTooLong = errors.New("query too long")
	ErrNonPositiveK = errors.New("result count must be positive")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

// Unwrap exposes both the specific sentinel and ErrInvalidArgument.
func (e *ValidationError) Unwrap() []error { return []error{e.Wrapped, ErrInvalidArgument} }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// StageError tags a failure of one pipeline stage with an error kind.
type StageError struct {
	Stage string
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes the kind and the cause so errors.Is matches either chain.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewStageError creates a StageError.
func NewStageError(stage string, kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// KindOf reports the most specific kind carried by err, preferring a timeout
// over the stage kinds so callers can tell deadline expiry apart.
func KindOf(err error) error {
	for _, k := range []error{ErrInvalidArgument, ErrTimeout, ErrDimensionMismatch, ErrGeneration, ErrEmbedding, ErrRetrieval} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName returns a stable snake_case label for err's kind, for metrics and
// API responses. A nil error is "ok"; an unclassified one is "internal".
func KindName(err error) string {
	if err == nil {
		return "ok"
	}
	switch KindOf(err) {
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrTimeout:
		return "timeout"
	case ErrDimensionMismatch:
		return "dimension_mismatch"
	case ErrGeneration:
		return "generation"
	case ErrEmbedding:
		return "embedding"
	case ErrRetrieval:
		return "retrieval"
	}
	return "internal"
}
