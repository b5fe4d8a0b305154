package domain

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")
	ErrUnavailable  = errors.New("service unavailable")
)

// Specific errors.
var (
	ErrJobNotFound       = fmt.Errorf("job: %w", ErrNotFound)
	ErrProductNotFound   = fmt.Errorf("product: %w", ErrNotFound)
	ErrDuplicateJob      = fmt.Errorf("job already active: %w", ErrConflict)
	ErrInvalidTransition = fmt.Errorf("job state transition: %w", ErrConflict)
	ErrUnknownDEMType    = fmt.Errorf("dem type: %w", ErrInvalidInput)
	ErrStorageDisabled   = fmt.Errorf("storage: %w", ErrUnavailable)
	ErrServiceRejected   = errors.New("request rejected by service")
)

// ValidationError represents a detailed validation error.
type ValidationError struct {
	Field      string      // Field that failed validation
	Value      interface{} // The invalid value
	Constraint string      // The constraint that was violated
	Message    string      // Human-readable message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
		e.Field, e.Message, e.Value, e.Constraint)
}

// Unwrap returns the underlying error type.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string // Configuration field
	Message string // Error message
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error type.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidInput
}

// FetchError is a transient failure fetching one raster cell.
type FetchError struct {
	Cell       string // Cell label, "col,row"
	Attempts   int    // Attempts made so far
	StatusCode int    // HTTP status, 0 for network errors
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching cell %s failed after %d attempt(s) with status %d: %v",
			e.Cell, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetching cell %s failed after %d attempt(s): %v", e.Cell, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is reports transient fetch errors as ErrUnavailable.
func (e *FetchError) Is(target error) bool {
	return target == ErrUnavailable
}

// PartialCoverageWarning records cells that were filled with no-data.
// It is logged against the job and never fails it.
type PartialCoverageWarning struct {
	Failed int
	Total  int
}

// Error implements the error interface.
func (w *PartialCoverageWarning) Error() string {
	return fmt.Sprintf("partial coverage: %d of %d cells failed and were filled with no-data", w.Failed, w.Total)
}

// JobAbortedError is returned when too many cells failed to fetch.
type JobAbortedError struct {
	Failed int
	Total  int
}

// Error implements the error interface.
func (e *JobAbortedError) Error() string {
	return fmt.Sprintf("job aborted: %d of %d cells failed", e.Failed, e.Total)
}

// EncodingError reports a tiling preset that could not be produced.
type EncodingError struct {
	Preset string
	Err    error
}

// Error implements the error interface.
func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding preset %s: %v", e.Preset, e.Err)
}

// Unwrap returns the underlying error.
func (e *EncodingError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a failed artifact write or rename.
type PersistenceError struct {
	Op   string // write, rename, mkdir
	Path string
	Err  error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s of %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Operation string // Operation that failed (put, list, delete)
	Key       string // Object key
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error during %s for %s: %v",
			e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}
