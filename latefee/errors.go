/*
errors.go - Error types for the late-fee engine

PURPOSE:
  All error types in one place. Callers branch with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Not found - A target record is absent. Single-target calls turn this
     into a nil Calculation (logged, not returned) so batches keep going.
  2. Data access - The underlying fetch failed. Propagated, never retried.
  3. Rule validation - A rule violates the fee-structure invariant.
  4. Cache - The rule cache failed. Degrades to an uncached read.

NOT ERRORS:
  Zero days overdue and "no applicable rule" are valid business results
  represented by a nil Calculation.

SEE ALSO:
  - engine.go: Maps these errors to outcomes
  - rulestore.go: Cache degradation
*/
package latefee

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned by a DataSource when a record doesn't exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRule is returned when a rule's fee structure doesn't match
	// its rule type or carries invalid values.
	ErrInvalidRule = errors.New("invalid late fee rule")

	// ErrCache is returned by RuleCache implementations on backend failure.
	ErrCache = errors.New("rule cache failure")

	// ErrDataAccess marks failures of the underlying data store.
	ErrDataAccess = errors.New("data access failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "invoice", "contract", "payment", "rule"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// DataAccessError wraps a failed fetch with the operation that failed.
type DataAccessError struct {
	Op  string
	Err error
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("data access: %s: %v", e.Op, e.Err)
}

func (e *DataAccessError) Unwrap() []error {
	return []error{ErrDataAccess, e.Err}
}

// RuleValidationError describes why a rule was rejected.
type RuleValidationError struct {
	RuleID string
	Field  string
	Reason string
}

func (e *RuleValidationError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid rule %s: %s: %s", e.RuleID, e.Field, e.Reason)
}

func (e *RuleValidationError) Unwrap() error {
	return ErrInvalidRule
}

// RowError is one failed record inside a batch. The batch keeps going.
type RowError struct {
	TargetType TargetType
	TargetID   string
	Err        error
}

func (e RowError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.TargetType, e.TargetID, e.Err)
}

func (e RowError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDataAccess returns true if a data store read failed.
func IsDataAccess(err error) bool {
	return errors.Is(err, ErrDataAccess)
}

// IsClientError returns true if the error is due to invalid input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRule)
}

// wrapAccess converts a DataSource error into the engine's taxonomy.
// Not-found errors pass through untouched.
func wrapAccess(op string, err error) error {
	if err == nil || IsNotFound(err) {
		return err
	}
	var dae *DataAccessError
	if errors.As(err, &dae) {
		return err
	}
	return &DataAccessError{Op: op, Err: err}
}
