/*
errors.go - Error taxonomy of the rate engine

PURPOSE:
  All engine errors in one place. Every structured error unwraps to a
  sentinel so callers can branch with errors.Is and still reach the
  details with errors.As.

ERROR CATEGORIES:
  1. RangeError          - value or instant outside its domain
  2. OverlapError        - interval collides with an existing record
  3. OrderingError       - open-ended insert older than the current open record
  4. NotFoundError       - close with no open record
  5. UndefinedRateError  - no record in effect where a rate was required

USAGE:
  _, err := reg.Insert(ctx, in)
  var overlap *rate.OverlapError
  if errors.As(err, &overlap) {
      fmt.Println("conflicts with", overlap.Conflicting)
  }

SEE ALSO:
  - registry.go: Produces Range/Overlap/Ordering/NotFound errors
  - resolver.go: Produces UndefinedRateError
  - api/handlers.go: Maps errors to HTTP statuses
*/
package rate

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrRange         = errors.New("value out of range")
	ErrOverlap       = errors.New("interval overlaps an existing record")
	ErrOrdering      = errors.New("open-ended record precedes the current open record")
	ErrNotFound      = errors.New("no open record")
	ErrUndefinedRate = errors.New("undefined rate")

	// ErrUnknownKind is returned when no Variant is registered for a kind.
	ErrUnknownKind = errors.New("unknown rate kind")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RangeError reports a field whose value is outside its domain.
type RangeError struct {
	Field  string
	Value  string
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Field, e.Value, e.Reason)
}

func (e *RangeError) Unwrap() error { return ErrRange }

// OverlapError carries the conflicting record so the caller can correct
// the requested interval.
type OverlapError struct {
	Key           SubjectKey
	Attempted     Interval
	ConflictingID RecordID
	Conflicting   Interval
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("%s: interval %s overlaps record %s %s",
		e.Key, e.Attempted, e.ConflictingID, e.Conflicting)
}

func (e *OverlapError) Unwrap() error { return ErrOverlap }

type OrderingError struct {
	Key         SubjectKey
	Attempted   time.Time
	CurrentID   RecordID
	CurrentFrom time.Time
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("%s: open-ended record from %s precedes current open record %s from %s",
		e.Key, FormatInstant(e.Attempted), e.CurrentID, FormatInstant(e.CurrentFrom))
}

func (e *OrderingError) Unwrap() error { return ErrOrdering }

type NotFoundError struct {
	Key SubjectKey
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: no open record to close", e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// UndefinedRateError means no record of Kind was in effect for SubjectID
// at At. It is never a zero rate.
type UndefinedRateError struct {
	Kind      Kind
	SubjectID SubjectID
	At        time.Time
}

func (e *UndefinedRateError) Error() string {
	return fmt.Sprintf("undefined rate: no %s for %s at %s", e.Kind, e.SubjectID, FormatInstant(e.At))
}

func (e *UndefinedRateError) Unwrap() error { return ErrUndefinedRate }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrRange) || errors.Is(err, ErrUnknownKind)
}

// IsConflict returns true if the write collided with the stored history.
func IsConflict(err error) bool {
	return errors.Is(err, ErrOverlap) || errors.Is(err, ErrOrdering)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsUndefined(err error) bool {
	return errors.Is(err, ErrUndefinedRate)
}
