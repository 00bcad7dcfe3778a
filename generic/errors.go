/*
errors.go - Centralized error types for the calculation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every calculation error is recoverable by correcting the input, so each
  structured error carries the dates or range the caller has to fix.

ERROR CATEGORIES:
  1. Range errors - empty or inverted date ranges
  2. Reference data errors - missing rate points or minimum amounts
  3. Input errors - numbers outside their documented domain
  4. Store errors - missing persisted slots

USAGE:
  Callers branch with errors.Is / errors.As:

    if errors.Is(err, generic.ErrInsufficientRateData) {
        var rateErr *generic.InsufficientRateDataError
        errors.As(err, &rateErr)
        // rateErr.From / rateErr.To name the uncovered window
    }

SEE ALSO:
  - series.go: Provider lookups that produce reference data errors
  - accident/: Stage functions that produce range and input errors
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrEmptyRange is returned when no wage row falls inside the requested range.
	ErrEmptyRange = errors.New("no rows in range")

	// ErrInvalidRange is returned when a range ends before it starts.
	ErrInvalidRange = errors.New("invalid range: end before start")

	// ErrInvalidDateOrder is returned when two dates that must be ordered are not
	// (e.g. declaration before birth).
	ErrInvalidDateOrder = errors.New("invalid date order")

	// ErrInsufficientRateData is returned when the index table cannot cover a range.
	ErrInsufficientRateData = errors.New("insufficient rate data")

	// ErrNoMinimumData is returned when no legal minimum is effective at a date.
	ErrNoMinimumData = errors.New("no minimum amount data")

	// ErrInvalidInput is returned for numbers outside their documented domain.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSlotNotFound is returned by state stores when nothing was persisted yet.
	ErrSlotNotFound = errors.New("state slot not found")

	// ErrSeriesNotFound is returned when a named series has never been loaded.
	ErrSeriesNotFound = errors.New("series not found")

	// ErrRowNotFound is returned when a wage row id does not exist in the session.
	ErrRowNotFound = errors.New("wage row not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// EmptyRangeError reports the range that matched no rows.
type EmptyRangeError struct {
	Start        TimePoint
	End          TimePoint
	RowsTotal    int
	RowsUnfilled int // zero-amount rows inside the range
}

func (e *EmptyRangeError) Error() string {
	if e.RowsUnfilled > 0 {
		return fmt.Sprintf("no filled wage rows between %s and %s (%d rows entered, %d in range without amount)",
			e.Start, e.End, e.RowsTotal, e.RowsUnfilled)
	}
	return fmt.Sprintf("no wage rows between %s and %s (%d rows entered)", e.Start, e.End, e.RowsTotal)
}

func (e *EmptyRangeError) Unwrap() error { return ErrEmptyRange }

// InvalidRangeError reports an inverted range.
type InvalidRangeError struct {
	Start TimePoint
	End   TimePoint
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range: end %s is before start %s", e.End, e.Start)
}

func (e *InvalidRangeError) Unwrap() error { return ErrInvalidRange }

// InvalidDateOrderError reports two dates in the wrong order.
type InvalidDateOrderError struct {
	Earlier      TimePoint
	Later        TimePoint
	EarlierLabel string
	LaterLabel   string
}

func (e *InvalidDateOrderError) Error() string {
	return fmt.Sprintf("%s %s is before %s %s", e.LaterLabel, e.Later, e.EarlierLabel, e.Earlier)
}

func (e *InvalidDateOrderError) Unwrap() error { return ErrInvalidDateOrder }

// InsufficientRateDataError reports the window the index table could not cover.
type InsufficientRateDataError struct {
	Series string
	From   TimePoint
	To     TimePoint
	Reason string
}

func (e *InsufficientRateDataError) Error() string {
	msg := fmt.Sprintf("insufficient rate data for [%s, %s]", e.From, e.To)
	if e.Series != "" {
		msg += " in series " + e.Series
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InsufficientRateDataError) Unwrap() error { return ErrInsufficientRateData }

// NoMinimumDataError reports the date for which no minimum is effective.
type NoMinimumDataError struct {
	Schedule string
	At       TimePoint
	Reason   string
}

func (e *NoMinimumDataError) Error() string {
	msg := fmt.Sprintf("no minimum amount effective at %s", e.At)
	if e.Schedule != "" {
		msg += " in " + e.Schedule
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *NoMinimumDataError) Unwrap() error { return ErrNoMinimumData }

// InputError reports a field outside its documented domain.
type InputError struct {
	Field   string
	Value   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s (%s): %s", e.Field, e.Value, e.Message)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrEmptyRange) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidDateOrder) ||
		errors.Is(err, ErrInsufficientRateData) ||
		errors.Is(err, ErrNoMinimumData) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSlotNotFound) ||
		errors.Is(err, ErrSeriesNotFound) ||
		errors.Is(err, ErrRowNotFound)
}
