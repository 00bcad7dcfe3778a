/*
Package generic provides the domain-agnostic calculation primitives.

PURPOSE:
  This package contains the types every stage of the compensation pipeline
  shares: calendar dates, inclusive periods, dated index points, legal
  minimum schedules, the error taxonomy and the persistence interface for
  session state. It has no knowledge of wages, incapacity or legal regimes.

KEY CONCEPTS IN THIS FILE (types.go):
  - RatePoint: One published value of an index or rate series at a date
  - MinimumEntry: One legally mandated floor amount and its effective date
  - Decimal helpers: parsing, rounding and precision constants

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Reproducibility: Fixed internal precision, cents on every reported amount
  3. Read-only reference data: Series are never mutated by calculations

SEE ALSO:
  - time.go: TimePoint and calendar arithmetic
  - series.go: Lookup semantics over RatePoints and MinimumEntries
  - store.go: Session state persistence interface
*/
package generic

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PRECISION
// =============================================================================

const (
	// InternalPrecision is the number of decimal places intermediate factors
	// are rounded to. Keeps long compounding chains bounded and reproducible.
	InternalPrecision int32 = 16

	// MoneyPrecision is the number of decimal places of every reported amount.
	MoneyPrecision int32 = 2
)

// RoundMoney rounds to cents, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPrecision)
}

// =============================================================================
// RATE POINT - Dated value of a published series
// =============================================================================

// RatePoint is one published value. Depending on the series it is an index
// level (RIPTE, CER) or a nominal annual rate in percent (tasa activa).
type RatePoint struct {
	Date TimePoint       `json:"date"`
	Rate decimal.Decimal `json:"rate"`
}

// SortPoints orders points by date, oldest first.
func SortPoints(points []RatePoint) {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Date.Before(points[j].Date)
	})
}

// =============================================================================
// MINIMUM ENTRY - Legal floor effective from a date
// =============================================================================

// MinimumEntry is a legally mandated minimum amount, effective from
// EffectiveDate until superseded by a later entry.
type MinimumEntry struct {
	EffectiveDate TimePoint       `json:"effective_date"`
	Amount        decimal.Decimal `json:"amount"`
	Reference     string          `json:"reference,omitempty"` // e.g. resolution number
}
