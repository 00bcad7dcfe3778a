/*
Package accident implements the three-stage work accident compensation
pipeline on top of the generic primitives.

STAGES:
  1. ibm.go:          wage rows -> base wage index (IBM)
  2. update.go:       IBM -> amount updated to a target date by an index method
  3. compensation.go: updated amount + claimant data -> compensation, floored
                      at the legal minimum

  session.go keeps the inputs and results of every stage in one versioned
  aggregate so that each stage can default its inputs from the previous one.
  engine.go wires stages to reference data (index providers, minimum tables,
  coefficients).

DATA FLOW:
  Stage 1 -> Stage 2 -> Stage 3, but any stage may be re-run with overridden
  inputs. Recomputing Stage 1 does not erase Stage 2 or Stage 3 results.

SEE ALSO:
  - generic/series.go: IndexProvider and MinimumSchedule
  - generic/errors.go: Error taxonomy shared by all stages
  - api/handlers.go: HTTP surface over Engine and Session
*/
package accident

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/finlegal/accident-engine/generic"
)

// =============================================================================
// ENUMERATIONS
// =============================================================================

// Regime tags which legal framework governs the case. It does not change the
// Stage 1 arithmetic; Stage 3 uses it to select the minimum table.
type Regime string

const (
	RegimePre27348  Regime = "PRE_27348"
	RegimePost27348 Regime = "POST_27348"
)

func (r Regime) Valid() bool {
	return r == RegimePre27348 || r == RegimePost27348
}

// DayMode selects how wage rows are weighted when averaged.
type DayMode string

const (
	DayModeCalendar DayMode = "CALENDAR"
	DayModeBusiness DayMode = "BUSINESS"
)

func (m DayMode) Valid() bool {
	return m == DayModeCalendar || m == DayModeBusiness
}

// Method selects the Stage 2 index update methodology.
type Method string

const (
	MethodSimple     Method = "SIMPLE"
	MethodWeighted   Method = "WEIGHTED"
	MethodActiveRate Method = "ACTIVE_RATE"
)

// AllMethods lists the methods in display order.
var AllMethods = []Method{MethodSimple, MethodWeighted, MethodActiveRate}

// ParseMethod accepts the canonical names case-insensitively.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := methods[m]; !ok {
		return "", &generic.InputError{Field: "method", Value: s, Message: "unknown update method"}
	}
	return m, nil
}

// =============================================================================
// STAGE 1 TYPES
// =============================================================================

// WageRow is one monthly wage entry. IDs are unique within a session.
type WageRow struct {
	ID     int               `json:"id"`
	Date   generic.TimePoint `json:"date"`
	Amount decimal.Decimal   `json:"amount"`
}

// IbmResult is the output of ResolveIbm. Replaced wholesale on recompute.
type IbmResult struct {
	Value      decimal.Decimal   `json:"value"`
	RowsUsed   []WageRow         `json:"rows_used"`
	RangeStart generic.TimePoint `json:"range_start"`
	RangeEnd   generic.TimePoint `json:"range_end"`
	Regime     Regime            `json:"regime"`
	DayMode    DayMode           `json:"day_mode"`

	// RowsUnfilled are zero-amount rows inside the range. They are months
	// the user has not filled in and are left out of the mean.
	RowsUnfilled []WageRow `json:"rows_unfilled,omitempty"`

	// BusinessDays holds the weight of each used row, same order as RowsUsed.
	// Only set in BUSINESS mode.
	BusinessDays []int `json:"business_days,omitempty"`

	// AdjustedTo is set when row amounts were re-expressed to a reference date.
	AdjustedTo *generic.TimePoint `json:"adjusted_to,omitempty"`
	AdjustedBy string             `json:"adjusted_by,omitempty"`
}

// =============================================================================
// STAGE 2 TYPES
// =============================================================================

// IndexUpdateResult is the output of one update method.
type IndexUpdateResult struct {
	Method            Method              `json:"method"`
	StartDate         generic.TimePoint   `json:"start_date"`
	EndDate           generic.TimePoint   `json:"end_date"`
	BaseAmount        decimal.Decimal     `json:"base_amount"`
	FinalAmount       decimal.Decimal     `json:"final_amount"`
	AppliedRatePoints []generic.RatePoint `json:"applied_rate_points"`

	// Source is the series that answered the lookup (see FallbackProvider).
	Source   string    `json:"source,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
}

// Factor returns FinalAmount / BaseAmount.
func (r IndexUpdateResult) Factor() decimal.Decimal {
	if r.BaseAmount.IsZero() {
		return decimal.Zero
	}
	return r.FinalAmount.DivRound(r.BaseAmount, generic.InternalPrecision)
}

// Segment is one compounding step of WEIGHTED or one constant-rate run of
// ACTIVE_RATE.
type Segment struct {
	From   generic.TimePoint `json:"from"`
	To     generic.TimePoint `json:"to"`
	Days   int               `json:"days"`
	Rate   decimal.Decimal   `json:"rate"`
	Factor decimal.Decimal   `json:"factor"`
}

// =============================================================================
// STAGE 3 TYPES
// =============================================================================

// CompensationInput holds the Stage 3 inputs.
type CompensationInput struct {
	BirthDate         generic.TimePoint `json:"birth_date"`
	DeclarationDate   generic.TimePoint `json:"declaration_date"`
	IncapacityPercent decimal.Decimal   `json:"incapacity_percent"`
	IsDeath           bool              `json:"is_death"`
	IsCommuteAccident bool              `json:"is_commute_accident"`
	IbmDate           generic.TimePoint `json:"ibm_date"`
	IbmValue          decimal.Decimal   `json:"ibm_value"`
}

// Validate rejects inputs outside their documented domain.
func (in CompensationInput) Validate() error {
	if in.BirthDate.IsZero() {
		return &generic.InputError{Field: "birth_date", Message: "required"}
	}
	if in.DeclarationDate.IsZero() {
		return &generic.InputError{Field: "declaration_date", Message: "required"}
	}
	if in.IbmDate.IsZero() {
		return &generic.InputError{Field: "ibm_date", Message: "required"}
	}
	if in.DeclarationDate.Before(in.BirthDate) {
		return &generic.InvalidDateOrderError{
			Earlier: in.BirthDate, EarlierLabel: "birth date",
			Later: in.DeclarationDate, LaterLabel: "declaration date",
		}
	}
	if in.IncapacityPercent.IsNegative() || in.IncapacityPercent.GreaterThan(decimal.NewFromInt(100)) {
		return &generic.InputError{
			Field:   "incapacity_percent",
			Value:   in.IncapacityPercent.String(),
			Message: "must be between 0 and 100",
		}
	}
	if in.IbmValue.IsNegative() {
		return &generic.InputError{Field: "ibm_value", Value: in.IbmValue.String(), Message: "must not be negative"}
	}
	return nil
}

// CompensationResult is the Stage 3 output.
type CompensationResult struct {
	ComputedAmount    decimal.Decimal `json:"computed_amount"`
	MinimumApplied    decimal.Decimal `json:"minimum_applied"`
	FinalAmount       decimal.Decimal `json:"final_amount"`
	MinimumWasBinding bool            `json:"minimum_was_binding"`

	AgeAtDeclaration     int               `json:"age_at_declaration"`
	Coefficient          decimal.Decimal   `json:"coefficient"`
	MinimumEffectiveDate generic.TimePoint `json:"minimum_effective_date"`
	MinimumReference     string            `json:"minimum_reference,omitempty"`

	// Bracket is the incapacity bracket the minimum was chosen for.
	// MinimumBase is the table amount before scaling by the incapacity
	// percentage; it equals MinimumApplied when the floor is not scaled.
	Bracket       Bracket         `json:"bracket"`
	MinimumBase   decimal.Decimal `json:"minimum_base"`
	MinimumScaled bool            `json:"minimum_scaled"`

	// LumpSum is the single payment owed on top of the compensation for
	// the bracket. It is not part of FinalAmount.
	LumpSum *LumpSum `json:"lump_sum,omitempty"`
}

// LumpSum is the additional single payment of a bracket.
type LumpSum struct {
	Amount        decimal.Decimal   `json:"amount"`
	EffectiveDate generic.TimePoint `json:"effective_date"`
	Reference     string            `json:"reference,omitempty"`
}

func (r CompensationResult) String() string {
	return fmt.Sprintf("computed=%s minimum=%s final=%s binding=%t",
		r.ComputedAmount.StringFixed(2), r.MinimumApplied.StringFixed(2),
		r.FinalAmount.StringFixed(2), r.MinimumWasBinding)
}
