/*
compensation.go - Stage 3: compensation formula and legal minimum

PURPOSE:
  Turns the updated base amount into the compensation owed to the claimant
  and floors it at the minimum amount in force at the IBM date.

FORMULA:
  age         = completed years from birth to declaration
  coefficient = Multiplier * ReferenceAge / age       (53 * 65 / age)
  factor      = incapacity / 100, or DeathFactor when the case is a death
  computed    = ibm * coefficient * factor (+ CommuteSupplement in itinere)
  final       = max(computed, minimum at ibm date)

  The coefficient strictly decreases with age, so older claimants receive a
  smaller amount for the same incapacity.

BRACKETS:
  PARTIAL  incapacity <= 50%          floor scaled by incapacity (art. 14.2.a)
  MAJOR    50% < incapacity < 66%     floor scaled by incapacity (art. 14.2.b)
                                      lump sum art. 11.a
  TOTAL    incapacity >= 66%          full floor (art. 15.2), lump sum art. 11.b
  DEATH    any incapacity             full floor (art. 15.2), lump sum art. 11.c

  A bracket floor replaces the regime table when one is configured. The lump
  sum is reported apart; it never changes FinalAmount.

REFERENCE DATA:
  Coefficients and the minimum table are injected. The defaults below carry
  the multiplier and reference age of Ley 24.557 art. 14; DeathFactor and
  CommuteSupplement must be configured for the jurisdiction.

SEE ALSO:
  - engine.go: Picks the minimum tables for the case regime and bracket
  - config/config.go: Coefficient overrides
*/
package accident

import (
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/finlegal/accident-engine/generic"
)

// Coefficients parameterize the Stage 3 formula.
type Coefficients struct {
	Multiplier        decimal.Decimal `json:"multiplier"`
	ReferenceAge      decimal.Decimal `json:"reference_age"`
	DeathFactor       decimal.Decimal `json:"death_factor"`
	CommuteSupplement decimal.Decimal `json:"commute_supplement"`
}

// DefaultCoefficients returns 53 x 65 / age with a death factor of 1 and no
// commute supplement.
func DefaultCoefficients() Coefficients {
	return Coefficients{
		Multiplier:        decimal.NewFromInt(53),
		ReferenceAge:      decimal.NewFromInt(65),
		DeathFactor:       decimal.NewFromInt(1),
		CommuteSupplement: decimal.Zero,
	}
}

func (c Coefficients) Validate() error {
	if !c.Multiplier.IsPositive() {
		return &generic.InputError{Field: "multiplier", Value: c.Multiplier.String(), Message: "must be positive"}
	}
	if !c.ReferenceAge.IsPositive() {
		return &generic.InputError{Field: "reference_age", Value: c.ReferenceAge.String(), Message: "must be positive"}
	}
	if c.DeathFactor.IsNegative() {
		return &generic.InputError{Field: "death_factor", Value: c.DeathFactor.String(), Message: "must not be negative"}
	}
	if c.CommuteSupplement.IsNegative() {
		return &generic.InputError{Field: "commute_supplement", Value: c.CommuteSupplement.String(), Message: "must not be negative"}
	}
	return nil
}

// AgeCoefficient returns Multiplier * ReferenceAge / age.
func (c Coefficients) AgeCoefficient(age int) (decimal.Decimal, error) {
	if age <= 0 {
		return decimal.Zero, &generic.InputError{Field: "age", Value: strconv.Itoa(age), Message: "age at declaration must be at least one year"}
	}
	return c.Multiplier.Mul(c.ReferenceAge).DivRound(decimal.NewFromInt(int64(age)), generic.InternalPrecision), nil
}

var hundred = decimal.NewFromInt(100)

// =============================================================================
// BRACKETS
// =============================================================================

// Bracket classifies a case for the minimum and lump-sum tables.
type Bracket string

const (
	BracketPartial Bracket = "PARTIAL"
	BracketMajor   Bracket = "MAJOR"
	BracketTotal   Bracket = "TOTAL"
	BracketDeath   Bracket = "DEATH"
)

// AllBrackets lists the brackets from least to most severe.
var AllBrackets = []Bracket{BracketPartial, BracketMajor, BracketTotal, BracketDeath}

var (
	majorFrom = decimal.NewFromInt(50)
	totalFrom = decimal.NewFromInt(66)
)

// BracketOf classifies an incapacity percentage. Death overrides it.
func BracketOf(incapacity decimal.Decimal, isDeath bool) Bracket {
	switch {
	case isDeath:
		return BracketDeath
	case incapacity.GreaterThanOrEqual(totalFrom):
		return BracketTotal
	case incapacity.GreaterThan(majorFrom):
		return BracketMajor
	default:
		return BracketPartial
	}
}

func (b Bracket) Valid() bool {
	switch b {
	case BracketPartial, BracketMajor, BracketTotal, BracketDeath:
		return true
	}
	return false
}

// ScalesMinimum reports whether the bracket floor is proportional to the
// incapacity percentage.
func (b Bracket) ScalesMinimum() bool {
	return b == BracketPartial || b == BracketMajor
}

// ParseBracket accepts any letter case.
func ParseBracket(s string) (Bracket, error) {
	b := Bracket(strings.ToUpper(strings.TrimSpace(s)))
	if !b.Valid() {
		return "", &generic.InputError{Field: "bracket", Value: s, Message: "unknown bracket"}
	}
	return b, nil
}

// MinimumRule is the floor that applies to one case and the lump-sum table
// reported with it.
type MinimumRule struct {
	Floor generic.MinimumSchedule

	// Scaled multiplies the floor by the incapacity percentage.
	Scaled bool

	// LumpSum is optional.
	LumpSum generic.MinimumSchedule
}

// =============================================================================
// COMPUTE
// =============================================================================

// ComputeCompensation applies the formula to input and floors the result at
// the minimum effective at input.IbmDate.
func ComputeCompensation(input CompensationInput, minimums generic.MinimumSchedule, coeffs Coefficients) (CompensationResult, error) {
	return ComputeCompensationRule(input, MinimumRule{Floor: minimums}, coeffs)
}

// ComputeCompensationRule is ComputeCompensation with a bracket rule: the
// floor may be scaled and a lump sum looked up at the same date.
func ComputeCompensationRule(input CompensationInput, rule MinimumRule, coeffs Coefficients) (CompensationResult, error) {
	if err := input.Validate(); err != nil {
		return CompensationResult{}, err
	}
	if err := coeffs.Validate(); err != nil {
		return CompensationResult{}, err
	}

	age := generic.CompletedYears(input.BirthDate, input.DeclarationDate)
	coefficient, err := coeffs.AgeCoefficient(age)
	if err != nil {
		return CompensationResult{}, err
	}

	factor := input.IncapacityPercent.Div(hundred)
	if input.IsDeath {
		factor = coeffs.DeathFactor
	}
	computed := input.IbmValue.Mul(coefficient).Mul(factor)
	if input.IsCommuteAccident {
		computed = computed.Add(coeffs.CommuteSupplement)
	}
	computed = generic.RoundMoney(computed)

	entry, err := effectiveMinimum(rule.Floor, input.IbmDate)
	if err != nil {
		return CompensationResult{}, err
	}
	base := generic.RoundMoney(entry.Amount)
	minimum := base
	if rule.Scaled {
		minimum = generic.RoundMoney(entry.Amount.Mul(input.IncapacityPercent).Div(hundred))
	}

	var lumpSum *LumpSum
	if rule.LumpSum != nil {
		ls, err := effectiveMinimum(rule.LumpSum, input.IbmDate)
		if err != nil {
			return CompensationResult{}, err
		}
		lumpSum = &LumpSum{Amount: generic.RoundMoney(ls.Amount), EffectiveDate: ls.EffectiveDate, Reference: ls.Reference}
	}

	final := decimal.Max(computed, minimum)
	return CompensationResult{
		ComputedAmount:       computed,
		MinimumApplied:       minimum,
		FinalAmount:          final,
		MinimumWasBinding:    minimum.GreaterThan(computed),
		AgeAtDeclaration:     age,
		Coefficient:          coefficient,
		MinimumEffectiveDate: entry.EffectiveDate,
		MinimumReference:     entry.Reference,
		Bracket:              BracketOf(input.IncapacityPercent, input.IsDeath),
		MinimumBase:          base,
		MinimumScaled:        rule.Scaled,
		LumpSum:              lumpSum,
	}, nil
}

func effectiveMinimum(schedule generic.MinimumSchedule, at generic.TimePoint) (generic.MinimumEntry, error) {
	if schedule == nil {
		return generic.MinimumEntry{}, &generic.NoMinimumDataError{At: at}
	}
	entry, err := schedule.EffectiveAt(at)
	if err != nil {
		if errors.Is(err, generic.ErrNoMinimumData) {
			return generic.MinimumEntry{}, err
		}
		return generic.MinimumEntry{}, &generic.NoMinimumDataError{At: at, Reason: err.Error()}
	}
	return entry, nil
}
