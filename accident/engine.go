/*
engine.go - Stage functions bound to reference data

PURPOSE:
  The stage functions in ibm.go, update.go and compensation.go are pure and
  take their reference data as arguments. Engine holds the configured
  providers, minimum tables and coefficients so that callers (HTTP handlers,
  CLI) only pass case data.

REFERENCE DATA:
  - one IndexProvider per update method (wage index for SIMPLE and WEIGHTED,
    active rate for ACTIVE_RATE by default)
  - an optional wage index for Stage 1 re-expression
  - one MinimumSchedule per regime, optionally refined per incapacity
    bracket together with the lump-sum tables

COLLABORATOR FAILURES:
  Any provider failure is reported as InsufficientRateDataError, a missing
  minimum table as NoMinimumDataError. The engine never retries.

SEE ALSO:
  - cmd/server/wiring.go: Builds the engine from sqlite-backed providers
*/
package accident

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/finlegal/accident-engine/generic"
)

// EngineConfig wires reference data into an Engine.
type EngineConfig struct {
	// Providers maps each method to the series it is computed from.
	Providers map[Method]generic.IndexProvider

	// WageIndex re-expresses wage rows in Stage 1. Optional.
	WageIndex generic.IndexProvider

	// Minimums maps each regime to its minimum table.
	Minimums map[Regime]generic.MinimumSchedule

	// Brackets refines Minimums per incapacity bracket. Optional.
	Brackets map[Regime]BracketTables

	Coefficients Coefficients
}

// BracketTables holds the schedules of one regime by bracket. A bracket
// without a floor of its own uses the regime table unscaled.
type BracketTables struct {
	Minimums map[Bracket]generic.MinimumSchedule
	LumpSums map[Bracket]generic.MinimumSchedule
}

// Engine runs the stages against configured reference data. Safe for
// concurrent use as long as the providers are.
type Engine struct {
	providers map[Method]generic.IndexProvider
	wageIndex generic.IndexProvider
	minimums  map[Regime]generic.MinimumSchedule
	brackets  map[Regime]BracketTables
	coeffs    Coefficients
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	coeffs := cfg.Coefficients
	if coeffs.Multiplier.IsZero() && coeffs.ReferenceAge.IsZero() {
		coeffs = DefaultCoefficients()
	}
	if err := coeffs.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		providers: make(map[Method]generic.IndexProvider, len(cfg.Providers)),
		wageIndex: cfg.WageIndex,
		minimums:  make(map[Regime]generic.MinimumSchedule, len(cfg.Minimums)),
		brackets:  make(map[Regime]BracketTables, len(cfg.Brackets)),
		coeffs:    coeffs,
	}
	for m, p := range cfg.Providers {
		if _, ok := methods[m]; !ok {
			return nil, &generic.InputError{Field: "providers", Value: string(m), Message: "unknown update method"}
		}
		e.providers[m] = p
	}
	for r, s := range cfg.Minimums {
		if !r.Valid() {
			return nil, &generic.InputError{Field: "minimums", Value: string(r), Message: "unknown regime"}
		}
		e.minimums[r] = s
	}
	for r, tables := range cfg.Brackets {
		if !r.Valid() {
			return nil, &generic.InputError{Field: "brackets", Value: string(r), Message: "unknown regime"}
		}
		for _, byBracket := range []map[Bracket]generic.MinimumSchedule{tables.Minimums, tables.LumpSums} {
			for b := range byBracket {
				if !b.Valid() {
					return nil, &generic.InputError{Field: "brackets", Value: string(b), Message: "unknown bracket"}
				}
			}
		}
		if _, ok := tables.LumpSums[BracketPartial]; ok {
			return nil, &generic.InputError{Field: "brackets", Value: string(BracketPartial), Message: "partial incapacity has no lump sum"}
		}
		e.brackets[r] = tables
	}
	return e, nil
}

func (e *Engine) Coefficients() Coefficients { return e.coeffs }

// =============================================================================
// STAGE 1
// =============================================================================

// ResolveIbm runs Stage 1. When adjustTo is set the rows are re-expressed at
// that date with the configured wage index first.
func (e *Engine) ResolveIbm(ctx context.Context, rows []WageRow, in IbmInputs, adjustTo *generic.TimePoint) (IbmResult, error) {
	if adjustTo == nil {
		return ResolveIbm(rows, in.RangeStart, in.RangeEnd, in.Regime, in.DayMode)
	}
	if e.wageIndex == nil {
		return IbmResult{}, &generic.InputError{Field: "adjust_to", Value: adjustTo.String(), Message: "no wage index configured"}
	}
	return ResolveIbmAdjusted(ctx, rows, in.RangeStart, in.RangeEnd, in.Regime, in.DayMode, WageAdjustment{
		Provider:  e.wageIndex,
		Reference: *adjustTo,
	})
}

// =============================================================================
// STAGE 2
// =============================================================================

// Update runs one method over the points its provider returns for the window.
func (e *Engine) Update(ctx context.Context, method Method, base decimal.Decimal, start, end generic.TimePoint) (IndexUpdateResult, error) {
	if _, ok := methods[method]; !ok {
		return IndexUpdateResult{}, &generic.InputError{Field: "method", Value: string(method), Message: "unknown update method"}
	}
	if end.Before(start) {
		return IndexUpdateResult{}, &generic.InvalidRangeError{Start: start, End: end}
	}
	provider, ok := e.providers[method]
	if !ok || provider == nil {
		return IndexUpdateResult{}, &generic.InsufficientRateDataError{From: start, To: end, Reason: "no series configured for " + string(method)}
	}

	source, points, err := lookup(ctx, provider, start, end)
	if err != nil {
		return IndexUpdateResult{}, err
	}

	result, err := UpdateIndex(method, base, start, end, points)
	if err != nil {
		var rateErr *generic.InsufficientRateDataError
		if errors.As(err, &rateErr) && rateErr.Series == "" {
			rateErr.Series = source
		}
		return IndexUpdateResult{}, err
	}
	result.Source = source
	return result, nil
}

// UpdateOutcome is the result of one method in UpdateAll.
type UpdateOutcome struct {
	Method Method
	Result IndexUpdateResult
	Err    error
}

// UpdateAll runs every method for the same inputs. Methods fail
// independently; outcomes are in AllMethods order.
func (e *Engine) UpdateAll(ctx context.Context, base decimal.Decimal, start, end generic.TimePoint) []UpdateOutcome {
	outcomes := make([]UpdateOutcome, 0, len(AllMethods))
	for _, m := range AllMethods {
		r, err := e.Update(ctx, m, base, start, end)
		outcomes = append(outcomes, UpdateOutcome{Method: m, Result: r, Err: err})
	}
	return outcomes
}

func lookup(ctx context.Context, p generic.IndexProvider, start, end generic.TimePoint) (string, []generic.RatePoint, error) {
	var (
		source string
		points []generic.RatePoint
		err    error
	)
	if sr, ok := p.(generic.SourceReporter); ok {
		source, points, err = sr.LookupWithSource(ctx, start, end)
	} else {
		source = p.Name()
		points, err = p.Lookup(ctx, start, end)
	}
	if source == "" {
		source = p.Name()
	}
	if err != nil {
		if errors.Is(err, generic.ErrInsufficientRateData) || errors.Is(err, generic.ErrInvalidRange) {
			return "", nil, err
		}
		return "", nil, &generic.InsufficientRateDataError{Series: source, From: start, To: end, Reason: err.Error()}
	}
	if len(points) == 0 {
		return "", nil, &generic.InsufficientRateDataError{Series: source, From: start, To: end, Reason: "no points"}
	}
	return source, points, nil
}

// =============================================================================
// STAGE 3
// =============================================================================

// Compensate runs Stage 3 with the minimum tables of regime. The bracket
// floor is used when the regime has one for the case bracket, the regime
// table otherwise.
func (e *Engine) Compensate(input CompensationInput, regime Regime) (CompensationResult, error) {
	if !regime.Valid() {
		return CompensationResult{}, &generic.InputError{Field: "regime", Value: string(regime), Message: "unknown regime"}
	}
	if err := input.Validate(); err != nil {
		return CompensationResult{}, err
	}

	bracket := BracketOf(input.IncapacityPercent, input.IsDeath)
	tables := e.brackets[regime]

	var rule MinimumRule
	if floor, ok := tables.Minimums[bracket]; ok {
		rule = MinimumRule{Floor: floor, Scaled: bracket.ScalesMinimum()}
	} else if floor, ok := e.minimums[regime]; ok {
		rule = MinimumRule{Floor: floor}
	} else {
		return CompensationResult{}, &generic.NoMinimumDataError{Schedule: string(regime), At: input.IbmDate}
	}
	if lumpSum, ok := tables.LumpSums[bracket]; ok {
		rule.LumpSum = lumpSum
	}
	return ComputeCompensationRule(input, rule, e.coeffs)
}
