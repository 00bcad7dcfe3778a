/*
ibm.go - Stage 1: base wage index (IBM)

PURPOSE:
  Reduces the monthly wage rows a user entered into one base amount, the
  "ingreso base mensual" every later stage starts from.

DAY MODES:
  CALENDAR: plain arithmetic mean of the rows inside the range.

  BUSINESS: each row is weighted by the Monday..Friday count of its month,
  then normalized by the total weight:

    IBM = sum(amount_i * bd_i) / sum(bd_i)

    2024-01 (23 bd) 1000
    2024-02 (21 bd) 1100   -> (23000 + 23100 + 21000) / 65 = 1032.31
    2024-03 (21 bd) 1000

  Shorter working months weigh less, so a month with fewer working days does
  not dilute the average as much as a full one.

UNFILLED MONTHS:
  A row with a zero amount is a month not filled in yet (PrefillMonths adds
  them). It is reported in RowsUnfilled and never averaged as a zero wage.

WAGE RE-EXPRESSION:
  ResolveIbmAdjusted first re-expresses each row at a reference date with a
  wage index (RIPTE): amount * V(reference) / V(row month). Averaging is then
  the same as above.

SEE ALSO:
  - update.go: Stage 2, consumes IbmResult.Value
  - generic/time.go: BusinessDaysInMonth
*/
package accident

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/finlegal/accident-engine/generic"
)

// ResolveIbm filters rows to [rangeStart, rangeEnd] and averages them
// according to dayMode. The input slice is not modified.
func ResolveIbm(rows []WageRow, rangeStart, rangeEnd generic.TimePoint, regime Regime, dayMode DayMode) (IbmResult, error) {
	used, unfilled, err := selectRows(rows, rangeStart, rangeEnd, regime, dayMode)
	if err != nil {
		return IbmResult{}, err
	}

	value, weights := average(used, dayMode)
	return IbmResult{
		Value:        generic.RoundMoney(value),
		RowsUsed:     used,
		RowsUnfilled: unfilled,
		RangeStart:   rangeStart,
		RangeEnd:     rangeEnd,
		Regime:       regime,
		DayMode:      dayMode,
		BusinessDays: weights,
	}, nil
}

// WageAdjustment re-expresses wage rows at Reference using a wage index.
type WageAdjustment struct {
	Provider  generic.IndexProvider
	Reference generic.TimePoint
}

// ResolveIbmAdjusted is ResolveIbm over rows re-expressed at adj.Reference.
// RowsUsed reports the rows as entered.
func ResolveIbmAdjusted(ctx context.Context, rows []WageRow, rangeStart, rangeEnd generic.TimePoint, regime Regime, dayMode DayMode, adj WageAdjustment) (IbmResult, error) {
	used, unfilled, err := selectRows(rows, rangeStart, rangeEnd, regime, dayMode)
	if err != nil {
		return IbmResult{}, err
	}
	if adj.Provider == nil || adj.Reference.IsZero() {
		return IbmResult{}, &generic.InputError{Field: "adjustment", Message: "provider and reference date are required"}
	}

	from := used[0].Date.StartOfMonth()
	to := adj.Reference
	if last := used[len(used)-1].Date.StartOfMonth(); last.After(to) {
		to = last
	}
	if to.Before(from) {
		from = to
	}

	points, err := adj.Provider.Lookup(ctx, from, to)
	if err != nil {
		return IbmResult{}, &generic.InsufficientRateDataError{
			Series: adj.Provider.Name(), From: from, To: to, Reason: err.Error(),
		}
	}
	ref, ok := generic.NearestPrior(points, adj.Reference)
	if !ok || !ref.Rate.IsPositive() {
		return IbmResult{}, &generic.InsufficientRateDataError{
			Series: adj.Provider.Name(), From: from, To: to, Reason: "no index value at reference date " + adj.Reference.String(),
		}
	}

	adjusted := make([]WageRow, len(used))
	for i, row := range used {
		month := row.Date.StartOfMonth()
		base, ok := generic.NearestPrior(points, month)
		if !ok || !base.Rate.IsPositive() {
			return IbmResult{}, &generic.InsufficientRateDataError{
				Series: adj.Provider.Name(), From: from, To: to, Reason: "no index value for " + month.String(),
			}
		}
		factor := ref.Rate.DivRound(base.Rate, generic.InternalPrecision)
		adjusted[i] = WageRow{ID: row.ID, Date: row.Date, Amount: row.Amount.Mul(factor)}
	}

	value, weights := average(adjusted, dayMode)
	reference := adj.Reference
	return IbmResult{
		Value:        generic.RoundMoney(value),
		RowsUsed:     used,
		RowsUnfilled: unfilled,
		RangeStart:   rangeStart,
		RangeEnd:     rangeEnd,
		Regime:       regime,
		DayMode:      dayMode,
		BusinessDays: weights,
		AdjustedTo:   &reference,
		AdjustedBy:   adj.Provider.Name(),
	}, nil
}

// selectRows validates the arguments and returns the rows inside the range,
// sorted by date then id. Rows with a zero amount are months not filled in
// yet: they are returned apart and never averaged.
func selectRows(rows []WageRow, rangeStart, rangeEnd generic.TimePoint, regime Regime, dayMode DayMode) (used, unfilled []WageRow, err error) {
	if !regime.Valid() {
		return nil, nil, &generic.InputError{Field: "regime", Value: string(regime), Message: "unknown regime"}
	}
	if !dayMode.Valid() {
		return nil, nil, &generic.InputError{Field: "day_mode", Value: string(dayMode), Message: "unknown day mode"}
	}
	period, err := generic.NewPeriod(rangeStart, rangeEnd)
	if err != nil {
		return nil, nil, err
	}

	for _, row := range rows {
		if !period.Contains(row.Date) {
			continue
		}
		if row.Amount.IsNegative() {
			return nil, nil, &generic.InputError{Field: "amount", Value: row.Amount.String(), Message: "wage amounts must not be negative"}
		}
		if row.Amount.IsZero() {
			unfilled = append(unfilled, row)
			continue
		}
		used = append(used, row)
	}
	if len(used) == 0 {
		return nil, nil, &generic.EmptyRangeError{Start: rangeStart, End: rangeEnd, RowsTotal: len(rows), RowsUnfilled: len(unfilled)}
	}

	sortRows(used)
	sortRows(unfilled)
	return used, unfilled, nil
}

func sortRows(rows []WageRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Date.Equal(rows[j].Date) {
			return rows[i].Date.Before(rows[j].Date)
		}
		return rows[i].ID < rows[j].ID
	})
}

// average returns the unrounded mean and, in BUSINESS mode, the weight of
// each row.
func average(rows []WageRow, dayMode DayMode) (decimal.Decimal, []int) {
	if dayMode == DayModeCalendar {
		sum := decimal.Zero
		for _, row := range rows {
			sum = sum.Add(row.Amount)
		}
		return sum.DivRound(decimal.NewFromInt(int64(len(rows))), generic.InternalPrecision), nil
	}

	weights := make([]int, len(rows))
	weighted := decimal.Zero
	total := 0
	for i, row := range rows {
		bd := generic.BusinessDaysInMonth(row.Date.Year(), row.Date.Month())
		weights[i] = bd
		total += bd
		weighted = weighted.Add(row.Amount.Mul(decimal.NewFromInt(int64(bd))))
	}
	return weighted.DivRound(decimal.NewFromInt(int64(total)), generic.InternalPrecision), weights
}
