/*
update.go - Stage 2: index update methods

PURPOSE:
  Projects a base amount from a start date to an end date using a published
  series. Three methods are available and may be computed side by side for
  the same inputs; none is authoritative until the user picks one.

METHODS:
  SIMPLE       one flat ratio, no intermediate compounding
                 final = base * V(end) / V(start)

  WEIGHTED     chain of sub-intervals between consecutive points; each
               sub-interval contributes its per-day rate raised to the number
               of its days that fall inside [start, end]
                 r_i   = (v[i+1] / v[i]) ^ (1 / days_i)
                 final = base * prod(r_i ^ overlap_i)

  ACTIVE_RATE  daily compounding of a nominal annual rate (percent)
                 final = base * prod over days d in [start, end) of
                         (1 + rate(d) / 100 / 365)

  V(d) and rate(d) are always the latest point dated at or before d. The
  series is flat after its last point.

PRECISION:
  Factors are carried at generic.InternalPrecision; final amounts are rounded
  to cents.

ADDING A METHOD:
  Write one updateFunc and register it in methods. Callers dispatch by
  Method and never need to change.

SEE ALSO:
  - engine.go: Looks up the points from the configured providers
  - generic/series.go: WindowWithAnchor, NearestPrior
*/
package accident

import (
	"github.com/shopspring/decimal"

	"github.com/finlegal/accident-engine/generic"
)

// updateFunc computes one method over a window already trimmed so that
// points[0] is the latest point at or before start and no point is after end.
type updateFunc func(base decimal.Decimal, start, end generic.TimePoint, points []generic.RatePoint) (decimal.Decimal, []generic.RatePoint, []Segment, error)

var methods = map[Method]updateFunc{
	MethodSimple:     updateSimple,
	MethodWeighted:   updateWeighted,
	MethodActiveRate: updateActiveRate,
}

var (
	one       = decimal.NewFromInt(1)
	dailyBase = decimal.NewFromInt(36500) // percent * days per year
)

// UpdateIndex projects baseAmount from startDate to endDate with method.
// points may be any superset of the window; it is not modified.
func UpdateIndex(method Method, baseAmount decimal.Decimal, startDate, endDate generic.TimePoint, points []generic.RatePoint) (IndexUpdateResult, error) {
	fn, ok := methods[method]
	if !ok {
		return IndexUpdateResult{}, &generic.InputError{Field: "method", Value: string(method), Message: "unknown update method"}
	}
	if endDate.Before(startDate) {
		return IndexUpdateResult{}, &generic.InvalidRangeError{Start: startDate, End: endDate}
	}
	if !baseAmount.IsPositive() {
		return IndexUpdateResult{}, &generic.InputError{Field: "base_amount", Value: baseAmount.String(), Message: "must be positive"}
	}
	if len(points) == 0 {
		return IndexUpdateResult{}, &generic.InsufficientRateDataError{From: startDate, To: endDate, Reason: "no points"}
	}

	window := trimWindow(generic.NewSeries("", points).Points(), startDate, endDate)
	if len(window) == 0 || window[0].Date.After(startDate) {
		return IndexUpdateResult{}, &generic.InsufficientRateDataError{
			From: startDate, To: endDate, Reason: "no point at or before " + startDate.String(),
		}
	}

	final, applied, segments, err := fn(baseAmount, startDate, endDate, window)
	if err != nil {
		return IndexUpdateResult{}, err
	}
	return IndexUpdateResult{
		Method:            method,
		StartDate:         startDate,
		EndDate:           endDate,
		BaseAmount:        baseAmount,
		FinalAmount:       generic.RoundMoney(final),
		AppliedRatePoints: applied,
		Segments:          segments,
	}, nil
}

// trimWindow keeps the latest point at or before start and every later point
// up to end.
func trimWindow(sorted []generic.RatePoint, start, end generic.TimePoint) []generic.RatePoint {
	window := generic.WindowWithAnchor(sorted, start, end)
	for len(window) > 1 && window[1].Date.BeforeOrEqual(start) {
		window = window[1:]
	}
	return window
}

// =============================================================================
// SIMPLE
// =============================================================================

func updateSimple(base decimal.Decimal, start, end generic.TimePoint, points []generic.RatePoint) (decimal.Decimal, []generic.RatePoint, []Segment, error) {
	from := points[0]
	to := points[len(points)-1]
	if err := requirePositive(from); err != nil {
		return decimal.Zero, nil, nil, err
	}
	if err := requirePositive(to); err != nil {
		return decimal.Zero, nil, nil, err
	}

	ratio := to.Rate.DivRound(from.Rate, generic.InternalPrecision)
	applied := []generic.RatePoint{from}
	if !to.Date.Equal(from.Date) {
		applied = append(applied, to)
	}
	segment := Segment{From: start, To: end, Days: generic.DaysBetween(start, end), Rate: ratio, Factor: ratio}
	return base.Mul(ratio), applied, []Segment{segment}, nil
}

// =============================================================================
// WEIGHTED
// =============================================================================

func updateWeighted(base decimal.Decimal, start, end generic.TimePoint, points []generic.RatePoint) (decimal.Decimal, []generic.RatePoint, []Segment, error) {
	for _, p := range points {
		if err := requirePositive(p); err != nil {
			return decimal.Zero, nil, nil, err
		}
	}

	amount := base
	var segments []Segment
	for i := 0; i+1 < len(points); i++ {
		left, right := points[i], points[i+1]
		days := generic.DaysBetween(left.Date, right.Date)

		from := left.Date
		if from.Before(start) {
			from = start
		}
		overlap := generic.DaysBetween(from, right.Date)
		if overlap <= 0 {
			continue
		}

		ratio := right.Rate.DivRound(left.Rate, generic.InternalPrecision)
		daily, factor := ratio, ratio
		if !ratio.Equal(one) {
			var err error
			if daily, err = powFraction(ratio, 1, days); err != nil {
				return decimal.Zero, nil, nil, err
			}
			if overlap != days {
				if factor, err = powFraction(ratio, overlap, days); err != nil {
					return decimal.Zero, nil, nil, err
				}
			}
		}

		amount = amount.Mul(factor).Round(generic.InternalPrecision)
		segments = append(segments, Segment{From: from, To: right.Date, Days: overlap, Rate: daily, Factor: factor})
	}

	// flat tail after the last point
	last := points[len(points)-1].Date
	if last.Before(start) {
		last = start
	}
	if tail := generic.DaysBetween(last, end); tail > 0 {
		segments = append(segments, Segment{From: last, To: end, Days: tail, Rate: one, Factor: one})
	}

	return amount, copyPoints(points), segments, nil
}

// powFraction returns ratio^(num/den).
func powFraction(ratio decimal.Decimal, num, den int) (decimal.Decimal, error) {
	exp := decimal.NewFromInt(int64(num)).DivRound(decimal.NewFromInt(int64(den)), generic.InternalPrecision)
	out, err := ratio.PowWithPrecision(exp, generic.InternalPrecision)
	if err != nil {
		return decimal.Zero, &generic.InputError{Field: "rate", Value: ratio.String(), Message: err.Error()}
	}
	return out.Round(generic.InternalPrecision), nil
}

// =============================================================================
// ACTIVE RATE
// =============================================================================

func updateActiveRate(base decimal.Decimal, start, end generic.TimePoint, points []generic.RatePoint) (decimal.Decimal, []generic.RatePoint, []Segment, error) {
	amount := base
	var (
		segments []Segment
		current  *Segment
		next     = 1
		applied  = []generic.RatePoint{points[0]}
		rate     = points[0]
	)

	for day := start; day.Before(end); day = day.AddDays(1) {
		for next < len(points) && points[next].Date.BeforeOrEqual(day) {
			rate = points[next]
			applied = append(applied, rate)
			next++
		}

		factor := one.Add(rate.Rate.DivRound(dailyBase, generic.InternalPrecision))
		if !factor.IsPositive() {
			return decimal.Zero, nil, nil, &generic.InputError{
				Field: "rate", Value: rate.Rate.String(), Message: "annual rate yields a non-positive daily factor",
			}
		}
		amount = amount.Mul(factor).Round(generic.InternalPrecision)

		if current == nil || !current.Rate.Equal(rate.Rate) {
			if current != nil {
				segments = append(segments, *current)
			}
			current = &Segment{From: day, Rate: rate.Rate, Factor: one}
		}
		current.Days++
		current.To = day.AddDays(1)
		current.Factor = current.Factor.Mul(factor).Round(generic.InternalPrecision)
	}
	if current != nil {
		segments = append(segments, *current)
	}

	return amount, applied, segments, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func requirePositive(p generic.RatePoint) error {
	if !p.Rate.IsPositive() {
		return &generic.InputError{
			Field:   "rate",
			Value:   p.Rate.String(),
			Message: "index value at " + p.Date.String() + " must be positive",
		}
	}
	return nil
}

func copyPoints(points []generic.RatePoint) []generic.RatePoint {
	out := make([]generic.RatePoint, len(points))
	copy(out, points)
	return out
}
