package generic

import "time"

// =============================================================================
// PERIOD - Inclusive date range used by every stage
// =============================================================================

// Period is the inclusive range [Start, End].
//
// Examples:
//   - Wage window for the IBM: the twelve months before the accident
//   - Update window: accident date to liquidation date
type Period struct {
	Start TimePoint `json:"start"`
	End   TimePoint `json:"end"`
}

// NewPeriod builds a period and rejects ranges whose end precedes the start.
func NewPeriod(start, end TimePoint) (Period, error) {
	p := Period{Start: start, End: end}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// MonthPeriod returns the full calendar month.
func MonthPeriod(year int, month time.Month) Period {
	return Period{Start: StartOfMonth(year, month), End: EndOfMonth(year, month)}
}

// Validate returns an InvalidRangeError when End is before Start.
func (p Period) Validate() error {
	if p.End.Before(p.Start) {
		return &InvalidRangeError{Start: p.Start, End: p.End}
	}
	return nil
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

// Days returns all days in the period as a slice of TimePoints.
func (p Period) Days() []TimePoint {
	var days []TimePoint
	current := p.Start
	for current.BeforeOrEqual(p.End) {
		days = append(days, current)
		current = current.AddDays(1)
	}
	return days
}

// Length returns the number of days between Start and End (End exclusive).
func (p Period) Length() int {
	return DaysBetween(p.Start, p.End)
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// PreviousMonths returns the first day of each of the n months preceding the
// month of anchor, oldest first.
func PreviousMonths(anchor TimePoint, n int) []TimePoint {
	first := anchor.StartOfMonth()
	months := make([]TimePoint, 0, n)
	for k := n; k >= 1; k-- {
		months = append(months, first.AddMonths(-k))
	}
	return months
}
