package generic

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// TIME POINT - Calendar date abstraction (every calculation here is day-based)
// =============================================================================

// DateLayout is the wire and storage format of every date in the engine.
const DateLayout = "2006-01-02"

// TimePoint is a calendar date. The time-of-day is always discarded so that
// two points on the same day compare equal regardless of how they were built.
type TimePoint struct {
	Time time.Time
}

// Constructors
func NewTimePoint(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func FromTime(t time.Time) TimePoint {
	return NewTimePoint(t.Year(), t.Month(), t.Day())
}

func Today() TimePoint {
	return FromTime(time.Now())
}

// ParseTimePoint parses a YYYY-MM-DD date.
func ParseTimePoint(s string) (TimePoint, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return TimePoint{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return FromTime(t), nil
}

// MustParseTimePoint panics on malformed input. Use in tests and presets only.
func MustParseTimePoint(s string) TimePoint {
	tp, err := ParseTimePoint(s)
	if err != nil {
		panic(err)
	}
	return tp
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.normalize().Before(other.normalize()) }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.normalize().Equal(other.normalize()) }
func (tp TimePoint) After(other TimePoint) bool         { return tp.normalize().After(other.normalize()) }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return !tp.After(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return !tp.Before(other) }

func (tp TimePoint) normalize() time.Time {
	return time.Date(tp.Time.Year(), tp.Time.Month(), tp.Time.Day(), 0, 0, 0, 0, time.UTC)
}

// Arithmetic
func (tp TimePoint) AddDays(n int) TimePoint   { return TimePoint{Time: tp.normalize().AddDate(0, 0, n)} }
func (tp TimePoint) AddMonths(n int) TimePoint { return TimePoint{Time: tp.normalize().AddDate(0, n, 0)} }
func (tp TimePoint) AddYears(n int) TimePoint  { return TimePoint{Time: tp.normalize().AddDate(n, 0, 0)} }

// Properties
func (tp TimePoint) Year() int             { return tp.Time.Year() }
func (tp TimePoint) Month() time.Month     { return tp.Time.Month() }
func (tp TimePoint) Day() int              { return tp.Time.Day() }
func (tp TimePoint) Weekday() time.Weekday { return tp.Time.Weekday() }
func (tp TimePoint) IsWeekend() bool       { wd := tp.Weekday(); return wd == time.Saturday || wd == time.Sunday }
func (tp TimePoint) IsWorkday() bool       { return !tp.IsWeekend() }
func (tp TimePoint) IsZero() bool          { return tp.Time.IsZero() }

// StartOfMonth returns the first day of the month containing tp.
func (tp TimePoint) StartOfMonth() TimePoint { return StartOfMonth(tp.Year(), tp.Month()) }

func (tp TimePoint) String() string {
	return tp.Time.Format(DateLayout)
}

// MarshalText encodes the date as YYYY-MM-DD so JSON payloads stay readable.
func (tp TimePoint) MarshalText() ([]byte, error) {
	if tp.IsZero() {
		return []byte{}, nil
	}
	return []byte(tp.String()), nil
}

func (tp *TimePoint) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*tp = TimePoint{}
		return nil
	}
	parsed, err := ParseTimePoint(string(b))
	if err != nil {
		return err
	}
	*tp = parsed
	return nil
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

func DaysBetween(from, to TimePoint) int {
	return int(to.normalize().Sub(from.normalize()).Hours() / 24)
}

func StartOfMonth(year int, month time.Month) TimePoint { return NewTimePoint(year, month, 1) }

func EndOfMonth(year int, month time.Month) TimePoint {
	return FromTime(time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1))
}

// DaysInMonth returns the number of calendar days of the month.
func DaysInMonth(year int, month time.Month) int {
	return EndOfMonth(year, month).Day()
}

// BusinessDaysInMonth counts Monday..Friday days of the month. No holiday
// calendar is applied.
func BusinessDaysInMonth(year int, month time.Month) int {
	count := 0
	for _, d := range MonthPeriod(year, month).Days() {
		if d.IsWorkday() {
			count++
		}
	}
	return count
}

// CompletedYears returns the number of whole years elapsed from birth to at.
// Returns a negative number when at precedes birth.
func CompletedYears(birth, at TimePoint) int {
	years := at.Year() - birth.Year()
	if at.Month() < birth.Month() || (at.Month() == birth.Month() && at.Day() < birth.Day()) {
		years--
	}
	return years
}
