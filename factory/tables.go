/*
Package factory converts published reference tables from JSON into engine types.

PURPOSE:
  Index series and minimum-amount tables are maintained outside the engine
  (scrapers, spreadsheets, resolutions). This package reads the JSON they are
  published in and produces generic.Series, generic.Schedule and
  accident.Coefficients, so new data can be loaded without code changes.

SERIES JSON:
  Either a map of date to value, the format the index scrapers write:

    {"2024-01-01": 100.5, "2024-02-01": "104.25"}

  or a list of objects:

    [{"date": "2024-01-01", "value": 100.5}, {"date": "01/02/2024", "rate": 104.25}]

  Dates are YYYY-MM-DD or DD/MM/YYYY. Values are numbers or numeric strings.

MINIMUM JSON:
  {"name": "post_27348", "entries": [
     {"effective_date": "2024-03-01", "amount": 55000000, "reference": "Res. SRT 10/24"}
  ]}

  or a plain date -> amount map.

COEFFICIENT JSON:
  {"multiplier": 53, "reference_age": 65, "death_factor": 1, "commute_supplement": 0}

  Missing fields keep accident.DefaultCoefficients values.

SEE ALSO:
  - cmd/server/tables.go: import-series and import-minimums commands
  - store/sqlite/sqlite.go: Where imported tables are stored
*/
package factory

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/finlegal/accident-engine/accident"
	"github.com/finlegal/accident-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PointJSON is one entry of a list-shaped series.
type PointJSON struct {
	Date  string           `json:"date"`
	Value *decimal.Decimal `json:"value,omitempty"`
	Rate  *decimal.Decimal `json:"rate,omitempty"`
}

// MinimumJSON is one entry of a minimum table.
type MinimumJSON struct {
	EffectiveDate string          `json:"effective_date"`
	Amount        decimal.Decimal `json:"amount"`
	Reference     string          `json:"reference,omitempty"`
}

// ScheduleJSON is the object form of a minimum table.
type ScheduleJSON struct {
	Name    string        `json:"name"`
	Entries []MinimumJSON `json:"entries"`
}

// CoefficientsJSON has optional fields so partial overrides are possible.
type CoefficientsJSON struct {
	Multiplier        *decimal.Decimal `json:"multiplier,omitempty"`
	ReferenceAge      *decimal.Decimal `json:"reference_age,omitempty"`
	DeathFactor       *decimal.Decimal `json:"death_factor,omitempty"`
	CommuteSupplement *decimal.Decimal `json:"commute_supplement,omitempty"`
}

// =============================================================================
// SERIES
// =============================================================================

// ParseSeries reads a series in map or list form.
func ParseSeries(name string, data []byte) (*generic.Series, error) {
	points, err := ParsePoints(data)
	if err != nil {
		return nil, fmt.Errorf("series %s: %w", name, err)
	}
	return generic.NewSeries(name, points), nil
}

// ParsePoints reads dated values in map or list form, sorted by date.
func ParsePoints(data []byte) ([]generic.RatePoint, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty document")
	}

	var points []generic.RatePoint
	switch trimmed[0] {
	case '{':
		var byDate map[string]decimal.Decimal
		if err := json.Unmarshal(trimmed, &byDate); err != nil {
			return nil, fmt.Errorf("invalid series map: %w", err)
		}
		for raw, value := range byDate {
			date, err := ParseDate(raw)
			if err != nil {
				return nil, err
			}
			points = append(points, generic.RatePoint{Date: date, Rate: value})
		}
	case '[':
		var list []PointJSON
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("invalid series list: %w", err)
		}
		for i, p := range list {
			date, err := ParseDate(p.Date)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			value := p.Value
			if value == nil {
				value = p.Rate
			}
			if value == nil {
				return nil, fmt.Errorf("entry %d (%s): missing value", i, p.Date)
			}
			points = append(points, generic.RatePoint{Date: date, Rate: *value})
		}
	default:
		return nil, fmt.Errorf("series must be a JSON object or array")
	}

	generic.SortPoints(points)
	return points, nil
}

// ParseDate accepts YYYY-MM-DD and DD/MM/YYYY.
func ParseDate(s string) (generic.TimePoint, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		t, err := time.Parse("02/01/2006", s)
		if err != nil {
			return generic.TimePoint{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD or DD/MM/YYYY): %w", s, err)
		}
		return generic.FromTime(t), nil
	}
	return generic.ParseTimePoint(s)
}

// =============================================================================
// MINIMUM SCHEDULE
// =============================================================================

// ParseMinimumSchedule reads a minimum table in object or map form. A name
// inside the document wins over fallbackName.
func ParseMinimumSchedule(fallbackName string, data []byte) (*generic.Schedule, error) {
	trimmed := bytes.TrimSpace(data)

	var doc ScheduleJSON
	if err := json.Unmarshal(trimmed, &doc); err == nil && doc.Entries != nil {
		name := doc.Name
		if name == "" {
			name = fallbackName
		}
		entries := make([]generic.MinimumEntry, 0, len(doc.Entries))
		for i, e := range doc.Entries {
			date, err := ParseDate(e.EffectiveDate)
			if err != nil {
				return nil, fmt.Errorf("minimum %d: %w", i, err)
			}
			if e.Amount.IsNegative() {
				return nil, fmt.Errorf("minimum %d (%s): amount must not be negative", i, e.EffectiveDate)
			}
			entries = append(entries, generic.MinimumEntry{EffectiveDate: date, Amount: e.Amount, Reference: e.Reference})
		}
		return generic.NewSchedule(name, entries), nil
	}

	points, err := ParsePoints(trimmed)
	if err != nil {
		return nil, fmt.Errorf("minimum table %s: %w", fallbackName, err)
	}
	entries := make([]generic.MinimumEntry, len(points))
	for i, p := range points {
		if p.Rate.IsNegative() {
			return nil, fmt.Errorf("minimum at %s: amount must not be negative", p.Date)
		}
		entries[i] = generic.MinimumEntry{EffectiveDate: p.Date, Amount: p.Rate}
	}
	return generic.NewSchedule(fallbackName, entries), nil
}

// =============================================================================
// COEFFICIENTS
// =============================================================================

// ParseCoefficients overlays the document on accident.DefaultCoefficients.
func ParseCoefficients(data []byte) (accident.Coefficients, error) {
	var doc CoefficientsJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return accident.Coefficients{}, fmt.Errorf("invalid coefficients: %w", err)
	}

	c := accident.DefaultCoefficients()
	if doc.Multiplier != nil {
		c.Multiplier = *doc.Multiplier
	}
	if doc.ReferenceAge != nil {
		c.ReferenceAge = *doc.ReferenceAge
	}
	if doc.DeathFactor != nil {
		c.DeathFactor = *doc.DeathFactor
	}
	if doc.CommuteSupplement != nil {
		c.CommuteSupplement = *doc.CommuteSupplement
	}
	if err := c.Validate(); err != nil {
		return accident.Coefficients{}, err
	}
	return c, nil
}

// EncodeSeries writes points in the map form read by ParseSeries.
func EncodeSeries(points []generic.RatePoint) ([]byte, error) {
	byDate := make(map[string]decimal.Decimal, len(points))
	for _, p := range points {
		byDate[p.Date.String()] = p.Rate
	}
	return json.MarshalIndent(byDate, "", "  ")
}
