/*
scenarios.go - Demo data loaders for testing and demonstrations

PURPOSE:

	Installs sample reference tables (index series, minimum amounts) and,
	for case scenarios, fills the caller's session so that every stage can
	run without further input.

AVAILABLE SCENARIOS:

	reference-data:        Sample series and minimum tables only
	permanent-incapacity:  35% permanent incapacity, wage rows prefilled
	commute-death:         Death on the way to work, post-27348 regime

SAMPLE SERIES:

	ripte       monthly wage index, published up to 2025-06
	ripte_t1    same index, one revision later, up to 2025-09
	ripte_t2    two revisions later, up to 2025-12
	tasa_activa nominal annual percent, monthly changes

	The values are synthetic. They only need to be plausible and
	deterministic.

SAMPLE MINIMUMS:

	pre_27348, post_27348   regime tables
	art14_2a, art14_2b      partial and major incapacity floors (scaled)
	art15_2                 total incapacity and death floor
	art11_a, art11_b, art11_c
	                        lump sums for major, total and death

	The bracket tables are only used when named under minimums.brackets
	and minimums.lump_sums in the configuration.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "permanent-incapacity"}

NOTE:

	Loading a scenario replaces the reference tables. Only use in
	development/demo environments.

SEE ALSO:
  - handlers.go: Handler and session resolution
  - cmd/server/main.go: seed command
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finlegal/accident-engine/accident"
	"github.com/finlegal/accident-engine/generic"
	"github.com/finlegal/accident-engine/store/sqlite"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "reference-data",
		Name:        "Reference Data",
		Description: "Sample RIPTE and active-rate series plus minimum tables, session untouched",
	},
	{
		ID:          "permanent-incapacity",
		Name:        "Permanent Incapacity",
		Description: "Accident in June 2024, 35% incapacity, twelve months of wages",
	},
	{
		ID:          "commute-death",
		Name:        "Commute Accident With Death",
		Description: "Fatal accident on the way to work, death factor and commute supplement",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, or null.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario installs the reference data and, for case scenarios, resets
// and fills the caller's session.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	req, err := ParseJSON[LoadScenarioRequest](r, false)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var fill func(context.Context, *accident.Session) error
	switch req.ScenarioID {
	case "reference-data":
	case "permanent-incapacity":
		fill = fillPermanentIncapacity
	case "commute-death":
		fill = fillCommuteDeath
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.store.ResetReference(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset reference data", err)
		return
	}
	if err := LoadReferenceData(ctx, h.store); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.onChange()

	s := h.session(r)
	if fill != nil {
		s.Reset(ctx)
		if err := fill(ctx, s); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
			return
		}
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()
	h.log.Info().Str("scenario", req.ScenarioID).Str("slot", s.Key()).Msg("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "loaded",
		"scenario": req.ScenarioID,
		"state":    s.Get(),
	})
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

// LoadReferenceData upserts the sample series and minimum tables.
func LoadReferenceData(ctx context.Context, store *sqlite.Store) error {
	first := generic.NewTimePoint(2022, time.January, 1)

	ripte := growthSeries(first, 42, decimal.NewFromInt(100000), decimal.RequireFromString("1.035"))
	series := map[string][]generic.RatePoint{
		"ripte":       ripte,
		"ripte_t1":    extend(ripte, 3, decimal.RequireFromString("1.03")),
		"ripte_t2":    extend(ripte, 6, decimal.RequireFromString("1.03")),
		"tasa_activa": activeRates(first, 48),
	}
	for name, points := range series {
		if err := store.SavePoints(ctx, name, points); err != nil {
			return err
		}
	}

	minimums := map[string][]generic.MinimumEntry{
		"post_27348": {
			{EffectiveDate: generic.NewTimePoint(2022, time.March, 1), Amount: decimal.RequireFromString("4896648.00"), Reference: "demo 2022/1"},
			{EffectiveDate: generic.NewTimePoint(2023, time.March, 1), Amount: decimal.RequireFromString("9546153.00"), Reference: "demo 2023/1"},
			{EffectiveDate: generic.NewTimePoint(2024, time.March, 1), Amount: decimal.RequireFromString("28107045.00"), Reference: "demo 2024/1"},
			{EffectiveDate: generic.NewTimePoint(2024, time.September, 1), Amount: decimal.RequireFromString("42715364.00"), Reference: "demo 2024/2"},
			{EffectiveDate: generic.NewTimePoint(2025, time.March, 1), Amount: decimal.RequireFromString("52398712.00"), Reference: "demo 2025/1"},
		},
		"pre_27348": {
			{EffectiveDate: generic.NewTimePoint(2022, time.March, 1), Amount: decimal.RequireFromString("2448324.00"), Reference: "demo 2022/1"},
			{EffectiveDate: generic.NewTimePoint(2023, time.March, 1), Amount: decimal.RequireFromString("4773076.50"), Reference: "demo 2023/1"},
			{EffectiveDate: generic.NewTimePoint(2024, time.March, 1), Amount: decimal.RequireFromString("14053522.50"), Reference: "demo 2024/1"},
			{EffectiveDate: generic.NewTimePoint(2025, time.March, 1), Amount: decimal.RequireFromString("26199356.00"), Reference: "demo 2025/1"},
		},
	}
	for name, amounts := range bracketMinimums {
		minimums[name] = demoSchedule(amounts)
	}
	for name, entries := range minimums {
		if err := store.SaveMinimums(ctx, name, entries); err != nil {
			return err
		}
	}
	return nil
}

// bracketMinimums holds the demo bracket tables, one amount per demo
// resolution.
var bracketMinimums = map[string][3]string{
	"art14_2a": {"56214090.00", "85430728.00", "104797424.00"},
	"art14_2b": {"56214090.00", "85430728.00", "104797424.00"},
	"art15_2":  {"70267612.50", "106788410.00", "130996780.00"},
	"art11_a":  {"11242818.00", "17086145.60", "20959484.80"},
	"art11_b":  {"14053522.50", "21357682.00", "26199356.00"},
	"art11_c":  {"16864227.00", "25629218.40", "31439227.20"},
}

func demoSchedule(amounts [3]string) []generic.MinimumEntry {
	resolutions := []struct {
		date generic.TimePoint
		ref  string
	}{
		{generic.NewTimePoint(2024, time.March, 1), "demo 2024/1"},
		{generic.NewTimePoint(2024, time.September, 1), "demo 2024/2"},
		{generic.NewTimePoint(2025, time.March, 1), "demo 2025/1"},
	}
	entries := make([]generic.MinimumEntry, len(resolutions))
	for i, r := range resolutions {
		entries[i] = generic.MinimumEntry{EffectiveDate: r.date, Amount: decimal.RequireFromString(amounts[i]), Reference: r.ref}
	}
	return entries
}

// growthSeries returns n monthly points starting at first, each one growth
// times the previous.
func growthSeries(first generic.TimePoint, n int, start, growth decimal.Decimal) []generic.RatePoint {
	points := make([]generic.RatePoint, 0, n)
	v := start
	for i := 0; i < n; i++ {
		points = append(points, generic.RatePoint{Date: first.AddMonths(i), Rate: v.Round(2)})
		v = v.Mul(growth)
	}
	return points
}

// extend appends n monthly points after the last one of base.
func extend(base []generic.RatePoint, n int, growth decimal.Decimal) []generic.RatePoint {
	out := append([]generic.RatePoint(nil), base...)
	last := base[len(base)-1]
	return append(out, growthSeries(last.Date.AddMonths(1), n, last.Rate.Mul(growth), growth)...)
}

// activeRates starts at 60% and eases half a point per month down to 30%.
func activeRates(first generic.TimePoint, n int) []generic.RatePoint {
	points := make([]generic.RatePoint, 0, n)
	rate := decimal.NewFromInt(60)
	floor := decimal.NewFromInt(30)
	step := decimal.RequireFromString("0.5")
	for i := 0; i < n; i++ {
		points = append(points, generic.RatePoint{Date: first.AddMonths(i), Rate: rate})
		if rate.GreaterThan(floor) {
			rate = rate.Sub(step)
		}
	}
	return points
}

// =============================================================================
// SESSION LOADERS
// =============================================================================

func fillPermanentIncapacity(ctx context.Context, s *accident.Session) error {
	accidentDate := generic.NewTimePoint(2024, time.June, 10)
	if err := fillRows(ctx, s, accidentDate, decimal.NewFromInt(850000)); err != nil {
		return err
	}

	end := generic.NewTimePoint(2025, time.June, 30)
	_, err := s.Merge(ctx, accident.Patch{
		UpdateInputs: &accident.UpdateInputs{StartDate: accidentDate, EndDate: end},
		CompensationInput: &accident.CompensationInput{
			BirthDate:         generic.NewTimePoint(1985, time.March, 20),
			DeclarationDate:   generic.NewTimePoint(2024, time.September, 2),
			IncapacityPercent: decimal.NewFromInt(35),
		},
	})
	return err
}

func fillCommuteDeath(ctx context.Context, s *accident.Session) error {
	accidentDate := generic.NewTimePoint(2024, time.October, 3)
	if err := fillRows(ctx, s, accidentDate, decimal.NewFromInt(1200000)); err != nil {
		return err
	}

	end := generic.NewTimePoint(2025, time.September, 30)
	_, err := s.Merge(ctx, accident.Patch{
		UpdateInputs: &accident.UpdateInputs{StartDate: accidentDate, EndDate: end},
		CompensationInput: &accident.CompensationInput{
			BirthDate:         generic.NewTimePoint(1971, time.November, 8),
			DeclarationDate:   generic.NewTimePoint(2024, time.October, 3),
			IncapacityPercent: decimal.NewFromInt(100),
			IsDeath:           true,
			IsCommuteAccident: true,
		},
	})
	return err
}

// fillRows prefills the twelve months before the accident and gives them
// wages growing 3% a month from first.
func fillRows(ctx context.Context, s *accident.Session, accidentDate generic.TimePoint, first decimal.Decimal) error {
	st, err := s.PrefillMonths(ctx, accidentDate)
	if err != nil {
		return err
	}
	growth := decimal.RequireFromString("1.03")
	rows := make([]accident.WageRow, len(st.Rows))
	amount := first
	for i, row := range st.Rows {
		row.Amount = amount.Round(2)
		rows[i] = row
		amount = amount.Mul(growth)
	}
	_, err = s.Merge(ctx, accident.Patch{Rows: &rows})
	return err
}
