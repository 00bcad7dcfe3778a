/*
dto.go - Request and response bodies of the HTTP API

PURPOSE:
  Request types carry validate tags and are decoded by ParseJSON. Amounts
  and dates travel as strings ("1234.56", "2024-03-01") so no precision is
  lost in JSON numbers. Responses reuse the accident package types, which
  already carry json tags.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers
  - *DTO: Listing entries

SEE ALSO:
  - bind.go: ParseJSON and validation
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/finlegal/accident-engine/accident"
	"github.com/finlegal/accident-engine/generic"
)

// =============================================================================
// SESSION
// =============================================================================

// AddRowRequest appends one wage row.
type AddRowRequest struct {
	Date   string `json:"date" validate:"required,datetime=2006-01-02"`
	Amount string `json:"amount" validate:"required,numeric"`
}

// UpdateRowRequest edits one wage row. Empty fields keep their value.
type UpdateRowRequest struct {
	Date   string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Amount string `json:"amount" validate:"omitempty,numeric"`
}

// AddRowResponse answers AddRow and UpdateRow.
type AddRowResponse struct {
	Row   accident.WageRow      `json:"row"`
	State accident.SessionState `json:"state"`
}

// PrefillRequest creates empty rows for the months before the accident.
type PrefillRequest struct {
	AccidentDate string `json:"accident_date" validate:"required,datetime=2006-01-02"`
}

// =============================================================================
// STAGES
// =============================================================================

// IbmStageRequest runs Stage 1 over the session rows. Empty fields default
// to the stored Stage 1 inputs.
type IbmStageRequest struct {
	RangeStart string `json:"range_start" validate:"omitempty,datetime=2006-01-02"`
	RangeEnd   string `json:"range_end" validate:"omitempty,datetime=2006-01-02"`
	Regime     string `json:"regime" validate:"omitempty,oneof=PRE_27348 POST_27348"`
	DayMode    string `json:"day_mode" validate:"omitempty,oneof=CALENDAR BUSINESS"`

	// AdjustTo re-expresses every row at this date with the wage index.
	AdjustTo string `json:"adjust_to" validate:"omitempty,datetime=2006-01-02"`
}

type IbmStageResponse struct {
	Result accident.IbmResult    `json:"result"`
	State  accident.SessionState `json:"state"`
}

// UpdateStageRequest runs Stage 2. An empty method runs all of them. Empty
// fields default to the stored Stage 2 inputs, then to the Stage 1 result.
type UpdateStageRequest struct {
	Method     string `json:"method"`
	BaseAmount string `json:"base_amount" validate:"omitempty,numeric"`
	StartDate  string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate    string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`

	// Select makes the method the one Stage 3 defaults from. Requires a
	// method. Nothing is selected otherwise.
	Select bool `json:"select"`
}

// UpdateOutcomeDTO is the per-method result of Stage 2. Exactly one of
// Result and Error is set.
type UpdateOutcomeDTO struct {
	Method accident.Method             `json:"method"`
	Result *accident.IndexUpdateResult `json:"result,omitempty"`
	Error  *ErrorResponse              `json:"error,omitempty"`
}

type UpdateStageResponse struct {
	Outcomes []UpdateOutcomeDTO    `json:"outcomes"`
	State    accident.SessionState `json:"state"`
}

// CompensationStageRequest runs Stage 3. Empty fields default to the stored
// Stage 3 inputs, except ibm_value and ibm_date which follow the selected
// Stage 2 result when there is one. Without a selection they must be given
// here or by an earlier run. The regime defaults to the Stage 1 one.
type CompensationStageRequest struct {
	BirthDate         string `json:"birth_date" validate:"omitempty,datetime=2006-01-02"`
	DeclarationDate   string `json:"declaration_date" validate:"omitempty,datetime=2006-01-02"`
	IncapacityPercent string `json:"incapacity_percent" validate:"omitempty,numeric"`
	IsDeath           *bool  `json:"is_death"`
	IsCommuteAccident *bool  `json:"is_commute_accident"`
	IbmDate           string `json:"ibm_date" validate:"omitempty,datetime=2006-01-02"`
	IbmValue          string `json:"ibm_value" validate:"omitempty,numeric"`
	Regime            string `json:"regime" validate:"omitempty,oneof=PRE_27348 POST_27348"`
}

type CompensationStageResponse struct {
	Result accident.CompensationResult `json:"result"`
	State  accident.SessionState       `json:"state"`
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

// SeriesDTO summarizes one stored index series.
type SeriesDTO struct {
	Name   string            `json:"name"`
	Points int               `json:"points"`
	First  generic.TimePoint `json:"first"`
	Last   generic.TimePoint `json:"last"`
}

// SeriesPointsDTO is a window of one series, anchor included.
type SeriesPointsDTO struct {
	Name   string              `json:"name"`
	From   generic.TimePoint   `json:"from"`
	To     generic.TimePoint   `json:"to"`
	Points []generic.RatePoint `json:"points"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
