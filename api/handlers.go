/*
handlers.go - HTTP API handlers for the accident compensation engine

PURPOSE:
  Exposes the session aggregate and the three stages over REST. Handlers
  parse and default the inputs, delegate to accident.Engine and
  accident.Session, and serialize the result together with the new state.

ENDPOINTS:
  Session state:
    GET    /api/state                  Current state
    PATCH  /api/state                  Merge a partial state
    DELETE /api/state                  Reset to the empty state

  Wage rows:
    POST   /api/state/rows             Record a row (fills an empty row of the same month)
    PATCH  /api/state/rows/{id}        Edit a row
    DELETE /api/state/rows/{id}        Remove a row
    POST   /api/state/rows/prefill     Empty rows for the 12 months before the accident

  Stages:
    POST   /api/stages/ibm             Stage 1 over the session rows
    POST   /api/stages/update          Stage 2, one method or all of them
    POST   /api/stages/compensation    Stage 3

  Reference data:
    GET    /api/series                 Stored series
    GET    /api/series/{name}          Window of one series (?from=&to=)
    PUT    /api/series/{name}          Import a published series file

  Scenarios:
    GET    /api/scenarios              List demo data sets
    POST   /api/scenarios/load         Load a demo data set

SESSIONS:
  Every state and stage route is scoped by the X-Session-ID header. Each
  session id maps to its own storage slot. Open sessions are kept in a
  bounded LRU; an evicted session is reloaded from its slot on next use.

STAGE DEFAULTING:
  A stage request may omit any input. Omitted inputs come from the stored
  inputs of that stage, then from the output of the previous stage. A stage
  that fails leaves the state untouched. Stage 3 only defaults its IBM from
  Stage 2 once a method was selected (select:true or PATCH selected_method).

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body or failed tag validation
  - 404: Unknown series or row
  - 422: Domain errors (empty range, missing rate data, ...)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo data loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/finlegal/accident-engine/accident"
	"github.com/finlegal/accident-engine/factory"
	"github.com/finlegal/accident-engine/generic"
	"github.com/finlegal/accident-engine/logger"
	"github.com/finlegal/accident-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Config holds the dependencies of a Handler.
type Config struct {
	// Store holds the reference tables.
	Store *sqlite.Store

	// Slots persists session state. Defaults to Store.
	Slots generic.StateStore

	Engine *accident.Engine

	// SlotPrefix is joined with the session id to form the slot key.
	// Defaults to accident.DefaultSlot.
	SlotPrefix string

	// MaxSessions bounds the number of sessions kept open in memory.
	MaxSessions int

	// OnReferenceChange runs after reference tables were modified, e.g.
	// to purge lookup caches.
	OnReferenceChange func()
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	store      *sqlite.Store
	slots      generic.StateStore
	engine     *accident.Engine
	slotPrefix string
	onChange   func()
	log        *logger.Logger

	mu       sync.Mutex
	sessions *lru.Cache[string, *accident.Session]

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a handler from cfg.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("api: store is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("api: engine is required")
	}
	if cfg.Slots == nil {
		cfg.Slots = cfg.Store
	}
	if cfg.SlotPrefix == "" {
		cfg.SlotPrefix = accident.DefaultSlot
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1024
	}
	if cfg.OnReferenceChange == nil {
		cfg.OnReferenceChange = func() {}
	}

	sessions, err := lru.New[string, *accident.Session](cfg.MaxSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	return &Handler{
		store:      cfg.Store,
		slots:      cfg.Slots,
		engine:     cfg.Engine,
		slotPrefix: cfg.SlotPrefix,
		onChange:   cfg.OnReferenceChange,
		log:        logger.Named("api"),
		sessions:   sessions,
	}, nil
}

// session returns the open session of the request, opening it on first use.
func (h *Handler) session(r *http.Request) *accident.Session {
	key := h.slotPrefix + "/" + SessionIDFrom(r.Context())

	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sessions.Get(key); ok {
		return s
	}
	s := accident.OpenSession(r.Context(), h.slots, key, accident.WithLogger(logger.Named("session")))
	h.sessions.Add(key, s)
	return s
}

// =============================================================================
// STATE HANDLERS
// =============================================================================

// GetState returns the session state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session(r).Get())
}

// PatchState merges a partial state. Absent fields are left untouched.
func (h *Handler) PatchState(w http.ResponseWriter, r *http.Request) {
	patch, err := ParseJSON[accident.Patch](r, false)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	st, err := h.session(r).Merge(r.Context(), patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ResetState discards the session state.
func (h *Handler) ResetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session(r).Reset(r.Context()))
}

// =============================================================================
// ROW HANDLERS
// =============================================================================

// AddRow appends a wage row.
func (h *Handler) AddRow(w http.ResponseWriter, r *http.Request) {
	req, err := ParseJSON[AddRowRequest](r, false)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	row, st, err := h.session(r).AddRow(r.Context(), date, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, AddRowResponse{Row: row, State: st})
}

// UpdateRow edits the date and/or amount of a wage row, typically one
// left empty by PrefillRows.
func (h *Handler) UpdateRow(w http.ResponseWriter, r *http.Request) {
	id, err := rowID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	req, err := ParseJSON[UpdateRowRequest](r, false)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.Date == "" && req.Amount == "" {
		writeDomainError(w, &BindError{Code: codeValidation, Message: "date or amount is required"})
		return
	}

	var (
		date   *generic.TimePoint
		amount *decimal.Decimal
	)
	if req.Date != "" {
		d, err := parseDate("date", req.Date)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		date = &d
	}
	if req.Amount != "" {
		a, err := parseDecimal("amount", req.Amount)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		amount = &a
	}

	row, st, err := h.session(r).UpdateRow(r.Context(), id, date, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AddRowResponse{Row: row, State: st})
}

// RemoveRow deletes a wage row by id.
func (h *Handler) RemoveRow(w http.ResponseWriter, r *http.Request) {
	id, err := rowID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	st, err := h.session(r).RemoveRow(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// PrefillRows adds empty rows for the months preceding the accident.
func (h *Handler) PrefillRows(w http.ResponseWriter, r *http.Request) {
	req, err := ParseJSON[PrefillRequest](r, false)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	date, err := parseDate("accident_date", req.AccidentDate)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	st, err := h.session(r).PrefillMonths(r.Context(), date)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// =============================================================================
// STAGE HANDLERS
// =============================================================================

// RunIbm computes Stage 1 over the session rows and stores inputs and result.
func (h *Handler) RunIbm(w http.ResponseWriter, r *http.Request) {
	req, err := ParseJSON[IbmStageRequest](r, true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s := h.session(r)
	st := s.Get()

	in := accident.IbmInputs{Regime: accident.RegimePost27348, DayMode: accident.DayModeCalendar}
	if st.IbmInputs != nil {
		in = *st.IbmInputs
	}
	if req.Regime != "" {
		in.Regime = accident.Regime(req.Regime)
	}
	if req.DayMode != "" {
		in.DayMode = accident.DayMode(req.DayMode)
	}
	if err := overrideDate(&in.RangeStart, "range_start", req.RangeStart); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := overrideDate(&in.RangeEnd, "range_end", req.RangeEnd); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := requireDate("range_start", in.RangeStart); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := requireDate("range_end", in.RangeEnd); err != nil {
		writeDomainError(w, err)
		return
	}

	var adjustTo *generic.TimePoint
	if req.AdjustTo != "" {
		d, err := parseDate("adjust_to", req.AdjustTo)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		adjustTo = &d
	}

	result, err := h.engine.ResolveIbm(r.Context(), st.Rows, in, adjustTo)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	st, err = s.Merge(r.Context(), accident.Patch{IbmInputs: &in, Ibm: &result})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, IbmStageResponse{Result: result, State: st})
}

// RunUpdate computes Stage 2. Without a method every method runs and each
// one fails independently. Successful results are stored; a method that
// failed loses any result stored by an earlier run. When every method fails
// the state is untouched and the first failure is answered.
func (h *Handler) RunUpdate(w http.ResponseWriter, r *http.Request) {
	req, err := ParseJSON[UpdateStageRequest](r, true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	method := strings.TrimSpace(req.Method)
	if req.Select && method == "" {
		writeDomainError(w, &BindError{Code: codeValidation, Field: "select", Message: "select requires a method"})
		return
	}
	s := h.session(r)
	st := s.Get()

	in, err := updateInputs(st, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var (
		outcomes []accident.UpdateOutcome
		selected *accident.Method
	)
	if method == "" {
		outcomes = h.engine.UpdateAll(r.Context(), in.BaseAmount, in.StartDate, in.EndDate)
	} else {
		m, err := accident.ParseMethod(method)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		result, err := h.engine.Update(r.Context(), m, in.BaseAmount, in.StartDate, in.EndDate)
		outcomes = []accident.UpdateOutcome{{Method: m, Result: result, Err: err}}
		if req.Select {
			selected = &m
		}
	}

	dtos := make([]UpdateOutcomeDTO, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err != nil {
			resp := errorResponse(o.Err)
			dtos = append(dtos, UpdateOutcomeDTO{Method: o.Method, Error: &resp})
			continue
		}
		res := o.Result
		dtos = append(dtos, UpdateOutcomeDTO{Method: o.Method, Result: &res})
	}

	st, err = s.RecordUpdateRun(r.Context(), in, outcomes, selected)
	if err != nil {
		if len(outcomes) > 1 && (generic.IsClientError(err) || generic.IsNotFound(err)) {
			resp := errorResponse(err)
			resp.Details = dtos
			writeJSON(w, http.StatusUnprocessableEntity, resp)
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UpdateStageResponse{Outcomes: dtos, State: st})
}

// updateInputs layers the request over the stored Stage 2 inputs, which are
// themselves defaulted from Stage 1.
func updateInputs(st accident.SessionState, req UpdateStageRequest) (accident.UpdateInputs, error) {
	var in accident.UpdateInputs
	if st.UpdateInputs != nil {
		in = *st.UpdateInputs
	}
	if in.BaseAmount.IsZero() && st.Ibm != nil {
		in.BaseAmount = st.Ibm.Value
	}
	if in.StartDate.IsZero() {
		switch {
		case st.AccidentDate != nil:
			in.StartDate = *st.AccidentDate
		case st.Ibm != nil:
			in.StartDate = st.Ibm.RangeEnd
		}
	}

	if req.BaseAmount != "" {
		base, err := parseDecimal("base_amount", req.BaseAmount)
		if err != nil {
			return in, err
		}
		in.BaseAmount = base
	}
	if err := overrideDate(&in.StartDate, "start_date", req.StartDate); err != nil {
		return in, err
	}
	if err := overrideDate(&in.EndDate, "end_date", req.EndDate); err != nil {
		return in, err
	}
	if err := requireDate("start_date", in.StartDate); err != nil {
		return in, err
	}
	if err := requireDate("end_date", in.EndDate); err != nil {
		return in, err
	}
	return in, nil
}

// RunCompensation computes Stage 3 and stores inputs and result.
func (h *Handler) RunCompensation(w http.ResponseWriter, r *http.Request) {
	req, err := ParseJSON[CompensationStageRequest](r, true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s := h.session(r)
	st := s.Get()

	in, regime, err := compensationInputs(st, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	result, err := h.engine.Compensate(in, regime)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	st, err = s.Merge(r.Context(), accident.Patch{CompensationInput: &in, Compensation: &result})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CompensationStageResponse{Result: result, State: st})
}

func compensationInputs(st accident.SessionState, req CompensationStageRequest) (accident.CompensationInput, accident.Regime, error) {
	var in accident.CompensationInput
	if st.CompensationInput != nil {
		in = *st.CompensationInput
	}
	if sel, ok := st.SelectedUpdate(); ok {
		in.IbmValue = sel.FinalAmount
		in.IbmDate = sel.EndDate
	}

	regime := accident.RegimePost27348
	switch {
	case st.Ibm != nil:
		regime = st.Ibm.Regime
	case st.IbmInputs != nil:
		regime = st.IbmInputs.Regime
	}
	if req.Regime != "" {
		regime = accident.Regime(req.Regime)
	}

	dates := []struct {
		dst   *generic.TimePoint
		field string
		raw   string
	}{
		{&in.BirthDate, "birth_date", req.BirthDate},
		{&in.DeclarationDate, "declaration_date", req.DeclarationDate},
		{&in.IbmDate, "ibm_date", req.IbmDate},
	}
	for _, d := range dates {
		if err := overrideDate(d.dst, d.field, d.raw); err != nil {
			return in, regime, err
		}
	}
	amounts := []struct {
		dst   *decimal.Decimal
		field string
		raw   string
	}{
		{&in.IncapacityPercent, "incapacity_percent", req.IncapacityPercent},
		{&in.IbmValue, "ibm_value", req.IbmValue},
	}
	for _, a := range amounts {
		if a.raw == "" {
			continue
		}
		v, err := parseDecimal(a.field, a.raw)
		if err != nil {
			return in, regime, err
		}
		*a.dst = v
	}
	if req.IsDeath != nil {
		in.IsDeath = *req.IsDeath
	}
	if req.IsCommuteAccident != nil {
		in.IsCommuteAccident = *req.IsCommuteAccident
	}

	// Stage 2 results are candidates only: without a selection the IBM must
	// be given explicitly.
	if in.IbmValue.IsZero() {
		return in, regime, &generic.InputError{Field: "ibm_value", Message: "required: pass ibm_value or select a Stage 2 method"}
	}
	if in.IbmDate.IsZero() {
		return in, regime, &generic.InputError{Field: "ibm_date", Message: "required: pass ibm_date or select a Stage 2 method"}
	}
	return in, regime, nil
}

// =============================================================================
// SERIES HANDLERS
// =============================================================================

// ListSeries returns a summary of every stored series.
func (h *Handler) ListSeries(w http.ResponseWriter, r *http.Request) {
	infos, err := h.store.ListSeries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list series", err)
		return
	}
	dtos := make([]SeriesDTO, len(infos))
	for i, info := range infos {
		dtos[i] = SeriesDTO{Name: info.Name, Points: info.Points, First: info.First, Last: info.Last}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSeries returns the points of one series in [from, to] plus the anchor
// before from. Bounds default to the first and last stored point.
func (h *Handler) GetSeries(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	info, err := h.seriesInfo(r.Context(), name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	from, to := info.First, info.Last
	q := r.URL.Query()
	if err := overrideDate(&from, "from", q.Get("from")); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := overrideDate(&to, "to", q.Get("to")); err != nil {
		writeDomainError(w, err)
		return
	}
	if to.Before(from) {
		writeDomainError(w, &generic.InvalidRangeError{Start: from, End: to})
		return
	}

	points, err := h.store.LoadPoints(r.Context(), name, from, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SeriesPointsDTO{Name: name, From: from, To: to, Points: points})
}

// ImportSeries upserts a published series file (date -> value map or list
// of points) into the named series.
func (h *Handler) ImportSeries(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	series, err := factory.ParseSeries(name, data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid series file", err)
		return
	}
	if err := h.store.SavePoints(r.Context(), name, series.Points()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save series", err)
		return
	}
	h.onChange()
	h.log.Info().Str("series", name).Int("points", series.Len()).Msg("series imported")

	info, err := h.seriesInfo(r.Context(), name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SeriesDTO{Name: info.Name, Points: info.Points, First: info.First, Last: info.Last})
}

func (h *Handler) seriesInfo(ctx context.Context, name string) (sqlite.SeriesInfo, error) {
	infos, err := h.store.ListSeries(ctx)
	if err != nil {
		return sqlite.SeriesInfo{}, err
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return sqlite.SeriesInfo{}, fmt.Errorf("series %q: %w", name, generic.ErrSeriesNotFound)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Get().Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the error kind.
func writeDomainError(w http.ResponseWriter, err error) {
	var bindErr *BindError
	switch {
	case errors.As(err, &bindErr):
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
	case generic.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorResponse(err))
	case generic.IsClientError(err):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse(err))
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func errorResponse(err error) ErrorResponse {
	var bindErr *BindError
	if errors.As(err, &bindErr) {
		resp := ErrorResponse{Error: bindErr.Error(), Code: bindErr.Code}
		if bindErr.Field != "" {
			resp.Details = map[string]string{"field": bindErr.Field}
		}
		return resp
	}
	return ErrorResponse{Error: err.Error(), Code: errorCode(err)}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, generic.ErrEmptyRange):
		return "empty_range"
	case errors.Is(err, generic.ErrInvalidRange):
		return "invalid_range"
	case errors.Is(err, generic.ErrInvalidDateOrder):
		return "invalid_date_order"
	case errors.Is(err, generic.ErrInsufficientRateData):
		return "insufficient_rate_data"
	case errors.Is(err, generic.ErrNoMinimumData):
		return "no_minimum_data"
	case errors.Is(err, generic.ErrInvalidInput):
		return "invalid_input"
	case generic.IsNotFound(err):
		return "not_found"
	default:
		return "internal"
	}
}

func rowID(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &generic.InputError{Field: "id", Value: raw, Message: "must be an integer"}
	}
	return id, nil
}

func parseDate(field, raw string) (generic.TimePoint, error) {
	d, err := factory.ParseDate(raw)
	if err != nil {
		return generic.TimePoint{}, &generic.InputError{Field: field, Value: raw, Message: "not a date"}
	}
	return d, nil
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, &generic.InputError{Field: field, Value: raw, Message: "not a decimal number"}
	}
	return d, nil
}

// overrideDate replaces *dst when raw is set.
func overrideDate(dst *generic.TimePoint, field, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := parseDate(field, raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func requireDate(field string, d generic.TimePoint) error {
	if d.IsZero() {
		return &generic.InputError{Field: field, Message: "required"}
	}
	return nil
}
