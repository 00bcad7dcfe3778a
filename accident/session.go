/*
session.go - Versioned session state shared by the three stages

PURPOSE:
  Holds every stage input and result of one user's case in a single
  aggregate. Each stage reads its defaults from the previous stage's result
  and writes back only its own fields.

MERGE SEMANTICS:
  Merge(patch) is a shallow field-level overwrite: every non-nil field of the
  patch replaces the stored value, nil fields are left untouched. Recomputing
  Stage 1 never erases Stage 2 or Stage 3 results.

    Merge(Patch{IbmInputs: &a})
    Merge(Patch{UpdateInputs: &b})   -> state holds both a and b

  A patch is validated as a whole before anything is applied. Merge and Reset
  are serialized by a mutex; concurrent writers resolve last-write-wins.

LIFECYCLE:
  OpenSession loads the slot once. Every committed change bumps Version and
  saves the whole aggregate. Reset deletes the slot.

PERSISTENCE IS BEST-EFFORT:
  A failed load starts from the empty aggregate, a failed save or delete is
  logged and ignored. Losing storage must never block a calculation.

ROW IDS:
  NextRowID only grows. Ids of deleted rows are never handed out again.

SEE ALSO:
  - generic/store.go: StateStore interface
  - api/handlers.go: One Session per X-Session-ID
*/
package accident

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/finlegal/accident-engine/generic"
	"github.com/finlegal/accident-engine/logger"
)

// DefaultSlot is the storage key of the session state.
const DefaultSlot = "accidente_calculadora_data"

// PrefillMonthCount is the number of months preceding the accident that
// PrefillMonths creates rows for.
const PrefillMonthCount = 12

// =============================================================================
// STATE
// =============================================================================

// IbmInputs are the Stage 1 parameters besides the rows.
type IbmInputs struct {
	RangeStart generic.TimePoint `json:"range_start"`
	RangeEnd   generic.TimePoint `json:"range_end"`
	Regime     Regime            `json:"regime"`
	DayMode    DayMode           `json:"day_mode"`
}

// UpdateInputs are the Stage 2 parameters.
type UpdateInputs struct {
	BaseAmount decimal.Decimal   `json:"base_amount"`
	StartDate  generic.TimePoint `json:"start_date"`
	EndDate    generic.TimePoint `json:"end_date"`
}

// SessionState is the aggregate persisted under one slot.
type SessionState struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`

	AccidentDate *generic.TimePoint `json:"accident_date,omitempty"`
	Rows         []WageRow          `json:"rows"`
	NextRowID    int                `json:"next_row_id"`

	IbmInputs *IbmInputs `json:"ibm_inputs,omitempty"`
	Ibm       *IbmResult `json:"ibm,omitempty"`

	UpdateInputs   *UpdateInputs                `json:"update_inputs,omitempty"`
	Updates        map[Method]IndexUpdateResult `json:"updates,omitempty"`
	SelectedMethod *Method                      `json:"selected_method,omitempty"`

	CompensationInput *CompensationInput  `json:"compensation_input,omitempty"`
	Compensation      *CompensationResult `json:"compensation,omitempty"`
}

// EmptyState returns the aggregate a new session starts from.
func EmptyState() SessionState {
	return SessionState{Rows: []WageRow{}, NextRowID: 1}
}

// SelectedUpdate returns the result of the selected method, if any.
func (s SessionState) SelectedUpdate() (IndexUpdateResult, bool) {
	if s.SelectedMethod == nil {
		return IndexUpdateResult{}, false
	}
	r, ok := s.Updates[*s.SelectedMethod]
	return r, ok
}

func (s SessionState) clone() SessionState {
	out := s
	out.Rows = append([]WageRow(nil), s.Rows...)
	if out.Rows == nil {
		out.Rows = []WageRow{}
	}
	if s.AccidentDate != nil {
		d := *s.AccidentDate
		out.AccidentDate = &d
	}
	if s.IbmInputs != nil {
		v := *s.IbmInputs
		out.IbmInputs = &v
	}
	if s.Ibm != nil {
		v := *s.Ibm
		v.RowsUsed = append([]WageRow(nil), s.Ibm.RowsUsed...)
		if s.Ibm.RowsUnfilled != nil {
			v.RowsUnfilled = append([]WageRow(nil), s.Ibm.RowsUnfilled...)
		}
		v.BusinessDays = append([]int(nil), s.Ibm.BusinessDays...)
		out.Ibm = &v
	}
	if s.UpdateInputs != nil {
		v := *s.UpdateInputs
		out.UpdateInputs = &v
	}
	if s.Updates != nil {
		out.Updates = make(map[Method]IndexUpdateResult, len(s.Updates))
		for k, v := range s.Updates {
			v.AppliedRatePoints = append([]generic.RatePoint(nil), v.AppliedRatePoints...)
			v.Segments = append([]Segment(nil), v.Segments...)
			out.Updates[k] = v
		}
	}
	if s.SelectedMethod != nil {
		m := *s.SelectedMethod
		out.SelectedMethod = &m
	}
	if s.CompensationInput != nil {
		v := *s.CompensationInput
		out.CompensationInput = &v
	}
	if s.Compensation != nil {
		v := *s.Compensation
		if s.Compensation.LumpSum != nil {
			ls := *s.Compensation.LumpSum
			v.LumpSum = &ls
		}
		out.Compensation = &v
	}
	return out
}

// =============================================================================
// PATCH
// =============================================================================

// Patch is a partial state. Nil fields are left untouched by Merge.
type Patch struct {
	AccidentDate      *generic.TimePoint            `json:"accident_date,omitempty"`
	Rows              *[]WageRow                    `json:"rows,omitempty"`
	IbmInputs         *IbmInputs                    `json:"ibm_inputs,omitempty"`
	Ibm               *IbmResult                    `json:"ibm,omitempty"`
	UpdateInputs      *UpdateInputs                 `json:"update_inputs,omitempty"`
	Updates           *map[Method]IndexUpdateResult `json:"updates,omitempty"`
	SelectedMethod    *Method                       `json:"selected_method,omitempty"`
	CompensationInput *CompensationInput            `json:"compensation_input,omitempty"`
	Compensation      *CompensationResult           `json:"compensation,omitempty"`
}

// Validate checks every present field.
func (p Patch) Validate() error {
	if p.Rows != nil {
		if err := validateRows(*p.Rows); err != nil {
			return err
		}
	}
	if in := p.IbmInputs; in != nil {
		if !in.Regime.Valid() {
			return &generic.InputError{Field: "regime", Value: string(in.Regime), Message: "unknown regime"}
		}
		if !in.DayMode.Valid() {
			return &generic.InputError{Field: "day_mode", Value: string(in.DayMode), Message: "unknown day mode"}
		}
		if in.RangeEnd.Before(in.RangeStart) {
			return &generic.InvalidRangeError{Start: in.RangeStart, End: in.RangeEnd}
		}
	}
	if r := p.Ibm; r != nil && r.RangeEnd.Before(r.RangeStart) {
		return &generic.InvalidRangeError{Start: r.RangeStart, End: r.RangeEnd}
	}
	if in := p.UpdateInputs; in != nil {
		if in.BaseAmount.IsNegative() {
			return &generic.InputError{Field: "base_amount", Value: in.BaseAmount.String(), Message: "must not be negative"}
		}
		if !in.StartDate.IsZero() && !in.EndDate.IsZero() && in.EndDate.Before(in.StartDate) {
			return &generic.InvalidRangeError{Start: in.StartDate, End: in.EndDate}
		}
	}
	if p.Updates != nil {
		for m, r := range *p.Updates {
			if _, ok := methods[m]; !ok || r.Method != m {
				return &generic.InputError{Field: "updates", Value: string(m), Message: "unknown or mismatched method"}
			}
			if r.EndDate.Before(r.StartDate) {
				return &generic.InvalidRangeError{Start: r.StartDate, End: r.EndDate}
			}
		}
	}
	if p.SelectedMethod != nil {
		if _, ok := methods[*p.SelectedMethod]; !ok {
			return &generic.InputError{Field: "selected_method", Value: string(*p.SelectedMethod), Message: "unknown update method"}
		}
	}
	if in := p.CompensationInput; in != nil {
		if in.IncapacityPercent.IsNegative() || in.IncapacityPercent.GreaterThan(hundred) {
			return &generic.InputError{Field: "incapacity_percent", Value: in.IncapacityPercent.String(), Message: "must be between 0 and 100"}
		}
		if !in.BirthDate.IsZero() && !in.DeclarationDate.IsZero() && in.DeclarationDate.Before(in.BirthDate) {
			return &generic.InvalidDateOrderError{
				Earlier: in.BirthDate, EarlierLabel: "birth date",
				Later: in.DeclarationDate, LaterLabel: "declaration date",
			}
		}
	}
	return nil
}

func validateRows(rows []WageRow) error {
	seen := make(map[int]struct{}, len(rows))
	for _, row := range rows {
		if row.ID <= 0 {
			return &generic.InputError{Field: "id", Value: strconv.Itoa(row.ID), Message: "row ids must be positive"}
		}
		if _, dup := seen[row.ID]; dup {
			return &generic.InputError{Field: "id", Value: strconv.Itoa(row.ID), Message: "duplicate row id"}
		}
		seen[row.ID] = struct{}{}
		if row.Amount.IsNegative() {
			return &generic.InputError{Field: "amount", Value: row.Amount.String(), Message: "wage amounts must not be negative"}
		}
	}
	return nil
}

func (p Patch) applyTo(s *SessionState) {
	if p.AccidentDate != nil {
		d := *p.AccidentDate
		s.AccidentDate = &d
	}
	if p.Rows != nil {
		s.Rows = append([]WageRow{}, (*p.Rows)...)
		for _, row := range s.Rows {
			if row.ID >= s.NextRowID {
				s.NextRowID = row.ID + 1
			}
		}
	}
	if p.IbmInputs != nil {
		v := *p.IbmInputs
		s.IbmInputs = &v
	}
	if p.Ibm != nil {
		v := *p.Ibm
		s.Ibm = &v
	}
	if p.UpdateInputs != nil {
		v := *p.UpdateInputs
		s.UpdateInputs = &v
	}
	if p.Updates != nil {
		s.Updates = make(map[Method]IndexUpdateResult, len(*p.Updates))
		for k, v := range *p.Updates {
			s.Updates[k] = v
		}
	}
	if p.SelectedMethod != nil {
		m := *p.SelectedMethod
		s.SelectedMethod = &m
	}
	if p.CompensationInput != nil {
		v := *p.CompensationInput
		s.CompensationInput = &v
	}
	if p.Compensation != nil {
		v := *p.Compensation
		s.Compensation = &v
	}
}

// =============================================================================
// SESSION
// =============================================================================

// Session serializes access to one slot's state.
type Session struct {
	mu    sync.Mutex
	store generic.StateStore
	key   string
	log   *logger.Logger
	now   func() time.Time
	state SessionState
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithLogger sets the logger used for persistence failures.
func WithLogger(l *logger.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// OpenSession loads the slot at key. A nil store keeps state in memory only.
func OpenSession(ctx context.Context, store generic.StateStore, key string, opts ...SessionOption) *Session {
	if key == "" {
		key = DefaultSlot
	}
	s := &Session{
		store: store,
		key:   key,
		log:   logger.Named("session"),
		now:   time.Now,
		state: EmptyState(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.load(ctx)
	return s
}

// Key returns the storage slot of the session.
func (s *Session) Key() string { return s.key }

// Get returns a copy of the current state.
func (s *Session) Get() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Merge validates patch and applies it. Only validation errors are returned.
func (s *Session) Merge(ctx context.Context, patch Patch) (SessionState, error) {
	if err := patch.Validate(); err != nil {
		return SessionState{}, err
	}
	return s.commit(ctx, func(st *SessionState) error {
		patch.applyTo(st)
		return nil
	})
}

// Reset restores the empty aggregate and deletes the persisted slot.
func (s *Session) Reset(ctx context.Context) SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := EmptyState()
	next.Version = s.state.Version + 1
	next.UpdatedAt = s.now().UTC()
	s.state = next

	if s.store != nil {
		if err := s.store.Delete(ctx, s.key); err != nil {
			s.log.Warn().Err(err).Str("slot", s.key).Msg("failed to delete session state")
		}
	}
	return s.state.clone()
}

// AddRow records a wage for the month of date. A zero-amount row of that
// month (left by PrefillMonths) is filled in place and keeps its id;
// otherwise a row with a freshly allocated id is appended.
func (s *Session) AddRow(ctx context.Context, date generic.TimePoint, amount decimal.Decimal) (WageRow, SessionState, error) {
	if amount.IsNegative() {
		return WageRow{}, SessionState{}, &generic.InputError{Field: "amount", Value: amount.String(), Message: "wage amounts must not be negative"}
	}
	var row WageRow
	st, err := s.commit(ctx, func(st *SessionState) error {
		if amount.IsPositive() {
			month := date.StartOfMonth()
			for i, existing := range st.Rows {
				if existing.Amount.IsZero() && existing.Date.StartOfMonth().Equal(month) {
					st.Rows[i].Date = date
					st.Rows[i].Amount = amount
					row = st.Rows[i]
					return nil
				}
			}
		}
		row = WageRow{ID: st.NextRowID, Date: date, Amount: amount}
		st.NextRowID++
		st.Rows = append(st.Rows, row)
		return nil
	})
	return row, st, err
}

// UpdateRow changes the date and/or amount of the row with id. Nil
// arguments keep the current value.
func (s *Session) UpdateRow(ctx context.Context, id int, date *generic.TimePoint, amount *decimal.Decimal) (WageRow, SessionState, error) {
	if amount != nil && amount.IsNegative() {
		return WageRow{}, SessionState{}, &generic.InputError{Field: "amount", Value: amount.String(), Message: "wage amounts must not be negative"}
	}
	var row WageRow
	st, err := s.commit(ctx, func(st *SessionState) error {
		for i := range st.Rows {
			if st.Rows[i].ID != id {
				continue
			}
			if date != nil {
				st.Rows[i].Date = *date
			}
			if amount != nil {
				st.Rows[i].Amount = *amount
			}
			row = st.Rows[i]
			return nil
		}
		return fmt.Errorf("row %d: %w", id, generic.ErrRowNotFound)
	})
	return row, st, err
}

// RemoveRow deletes the row with id. Its id is not reused.
func (s *Session) RemoveRow(ctx context.Context, id int) (SessionState, error) {
	return s.commit(ctx, func(st *SessionState) error {
		for i, row := range st.Rows {
			if row.ID == id {
				st.Rows = append(st.Rows[:i], st.Rows[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("row %d: %w", id, generic.ErrRowNotFound)
	})
}

// PrefillMonths records the accident date and adds an empty row for each of
// the PrefillMonthCount months before it that has no row yet. When Stage 1
// inputs are unset they default to the prefilled range.
func (s *Session) PrefillMonths(ctx context.Context, accidentDate generic.TimePoint) (SessionState, error) {
	if accidentDate.IsZero() {
		return SessionState{}, &generic.InputError{Field: "accident_date", Message: "required"}
	}
	months := generic.PreviousMonths(accidentDate, PrefillMonthCount)

	return s.commit(ctx, func(st *SessionState) error {
		d := accidentDate
		st.AccidentDate = &d

		present := make(map[string]struct{}, len(st.Rows))
		for _, row := range st.Rows {
			present[row.Date.StartOfMonth().String()] = struct{}{}
		}
		for _, month := range months {
			if _, ok := present[month.String()]; ok {
				continue
			}
			st.Rows = append(st.Rows, WageRow{ID: st.NextRowID, Date: month, Amount: decimal.Zero})
			st.NextRowID++
		}

		if st.IbmInputs == nil {
			last := months[len(months)-1]
			st.IbmInputs = &IbmInputs{
				RangeStart: months[0],
				RangeEnd:   generic.EndOfMonth(last.Year(), last.Month()),
				Regime:     RegimePost27348,
				DayMode:    DayModeCalendar,
			}
		}
		return nil
	})
}

// RecordUpdateRun stores the outcome of one Stage 2 run. Successful
// results replace the stored result of their method; a method that failed
// loses its stored result, and the selection is cleared if it pointed
// there. The selection only changes when selected is non-nil, which must
// name a method that succeeded in this run. A run in which every method
// failed changes nothing and returns the first failure.
func (s *Session) RecordUpdateRun(ctx context.Context, in UpdateInputs, outcomes []UpdateOutcome, selected *Method) (SessionState, error) {
	if err := (Patch{UpdateInputs: &in}).Validate(); err != nil {
		return SessionState{}, err
	}

	var firstErr error
	succeeded := make(map[Method]bool, len(outcomes))
	for _, o := range outcomes {
		if _, ok := methods[o.Method]; !ok {
			return SessionState{}, &generic.InputError{Field: "method", Value: string(o.Method), Message: "unknown update method"}
		}
		if o.Err != nil {
			if firstErr == nil {
				firstErr = o.Err
			}
			continue
		}
		succeeded[o.Method] = true
	}
	if len(succeeded) == 0 {
		if firstErr == nil {
			firstErr = &generic.InputError{Field: "method", Message: "no update method ran"}
		}
		return SessionState{}, firstErr
	}
	if selected != nil && !succeeded[*selected] {
		return SessionState{}, &generic.InputError{Field: "select", Value: string(*selected), Message: "only a method that succeeded can be selected"}
	}

	return s.commit(ctx, func(st *SessionState) error {
		v := in
		st.UpdateInputs = &v

		updates := make(map[Method]IndexUpdateResult, len(st.Updates)+len(outcomes))
		for m, r := range st.Updates {
			updates[m] = r
		}
		for _, o := range outcomes {
			if o.Err != nil {
				delete(updates, o.Method)
				if st.SelectedMethod != nil && *st.SelectedMethod == o.Method {
					st.SelectedMethod = nil
				}
				continue
			}
			updates[o.Method] = o.Result
		}
		st.Updates = updates

		if selected != nil {
			m := *selected
			st.SelectedMethod = &m
		}
		return nil
	})
}

// commit applies mutate to a copy and swaps it in when mutate succeeds.
func (s *Session) commit(ctx context.Context, mutate func(*SessionState) error) (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if err := mutate(&next); err != nil {
		return SessionState{}, err
	}
	next.Version = s.state.Version + 1
	next.UpdatedAt = s.now().UTC()
	s.state = next

	s.save(ctx)
	return s.state.clone(), nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func (s *Session) load(ctx context.Context) {
	if s.store == nil {
		return
	}
	payload, err := s.store.Load(ctx, s.key)
	if errors.Is(err, generic.ErrSlotNotFound) {
		s.log.Debug().Str("slot", s.key).Msg("no persisted session state")
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("slot", s.key).Msg("failed to load session state, starting empty")
		return
	}

	st, err := DecodeState(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("slot", s.key).Msg("discarding unreadable session state")
		return
	}
	s.state = st
}

func (s *Session) save(ctx context.Context) {
	if s.store == nil {
		return
	}
	payload, err := EncodeState(s.state)
	if err != nil {
		s.log.Error().Err(err).Str("slot", s.key).Msg("failed to encode session state")
		return
	}
	if err := s.store.Save(ctx, s.key, payload); err != nil {
		s.log.Warn().Err(err).Str("slot", s.key).Int64("version", s.state.Version).Msg("failed to persist session state")
	}
}

// EncodeState serializes the aggregate.
func EncodeState(st SessionState) ([]byte, error) {
	return json.Marshal(st)
}

// DecodeState parses a persisted aggregate and repairs the row id counter.
func DecodeState(payload []byte) (SessionState, error) {
	st := EmptyState()
	if err := json.Unmarshal(payload, &st); err != nil {
		return SessionState{}, fmt.Errorf("failed to decode session state: %w", err)
	}
	if err := validateRows(st.Rows); err != nil {
		return SessionState{}, fmt.Errorf("invalid persisted rows: %w", err)
	}
	if st.Rows == nil {
		st.Rows = []WageRow{}
	}
	if st.NextRowID < 1 {
		st.NextRowID = 1
	}
	for _, row := range st.Rows {
		if row.ID >= st.NextRowID {
			st.NextRowID = row.ID + 1
		}
	}
	return st, nil
}
