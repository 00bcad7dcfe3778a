package accident_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlegal/accident-engine/accident"
	"github.com/finlegal/accident-engine/generic"
	"github.com/finlegal/accident-engine/generic/store"
	"github.com/finlegal/accident-engine/logger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestSession(t *testing.T, st generic.StateStore) *accident.Session {
	t.Helper()
	fixed := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	return accident.OpenSession(context.Background(), st, accident.DefaultSlot,
		accident.WithLogger(logger.Nop()),
		accident.WithClock(func() time.Time { return fixed }),
	)
}

func ibmInputs() *accident.IbmInputs {
	return &accident.IbmInputs{
		RangeStart: day("2024-01-01"),
		RangeEnd:   day("2024-12-31"),
		Regime:     accident.RegimePost27348,
		DayMode:    accident.DayModeCalendar,
	}
}

func updateInputs() *accident.UpdateInputs {
	return &accident.UpdateInputs{BaseAmount: dec("1050"), StartDate: day("2024-01-01"), EndDate: day("2025-01-01")}
}

// =============================================================================
// MERGE
// =============================================================================

func TestSession_StartsEmpty(t *testing.T) {
	s := newTestSession(t, store.NewMemory())

	st := s.Get()
	assert.Empty(t, st.Rows)
	assert.Equal(t, 1, st.NextRowID)
	assert.Zero(t, st.Version)
	assert.Nil(t, st.Ibm)
}

func TestSession_Merge_FieldLevel(t *testing.T) {
	// GIVEN: A merge of Stage 1 inputs
	// WHEN: A second merge carries only Stage 2 inputs
	// THEN: Both are present afterwards

	s := newTestSession(t, store.NewMemory())
	ctx := context.Background()

	_, err := s.Merge(ctx, accident.Patch{IbmInputs: ibmInputs()})
	require.NoError(t, err)
	st, err := s.Merge(ctx, accident.Patch{UpdateInputs: updateInputs()})
	require.NoError(t, err)

	require.NotNil(t, st.IbmInputs)
	require.NotNil(t, st.UpdateInputs)
	assert.Equal(t, accident.DayModeCalendar, st.IbmInputs.DayMode)
	assert.Equal(t, "1050", st.UpdateInputs.BaseAmount.String())
	assert.Equal(t, int64(2), st.Version)
}

func TestSession_Merge_NoImplicitInvalidation(t *testing.T) {
	// GIVEN: A stored compensation result
	// WHEN: Stage 1 inputs change
	// THEN: The compensation result is kept

	s := newTestSession(t, store.NewMemory())
	ctx := context.Background()

	_, err := s.Merge(ctx, accident.Patch{Compensation: &accident.CompensationResult{FinalAmount: dec("10")}})
	require.NoError(t, err)
	st, err := s.Merge(ctx, accident.Patch{IbmInputs: ibmInputs()})
	require.NoError(t, err)

	require.NotNil(t, st.Compensation)
	assert.Equal(t, "10", st.Compensation.FinalAmount.String())
}

func TestSession_Merge_InvalidPatchRejectedWhole(t *testing.T) {
	// GIVEN: A patch with valid Stage 1 inputs and an invalid percentage
	// WHEN: Merging
	// THEN: Nothing is applied and the version does not move

	s := newTestSession(t, store.NewMemory())

	_, err := s.Merge(context.Background(), accident.Patch{
		IbmInputs:         ibmInputs(),
		CompensationInput: &accident.CompensationInput{IncapacityPercent: dec("150")},
	})
	require.ErrorIs(t, err, generic.ErrInvalidInput)

	st := s.Get()
	assert.Nil(t, st.IbmInputs)
	assert.Zero(t, st.Version)
}

func TestSession_Merge_Validation(t *testing.T) {
	inverted := ibmInputs()
	inverted.RangeStart, inverted.RangeEnd = inverted.RangeEnd, inverted.RangeStart
	bogus := accident.Method("BOGUS")
	dupRows := []accident.WageRow{row(1, "2024-01-01", "1"), row(1, "2024-02-01", "2")}

	tests := []struct {
		name  string
		patch accident.Patch
		want  error
	}{
		{"inverted stage 1 range", accident.Patch{IbmInputs: inverted}, generic.ErrInvalidRange},
		{"unknown method", accident.Patch{SelectedMethod: &bogus}, generic.ErrInvalidInput},
		{"duplicate row ids", accident.Patch{Rows: &dupRows}, generic.ErrInvalidInput},
		{"declaration before birth", accident.Patch{CompensationInput: &accident.CompensationInput{
			BirthDate: day("2000-01-01"), DeclarationDate: day("1999-01-01"),
		}}, generic.ErrInvalidDateOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, store.NewMemory())
			_, err := s.Merge(context.Background(), tt.patch)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSession_Merge_RowsAdvanceCounter(t *testing.T) {
	s := newTestSession(t, store.NewMemory())
	rows := []accident.WageRow{row(7, "2024-01-01", "1000")}

	st, err := s.Merge(context.Background(), accident.Patch{Rows: &rows})
	require.NoError(t, err)
	assert.Equal(t, 8, st.NextRowID)
}

func TestSession_GetReturnsCopy(t *testing.T) {
	s := newTestSession(t, store.NewMemory())
	_, _, err := s.AddRow(context.Background(), day("2024-01-01"), dec("1000"))
	require.NoError(t, err)

	st := s.Get()
	st.Rows[0].Amount = dec("1")

	assert.Equal(t, "1000", s.Get().Rows[0].Amount.String())
}

// =============================================================================
// ROWS
// =============================================================================

func TestSession_RowIDsNeverReused(t *testing.T) {
	// GIVEN: Rows 1 and 2, then row 2 removed
	// WHEN: Adding another row
	// THEN: It gets id 3

	s := newTestSession(t, store.NewMemory())
	ctx := context.Background()

	_, _, err := s.AddRow(ctx, day("2024-01-01"), dec("1000"))
	require.NoError(t, err)
	second, _, err := s.AddRow(ctx, day("2024-02-01"), dec("1100"))
	require.NoError(t, err)
	_, err = s.RemoveRow(ctx, second.ID)
	require.NoError(t, err)

	third, st, err := s.AddRow(ctx, day("2024-03-01"), dec("1200"))
	require.NoError(t, err)

	assert.Equal(t, 3, third.ID)
	assert.Len(t, st.Rows, 2)
	assert.Equal(t, 4, st.NextRowID)
}

func TestSession_RemoveRow_NotFound(t *testing.T) {
	s := newTestSession(t, store.NewMemory())

	_, err := s.RemoveRow(context.Background(), 42)
	assert.ErrorIs(t, err, generic.ErrRowNotFound)
	assert.True(t, generic.IsNotFound(err))
	assert.Zero(t, s.Get().Version)
}

func TestSession_AddRow_RejectsNegative(t *testing.T) {
	s := newTestSession(t, store.NewMemory())

	_, _, err := s.AddRow(context.Background(), day("2024-01-01"), dec("-1"))
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func TestSession_PrefillMonths(t *testing.T) {
	// GIVEN: An accident on 2025-03-20 and an existing row for 2024-06
	// WHEN: Prefilling
	// THEN: The 11 missing months from 2024-03 to 2025-02 are added and
	//       Stage 1 defaults to that range

	s := newTestSession(t, store.NewMemory())
	ctx := context.Background()

	_, _, err := s.AddRow(ctx, day("2024-06-15"), dec("900"))
	require.NoError(t, err)

	st, err := s.PrefillMonths(ctx, day("2025-03-20"))
	require.NoError(t, err)

	assert.Len(t, st.Rows, 12)
	assert.Equal(t, 13, st.NextRowID)
	require.NotNil(t, st.AccidentDate)
	assert.Equal(t, day("2025-03-20"), *st.AccidentDate)
	require.NotNil(t, st.IbmInputs)
	assert.Equal(t, day("2024-03-01"), st.IbmInputs.RangeStart)
	assert.Equal(t, day("2025-02-28"), st.IbmInputs.RangeEnd)

	again, err := s.PrefillMonths(ctx, day("2025-03-20"))
	require.NoError(t, err)
	assert.Len(t, again.Rows, 12, "prefill is idempotent")
}

func TestSession_AddRow_FillsPrefilledMonth(t *testing.T) {
	// GIVEN: Twelve empty months prefilled for an accident on 2024-04-10
	// WHEN: Recording wages for January to March 2024
	// THEN: The empty rows of those months take the amounts and keep their ids

	s := newTestSession(t, store.NewMemory())
	ctx := context.Background()

	prefilled, err := s.PrefillMonths(ctx, day("2024-04-10"))
	require.NoError(t, err)
	require.Len(t, prefilled.Rows, 12)

	var january accident.WageRow
	for _, r := range prefilled.Rows {
		if r.Date.Equal(day("2024-01-01")) {
			january = r
		}
	}
	require.NotZero(t, january.ID)

	got, _, err := s.AddRow(ctx, day("2024-01-15"), dec("1000"))
	require.NoError(t, err)
	assert.Equal(t, january.ID, got.ID)
	assert.Equal(t, day("2024-01-15"), got.Date)

	_, _, err = s.AddRow(ctx, day("2024-02-01"), dec("1000"))
	require.NoError(t, err)
	_, st, err := s.AddRow(ctx, day("2024-03-01"), dec("1000"))
	require.NoError(t, err)

	assert.Len(t, st.Rows, 12)
	assert.Equal(t, 13, st.NextRowID)

	// A second wage in an already filled month is a separate row.
	extra, st, err := s.AddRow(ctx, day("2024-03-20"), dec("200"))
	require.NoError(t, err)
	assert.Equal(t, 13, extra.ID)
	assert.Len(t, st.Rows, 13)
}

func TestSession_UpdateRow(t *testing.T) {
	s := newTestSession(t, store.NewMemory())
	ctx := context.Background()

	added, _, err := s.AddRow(ctx, day("2024-01-01"), dec("0"))
	require.NoError(t, err)

	amount := dec("1250.50")
	got, st, err := s.UpdateRow(ctx, added.ID, nil, &amount)
	require.NoError(t, err)
	assert.Equal(t, added.ID, got.ID)
	assert.Equal(t, day("2024-01-01"), got.Date)
	assert.True(t, amount.Equal(st.Rows[0].Amount))

	moved := day("2024-02-01")
	got, _, err = s.UpdateRow(ctx, added.ID, &moved, nil)
	require.NoError(t, err)
	assert.Equal(t, moved, got.Date)
	assert.True(t, amount.Equal(got.Amount))

	negative := dec("-1")
	_, _, err = s.UpdateRow(ctx, added.ID, nil, &negative)
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	version := s.Get().Version
	_, _, err = s.UpdateRow(ctx, 99, nil, &amount)
	assert.ErrorIs(t, err, generic.ErrRowNotFound)
	assert.Equal(t, version, s.Get().Version)
}

func succeeded(m accident.Method, final string) accident.UpdateOutcome {
	return accident.UpdateOutcome{Method: m, Result: accident.IndexUpdateResult{Method: m, FinalAmount: dec(final)}}
}

func failed(m accident.Method) accident.UpdateOutcome {
	return accident.UpdateOutcome{Method: m, Err: &generic.InsufficientRateDataError{Series: string(m), From: day("2024-01-01"), To: day("2025-01-01"), Reason: "no point"}}
}

func TestSession_RecordUpdateRun_KeepsOtherMethods(t *testing.T) {
	s := newTestSession(t, store.NewMemory())
	ctx := context.Background()

	_, err := s.RecordUpdateRun(ctx, *updateInputs(), []accident.UpdateOutcome{succeeded(accident.MethodSimple, "1")}, nil)
	require.NoError(t, err)
	st, err := s.RecordUpdateRun(ctx, *updateInputs(), []accident.UpdateOutcome{succeeded(accident.MethodActiveRate, "2")}, nil)
	require.NoError(t, err)

	assert.Len(t, st.Updates, 2)
	assert.Nil(t, st.SelectedMethod, "nothing is selected until asked")
	require.NotNil(t, st.UpdateInputs)

	selected := accident.MethodActiveRate
	st, err = s.Merge(ctx, accident.Patch{SelectedMethod: &selected})
	require.NoError(t, err)
	chosen, ok := st.SelectedUpdate()
	require.True(t, ok)
	assert.Equal(t, "2", chosen.FinalAmount.String())
}

func TestSession_RecordUpdateRun_Selects(t *testing.T) {
	s := newTestSession(t, store.NewMemory())
	ctx := context.Background()

	method := accident.MethodWeighted
	st, err := s.RecordUpdateRun(ctx, *updateInputs(), []accident.UpdateOutcome{succeeded(method, "3")}, &method)
	require.NoError(t, err)
	require.NotNil(t, st.SelectedMethod)
	assert.Equal(t, method, *st.SelectedMethod)

	other := accident.MethodSimple
	_, err = s.RecordUpdateRun(ctx, *updateInputs(), []accident.UpdateOutcome{succeeded(method, "3")}, &other)
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func TestSession_RecordUpdateRun_DropsFailedMethods(t *testing.T) {
	// GIVEN: Stored SIMPLE and ACTIVE_RATE results with ACTIVE_RATE selected
	// WHEN: A rerun succeeds for SIMPLE and fails for ACTIVE_RATE
	// THEN: The stale ACTIVE_RATE result and the selection are gone

	s := newTestSession(t, store.NewMemory())
	ctx := context.Background()

	active := accident.MethodActiveRate
	_, err := s.RecordUpdateRun(ctx, *updateInputs(), []accident.UpdateOutcome{
		succeeded(accident.MethodSimple, "1"),
		succeeded(active, "2"),
	}, &active)
	require.NoError(t, err)

	st, err := s.RecordUpdateRun(ctx, *updateInputs(), []accident.UpdateOutcome{
		succeeded(accident.MethodSimple, "5"),
		failed(active),
	}, nil)
	require.NoError(t, err)

	assert.Len(t, st.Updates, 1)
	assert.Equal(t, "5", st.Updates[accident.MethodSimple].FinalAmount.String())
	assert.Nil(t, st.SelectedMethod)
	_, ok := st.SelectedUpdate()
	assert.False(t, ok)
}

func TestSession_RecordUpdateRun_AllFailedChangesNothing(t *testing.T) {
	s := newTestSession(t, store.NewMemory())
	ctx := context.Background()

	simple := accident.MethodSimple
	before, err := s.RecordUpdateRun(ctx, *updateInputs(), []accident.UpdateOutcome{succeeded(simple, "1")}, &simple)
	require.NoError(t, err)

	changed := *updateInputs()
	changed.BaseAmount = dec("9999")
	_, err = s.RecordUpdateRun(ctx, changed, []accident.UpdateOutcome{failed(simple), failed(accident.MethodWeighted)}, nil)
	assert.ErrorIs(t, err, generic.ErrInsufficientRateData)

	after := s.Get()
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, "1050", after.UpdateInputs.BaseAmount.String())
	require.NotNil(t, after.SelectedMethod)
	assert.Len(t, after.Updates, 1)
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func TestSession_PersistsAcrossReopen(t *testing.T) {
	// GIVEN: A session with rows and a Stage 1 result saved to a store
	// WHEN: A new session is opened on the same slot
	// THEN: It sees the same state

	mem := store.NewMemory()
	ctx := context.Background()

	first := newTestSession(t, mem)
	_, _, err := first.AddRow(ctx, day("2024-01-01"), dec("1000"))
	require.NoError(t, err)
	_, err = first.Merge(ctx, accident.Patch{IbmInputs: ibmInputs()})
	require.NoError(t, err)

	second := newTestSession(t, mem)
	st := second.Get()

	require.Len(t, st.Rows, 1)
	assert.Equal(t, "1000", st.Rows[0].Amount.String())
	assert.Equal(t, day("2024-01-01"), st.Rows[0].Date)
	assert.Equal(t, 2, st.NextRowID)
	assert.Equal(t, int64(2), st.Version)
	require.NotNil(t, st.IbmInputs)
	assert.Equal(t, accident.RegimePost27348, st.IbmInputs.Regime)
}

func TestSession_Reset_ClearsStore(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	s := newTestSession(t, mem)

	_, _, err := s.AddRow(ctx, day("2024-01-01"), dec("1000"))
	require.NoError(t, err)

	st := s.Reset(ctx)
	assert.Empty(t, st.Rows)
	assert.Nil(t, st.IbmInputs)
	assert.Equal(t, int64(2), st.Version)

	_, err = mem.Load(ctx, accident.DefaultSlot)
	assert.ErrorIs(t, err, generic.ErrSlotNotFound)
}

func TestSession_StorageFailureDoesNotBlock(t *testing.T) {
	// GIVEN: A store that fails every call
	// WHEN: Opening, merging and resetting
	// THEN: Everything succeeds in memory

	failing := &store.Failing{Err: errors.New("disk on fire")}
	ctx := context.Background()

	s := newTestSession(t, failing)
	st, err := s.Merge(ctx, accident.Patch{IbmInputs: ibmInputs()})
	require.NoError(t, err)
	assert.NotNil(t, st.IbmInputs)

	st = s.Reset(ctx)
	assert.Nil(t, st.IbmInputs)
}

func TestSession_CorruptSlotStartsEmpty(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Save(context.Background(), accident.DefaultSlot, []byte("{not json")))

	s := newTestSession(t, mem)
	assert.Empty(t, s.Get().Rows)
}

func TestDecodeState_RepairsCounter(t *testing.T) {
	payload := []byte(`{"version":3,"rows":[{"id":5,"date":"2024-01-01","amount":"10"}],"next_row_id":2}`)

	st, err := accident.DecodeState(payload)
	require.NoError(t, err)
	assert.Equal(t, 6, st.NextRowID)
	assert.Equal(t, int64(3), st.Version)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestSession_ConcurrentMerges(t *testing.T) {
	s := newTestSession(t, store.NewMemory())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.AddRow(ctx, day("2024-01-01"), dec("1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st := s.Get()
	assert.Len(t, st.Rows, 20)
	assert.Equal(t, int64(20), st.Version)
	assert.Equal(t, 21, st.NextRowID)
}
