package accident_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlegal/accident-engine/accident"
	"github.com/finlegal/accident-engine/generic"
)

func newTestEngine(t *testing.T, providers map[accident.Method]generic.IndexProvider) *accident.Engine {
	t.Helper()
	engine, err := accident.NewEngine(accident.EngineConfig{
		Providers: providers,
		WageIndex: generic.NewSeries("ripte", []generic.RatePoint{
			point("2024-01-01", "100"),
			point("2024-02-01", "110"),
			point("2024-03-01", "120"),
		}),
		Minimums: map[accident.Regime]generic.MinimumSchedule{
			accident.RegimePre27348:  minimums(minimum("2020-01-01", "10")),
			accident.RegimePost27348: minimums(minimum("2020-01-01", "99999999")),
		},
	})
	require.NoError(t, err)
	return engine
}

func TestEngine_UpdateAll_MethodsFailIndependently(t *testing.T) {
	// GIVEN: A wage index for SIMPLE and WEIGHTED but no active rate series
	// WHEN: Running every method
	// THEN: The two configured methods succeed and ACTIVE_RATE reports
	//       insufficient rate data

	ripte := generic.NewSeries("ripte", []generic.RatePoint{point("2024-01-01", "100"), point("2024-06-01", "110")})
	engine := newTestEngine(t, map[accident.Method]generic.IndexProvider{
		accident.MethodSimple:   ripte,
		accident.MethodWeighted: ripte,
	})

	outcomes := engine.UpdateAll(context.Background(), dec("1050"), day("2024-01-01"), day("2024-06-01"))
	require.Len(t, outcomes, 3)

	assert.Equal(t, accident.MethodSimple, outcomes[0].Method)
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, "1155.00", outcomes[0].Result.FinalAmount.StringFixed(2))
	assert.Equal(t, "ripte", outcomes[0].Result.Source)

	require.NoError(t, outcomes[1].Err)
	assert.Equal(t, "1155.00", outcomes[1].Result.FinalAmount.StringFixed(2))

	assert.ErrorIs(t, outcomes[2].Err, generic.ErrInsufficientRateData)
}

func TestEngine_Update_RecordsFallbackSource(t *testing.T) {
	// GIVEN: The primary series stops before the end date and the lagged
	//        series covers it
	// WHEN: Updating
	// THEN: The lagged series answers and is recorded as the source

	primary := generic.NewSeries("ripte", []generic.RatePoint{point("2024-01-01", "100")})
	lagged := generic.NewSeries("ripte_t1", []generic.RatePoint{point("2024-01-01", "100"), point("2024-06-01", "120")})
	chain := generic.NewFallbackProvider(0, primary, lagged)

	engine := newTestEngine(t, map[accident.Method]generic.IndexProvider{accident.MethodSimple: chain})

	result, err := engine.Update(context.Background(), accident.MethodSimple, dec("1000"), day("2024-01-01"), day("2024-06-01"))
	require.NoError(t, err)
	assert.Equal(t, "ripte_t1", result.Source)
	assert.Equal(t, "1200.00", result.FinalAmount.StringFixed(2))
}

func TestEngine_Update_EmptyProviderNamesSeries(t *testing.T) {
	empty := generic.NewSeries("tasa_activa", nil)
	engine := newTestEngine(t, map[accident.Method]generic.IndexProvider{accident.MethodActiveRate: empty})

	_, err := engine.Update(context.Background(), accident.MethodActiveRate, dec("1000"), day("2024-01-01"), day("2024-06-01"))

	var rateErr *generic.InsufficientRateDataError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, "tasa_activa", rateErr.Series)
}

func TestEngine_Compensate_PicksScheduleByRegime(t *testing.T) {
	engine := newTestEngine(t, nil)

	pre, err := engine.Compensate(baseInput(), accident.RegimePre27348)
	require.NoError(t, err)
	post, err := engine.Compensate(baseInput(), accident.RegimePost27348)
	require.NoError(t, err)

	assert.False(t, pre.MinimumWasBinding)
	assert.True(t, post.MinimumWasBinding)
	assert.Equal(t, "99999999.00", post.FinalAmount.StringFixed(2))
}

func TestEngine_Compensate_PicksScheduleByBracket(t *testing.T) {
	// GIVEN: Post-27348 floors for PARTIAL and TOTAL plus lump sums for
	//        TOTAL and DEATH; MAJOR and DEATH have no floor of their own
	// WHEN: Compensating one case per bracket
	// THEN: Bracket floors replace the regime table, scaled for PARTIAL,
	//       and the lump sum of the bracket is reported

	engine, err := accident.NewEngine(accident.EngineConfig{
		Minimums: map[accident.Regime]generic.MinimumSchedule{
			accident.RegimePre27348:  minimums(minimum("2020-01-01", "10")),
			accident.RegimePost27348: minimums(minimum("2020-01-01", "99999999")),
		},
		Brackets: map[accident.Regime]accident.BracketTables{
			accident.RegimePost27348: {
				Minimums: map[accident.Bracket]generic.MinimumSchedule{
					accident.BracketPartial: minimums(minimum("2020-01-01", "1000000")),
					accident.BracketTotal:   minimums(minimum("2020-01-01", "8000000")),
				},
				LumpSums: map[accident.Bracket]generic.MinimumSchedule{
					accident.BracketTotal: minimums(minimum("2020-01-01", "300000")),
					accident.BracketDeath: minimums(minimum("2020-01-01", "400000")),
				},
			},
		},
	})
	require.NoError(t, err)

	partial, err := engine.Compensate(baseInput(), accident.RegimePost27348)
	require.NoError(t, err)
	assert.Equal(t, "500000.00", partial.MinimumApplied.StringFixed(2))
	assert.True(t, partial.MinimumScaled)
	assert.False(t, partial.MinimumWasBinding)
	assert.Nil(t, partial.LumpSum)

	major := baseInput()
	major.IncapacityPercent = dec("55")
	got, err := engine.Compensate(major, accident.RegimePost27348)
	require.NoError(t, err)
	assert.Equal(t, accident.BracketMajor, got.Bracket)
	assert.Equal(t, "99999999.00", got.MinimumApplied.StringFixed(2), "regime table, unscaled")
	assert.False(t, got.MinimumScaled)

	total := baseInput()
	total.IncapacityPercent = dec("70")
	got, err = engine.Compensate(total, accident.RegimePost27348)
	require.NoError(t, err)
	assert.Equal(t, "8000000.00", got.FinalAmount.StringFixed(2))
	assert.True(t, got.MinimumWasBinding)
	require.NotNil(t, got.LumpSum)
	assert.Equal(t, "300000.00", got.LumpSum.Amount.StringFixed(2))

	death := baseInput()
	death.IsDeath = true
	got, err = engine.Compensate(death, accident.RegimePost27348)
	require.NoError(t, err)
	assert.Equal(t, accident.BracketDeath, got.Bracket)
	require.NotNil(t, got.LumpSum)
	assert.Equal(t, "400000.00", got.LumpSum.Amount.StringFixed(2))

	got, err = engine.Compensate(total, accident.RegimePre27348)
	require.NoError(t, err)
	assert.Equal(t, "10.00", got.MinimumApplied.StringFixed(2), "other regimes keep their table")
	assert.Nil(t, got.LumpSum)
}

func TestNewEngine_RejectsBadBrackets(t *testing.T) {
	schedule := minimums(minimum("2020-01-01", "1"))

	tests := []struct {
		name     string
		brackets map[accident.Regime]accident.BracketTables
	}{
		{"unknown regime", map[accident.Regime]accident.BracketTables{
			"LATEST": {Minimums: map[accident.Bracket]generic.MinimumSchedule{accident.BracketTotal: schedule}},
		}},
		{"unknown bracket", map[accident.Regime]accident.BracketTables{
			accident.RegimePost27348: {Minimums: map[accident.Bracket]generic.MinimumSchedule{"SEVERE": schedule}},
		}},
		{"partial lump sum", map[accident.Regime]accident.BracketTables{
			accident.RegimePost27348: {LumpSums: map[accident.Bracket]generic.MinimumSchedule{accident.BracketPartial: schedule}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := accident.NewEngine(accident.EngineConfig{Brackets: tt.brackets})
			assert.ErrorIs(t, err, generic.ErrInvalidInput)
		})
	}
}

func TestEngine_ResolveIbm_WithAdjustment(t *testing.T) {
	engine := newTestEngine(t, nil)
	rows := []accident.WageRow{row(1, "2024-01-10", "1000"), row(2, "2024-02-10", "1100")}
	in := accident.IbmInputs{
		RangeStart: day("2024-01-01"), RangeEnd: day("2024-02-29"),
		Regime: accident.RegimePost27348, DayMode: accident.DayModeCalendar,
	}

	plain, err := engine.ResolveIbm(context.Background(), rows, in, nil)
	require.NoError(t, err)
	assert.Equal(t, "1050.00", plain.Value.StringFixed(2))

	ref := day("2024-03-01")
	adjusted, err := engine.ResolveIbm(context.Background(), rows, in, &ref)
	require.NoError(t, err)
	assert.Equal(t, "1200.00", adjusted.Value.StringFixed(2))
}

func TestNewEngine_RejectsBadCoefficients(t *testing.T) {
	coeffs := accident.DefaultCoefficients()
	coeffs.ReferenceAge = dec("-1")

	_, err := accident.NewEngine(accident.EngineConfig{Coefficients: coeffs})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}
