package accident_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlegal/accident-engine/accident"
	"github.com/finlegal/accident-engine/generic"
)

func minimums(entries ...generic.MinimumEntry) *generic.Schedule {
	return generic.NewSchedule("test", entries)
}

func minimum(date, amount string) generic.MinimumEntry {
	return generic.MinimumEntry{EffectiveDate: day(date), Amount: dec(amount)}
}

func baseInput() accident.CompensationInput {
	return accident.CompensationInput{
		BirthDate:         day("1980-06-15"),
		DeclarationDate:   day("2025-06-15"),
		IncapacityPercent: dec("50"),
		IbmDate:           day("2025-01-01"),
		IbmValue:          dec("100000"),
	}
}

// =============================================================================
// FORMULA
// =============================================================================

func TestComputeCompensation_BaseFormula(t *testing.T) {
	// GIVEN: A 45 year old claimant with 50% incapacity and IBM 100000
	// WHEN: Computing with the default 53 x 65 / age coefficient
	// THEN: 100000 * 76.5555... * 0.5 = 3827777.78, above the minimum

	result, err := accident.ComputeCompensation(baseInput(), minimums(minimum("2020-01-01", "1000000")), accident.DefaultCoefficients())
	require.NoError(t, err)

	assert.Equal(t, 45, result.AgeAtDeclaration)
	assert.Equal(t, "3827777.78", result.ComputedAmount.StringFixed(2))
	assert.Equal(t, "1000000.00", result.MinimumApplied.StringFixed(2))
	assert.True(t, result.FinalAmount.Equal(result.ComputedAmount))
	assert.False(t, result.MinimumWasBinding)
	assert.Equal(t, day("2020-01-01"), result.MinimumEffectiveDate)
}

func TestComputeCompensation_AgeUsesCompletedYears(t *testing.T) {
	in := baseInput()
	in.DeclarationDate = day("2025-06-14") // one day before the 45th birthday

	result, err := accident.ComputeCompensation(in, minimums(minimum("2020-01-01", "0")), accident.DefaultCoefficients())
	require.NoError(t, err)
	assert.Equal(t, 44, result.AgeAtDeclaration)
}

func TestComputeCompensation_NonIncreasingInAge(t *testing.T) {
	// GIVEN: Fixed inputs except for the declaration date
	// WHEN: The claimant is older at declaration
	// THEN: The computed amount never increases

	schedule := minimums(minimum("2000-01-01", "0"))
	previous := decimal.Decimal{}
	for age := 18; age <= 80; age++ {
		in := baseInput()
		in.BirthDate = day("2025-06-15").AddYears(-age)

		result, err := accident.ComputeCompensation(in, schedule, accident.DefaultCoefficients())
		require.NoError(t, err)
		require.Equal(t, age, result.AgeAtDeclaration)

		if age > 18 {
			assert.True(t, result.ComputedAmount.LessThanOrEqual(previous), "age %d", age)
		}
		previous = result.ComputedAmount
	}
}

func TestComputeCompensation_Death_IgnoresIncapacity(t *testing.T) {
	// GIVEN: A death case with a configured death factor
	// WHEN: Incapacity is 0 or 80
	// THEN: The result is the same, ibm * coefficient * DeathFactor

	coeffs := accident.DefaultCoefficients()
	coeffs.DeathFactor = dec("1")
	schedule := minimums(minimum("2020-01-01", "0"))

	in := baseInput()
	in.IsDeath = true
	in.IncapacityPercent = dec("0")
	zero, err := accident.ComputeCompensation(in, schedule, coeffs)
	require.NoError(t, err)

	in.IncapacityPercent = dec("80")
	eighty, err := accident.ComputeCompensation(in, schedule, coeffs)
	require.NoError(t, err)

	assert.True(t, zero.ComputedAmount.Equal(eighty.ComputedAmount))
	assert.Equal(t, "7655555.56", zero.ComputedAmount.StringFixed(2))
}

func TestComputeCompensation_CommuteAddsSupplement(t *testing.T) {
	coeffs := accident.DefaultCoefficients()
	coeffs.CommuteSupplement = dec("5000")
	schedule := minimums(minimum("2020-01-01", "0"))

	plain, err := accident.ComputeCompensation(baseInput(), schedule, coeffs)
	require.NoError(t, err)

	in := baseInput()
	in.IsCommuteAccident = true
	commute, err := accident.ComputeCompensation(in, schedule, coeffs)
	require.NoError(t, err)

	assert.Equal(t, "5000.00", commute.ComputedAmount.Sub(plain.ComputedAmount).StringFixed(2))
}

// =============================================================================
// MINIMUM COMPARISON
// =============================================================================

func TestComputeCompensation_MinimumBinding(t *testing.T) {
	// GIVEN: A minimum far above the formula result
	// WHEN: Computing
	// THEN: The final amount is the minimum and the minimum is binding

	result, err := accident.ComputeCompensation(baseInput(), minimums(minimum("2020-01-01", "9000000")), accident.DefaultCoefficients())
	require.NoError(t, err)

	assert.Equal(t, "9000000.00", result.FinalAmount.StringFixed(2))
	assert.True(t, result.MinimumWasBinding)
	assert.True(t, result.FinalAmount.GreaterThanOrEqual(result.MinimumApplied))
}

func TestComputeCompensation_MinimumEqualIsNotBinding(t *testing.T) {
	result, err := accident.ComputeCompensation(baseInput(), minimums(minimum("2020-01-01", "3827777.78")), accident.DefaultCoefficients())
	require.NoError(t, err)

	assert.True(t, result.FinalAmount.Equal(result.MinimumApplied))
	assert.False(t, result.MinimumWasBinding)
}

func TestComputeCompensation_BindingIffComputedBelowMinimum(t *testing.T) {
	for _, amount := range []string{"0", "1", "3827777.77", "3827777.78", "3827777.79", "10000000"} {
		result, err := accident.ComputeCompensation(baseInput(), minimums(minimum("2020-01-01", amount)), accident.DefaultCoefficients())
		require.NoError(t, err)

		assert.True(t, result.FinalAmount.GreaterThanOrEqual(result.MinimumApplied), amount)
		assert.Equal(t, result.ComputedAmount.LessThan(result.MinimumApplied), result.MinimumWasBinding, amount)
	}
}

func TestComputeCompensation_MinimumEffectiveAtIbmDate(t *testing.T) {
	// GIVEN: Minimums updated on 2024-03-01 and 2025-03-01
	// WHEN: The IBM date is 2025-01-01
	// THEN: The 2024-03-01 entry applies

	schedule := minimums(
		minimum("2023-03-01", "100"),
		minimum("2024-03-01", "200"),
		minimum("2025-03-01", "300"),
	)

	result, err := accident.ComputeCompensation(baseInput(), schedule, accident.DefaultCoefficients())
	require.NoError(t, err)
	assert.Equal(t, "200.00", result.MinimumApplied.StringFixed(2))
	assert.Equal(t, day("2024-03-01"), result.MinimumEffectiveDate)
}

// =============================================================================
// BRACKETS
// =============================================================================

func TestBracketOf(t *testing.T) {
	tests := []struct {
		incapacity string
		death      bool
		want       accident.Bracket
	}{
		{"0", false, accident.BracketPartial},
		{"50", false, accident.BracketPartial},
		{"50.01", false, accident.BracketMajor},
		{"65.99", false, accident.BracketMajor},
		{"66", false, accident.BracketTotal},
		{"100", false, accident.BracketTotal},
		{"10", true, accident.BracketDeath},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, accident.BracketOf(dec(tt.incapacity), tt.death), "%s%% death=%t", tt.incapacity, tt.death)
	}

	b, err := accident.ParseBracket(" total ")
	require.NoError(t, err)
	assert.Equal(t, accident.BracketTotal, b)
	_, err = accident.ParseBracket("severe")
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func TestComputeCompensationRule_ScalesFloorByIncapacity(t *testing.T) {
	// GIVEN: A partial-incapacity floor of 9000000 and 50% incapacity
	// WHEN: Computing with a scaled rule
	// THEN: The floor is 4500000.00 and binds over 3827777.78

	rule := accident.MinimumRule{Floor: minimums(minimum("2020-01-01", "9000000")), Scaled: true}

	result, err := accident.ComputeCompensationRule(baseInput(), rule, accident.DefaultCoefficients())
	require.NoError(t, err)

	assert.Equal(t, accident.BracketPartial, result.Bracket)
	assert.Equal(t, "9000000.00", result.MinimumBase.StringFixed(2))
	assert.Equal(t, "4500000.00", result.MinimumApplied.StringFixed(2))
	assert.True(t, result.MinimumScaled)
	assert.True(t, result.MinimumWasBinding)
	assert.Equal(t, "4500000.00", result.FinalAmount.StringFixed(2))
	assert.Nil(t, result.LumpSum)
}

func TestComputeCompensationRule_LumpSumReportedApart(t *testing.T) {
	// GIVEN: 70% incapacity, a full floor below the formula and a lump sum
	// WHEN: Computing
	// THEN: The lump sum is reported and the final amount stays the formula

	in := baseInput()
	in.IncapacityPercent = dec("70")
	rule := accident.MinimumRule{
		Floor: minimums(minimum("2020-01-01", "1000000")),
		LumpSum: generic.NewSchedule("lump", []generic.MinimumEntry{
			{EffectiveDate: day("2024-03-01"), Amount: dec("500000"), Reference: "Res. 11b"},
		}),
	}

	result, err := accident.ComputeCompensationRule(in, rule, accident.DefaultCoefficients())
	require.NoError(t, err)

	assert.Equal(t, accident.BracketTotal, result.Bracket)
	assert.False(t, result.MinimumScaled)
	assert.True(t, result.FinalAmount.Equal(result.ComputedAmount))
	require.NotNil(t, result.LumpSum)
	assert.Equal(t, "500000.00", result.LumpSum.Amount.StringFixed(2))
	assert.Equal(t, day("2024-03-01"), result.LumpSum.EffectiveDate)
	assert.Equal(t, "Res. 11b", result.LumpSum.Reference)

	in.IbmDate = day("2024-02-01")
	_, err = accident.ComputeCompensationRule(in, rule, accident.DefaultCoefficients())
	assert.ErrorIs(t, err, generic.ErrNoMinimumData, "lump sum table has no entry yet")
}

// =============================================================================
// ERRORS
// =============================================================================

func TestComputeCompensation_Errors(t *testing.T) {
	schedule := minimums(minimum("2020-01-01", "100"))

	tests := []struct {
		name   string
		modify func(*accident.CompensationInput)
		want   error
	}{
		{"declaration before birth", func(in *accident.CompensationInput) { in.DeclarationDate = day("1970-01-01") }, generic.ErrInvalidDateOrder},
		{"incapacity above 100", func(in *accident.CompensationInput) { in.IncapacityPercent = dec("100.01") }, generic.ErrInvalidInput},
		{"negative incapacity", func(in *accident.CompensationInput) { in.IncapacityPercent = dec("-1") }, generic.ErrInvalidInput},
		{"age zero", func(in *accident.CompensationInput) { in.DeclarationDate = day("1980-12-01") }, generic.ErrInvalidInput},
		{"no minimum at ibm date", func(in *accident.CompensationInput) { in.IbmDate = day("2019-12-31") }, generic.ErrNoMinimumData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput()
			tt.modify(&in)
			_, err := accident.ComputeCompensation(in, schedule, accident.DefaultCoefficients())
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, generic.IsClientError(err))
		})
	}
}

func TestComputeCompensation_NoMinimumErrorNamesDate(t *testing.T) {
	in := baseInput()
	in.IbmDate = day("2010-05-05")

	_, err := accident.ComputeCompensation(in, minimums(minimum("2020-01-01", "100")), accident.DefaultCoefficients())

	var minErr *generic.NoMinimumDataError
	require.ErrorAs(t, err, &minErr)
	assert.Equal(t, day("2010-05-05"), minErr.At)
}

func TestCoefficients_AgeCoefficientStrictlyDecreasing(t *testing.T) {
	coeffs := accident.DefaultCoefficients()
	prev, err := coeffs.AgeCoefficient(1)
	require.NoError(t, err)
	assert.Equal(t, "3445", prev.String())

	for age := 2; age <= 100; age++ {
		c, err := coeffs.AgeCoefficient(age)
		require.NoError(t, err)
		assert.True(t, c.LessThan(prev), "age %d", age)
		prev = c
	}
}
