package generic_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlegal/accident-engine/generic"
)

func TestNewPeriod(t *testing.T) {
	p, err := generic.NewPeriod(tp("2024-01-01"), tp("2024-01-31"))
	require.NoError(t, err)
	assert.True(t, p.Contains(tp("2024-01-31")))
	assert.False(t, p.Contains(tp("2024-02-01")))
	assert.Len(t, p.Days(), 31)

	_, err = generic.NewPeriod(tp("2024-02-01"), tp("2024-01-31"))
	assert.ErrorIs(t, err, generic.ErrInvalidRange)

	single, err := generic.NewPeriod(tp("2024-01-01"), tp("2024-01-01"))
	require.NoError(t, err)
	assert.Len(t, single.Days(), 1)
}

func TestMonthPeriod(t *testing.T) {
	p := generic.MonthPeriod(2024, time.February)
	assert.Equal(t, "[2024-02-01, 2024-02-29]", p.String())
	assert.Equal(t, 28, p.Length())
}

func TestPreviousMonths(t *testing.T) {
	// GIVEN: An accident in the middle of June 2024
	// WHEN: Asking for the twelve previous months
	// THEN: July 2023 .. May 2024 plus June 2023, oldest first

	months := generic.PreviousMonths(tp("2024-06-10"), 12)
	require.Len(t, months, 12)
	assert.Equal(t, "2023-06-01", months[0].String())
	assert.Equal(t, "2024-05-01", months[11].String())

	// Month arithmetic is done from the first of the month.
	months = generic.PreviousMonths(tp("2024-03-31"), 1)
	require.Len(t, months, 1)
	assert.Equal(t, "2024-02-01", months[0].String())

	assert.Empty(t, generic.PreviousMonths(tp("2024-03-31"), 0))
}
