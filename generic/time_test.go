package generic_test

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlegal/accident-engine/generic"
)

func tp(s string) generic.TimePoint { return generic.MustParseTimePoint(s) }

func TestCompletedYears(t *testing.T) {
	tests := []struct {
		name  string
		birth string
		at    string
		want  int
	}{
		{"day before birthday", "1985-03-20", "2024-03-19", 38},
		{"on birthday", "1985-03-20", "2024-03-20", 39},
		{"leap day birth, non leap year", "2000-02-29", "2023-02-28", 22},
		{"leap day birth, next day", "2000-02-29", "2023-03-01", 23},
		{"at before birth", "2000-01-01", "1999-06-01", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, generic.CompletedYears(tp(tt.birth), tp(tt.at)))
		})
	}
}

func TestMonthLengths(t *testing.T) {
	assert.Equal(t, 29, generic.DaysInMonth(2024, time.February))
	assert.Equal(t, 28, generic.DaysInMonth(2023, time.February))
	assert.Equal(t, "2024-04-30", generic.EndOfMonth(2024, time.April).String())

	// June 2024 starts on a Saturday: ten weekend days.
	assert.Equal(t, 20, generic.BusinessDaysInMonth(2024, time.June))
	assert.Equal(t, 21, generic.BusinessDaysInMonth(2024, time.February))
}

func TestDaysBetween(t *testing.T) {
	assert.Equal(t, 60, generic.DaysBetween(tp("2024-01-01"), tp("2024-03-01")))
	assert.Equal(t, 0, generic.DaysBetween(tp("2024-01-01"), tp("2024-01-01")))
	assert.Equal(t, -31, generic.DaysBetween(tp("2024-02-01"), tp("2024-01-01")))
}

func TestParseTimePoint_Rejects(t *testing.T) {
	for _, s := range []string{"", "2024-13-01", "01/02/2024", "2024-02-30"} {
		_, err := generic.ParseTimePoint(s)
		assert.Error(t, err, s)
	}
}

func TestTimePoint_JSON(t *testing.T) {
	type doc struct {
		Date generic.TimePoint `json:"date"`
	}

	// GIVEN: A set date and a zero date
	// WHEN: Encoding both
	// THEN: The zero date is an empty string and both round back

	data, err := json.Marshal(doc{Date: tp("2024-06-10")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2024-06-10"}`, string(data))

	data, err = json.Marshal(doc{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":""}`, string(data))

	var got doc
	require.NoError(t, json.Unmarshal([]byte(`{"date":""}`), &got))
	assert.True(t, got.Date.IsZero())

	require.NoError(t, json.Unmarshal([]byte(`{"date":"2024-02-29"}`), &got))
	assert.True(t, got.Date.Equal(tp("2024-02-29")))

	assert.Error(t, json.Unmarshal([]byte(`{"date":"29/02/2024"}`), &got))
}
