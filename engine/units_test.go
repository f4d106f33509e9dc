package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitsFor(t *testing.T) {
	start := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		dur  time.Duration
		want int
	}{
		{"exactly one unit", 15 * time.Minute, 1},
		{"one hour", time.Hour, 4},
		{"one nanosecond rounds up", time.Nanosecond, 1},
		{"sixteen minutes", 16 * time.Minute, 2},
		{"just under two units", 30*time.Minute - time.Nanosecond, 2},
		{"ninety minutes", 90 * time.Minute, 6},
		{"eight hours", 8 * time.Hour, 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnitsFor(start, start.Add(tt.dur))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnitsFor_EmptyOrReversedInterval(t *testing.T) {
	start := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

	_, err := UnitsFor(start, start)
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = UnitsFor(start, start.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestUnitsFor_IgnoresTimeZone(t *testing.T) {
	// GIVEN: the same instants expressed in two zones
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	start := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	end := start.Add(45 * time.Minute)

	// WHEN/THEN: units depend only on elapsed time
	a, err := UnitsFor(start, end)
	require.NoError(t, err)
	b, err := UnitsFor(start.In(ny), end.In(ny))
	require.NoError(t, err)
	assert.Equal(t, 3, a)
	assert.Equal(t, a, b)
}
