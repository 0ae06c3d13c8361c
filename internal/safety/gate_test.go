package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemainingSlots(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		max      int
		today    int
		expected int
	}{
		{name: "fresh day", max: 5, today: 0, expected: 5},
		{name: "partially used", max: 5, today: 3, expected: 2},
		{name: "exhausted", max: 5, today: 5, expected: 0},
		{name: "over the cap never goes negative", max: 5, today: 7, expected: 0},
		{name: "zero cap", max: 0, today: 0, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, RemainingSlots(tt.max, tt.today))
		})
	}
}

func TestIsEligible(t *testing.T) {
	t.Parallel()

	assert.False(t, IsEligible(65, 70))
	assert.True(t, IsEligible(70, 70))
	assert.True(t, IsEligible(91, 70))
}

func TestPolicyFor(t *testing.T) {
	t.Parallel()

	d := DefaultPolicy()
	assert.Equal(t, Policy{MinMatchThreshold: 70, MaxApplicationsPerDay: 5}, d.PolicyFor(nil, nil))

	threshold, limit := 85, 2
	p := d.PolicyFor(&threshold, &limit)
	assert.Equal(t, 85, p.MinMatchThreshold)
	assert.Equal(t, 2, p.MaxApplicationsPerDay)
	assert.Equal(t, 1, p.Remaining(1))
	assert.False(t, p.Allows(84))
}

func TestDayStart(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	// 22:30 UTC is already the next day in Moscow.
	now := time.Date(2026, 3, 10, 22, 30, 0, 0, time.UTC)
	got := DayStart(now, loc)

	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, loc), got)
	assert.True(t, got.Before(now))

	utc := DayStart(now, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), utc)
}
