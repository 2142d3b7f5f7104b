package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		pattern string
		ok      bool
	}{
		{"30 7 * * *", true},
		{"5 21 * * 1,3,5", true},
		{"15 9 1,2,3,4,5 * *", true},
		{"0 8 * * 0,1,2,3,4,5,6", true},
		{"*/5 * * * *", false},
		{"0 8 * * 1-5", false},
		{"0 8 * * 5,1", false},
		{"0 8 * * 1,1", false},
		{"60 8 * * *", false},
		{"0 24 * * *", false},
		{"0 8 0 * *", false},
		{"0 8 * * 7", false},
		{"0 8 * *", false},
		{"0 0 8 * * *", false},
		{"@daily", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			err := ValidatePattern(tt.pattern)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidPattern), "got %v", err)
		})
	}
}

func TestNextFire(t *testing.T) {
	// Wednesday 2024-01-03 12:00 UTC.
	after := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

	next, err := NextFire("30 7 * * *", "UTC", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 4, 7, 30, 0, 0, time.UTC), next)

	next, err = NextFire("0 13 * * *", "", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 3, 13, 0, 0, 0, time.UTC), next)

	// Friday only.
	next, err = NextFire("0 8 * * 5", "UTC", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC), next)

	// Strictly after: an exact match moves to the next occurrence.
	next, err = NextFire("0 12 * * *", "UTC", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 4, 12, 0, 0, 0, time.UTC), next)

	_, err = NextFire("0 12 * * *", "Mars/Olympus", after)
	assert.Error(t, err)

	_, err = NextFire("0 0 30 2 *", "UTC", after)
	assert.ErrorIs(t, err, ErrInvalidPattern)
}
