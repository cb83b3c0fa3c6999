package duty

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestDurationMinutes(t *testing.T) {
	in := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	t.Run("open session has no duration", func(t *testing.T) {
		mins, err := DurationMinutes(in, nil)
		require.NoError(t, err)
		assert.Nil(t, mins)
	})

	t.Run("whole minutes", func(t *testing.T) {
		mins, err := DurationMinutes(in, timePtr(in.Add(90*time.Minute)))
		require.NoError(t, err)
		require.NotNil(t, mins)
		assert.Equal(t, int64(90), *mins)
	})

	t.Run("seconds truncate", func(t *testing.T) {
		mins, err := DurationMinutes(in, timePtr(in.Add(2*time.Minute+59*time.Second)))
		require.NoError(t, err)
		require.NotNil(t, mins)
		assert.Equal(t, int64(2), *mins)
	})

	t.Run("zero length", func(t *testing.T) {
		mins, err := DurationMinutes(in, timePtr(in))
		require.NoError(t, err)
		require.NotNil(t, mins)
		assert.Equal(t, int64(0), *mins)
	})

	t.Run("inverted interval", func(t *testing.T) {
		_, err := DurationMinutes(in, timePtr(in.Add(-time.Minute)))
		assert.ErrorIs(t, err, ErrInvalidInterval)
	})
}

func TestClassify(t *testing.T) {
	now := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		timeIn        time.Time
		timeOut       *time.Time
		invalidatedAt *time.Time
		want          Status
	}{
		{
			name:   "open same day",
			timeIn: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
			want:   StatusActive,
		},
		{
			name:   "open since yesterday",
			timeIn: time.Date(2024, 3, 3, 22, 0, 0, 0, time.UTC),
			want:   StatusOverdue,
		},
		{
			name:   "open over 24h on a later calendar day",
			timeIn: time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC),
			want:   StatusOverdue,
		},
		{
			name:    "closed",
			timeIn:  time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
			timeOut: timePtr(time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)),
			want:    StatusCompleted,
		},
		{
			name:          "invalidated wins over closed",
			timeIn:        time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
			timeOut:       timePtr(time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)),
			invalidatedAt: timePtr(time.Date(2024, 3, 4, 13, 0, 0, 0, time.UTC)),
			want:          StatusInvalidated,
		},
		{
			name:          "invalidated wins over open",
			timeIn:        time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
			invalidatedAt: timePtr(time.Date(2024, 3, 4, 9, 5, 0, 0, time.UTC)),
			want:          StatusInvalidated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.timeIn, tt.timeOut, tt.invalidatedAt, now))
		})
	}
}

func TestNextYearLevel(t *testing.T) {
	tests := []struct {
		level    float64
		want     float64
		eligible bool
	}{
		{1.1, 1.2, true},
		{1.2, 2.1, true},
		{2.1, 2.2, true},
		{3.2, 4.1, true},
		{4.1, 4.2, true},
		{4.2, 0, false},
		{2.5, 0, false},
		{0.1, 0, false},
	}
	for _, tt := range tests {
		next, ok := NextYearLevel(tt.level)
		assert.Equal(t, tt.eligible, ok, "level %.1f", tt.level)
		if tt.eligible {
			assert.InDelta(t, tt.want, next, 0.001, "level %.1f", tt.level)
		}
	}
}

func TestTimeEditResolve(t *testing.T) {
	manila, err := time.LoadLocation("Asia/Manila")
	require.NoError(t, err)

	t.Run("date and time", func(t *testing.T) {
		got, err := TimeEdit{Date: "2024-03-04", Time: "08:30"}.Resolve(manila)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, time.Date(2024, 3, 4, 0, 30, 0, 0, time.UTC), *got)
	})

	t.Run("with seconds", func(t *testing.T) {
		got, err := TimeEdit{Date: "2024-03-04", Time: "08:30:45"}.Resolve(time.UTC)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, time.Date(2024, 3, 4, 8, 30, 45, 0, time.UTC), *got)
	})

	t.Run("date without time is no change", func(t *testing.T) {
		got, err := TimeEdit{Date: "2024-03-04"}.Resolve(time.UTC)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("time without date is no change", func(t *testing.T) {
		got, err := TimeEdit{Time: "08:30"}.Resolve(time.UTC)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := TimeEdit{Date: "03/04/2024", Time: "08:30"}.Resolve(time.UTC)
		assert.Error(t, err)
	})
}

func TestResolveCloseTime(t *testing.T) {
	t.Run("same day", func(t *testing.T) {
		in := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
		out, err := ResolveCloseTime(in, "17:30", time.UTC)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 3, 4, 17, 30, 0, 0, time.UTC), out)
	})

	t.Run("overnight rollover", func(t *testing.T) {
		in := time.Date(2024, 1, 10, 23, 50, 0, 0, time.UTC)
		out, err := ResolveCloseTime(in, "00:10", time.UTC)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 11, 0, 10, 0, 0, time.UTC), out)
		assert.Equal(t, 20*time.Minute, out.Sub(in))
	})

	t.Run("with seconds", func(t *testing.T) {
		in := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
		out, err := ResolveCloseTime(in, "09:00:30", time.UTC)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 3, 4, 9, 0, 30, 0, time.UTC), out)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ResolveCloseTime(time.Now(), "5pm", time.UTC)
		assert.Error(t, err)
	})
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Dana Cruz", Account{FirstName: "Dana", LastName: "Cruz"}.DisplayName())
	assert.Equal(t, "Dana", Account{FirstName: "Dana"}.DisplayName())
	assert.Equal(t, "student #a1", Account{ID: "a1", Role: RoleStudent}.DisplayName())
}
