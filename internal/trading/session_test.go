package trading

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"split-trader/internal/config"
	apperrors "split-trader/internal/errors"
)

func newTestSession(t *testing.T, holidays ...string) *SessionManager {
	t.Helper()
	m, err := NewSessionManager(config.MarketConfig{
		Timezone: "Asia/Seoul",
		Open:     "09:00",
		Close:    "15:30",
		Holidays: holidays,
	})
	require.NoError(t, err)
	return m
}

func kstTime(t *testing.T, m *SessionManager, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", value, m.Location())
	require.NoError(t, err)
	return ts
}

func TestSessionManager_GetSessionAt(t *testing.T) {
	m := newTestSession(t, "2024-05-06")

	tests := []struct {
		at      string
		session MarketSession
		open    bool
		closed  bool
	}{
		{"2024-05-02 08:59:59", SessionPreOpen, false, false},
		{"2024-05-02 09:00:00", SessionOpen, true, false},
		{"2024-05-02 12:30:00", SessionOpen, true, false},
		{"2024-05-02 15:30:00", SessionOpen, true, false},
		{"2024-05-02 15:30:01", SessionPostClose, false, true},
		{"2024-05-04 10:00:00", SessionWeekend, false, true},
		{"2024-05-06 10:00:00", SessionHoliday, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.at, func(t *testing.T) {
			at := kstTime(t, m, tt.at)
			assert.Equal(t, tt.session, m.GetSessionAt(at).Session)
			assert.Equal(t, tt.open, m.IsOpen(at))
			assert.Equal(t, tt.closed, m.ClosedForDay(at))
		})
	}
}

func TestSessionManager_UsesMarketTimeZone(t *testing.T) {
	m := newTestSession(t)
	// 01:00 UTC is 10:00 in Seoul.
	assert.True(t, m.IsOpen(time.Date(2024, 5, 2, 1, 0, 0, 0, time.UTC)))
	assert.False(t, m.IsOpen(time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)))
}

func TestSessionManager_NextOpen(t *testing.T) {
	m := newTestSession(t, "2024-05-06")

	tests := map[string]string{
		"2024-05-02 07:00:00": "2024-05-02 09:00:00", // before open
		"2024-05-02 10:00:00": "2024-05-02 09:00:00", // in session
		"2024-05-02 16:00:00": "2024-05-03 09:00:00", // after close
		"2024-05-03 16:00:00": "2024-05-07 09:00:00", // weekend then holiday
		"2024-05-05 12:00:00": "2024-05-07 09:00:00",
	}
	for from, want := range tests {
		got := m.NextOpen(kstTime(t, m, from))
		assert.True(t, kstTime(t, m, want).Equal(got), "from %s: got %s", from, got)
	}

	assert.Zero(t, m.TimeToOpen(kstTime(t, m, "2024-05-02 10:00:00")))
	assert.Equal(t, 2*time.Hour, m.TimeToOpen(kstTime(t, m, "2024-05-02 07:00:00")))
}

func TestNewSessionManager_Invalid(t *testing.T) {
	tests := map[string]config.MarketConfig{
		"bad open":        {Open: "9am", Close: "15:30"},
		"close not after": {Open: "15:30", Close: "09:00"},
		"bad holiday":     {Open: "09:00", Close: "15:30", Holidays: []string{"05/06/2024"}},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewSessionManager(cfg)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
		})
	}
}

func TestSessionManager_Hours(t *testing.T) {
	m := newTestSession(t)
	assert.Contains(t, m.Hours(), "09:00-15:30")
}
