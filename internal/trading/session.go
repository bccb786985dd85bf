// Package trading drives the strategy engine on a schedule: market session
// detection, the tick loop, snapshots and persistence.
package trading

import (
	"fmt"
	"time"

	"split-trader/internal/config"
	apperrors "split-trader/internal/errors"
	"split-trader/pkg/utils"
)

// MarketSession represents the state of the market at a point in time.
type MarketSession string

const (
	SessionPreOpen   MarketSession = "PRE_OPEN"
	SessionOpen      MarketSession = "OPEN"
	SessionPostClose MarketSession = "POST_CLOSE"
	SessionWeekend   MarketSession = "WEEKEND"
	SessionHoliday   MarketSession = "HOLIDAY"
)

// SessionInfo represents information about the market session at a time.
type SessionInfo struct {
	Session     MarketSession
	StartTime   time.Time
	EndTime     time.Time
	Description string
	CanTrade    bool
}

// SessionManager knows the trading hours and holidays of one market.
type SessionManager struct {
	location *time.Location
	open     time.Duration // offset from midnight
	close    time.Duration
	holidays map[string]bool // YYYY-MM-DD -> holiday
}

// NewSessionManager creates a session manager from the market config.
func NewSessionManager(cfg config.MarketConfig) (*SessionManager, error) {
	open, err := config.ParseClock(cfg.Open)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "market open: %v", err)
	}
	closeAt, err := config.ParseClock(cfg.Close)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "market close: %v", err)
	}
	if closeAt <= open {
		return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "market close %s is not after open %s", cfg.Close, cfg.Open)
	}

	m := &SessionManager{
		location: utils.LoadLocation(cfg.Timezone),
		open:     open,
		close:    closeAt,
		holidays: make(map[string]bool),
	}
	for _, day := range cfg.Holidays {
		d, err := time.ParseInLocation("2006-01-02", day, m.location)
		if err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "holiday %q: %v", day, err)
		}
		m.AddHoliday(d)
	}
	return m, nil
}

// Location returns the market time zone.
func (m *SessionManager) Location() *time.Location {
	return m.location
}

// AddHoliday adds a market holiday.
func (m *SessionManager) AddHoliday(date time.Time) {
	m.holidays[date.In(m.location).Format("2006-01-02")] = true
}

// IsHoliday checks if a date is a market holiday.
func (m *SessionManager) IsHoliday(date time.Time) bool {
	return m.holidays[date.In(m.location).Format("2006-01-02")]
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (m *SessionManager) IsTradingDay(t time.Time) bool {
	t = t.In(m.location)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	return !m.IsHoliday(t)
}

// GetSessionAt returns the market session at t. Both the open and the close
// minute belong to the session.
func (m *SessionManager) GetSessionAt(t time.Time) *SessionInfo {
	t = t.In(m.location)

	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return &SessionInfo{Session: SessionWeekend, Description: "Weekend - Market Closed"}
	}
	if m.IsHoliday(t) {
		return &SessionInfo{Session: SessionHoliday, Description: "Market Holiday"}
	}

	start := m.at(t, m.open)
	end := m.at(t, m.close)

	switch {
	case t.Before(start):
		return &SessionInfo{
			Session:     SessionPreOpen,
			StartTime:   start,
			EndTime:     end,
			Description: "Before Market Open",
		}
	case t.After(end):
		return &SessionInfo{
			Session:     SessionPostClose,
			StartTime:   start,
			EndTime:     end,
			Description: "Market Closed for the Day",
		}
	default:
		return &SessionInfo{
			Session:     SessionOpen,
			StartTime:   start,
			EndTime:     end,
			Description: "Regular Trading Session",
			CanTrade:    true,
		}
	}
}

// IsOpen reports whether the market is open at t.
func (m *SessionManager) IsOpen(t time.Time) bool {
	return m.GetSessionAt(t).CanTrade
}

// ClosedForDay reports whether no more trading happens on t's calendar day.
func (m *SessionManager) ClosedForDay(t time.Time) bool {
	switch m.GetSessionAt(t).Session {
	case SessionPostClose, SessionWeekend, SessionHoliday:
		return true
	default:
		return false
	}
}

// NextOpen returns the next session open at or after t. A time inside the
// session returns that session's open.
func (m *SessionManager) NextOpen(t time.Time) time.Time {
	t = t.In(m.location)
	day := t
	if t.After(m.at(t, m.close)) {
		day = t.AddDate(0, 0, 1)
	}
	for !m.IsTradingDay(day) {
		day = day.AddDate(0, 0, 1)
	}
	return m.at(day, m.open)
}

// TimeToOpen returns how long until the next open, or 0 while open.
func (m *SessionManager) TimeToOpen(t time.Time) time.Duration {
	if m.IsOpen(t) {
		return 0
	}
	return m.NextOpen(t).Sub(t)
}

// Hours formats the configured session, e.g. "09:00-15:30 Asia/Seoul".
func (m *SessionManager) Hours() string {
	return fmt.Sprintf("%s-%s %s", clock(m.open), clock(m.close), m.location)
}

// at returns midnight of t's day plus offset.
func (m *SessionManager) at(t time.Time, offset time.Duration) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, m.location).Add(offset)
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

func (s MarketSession) String() string {
	switch s {
	case SessionPreOpen:
		return "Pre-Open"
	case SessionOpen:
		return "Open"
	case SessionPostClose:
		return "Closed for the day"
	case SessionWeekend:
		return "Weekend"
	case SessionHoliday:
		return "Holiday"
	default:
		return string(s)
	}
}
