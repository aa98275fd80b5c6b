package domain

import (
	"fmt"
	"time"
)

// Session is the market session bucket derived from wall-clock time in the
// exchange timezone.
type Session string

const (
	SessionPremarket  Session = "premarket"
	SessionRegular    Session = "regular"
	SessionAfterhours Session = "afterhours"
	SessionClosed     Session = "closed"
)

// SessionConfig names the exchange timezone and the session boundaries as
// "HH:MM" strings. Boundaries are half-open: a session owns its opening
// minute and yields at the next boundary.
type SessionConfig struct {
	Timezone        string `yaml:"timezone"`
	PremarketOpen   string `yaml:"premarket_open"`
	RegularOpen     string `yaml:"regular_open"`
	RegularClose    string `yaml:"regular_close"`
	AfterhoursClose string `yaml:"afterhours_close"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Timezone:        "America/New_York",
		PremarketOpen:   "04:00",
		RegularOpen:     "09:30",
		RegularClose:    "16:00",
		AfterhoursClose: "20:00",
	}
}

// SessionClock derives sessions from wall-clock time. Recomputed once per
// run start; weekends are always closed.
type SessionClock struct {
	loc             *time.Location
	premarketOpen   int
	regularOpen     int
	regularClose    int
	afterhoursClose int
}

func NewSessionClock(cfg SessionConfig) (*SessionClock, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load session timezone: %w", err)
	}
	c := &SessionClock{loc: loc}
	for _, b := range []struct {
		raw  string
		dest *int
	}{
		{cfg.PremarketOpen, &c.premarketOpen},
		{cfg.RegularOpen, &c.regularOpen},
		{cfg.RegularClose, &c.regularClose},
		{cfg.AfterhoursClose, &c.afterhoursClose},
	} {
		m, err := parseMinutes(b.raw)
		if err != nil {
			return nil, err
		}
		*b.dest = m
	}
	if !(c.premarketOpen < c.regularOpen && c.regularOpen < c.regularClose && c.regularClose < c.afterhoursClose) {
		return nil, fmt.Errorf("session boundaries out of order: %+v", cfg)
	}
	return c, nil
}

// At returns the session containing t.
func (c *SessionClock) At(t time.Time) Session {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return SessionClosed
	}
	m := local.Hour()*60 + local.Minute()
	switch {
	case m >= c.premarketOpen && m < c.regularOpen:
		return SessionPremarket
	case m >= c.regularOpen && m < c.regularClose:
		return SessionRegular
	case m >= c.regularClose && m < c.afterhoursClose:
		return SessionAfterhours
	default:
		return SessionClosed
	}
}

// Now returns the current session.
func (c *SessionClock) Now() Session {
	return c.At(time.Now())
}

func parseMinutes(hhmm string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse session boundary %q: %w", hhmm, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("session boundary %q out of range", hhmm)
	}
	return h*60 + m, nil
}
