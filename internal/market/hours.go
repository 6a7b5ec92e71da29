// Package market decides whether the trading session is open.
package market

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const DefaultTimezone = "America/New_York"

// Clock is a time of day in minutes after midnight.
type Clock int

func NewClock(hour, minute int) Clock { return Clock(hour*60 + minute) }

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", s)
	}
	return NewClock(h, m), nil
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60) }

func clockOf(t time.Time) Clock { return NewClock(t.Hour(), t.Minute()) }

// Session is a weekday trading window [Open, Close).
type Session struct {
	Open  Clock
	Close Clock
}

var (
	RegularSession = Session{Open: NewClock(9, 30), Close: NewClock(16, 0)}
	// fallbackUTC is used when the session timezone cannot be loaded.
	fallbackUTC = Session{Open: NewClock(14, 30), Close: NewClock(21, 0)}
)

func (s Session) contains(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	c := clockOf(t)
	return c >= s.Open && c < s.Close
}

// Hours evaluates the session in a named timezone.
type Hours struct {
	session  Session
	timezone string

	mu   sync.Mutex
	locs map[string]*time.Location // nil entry: load failed
}

type Option func(*Hours)

func WithSession(s Session) Option {
	return func(h *Hours) {
		if s.Close > s.Open {
			h.session = s
		}
	}
}

func New(timezone string, opts ...Option) *Hours {
	if strings.TrimSpace(timezone) == "" {
		timezone = DefaultTimezone
	}
	h := &Hours{session: RegularSession, timezone: timezone, locs: map[string]*time.Location{}}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hours) Timezone() string { return h.timezone }

func (h *Hours) Session() Session { return h.session }

// IsOpen reports whether t falls in the session in tz (default timezone when empty).
// An unknown timezone falls back to 14:30-21:00 UTC, Monday to Friday.
func (h *Hours) IsOpen(t time.Time, tz string) bool {
	if loc := h.location(tz); loc != nil {
		return h.session.contains(t.In(loc))
	}
	return fallbackUTC.contains(t.UTC())
}

func (h *Hours) location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = h.timezone
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if loc, ok := h.locs[tz]; ok {
		return loc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = nil
	}
	h.locs[tz] = loc
	return loc
}
