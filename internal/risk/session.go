package risk

import (
	"fmt"
	"strings"
	"time"
)

// Window is a daily trading window in local wall-clock minutes. End < Start
// means the window wraps past midnight (22:00-02:00).
type Window struct {
	Start int // minutes since midnight
	End   int
}

// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(s string) (Window, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("window %q: want HH:MM-HH:MM", s)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	return Window{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}

// Contains reports whether the wall-clock minute of t falls inside the
// window. Wrap-around windows span midnight.
func (w Window) Contains(t time.Time) bool {
	min := t.Hour()*60 + t.Minute()
	if w.Start == w.End {
		return false
	}
	if w.Start < w.End {
		return min >= w.Start && min < w.End
	}
	return min >= w.Start || min < w.End
}

// InSession reports whether t is inside any window. An empty list means
// always-open; weekends are closed regardless.
func InSession(t time.Time, windows []Window) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if len(windows) == 0 {
		return true
	}
	for _, w := range windows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}
