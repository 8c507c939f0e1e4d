// Package authz holds authorization records and the time-window policy that
// turns them into the roles a member should hold right now.
package authz

import (
	"fmt"
	"time"
)

// NewWindow validates start and stop.
func NewWindow(start, stop int) (Window, error) {
	w := Window{Start: start, Stop: stop}
	if !w.Valid() {
		return Window{}, fmt.Errorf("%w: %d-%d", ErrInvalidWindow, start, stop)
	}
	return w, nil
}

// Valid reports whether both bounds are within 0..24.
func (w Window) Valid() bool {
	return w.Start >= 0 && w.Start <= 24 && w.Stop >= 0 && w.Stop <= 24
}

// Always reports whether the window is the always-on sentinel.
func (w Window) Always() bool { return w.Start == 0 && w.Stop == 0 }

// Active reports whether hour falls inside the window. A window with
// Start > Stop wraps past midnight. Start == Stop != 0 is never active.
func (w Window) Active(hour int) bool {
	switch {
	case w.Always():
		return true
	case w.Start < w.Stop:
		return hour >= w.Start && hour < w.Stop
	case w.Start > w.Stop:
		return hour >= w.Start || hour < w.Stop
	default:
		return false
	}
}

func (w Window) String() string {
	if w.Always() {
		return "always"
	}
	return fmt.Sprintf("%02d-%02d", w.Start, w.Stop)
}

// Effective returns the roles rec should hold at hour: its base roles plus,
// when the window is active, the escalation of every mapped base role.
func Effective(rec Record, hour int, esc Escalations) RoleSet {
	out := make(RoleSet, 0, len(rec.BaseRoles)*2)
	for _, r := range rec.BaseRoles {
		out = out.add(r)
	}
	if !rec.Window.Active(hour) {
		return out
	}
	for _, r := range rec.BaseRoles {
		if e, ok := esc[r]; ok {
			out = out.add(e)
		}
	}
	return out
}

// HourIn returns the hour of t in loc, falling back to UTC.
func HourIn(t time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Hour()
}
