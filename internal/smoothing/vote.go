// Package smoothing implements the windowed vote used to debounce noisy
// boolean signals: accelerometer motion and per-frame detections.
package smoothing

import (
	"sync"
	"time"
)

// Vote holds a positive state through short dips. A false reading only
// releases the state once Release false readings have accumulated across
// the window. Release <= 0 disables smoothing.
type Vote struct {
	Release int
}

// Hold decides the smoothed state for current given the earlier readings in
// the window.
//
//   - current true is always true.
//   - with no true reading in history the state is false.
//   - otherwise the state stays true until the false readings in history,
//     counting current, reach Release.
func (v Vote) Hold(current bool, history []bool) bool {
	if current || v.Release <= 0 {
		return current
	}
	anyTrue := false
	falses := 1 // current
	for _, h := range history {
		if h {
			anyTrue = true
		} else {
			falses++
		}
	}
	if !anyTrue {
		return false
	}
	return falses < v.Release
}

// Enabled reports whether the vote can ever hold a state.
func (v Vote) Enabled() bool { return v.Release > 0 }

type reading struct {
	at    time.Time
	value bool
}

// Window keeps recent readings in memory and applies Vote over those newer
// than Span. It is safe for concurrent use. A zero Span or disabled Vote
// passes readings through unchanged.
type Window struct {
	Span time.Duration
	Vote Vote

	mu       sync.Mutex
	readings []reading
}

// NewWindow returns a Window over span releasing after release false votes.
func NewWindow(span time.Duration, release int) *Window {
	return &Window{Span: span, Vote: Vote{Release: release}}
}

// Observe records value at time at and returns the smoothed state.
func (w *Window) Observe(at time.Time, value bool) bool {
	if w == nil || w.Span <= 0 || !w.Vote.Enabled() {
		return value
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := at.Add(-w.Span)
	kept := w.readings[:0]
	for _, r := range w.readings {
		if !r.at.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	w.readings = kept

	history := make([]bool, len(w.readings))
	for i, r := range w.readings {
		history[i] = r.value
	}
	out := w.Vote.Hold(value, history)
	w.readings = append(w.readings, reading{at: at, value: value})
	return out
}

// Reset forgets all readings.
func (w *Window) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.readings = nil
	w.mu.Unlock()
}
