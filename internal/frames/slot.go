// Package frames moves camera frames from a capture source to the detection
// loop through a single-slot buffer, so the loop always sees the most
// recent frame and a slow detector never backs up the camera.
package frames

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoFrame is returned by Slot.Get when no frame arrived in time.
var ErrNoFrame = errors.New("no frame available")

// Frame is one encoded image from a source.
type Frame struct {
	Data       []byte
	Seq        uint64
	CapturedAt time.Time
}

// Slot holds at most one frame. Put replaces an unread frame instead of
// blocking; Get waits for one.
type Slot struct {
	mu      sync.Mutex
	ch      chan Frame
	dropped atomic.Uint64
}

func NewSlot() *Slot {
	return &Slot{ch: make(chan Frame, 1)}
}

// Put stores f, discarding any frame the consumer has not taken yet.
func (s *Slot) Put(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	s.ch <- f
}

// Get removes and returns the frame in the slot, waiting up to timeout for
// one to arrive. The wait is measured in wall time: frames come from a real
// capture goroutine, so an injected clock cannot make them arrive sooner.
func (s *Slot) Get(ctx context.Context, timeout time.Duration) (Frame, error) {
	select {
	case f := <-s.ch:
		return f, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-s.ch:
		return f, nil
	case <-timer.C:
		return Frame{}, ErrNoFrame
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Len is 0 or 1.
func (s *Slot) Len() int { return len(s.ch) }

// Dropped counts frames overwritten before they were read.
func (s *Slot) Dropped() uint64 { return s.dropped.Load() }
