package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/walker.report/internal/db"
	"github.com/banshee-data/walker.report/internal/timeutil"
)

// SessionStore is the slice of the telemetry store the tracker needs.
type SessionStore interface {
	OpenSession(ctx context.Context, userID, walkerID string, source db.SessionSource, start time.Time) (*db.WalkingSession, error)
	CloseSession(ctx context.Context, userID, walkerID string, end time.Time) (*db.WalkingSession, error)
	CloseSessionFrom(ctx context.Context, userID, walkerID string, source db.SessionSource, end time.Time) (*db.WalkingSession, error)
	OpenSessionFor(ctx context.Context, userID, walkerID string) (*db.WalkingSession, error)
	OpenSessions(ctx context.Context) ([]db.WalkingSession, error)
	LastAccelAbove(ctx context.Context, userID, walkerID string, threshold float64, since time.Time) (time.Time, error)
}

// Key identifies one walker in use by one user.
type Key struct {
	UserID   string
	WalkerID string
}

func (k Key) String() string { return k.UserID + "/" + k.WalkerID }

// Transition is the state change caused by an observation.
type Transition int

const (
	NoChange Transition = iota
	Started
	Stopped
)

func (t Transition) String() string {
	switch t {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return "none"
	}
}

// Observation is the tracker's answer to one classified sample.
type Observation struct {
	Transition Transition
	// Session is the opened or closed session on a transition, otherwise
	// the currently open session if any.
	Session *db.WalkingSession
	Walking bool
}

type keyState struct {
	mu           sync.Mutex
	lastMovement time.Time
	seeded       bool
}

// Tracker owns the Idle/Walking state machine for every key. The open
// session lives in the store; in memory the tracker only keeps the time
// of the last moving sample, and rebuilds it from stored samples after a
// restart.
//
// Explicit Start/Stop calls are authoritative. Motion can open a session
// for an idle key and close sessions it opened itself, but never closes a
// manually started one.
type Tracker struct {
	store SessionStore
	cfg   Config
	clock timeutil.Clock
	logf  func(format string, v ...interface{})

	mu   sync.Mutex
	keys map[Key]*keyState
}

func NewTracker(store SessionStore, cfg Config, clock timeutil.Clock, logf func(string, ...interface{})) *Tracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Tracker{store: store, cfg: cfg, clock: clock, logf: logf, keys: make(map[Key]*keyState)}
}

func (t *Tracker) state(k Key) *keyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.keys[k]
	if !ok {
		s = &keyState{}
		t.keys[k] = s
	}
	return s
}

// Start opens a manual session for k at the current time. It fails with
// db.ErrSessionConflict if one is already open.
func (t *Tracker) Start(ctx context.Context, k Key) (*db.WalkingSession, error) {
	st := t.state(k)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := t.clock.Now()
	s, err := t.store.OpenSession(ctx, k.UserID, k.WalkerID, db.SourceManual, now)
	if err != nil {
		return nil, err
	}
	st.lastMovement = now
	st.seeded = true
	t.logf("[motion] %s: session %d started manually", k, s.ID)
	return s, nil
}

// Stop closes the open session for k, whichever path opened it. It fails
// with db.ErrNoOpenSession when k is idle.
func (t *Tracker) Stop(ctx context.Context, k Key) (*db.WalkingSession, error) {
	st := t.state(k)
	st.mu.Lock()
	defer st.mu.Unlock()

	s, err := t.store.CloseSession(ctx, k.UserID, k.WalkerID, t.clock.Now())
	if err != nil {
		return nil, err
	}
	st.seeded = false
	t.logf("[motion] %s: session %d stopped manually after %d min", k, s.ID, *s.DurationMinutes)
	return s, nil
}

// seed restores lastMovement for an open session the tracker has not seen
// yet, from the newest moving sample stored since the session began.
func (t *Tracker) seed(ctx context.Context, k Key, st *keyState, open *db.WalkingSession) error {
	if st.seeded {
		return nil
	}
	last, err := t.store.LastAccelAbove(ctx, k.UserID, k.WalkerID, t.cfg.HighThreshold, open.StartTime)
	switch {
	case err == nil:
	case errors.Is(err, db.ErrNotFound):
		last = open.StartTime
	default:
		return fmt.Errorf("restore last movement for %s: %w", k, err)
	}
	if last.After(st.lastMovement) {
		st.lastMovement = last
	}
	st.seeded = true
	return nil
}

// Observe feeds one classified sample taken at time at into the state
// machine for k.
func (t *Tracker) Observe(ctx context.Context, k Key, r Reading, at time.Time) (Observation, error) {
	st := t.state(k)
	st.mu.Lock()
	defer st.mu.Unlock()

	open, err := t.store.OpenSessionFor(ctx, k.UserID, k.WalkerID)
	if err != nil && !errors.Is(err, db.ErrNoOpenSession) {
		return Observation{}, err
	}

	if open == nil {
		// A held reading extends a walk but never starts one.
		if !r.RawMoving {
			return Observation{}, nil
		}
		s, err := t.store.OpenSession(ctx, k.UserID, k.WalkerID, db.SourceMotion, at)
		if errors.Is(err, db.ErrSessionConflict) {
			// A manual start won the race; it owns the session now.
			return Observation{Walking: true}, nil
		}
		if err != nil {
			return Observation{}, err
		}
		st.lastMovement = at
		st.seeded = true
		t.logf("[motion] %s: session %d started by motion", k, s.ID)
		return Observation{Transition: Started, Session: s, Walking: true}, nil
	}

	if err := t.seed(ctx, k, st, open); err != nil {
		return Observation{}, err
	}
	if r.RawMoving {
		st.lastMovement = at
	}
	if open.Source != db.SourceMotion || r.IsMoving || at.Sub(st.lastMovement) < t.cfg.StopTimeout {
		return Observation{Session: open, Walking: true}, nil
	}

	closed, err := t.store.CloseSessionFrom(ctx, k.UserID, k.WalkerID, db.SourceMotion, at)
	if err != nil {
		return Observation{}, err
	}
	st.seeded = false
	t.logf("[motion] %s: session %d stopped by motion after %d min", k, closed.ID, *closed.DurationMinutes)
	return Observation{Transition: Stopped, Session: closed}, nil
}

// Sweep closes motion sessions whose key has produced no moving sample for
// StopTimeout, covering walkers that simply stop sending data. The session
// ends StopTimeout after its last movement, or at now if that is earlier.
// It returns the sessions it closed.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) ([]db.WalkingSession, error) {
	open, err := t.store.OpenSessions(ctx)
	if err != nil {
		return nil, err
	}

	var closed []db.WalkingSession
	for i := range open {
		s := &open[i]
		if s.Source != db.SourceMotion {
			continue
		}
		k := Key{UserID: s.UserID, WalkerID: s.WalkerID}
		c, err := t.sweepKey(ctx, k, s, now)
		if err != nil {
			t.logf("[motion] %s: sweep failed: %v", k, err)
			continue
		}
		if c != nil {
			closed = append(closed, *c)
		}
	}
	return closed, nil
}

func (t *Tracker) sweepKey(ctx context.Context, k Key, s *db.WalkingSession, now time.Time) (*db.WalkingSession, error) {
	st := t.state(k)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := t.seed(ctx, k, st, s); err != nil {
		return nil, err
	}
	if now.Sub(st.lastMovement) < t.cfg.StopTimeout {
		return nil, nil
	}
	end := st.lastMovement.Add(t.cfg.StopTimeout)
	if now.Before(end) {
		end = now
	}
	c, err := t.store.CloseSessionFrom(ctx, k.UserID, k.WalkerID, db.SourceMotion, end)
	if errors.Is(err, db.ErrNoOpenSession) {
		// Closed or replaced since OpenSessions ran.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.seeded = false
	t.logf("[motion] %s: session %d closed by sweep after %d min", k, c.ID, *c.DurationMinutes)
	return c, nil
}
