package detection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/walker.report/internal/db"
	"github.com/banshee-data/walker.report/internal/frames"
	"github.com/banshee-data/walker.report/internal/timeutil"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// memStore is an EventStore that can be told to fail.
type memStore struct {
	mu     sync.Mutex
	events []db.DetectionEvent
	failN  int
}

func (s *memStore) InsertDetection(ctx context.Context, ev db.DetectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("disk full")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) LatestDetection(ctx context.Context, kind, userID, walkerID string) (*db.DetectionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.Kind == kind && ev.UserID == userID && ev.WalkerID == walkerID {
			return &ev, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memStore) all() []db.DetectionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.DetectionEvent(nil), s.events...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []db.DetectionEvent
}

func (p *recordingPublisher) Publish(ev db.DetectionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newTestLoop(kind Kind, slot *frames.Slot, engine Engine, store EventStore, clock timeutil.Clock, t *testing.T) *Loop {
	cfg := DefaultLoopConfig()
	return &Loop{
		UserID: "u1", WalkerID: "w1", Kind: kind,
		slot:      slot,
		engine:    engine,
		debouncer: NewDebouncer(DefaultThresholds().PolicyFor(kind, SourceStream), nil),
		store:     store,
		clock:     clock,
		cfg:       cfg,
		logf:      t.Logf,
	}
}

func TestPacingDelay(t *testing.T) {
	assert.Equal(t, 700*time.Millisecond, PacingDelay(300*time.Millisecond, time.Second))
	assert.Equal(t, time.Duration(0), PacingDelay(1400*time.Millisecond, time.Second))
	assert.Equal(t, time.Duration(0), PacingDelay(time.Second, time.Second))
	assert.Equal(t, time.Second, PacingDelay(0, time.Second))
}

func TestLoop_PacesToOneHertz(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	slot := frames.NewSlot()
	store := &memStore{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	costs := []time.Duration{300 * time.Millisecond, 1400 * time.Millisecond, 0}
	calls := 0
	engine := EngineFunc(func(ctx context.Context, image []byte, p Params) ([]Detection, error) {
		assert.Equal(t, DefaultParams(), p)
		clock.Advance(costs[calls])
		calls++
		if calls == len(costs) {
			cancel()
		} else {
			slot.Put(frames.Frame{Data: []byte("next")})
		}
		return []Detection{{"person", 0.9}}, nil
	})

	slot.Put(frames.Frame{Data: []byte("first")})
	l := newTestLoop(KindObstacle, slot, engine, store, clock, t)
	err := l.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{700 * time.Millisecond, 0}, clock.Sleeps())
	assert.Equal(t, uint64(3), l.Iterations())

	// The iteration in flight at cancel still persists its event.
	events := store.all()
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.True(t, strings.HasPrefix(ev.DetectionID, "stream_"))
		assert.True(t, ev.IsDetected)
		assert.Equal(t, []string{"person"}, ev.Labels)
	}
}

func TestLoop_PersistsNonDetections(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	slot := frames.NewSlot()
	store := &memStore{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := EngineFunc(func(context.Context, []byte, Params) ([]Detection, error) {
		cancel()
		return []Detection{{"pothole", 0.4}, {"noise", 0.2}}, nil
	})
	slot.Put(frames.Frame{})
	l := newTestLoop(KindCrack, slot, engine, store, clock, t)
	l.Run(ctx)

	events := store.all()
	require.Len(t, events, 1)
	assert.False(t, events[0].IsDetected)
	assert.Equal(t, []string{"pothole"}, events[0].Labels, "sub-floor boxes are dropped")
	assert.True(t, strings.HasPrefix(events[0].DetectionID, "crack_"))
	assert.Equal(t, "crack", events[0].Kind)
}

func TestLoop_SurvivesStoreAndEngineErrors(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	slot := frames.NewSlot()
	store := &memStore{failN: 1}
	pub := &recordingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	engine := EngineFunc(func(context.Context, []byte, Params) ([]Detection, error) {
		calls++
		switch calls {
		case 1:
			slot.Put(frames.Frame{})
			return nil, errors.New("inference timeout")
		case 2:
			slot.Put(frames.Frame{})
			return []Detection{{"person", 0.9}}, nil // store fails
		default:
			cancel()
			return []Detection{{"person", 0.9}}, nil
		}
	})
	slot.Put(frames.Frame{})
	l := newTestLoop(KindObstacle, slot, engine, store, clock, t)
	l.publisher = pub
	l.Run(ctx)

	assert.Equal(t, 3, calls)
	assert.Equal(t, uint64(3), l.Iterations())
	// Neither the failed inference nor the failed write left an event.
	require.Len(t, store.all(), 1)
	assert.True(t, store.all()[0].IsDetected)
	assert.Equal(t, uint64(1), l.Persisted())
	assert.Equal(t, 1, pub.count(), "only persisted events are published")
}

func TestLoop_RetriesWhenNoFrame(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := newTestLoop(KindObstacle, frames.NewSlot(), NewStaticEngine(), &memStore{}, clock, t)
	l.cfg.FrameTimeout = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(clock.Sleeps()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	sleeps := clock.Sleeps()
	for _, d := range sleeps {
		assert.Equal(t, 100*time.Millisecond, d)
	}
	assert.Zero(t, l.Iterations())
	// Frame waits run on wall time; only the retry delays move the clock.
	assert.True(t, clock.Now().Equal(t0.Add(time.Duration(len(sleeps))*100*time.Millisecond)))
}
