package detection

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/banshee-data/walker.report/internal/db"
	"github.com/banshee-data/walker.report/internal/frames"
	"github.com/banshee-data/walker.report/internal/timeutil"
)

// EventStore persists and reads detection events.
type EventStore interface {
	InsertDetection(ctx context.Context, ev db.DetectionEvent) error
	LatestDetection(ctx context.Context, kind, userID, walkerID string) (*db.DetectionEvent, error)
}

// Publisher receives every persisted event.
type Publisher interface {
	Publish(ev db.DetectionEvent)
}

// LoopConfig paces the detection loop.
type LoopConfig struct {
	// Interval is the target period between iteration starts.
	Interval time.Duration
	// FrameTimeout bounds the wait for a frame.
	FrameTimeout time.Duration
	// RetryDelay is the pause after a frame wait timed out.
	RetryDelay time.Duration
	Params     Params
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Interval:     time.Second,
		FrameTimeout: 5 * time.Second,
		RetryDelay:   100 * time.Millisecond,
		Params:       DefaultParams(),
	}
}

// PacingDelay is how long to sleep after an iteration that took elapsed so
// iterations start every period. It is never negative.
func PacingDelay(elapsed, period time.Duration) time.Duration {
	if d := period - elapsed; d > 0 {
		return d
	}
	return 0
}

// Loop pulls frames for one (user, walker, kind), detects, and records
// one event per frame. Iterations run strictly one after another.
type Loop struct {
	UserID   string
	WalkerID string
	Kind     Kind

	slot      *frames.Slot
	engine    Engine
	debouncer *Debouncer
	store     EventStore
	publisher Publisher
	clock     timeutil.Clock
	cfg       LoopConfig
	logf      func(format string, v ...interface{})

	iterations atomic.Uint64
	persisted  atomic.Uint64
}

// Run loops until ctx is cancelled. Frame timeouts, engine errors and
// store errors are logged and never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.logf("[detection] %s loop started for %s/%s", l.Kind, l.UserID, l.WalkerID)
	defer l.logf("[detection] %s loop stopped for %s/%s", l.Kind, l.UserID, l.WalkerID)

	for {
		start := l.clock.Now()

		frame, err := l.slot.Get(ctx, l.cfg.FrameTimeout)
		if errors.Is(err, frames.ErrNoFrame) {
			l.logf("[detection] %s: no frame within %s", l.Kind, l.cfg.FrameTimeout)
			if err := l.clock.Sleep(ctx, l.cfg.RetryDelay); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		l.iterate(ctx, frame)
		l.iterations.Add(1)

		if err := l.clock.Sleep(ctx, PacingDelay(l.clock.Since(start), l.cfg.Interval)); err != nil {
			return err
		}
	}
}

func (l *Loop) iterate(ctx context.Context, frame frames.Frame) {
	dets, err := l.engine.Detect(ctx, frame.Data, l.cfg.Params)
	// A failed inference says nothing about the road ahead, so it is not
	// recorded as a negative event.
	if err != nil {
		if ctx.Err() == nil {
			l.logf("[detection] %s: engine failed: %v", l.Kind, err)
		}
		return
	}
	dets = FilterFloor(dets, l.cfg.Params.ConfidenceFloor)
	now := l.clock.Now()
	dec := l.debouncer.Decide(now, dets)

	ev := db.DetectionEvent{
		DetectionID: NewDetectionID(l.Kind, SourceStream),
		UserID:      l.UserID,
		WalkerID:    l.WalkerID,
		Kind:        string(l.Kind),
		Labels:      dec.Labels,
		IsDetected:  dec.IsDetected,
		DetectedAt:  now,
	}
	// The write is not tied to ctx so a stop never interrupts it halfway.
	if err := l.store.InsertDetection(context.WithoutCancel(ctx), ev); err != nil {
		l.logf("[detection] %s: failed to store %s: %v", l.Kind, ev.DetectionID, err)
		return
	}
	l.persisted.Add(1)
	if l.publisher != nil {
		l.publisher.Publish(ev)
	}
}

// Iterations counts frames processed.
func (l *Loop) Iterations() uint64 { return l.iterations.Load() }

// Persisted counts events written.
func (l *Loop) Persisted() uint64 { return l.persisted.Load() }
