package motion

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/walker.report/internal/db"
	"github.com/banshee-data/walker.report/internal/timeutil"
)

// Store is everything the motion service reads and writes.
type Store interface {
	SessionStore
	InsertAccelSample(ctx context.Context, s db.AccelSample) (db.AccelSample, error)
	AccelSamplesSince(ctx context.Context, userID, walkerID string, since time.Time) ([]db.AccelSample, error)
}

// Result is returned for every recorded sample.
type Result struct {
	Magnitude  float64            `json:"magnitude"`
	IsMoving   bool               `json:"is_moving"`
	IsWalking  bool               `json:"is_walking"`
	Transition string             `json:"transition,omitempty"`
	Session    *db.WalkingSession `json:"session,omitempty"`
}

// Service ties the classifier, the store and the tracker together. It is
// the single entry point for accelerometer data from HTTP, serial and MQTT.
type Service struct {
	store      Store
	cfg        Config
	clock      timeutil.Clock
	classifier *Classifier
	tracker    *Tracker
	logf       func(format string, v ...interface{})
}

func NewService(store Store, cfg Config, clock timeutil.Clock, logf func(string, ...interface{})) *Service {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Service{
		store:      store,
		cfg:        cfg,
		clock:      clock,
		classifier: NewClassifier(cfg),
		tracker:    NewTracker(store, cfg, clock, logf),
		logf:       logf,
	}
}

// Tracker exposes the session tracker for explicit start/stop.
func (s *Service) Tracker() *Tracker { return s.tracker }

// RecordSample classifies one reading against the stored window, persists
// it, and advances the session state for the key. Invalid readings are
// rejected before anything is written.
func (s *Service) RecordSample(ctx context.Context, userID, walkerID string, ax, ay, az float64) (Result, error) {
	if userID == "" || walkerID == "" {
		return Result{}, fmt.Errorf("%w: user_id and walker_id are required", ErrInvalidSample)
	}
	now := s.clock.Now()

	recent, err := s.store.AccelSamplesSince(ctx, userID, walkerID, now.Add(-s.cfg.Window))
	if err != nil {
		return Result{}, fmt.Errorf("load motion window: %w", err)
	}
	reading, err := s.classifier.Classify(ax, ay, az, recent)
	if err != nil {
		return Result{}, err
	}

	if _, err := s.store.InsertAccelSample(ctx, db.AccelSample{
		UserID:     userID,
		WalkerID:   walkerID,
		Magnitude:  reading.Magnitude,
		IsMoving:   reading.IsMoving,
		RecordedAt: now,
	}); err != nil {
		return Result{}, err
	}

	obs, err := s.tracker.Observe(ctx, Key{UserID: userID, WalkerID: walkerID}, reading, now)
	if err != nil {
		return Result{}, fmt.Errorf("track session: %w", err)
	}

	res := Result{
		Magnitude: reading.Magnitude,
		IsMoving:  reading.IsMoving,
		IsWalking: obs.Walking,
		Session:   obs.Session,
	}
	if obs.Transition != NoChange {
		res.Transition = obs.Transition.String()
	}
	return res, nil
}

// StartSession opens a manual session for the key.
func (s *Service) StartSession(ctx context.Context, userID, walkerID string) (*db.WalkingSession, error) {
	return s.tracker.Start(ctx, Key{UserID: userID, WalkerID: walkerID})
}

// StopSession closes the key's open session.
func (s *Service) StopSession(ctx context.Context, userID, walkerID string) (*db.WalkingSession, error) {
	return s.tracker.Stop(ctx, Key{UserID: userID, WalkerID: walkerID})
}

// Run sweeps for stale motion sessions every SweepInterval until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if _, err := s.tracker.Sweep(ctx, s.clock.Now()); err != nil {
				s.logf("[motion] sweep failed: %v", err)
			}
		}
	}
}
