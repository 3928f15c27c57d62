// Package motion infers walking state from accelerometer samples: a
// windowed classifier for moving/still and a per-(user, walker) tracker
// that turns those readings into walking sessions.
package motion

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/walker.report/internal/db"
	"github.com/banshee-data/walker.report/internal/smoothing"
)

// ErrInvalidSample is returned for non-finite accelerometer components.
var ErrInvalidSample = errors.New("invalid accelerometer sample")

// Config tunes the classifier and tracker.
type Config struct {
	// HighThreshold is the magnitude at or above which a sample is moving.
	HighThreshold float64
	// Window is how far back stored samples take part in the vote.
	Window time.Duration
	// StillCount is the number of still readings in the window, including
	// the current one, that releases a held moving state.
	StillCount int
	// StopTimeout is how long without a moving sample closes a motion
	// session.
	StopTimeout time.Duration
	// SweepInterval is how often Service.Run looks for stale sessions.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		HighThreshold: 1.5,
		Window:        10 * time.Second,
		StillCount:    5,
		StopTimeout:   5 * time.Second,
		SweepInterval: time.Second,
	}
}

// Reading is the classifier output for one sample.
type Reading struct {
	Magnitude float64
	// RawMoving is the single-sample decision.
	RawMoving bool
	// IsMoving is the smoothed decision after the window vote.
	IsMoving bool
}

// Magnitude returns the Euclidean norm of an acceleration vector.
func Magnitude(ax, ay, az float64) float64 {
	return math.Sqrt(ax*ax + ay*ay + az*az)
}

// Classifier applies the high threshold and the hysteresis vote.
type Classifier struct {
	threshold float64
	vote      smoothing.Vote
}

func NewClassifier(cfg Config) *Classifier {
	return &Classifier{
		threshold: cfg.HighThreshold,
		vote:      smoothing.Vote{Release: cfg.StillCount},
	}
}

// Classify computes the reading for (ax, ay, az) given the samples already
// stored in the trailing window. Stored samples vote by their magnitude
// against the threshold; their persisted is_moving is the smoothed output
// and would otherwise hold the state forever.
func (c *Classifier) Classify(ax, ay, az float64, recent []db.AccelSample) (Reading, error) {
	for _, v := range []float64{ax, ay, az} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Reading{}, fmt.Errorf("%w: component %v", ErrInvalidSample, v)
		}
	}

	m := Magnitude(ax, ay, az)
	if math.IsInf(m, 0) {
		return Reading{}, fmt.Errorf("%w: magnitude overflow", ErrInvalidSample)
	}
	r := Reading{Magnitude: m, RawMoving: m >= c.threshold}

	history := make([]bool, len(recent))
	for i, s := range recent {
		history[i] = s.Magnitude >= c.threshold
	}
	r.IsMoving = c.vote.Hold(r.RawMoving, history)
	return r, nil
}
