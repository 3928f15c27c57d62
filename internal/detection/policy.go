package detection

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/walker.report/internal/smoothing"
)

// ErrUnknownKind is returned for a detection kind other than obstacle or
// crack.
var ErrUnknownKind = errors.New("unknown detection kind")

// Kind is what a detector looks for.
type Kind string

const (
	KindObstacle Kind = "obstacle"
	KindCrack    Kind = "crack"
)

// ParseKind accepts "obstacle", "crack" and its alias "pothole".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "obstacle":
		return KindObstacle, nil
	case "crack", "pothole":
		return KindCrack, nil
	}
	return "", ErrUnknownKind
}

// Source is where a frame came from.
type Source string

const (
	SourceStream Source = "stream"
	SourceUpload Source = "upload"
)

// NewDetectionID returns "<prefix>_<uuid>". Obstacle events are prefixed
// by their source; crack events always use "crack".
func NewDetectionID(kind Kind, source Source) string {
	prefix := string(source)
	if kind == KindCrack {
		prefix = "crack"
	}
	return prefix + "_" + uuid.NewString()
}

// Policy decides is_detected for one frame. The engine result is a flat
// list of boxes, so comparing the top box or any box against the
// threshold is the same test.
type Policy struct {
	Threshold float64
}

// Decision is the outcome for one frame.
type Decision struct {
	IsDetected bool     `json:"is_detected"`
	Labels     []string `json:"labels"`
}

// Evaluate reports every label it is given, in engine order, whatever the
// threshold; only is_detected depends on it.
func (p Policy) Evaluate(dets []Detection) Decision {
	d := Decision{Labels: make([]string, 0, len(dets))}
	for _, det := range dets {
		d.Labels = append(d.Labels, det.Label)
		if det.Confidence >= p.Threshold {
			d.IsDetected = true
		}
	}
	return d
}

// Thresholds are the reporting thresholds per kind and source.
type Thresholds struct {
	ObstacleStream float64
	ObstacleUpload float64
	Crack          float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{ObstacleStream: 0.85, ObstacleUpload: 0.50, Crack: 0.50}
}

// PolicyFor returns the policy for kind frames from source.
func (t Thresholds) PolicyFor(kind Kind, source Source) Policy {
	switch {
	case kind == KindCrack:
		return Policy{Threshold: t.Crack}
	case source == SourceUpload:
		return Policy{Threshold: t.ObstacleUpload}
	default:
		return Policy{Threshold: t.ObstacleStream}
	}
}

// Debouncer applies a Policy and then, when configured, the same windowed
// vote the motion classifier uses, so one missed frame does not clear a
// detection.
type Debouncer struct {
	policy Policy
	window *smoothing.Window
}

// NewDebouncer returns a debouncer; a nil window disables smoothing.
func NewDebouncer(p Policy, w *smoothing.Window) *Debouncer {
	return &Debouncer{policy: p, window: w}
}

func (d *Debouncer) Decide(at time.Time, dets []Detection) Decision {
	dec := d.policy.Evaluate(dets)
	dec.IsDetected = d.window.Observe(at, dec.IsDetected)
	return dec
}
