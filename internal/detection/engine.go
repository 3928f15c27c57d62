// Package detection runs camera frames through an object detector and
// records the debounced outcome: the engine boundary, the per-kind
// reporting policy, the paced detection loop and the stream manager.
package detection

import (
	"context"
	"sync"
)

// Detection is one box reported by an engine.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Params are the fixed inference parameters sent with every frame.
type Params struct {
	ConfidenceFloor float64
	ImageSize       int
}

func DefaultParams() Params {
	return Params{ConfidenceFloor: 0.3, ImageSize: 224}
}

// Engine turns one encoded image into an ordered list of detections.
type Engine interface {
	Detect(ctx context.Context, image []byte, p Params) ([]Detection, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, image []byte, p Params) ([]Detection, error)

func (f EngineFunc) Detect(ctx context.Context, image []byte, p Params) ([]Detection, error) {
	return f(ctx, image, p)
}

// FilterFloor drops detections below floor, keeping engine order.
func FilterFloor(dets []Detection, floor float64) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= floor {
			out = append(out, d)
		}
	}
	return out
}

// StaticEngine replays scripted results in order, wrapping around. With no
// results it reports nothing.
type StaticEngine struct {
	mu      sync.Mutex
	results [][]Detection
	calls   int
}

func NewStaticEngine(results ...[]Detection) *StaticEngine {
	return &StaticEngine{results: results}
}

func (e *StaticEngine) Detect(ctx context.Context, image []byte, p Params) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if len(e.results) == 0 {
		return nil, nil
	}
	res := e.results[(e.calls-1)%len(e.results)]
	return append([]Detection(nil), res...), nil
}

// Calls returns how many frames the engine has seen.
func (e *StaticEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
