package frames

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/walker.report/internal/timeutil"
)

// StaticSource replays a fixed set of images in a loop. It stands in for
// a camera in dev mode and tests.
type StaticSource struct {
	Images   [][]byte
	Interval time.Duration
	Clock    timeutil.Clock
}

func (s *StaticSource) Open(ctx context.Context) (Reader, error) {
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ctx, cancel := context.WithCancel(ctx)
	return &staticReader{src: s, clock: clock, ctx: ctx, cancel: cancel}, nil
}

type staticReader struct {
	src    *StaticSource
	clock  timeutil.Clock
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	next int
}

func (r *staticReader) ReadFrame() ([]byte, error) {
	if len(r.src.Images) == 0 {
		<-r.ctx.Done()
		return nil, ErrSourceClosed
	}
	if err := r.clock.Sleep(r.ctx, r.src.Interval); err != nil {
		return nil, ErrSourceClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	img := r.src.Images[r.next%len(r.src.Images)]
	r.next++
	return img, nil
}

func (r *staticReader) Close() error {
	r.cancel()
	return nil
}
