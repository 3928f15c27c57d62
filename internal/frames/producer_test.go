package frames

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/walker.report/internal/timeutil"
)

// blockingReader serves queued frames, then blocks until closed.
type blockingReader struct {
	mu     sync.Mutex
	frames [][]byte
	closed chan struct{}
	once   sync.Once
}

func newBlockingReader(frames ...[]byte) *blockingReader {
	return &blockingReader{frames: frames, closed: make(chan struct{})}
}

func (r *blockingReader) ReadFrame() ([]byte, error) {
	r.mu.Lock()
	if len(r.frames) > 0 {
		f := r.frames[0]
		r.frames = r.frames[1:]
		r.mu.Unlock()
		return f, nil
	}
	r.mu.Unlock()
	<-r.closed
	return nil, ErrSourceClosed
}

func (r *blockingReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func TestProducer_FillsSlot(t *testing.T) {
	reader := newBlockingReader([]byte("a"), []byte("b"))
	slot := NewSlot()
	p := NewProducer(SourceFunc(func(context.Context) (Reader, error) { return reader, nil }),
		slot, DefaultProducerConfig(), timeutil.RealClock{}, t.Logf)
	p.Start(context.Background())

	assert.Eventually(t, func() bool { return p.Frames() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Alive())

	f, err := slot.Get(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), f.Data)
	assert.Equal(t, uint64(2), f.Seq)

	assert.True(t, p.Stop(time.Second))
	assert.False(t, p.Alive())
}

func TestProducer_GivesUpAfterBoundedRetries(t *testing.T) {
	var opens atomic.Int32
	clock := timeutil.NewMockClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	p := NewProducer(SourceFunc(func(context.Context) (Reader, error) {
		opens.Add(1)
		return nil, errors.New("camera offline")
	}), NewSlot(), DefaultProducerConfig(), clock, t.Logf)
	p.Start(context.Background())

	assert.Eventually(t, func() bool { return !p.Alive() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), opens.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
	assert.True(t, p.Stop(time.Second))
}

func TestProducer_ReopensAfterReadError(t *testing.T) {
	var opens atomic.Int32
	first := newBlockingReader([]byte("a"))
	second := newBlockingReader([]byte("b"))
	clock := timeutil.NewMockClock(time.Time{})
	p := NewProducer(SourceFunc(func(context.Context) (Reader, error) {
		if opens.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}), NewSlot(), DefaultProducerConfig(), clock, t.Logf)
	p.Start(context.Background())

	assert.Eventually(t, func() bool { return p.Frames() == 1 }, time.Second, 5*time.Millisecond)
	first.Close()
	assert.Eventually(t, func() bool { return p.Frames() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), opens.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, clock.Sleeps())

	assert.True(t, p.Stop(time.Second))
}

func TestProducer_StopReportsStuckGoroutine(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	p := NewProducer(SourceFunc(func(context.Context) (Reader, error) {
		close(entered)
		<-release
		return nil, errors.New("late")
	}), NewSlot(), DefaultProducerConfig(), timeutil.RealClock{}, t.Logf)
	p.Start(context.Background())

	// Stopping before Open is entered would let the goroutine exit cleanly.
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("source was never opened")
	}
	start := time.Now()
	assert.False(t, p.Stop(20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.True(t, p.Alive(), "the goroutine is still stuck in Open")
}

func TestProducer_StopBeforeStart(t *testing.T) {
	p := NewProducer(SourceFunc(func(context.Context) (Reader, error) { return nil, nil }), NewSlot(), DefaultProducerConfig(), nil, nil)
	assert.True(t, p.Stop(time.Millisecond))
	assert.False(t, p.Alive())
}

func TestStaticSource_Cycles(t *testing.T) {
	src := &StaticSource{Images: [][]byte{[]byte("x"), []byte("y")}, Clock: timeutil.NewMockClock(time.Time{})}
	r, err := src.Open(context.Background())
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		f, err := r.ReadFrame()
		require.NoError(t, err)
		got = append(got, string(f))
	}
	assert.Equal(t, []string{"x", "y", "x"}, got)

	require.NoError(t, r.Close())
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, ErrSourceClosed)
}
