package frames

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/walker.report/internal/timeutil"
)

// ProducerConfig controls how a producer opens and re-reads its source.
type ProducerConfig struct {
	// OpenAttempts is how many times the source is opened before giving up.
	OpenAttempts int
	// OpenBackoff is the delay after the first failed open. It doubles
	// after each further failure.
	OpenBackoff time.Duration
	// RetryDelay is the pause after a read error before reopening.
	RetryDelay time.Duration
}

func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{OpenAttempts: 3, OpenBackoff: time.Second, RetryDelay: 100 * time.Millisecond}
}

// Producer copies frames from a Source into a Slot on its own goroutine.
type Producer struct {
	source Source
	slot   *Slot
	cfg    ProducerConfig
	clock  timeutil.Clock
	logf   func(format string, v ...interface{})

	mu     sync.Mutex
	reader Reader
	cancel context.CancelFunc
	done   chan struct{}

	alive  atomic.Bool
	frames atomic.Uint64
}

func NewProducer(source Source, slot *Slot, cfg ProducerConfig, clock timeutil.Clock, logf func(string, ...interface{})) *Producer {
	if cfg.OpenAttempts < 1 {
		cfg.OpenAttempts = 1
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Producer{source: source, slot: slot, cfg: cfg, clock: clock, logf: logf}
}

// Start launches the capture goroutine. It must be called at most once.
func (p *Producer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.alive.Store(true)
	go p.run(ctx)
}

func (p *Producer) run(ctx context.Context) {
	defer func() {
		p.closeReader()
		p.alive.Store(false)
		close(p.done)
	}()

	for ctx.Err() == nil {
		r, err := p.open(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logf("[frames] giving up on source: %v", err)
			}
			return
		}
		p.mu.Lock()
		p.reader = r
		p.mu.Unlock()

		err = p.pump(ctx, r)
		p.closeReader()
		if ctx.Err() != nil {
			return
		}
		p.logf("[frames] read failed, reopening: %v", err)
		if p.clock.Sleep(ctx, p.cfg.RetryDelay) != nil {
			return
		}
	}
}

// open tries the source OpenAttempts times with doubling backoff.
func (p *Producer) open(ctx context.Context) (Reader, error) {
	backoff := p.cfg.OpenBackoff
	var lastErr error
	for attempt := 1; attempt <= p.cfg.OpenAttempts; attempt++ {
		r, err := p.source.Open(ctx)
		if err == nil {
			return r, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logf("[frames] open attempt %d/%d failed: %v", attempt, p.cfg.OpenAttempts, err)
		if attempt == p.cfg.OpenAttempts {
			break
		}
		if err := p.clock.Sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (p *Producer) pump(ctx context.Context, r Reader) error {
	for {
		data, err := r.ReadFrame()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		seq := p.frames.Add(1)
		p.slot.Put(Frame{Data: data, Seq: seq, CapturedAt: p.clock.Now()})
	}
}

func (p *Producer) closeReader() {
	p.mu.Lock()
	r := p.reader
	p.reader = nil
	p.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Stop cancels the producer, closes its reader to unblock a pending read
// and waits up to timeout for the goroutine to exit. It reports whether
// the goroutine exited in time.
func (p *Producer) Stop(timeout time.Duration) bool {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()
	p.closeReader()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		p.logf("[frames] producer did not stop within %s", timeout)
		return false
	}
}

// Alive reports whether the capture goroutine is running.
func (p *Producer) Alive() bool { return p.alive.Load() }

// Frames counts frames read from the source.
func (p *Producer) Frames() uint64 { return p.frames.Load() }

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Reader, error)

func (f SourceFunc) Open(ctx context.Context) (Reader, error) { return f(ctx) }

// ErrSourceClosed is returned by readers after Close.
var ErrSourceClosed = errors.New("frame source closed")
