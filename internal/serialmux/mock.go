package serialmux

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// MockPort replays canned lines as if they came from a device and records
// what is written to it.
type MockPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer

	done chan struct{}
	once sync.Once
}

// NewMockPort writes lines in order, one every interval, then repeats them
// until closed. An interval of zero writes them once with no delay and then
// reports EOF.
func NewMockPort(lines []string, interval time.Duration) *MockPort {
	r, w := io.Pipe()
	p := &MockPort{r: r, w: w, done: make(chan struct{})}
	go p.feed(lines, interval)
	return p
}

func (p *MockPort) feed(lines []string, interval time.Duration) {
	if interval <= 0 {
		for _, l := range lines {
			if _, err := io.WriteString(p.w, l+"\n"); err != nil {
				return
			}
		}
		p.w.Close()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; len(lines) > 0; i = (i + 1) % len(lines) {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		if _, err := io.WriteString(p.w, lines[i]+"\n"); err != nil {
			return
		}
	}
}

func (p *MockPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *MockPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

// Written returns everything written to the port so far.
func (p *MockPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *MockPort) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.w.Close()
		p.r.Close()
	})
	return nil
}

// NewMockSerialMux is a SerialMux over a MockPort, used by the simulated
// walker mode and tests.
func NewMockSerialMux(lines []string, interval time.Duration) *SerialMux[*MockPort] {
	return NewSerialMux(NewMockPort(lines, interval))
}
