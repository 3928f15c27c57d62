package detection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/walker.report/internal/db"
	"github.com/banshee-data/walker.report/internal/frames"
	"github.com/banshee-data/walker.report/internal/smoothing"
	"github.com/banshee-data/walker.report/internal/timeutil"
)

var (
	ErrStreamNotFound = errors.New("detection stream not found")
	ErrInvalidRequest = errors.New("invalid detection request")
)

// SourceFactory builds a frame source for a stream URL.
type SourceFactory func(streamURL string) frames.Source

// ManagerConfig holds everything a stream needs besides its request.
type ManagerConfig struct {
	Loop       LoopConfig
	Producer   frames.ProducerConfig
	Thresholds Thresholds
	// StopTimeout bounds how long Stop waits for each goroutine.
	StopTimeout time.Duration
	// SmoothingSpan and SmoothingRelease configure the per-stream vote.
	// A zero span disables it.
	SmoothingSpan    time.Duration
	SmoothingRelease int
	// StreamURLs are used when a start request names no stream.
	StreamURLs map[Kind]string
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Loop:        DefaultLoopConfig(),
		Producer:    frames.DefaultProducerConfig(),
		Thresholds:  DefaultThresholds(),
		StopTimeout: 5 * time.Second,
	}
}

// StartRequest names the stream to run.
type StartRequest struct {
	UserID    string
	WalkerID  string
	Kind      Kind
	StreamURL string
}

type streamKey struct {
	userID, walkerID string
	kind             Kind
}

// Handle owns one running producer and loop.
type Handle struct {
	ID        string
	UserID    string
	WalkerID  string
	Kind      Kind
	StreamURL string
	StartedAt time.Time

	slot     *frames.Slot
	producer *frames.Producer
	loop     *Loop
	cancel   context.CancelFunc
	loopDone chan struct{}
	loopLive atomic.Bool
}

func (h *Handle) key() streamKey { return streamKey{h.UserID, h.WalkerID, h.Kind} }

// StopReport says what Stop actually tore down.
type StopReport struct {
	ID              string `json:"stream_id"`
	WasRunning      bool   `json:"was_running"`
	ProducerStopped bool   `json:"producer_stopped"`
	LoopStopped     bool   `json:"loop_stopped"`
}

// Status is a snapshot of a running stream.
type Status struct {
	ID            string    `json:"stream_id"`
	UserID        string    `json:"user_id"`
	WalkerID      string    `json:"walker_id"`
	Kind          Kind      `json:"kind"`
	StreamURL     string    `json:"stream_url"`
	StartedAt     time.Time `json:"started_at"`
	ProducerAlive bool      `json:"producer_alive"`
	LoopAlive     bool      `json:"loop_alive"`
	QueueDepth    int       `json:"queue_depth"`
	Frames        uint64    `json:"frames"`
	FramesDropped uint64    `json:"frames_dropped"`
	Iterations    uint64    `json:"iterations"`
}

// Manager runs any number of detection streams, at most one per
// (user, walker, kind). Streams run on the manager's own context, not the
// context of the request that started them.
type Manager struct {
	store   EventStore
	engine  Engine
	sources SourceFactory
	cfg     ManagerConfig
	clock   timeutil.Clock
	logf    func(format string, v ...interface{})

	base       context.Context
	cancelBase context.CancelFunc

	// ctl serialises Start and Stop so a replacement never races a stop.
	ctl sync.Mutex

	mu        sync.RWMutex
	handles   map[string]*Handle
	byKey     map[streamKey]string
	publisher Publisher
}

func NewManager(store EventStore, engine Engine, sources SourceFactory, cfg ManagerConfig, clock timeutil.Clock, logf func(string, ...interface{})) *Manager {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		engine:     engine,
		sources:    sources,
		cfg:        cfg,
		clock:      clock,
		logf:       logf,
		base:       base,
		cancelBase: cancel,
		handles:    make(map[string]*Handle),
		byKey:      make(map[streamKey]string),
	}
}

// SetPublisher attaches a sink for persisted events.
func (m *Manager) SetPublisher(p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
}

func (m *Manager) currentPublisher() Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publisher
}

func (m *Manager) validate(userID, walkerID string, kind Kind) error {
	if userID == "" || walkerID == "" {
		return fmt.Errorf("%w: user_id and walker_id are required", ErrInvalidRequest)
	}
	if kind != KindObstacle && kind != KindCrack {
		return ErrUnknownKind
	}
	return nil
}

// Start launches a producer and loop for req. A stream already running for
// the same user, walker and kind is stopped first.
func (m *Manager) Start(req StartRequest) (*Handle, error) {
	if err := m.validate(req.UserID, req.WalkerID, req.Kind); err != nil {
		return nil, err
	}
	url := req.StreamURL
	if url == "" {
		url = m.cfg.StreamURLs[req.Kind]
	}
	if url == "" {
		return nil, fmt.Errorf("%w: no stream_url given and no default for %s", ErrInvalidRequest, req.Kind)
	}

	m.ctl.Lock()
	defer m.ctl.Unlock()

	m.mu.RLock()
	oldID, running := m.byKey[streamKey{req.UserID, req.WalkerID, req.Kind}]
	m.mu.RUnlock()
	if running {
		rep := m.stop(oldID)
		m.logf("[detection] replaced stream %s (producer stopped=%v, loop stopped=%v)", oldID, rep.ProducerStopped, rep.LoopStopped)
	}

	ctx, cancel := context.WithCancel(m.base)
	slot := frames.NewSlot()
	h := &Handle{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		WalkerID:  req.WalkerID,
		Kind:      req.Kind,
		StreamURL: url,
		StartedAt: m.clock.Now(),
		slot:      slot,
		producer:  frames.NewProducer(m.sources(url), slot, m.cfg.Producer, m.clock, m.logf),
		cancel:    cancel,
		loopDone:  make(chan struct{}),
	}
	var window *smoothing.Window
	if m.cfg.SmoothingSpan > 0 && m.cfg.SmoothingRelease > 0 {
		window = smoothing.NewWindow(m.cfg.SmoothingSpan, m.cfg.SmoothingRelease)
	}
	h.loop = &Loop{
		UserID:    req.UserID,
		WalkerID:  req.WalkerID,
		Kind:      req.Kind,
		slot:      slot,
		engine:    m.engine,
		debouncer: NewDebouncer(m.cfg.Thresholds.PolicyFor(req.Kind, SourceStream), window),
		store:     m.store,
		publisher: publisherFunc(func(ev db.DetectionEvent) {
			if p := m.currentPublisher(); p != nil {
				p.Publish(ev)
			}
		}),
		clock: m.clock,
		cfg:   m.cfg.Loop,
		logf:  m.logf,
	}

	m.mu.Lock()
	m.handles[h.ID] = h
	m.byKey[h.key()] = h.ID
	m.mu.Unlock()

	h.producer.Start(ctx)
	h.loopLive.Store(true)
	go func() {
		defer close(h.loopDone)
		defer h.loopLive.Store(false)
		h.loop.Run(ctx)
	}()

	m.logf("[detection] started %s stream %s for %s/%s from %s", h.Kind, h.ID, h.UserID, h.WalkerID, url)
	return h, nil
}

type publisherFunc func(ev db.DetectionEvent)

func (f publisherFunc) Publish(ev db.DetectionEvent) { f(ev) }

// Stop tears down the stream with the given id. An unknown id is a no-op
// report, not an error.
func (m *Manager) Stop(id string) StopReport {
	m.ctl.Lock()
	defer m.ctl.Unlock()
	return m.stop(id)
}

func (m *Manager) stop(id string) StopReport {
	m.mu.Lock()
	h, ok := m.handles[id]
	if ok {
		delete(m.handles, id)
		if m.byKey[h.key()] == id {
			delete(m.byKey, h.key())
		}
	}
	m.mu.Unlock()
	if !ok {
		return StopReport{ID: id}
	}

	rep := StopReport{ID: id, WasRunning: true}
	h.cancel()
	rep.ProducerStopped = h.producer.Stop(m.cfg.StopTimeout)

	timer := time.NewTimer(m.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-h.loopDone:
		rep.LoopStopped = true
	case <-timer.C:
		m.logf("[detection] loop for stream %s did not stop within %s", id, m.cfg.StopTimeout)
	}
	m.logf("[detection] stopped stream %s after %d iterations", id, h.loop.Iterations())
	return rep
}

// StopAll stops every stream, for shutdown.
func (m *Manager) StopAll() []StopReport {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	m.mu.RLock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	reports := make([]StopReport, 0, len(ids))
	for _, id := range ids {
		reports = append(reports, m.stop(id))
	}
	m.cancelBase()
	return reports
}

func (h *Handle) status() Status {
	return Status{
		ID:            h.ID,
		UserID:        h.UserID,
		WalkerID:      h.WalkerID,
		Kind:          h.Kind,
		StreamURL:     h.StreamURL,
		StartedAt:     h.StartedAt,
		ProducerAlive: h.producer.Alive(),
		LoopAlive:     h.loopLive.Load(),
		QueueDepth:    h.slot.Len(),
		Frames:        h.producer.Frames(),
		FramesDropped: h.slot.Dropped(),
		Iterations:    h.loop.Iterations(),
	}
}

// Status reports on one stream.
func (m *Manager) Status(id string) (Status, error) {
	m.mu.RLock()
	h, ok := m.handles[id]
	m.mu.RUnlock()
	if !ok {
		return Status{}, ErrStreamNotFound
	}
	return h.status(), nil
}

// List reports on every stream, oldest first.
func (m *Manager) List() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h.status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Upload runs one image through the engine and the kind's upload policy
// and records the result. Engine and store failures are returned.
func (m *Manager) Upload(ctx context.Context, kind Kind, userID, walkerID string, image []byte) (db.DetectionEvent, error) {
	if err := m.validate(userID, walkerID, kind); err != nil {
		return db.DetectionEvent{}, err
	}
	if len(image) == 0 {
		return db.DetectionEvent{}, fmt.Errorf("%w: empty image", ErrInvalidRequest)
	}

	params := m.cfg.Loop.Params
	dets, err := m.engine.Detect(ctx, image, params)
	if err != nil {
		return db.DetectionEvent{}, fmt.Errorf("detect: %w", err)
	}
	dec := m.cfg.Thresholds.PolicyFor(kind, SourceUpload).Evaluate(FilterFloor(dets, params.ConfidenceFloor))

	ev := db.DetectionEvent{
		DetectionID: NewDetectionID(kind, SourceUpload),
		UserID:      userID,
		WalkerID:    walkerID,
		Kind:        string(kind),
		Labels:      dec.Labels,
		IsDetected:  dec.IsDetected,
		DetectedAt:  m.clock.Now(),
	}
	if err := m.store.InsertDetection(ctx, ev); err != nil {
		return db.DetectionEvent{}, fmt.Errorf("store detection: %w", err)
	}
	if p := m.currentPublisher(); p != nil {
		p.Publish(ev)
	}
	return ev, nil
}

// Latest returns the newest event for the key, or db.ErrNotFound.
func (m *Manager) Latest(ctx context.Context, kind Kind, userID, walkerID string) (*db.DetectionEvent, error) {
	if err := m.validate(userID, walkerID, kind); err != nil {
		return nil, err
	}
	return m.store.LatestDetection(ctx, string(kind), userID, walkerID)
}
