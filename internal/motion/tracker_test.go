package motion

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/walker.report/internal/db"
	"github.com/banshee-data/walker.report/internal/timeutil"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

var key = Key{UserID: "u1", WalkerID: "w1"}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "walker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func moving() Reading { return Reading{Magnitude: 1.6, RawMoving: true, IsMoving: true} }
func held() Reading   { return Reading{Magnitude: 0.2, IsMoving: true} }
func still() Reading  { return Reading{Magnitude: 0.2} }

func TestTracker_StartStop(t *testing.T) {
	store := setupTestDB(t)
	clock := timeutil.NewMockClock(t0)
	tr := NewTracker(store, DefaultConfig(), clock, t.Logf)
	ctx := context.Background()

	_, err := tr.Stop(ctx, key)
	assert.ErrorIs(t, err, db.ErrNoOpenSession)

	s, err := tr.Start(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, db.SourceManual, s.Source)
	assert.True(t, s.StartTime.Equal(t0))

	_, err = tr.Start(ctx, key)
	assert.ErrorIs(t, err, db.ErrSessionConflict)

	clock.Advance(2*time.Minute + 30*time.Second)
	closed, err := tr.Stop(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, closed.DurationMinutes)
	assert.Equal(t, 2, *closed.DurationMinutes)
}

func TestTracker_MotionOpensAndCloses(t *testing.T) {
	store := setupTestDB(t)
	tr := NewTracker(store, DefaultConfig(), timeutil.NewMockClock(t0), t.Logf)
	ctx := context.Background()

	obs, err := tr.Observe(ctx, key, still(), t0)
	require.NoError(t, err)
	assert.Equal(t, NoChange, obs.Transition)
	assert.False(t, obs.Walking)

	obs, err = tr.Observe(ctx, key, moving(), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, Started, obs.Transition)
	require.NotNil(t, obs.Session)
	assert.Equal(t, db.SourceMotion, obs.Session.Source)

	// Smoothed still before the timeout keeps the session.
	obs, err = tr.Observe(ctx, key, still(), t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, NoChange, obs.Transition)
	assert.True(t, obs.Walking)

	obs, err = tr.Observe(ctx, key, still(), t0.Add(6*time.Second))
	require.NoError(t, err)
	assert.Equal(t, Stopped, obs.Transition)
	require.NotNil(t, obs.Session.EndTime)
	assert.True(t, obs.Session.EndTime.Equal(t0.Add(6*time.Second)))
}

func TestTracker_HeldStateKeepsSession(t *testing.T) {
	store := setupTestDB(t)
	tr := NewTracker(store, DefaultConfig(), timeutil.NewMockClock(t0), t.Logf)
	ctx := context.Background()

	_, err := tr.Observe(ctx, key, moving(), t0)
	require.NoError(t, err)

	obs, err := tr.Observe(ctx, key, held(), t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, NoChange, obs.Transition)
	assert.True(t, obs.Walking)
}

func TestTracker_HeldReadingDoesNotStartSession(t *testing.T) {
	store := setupTestDB(t)
	tr := NewTracker(store, DefaultConfig(), timeutil.NewMockClock(t0), t.Logf)
	ctx := context.Background()

	obs, err := tr.Observe(ctx, key, held(), t0)
	require.NoError(t, err)
	assert.Equal(t, NoChange, obs.Transition)
	assert.False(t, obs.Walking)

	_, err = store.OpenSessionFor(ctx, key.UserID, key.WalkerID)
	assert.ErrorIs(t, err, db.ErrNoOpenSession)
}

func TestTracker_MotionNeverClosesManualSession(t *testing.T) {
	store := setupTestDB(t)
	clock := timeutil.NewMockClock(t0)
	tr := NewTracker(store, DefaultConfig(), clock, t.Logf)
	ctx := context.Background()

	_, err := tr.Start(ctx, key)
	require.NoError(t, err)

	obs, err := tr.Observe(ctx, key, still(), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, NoChange, obs.Transition)
	assert.True(t, obs.Walking)

	closed, err := tr.Sweep(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, closed)

	open, err := store.OpenSessionFor(ctx, key.UserID, key.WalkerID)
	require.NoError(t, err)
	assert.Equal(t, db.SourceManual, open.Source)
}

func TestTracker_ManualStopClosesMotionSession(t *testing.T) {
	store := setupTestDB(t)
	clock := timeutil.NewMockClock(t0)
	tr := NewTracker(store, DefaultConfig(), clock, t.Logf)
	ctx := context.Background()

	_, err := tr.Observe(ctx, key, moving(), t0)
	require.NoError(t, err)
	_, err = tr.Start(ctx, key)
	assert.ErrorIs(t, err, db.ErrSessionConflict)

	clock.Advance(time.Minute)
	closed, err := tr.Stop(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, db.SourceMotion, closed.Source)
	assert.Equal(t, 1, *closed.DurationMinutes)
}

func TestTracker_KeysAreIndependent(t *testing.T) {
	store := setupTestDB(t)
	tr := NewTracker(store, DefaultConfig(), timeutil.NewMockClock(t0), t.Logf)
	ctx := context.Background()

	other := Key{UserID: "u1", WalkerID: "w2"}
	_, err := tr.Observe(ctx, key, moving(), t0)
	require.NoError(t, err)
	_, err = tr.Observe(ctx, other, moving(), t0)
	require.NoError(t, err)

	obs, err := tr.Observe(ctx, key, still(), t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, Stopped, obs.Transition)

	open, err := store.OpenSessions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "w2", open[0].WalkerID)
}

func TestTracker_Sweep(t *testing.T) {
	store := setupTestDB(t)
	tr := NewTracker(store, DefaultConfig(), timeutil.NewMockClock(t0), t.Logf)
	ctx := context.Background()

	_, err := tr.Observe(ctx, key, moving(), t0)
	require.NoError(t, err)
	_, err = tr.Observe(ctx, key, moving(), t0.Add(3*time.Second))
	require.NoError(t, err)

	closed, err := tr.Sweep(ctx, t0.Add(7*time.Second))
	require.NoError(t, err)
	assert.Empty(t, closed)

	closed, err = tr.Sweep(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, closed, 1)
	// The walker went quiet after its last movement; the session ends one
	// timeout later, not at sweep time.
	assert.True(t, closed[0].EndTime.Equal(t0.Add(8*time.Second)))

	_, err = store.OpenSessionFor(ctx, key.UserID, key.WalkerID)
	assert.ErrorIs(t, err, db.ErrNoOpenSession)
}

func TestTracker_ColdStartSeedsFromStoredSamples(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	// State left behind by a previous process.
	_, err := store.OpenSession(ctx, key.UserID, key.WalkerID, db.SourceMotion, t0)
	require.NoError(t, err)
	for i, m := range []float64{1.6, 1.7, 0.2} {
		_, err := store.InsertAccelSample(ctx, db.AccelSample{
			UserID: key.UserID, WalkerID: key.WalkerID, Magnitude: m,
			RecordedAt: t0.Add(time.Duration(i*10) * time.Second),
		})
		require.NoError(t, err)
	}

	tr := NewTracker(store, DefaultConfig(), timeutil.NewMockClock(t0), t.Logf)

	// Last movement was at t0+10s, so t0+14s is still inside the timeout.
	obs, err := tr.Observe(ctx, key, still(), t0.Add(14*time.Second))
	require.NoError(t, err)
	assert.Equal(t, NoChange, obs.Transition)

	obs, err = tr.Observe(ctx, key, still(), t0.Add(15*time.Second))
	require.NoError(t, err)
	assert.Equal(t, Stopped, obs.Transition)
}

func TestTracker_ColdStartWithoutSamplesUsesSessionStart(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	_, err := store.OpenSession(ctx, key.UserID, key.WalkerID, db.SourceMotion, t0)
	require.NoError(t, err)

	tr := NewTracker(store, DefaultConfig(), timeutil.NewMockClock(t0), t.Logf)
	closed, err := tr.Sweep(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.True(t, closed[0].EndTime.Equal(t0.Add(5*time.Second)))
}

func TestTransitionString(t *testing.T) {
	assert.Equal(t, "none", NoChange.String())
	assert.Equal(t, "started", Started.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "u1/w1", key.String())
}
