package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AccelSample is one accelerometer reading. IsMoving is the classifier's
// smoothed decision at the time the sample was recorded.
type AccelSample struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	WalkerID   string    `json:"walker_id"`
	Magnitude  float64   `json:"magnitude"`
	IsMoving   bool      `json:"is_moving"`
	RecordedAt time.Time `json:"recorded_at"`
}

// InsertAccelSample appends s and returns it with its assigned ID.
func (db *DB) InsertAccelSample(ctx context.Context, s AccelSample) (AccelSample, error) {
	if s.Magnitude < 0 {
		return s, fmt.Errorf("magnitude must be non-negative, got %f", s.Magnitude)
	}
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO accel_samples (user_id, walker_id, magnitude, is_moving, recorded_unix)
			VALUES (?, ?, ?, ?, ?)`,
			s.UserID, s.WalkerID, s.Magnitude, boolToInt(s.IsMoving), unixSeconds(s.RecordedAt))
		if err != nil {
			return fmt.Errorf("insert accel sample: %w", err)
		}
		s.ID, err = res.LastInsertId()
		return err
	})
	return s, err
}

// AccelSamplesSince returns samples for the key recorded at or after since,
// oldest first.
func (db *DB) AccelSamplesSince(ctx context.Context, userID, walkerID string, since time.Time) ([]AccelSample, error) {
	return db.queryAccel(ctx, `
		SELECT id, user_id, walker_id, magnitude, is_moving, recorded_unix
		FROM accel_samples
		WHERE user_id = ? AND walker_id = ? AND recorded_unix >= ?
		ORDER BY recorded_unix ASC, id ASC`,
		userID, walkerID, unixSeconds(since))
}

// LatestAccelSamples returns up to limit of the most recent samples for the
// key, newest first.
func (db *DB) LatestAccelSamples(ctx context.Context, userID, walkerID string, limit int) ([]AccelSample, error) {
	return db.queryAccel(ctx, `
		SELECT id, user_id, walker_id, magnitude, is_moving, recorded_unix
		FROM accel_samples
		WHERE user_id = ? AND walker_id = ?
		ORDER BY recorded_unix DESC, id DESC
		LIMIT ?`,
		userID, walkerID, limit)
}

func (db *DB) queryAccel(ctx context.Context, query string, args ...interface{}) ([]AccelSample, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accel samples: %w", err)
	}
	defer rows.Close()

	var out []AccelSample
	for rows.Next() {
		var (
			s      AccelSample
			moving int
			at     float64
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.WalkerID, &s.Magnitude, &moving, &at); err != nil {
			return nil, err
		}
		s.IsMoving = moving != 0
		s.RecordedAt = fromUnixSeconds(at)
		out = append(out, s)
	}
	return out, rows.Err()
}

// LastAccelAbove returns the time of the newest sample for the key recorded
// at or after since whose magnitude reached threshold, or ErrNotFound.
func (db *DB) LastAccelAbove(ctx context.Context, userID, walkerID string, threshold float64, since time.Time) (time.Time, error) {
	var at float64
	err := db.QueryRowContext(ctx, `
		SELECT recorded_unix
		FROM accel_samples
		WHERE user_id = ? AND walker_id = ? AND magnitude >= ? AND recorded_unix >= ?
		ORDER BY recorded_unix DESC
		LIMIT 1`, userID, walkerID, threshold, unixSeconds(since)).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query last movement: %w", err)
	}
	return fromUnixSeconds(at), nil
}
