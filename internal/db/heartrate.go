package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type HeartRateSample struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	HeartRate  int       `json:"heartrate"`
	RecordedAt time.Time `json:"recorded_at"`
}

// HeartRateBand is the resting range outside of which a reading is flagged.
type HeartRateBand struct {
	Low  int
	High int
}

// DefaultHeartRateBand is 60-100 bpm inclusive.
var DefaultHeartRateBand = HeartRateBand{Low: 60, High: 100}

// Classify returns "low", "high" or "normal" for bpm.
func (b HeartRateBand) Classify(bpm int) string {
	switch {
	case bpm < b.Low:
		return "low"
	case bpm > b.High:
		return "high"
	default:
		return "normal"
	}
}

// InsertHeartRate appends a heart-rate sample.
func (db *DB) InsertHeartRate(ctx context.Context, userID string, bpm int, at time.Time) (HeartRateSample, error) {
	if bpm <= 0 {
		return HeartRateSample{}, fmt.Errorf("heartrate must be positive, got %d", bpm)
	}
	s := HeartRateSample{UserID: userID, HeartRate: bpm, RecordedAt: fromUnixSeconds(unixSeconds(at))}
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO heart_rates (user_id, heartrate, recorded_unix)
			VALUES (?, ?, ?)`, userID, bpm, unixSeconds(at))
		if err != nil {
			return fmt.Errorf("insert heart rate: %w", err)
		}
		s.ID, err = res.LastInsertId()
		return err
	})
	return s, err
}

// HeartRates returns up to limit of the user's samples, newest first. A
// non-positive limit returns all of them.
func (db *DB) HeartRates(ctx context.Context, userID string, limit int) ([]HeartRateSample, error) {
	if limit <= 0 {
		limit = -1
	}
	return db.queryHeartRates(ctx, `
		SELECT id, user_id, heartrate, recorded_unix
		FROM heart_rates
		WHERE user_id = ?
		ORDER BY recorded_unix DESC, id DESC
		LIMIT ?`, userID, limit)
}

// HeartRatesSince returns the user's samples recorded at or after since,
// oldest first.
func (db *DB) HeartRatesSince(ctx context.Context, userID string, since time.Time) ([]HeartRateSample, error) {
	return db.queryHeartRates(ctx, `
		SELECT id, user_id, heartrate, recorded_unix
		FROM heart_rates
		WHERE user_id = ? AND recorded_unix >= ?
		ORDER BY recorded_unix ASC, id ASC`, userID, unixSeconds(since))
}

func (db *DB) queryHeartRates(ctx context.Context, query string, args ...interface{}) ([]HeartRateSample, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query heart rates: %w", err)
	}
	defer rows.Close()

	var out []HeartRateSample
	for rows.Next() {
		var (
			s  HeartRateSample
			at float64
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.HeartRate, &at); err != nil {
			return nil, err
		}
		s.RecordedAt = fromUnixSeconds(at)
		out = append(out, s)
	}
	return out, rows.Err()
}
