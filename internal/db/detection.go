package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DetectionEvent is the outcome of one detection pass. It is written
// whether or not anything was detected.
type DetectionEvent struct {
	DetectionID string    `json:"detection_id"`
	UserID      string    `json:"user_id"`
	WalkerID    string    `json:"walker_id"`
	Kind        string    `json:"kind"`
	Labels      []string  `json:"labels"`
	IsDetected  bool      `json:"is_detected"`
	DetectedAt  time.Time `json:"detection_time"`
}

// InsertDetection appends ev.
func (db *DB) InsertDetection(ctx context.Context, ev DetectionEvent) error {
	if ev.DetectionID == "" {
		return fmt.Errorf("detection event has no id")
	}
	labels := ev.Labels
	if labels == nil {
		labels = []string{}
	}
	encoded, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO detection_events (detection_id, user_id, walker_id, kind, labels, is_detected, detection_unix)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.DetectionID, ev.UserID, ev.WalkerID, ev.Kind, string(encoded), boolToInt(ev.IsDetected), unixSeconds(ev.DetectedAt)); err != nil {
			return fmt.Errorf("insert detection %s: %w", ev.DetectionID, err)
		}
		return nil
	})
}

// LatestDetection returns the newest event of kind for the key, or
// ErrNotFound.
func (db *DB) LatestDetection(ctx context.Context, kind, userID, walkerID string) (*DetectionEvent, error) {
	events, err := db.Detections(ctx, kind, userID, walkerID, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return &events[0], nil
}

// Detections returns up to limit events of kind for the key, newest first.
func (db *DB) Detections(ctx context.Context, kind, userID, walkerID string, limit int) ([]DetectionEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT detection_id, user_id, walker_id, kind, labels, is_detected, detection_unix
		FROM detection_events
		WHERE kind = ? AND user_id = ? AND walker_id = ?
		ORDER BY detection_unix DESC, rowid DESC
		LIMIT ?`, kind, userID, walkerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var out []DetectionEvent
	for rows.Next() {
		var (
			ev       DetectionEvent
			labels   string
			detected int
			at       float64
		)
		if err := rows.Scan(&ev.DetectionID, &ev.UserID, &ev.WalkerID, &ev.Kind, &labels, &detected, &at); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(labels), &ev.Labels); err != nil {
			return nil, fmt.Errorf("decode labels for %s: %w", ev.DetectionID, err)
		}
		ev.IsDetected = detected != 0
		ev.DetectedAt = fromUnixSeconds(at)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}
