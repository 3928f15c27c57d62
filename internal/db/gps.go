package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/walker.report/internal/geo"
)

type GPSFix struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	RecordedAt time.Time `json:"timestamp"`
}

// GPSTrack pairs a fix with the one preceding it for the same user and the
// great-circle distance between them. DistanceMeters is zero when there is
// no previous fix.
type GPSTrack struct {
	Fix            GPSFix  `json:"fix"`
	Previous       *GPSFix `json:"previous,omitempty"`
	DistanceMeters float64 `json:"distance_moved"`
}

func newTrack(fix GPSFix, prev *GPSFix) GPSTrack {
	t := GPSTrack{Fix: fix, Previous: prev}
	if prev != nil {
		t.DistanceMeters = geo.HaversineMeters(prev.Latitude, prev.Longitude, fix.Latitude, fix.Longitude)
	}
	return t
}

// RecordGPSFix validates and appends a fix, returning it with the distance
// from the user's preceding fix. The distance is derived, not stored.
func (db *DB) RecordGPSFix(ctx context.Context, userID string, lat, lon float64, at time.Time) (GPSTrack, error) {
	if !geo.ValidLatLon(lat, lon) {
		return GPSTrack{}, fmt.Errorf("%w: latitude %f longitude %f", ErrInvalidFix, lat, lon)
	}

	var track GPSTrack
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var prev *GPSFix
		p, err := scanFix(tx.QueryRowContext(ctx, `
			SELECT id, user_id, latitude, longitude, recorded_unix
			FROM gps_fixes
			WHERE user_id = ?
			ORDER BY recorded_unix DESC, id DESC
			LIMIT 1`, userID))
		switch {
		case err == nil:
			prev = p
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("query previous fix: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO gps_fixes (user_id, latitude, longitude, recorded_unix)
			VALUES (?, ?, ?, ?)`, userID, lat, lon, unixSeconds(at))
		if err != nil {
			return fmt.Errorf("insert gps fix: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		fix := GPSFix{ID: id, UserID: userID, Latitude: lat, Longitude: lon, RecordedAt: fromUnixSeconds(unixSeconds(at))}
		track = newTrack(fix, prev)
		return nil
	})
	return track, err
}

// LatestGPSTrack returns the user's newest fix paired with the one before
// it, or ErrNotFound when the user has no fixes.
func (db *DB) LatestGPSTrack(ctx context.Context, userID string) (GPSTrack, error) {
	fixes, err := db.LatestGPSFixes(ctx, userID, 2)
	if err != nil {
		return GPSTrack{}, err
	}
	if len(fixes) == 0 {
		return GPSTrack{}, ErrNotFound
	}
	var prev *GPSFix
	if len(fixes) > 1 {
		prev = &fixes[1]
	}
	return newTrack(fixes[0], prev), nil
}

// LatestGPSFixes returns up to limit of the user's fixes, newest first.
func (db *DB) LatestGPSFixes(ctx context.Context, userID string, limit int) ([]GPSFix, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, latitude, longitude, recorded_unix
		FROM gps_fixes
		WHERE user_id = ?
		ORDER BY recorded_unix DESC, id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query gps fixes: %w", err)
	}
	defer rows.Close()

	var out []GPSFix
	for rows.Next() {
		f, err := scanFix(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func scanFix(r rowScanner) (*GPSFix, error) {
	var (
		f  GPSFix
		at float64
	)
	if err := r.Scan(&f.ID, &f.UserID, &f.Latitude, &f.Longitude, &at); err != nil {
		return nil, err
	}
	f.RecordedAt = fromUnixSeconds(at)
	return &f, nil
}
