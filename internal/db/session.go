package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionSource records which path opened a walking session.
type SessionSource string

const (
	// SourceManual sessions come from the explicit start/stop API and are
	// never closed by motion inference.
	SourceManual SessionSource = "manual"
	// SourceMotion sessions are opened and closed by the motion tracker.
	SourceMotion SessionSource = "motion"
)

// WalkingSession is one walk. EndTime and DurationMinutes are nil while the
// session is open.
type WalkingSession struct {
	ID              int64         `json:"id"`
	UserID          string        `json:"user_id"`
	WalkerID        string        `json:"walker_id"`
	Source          SessionSource `json:"source"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	DurationMinutes *int          `json:"duration_minutes,omitempty"`
}

// Open reports whether the session has not been closed yet.
func (s *WalkingSession) Open() bool { return s.EndTime == nil }

// SessionDuration returns whole elapsed minutes between start and end,
// rounded down. Clock skew that puts end before start yields zero.
func SessionDuration(start, end time.Time) int {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

const sessionColumns = `id, user_id, walker_id, source, start_unix, end_unix, duration_minutes`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(r rowScanner) (*WalkingSession, error) {
	var (
		s        WalkingSession
		source   string
		start    float64
		end      sql.NullFloat64
		duration sql.NullInt64
	)
	if err := r.Scan(&s.ID, &s.UserID, &s.WalkerID, &source, &start, &end, &duration); err != nil {
		return nil, err
	}
	s.Source = SessionSource(source)
	s.StartTime = fromUnixSeconds(start)
	if end.Valid {
		t := fromUnixSeconds(end.Float64)
		s.EndTime = &t
	}
	if duration.Valid {
		d := int(duration.Int64)
		s.DurationMinutes = &d
	}
	return &s, nil
}

func openSessionTx(ctx context.Context, tx *sql.Tx, userID, walkerID string) (*WalkingSession, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM walking_sessions
		WHERE user_id = ? AND walker_id = ? AND end_unix IS NULL
		ORDER BY start_unix DESC
		LIMIT 1`, userID, walkerID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoOpenSession
	}
	return s, err
}

// OpenSession starts a session for the key. It fails with ErrSessionConflict
// when one is already open.
func (db *DB) OpenSession(ctx context.Context, userID, walkerID string, source SessionSource, start time.Time) (*WalkingSession, error) {
	var out *WalkingSession
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if existing, err := openSessionTx(ctx, tx, userID, walkerID); err == nil {
			return fmt.Errorf("%w: session %d for user %s walker %s", ErrSessionConflict, existing.ID, userID, walkerID)
		} else if !errors.Is(err, ErrNoOpenSession) {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO walking_sessions (user_id, walker_id, source, start_unix)
			VALUES (?, ?, ?, ?)`,
			userID, walkerID, string(source), unixSeconds(start))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s walker %s", ErrSessionConflict, userID, walkerID)
		}
		if err != nil {
			return fmt.Errorf("insert walking session: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		out = &WalkingSession{
			ID:        id,
			UserID:    userID,
			WalkerID:  walkerID,
			Source:    source,
			StartTime: fromUnixSeconds(unixSeconds(start)),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CloseSession ends the open session for the key at end and writes back its
// duration in whole minutes. It fails with ErrNoOpenSession when there is
// nothing to close.
func (db *DB) CloseSession(ctx context.Context, userID, walkerID string, end time.Time) (*WalkingSession, error) {
	return db.closeSession(ctx, userID, walkerID, end, "")
}

// CloseSessionFrom closes the open session only if it was opened by source.
// A session opened by another source is left untouched and reported as
// ErrNoOpenSession.
func (db *DB) CloseSessionFrom(ctx context.Context, userID, walkerID string, source SessionSource, end time.Time) (*WalkingSession, error) {
	return db.closeSession(ctx, userID, walkerID, end, source)
}

func (db *DB) closeSession(ctx context.Context, userID, walkerID string, end time.Time, source SessionSource) (*WalkingSession, error) {
	var out *WalkingSession
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		s, err := openSessionTx(ctx, tx, userID, walkerID)
		if err != nil {
			return err
		}
		if source != "" && s.Source != source {
			return fmt.Errorf("%w: open session %d is %s", ErrNoOpenSession, s.ID, s.Source)
		}

		endAt := fromUnixSeconds(unixSeconds(end))
		duration := SessionDuration(s.StartTime, endAt)
		if _, err := tx.ExecContext(ctx, `
			UPDATE walking_sessions
			SET end_unix = ?, duration_minutes = ?
			WHERE id = ?`,
			unixSeconds(endAt), duration, s.ID); err != nil {
			return fmt.Errorf("close walking session %d: %w", s.ID, err)
		}
		s.EndTime = &endAt
		s.DurationMinutes = &duration
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OpenSessionFor returns the open session for the key, or ErrNoOpenSession.
func (db *DB) OpenSessionFor(ctx context.Context, userID, walkerID string) (*WalkingSession, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM walking_sessions
		WHERE user_id = ? AND walker_id = ? AND end_unix IS NULL
		ORDER BY start_unix DESC
		LIMIT 1`, userID, walkerID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoOpenSession
	}
	return s, err
}

// OpenSessions lists every open session across all keys, oldest first.
func (db *DB) OpenSessions(ctx context.Context) ([]WalkingSession, error) {
	return db.querySessions(ctx, `
		SELECT `+sessionColumns+`
		FROM walking_sessions
		WHERE end_unix IS NULL
		ORDER BY start_unix ASC`)
}

// SessionsSince returns every session for the user, across walkers, that
// started at or after since, oldest first.
func (db *DB) SessionsSince(ctx context.Context, userID string, since time.Time) ([]WalkingSession, error) {
	return db.querySessions(ctx, `
		SELECT `+sessionColumns+`
		FROM walking_sessions
		WHERE user_id = ? AND start_unix >= ?
		ORDER BY start_unix ASC`, userID, unixSeconds(since))
}

func (db *DB) querySessions(ctx context.Context, query string, args ...interface{}) ([]WalkingSession, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query walking sessions: %w", err)
	}
	defer rows.Close()

	var out []WalkingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
