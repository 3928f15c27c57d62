package db

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Weekdays lists report buckets in display order.
var Weekdays = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

// WeekdayName returns the three-letter English abbreviation, e.g. "Mon".
func WeekdayName(d time.Weekday) string {
	return d.String()[:3]
}

type WeekdayHeartRate struct {
	Day     string `json:"day"`
	Average int    `json:"average"`
	Samples int    `json:"samples"`
}

type WeekdayActivity struct {
	Day      string `json:"day"`
	Minutes  int    `json:"minutes"`
	Sessions int    `json:"sessions"`
}

// FormatMinutes renders a minute count as "Xh Ym".
func FormatMinutes(m int) string {
	return fmt.Sprintf("%dh %dm", m/60, m%60)
}

func weekdayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// WeeklyHeartRate averages the user's heart rate per weekday over samples
// recorded since since, bucketed in loc. Every weekday is present; days
// without samples report zero. Averages are truncated to whole bpm.
func (db *DB) WeeklyHeartRate(ctx context.Context, userID string, since time.Time, loc *time.Location) ([]WeekdayHeartRate, error) {
	samples, err := db.HeartRatesSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	buckets := make([][]float64, 7)
	for _, s := range samples {
		i := weekdayIndex(s.RecordedAt.In(loc).Weekday())
		buckets[i] = append(buckets[i], float64(s.HeartRate))
	}

	out := make([]WeekdayHeartRate, 7)
	for i, d := range Weekdays {
		out[i] = WeekdayHeartRate{Day: WeekdayName(d), Samples: len(buckets[i])}
		if len(buckets[i]) > 0 {
			out[i].Average = int(stat.Mean(buckets[i], nil))
		}
	}
	return out, nil
}

// WeeklyActivity sums completed walking minutes per weekday of session
// start, for sessions started since since, bucketed in loc. Open sessions
// count towards Sessions but contribute no minutes.
func (db *DB) WeeklyActivity(ctx context.Context, userID string, since time.Time, loc *time.Location) ([]WeekdayActivity, error) {
	sessions, err := db.SessionsSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	out := make([]WeekdayActivity, 7)
	for i, d := range Weekdays {
		out[i].Day = WeekdayName(d)
	}
	for _, s := range sessions {
		i := weekdayIndex(s.StartTime.In(loc).Weekday())
		out[i].Sessions++
		if s.DurationMinutes != nil {
			out[i].Minutes += *s.DurationMinutes
		}
	}
	return out, nil
}
