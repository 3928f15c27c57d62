// Package ingest feeds telemetry that arrives over MQTT or a serial line
// into the same services the HTTP API uses.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/walker.report/internal/db"
	"github.com/banshee-data/walker.report/internal/motion"
	"github.com/banshee-data/walker.report/internal/timeutil"
)

// TopicRoot is the first level of every telemetry topic.
const TopicRoot = "walker"

var (
	ErrUnknownTopic = errors.New("unknown telemetry topic")
	ErrBadPayload   = errors.New("malformed telemetry payload")
)

// AccelRecorder is satisfied by *motion.Service.
type AccelRecorder interface {
	RecordSample(ctx context.Context, userID, walkerID string, ax, ay, az float64) (motion.Result, error)
}

// TelemetryStore is satisfied by *db.DB.
type TelemetryStore interface {
	RecordGPSFix(ctx context.Context, userID string, lat, lon float64, at time.Time) (db.GPSTrack, error)
	InsertHeartRate(ctx context.Context, userID string, bpm int, at time.Time) (db.HeartRateSample, error)
}

type accelPayload struct {
	Ax *float64 `json:"ax"`
	Ay *float64 `json:"ay"`
	Az *float64 `json:"az"`
}

type gpsPayload struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Timestamp float64  `json:"timestamp,omitempty"`
}

type heartRatePayload struct {
	HeartRate *int    `json:"heartrate"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// Dispatcher routes one telemetry message by topic:
//
//	walker/{user_id}/{walker_id}/accel  {"ax","ay","az"}
//	walker/{user_id}/gps                {"latitude","longitude"[,"timestamp"]}
//	walker/{user_id}/heartrate          {"heartrate"[,"timestamp"]}
//
// Timestamps are optional unix seconds; the current time is used without one.
type Dispatcher struct {
	accel AccelRecorder
	store TelemetryStore
	clock timeutil.Clock
	logf  func(format string, v ...interface{})

	handled  atomic.Int64
	rejected atomic.Int64
}

func NewDispatcher(accel AccelRecorder, store TelemetryStore, clock timeutil.Clock, logf func(string, ...interface{})) *Dispatcher {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Dispatcher{accel: accel, store: store, clock: clock, logf: logf}
}

// Dispatch handles one message. Errors are counted and returned; callers
// that cannot do anything with them log and move on.
func (d *Dispatcher) Dispatch(ctx context.Context, topic string, payload []byte) error {
	err := d.dispatch(ctx, topic, payload)
	if err != nil {
		d.rejected.Add(1)
		return err
	}
	d.handled.Add(1)
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != TopicRoot {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	for _, p := range parts[1:] {
		if p == "" {
			return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
		}
	}
	userID := parts[1]

	switch {
	case len(parts) == 4 && parts[3] == "accel":
		var p accelPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if p.Ax == nil || p.Ay == nil || p.Az == nil {
			return fmt.Errorf("%w: ax, ay and az are required", ErrBadPayload)
		}
		_, err := d.accel.RecordSample(ctx, userID, parts[2], *p.Ax, *p.Ay, *p.Az)
		return err

	case len(parts) == 3 && parts[2] == "gps":
		var p gpsPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if p.Latitude == nil || p.Longitude == nil {
			return fmt.Errorf("%w: latitude and longitude are required", ErrBadPayload)
		}
		_, err := d.store.RecordGPSFix(ctx, userID, *p.Latitude, *p.Longitude, d.at(p.Timestamp))
		return err

	case len(parts) == 3 && parts[2] == "heartrate":
		var p heartRatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if p.HeartRate == nil {
			return fmt.Errorf("%w: heartrate is required", ErrBadPayload)
		}
		_, err := d.store.InsertHeartRate(ctx, userID, *p.HeartRate, d.at(p.Timestamp))
		return err
	}
	return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
}

func (d *Dispatcher) at(unix float64) time.Time {
	if unix <= 0 {
		return d.clock.Now()
	}
	sec, frac := math.Modf(unix)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// Handled and Rejected count messages since start.
func (d *Dispatcher) Handled() int64  { return d.handled.Load() }
func (d *Dispatcher) Rejected() int64 { return d.rejected.Load() }
