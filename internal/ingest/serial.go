package ingest

import (
	"context"
	"errors"

	"github.com/banshee-data/walker.report/internal/serialmux"
)

// ServeSerial feeds accelerometer lines from mux into rec until ctx is done
// or the mux closes. Lines that are not samples are skipped quietly; failed
// samples are logged.
func ServeSerial(ctx context.Context, mux serialmux.SerialMuxInterface, rec AccelRecorder, logf func(string, ...interface{})) error {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			sample, err := serialmux.ParseAccelLine(line)
			if errors.Is(err, serialmux.ErrNotAccelLine) {
				continue
			}
			if _, err := rec.RecordSample(ctx, sample.UserID, sample.WalkerID, sample.Ax, sample.Ay, sample.Az); err != nil {
				logf("[ingest] serial sample %q rejected: %v", line, err)
			}
		}
	}
}
