package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/walker.report/internal/db"
	"github.com/banshee-data/walker.report/internal/httputil"
)

type gpsRequest struct {
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func location(f *db.GPSFix) []float64 {
	if f == nil {
		return nil
	}
	return []float64{f.Latitude, f.Longitude}
}

func (s *Server) handleGPSCreate(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	var req gpsRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		httputil.BadRequest(w, "latitude and longitude are required")
		return
	}
	at := s.clock.Now()
	if req.Timestamp != nil {
		at = *req.Timestamp
	}
	track, err := s.store.RecordGPSFix(r.Context(), userID, *req.Latitude, *req.Longitude, at)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"message":        "GPS data recorded",
		"user_id":        userID,
		"prev_location":  location(track.Previous),
		"new_location":   location(&track.Fix),
		"distance_moved": track.DistanceMeters,
	})
}

func (s *Server) handleGPSLatest(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	track, err := s.store.LatestGPSTrack(r.Context(), userID)
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, "no GPS data found for this user")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"user_id":        userID,
		"latitude":       track.Fix.Latitude,
		"longitude":      track.Fix.Longitude,
		"timestamp":      track.Fix.RecordedAt,
		"distance_moved": track.DistanceMeters,
		"prev_location":  location(track.Previous),
	})
}

type heartRateRequest struct {
	UserID    string     `json:"user_id"`
	HeartRate int        `json:"heartrate"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type heartRateView struct {
	db.HeartRateSample
	Status string `json:"status"`
}

func (s *Server) handleHeartRateCreate(w http.ResponseWriter, r *http.Request) {
	var req heartRateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.UserID == "" || req.HeartRate <= 0 {
		httputil.BadRequest(w, "user_id and a positive heartrate are required")
		return
	}
	at := s.clock.Now()
	if req.Timestamp != nil {
		at = *req.Timestamp
	}
	sample, err := s.store.InsertHeartRate(r.Context(), req.UserID, req.HeartRate, at)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"message": "heart rate recorded",
		"data":    heartRateView{sample, s.heartRateBand().Classify(sample.HeartRate)},
	})
}

func (s *Server) handleHeartRateList(w http.ResponseWriter, r *http.Request) {
	samples, err := s.store.HeartRates(r.Context(), r.PathValue("user_id"), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	band := s.heartRateBand()
	out := make([]heartRateView, len(samples))
	for i, hr := range samples {
		out[i] = heartRateView{hr, band.Classify(hr.HeartRate)}
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httputil.BadRequest(w, "user_id is required")
		return "", false
	}
	return userID, true
}

// weeklyHeartRate covers the user's whole history.
func (s *Server) weeklyHeartRate(r *http.Request, userID string) ([]db.WeekdayHeartRate, error) {
	return s.store.WeeklyHeartRate(r.Context(), userID, time.Time{}, s.cfg.GetReportLocation())
}

func (s *Server) handleWeeklyHeartRate(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	days, err := s.weeklyHeartRate(r, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	averages := make(map[string]int, len(days))
	for _, d := range days {
		averages[d.Day] = d.Average
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"user_id":         userID,
		"weekly_averages": averages,
		"days":            days,
	})
}

// handleWeeklyActivity sums the last seven days of walking. Days without
// sessions are left out of weekly_averages.
func (s *Server) handleWeeklyActivity(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	since := s.clock.Now().Add(-7 * 24 * time.Hour)
	days, err := s.store.WeeklyActivity(r.Context(), userID, since, s.cfg.GetReportLocation())
	if err != nil {
		writeError(w, err)
		return
	}
	totals := make(map[string]string)
	for _, d := range days {
		if d.Sessions > 0 {
			totals[d.Day] = db.FormatMinutes(d.Minutes)
		}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"user_id":         userID,
		"weekly_averages": totals,
		"days":            days,
	})
}

func (s *Server) handleWeeklyHeartRateChart(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	days, err := s.weeklyHeartRate(r, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	x := make([]string, len(days))
	y := make([]opts.BarData, len(days))
	for i, d := range days {
		x[i] = d.Day
		y[i] = opts.BarData{Value: d.Average}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Weekly heart rate", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Average heart rate by weekday", Subtitle: fmt.Sprintf("user=%s tz=%s", userID, s.cfg.GetReportLocation())}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "bpm"}),
	)
	bar.SetXAxis(x).
		AddSeries("average", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
