package api

import (
	"net/http"

	"github.com/banshee-data/walker.report/internal/httputil"
	"github.com/banshee-data/walker.report/internal/motion"
)

type accelRequest struct {
	UserID   string   `json:"user_id"`
	WalkerID string   `json:"walker_id"`
	Ax       *float64 `json:"ax"`
	Ay       *float64 `json:"ay"`
	Az       *float64 `json:"az"`
}

type accelResponse struct {
	Status string `json:"status"`
	motion.Result
}

func (s *Server) handleAccelerometer(w http.ResponseWriter, r *http.Request) {
	var req accelRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Ax == nil || req.Ay == nil || req.Az == nil {
		httputil.BadRequest(w, "ax, ay and az are required")
		return
	}
	res, err := s.motion.RecordSample(r.Context(), req.UserID, req.WalkerID, *req.Ax, *req.Ay, *req.Az)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, accelResponse{Status: "saved", Result: res})
}

type activityRequest struct {
	UserID   string `json:"user_id"`
	WalkerID string `json:"walker_id"`
}

func (s *Server) decodeActivity(w http.ResponseWriter, r *http.Request) (activityRequest, bool) {
	var req activityRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return req, false
	}
	if req.UserID == "" || req.WalkerID == "" {
		httputil.BadRequest(w, "user_id and walker_id are required")
		return req, false
	}
	return req, true
}

func (s *Server) handleActivityStart(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeActivity(w, r)
	if !ok {
		return
	}
	sess, err := s.motion.StartSession(r.Context(), req.UserID, req.WalkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"message":    "activity started",
		"start_time": s.localTime(sess.StartTime),
		"session":    sess,
	})
}

func (s *Server) handleActivityStop(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeActivity(w, r)
	if !ok {
		return
	}
	sess, err := s.motion.StopSession(r.Context(), req.UserID, req.WalkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"message":    "activity stopped",
		"start_time": s.localTime(sess.StartTime),
		"session":    sess,
	}
	if sess.EndTime != nil {
		resp["end_time"] = s.localTime(*sess.EndTime)
	}
	if sess.DurationMinutes != nil {
		resp["duration_min"] = *sess.DurationMinutes
	}
	httputil.WriteJSONOK(w, resp)
}
