package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/banshee-data/walker.report/internal/db"
	"github.com/banshee-data/walker.report/internal/detection"
	"github.com/banshee-data/walker.report/internal/httputil"
	"github.com/banshee-data/walker.report/internal/hub"
)

// maxUploadBytes bounds a single uploaded image.
const maxUploadBytes = 16 << 20

func (s *Server) handleStreamStart(kind detection.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		h, err := s.detector.Start(detection.StartRequest{
			UserID:    q.Get("user_id"),
			WalkerID:  q.Get("walker_id"),
			Kind:      kind,
			StreamURL: q.Get("stream_url"),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, map[string]interface{}{
			"message":    "stream detection started",
			"stream_id":  h.ID,
			"stream_url": h.StreamURL,
			"started_at": h.StartedAt,
		})
	}
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.detector.Stop(r.PathValue("id")))
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.detector.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, st)
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.detector.List())
}

func (s *Server) handleUpload(kind detection.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		file, _, err := r.FormFile("file")
		if err != nil {
			httputil.BadRequest(w, "multipart field 'file' is required")
			return
		}
		defer file.Close()
		image, err := io.ReadAll(file)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}

		q := r.URL.Query()
		ev, err := s.detector.Upload(r.Context(), kind, q.Get("user_id"), q.Get("walker_id"), image)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, ev)
	}
}

func (s *Server) handleLatest(kind detection.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		ev, err := s.detector.Latest(r.Context(), kind, q.Get("user_id"), q.Get("walker_id"))
		if errors.Is(err, db.ErrNotFound) {
			httputil.NotFound(w, "no detections recorded")
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, ev)
	}
}

// handleWebsocket streams detection events for one key as they are stored.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "live feed unavailable")
		return
	}
	kind, err := detection.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	userID, walkerID := q.Get("user_id"), q.Get("walker_id")
	if userID == "" || walkerID == "" {
		httputil.BadRequest(w, "user_id and walker_id are required")
		return
	}
	s.hub.ServeWS(w, r, hub.Topic(string(kind), userID, walkerID))
}
