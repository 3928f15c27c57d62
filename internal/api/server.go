// Package api is the HTTP surface over the motion, detection and telemetry
// services.
package api

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/walker.report/internal/config"
	"github.com/banshee-data/walker.report/internal/db"
	"github.com/banshee-data/walker.report/internal/detection"
	"github.com/banshee-data/walker.report/internal/httputil"
	"github.com/banshee-data/walker.report/internal/hub"
	"github.com/banshee-data/walker.report/internal/motion"
	"github.com/banshee-data/walker.report/internal/timeutil"
	"github.com/banshee-data/walker.report/internal/version"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// timeLayout is how session times are shown to guardians, in the report
// timezone.
const timeLayout = "2006-01-02 15:04:05"

type Server struct {
	store    *db.DB
	motion   *motion.Service
	detector *detection.Manager
	hub      *hub.Hub
	cfg      *config.WalkerConfig
	clock    timeutil.Clock
}

// NewServer wires the HTTP handlers. h may be nil, in which case the
// websocket feed answers 503.
func NewServer(store *db.DB, motionSvc *motion.Service, detector *detection.Manager, h *hub.Hub, cfg *config.WalkerConfig, clock timeutil.Clock) *Server {
	if cfg == nil {
		cfg = config.DefaultWalkerConfig()
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{store: store, motion: motionSvc, detector: detector, hub: h, cfg: cfg, clock: clock}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack is needed for the websocket upgrade.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// kindRoutes are the path names accepted for each detection kind.
var kindRoutes = []string{"obstacle", "crack", "pothole"}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/accelerometer", s.handleAccelerometer)
	mux.HandleFunc("POST /api/activity/start", s.handleActivityStart)
	mux.HandleFunc("POST /api/activity/stop", s.handleActivityStop)

	for _, name := range kindRoutes {
		kind, _ := detection.ParseKind(name)
		mux.HandleFunc("POST /api/"+name+"/stream/start", s.handleStreamStart(kind))
		mux.HandleFunc("POST /api/"+name+"/upload", s.handleUpload(kind))
		mux.HandleFunc("GET /api/"+name+"/latest", s.handleLatest(kind))
	}
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/streams/{id}", s.handleStreamStatus)
	mux.HandleFunc("POST /api/streams/{id}/stop", s.handleStreamStop)
	mux.HandleFunc("GET /ws/{kind}", s.handleWebsocket)

	mux.HandleFunc("POST /api/gps/{user_id}", s.handleGPSCreate)
	mux.HandleFunc("GET /api/gps/{user_id}", s.handleGPSLatest)
	mux.HandleFunc("POST /api/heartrate", s.handleHeartRateCreate)
	mux.HandleFunc("GET /api/heartrate/{user_id}", s.handleHeartRateList)

	mux.HandleFunc("GET /api/report/weekly-heartrate", s.handleWeeklyHeartRate)
	mux.HandleFunc("GET /api/report/weekly-heartrate.html", s.handleWeeklyHeartRateChart)
	mux.HandleFunc("GET /api/report/weekly-activity", s.handleWeeklyActivity)

	mux.HandleFunc("GET /api/config", s.showConfig)
	mux.HandleFunc("GET /api/version", s.showVersion)
	return mux
}

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, motion.ErrInvalidSample),
		errors.Is(err, detection.ErrInvalidRequest),
		errors.Is(err, detection.ErrUnknownKind),
		errors.Is(err, db.ErrInvalidFix):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, db.ErrSessionConflict):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, db.ErrNoOpenSession),
		errors.Is(err, db.ErrNotFound),
		errors.Is(err, detection.ErrStreamNotFound):
		httputil.NotFound(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.cfg)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, version.Get())
}

func (s *Server) heartRateBand() db.HeartRateBand {
	return db.HeartRateBand{Low: s.cfg.GetHeartRateLow(), High: s.cfg.GetHeartRateHigh()}
}

func (s *Server) localTime(t time.Time) string {
	return t.In(s.cfg.GetReportLocation()).Format(timeLayout)
}
