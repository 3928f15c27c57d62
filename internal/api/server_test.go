package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/walker.report/internal/config"
	"github.com/banshee-data/walker.report/internal/db"
	"github.com/banshee-data/walker.report/internal/detection"
	"github.com/banshee-data/walker.report/internal/frames"
	"github.com/banshee-data/walker.report/internal/hub"
	"github.com/banshee-data/walker.report/internal/motion"
	"github.com/banshee-data/walker.report/internal/timeutil"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	server  *Server
	handler http.Handler
	store   *db.DB
	clock   *timeutil.MockClock
	hub     *hub.Hub
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "walker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := timeutil.NewMockClock(t0)
	motionSvc := motion.NewService(store, motion.DefaultConfig(), clock, t.Logf)

	mcfg := detection.DefaultManagerConfig()
	mcfg.Loop.Interval = 10 * time.Millisecond
	mcfg.Loop.FrameTimeout = 50 * time.Millisecond
	mcfg.StopTimeout = time.Second
	sources := func(string) frames.Source {
		return &frames.StaticSource{Images: [][]byte{[]byte("frame")}, Interval: 5 * time.Millisecond}
	}
	engine := detection.NewStaticEngine([]detection.Detection{{Label: "person", Confidence: 0.95}})
	manager := detection.NewManager(store, engine, sources, mcfg, timeutil.RealClock{}, t.Logf)
	t.Cleanup(func() { manager.StopAll() })

	h := hub.New(nil, t.Logf)
	manager.SetPublisher(h)

	s := NewServer(store, motionSvc, manager, h, config.DefaultWalkerConfig(), clock)
	return &testEnv{server: s, handler: LoggingMiddleware(s.ServeMux()), store: store, clock: clock, hub: h}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestAccelerometer_WalkingScenario(t *testing.T) {
	e := setupTestServer(t)
	moving := `{"user_id":"u1","walker_id":"w1","ax":1.6,"ay":0,"az":0}`
	still := `{"user_id":"u1","walker_id":"w1","ax":0.2,"ay":0,"az":0}`

	var walking []bool
	for i, body := range []string{moving, moving, still, still, still, still, still} {
		if i > 0 {
			e.clock.Advance(time.Second)
		}
		w := e.do(t, http.MethodPost, "/api/accelerometer", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		out := decode(t, w)
		assert.Equal(t, "saved", out["status"])
		walking = append(walking, out["is_walking"].(bool))
	}
	assert.Equal(t, []bool{true, true, true, true, true, true, false}, walking)
}

func TestAccelerometer_BadRequests(t *testing.T) {
	e := setupTestServer(t)
	for _, body := range []string{
		`not json`,
		`{"user_id":"u1","walker_id":"w1","ax":1}`,
		`{"walker_id":"w1","ax":1,"ay":1,"az":1}`,
		`{"user_id":"u1","walker_id":"w1","ax":1,"ay":1,"az":1,"extra":true}`,
	} {
		w := e.do(t, http.MethodPost, "/api/accelerometer", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	w := e.do(t, http.MethodGet, "/api/accelerometer", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestActivity_StartStop(t *testing.T) {
	e := setupTestServer(t)
	body := `{"user_id":"u1","walker_id":"w1"}`

	w := e.do(t, http.MethodPost, "/api/activity/stop", body)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodPost, "/api/activity/start", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "2026-03-02 19:00:00", decode(t, w)["start_time"], "shown in Asia/Seoul")

	w = e.do(t, http.MethodPost, "/api/activity/start", body)
	assert.Equal(t, http.StatusConflict, w.Code)

	e.clock.Advance(30 * time.Minute)
	w = e.do(t, http.MethodPost, "/api/activity/stop", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.EqualValues(t, 30, out["duration_min"])
	assert.Equal(t, "2026-03-02 19:30:00", out["end_time"])

	w = e.do(t, http.MethodPost, "/api/activity/start", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreams_Lifecycle(t *testing.T) {
	e := setupTestServer(t)

	w := e.do(t, http.MethodPost, "/api/obstacle/stream/start?user_id=u1&walker_id=w1&stream_url=http://cam/stream", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id := decode(t, w)["stream_id"].(string)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		w := e.do(t, http.MethodGet, "/api/streams/"+id, "")
		if w.Code != http.StatusOK {
			return false
		}
		return decode(t, w)["iterations"].(float64) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	w = e.do(t, http.MethodGet, "/api/streams", "")
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "obstacle", list[0]["kind"])

	w = e.do(t, http.MethodPost, "/api/streams/"+id+"/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, true, out["was_running"])
	assert.Equal(t, true, out["loop_stopped"])

	w = e.do(t, http.MethodGet, "/api/streams/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodPost, "/api/streams/"+id+"/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["was_running"])

	w = e.do(t, http.MethodGet, "/api/obstacle/latest?user_id=u1&walker_id=w1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["is_detected"])
}

func TestStreams_Validation(t *testing.T) {
	e := setupTestServer(t)
	w := e.do(t, http.MethodPost, "/api/crack/stream/start?user_id=u1&stream_url=http://cam", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, http.MethodPost, "/api/crack/stream/start?user_id=u1&walker_id=w1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "no default stream URL configured")
}

func upload(t *testing.T, e *testEnv, path string, image []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if image != nil {
		fw, err := mw.CreateFormFile("file", "frame.jpg")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, path, &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func TestUploadAndLatest(t *testing.T) {
	e := setupTestServer(t)

	w := e.do(t, http.MethodGet, "/api/pothole/latest?user_id=u1&walker_id=w1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = upload(t, e, "/api/pothole/upload?user_id=u1&walker_id=w1", []byte{0xFF, 0xD8, 0xFF, 0xD9})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.True(t, strings.HasPrefix(out["detection_id"].(string), "crack_"))
	assert.Equal(t, true, out["is_detected"])
	assert.Equal(t, []interface{}{"person"}, out["labels"])

	w = e.do(t, http.MethodGet, "/api/crack/latest?user_id=u1&walker_id=w1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, out["detection_id"], decode(t, w)["detection_id"])

	w = upload(t, e, "/api/obstacle/upload?user_id=u1&walker_id=w1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = upload(t, e, "/api/obstacle/upload?user_id=u1", []byte{1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGPS(t *testing.T) {
	e := setupTestServer(t)

	w := e.do(t, http.MethodGet, "/api/gps/u1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodPost, "/api/gps/u1", `{"latitude":37.5665,"longitude":126.978}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Nil(t, out["prev_location"])
	assert.EqualValues(t, 0, out["distance_moved"])

	e.clock.Advance(time.Minute)
	w = e.do(t, http.MethodPost, "/api/gps/u1", `{"latitude":37.5675,"longitude":126.978}`)
	require.Equal(t, http.StatusOK, w.Code)
	out = decode(t, w)
	assert.Equal(t, []interface{}{37.5665, 126.978}, out["prev_location"])
	assert.InDelta(t, 111.2, out["distance_moved"].(float64), 1.0)

	w = e.do(t, http.MethodGet, "/api/gps/u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	out = decode(t, w)
	assert.Equal(t, 37.5675, out["latitude"])
	assert.InDelta(t, 111.2, out["distance_moved"].(float64), 1.0)

	w = e.do(t, http.MethodPost, "/api/gps/u1", `{"latitude":95,"longitude":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHeartRateAndReports(t *testing.T) {
	e := setupTestServer(t)

	for _, body := range []string{
		`{"user_id":"u1","heartrate":70}`,
		`{"user_id":"u1","heartrate":81}`,
		`{"user_id":"u1","heartrate":120,"timestamp":"2026-03-03T10:00:00Z"}`,
	} {
		w := e.do(t, http.MethodPost, "/api/heartrate", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	w := e.do(t, http.MethodPost, "/api/heartrate", `{"user_id":"u1","heartrate":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/heartrate/u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 3)
	assert.Equal(t, "high", list[0]["status"])
	assert.Equal(t, "normal", list[1]["status"])

	w = e.do(t, http.MethodGet, "/api/report/weekly-heartrate?user_id=u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	avg := decode(t, w)["weekly_averages"].(map[string]interface{})
	assert.EqualValues(t, 75, avg["Mon"])
	assert.EqualValues(t, 120, avg["Tue"])
	assert.EqualValues(t, 0, avg["Sun"])

	w = e.do(t, http.MethodGet, "/api/report/weekly-heartrate", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/report/weekly-heartrate.html?user_id=u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Average heart rate by weekday")
}

func TestWeeklyActivity(t *testing.T) {
	e := setupTestServer(t)
	body := `{"user_id":"u1","walker_id":"w1"}`
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/activity/start", body).Code)
	e.clock.Advance(90 * time.Minute)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/activity/stop", body).Code)

	w := e.do(t, http.MethodGet, "/api/report/weekly-activity?user_id=u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	totals := decode(t, w)["weekly_averages"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"Mon": "1h 30m"}, totals)
}

func TestConfig(t *testing.T) {
	e := setupTestServer(t)
	w := e.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "accel_threshold")

	w = e.do(t, http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dev", decode(t, w)["version"])
}

func TestWebsocketFeed(t *testing.T) {
	e := setupTestServer(t)
	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/obstacle")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/obstacle?user_id=u1&walker_id=w1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return e.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	w := upload(t, e, "/api/obstacle/upload?user_id=u1&walker_id=w1", []byte{1, 2, 3})
	require.Equal(t, http.StatusOK, w.Code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "u1", ev["user_id"])
	assert.Equal(t, true, ev["is_detected"])
}

func TestWebsocketWithoutHub(t *testing.T) {
	s := NewServer(nil, nil, nil, nil, nil, nil)
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/obstacle?user_id=u1&walker_id=w1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
