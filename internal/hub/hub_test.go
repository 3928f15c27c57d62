package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/walker.report/internal/db"
)

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg := <-c.Send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestHub_BroadcastLocal(t *testing.T) {
	h := New(nil, t.Logf)
	a := h.Register("obstacle:u1:w1")
	b := h.Register("obstacle:u1:w2")
	defer h.Unregister(a)
	defer h.Unregister(b)

	h.Broadcast("obstacle:u1:w1", []byte("hello"))
	assert.Equal(t, "hello", string(receive(t, a)))
	select {
	case <-b.Send:
		t.Fatal("other topic must not receive")
	default:
	}
	assert.Equal(t, 2, h.ClientCount())
}

func TestHub_UnregisterCloses(t *testing.T) {
	h := New(nil, nil)
	c := h.Register("t")
	h.Unregister(c)
	h.Unregister(c)
	_, ok := <-c.Send
	assert.False(t, ok)
	assert.Zero(t, h.ClientCount())
}

func TestHub_SlowClientDrops(t *testing.T) {
	h := New(nil, nil)
	c := h.Register("t")
	for i := 0; i < 100; i++ {
		h.Broadcast("t", []byte("x"))
	}
	assert.Len(t, c.Send, cap(c.Send))
}

func TestHub_PublishEvent(t *testing.T) {
	h := New(nil, nil)
	c := h.Register(Topic("crack", "u1", "w1"))
	ev := db.DetectionEvent{DetectionID: "crack_1", UserID: "u1", WalkerID: "w1", Kind: "crack", Labels: []string{"pothole"}, IsDetected: true}
	h.Publish(ev)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(receive(t, c), &got))
	assert.Equal(t, "crack_1", got["detection_id"])
	assert.Equal(t, true, got["is_detected"])
}

func TestHub_RedisRelaysBetweenHubs(t *testing.T) {
	s := miniredis.RunT(t)

	r1 := Connect(s.Addr(), "")
	r2 := Connect(s.Addr(), "")
	defer r1.Close()
	defer r2.Close()

	sender := New(r1, t.Logf)
	receiver := New(r2, t.Logf)
	defer sender.Close()
	defer receiver.Close()

	local := sender.Register("obstacle:u1:w1")
	remote := receiver.Register("obstacle:u1:w1")

	sender.Broadcast("obstacle:u1:w1", []byte("ping"))
	assert.Equal(t, "ping", string(receive(t, local)), "delivered once via the relay")
	assert.Equal(t, "ping", string(receive(t, remote)))

	select {
	case <-local.Send:
		t.Fatal("local client received a duplicate")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_RedisDownFallsBackToLocal(t *testing.T) {
	s := miniredis.RunT(t)
	r := Connect(s.Addr(), "")
	defer r.Close()
	h := New(r, t.Logf)
	defer h.Close()

	c := h.Register("t")
	s.Close()
	h.Broadcast("t", []byte("still here"))
	assert.Equal(t, "still here", string(receive(t, c)))
}

func TestConnect_Empty(t *testing.T) {
	assert.Nil(t, Connect("", ""))
}

func TestServeWS(t *testing.T) {
	h := New(nil, t.Logf)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "obstacle:u1:w1")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	h.Broadcast("obstacle:u1:w1", []byte(`{"is_detected":true}`))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"is_detected":true}`, string(msg))

	conn.Close()
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
