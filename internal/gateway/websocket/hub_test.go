package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoid/zoid/internal/common/logger"
	"github.com/zoid/zoid/internal/eventlog"
	"github.com/zoid/zoid/internal/events"
	"github.com/zoid/zoid/internal/events/bus"
	"github.com/zoid/zoid/internal/store"
)

type wsFixture struct {
	hub *Hub
	bus *bus.MemoryBus
	log *eventlog.Log
	srv *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	st, err := store.NewStateStore(filepath.Join(t.TempDir(), "zoid.db"), 50)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	eventLog := eventlog.NewLog(st)

	memBus := bus.NewMemoryBus(log)
	t.Cleanup(memBus.Close)

	hub := NewHub(eventLog, log)
	require.NoError(t, hub.Attach(memBus))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewHandler(hub, log)
	router.GET("/ws", handler.HandleConnection)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &wsFixture{hub: hub, bus: memBus, log: eventLog, srv: srv}
}

// wsConn wraps a client connection and deals with the write pump's frame
// batching (newline-separated messages in one frame).
type wsConn struct {
	conn    *gorillaws.Conn
	pending []string
}

func (f *wsFixture) dial(t *testing.T) *wsConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsConn{conn: conn}
}

func (c *wsConn) next(t *testing.T) map[string]interface{} {
	t.Helper()
	if len(c.pending) == 0 {
		require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := c.conn.ReadMessage()
		require.NoError(t, err)
		c.pending = strings.Split(string(data), "\n")
	}
	raw := c.pending[0]
	c.pending = c.pending[1:]

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return msg
}

func (c *wsConn) send(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, c.conn.WriteJSON(v))
}

func TestHub_ConnectedHandshake(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t)

	msg := c.next(t)
	assert.Equal(t, "connected", msg["type"])
	assert.Equal(t, float64(1), msg["clients"])

	require.Eventually(t, func() bool {
		return f.hub.GetClientCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHub_PingPong(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t)
	c.next(t) // connected

	c.send(t, map[string]string{"type": "ping"})
	msg := c.next(t)
	assert.Equal(t, "pong", msg["type"])
}

func TestHub_BroadcastsBusEvents(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t)
	c.next(t) // connected

	ev := events.New(events.KindStateChange, "demo", map[string]interface{}{"to": "working"})
	require.NoError(t, f.bus.Publish(context.Background(), events.SubjectFor(ev.Kind), ev))

	msg := c.next(t)
	assert.Equal(t, "event", msg["type"])
	payload := msg["event"].(map[string]interface{})
	assert.Equal(t, string(events.KindStateChange), payload["kind"])
	assert.Equal(t, "demo", payload["session_key"])
}

func TestHub_SubscribeFilters(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t)
	c.next(t) // connected

	c.send(t, map[string]interface{}{"type": "subscribe", "sessions": []string{"alpha"}})
	msg := c.next(t)
	assert.Equal(t, "subscribed", msg["type"])

	// An event for another session is filtered out; the next one for the
	// subscribed session comes through.
	require.NoError(t, f.bus.Publish(context.Background(),
		events.SubjectFor(events.KindProgress),
		events.New(events.KindProgress, "beta", nil)))
	require.NoError(t, f.bus.Publish(context.Background(),
		events.SubjectFor(events.KindProgress),
		events.New(events.KindProgress, "alpha", nil)))

	msg = c.next(t)
	require.Equal(t, "event", msg["type"])
	payload := msg["event"].(map[string]interface{})
	assert.Equal(t, "alpha", payload["session_key"])
}

func TestHub_SubscribeReplaysRetainedLog(t *testing.T) {
	f := newWSFixture(t)

	// Two retained events from before the client connected.
	first := events.New(events.KindStateChange, "demo", map[string]interface{}{"to": "working"})
	first.Timestamp = time.Unix(1000, 0).UTC()
	second := events.New(events.KindProgress, "demo", map[string]interface{}{"percent": 40})
	second.Timestamp = time.Unix(1001, 0).UTC()
	require.NoError(t, f.log.Record(context.Background(), first))
	require.NoError(t, f.log.Record(context.Background(), second))

	c := f.dial(t)
	c.next(t) // connected

	c.send(t, map[string]interface{}{"type": "subscribe", "sessions": []string{}})
	msg := c.next(t)
	require.Equal(t, "subscribed", msg["type"])

	// Replay arrives oldest first.
	msg = c.next(t)
	require.Equal(t, "event", msg["type"])
	assert.Equal(t, first.ID, msg["event"].(map[string]interface{})["id"])

	msg = c.next(t)
	require.Equal(t, "event", msg["type"])
	assert.Equal(t, second.ID, msg["event"].(map[string]interface{})["id"])
}

func TestClient_SendAfterCloseIsDropped(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	c := NewClient("c1", nil, nil, log)
	assert.True(t, c.trySend([]byte(`{"type":"event"}`)))

	c.close()
	c.close() // idempotent

	// A shutdown racing a broadcast drops the message instead of sending
	// on a closed channel.
	assert.False(t, c.trySend([]byte(`{"type":"event"}`)))
	c.sendJSON(map[string]string{"type": "pong"})
}

func TestHub_ClientCountDropsOnClose(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t)
	c.next(t) // connected

	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool {
		return f.hub.GetClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
