package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"opsconsole/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSubscriber struct {
	id   string
	fail bool

	mu       sync.Mutex
	received [][]byte
	closed   bool
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(payload []byte) error {
	if f.fail {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, payload)
	return nil
}

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSubscriber) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.received...)
}

func newTestHub(t *testing.T, cfg HubConfig) *Hub {
	t.Helper()
	return NewHub(cfg, zaptest.NewLogger(t).Sugar())
}

func TestHub_BroadcastWithNoSubscribers(t *testing.T) {
	hub := newTestHub(t, DefaultHubConfig())
	assert.NoError(t, hub.BroadcastMetrics(domain.SystemMetrics{ActiveRooms: 1}))
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHub_FailingSubscriberIsRemoved(t *testing.T) {
	hub := newTestHub(t, DefaultHubConfig())
	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b", fail: true}
	c := &fakeSubscriber{id: "c"}
	hub.Connect(a)
	hub.Connect(b)
	hub.Connect(c)

	require.NoError(t, hub.BroadcastAlert(domain.Alert{ID: "al-1", Title: "High Participant Count"}))

	assert.Len(t, a.messages(), 1)
	assert.Len(t, c.messages(), 1)
	assert.Equal(t, 2, hub.ClientCount())
	assert.True(t, b.closed)

	stats := hub.Stats()
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestHub_EnvelopeShape(t *testing.T) {
	hub := newTestHub(t, DefaultHubConfig())
	sub := &fakeSubscriber{id: "a"}
	hub.Connect(sub)

	require.NoError(t, hub.BroadcastRoomUpdate(domain.RoomEvent{
		Type:           domain.ParticipantLeft,
		RoomSID:        "RM_1",
		ParticipantSID: "PA_1",
		IsDisconnect:   true,
	}))

	msgs := sub.messages()
	require.Len(t, msgs, 1)

	var env struct {
		Type string                 `json:"type"`
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msgs[0], &env))
	assert.Equal(t, "room_update", env.Type)
	assert.Equal(t, "participant_left", env.Data["type"])
	assert.Equal(t, "RM_1", env.Data["room_sid"])
	assert.Equal(t, true, env.Data["is_disconnect"])
}

func TestHub_DisconnectIsIdempotent(t *testing.T) {
	hub := newTestHub(t, DefaultHubConfig())
	sub := &fakeSubscriber{id: "a"}

	hub.Connect(sub)
	hub.Disconnect(sub)
	hub.Disconnect(sub)

	assert.Equal(t, 0, hub.ClientCount())
}

func TestHub_HeartbeatStartStop(t *testing.T) {
	cfg := DefaultHubConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	hub := newTestHub(t, cfg)
	sub := &fakeSubscriber{id: "a"}
	hub.Connect(sub)

	hub.StartHeartbeat(context.Background())
	hub.StartHeartbeat(context.Background())

	assert.Eventually(t, func() bool { return len(sub.messages()) >= 2 }, time.Second, 5*time.Millisecond)

	hub.StopHeartbeat()
	n := len(sub.messages())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(sub.messages()), "no heartbeats after stop returns")

	var env domain.Envelope
	require.NoError(t, json.Unmarshal(sub.messages()[0], &env))
	assert.Equal(t, domain.MessageHeartbeat, env.Type)

	hub.StopHeartbeat()
}

func TestHub_ConcurrentBroadcastAndMembership(t *testing.T) {
	hub := newTestHub(t, DefaultHubConfig())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub := &fakeSubscriber{id: string(rune('a'+i)) + string(rune('a'+j%26)), fail: j%7 == 0}
				hub.Connect(sub)
				_ = hub.BroadcastMetrics(domain.SystemMetrics{})
				if j%3 == 0 {
					hub.Disconnect(sub)
				}
			}
		}(i)
	}
	wg.Wait()

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())
}

func startWSServer(t *testing.T, hub *Hub) (*httptest.Server, string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(server.Close)
	return server, "ws" + server.URL[4:]
}

func TestHub_WebSocketPingPong(t *testing.T) {
	hub := newTestHub(t, DefaultHubConfig())
	_, wsURL := startWSServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// malformed frames are ignored and the connection stays open
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, map[string]interface{}{"type": "pong"}, reply)
}

func TestHub_WebSocketReceivesBroadcast(t *testing.T) {
	hub := newTestHub(t, DefaultHubConfig())
	_, wsURL := startWSServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.BroadcastMetrics(domain.SystemMetrics{ActiveRooms: 4, TotalParticipants: 17}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Type string               `json:"type"`
		Data domain.SystemMetrics `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "metrics_update", env.Type)
	assert.Equal(t, 4, env.Data.ActiveRooms)
	assert.Equal(t, 17, env.Data.TotalParticipants)
}

func TestHub_WebSocketDisconnectDeregisters(t *testing.T) {
	hub := newTestHub(t, DefaultHubConfig())
	_, wsURL := startWSServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_WebSocketRejectsUnknownOrigin(t *testing.T) {
	cfg := DefaultHubConfig()
	cfg.AllowedOrigins = []string{"http://localhost:5173"}
	hub := newTestHub(t, cfg)
	_, wsURL := startWSServer(t, hub)

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://localhost:5173")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	conn.Close()
}
