package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapdesk/internal/activity"
	"github.com/alanyoungcy/swapdesk/internal/bus"
	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/testutil"
)

// signalingBus reports each subscription so tests publish only once the
// hub is listening.
type signalingBus struct {
	*bus.Memory
	subscribed chan string
}

func (b *signalingBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch, err := b.Memory.Subscribe(ctx, channel)
	b.subscribed <- channel
	return ch, err
}

func startHub(t *testing.T) (*Hub, *signalingBus, *httptest.Server) {
	t.Helper()
	b := &signalingBus{Memory: bus.NewMemory(), subscribed: make(chan string, 2)}
	hub := NewHub(b, nil, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	for range 2 {
		select {
		case <-b.subscribed:
		case <-time.After(time.Second):
			t.Fatal("hub did not subscribe")
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return hub, b, srv
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	n := hub.clientCount()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.clientCount() == n+1 }, time.Second, 5*time.Millisecond)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHub_RoutesSessionSnapshotsByID(t *testing.T) {
	hub, b, srv := startHub(t)
	mine := dial(t, hub, srv, "session=abc")
	other := dial(t, hub, srv, "session=xyz")

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "session:abc", []byte(`{"id":"abc","chainId":1}`)))
	require.NoError(t, b.Publish(ctx, "session:xyz", []byte(`{"id":"xyz","chainId":1}`)))

	env := read(t, mine)
	assert.Equal(t, TypeSession, env.Type)
	assert.JSONEq(t, `{"id":"abc","chainId":1}`, string(env.Payload))

	env = read(t, other)
	assert.JSONEq(t, `{"id":"xyz","chainId":1}`, string(env.Payload))
}

func TestHub_RoutesActivityByOwner(t *testing.T) {
	hub, b, srv := startHub(t)
	conn := dial(t, hub, srv, "owner=0xAbC")

	publish := func(owner, id string) {
		payload, err := json.Marshal(activity.Event{
			Type:   activity.EventAdded,
			Record: domain.ActivityRecord{ID: id, Owner: owner},
		})
		require.NoError(t, err)
		require.NoError(t, b.Publish(context.Background(), activity.Channel, payload))
	}
	publish("0xdef", "not-mine")
	publish("0xabc", "mine")

	env := read(t, conn)
	assert.Equal(t, TypeActivity, env.Type)
	var ev activity.Event
	require.NoError(t, json.Unmarshal(env.Payload, &ev))
	assert.Equal(t, "mine", ev.Record.ID)
}

func TestHub_SubscribeMessage(t *testing.T) {
	hub, b, srv := startHub(t)
	conn := dial(t, hub, srv, "")

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "sessions": []string{"abc"}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			if c.wants(broadcastMsg{typ: TypeSession, session: "abc"}) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Publish(context.Background(), "session:abc", []byte(`{"id":"abc"}`)))
	assert.Equal(t, TypeSession, read(t, conn).Type)
}

func TestRoute(t *testing.T) {
	_, ok := route(TypeSession, []byte(`{"chainId":1}`))
	assert.False(t, ok, "snapshot without id")
	_, ok = route(TypeActivity, []byte(`not json`))
	assert.False(t, ok)
	_, ok = route("unknown", []byte(`{}`))
	assert.False(t, ok)

	msg, ok := route(TypeActivity, []byte(`{"type":"added","record":{"owner":"0x1"}}`))
	require.True(t, ok)
	assert.Equal(t, "0x1", msg.owner)
}
