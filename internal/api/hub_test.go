package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fintrack/internal/events"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(hub)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	first := dialHub(t, hub)
	second := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 5*time.Millisecond)

	ev, err := events.NewJSONEvent(events.EventOperationQueued, events.QueuedPayload{OperationID: "op-1", Kind: "save", Table: "company_revenues"})
	require.NoError(t, err)
	require.NoError(t, hub.HandleEvent(&ev))

	for _, conn := range []*websocket.Conn{first, second} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, data, err := conn.Read(ctx)
		cancel()
		require.NoError(t, err)
		assert.Contains(t, string(data), `"type":"OPERATION_QUEUED"`)
		assert.Contains(t, string(data), `"operation_id":"op-1"`)
	}
}

func TestHubClientLeaves(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubClose(t *testing.T) {
	hub := NewHub(nil)
	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	readErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _, err := conn.Read(ctx)
		readErr <- err
	}()

	hub.Close()
	assert.Equal(t, 0, hub.Clients())
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(<-readErr))
}

func TestHubWithoutClients(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	ev, err := events.NewJSONEvent(events.EventSyncOfflineData, events.SyncPayload{Applied: 1})
	require.NoError(t, err)
	assert.NoError(t, hub.HandleEvent(&ev))
}
