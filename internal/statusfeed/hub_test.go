package statusfeed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/bounceback/backend/internal/crypto"
	"github.com/kimhsiao/bounceback/backend/internal/models"
	syncpkg "github.com/kimhsiao/bounceback/backend/internal/sync"
)

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	before := hub.ClientCount()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() == before+1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestHub_publishReachesClient(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	conn := dial(t, hub)

	hub.Publish(syncpkg.SyncEvent{
		Type:      syncpkg.EventSyncCompleted,
		UserID:    "user-1",
		Data:      map[string]interface{}{"pushed": 3},
		Timestamp: 1700000000000,
	})

	got := readEnvelope(t, conn)
	assert.Equal(t, syncpkg.EventSyncCompleted, got["type"])
	assert.Equal(t, "user-1", got["user_id"])
	assert.Equal(t, 1700000000000.0, got["timestamp"])
	assert.Equal(t, 3.0, got["data"].(map[string]interface{})["pushed"])
}

func TestHub_redactsNestedSensitiveFields(t *testing.T) {
	hub := NewHub(WithRedactedFields("amount", "account_number"))
	defer hub.Close()
	conn := dial(t, hub)

	hub.Broadcast(Envelope{
		Type: syncpkg.EventSyncConflictDetected,
		Data: map[string]interface{}{
			"entity_type": models.EntityBudgetEntry,
			"local":       models.Row{"amount": 12.5, "label": "rent"},
			"remote":      map[string]interface{}{"account_number": "DE89"},
		},
	})

	got := readEnvelope(t, conn)
	data := got["data"].(map[string]interface{})
	local := data["local"].(map[string]interface{})
	assert.Equal(t, crypto.RedactedValue, local["amount"])
	assert.Equal(t, "rent", local["label"])
	assert.Equal(t, crypto.RedactedValue, data["remote"].(map[string]interface{})["account_number"])
	assert.NotZero(t, got["timestamp"])
}

func TestHub_subscriptionsFilterEvents(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	conn := dial(t, hub)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe", "events": []string{syncpkg.EventQueueChanged},
	}))
	ack := readEnvelope(t, conn)
	assert.Equal(t, "subscribe_ack", ack["action"])

	hub.Broadcast(Envelope{Type: syncpkg.EventSyncStarted})
	hub.Broadcast(Envelope{Type: syncpkg.EventQueueChanged, Data: map[string]interface{}{"remaining": 0}})

	got := readEnvelope(t, conn)
	assert.Equal(t, syncpkg.EventQueueChanged, got["type"], "unsubscribed event skipped")
}

func TestHub_ping(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	conn := dial(t, hub)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	assert.Equal(t, "pong", readEnvelope(t, conn)["action"])
}

func TestHub_disconnectUnregisters(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	conn := dial(t, hub)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_closeDisconnectsClients(t *testing.T) {
	hub := NewHub()
	conn := dial(t, hub)

	hub.Close()
	hub.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// Broadcasting after close is a no-op.
	hub.Broadcast(Envelope{Type: syncpkg.EventSyncStarted})
}

func TestLoopbackOnly(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost:8090", true},
		{"localhost", true},
		{"127.0.0.1:8090", true},
		{"[::1]:8090", true},
		{"example.com", false},
		{"192.168.1.20:8090", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			r := &http.Request{Host: tt.host}
			assert.Equal(t, tt.want, loopbackOnly(r))
		})
	}
}
