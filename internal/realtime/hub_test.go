package realtime_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/thijssvd/sommos/internal/realtime"
)

func newTestServer(t *testing.T, opts realtime.Options) (*realtime.Hub, *httptest.Server) {
	t.Helper()
	hub := realtime.New(opts, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], nil)
	require.NoError(t, err)
	return ws
}

type wireFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, ws *websocket.Conn) wireFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var f wireFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestHub_ConnectSendsConnectionEstablished(t *testing.T) {
	_, srv := newTestServer(t, realtime.Options{})
	ws := dial(t, srv)
	defer ws.Close(websocket.StatusNormalClosure, "")

	f := readFrame(t, ws)
	require.Equal(t, "connection_established", f.Type)
}

func TestHub_JoinConfirmsRoomJoined(t *testing.T) {
	_, srv := newTestServer(t, realtime.Options{})
	ws := dial(t, srv)
	defer ws.Close(websocket.StatusNormalClosure, "")
	readFrame(t, ws) // connection_established

	ctx := context.Background()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"type":"join","room":"inventory_updates"}`)))

	f := readFrame(t, ws)
	require.Equal(t, "room_joined", f.Type)
}

func TestHub_PublishDeliversOnlyToRoomMembers(t *testing.T) {
	hub, srv := newTestServer(t, realtime.Options{})

	member := dial(t, srv)
	defer member.Close(websocket.StatusNormalClosure, "")
	readFrame(t, member) // connection_established

	outsider := dial(t, srv)
	defer outsider.Close(websocket.StatusNormalClosure, "")
	readFrame(t, outsider) // connection_established

	ctx := context.Background()
	require.NoError(t, member.Write(ctx, websocket.MessageText, []byte(`{"type":"join","room":"inventory_updates"}`)))
	readFrame(t, member) // room_joined

	// Give the hub a moment to register the join before publishing.
	time.Sleep(50 * time.Millisecond)

	hub.Publish("inventory_updates", "inventory_action:add", map[string]interface{}{"vintage_id": 1})

	f := readFrame(t, member)
	require.Equal(t, "inventory_action", f.Type)

	// The outsider never joined the room, so it must not receive the
	// inventory_action frame. With the default 30s heartbeat no ping is due
	// either, so a short bounded read must time out with nothing delivered.
	readCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := outsider.Read(readCtx)
	require.Error(t, err)
}

func TestHub_CapacityExceededClosesImmediately(t *testing.T) {
	_, srv := newTestServer(t, realtime.Options{MaxConnections: 1})

	first := dial(t, srv)
	defer first.Close(websocket.StatusNormalClosure, "")
	readFrame(t, first)

	second := dial(t, srv)
	defer second.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	require.Error(t, err)
	require.Equal(t, realtime.StatusCapacityExceeded, websocket.CloseStatus(err))
}
