package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jgirmay/presenced/pkg/models"
	"github.com/jgirmay/presenced/pkg/services/fanout"
)

func setupStream(t *testing.T) (*httptest.Server, *fanout.Registry, *StreamServer) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := fanout.NewRegistry(fanout.Config{}, logger, nil)
	stream := NewStreamServer(reg, StreamConfig{PingInterval: 50 * time.Millisecond}, logger)
	srv := httptest.NewServer(stream)
	t.Cleanup(func() {
		stream.Close()
		srv.Close()
		reg.Close()
	})
	return srv, reg, stream
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/presence/stream?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	var hello Message
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, MessageSubscribed, hello.Type)
	return conn
}

// ===== STREAM TESTS =====

// TestStreamRejectsInvalidSubscription verifies bad query parameters fail before upgrade
func TestStreamRejectsInvalidSubscription(t *testing.T) {
	srv, _, _ := setupStream(t)

	resp, err := http.Get(srv.URL + "/presence/stream?context_type=team&viewer_id=bob")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestStreamDeliversEvents verifies fan-out events reach the socket
func TestStreamDeliversEvents(t *testing.T) {
	srv, reg, stream := setupStream(t)
	conn := dial(t, srv, "context_type=team&context_id=eng&viewer_id=bob")

	require.Eventually(t, func() bool { return reg.Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, stream.GetClientCount())

	subs := reg.Subscribers(models.ContextKey{Type: models.ContextTeam, ID: "eng"})
	require.Len(t, subs, 1)
	assert.Equal(t, "bob", subs[0].ViewerID())

	client := onlyClient(t, stream)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, client.Deliver(ctx, fanout.Event{
		Type:    fanout.EventPresenceChanged,
		UserID:  "alice",
		Status:  models.StatusBusy,
		Version: 4,
	}))

	var ev fanout.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, fanout.EventPresenceChanged, ev.Type)
	assert.Equal(t, "alice", ev.UserID)
	assert.Equal(t, models.StatusBusy, ev.Status)
	assert.Equal(t, uint64(4), ev.Version)
}

// TestStreamPingAndFilterFrames verifies client control frames
func TestStreamPingAndFilterFrames(t *testing.T) {
	srv, reg, _ := setupStream(t)
	conn := dial(t, srv, "viewer_id=bob")

	require.NoError(t, conn.WriteJSON(Frame{Type: FramePing}))
	var pong Message
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, MessagePong, pong.Type)

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameFilter, FilterSet: &models.FilterSet{UserIDs: []string{"alice"}}}))
	var ack Message
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, MessageFilterAck, ack.Type)

	subs := reg.Subscribers(models.GlobalContext)
	require.Len(t, subs, 1)
	assert.Equal(t, []string{"alice"}, subs[0].Filter().UserIDs)

	require.NoError(t, conn.WriteJSON(Frame{Type: "subscribe"}))
	var errMsg Message
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, MessageError, errMsg.Type)
}

// TestStreamDisconnectReleasesSubscription verifies a closed socket ends its subscription
func TestStreamDisconnectReleasesSubscription(t *testing.T) {
	srv, reg, stream := setupStream(t)
	conn := dial(t, srv, "context_type=organization&context_id=acme&viewer_id=bob")
	require.Eventually(t, func() bool { return reg.Count() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return reg.Count() == 0 && stream.GetClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, reg.Contexts())
}

func onlyClient(t *testing.T, s *StreamServer) *Client {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	require.Len(t, s.clients, 1)
	for _, c := range s.clients {
		return c
	}
	return nil
}

// TestStreamClientsReportLastSeen verifies inbound frames refresh the last-seen
// time listed for a client
func TestStreamClientsReportLastSeen(t *testing.T) {
	srv, _, stream := setupStream(t)
	conn := dial(t, srv, "viewer_id=bob")

	clients := stream.Clients()
	require.Len(t, clients, 1)
	first := clients[0].LastSeen
	assert.NotEmpty(t, clients[0].SubscriptionID)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(Frame{Type: FramePing}))
	var pong Message
	require.NoError(t, conn.ReadJSON(&pong))

	clients = stream.Clients()
	require.Len(t, clients, 1)
	assert.True(t, clients[0].LastSeen.After(first))
}
