package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	clusterraft "github.com/jgirmay/presenced/pkg/cluster/raft"
	"github.com/jgirmay/presenced/pkg/services/presence"
	"github.com/jgirmay/presenced/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.Config{ShardCount: 6, SyncReplication: true}, presence.SystemClock{}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	st.Start()
	t.Cleanup(func() { st.Close() })
	return st
}

func serve(engine *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

type fakeRaft struct {
	status    map[string]interface{}
	peers     []clusterraft.Peer
	follower  bool
	commits   [][]byte
	commitErr error
}

func (f *fakeRaft) CommitCommand(_ context.Context, cmd []byte) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits = append(f.commits, cmd)
	return nil
}

func (f *fakeRaft) Status() map[string]interface{} { return f.status }

func (f *fakeRaft) Peers() ([]clusterraft.Peer, error) { return f.peers, nil }

func (f *fakeRaft) AddVoter(id, addr string) error {
	if f.follower {
		return fmt.Errorf("%w: leader is %q", clusterraft.ErrNotLeader, "node-1")
	}
	f.peers = append(f.peers, clusterraft.Peer{ID: id, Address: addr, Suffrage: "Voter"})
	return nil
}

func (f *fakeRaft) RemovePeer(id string) error {
	if f.follower {
		return clusterraft.ErrNotLeader
	}
	for i, p := range f.peers {
		if p.ID == id {
			f.peers = append(f.peers[:i], f.peers[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown peer " + id)
}

// ===== CHECKER TESTS =====

// TestCheckerHealthy verifies all passing checks report healthy
func TestCheckerHealthy(t *testing.T) {
	hc := NewHealthChecker(0)
	hc.Register("database", func(ctx context.Context) error { return nil })
	hc.Register("store", func(ctx context.Context) error { return nil })

	status := hc.Check(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Len(t, status.Services, 2)
	assert.Equal(t, "healthy", status.Services["store"].Status)
}

// TestCheckerDegraded verifies one failing check degrades the whole status
func TestCheckerDegraded(t *testing.T) {
	hc := NewHealthChecker(0)
	hc.Register("database", func(ctx context.Context) error { return errors.New("connection refused") })
	hc.Register("store", func(ctx context.Context) error { return nil })

	status := hc.Check(context.Background())
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "unhealthy", status.Services["database"].Status)
	assert.Contains(t, status.Services["database"].Message, "connection refused")
	assert.Contains(t, status.Message, "database")
}

// TestStoreCheck verifies shards without any reachable replica fail the check
func TestStoreCheck(t *testing.T) {
	st := newStore(t)
	check := StoreCheck(st)
	require.NoError(t, check(context.Background()))

	for _, node := range []string{"node-a", "node-b", "node-c"} {
		require.NoError(t, st.MarkNodeUnreachable(node))
	}
	assert.Error(t, check(context.Background()))

	require.NoError(t, st.RecoverNode("node-a"))
	assert.NoError(t, check(context.Background()))
}

// ===== ROUTE TESTS =====

// TestHealthRoutes verifies liveness and readiness endpoints
func TestHealthRoutes(t *testing.T) {
	hc := NewHealthChecker(0)
	healthy := true
	hc.Register("store", func(ctx context.Context) error {
		if !healthy {
			return errors.New("down")
		}
		return nil
	})
	engine := gin.New()
	NewHealthHandler(hc).RegisterRoutes(engine)

	assert.Equal(t, http.StatusOK, serve(engine, http.MethodGet, "/api/health").Code)
	assert.Equal(t, http.StatusOK, serve(engine, http.MethodGet, "/api/health/ready").Code)

	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, serve(engine, http.MethodGet, "/api/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(engine, http.MethodGet, "/api/health/ready").Code)
	assert.Equal(t, http.StatusOK, serve(engine, http.MethodGet, "/api/health/live").Code)
}

// TestClusterFailoverRoutes verifies failover and recovery through the admin API
func TestClusterFailoverRoutes(t *testing.T) {
	st := newStore(t)
	engine := gin.New()
	NewClusterHandler(st, store.NewShardMapCache(st, 0, nil), nil, zaptest.NewLogger(t)).RegisterRoutes(engine)

	w := serve(engine, http.MethodGet, "/api/cluster/shards")
	require.Equal(t, http.StatusOK, w.Code)
	var before store.ShardMap
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &before))
	require.Len(t, before.Shards, 6)

	w = serve(engine, http.MethodPost, "/api/cluster/nodes/node-a/failover")
	require.Equal(t, http.StatusOK, w.Code)
	var after store.ShardMap
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &after))
	assert.Greater(t, after.Version, before.Version)
	assert.False(t, after.Nodes["node-a"])
	for _, a := range after.Shards {
		assert.NotEqual(t, "node-a", a.Primary)
	}

	w = serve(engine, http.MethodPost, "/api/cluster/nodes/node-a/recover")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &after))
	assert.True(t, after.Nodes["node-a"])

	assert.Equal(t, http.StatusNotFound, serve(engine, http.MethodPost, "/api/cluster/nodes/node-z/failover").Code)

	w = serve(engine, http.MethodGet, "/api/cluster/shards/lookup/alice")
	require.Equal(t, http.StatusOK, w.Code)
	var assignment store.ShardAssignment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &assignment))
	assert.Equal(t, store.ShardIndex("alice", 6), assignment.Shard)
}

// TestClusterRaftRoute verifies the raft status endpoint with and without replication
func TestClusterRaftRoute(t *testing.T) {
	st := newStore(t)
	cache := store.NewShardMapCache(st, 0, nil)

	disabled := gin.New()
	NewClusterHandler(st, cache, nil, nil).RegisterRoutes(disabled)
	assert.Equal(t, http.StatusNotFound, serve(disabled, http.MethodGet, "/api/cluster/raft").Code)

	enabled := gin.New()
	NewClusterHandler(st, cache, &fakeRaft{status: map[string]interface{}{"node_id": "node-1", "state": "Leader"}}, nil).RegisterRoutes(enabled)
	w := serve(enabled, http.MethodGet, "/api/cluster/raft")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"Leader"`)
}

// TestClusterRaftPeerRoutes verifies membership can be listed and changed
// through the admin API
func TestClusterRaftPeerRoutes(t *testing.T) {
	st := newStore(t)
	cache := store.NewShardMapCache(st, 0, nil)
	fake := &fakeRaft{peers: []clusterraft.Peer{{ID: "node-1", Address: "10.0.0.1:8300", Suffrage: "Voter"}}}
	engine := gin.New()
	NewClusterHandler(st, cache, fake, zaptest.NewLogger(t)).RegisterRoutes(engine)

	var body struct {
		Peers []clusterraft.Peer `json:"peers"`
	}
	w := serve(engine, http.MethodGet, "/api/cluster/raft/peers")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Peers, 1)

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/cluster/raft/peers",
		strings.NewReader(`{"id":"node-2","address":"10.0.0.2:8300"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Peers, 2)
	assert.Equal(t, "node-2", body.Peers[1].ID)

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/cluster/raft/peers", strings.NewReader(`{"id":"node-3"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(engine, http.MethodDelete, "/api/cluster/raft/peers/node-2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, fake.peers, 1)

	fake.follower = true
	w = serve(engine, http.MethodDelete, "/api/cluster/raft/peers/node-1")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_LEADER")

	disabled := gin.New()
	NewClusterHandler(st, cache, nil, nil).RegisterRoutes(disabled)
	assert.Equal(t, http.StatusNotFound, serve(disabled, http.MethodGet, "/api/cluster/raft/peers").Code)
}

// TestClusterCommitRoute verifies forwarded commands reach the log and version
// conflicts keep their meaning across the hop
func TestClusterCommitRoute(t *testing.T) {
	st := newStore(t)
	cache := store.NewShardMapCache(st, 0, nil)
	fake := &fakeRaft{}
	engine := gin.New()
	NewClusterHandler(st, cache, fake, zaptest.NewLogger(t)).RegisterRoutes(engine)

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, clusterraft.CommitPath, strings.NewReader(body)))
		return w
	}

	require.Equal(t, http.StatusNoContent, post(`{"type":"record_cas"}`).Code)
	require.Len(t, fake.commits, 1)
	assert.JSONEq(t, `{"type":"record_cas"}`, string(fake.commits[0]))

	assert.Equal(t, http.StatusBadRequest, post("").Code)

	fake.commitErr = fmt.Errorf("user alice: %w", presence.ErrVersionMismatch)
	w := post(`{"type":"record_cas"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "VERSION_MISMATCH")

	fake.commitErr = presence.ErrStoreUnavailable
	assert.Equal(t, http.StatusServiceUnavailable, post(`{"type":"record_cas"}`).Code)
}
