//go:build e2e
// +build e2e

// Package integration provides end-to-end tests of the presence server
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jgirmay/presenced/internal/health"
	"github.com/jgirmay/presenced/pkg/cluster/raft"
	"github.com/jgirmay/presenced/pkg/http/handlers"
	"github.com/jgirmay/presenced/pkg/metrics"
	"github.com/jgirmay/presenced/pkg/repository"
	"github.com/jgirmay/presenced/pkg/services/fanout"
	"github.com/jgirmay/presenced/pkg/services/notify"
	"github.com/jgirmay/presenced/pkg/services/presence"
	"github.com/jgirmay/presenced/pkg/services/visibility"
	"github.com/jgirmay/presenced/pkg/services/websocket"
	"github.com/jgirmay/presenced/pkg/store"
)

// dbCounter ensures each test gets a unique in-memory database name
var dbCounter uint64

// E2ETestSetup is a complete presence server behind an httptest.Server
type E2ETestSetup struct {
	DB          *gorm.DB
	Registry    *repository.Registry
	Metrics     *metrics.Metrics
	Store       *store.Store
	RaftNode    *raft.Node
	Engine      *presence.Engine
	Filter      *visibility.Filter
	Fanout      *fanout.Registry
	Broadcaster *fanout.Broadcaster
	Stream      *websocket.StreamServer
	Gate        *notify.Gate
	Server      *httptest.Server
	Ops         *httptest.Server
	Logger      *zap.Logger
	T           *testing.T

	ownsDB bool
}

// NewE2ETestSetup wires every component the way the server binary does.
// withRaft routes store writes through a single-voter in-memory raft log.
func NewE2ETestSetup(t *testing.T, withRaft bool) *E2ETestSetup {
	t.Helper()
	log := zaptest.NewLogger(t)
	s := &E2ETestSetup{T: t, Logger: log, ownsDB: true}
	s.openDB()
	s.newStore()

	if withRaft {
		var err error
		s.RaftNode, err = raft.NewInmemNode("node-1", raft.NewFSM(s.Store), log)
		require.NoError(t, err)
		require.True(t, s.RaftNode.WaitForLeader(5*time.Second), "no raft leader elected")
		require.Eventually(t, s.RaftNode.IsLeader, 5*time.Second, 20*time.Millisecond)
		s.Store.SetCommitLog(s.RaftNode)
	}

	s.wire()
	t.Cleanup(s.Cleanup)
	return s
}

// NewE2ECluster starts size servers sharing one database, each with its own
// store replicated through an in-memory raft cluster. Followers forward
// writes to the leader over the ops listener.
func NewE2ECluster(t *testing.T, size int) []*E2ETestSetup {
	t.Helper()
	log := zaptest.NewLogger(t)
	first := &E2ETestSetup{T: t, Logger: log, ownsDB: true}
	first.openDB()

	members := make([]*E2ETestSetup, size)
	fsms := make([]*raft.FSM, size)
	for i := range members {
		m := first
		if i > 0 {
			m = &E2ETestSetup{T: t, Logger: log, DB: first.DB, Registry: first.Registry}
		}
		m.newStore()
		fsms[i] = raft.NewFSM(m.Store)
		members[i] = m
	}

	nodes, err := raft.NewInmemCluster(fsms, log)
	require.NoError(t, err)

	endpoints := make(map[string]string, size)
	for i, m := range members {
		m.RaftNode = nodes[i]
		m.Store.SetCommitLog(m.RaftNode)
		m.wire()
		endpoints[m.RaftNode.NodeID()] = m.Ops.URL
	}
	for i := len(members) - 1; i >= 0; i-- {
		t.Cleanup(members[i].Cleanup)
	}
	for _, m := range members {
		m.RaftNode.SetForwarder(raft.NewHTTPForwarder(endpoints, nil))
	}

	require.Eventually(t, func() bool {
		leaders := 0
		for _, m := range members {
			if m.RaftNode.IsLeader() {
				leaders++
			} else if m.RaftNode.Leader() == "" {
				return false
			}
		}
		return leaders == 1
	}, 5*time.Second, 20*time.Millisecond, "no raft leader elected")
	return members
}

func (s *E2ETestSetup) openDB() {
	dbID := atomic.AddUint64(&dbCounter, 1)
	dsn := fmt.Sprintf("file:presence_e2e_%d_%s?mode=memory&cache=shared", dbID, uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(s.T, err, "failed to open E2E test database")
	s.DB = db
	s.Registry = repository.NewRegistry(db)
	require.NoError(s.T, s.Registry.Initialize())
}

func (s *E2ETestSetup) newStore() {
	s.Metrics = metrics.New(prometheus.NewRegistry())
	var err error
	s.Store, err = store.New(store.Config{ShardCount: 8, SyncReplication: true}, presence.SystemClock{}, s.Logger, s.Metrics)
	require.NoError(s.T, err)
	s.Store.Start()
}

// wire builds everything above the store. With a raft node the state machine
// publishes applied changes on every member and the engine publishes nothing.
func (s *E2ETestSetup) wire() {
	t, log := s.T, s.Logger
	clock := presence.SystemClock{}

	s.Filter = visibility.NewFilter(s.Registry.VisibilityPolicyRepository, s.Registry.RelationshipRepository, time.Second, clock, log)

	fanoutCfg := fanout.DefaultConfig()
	fanoutCfg.CoalesceWindow = 50 * time.Millisecond
	s.Fanout = fanout.NewRegistry(fanoutCfg, log, s.Metrics)
	s.Broadcaster = fanout.NewBroadcaster(fanoutCfg, s.Fanout, s.Registry.RelationshipRepository, s.Filter, log, s.Metrics)
	s.Broadcaster.Start()
	s.Stream = websocket.NewStreamServer(s.Fanout, websocket.StreamConfig{PingInterval: time.Second}, log)

	var publisher presence.Publisher = s.Broadcaster
	if s.RaftNode != nil {
		s.RaftNode.OnChange(s.Broadcaster.Publish)
		publisher = nil
	}

	engineCfg := presence.DefaultEngineConfig()
	engineCfg.StoreTimeout = time.Second
	s.Engine = presence.NewEngine(
		presence.NewNormalizer(presence.DefaultPriorityTable, presence.DefaultNormalizerConfig()),
		presence.NewResolver(presence.DefaultPriorityTable, presence.DefaultActivityThresholds()),
		s.Store, publisher, clock, log, s.Metrics, engineCfg,
	)
	var err error
	s.Gate, err = notify.NewGate(notify.Config{}, s.Engine, nil, notify.LogScheduler{Logger: log},
		s.Registry.NotificationAuditRepository, clock, log, s.Metrics)
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(handlers.RequestLogger(log))
	router.Use(middleware.Recoverer)
	handlers.RegisterPresenceRoutes(router,
		handlers.NewPresenceHandlers(s.Engine, s.Filter, s.Gate, s.Registry.RelationshipRepository, 3*time.Second, log),
		s.Stream)
	s.Server = httptest.NewServer(router)

	if s.RaftNode != nil {
		gin.SetMode(gin.TestMode)
		ops := gin.New()
		health.NewClusterHandler(s.Store, store.NewShardMapCache(s.Store, 0, clock), s.RaftNode, log).RegisterRoutes(ops)
		s.Ops = httptest.NewServer(ops)
	}
}

// Cleanup stops every component in reverse order
func (s *E2ETestSetup) Cleanup() {
	s.Stream.Close()
	s.Server.Close()
	if s.Ops != nil {
		s.Ops.Close()
	}
	s.Broadcaster.Stop()
	s.Fanout.Close()
	if s.RaftNode != nil {
		s.RaftNode.Shutdown()
	}
	s.Store.Close()
	if s.ownsDB {
		s.Registry.Close()
	}
}

// Do sends a JSON request and decodes a JSON reply into out when non-nil
func (s *E2ETestSetup) Do(method, path string, body, out interface{}, headers ...string) int {
	s.T.Helper()
	data, err := json.Marshal(body)
	require.NoError(s.T, err)
	req, err := http.NewRequest(method, s.Server.URL+path, strings.NewReader(string(data)))
	require.NoError(s.T, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := s.Server.Client().Do(req)
	require.NoError(s.T, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(s.T, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// Get fetches path and decodes the JSON reply into out
func (s *E2ETestSetup) Get(path string, out interface{}) int {
	s.T.Helper()
	resp, err := s.Server.Client().Get(s.Server.URL + path)
	require.NoError(s.T, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(s.T, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// Signal ingests one signal and requires it to be accepted
func (s *E2ETestSetup) Signal(userID, source, status, message string) {
	s.T.Helper()
	code := s.Do(http.MethodPost, "/presence/signals", map[string]interface{}{
		"user_id":        userID,
		"source_kind":    source,
		"status_hint":    status,
		"custom_message": message,
	}, nil)
	require.Equal(s.T, http.StatusAccepted, code, "signal for %s was not accepted", userID)
}

// Join places users in a team
func (s *E2ETestSetup) Join(team string, users ...string) {
	s.T.Helper()
	for _, u := range users {
		code := s.Do(http.MethodPut, "/presence/relationships/memberships",
			map[string]string{"context_type": "team", "context_id": team, "user_id": u}, nil)
		require.Equal(s.T, http.StatusNoContent, code)
	}
}

// StreamClient is a websocket subscriber used by tests
type StreamClient struct {
	conn *gws.Conn
	t    *testing.T
}

// Subscribe opens a stream and waits for the subscription acknowledgement
func (s *E2ETestSetup) Subscribe(contextType, contextID, viewerID string) *StreamClient {
	s.T.Helper()
	url := "ws" + strings.TrimPrefix(s.Server.URL, "http") +
		fmt.Sprintf("/presence/stream?context_type=%s&context_id=%s&viewer_id=%s", contextType, contextID, viewerID)
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(s.T, err)
	s.T.Cleanup(func() { conn.Close() })

	c := &StreamClient{conn: conn, t: s.T}
	var msg websocket.Message
	require.NoError(s.T, c.read(&msg))
	require.Equal(s.T, websocket.MessageSubscribed, msg.Type)
	return c
}

func (c *StreamClient) read(v interface{}) error {
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return c.conn.ReadJSON(v)
}

// Next waits for the next presence event
func (c *StreamClient) Next() fanout.Event {
	c.t.Helper()
	for {
		var ev fanout.Event
		require.NoError(c.t, c.read(&ev))
		if ev.Type == fanout.EventPresenceChanged {
			return ev
		}
	}
}

// NextFor waits for the next presence event about userID
func (c *StreamClient) NextFor(userID string) fanout.Event {
	c.t.Helper()
	for {
		if ev := c.Next(); ev.UserID == userID {
			return ev
		}
	}
}

// Eventually polls fn until it holds
func Eventually(t *testing.T, fn func(ctx context.Context) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return fn(ctx)
	}, 5*time.Second, 20*time.Millisecond)
}

func rawManual(userID, status string) presence.RawSignal {
	return presence.RawSignal{UserID: userID, SourceKind: "manual", StatusHint: status}
}
