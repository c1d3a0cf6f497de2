package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jgirmay/presenced/pkg/metrics"
	"github.com/jgirmay/presenced/pkg/models"
	"github.com/jgirmay/presenced/pkg/services/presence"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, cfg Config) (*Store, *presence.ManualClock) {
	t.Helper()
	clock := presence.NewManualClock(t0)
	s, err := New(cfg, clock, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func entryFor(userID string, version uint64, status models.Status, expiresIn time.Duration) models.Entry {
	return models.Entry{Record: models.Record{
		UserID:        userID,
		Status:        status,
		WinningSource: models.SourceManual,
		WinningWeight: 100,
		Version:       version,
		UpdatedAt:     t0,
		ResolvedAt:    t0,
		ExpiresAt:     t0.Add(expiresIn),
	}}
}

// userOnNode returns a user id whose shard has its primary on node
func userOnNode(t *testing.T, s *Store, node string) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("user-%d", i)
		if s.shardFor(id).primary == node {
			return id
		}
	}
	t.Fatalf("no user maps to %s", node)
	return ""
}

// ===== COMPARE-AND-SWAP TESTS =====

// TestCompareAndSwapCreatesAndReplaces verifies version-checked writes
func TestCompareAndSwapCreatesAndReplaces(t *testing.T) {
	s, _ := newTestStore(t, Config{ShardCount: 4, SyncReplication: true})
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, "alice", 0, entryFor("alice", 1, models.StatusBusy, time.Hour)))

	rec, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusBusy, rec.Status)
	assert.Equal(t, uint64(1), rec.Version)

	require.NoError(t, s.CompareAndSwap(ctx, "alice", 1, entryFor("alice", 2, models.StatusOnline, time.Hour)))
	rec, err = s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, rec.Status)
	assert.Equal(t, uint64(2), rec.Version)
}

// TestCompareAndSwapRejectsStaleVersion verifies a stale expected version is refused
func TestCompareAndSwapRejectsStaleVersion(t *testing.T) {
	s, _ := newTestStore(t, Config{ShardCount: 4, SyncReplication: true})
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, "alice", 0, entryFor("alice", 1, models.StatusBusy, time.Hour)))

	err := s.CompareAndSwap(ctx, "alice", 0, entryFor("alice", 1, models.StatusOnline, time.Hour))
	assert.ErrorIs(t, err, presence.ErrVersionMismatch)

	rec, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBusy, rec.Status)
}

// TestConcurrentCompareAndSwapSingleWinner verifies exactly one writer wins each version
func TestConcurrentCompareAndSwapSingleWinner(t *testing.T) {
	s, _ := newTestStore(t, Config{ShardCount: 2, SyncReplication: true})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.CompareAndSwap(ctx, "bob", 0, entryFor("bob", 1, models.StatusOnline, time.Hour)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

// TestCancelledContextIsUnavailable verifies a dead context fails fast
func TestCancelledContextIsUnavailable(t *testing.T) {
	s, _ := newTestStore(t, Config{ShardCount: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "alice")
	assert.ErrorIs(t, err, presence.ErrStoreUnavailable)
	err = s.CompareAndSwap(ctx, "alice", 0, entryFor("alice", 1, models.StatusOnline, time.Hour))
	assert.ErrorIs(t, err, presence.ErrStoreUnavailable)
}

// ===== READ TESTS =====

// TestGetAppliesReadTimeExpiry verifies an expired record reads as offline before any sweep
func TestGetAppliesReadTimeExpiry(t *testing.T) {
	s, clock := newTestStore(t, Config{ShardCount: 4})
	ctx := context.Background()

	e := entryFor("carol", 1, models.StatusBusy, 10*time.Minute)
	e.Record.CustomMessage = "in a meeting"
	require.NoError(t, s.CompareAndSwap(ctx, "carol", 0, e))

	clock.Advance(10 * time.Minute)
	rec, err := s.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, rec.Status)
	assert.Empty(t, rec.CustomMessage)

	raw, err := s.GetEntry(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBusy, raw.Record.Status, "physical record untouched until the sweep")
}

// TestBulkGetOmitsUnknownUsers verifies bulk reads return only stored users
func TestBulkGetOmitsUnknownUsers(t *testing.T) {
	s, _ := newTestStore(t, Config{ShardCount: 8})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("u%d", i)
		require.NoError(t, s.CompareAndSwap(ctx, id, 0, entryFor(id, 1, models.StatusOnline, time.Hour)))
	}

	out, err := s.BulkGet(ctx, []string{"u1", "u7", "u19", "ghost"})
	require.NoError(t, err)
	assert.Len(t, out, 3)
	assert.Contains(t, out, "u19")
	assert.NotContains(t, out, "ghost")
}

// TestGetMissingReturnsNil verifies absent users are not an error
func TestGetMissingReturnsNil(t *testing.T) {
	s, _ := newTestStore(t, Config{ShardCount: 1})
	rec, err := s.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// ===== REPLICATION AND FAILOVER TESTS =====

// TestAsyncReplicationReachesStandby verifies the replication worker copies writes
func TestAsyncReplicationReachesStandby(t *testing.T) {
	s, _ := newTestStore(t, Config{ShardCount: 1, Nodes: []string{"a", "b"}})
	s.Start()
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, "dave", 0, entryFor("dave", 1, models.StatusOnline, time.Hour)))

	sh := s.shardFor("dave")
	assert.Eventually(t, func() bool {
		sh.mu.RLock()
		defer sh.mu.RUnlock()
		_, ok := sh.replicas["b"]["dave"]
		return ok
	}, time.Second, 5*time.Millisecond)
}

// TestFailNodePromotesStandby verifies replicated writes survive primary loss
func TestFailNodePromotesStandby(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s, err := New(Config{ShardCount: 3, Nodes: []string{"a", "b", "c"}, SyncReplication: true},
		presence.NewManualClock(t0), zaptest.NewLogger(t), m)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	user := userOnNode(t, s, "a")
	require.NoError(t, s.CompareAndSwap(ctx, user, 0, entryFor(user, 1, models.StatusBusy, time.Hour)))

	before := s.ShardMap().Version
	require.NoError(t, s.FailNode("a"))

	rec, err := s.Get(ctx, user)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusBusy, rec.Status)

	a, ok := s.ShardMap().Lookup(user)
	require.True(t, ok)
	assert.NotEqual(t, "a", a.Primary)
	assert.NotEqual(t, "a", a.Standby)
	assert.Greater(t, s.ShardMap().Version, before)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Failovers()))

	require.NoError(t, s.CompareAndSwap(ctx, user, 1, entryFor(user, 2, models.StatusOnline, time.Hour)))
}

// TestFailNodeLosesUnreplicatedWrites verifies writes queued for replication are dropped on failover
func TestFailNodeLosesUnreplicatedWrites(t *testing.T) {
	// replication workers never started: every write stays queued
	s, _ := newTestStore(t, Config{ShardCount: 1, Nodes: []string{"a", "b"}})
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, "erin", 0, entryFor("erin", 1, models.StatusOnline, time.Hour)))
	require.NoError(t, s.FailNode("a"))

	rec, err := s.Get(ctx, "erin")
	require.NoError(t, err)
	assert.Nil(t, rec, "unacknowledged write is gone after promotion")

	// the next heartbeat recreates the record
	require.NoError(t, s.CompareAndSwap(ctx, "erin", 0, entryFor("erin", 1, models.StatusOnline, time.Hour)))
}

// TestUnreachablePrimaryFallsBackForReads verifies standby reads and fail-fast writes
func TestUnreachablePrimaryFallsBackForReads(t *testing.T) {
	s, _ := newTestStore(t, Config{ShardCount: 1, Nodes: []string{"a", "b"}, SyncReplication: true})
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, "frank", 0, entryFor("frank", 1, models.StatusAway, time.Hour)))
	require.NoError(t, s.MarkNodeUnreachable("a"))

	rec, err := s.Get(ctx, "frank")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAway, rec.Status)

	err = s.CompareAndSwap(ctx, "frank", 1, entryFor("frank", 2, models.StatusOnline, time.Hour))
	assert.ErrorIs(t, err, presence.ErrStoreUnavailable)

	require.NoError(t, s.RecoverNode("a"))
	require.NoError(t, s.CompareAndSwap(ctx, "frank", 1, entryFor("frank", 2, models.StatusOnline, time.Hour)))
}

// TestRecoverNodeRejoinsAsStandby verifies a failed node comes back with a full copy
func TestRecoverNodeRejoinsAsStandby(t *testing.T) {
	s, _ := newTestStore(t, Config{ShardCount: 1, Nodes: []string{"a", "b"}, SyncReplication: true})
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, "gina", 0, entryFor("gina", 1, models.StatusOnline, time.Hour)))
	require.NoError(t, s.FailNode("a"))
	assert.Equal(t, "", s.ShardMap().Shards[0].Standby)

	require.NoError(t, s.RecoverNode("a"))
	a := s.ShardMap().Shards[0]
	assert.Equal(t, "b", a.Primary)
	assert.Equal(t, "a", a.Standby)

	sh := s.shards[0]
	sh.mu.RLock()
	_, ok := sh.replicas["a"]["gina"]
	sh.mu.RUnlock()
	assert.True(t, ok)
}

// TestUnknownNode verifies admin operations reject unknown nodes
func TestUnknownNode(t *testing.T) {
	s, _ := newTestStore(t, Config{ShardCount: 1})
	assert.Error(t, s.FailNode("zeta"))
	assert.Error(t, s.RecoverNode("zeta"))
}

// ===== SWEEP AND SNAPSHOT TESTS =====

// TestExpireSweepWritesReconciledEntries verifies sweep writes and reports visible changes
func TestExpireSweepWritesReconciledEntries(t *testing.T) {
	s, clock := newTestStore(t, Config{ShardCount: 4})
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, "hal", 0, entryFor("hal", 1, models.StatusBusy, time.Minute)))
	require.NoError(t, s.CompareAndSwap(ctx, "ivy", 0, entryFor("ivy", 1, models.StatusBusy, time.Hour)))
	clock.Advance(2 * time.Minute)

	changes, err := s.ExpireSweep(ctx, clock.Now(), func(e models.Entry, now time.Time) (models.Entry, bool, bool) {
		if !e.Record.Expired(now) {
			return e, false, false
		}
		e.Record.Status = models.StatusOffline
		e.Record.Version++
		return e, true, true
	})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "hal", changes[0].Current.UserID)
	assert.Equal(t, models.StatusBusy, changes[0].Previous.Status)

	raw, err := s.GetEntry(ctx, "hal")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), raw.Record.Version)
}

// TestExportImportRoundTrip verifies snapshots restore every entry
func TestExportImportRoundTrip(t *testing.T) {
	src, _ := newTestStore(t, Config{ShardCount: 4})
	ctx := context.Background()
	for _, id := range []string{"a1", "b2", "c3"} {
		require.NoError(t, src.CompareAndSwap(ctx, id, 0, entryFor(id, 1, models.StatusOnline, time.Hour)))
	}

	dst, _ := newTestStore(t, Config{ShardCount: 4})
	require.NoError(t, dst.CompareAndSwap(ctx, "stale", 0, entryFor("stale", 1, models.StatusOnline, time.Hour)))
	dst.Import(src.Export())

	assert.Len(t, dst.Export(), 3)
	rec, err := dst.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// ===== SHARD MAP TESTS =====

// TestShardMapCacheRefreshesAfterTTL verifies cached placement refreshes on expiry
func TestShardMapCacheRefreshesAfterTTL(t *testing.T) {
	s, clock := newTestStore(t, Config{ShardCount: 2, Nodes: []string{"a", "b", "c"}})
	cache := NewShardMapCache(s, 5*time.Second, clock)

	v1 := cache.Get().Version
	require.NoError(t, s.FailNode("b"))
	assert.Equal(t, v1, cache.Get().Version, "served from cache within ttl")

	clock.Advance(6 * time.Second)
	assert.Greater(t, cache.Get().Version, v1)
}

// TestShardIndexStable verifies placement is deterministic
func TestShardIndexStable(t *testing.T) {
	assert.Equal(t, ShardIndex("alice", 16), ShardIndex("alice", 16))
	assert.Equal(t, 0, ShardIndex("alice", 1))
	assert.Less(t, ShardIndex("alice", 16), 16)
}

// ===== READ VIEW TESTS =====

// TestGetFallsThroughToUnexpiredClaim verifies Get and BulkGet re-pick the
// winner from active claims once the stored winner has expired
func TestGetFallsThroughToUnexpiredClaim(t *testing.T) {
	s, clock := newTestStore(t, Config{ShardCount: 4, SyncReplication: true})
	ctx := context.Background()

	manual := models.Signal{
		ID: "m1", UserID: "alice", Source: models.SourceManual, StatusHint: models.StatusAway,
		StartedAt: t0, ExpiresAt: t0.Add(time.Minute), PriorityWeight: 100,
	}
	calendar := models.Signal{
		ID: "c1", UserID: "alice", Source: models.SourceCalendar, StatusHint: models.StatusBusy,
		CustomMessage: "planning", StartedAt: t0, ExpiresAt: t0.Add(time.Hour), PriorityWeight: 80,
	}
	entry := entryFor("alice", 2, models.StatusAway, time.Minute)
	entry.Active = []models.Signal{manual, calendar}
	require.NoError(t, s.CompareAndSwap(ctx, "alice", 0, entry))

	rec, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAway, rec.Status)

	clock.Advance(61 * time.Second)

	rec, err = s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBusy, rec.Status)
	assert.Equal(t, models.SourceCalendar, rec.WinningSource)
	assert.Equal(t, "planning", rec.CustomMessage)
	assert.Equal(t, uint64(2), rec.Version)

	out, err := s.BulkGet(ctx, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, *rec, out["alice"])

	clock.Advance(time.Hour)
	rec, err = s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, rec.Status)
	assert.Empty(t, rec.WinningSource)
}
