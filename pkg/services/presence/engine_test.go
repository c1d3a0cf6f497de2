package presence_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
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
	"github.com/jgirmay/presenced/pkg/store"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []models.Change
}

func (p *recordingPublisher) Publish(c models.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
}

func (p *recordingPublisher) Changes() []models.Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Change, len(p.changes))
	copy(out, p.changes)
	return out
}

type harness struct {
	engine    *presence.Engine
	store     *store.Store
	clock     *presence.ManualClock
	publisher *recordingPublisher
	metrics   *metrics.Metrics
}

func setupEngine(t *testing.T) *harness {
	t.Helper()
	clock := presence.NewManualClock(t0)
	logger := zaptest.NewLogger(t)
	m := metrics.New(prometheus.NewRegistry())

	s, err := store.New(store.Config{ShardCount: 8, SyncReplication: true}, clock, logger, m)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { s.Close() })

	pub := &recordingPublisher{}
	engine := presence.NewEngine(
		presence.NewNormalizer(presence.DefaultPriorityTable, presence.DefaultNormalizerConfig()),
		presence.NewResolver(presence.DefaultPriorityTable, presence.DefaultActivityThresholds()),
		s, pub, clock, logger, m, presence.DefaultEngineConfig(),
	)
	return &harness{engine: engine, store: s, clock: clock, publisher: pub, metrics: m}
}

func ts(d time.Duration) *time.Time {
	v := t0.Add(d)
	return &v
}

func (h *harness) status(t *testing.T, userID string) models.Record {
	t.Helper()
	rec, ok, err := h.engine.Get(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, ok)
	return rec
}

// ===== SCENARIO TESTS =====

// TestManualOverrideBeatsLaterCalendar verifies a manual busy outranks a newer calendar busy
func TestManualOverrideBeatsLaterCalendar(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	res, err := h.engine.Ingest(ctx, presence.RawSignal{UserID: "alice", SourceKind: "manual", StatusHint: "busy", StartedAt: ts(0)})
	require.NoError(t, err)
	assert.Equal(t, presence.OutcomeAccepted, res.Outcome)

	h.clock.Advance(10 * time.Second)
	res, err = h.engine.Ingest(ctx, presence.RawSignal{UserID: "alice", SourceKind: "calendar", StatusHint: "busy", StartedAt: ts(10 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, presence.OutcomeRejected, res.Outcome)

	rec := h.status(t, "alice")
	assert.Equal(t, models.SourceManual, rec.WinningSource)
	assert.Equal(t, models.StatusBusy, rec.Status)
	assert.Len(t, h.publisher.Changes(), 1)
}

// TestActivityDegradesToOffline verifies idle, away and offline transitions driven by the sweeper
func TestActivityDegradesToOffline(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	sweeper := presence.NewSweeper(h.engine, time.Hour)

	_, err := h.engine.Ingest(ctx, presence.RawSignal{UserID: "alice", SourceKind: "activity", StartedAt: ts(0)})
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, h.status(t, "alice").Status)

	steps := []struct {
		at   time.Duration
		want models.Status
	}{
		{130 * time.Second, models.StatusIdle},
		{650 * time.Second, models.StatusAway},
		{1850 * time.Second, models.StatusOffline},
	}
	for _, step := range steps {
		h.clock.Set(t0.Add(step.at))
		n, err := sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n, step.at.String())
		assert.Equal(t, step.want, h.status(t, "alice").Status, step.at.String())
	}

	changes := h.publisher.Changes()
	require.Len(t, changes, 4)
	assert.Equal(t, models.StatusOffline, changes[3].Current.Status)
	assert.Equal(t, models.StatusAway, changes[3].Previous.Status)

	// a sweep with nothing left to do is a no-op
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestHeartbeatKeepsUserOnline verifies fresh activity resets degradation
func TestHeartbeatKeepsUserOnline(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	sweeper := presence.NewSweeper(h.engine, time.Hour)

	_, err := h.engine.Ingest(ctx, presence.RawSignal{UserID: "alice", SourceKind: "activity"})
	require.NoError(t, err)

	h.clock.Advance(130 * time.Second)
	_, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, models.StatusIdle, h.status(t, "alice").Status)

	_, err = h.engine.Ingest(ctx, presence.RawSignal{UserID: "alice", SourceKind: "activity"})
	require.NoError(t, err)
	rec := h.status(t, "alice")
	assert.Equal(t, models.StatusOnline, rec.Status)
	assert.Equal(t, t0.Add(130*time.Second), rec.LastActivityAt)
}

// TestConcurrentManualOverridesConverge verifies exactly one of two racing overrides wins
func TestConcurrentManualOverridesConverge(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	h.clock.Set(t0.Add(time.Minute))

	const users = 20
	var wg sync.WaitGroup
	errs := make(chan error, users*2)
	for i := 0; i < users; i++ {
		userID := fmt.Sprintf("user-%d", i)
		for _, s := range []struct {
			msg   string
			start time.Duration
		}{{"first", 0}, {"second", time.Second}} {
			wg.Add(1)
			go func(msg string, start time.Duration) {
				defer wg.Done()
				_, err := h.engine.Ingest(ctx, presence.RawSignal{
					UserID:        userID,
					SourceKind:    "manual",
					StatusHint:    "busy",
					CustomMessage: msg,
					StartedAt:     ts(start),
				})
				errs <- err
			}(s.msg, s.start)
		}
	}

	// a reader never sees the earlier override after the later one
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		seenSecond := false
		var lastVersion uint64
		for {
			select {
			case <-stop:
				return
			default:
			}
			rec, ok, err := h.engine.Get(ctx, "user-0")
			if err != nil || !ok {
				continue
			}
			assert.GreaterOrEqual(t, rec.Version, lastVersion)
			lastVersion = rec.Version
			if rec.CustomMessage == "second" {
				seenSecond = true
			}
			if seenSecond {
				assert.Equal(t, "second", rec.CustomMessage)
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-readerDone
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < users; i++ {
		rec := h.status(t, fmt.Sprintf("user-%d", i))
		assert.Equal(t, "second", rec.CustomMessage)
		assert.Equal(t, models.SourceManual, rec.WinningSource)
		assert.Equal(t, t0.Add(time.Second), rec.UpdatedAt)
	}
}

// ===== PROPERTY TESTS =====

// TestDuplicateSignalKeepsVersion verifies replays never advance the version
func TestDuplicateSignalKeepsVersion(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	raw := presence.RawSignal{UserID: "alice", SourceKind: "platform_sync", StatusHint: "away", StartedAt: ts(0), ExpiresAt: ts(time.Hour)}

	first, err := h.engine.Ingest(ctx, raw)
	require.NoError(t, err)
	h.clock.Advance(5 * time.Second)
	second, err := h.engine.Ingest(ctx, raw)
	require.NoError(t, err)

	assert.Equal(t, presence.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.Record.Version, second.Record.Version)
	assert.Equal(t, first.Record.Version, h.status(t, "alice").Version)
	assert.Len(t, h.publisher.Changes(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Signals().WithLabelValues("platform_sync", "duplicate")))
}

// TestRecordExpiresWithoutRefresh verifies an unrefreshed record reads and sweeps to offline
func TestRecordExpiresWithoutRefresh(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	_, err := h.engine.Ingest(ctx, presence.RawSignal{UserID: "alice", SourceKind: "manual", StatusHint: "busy", CustomMessage: "launch", ExpiresAt: ts(10 * time.Minute)})
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	rec := h.status(t, "alice")
	assert.Equal(t, models.StatusOffline, rec.Status, "read-time expiry")
	assert.Empty(t, rec.CustomMessage)

	n, err := h.engine.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	changes := h.publisher.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, models.StatusOffline, changes[1].Current.Status)
}

// TestBulkGetOmitsUnknownUsers verifies bulk reads
func TestBulkGetOmitsUnknownUsers(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	_, err := h.engine.Ingest(ctx, presence.RawSignal{UserID: "alice", SourceKind: "manual", StatusHint: "busy"})
	require.NoError(t, err)
	_, err = h.engine.Ingest(ctx, presence.RawSignal{UserID: "bob", SourceKind: "meeting", StatusHint: "busy"})
	require.NoError(t, err)

	recs, err := h.engine.BulkGet(ctx, []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, models.SourceMeeting, recs["bob"].WinningSource)
}

// TestIngestValidationError verifies malformed payloads are rejected without a write
func TestIngestValidationError(t *testing.T) {
	h := setupEngine(t)

	_, err := h.engine.Ingest(context.Background(), presence.RawSignal{UserID: "alice", SourceKind: "telepathy"})
	assert.True(t, presence.IsValidation(err))

	_, ok, err := h.engine.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

// ===== FAILURE TESTS =====

// conflictingStore loses every compare-and-swap
type conflictingStore struct {
	presence.Store
	attempts int
}

func (s *conflictingStore) GetEntry(context.Context, string) (*models.Entry, error) {
	return nil, nil
}

func (s *conflictingStore) CompareAndSwap(context.Context, string, uint64, models.Entry) error {
	s.attempts++
	return presence.ErrVersionMismatch
}

// TestSubmitGivesUpAfterRetries verifies bounded retries then a retryable conflict
func TestSubmitGivesUpAfterRetries(t *testing.T) {
	st := &conflictingStore{}
	engine := presence.NewEngine(
		presence.NewNormalizer(presence.DefaultPriorityTable, presence.DefaultNormalizerConfig()),
		presence.NewResolver(presence.DefaultPriorityTable, presence.DefaultActivityThresholds()),
		st, nil, presence.NewManualClock(t0), zaptest.NewLogger(t), nil, presence.DefaultEngineConfig(),
	)

	_, err := engine.Ingest(context.Background(), presence.RawSignal{UserID: "alice", SourceKind: "manual", StatusHint: "busy"})
	assert.ErrorIs(t, err, presence.ErrConcurrentUpdateConflict)
	assert.Equal(t, 4, st.attempts)
}

// TestWritesFailFastWhenPrimaryUnreachable verifies store outages surface to the caller
func TestWritesFailFastWhenPrimaryUnreachable(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	_, err := h.engine.Ingest(ctx, presence.RawSignal{UserID: "alice", SourceKind: "manual", StatusHint: "busy"})
	require.NoError(t, err)

	primary, ok := h.store.ShardMap().Lookup("alice")
	require.True(t, ok)
	require.NoError(t, h.store.MarkNodeUnreachable(primary.Primary))

	_, err = h.engine.Ingest(ctx, presence.RawSignal{UserID: "alice", SourceKind: "manual", StatusHint: "away", StartedAt: ts(time.Second)})
	assert.ErrorIs(t, err, presence.ErrStoreUnavailable)

	// reads fall back to the standby
	assert.Equal(t, models.StatusBusy, h.status(t, "alice").Status)
}

// ===== READ-TIME FALLTHROUGH TESTS =====

// TestExpiredWinnerFallsThroughBeforeSweep verifies reads show the next
// unexpired claim as soon as the winner expires, without waiting for a sweep
func TestExpiredWinnerFallsThroughBeforeSweep(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	_, err := h.engine.Ingest(ctx, presence.RawSignal{
		UserID: "alice", SourceKind: "calendar", StatusHint: "busy",
		CustomMessage: "planning", StartedAt: ts(0), ExpiresAt: ts(time.Hour),
	})
	require.NoError(t, err)
	res, err := h.engine.Ingest(ctx, presence.RawSignal{
		UserID: "alice", SourceKind: "manual", StatusHint: "away",
		CustomMessage: "coffee", StartedAt: ts(0), ExpiresAt: ts(time.Minute),
	})
	require.NoError(t, err)
	require.Equal(t, presence.OutcomeAccepted, res.Outcome)
	stored := res.Record

	h.clock.Advance(61 * time.Second)

	rec := h.status(t, "alice")
	assert.Equal(t, models.StatusBusy, rec.Status)
	assert.Equal(t, models.SourceCalendar, rec.WinningSource)
	assert.Equal(t, "planning", rec.CustomMessage)
	assert.Equal(t, stored.Version, rec.Version, "a read never bumps the version")

	recs, err := h.engine.BulkGet(ctx, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, rec, recs["alice"])

	// the sweep persists what readers already saw
	_, err = h.engine.ExpireSweep(ctx)
	require.NoError(t, err)
	swept := h.status(t, "alice")
	assert.Equal(t, models.StatusBusy, swept.Status)
	assert.Equal(t, models.SourceCalendar, swept.WinningSource)
	assert.Equal(t, stored.Version+1, swept.Version)
}

// TestExpiredWinnerWithoutFallbackReadsOffline verifies the last claim expiring
// reads as offline with no winning source
func TestExpiredWinnerWithoutFallbackReadsOffline(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	_, err := h.engine.Ingest(ctx, presence.RawSignal{
		UserID: "bob", SourceKind: "manual", StatusHint: "busy",
		CustomMessage: "demo", StartedAt: ts(0), ExpiresAt: ts(time.Minute),
	})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	rec := h.status(t, "bob")
	assert.Equal(t, models.StatusOffline, rec.Status)
	assert.Empty(t, rec.WinningSource)
	assert.Empty(t, rec.CustomMessage)
}

// ===== SWEEPER GATE TESTS =====

// TestSweeperSkipsPassesWhileInactive verifies background passes wait for the gate
func TestSweeperSkipsPassesWhileInactive(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	_, err := h.engine.Ingest(ctx, presence.RawSignal{UserID: "alice", SourceKind: "manual", StatusHint: "busy", ExpiresAt: ts(time.Minute)})
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)

	var leader atomic.Bool
	sweeper := presence.NewSweeper(h.engine, 5*time.Millisecond)
	sweeper.OnlyWhen(leader.Load)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.publisher.Changes(), 1, "no sweep while inactive")
	assert.Equal(t, uint64(1), h.status(t, "alice").Version)

	leader.Store(true)
	require.Eventually(t, func() bool { return len(h.publisher.Changes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StatusOffline, h.publisher.Changes()[1].Current.Status)
}
