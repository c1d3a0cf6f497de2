// Package store holds the authoritative presence record of every user in a
// sharded, replicated in-memory layout. Each shard has a primary and a standby
// replica on distinct nodes; losing a node promotes its standbys.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jgirmay/presenced/pkg/metrics"
	"github.com/jgirmay/presenced/pkg/models"
	"github.com/jgirmay/presenced/pkg/services/presence"
)

// CommitLog orders writes through a replicated log before they are applied.
// When set, CompareAndSwap goes through the log and the log's state machine
// calls ApplyCompareAndSwap on every member.
type CommitLog interface {
	CommitCompareAndSwap(ctx context.Context, userID string, expectedVersion uint64, entry models.Entry) error
}

// Config holds store placement settings
type Config struct {
	// ShardCount is the number of logical shards
	ShardCount int

	// Nodes are the logical storage nodes shards are placed on
	Nodes []string

	// SyncReplication applies every write to the standby before acknowledging it
	SyncReplication bool

	// ReplicationQueueSize bounds pending asynchronous replication per shard
	ReplicationQueueSize int

	// ResyncInterval is how often a standby that missed writes is fully resynced
	ResyncInterval time.Duration
}

// DefaultConfig returns 16 shards over three nodes with async replication
func DefaultConfig() Config {
	return Config{
		ShardCount:           16,
		Nodes:                []string{"node-a", "node-b", "node-c"},
		ReplicationQueueSize: 1024,
		ResyncInterval:       time.Second,
	}
}

type replication struct {
	epoch  uint64
	target string
	userID string
	entry  models.Entry
}

type shard struct {
	id int

	mu       sync.RWMutex
	primary  string
	standby  string
	epoch    uint64
	stale    bool
	replicas map[string]map[string]models.Entry

	queue chan replication
}

// Store is the sharded presence store
type Store struct {
	cfg     Config
	clock   presence.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	shards  []*shard

	mu         sync.RWMutex
	up         map[string]bool
	mapVersion uint64
	commitLog  CommitLog
	resolver   atomic.Pointer[presence.Resolver]

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a store. Shard i starts with its primary on Nodes[i%n] and its
// standby on the following node.
func New(cfg Config, clock presence.Clock, logger *zap.Logger, m *metrics.Metrics) (*Store, error) {
	def := DefaultConfig()
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = def.ShardCount
	}
	if len(cfg.Nodes) == 0 {
		cfg.Nodes = def.Nodes
	}
	if cfg.ReplicationQueueSize <= 0 {
		cfg.ReplicationQueueSize = def.ReplicationQueueSize
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = def.ResyncInterval
	}
	seen := make(map[string]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if n == "" {
			return nil, errors.New("store: empty node name")
		}
		if seen[n] {
			return nil, fmt.Errorf("store: duplicate node %q", n)
		}
		seen[n] = true
	}
	if clock == nil {
		clock = presence.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		cfg:        cfg,
		clock:      clock,
		logger:     logger.Named("store"),
		metrics:    m,
		up:         seen,
		mapVersion: 1,
		done:       make(chan struct{}),
	}

	s.resolver.Store(presence.NewResolver(presence.DefaultPriorityTable, presence.DefaultActivityThresholds()))

	n := len(cfg.Nodes)
	s.shards = make([]*shard, cfg.ShardCount)
	for i := range s.shards {
		sh := &shard{
			id:       i,
			primary:  cfg.Nodes[i%n],
			replicas: make(map[string]map[string]models.Entry),
			queue:    make(chan replication, cfg.ReplicationQueueSize),
		}
		sh.replicas[sh.primary] = make(map[string]models.Entry)
		if n > 1 {
			sh.standby = cfg.Nodes[(i+1)%n]
			sh.replicas[sh.standby] = make(map[string]models.Entry)
		}
		s.shards[i] = sh
	}
	return s, nil
}

// SetCommitLog routes writes through log. Call before serving traffic.
func (s *Store) SetCommitLog(log CommitLog) {
	s.mu.Lock()
	s.commitLog = log
	s.mu.Unlock()
}

// SetResolver replaces the resolver reads use to fall through from an expired
// winner to the next unexpired claim. Call before serving traffic.
func (s *Store) SetResolver(r *presence.Resolver) {
	s.resolver.Store(r)
}

func (s *Store) view(entry models.Entry, now time.Time) models.Record {
	return s.resolver.Load().View(entry, now)
}

// Start launches the per-shard replication workers
func (s *Store) Start() {
	s.startOnce.Do(func() {
		for _, sh := range s.shards {
			s.wg.Add(1)
			go s.replicate(sh)
		}
		s.logger.Info("store started",
			zap.Int("shards", len(s.shards)),
			zap.Strings("nodes", s.cfg.Nodes),
			zap.Bool("sync_replication", s.cfg.SyncReplication))
	})
}

// Close stops replication workers
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *Store) shardFor(userID string) *shard {
	return s.shards[ShardIndex(userID, len(s.shards))]
}

func (s *Store) nodeUp(node string) bool {
	if node == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.up[node]
}

// readNode returns the replica reads are served from; the standby when the
// primary is unreachable. Caller holds sh.mu.
func (s *Store) readNode(sh *shard) (string, error) {
	if s.nodeUp(sh.primary) {
		return sh.primary, nil
	}
	if s.nodeUp(sh.standby) {
		return sh.standby, nil
	}
	return "", fmt.Errorf("shard %d: %w", sh.id, presence.ErrStoreUnavailable)
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", presence.ErrStoreUnavailable, err)
	}
	return nil
}

// Get returns the record of userID as a reader sees it now, nil when absent
func (s *Store) Get(ctx context.Context, userID string) (rec *models.Record, err error) {
	defer func(start time.Time) { s.metrics.StoreOperation("get", start, err) }(time.Now())
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	sh := s.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	node, err := s.readNode(sh)
	if err != nil {
		return nil, err
	}
	entry, ok := sh.replicas[node][userID]
	if !ok {
		return nil, nil
	}
	r := s.view(entry, s.clock.Now())
	return &r, nil
}

// GetEntry returns the stored entry of userID from the primary for a
// subsequent write, nil when absent
func (s *Store) GetEntry(ctx context.Context, userID string) (*models.Entry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	sh := s.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if !s.nodeUp(sh.primary) {
		return nil, fmt.Errorf("shard %d primary %q: %w", sh.id, sh.primary, presence.ErrStoreUnavailable)
	}
	entry, ok := sh.replicas[sh.primary][userID]
	if !ok {
		return nil, nil
	}
	e := entry.Clone()
	return &e, nil
}

// BulkGet returns the records of the given users as of now. Users without a
// record are absent from the result.
func (s *Store) BulkGet(ctx context.Context, userIDs []string) (out map[string]models.Record, err error) {
	defer func(start time.Time) { s.metrics.StoreOperation("bulk_get", start, err) }(time.Now())
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	byShard := make(map[*shard][]string)
	for _, id := range userIDs {
		sh := s.shardFor(id)
		byShard[sh] = append(byShard[sh], id)
	}

	now := s.clock.Now()
	out = make(map[string]models.Record, len(userIDs))
	for sh, ids := range byShard {
		sh.mu.RLock()
		node, err := s.readNode(sh)
		if err != nil {
			sh.mu.RUnlock()
			return nil, err
		}
		for _, id := range ids {
			if entry, ok := sh.replicas[node][id]; ok {
				out[id] = s.view(entry, now)
			}
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

// CompareAndSwap replaces the entry of userID if its stored version equals
// expectedVersion (0 when absent)
func (s *Store) CompareAndSwap(ctx context.Context, userID string, expectedVersion uint64, entry models.Entry) (err error) {
	defer func(start time.Time) { s.metrics.StoreOperation("cas", start, err) }(time.Now())
	if err := ctxErr(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	log := s.commitLog
	s.mu.RUnlock()
	if log != nil {
		return log.CommitCompareAndSwap(ctx, userID, expectedVersion, entry)
	}
	return s.ApplyCompareAndSwap(userID, expectedVersion, entry)
}

// ApplyCompareAndSwap performs the version check and write on the local replicas
func (s *Store) ApplyCompareAndSwap(userID string, expectedVersion uint64, entry models.Entry) error {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if !s.nodeUp(sh.primary) {
		return fmt.Errorf("shard %d primary %q: %w", sh.id, sh.primary, presence.ErrStoreUnavailable)
	}

	var current uint64
	if existing, ok := sh.replicas[sh.primary][userID]; ok {
		current = existing.Record.Version
	}
	if current != expectedVersion {
		return fmt.Errorf("user %s: stored %d, expected %d: %w",
			userID, current, expectedVersion, presence.ErrVersionMismatch)
	}

	stored := entry.Clone()
	sh.replicas[sh.primary][userID] = stored

	if sh.standby == "" {
		return nil
	}
	if s.cfg.SyncReplication {
		if s.nodeUp(sh.standby) {
			sh.replicas[sh.standby][userID] = stored.Clone()
		}
		return nil
	}

	select {
	case sh.queue <- replication{epoch: sh.epoch, target: sh.standby, userID: userID, entry: stored.Clone()}:
	default:
		sh.stale = true
		s.metrics.ReplicationDropped()
	}
	return nil
}

func (s *Store) replicate(sh *shard) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case op := <-sh.queue:
			s.applyReplication(sh, op)
		case <-ticker.C:
			sh.mu.Lock()
			if sh.stale {
				s.resync(sh)
			}
			sh.mu.Unlock()
		}
	}
}

func (s *Store) applyReplication(sh *shard, op replication) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if op.epoch != sh.epoch || op.target != sh.standby || !s.nodeUp(op.target) {
		s.metrics.ReplicationDropped()
		return
	}
	replica := sh.replicas[op.target]
	if existing, ok := replica[op.userID]; ok && existing.Record.Version >= op.entry.Record.Version {
		return
	}
	replica[op.userID] = op.entry
}

// resync copies the primary replica onto the standby. Caller holds sh.mu.
func (s *Store) resync(sh *shard) {
	sh.stale = false
	if sh.standby == "" || !s.nodeUp(sh.primary) {
		return
	}
	src := sh.replicas[sh.primary]
	dst := make(map[string]models.Entry, len(src))
	for id, e := range src {
		dst[id] = e.Clone()
	}
	sh.replicas[sh.standby] = dst
}

// Scan calls fn for every stored entry until fn returns false
func (s *Store) Scan(ctx context.Context, fn func(models.Entry) bool) error {
	for _, sh := range s.shards {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		entries, err := s.snapshot(sh)
		if err != nil {
			s.logger.Warn("skipping unavailable shard in scan", zap.Int("shard", sh.id), zap.Error(err))
			continue
		}
		for _, e := range entries {
			if !fn(e) {
				return nil
			}
		}
	}
	return nil
}

func (s *Store) snapshot(sh *shard) ([]models.Entry, error) {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	node, err := s.readNode(sh)
	if err != nil {
		return nil, err
	}
	out := make([]models.Entry, 0, len(sh.replicas[node]))
	for _, e := range sh.replicas[node] {
		out = append(out, e.Clone())
	}
	return out, nil
}

// ExpireSweep runs reconcile over every stored entry and writes back the
// entries it changed. Records stay in place once offline so their version
// keeps increasing across sessions. It returns the visible transitions.
func (s *Store) ExpireSweep(ctx context.Context, now time.Time, reconcile func(models.Entry, time.Time) (models.Entry, bool, bool)) ([]models.Change, error) {
	var changes []models.Change
	var firstErr error

	for _, sh := range s.shards {
		if err := ctxErr(ctx); err != nil {
			return changes, err
		}
		entries, err := s.snapshot(sh)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, e := range entries {
			next, write, changed := reconcile(e, now)
			if !write {
				continue
			}
			err := s.CompareAndSwap(ctx, e.Record.UserID, e.Record.Version, next)
			if errors.Is(err, presence.ErrVersionMismatch) {
				// a concurrent signal already re-resolved this user
				continue
			}
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if changed {
				prev := e.Record
				changes = append(changes, models.Change{Previous: &prev, Current: next.Record})
			}
		}
	}
	return changes, firstErr
}

// Export returns every entry held by shard primaries
func (s *Store) Export() []models.Entry {
	var out []models.Entry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.replicas[sh.primary] {
			out = append(out, e.Clone())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.UserID < out[j].Record.UserID })
	return out
}

// Import replaces all stored state with entries
func (s *Store) Import(entries []models.Entry) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for node := range sh.replicas {
			sh.replicas[node] = make(map[string]models.Entry)
		}
		sh.mu.Unlock()
	}
	for _, e := range entries {
		sh := s.shardFor(e.Record.UserID)
		sh.mu.Lock()
		for _, node := range []string{sh.primary, sh.standby} {
			if node == "" {
				continue
			}
			if sh.replicas[node] == nil {
				sh.replicas[node] = make(map[string]models.Entry)
			}
			sh.replicas[node][e.Record.UserID] = e.Clone()
		}
		sh.mu.Unlock()
	}
}

// MarkNodeUnreachable takes node out of service without promoting its
// standbys. Reads of its shards fall back to the standby and writes fail.
func (s *Store) MarkNodeUnreachable(node string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.up[node]; !ok {
		return fmt.Errorf("unknown node %q", node)
	}
	s.up[node] = false
	s.mapVersion++
	s.logger.Warn("node unreachable", zap.String("node", node))
	return nil
}

// FailNode removes node and promotes the standby of every shard it led.
// Writes not yet replicated off the failed node are lost.
func (s *Store) FailNode(node string) error {
	if err := s.MarkNodeUnreachable(node); err != nil {
		return err
	}

	promoted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		switch node {
		case sh.primary:
			delete(sh.replicas, node)
			sh.epoch++
			sh.primary = ""
			if s.nodeUp(sh.standby) {
				sh.primary = sh.standby
				promoted++
				s.metrics.Failover()
			}
			sh.standby = s.pickStandby(sh)
			s.resync(sh)
		case sh.standby:
			delete(sh.replicas, node)
			sh.epoch++
			sh.standby = s.pickStandby(sh)
			s.resync(sh)
		}
		sh.mu.Unlock()
	}

	s.bumpMapVersion()
	s.logger.Warn("node failed over",
		zap.String("node", node),
		zap.Int("promoted_shards", promoted))
	return nil
}

// RecoverNode returns node to service, resyncing any shard it rejoins
func (s *Store) RecoverNode(node string) error {
	s.mu.Lock()
	if _, ok := s.up[node]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown node %q", node)
	}
	s.up[node] = true
	s.mu.Unlock()

	for _, sh := range s.shards {
		sh.mu.Lock()
		switch {
		case sh.primary == "":
			// every replica was lost; restart the shard empty on this node
			sh.primary = node
			sh.replicas[node] = make(map[string]models.Entry)
			sh.epoch++
		case sh.primary == node || sh.standby == node:
			s.resync(sh)
		case sh.standby == "" || !s.nodeUp(sh.standby):
			sh.standby = node
			sh.epoch++
			s.resync(sh)
		}
		sh.mu.Unlock()
	}

	s.bumpMapVersion()
	s.logger.Info("node recovered", zap.String("node", node))
	return nil
}

// pickStandby returns the first healthy node after the shard's primary in
// placement order. Caller holds sh.mu.
func (s *Store) pickStandby(sh *shard) string {
	n := len(s.cfg.Nodes)
	for k := 1; k <= n; k++ {
		cand := s.cfg.Nodes[(sh.id+k)%n]
		if cand != sh.primary && s.nodeUp(cand) {
			return cand
		}
	}
	return ""
}

func (s *Store) bumpMapVersion() {
	s.mu.Lock()
	s.mapVersion++
	s.mu.Unlock()
}

// ShardMap returns the current placement of every shard
func (s *Store) ShardMap() ShardMap {
	s.mu.RLock()
	m := ShardMap{
		Version: s.mapVersion,
		Nodes:   make(map[string]bool, len(s.up)),
		Shards:  make([]ShardAssignment, len(s.shards)),
	}
	for n, up := range s.up {
		m.Nodes[n] = up
	}
	s.mu.RUnlock()

	for i, sh := range s.shards {
		sh.mu.RLock()
		m.Shards[i] = ShardAssignment{
			Shard:   sh.id,
			Primary: sh.primary,
			Standby: sh.standby,
			Records: len(sh.replicas[sh.primary]),
		}
		sh.mu.RUnlock()
	}
	return m
}
