// Package fanout pushes resolved, visibility-filtered presence changes to the
// live subscriptions of every context the changed user belongs to.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/jgirmay/presenced/pkg/metrics"
	"github.com/jgirmay/presenced/pkg/models"
	"github.com/jgirmay/presenced/pkg/services/visibility"
)

// Config tunes fan-out
type Config struct {
	// CoalesceWindow bounds activity-driven broadcasts to one per user per window
	CoalesceWindow time.Duration

	// QueueSize bounds changes waiting to be fanned out
	QueueSize int

	// Workers is the number of dispatch workers; a user always maps to the same one
	Workers int

	// DeliveryTimeout bounds one delivery attempt to one subscriber
	DeliveryTimeout time.Duration

	// MaxConsecutiveFailures drops a subscriber after this many failed deliveries
	MaxConsecutiveFailures int

	// SubscriberBuffer bounds events queued for one subscriber
	SubscriberBuffer int

	// ResolveTimeout bounds the context lookup of one change and each
	// visibility lookup of one viewer
	ResolveTimeout time.Duration

	// ViewerConcurrency bounds visibility lookups running for one change
	ViewerConcurrency int
}

// DefaultConfig returns a 1s coalescing window and 1s delivery timeout
func DefaultConfig() Config {
	return Config{
		CoalesceWindow:         time.Second,
		QueueSize:              4096,
		Workers:                4,
		DeliveryTimeout:        time.Second,
		MaxConsecutiveFailures: 3,
		SubscriberBuffer:       64,
		ResolveTimeout:         500 * time.Millisecond,
		ViewerConcurrency:      16,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = def.CoalesceWindow
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = def.DeliveryTimeout
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = def.SubscriberBuffer
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = def.ResolveTimeout
	}
	if c.ViewerConcurrency <= 0 {
		c.ViewerConcurrency = def.ViewerConcurrency
	}
	return c
}

// ContextResolver lists the team and organization contexts of a user
type ContextResolver interface {
	ContextsFor(ctx context.Context, userID string) ([]models.ContextKey, error)
}

// Viewer renders a record as one viewer may see it
type Viewer interface {
	View(ctx context.Context, viewerID string, rec models.Record) (visibility.View, error)
}

// BatchViewer renders a record for many viewers at once. It returns the views
// it could resolve without per-viewer lookups; the rest go through View.
type BatchViewer interface {
	ViewBatch(ctx context.Context, rec models.Record, viewerIDs []string) (map[string]visibility.View, error)
}

type coalesced struct {
	change models.Change
	timer  *time.Timer
}

// Broadcaster receives record changes from the write path and fans them out.
// Publish never blocks; everything after it is asynchronous.
type Broadcaster struct {
	cfg      Config
	registry *Registry
	contexts ContextResolver
	viewer   Viewer
	logger   *zap.Logger
	metrics  *metrics.Metrics

	changes chan models.Change
	flushes chan string
	work    []chan models.Change

	// owned by the run loop
	pending  map[string]*coalesced
	lastSent map[string]time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewBroadcaster creates a broadcaster over registry
func NewBroadcaster(cfg Config, registry *Registry, contexts ContextResolver, viewer Viewer, logger *zap.Logger, m *metrics.Metrics) *Broadcaster {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{
		cfg:      cfg,
		registry: registry,
		contexts: contexts,
		viewer:   viewer,
		logger:   logger.Named("fanout"),
		metrics:  m,
		changes:  make(chan models.Change, cfg.QueueSize),
		flushes:  make(chan string, cfg.QueueSize),
		work:     make([]chan models.Change, cfg.Workers),
		pending:  make(map[string]*coalesced),
		lastSent: make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for i := range b.work {
		b.work[i] = make(chan models.Change, cfg.QueueSize/cfg.Workers+1)
	}
	return b
}

// Publish hands a change to fan-out without waiting
func (b *Broadcaster) Publish(change models.Change) {
	select {
	case b.changes <- change:
	default:
		b.metrics.Delivery("publish_dropped")
		b.logger.Warn("fan-out queue full, dropping change",
			zap.String("user_id", change.Current.UserID),
			zap.Uint64("version", change.Current.Version))
	}
}

// Start launches the coalescing loop and dispatch workers
func (b *Broadcaster) Start() {
	b.startOnce.Do(func() {
		for i := range b.work {
			b.wg.Add(1)
			go b.worker(b.work[i])
		}
		b.wg.Add(1)
		go b.run()
	})
}

// Stop halts fan-out. Pending coalesced changes are discarded.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
	})
}

func (b *Broadcaster) run() {
	defer b.wg.Done()
	prune := time.NewTicker(time.Minute)
	defer prune.Stop()

	for {
		select {
		case <-b.done:
			for _, p := range b.pending {
				p.timer.Stop()
			}
			return
		case change := <-b.changes:
			b.accept(change, time.Now())
		case userID := <-b.flushes:
			b.flush(userID, time.Now())
		case now := <-prune.C:
			for user, sent := range b.lastSent {
				if now.Sub(sent) > b.cfg.CoalesceWindow {
					delete(b.lastSent, user)
				}
			}
		}
	}
}

func (b *Broadcaster) accept(change models.Change, now time.Time) {
	userID := change.Current.UserID

	// publishers race, so a change may arrive after a newer one for the same user
	if change.BypassesCoalescing() {
		if p, ok := b.pending[userID]; ok {
			p.timer.Stop()
			delete(b.pending, userID)
			if p.change.Current.Version > change.Current.Version {
				change = p.change
			}
		}
		b.dispatch(change, now)
		return
	}

	if p, ok := b.pending[userID]; ok {
		b.metrics.Coalesced()
		if change.Current.Version < p.change.Current.Version {
			return
		}
		// keep the earliest previous so the folded change spans the whole window
		if p.change.Previous != nil {
			change.Previous = p.change.Previous
		}
		p.change = change
		return
	}

	since := now.Sub(b.lastSent[userID])
	if since >= b.cfg.CoalesceWindow {
		b.dispatch(change, now)
		return
	}

	b.metrics.Coalesced()
	b.pending[userID] = &coalesced{
		change: change,
		timer: time.AfterFunc(b.cfg.CoalesceWindow-since, func() {
			select {
			case b.flushes <- userID:
			case <-b.done:
			}
		}),
	}
}

func (b *Broadcaster) flush(userID string, now time.Time) {
	p, ok := b.pending[userID]
	if !ok {
		return
	}
	delete(b.pending, userID)
	b.dispatch(p.change, now)
}

func (b *Broadcaster) dispatch(change models.Change, now time.Time) {
	userID := change.Current.UserID
	b.lastSent[userID] = now

	w := b.work[xxhash.Sum64String(userID)%uint64(len(b.work))]
	select {
	case w <- change:
	case <-b.done:
	}
}

func (b *Broadcaster) worker(in chan models.Change) {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case change := <-in:
			b.deliver(change)
		}
	}
}

// deliver renders change for every subscriber of every context of the user
func (b *Broadcaster) deliver(change models.Change) {
	rec := change.Current

	var subs []*Subscriber
	viewerIDs := make([]string, 0)
	seenViewer := make(map[string]bool)
	for _, key := range b.contextsOf(rec.UserID) {
		for _, sub := range b.registry.Subscribers(key) {
			subs = append(subs, sub)
			if !seenViewer[sub.viewerID] {
				seenViewer[sub.viewerID] = true
				viewerIDs = append(viewerIDs, sub.viewerID)
			}
		}
	}
	if len(subs) == 0 {
		return
	}

	views := b.render(rec, viewerIDs)
	now := time.Now()
	for _, sub := range subs {
		sub.offer(views[sub.viewerID], rec.Version, now)
	}
}

func (b *Broadcaster) contextsOf(userID string) []models.ContextKey {
	keys := []models.ContextKey{models.GlobalContext}
	if b.contexts == nil {
		return keys
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ResolveTimeout)
	defer cancel()
	userContexts, err := b.contexts.ContextsFor(ctx, userID)
	if err != nil {
		b.logger.Warn("context lookup failed, broadcasting to global only",
			zap.String("user_id", userID),
			zap.Error(err))
	}
	return append(keys, userContexts...)
}

// render returns a view of rec for every viewer. Viewers the batch path
// cannot answer are looked up in parallel, each under its own deadline.
func (b *Broadcaster) render(rec models.Record, viewerIDs []string) map[string]visibility.View {
	views := make(map[string]visibility.View, len(viewerIDs))
	remaining := viewerIDs

	if batch, ok := b.viewer.(BatchViewer); ok {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ResolveTimeout)
		resolved, err := batch.ViewBatch(ctx, rec, viewerIDs)
		cancel()
		if err != nil {
			b.logger.Debug("batch visibility lookup failed, falling back to per-viewer lookups",
				zap.String("user_id", rec.UserID),
				zap.Error(err))
		} else {
			remaining = nil
			for _, id := range viewerIDs {
				if v, ok := resolved[id]; ok {
					views[id] = v
				} else {
					remaining = append(remaining, id)
				}
			}
		}
	}
	if len(remaining) == 0 {
		return views
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, b.cfg.ViewerConcurrency)
	)
	for _, id := range remaining {
		wg.Add(1)
		sem <- struct{}{}
		go func(viewerID string) {
			defer wg.Done()
			defer func() { <-sem }()
			v := b.viewOne(rec, viewerID)
			mu.Lock()
			views[viewerID] = v
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return views
}

// viewOne looks up one viewer, retrying once. A viewer whose lookup keeps
// failing is sent the hidden payload, so the update still reaches it.
func (b *Broadcaster) viewOne(rec models.Record, viewerID string) visibility.View {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ResolveTimeout)
		var v visibility.View
		v, err = b.viewer.View(ctx, viewerID, rec)
		cancel()
		if err == nil {
			return v
		}
	}
	b.metrics.Delivery("view_failed")
	b.logger.Warn("visibility lookup failed, sending hidden payload",
		zap.String("user_id", rec.UserID),
		zap.String("viewer_id", viewerID),
		zap.Error(err))
	return visibility.Hidden(rec.UserID)
}
