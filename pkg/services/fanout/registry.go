package fanout

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jgirmay/presenced/pkg/metrics"
	"github.com/jgirmay/presenced/pkg/models"
)

// ErrRegistryClosed is returned when subscribing after shutdown
var ErrRegistryClosed = errors.New("subscription registry closed")

type contextEntry struct {
	refs        int
	subscribers map[string]*Subscriber
}

// Registry holds live subscriptions keyed by context. A context stays
// registered while at least one handle references it.
type Registry struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	contexts map[models.ContextKey]*contextEntry
	closed   bool
}

// NewRegistry creates an empty subscription registry
func NewRegistry(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Registry {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger.Named("subscriptions"),
		metrics:  m,
		contexts: make(map[models.ContextKey]*contextEntry),
	}
}

// Handle is the caller's reference to one subscription
type Handle struct {
	reg  *Registry
	sub  *Subscriber
	once sync.Once
}

// Subscribe registers a subscription delivering to sink and starts its
// delivery loop
func (r *Registry) Subscribe(sub models.Subscription, sink Sink) (*Handle, error) {
	if err := ValidateSubscription(sub); err != nil {
		return nil, err
	}
	key := sub.Key()

	s := newSubscriber(uuid.NewString(), sub, sink, r.cfg, r.logger, r.metrics, func(s *Subscriber) {
		r.drop(s)
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	entry, ok := r.contexts[key]
	if !ok {
		entry = &contextEntry{subscribers: make(map[string]*Subscriber)}
		r.contexts[key] = entry
	}
	entry.refs++
	entry.subscribers[s.id] = s
	r.mu.Unlock()

	s.start()
	r.metrics.SubscriptionOpened()
	r.logger.Debug("subscription opened",
		zap.String("subscriber_id", s.id),
		zap.String("viewer_id", s.viewerID),
		zap.String("context", key.String()))
	return &Handle{reg: r, sub: s}, nil
}

// ValidateSubscription checks a subscription before it is registered
func ValidateSubscription(sub models.Subscription) error {
	if sub.SubscriberID == "" {
		return fmt.Errorf("subscriber id is required")
	}
	if !sub.ContextType.Valid() {
		return fmt.Errorf("unknown context type %q", sub.ContextType)
	}
	if sub.ContextType != models.ContextGlobal && sub.ContextID == "" {
		return fmt.Errorf("context id is required for %s", sub.ContextType)
	}
	return nil
}

// Subscribers returns the live subscribers of a context
func (r *Registry) Subscribers(key models.ContextKey) []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.contexts[key]
	if !ok {
		return nil
	}
	out := make([]*Subscriber, 0, len(entry.subscribers))
	for _, s := range entry.subscribers {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live subscriptions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, entry := range r.contexts {
		n += len(entry.subscribers)
	}
	return n
}

// Contexts returns the number of referenced contexts
func (r *Registry) Contexts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// release unregisters s and reports whether it was still registered
func (r *Registry) release(s *Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.contexts[s.key]
	if !ok {
		return false
	}
	if _, ok := entry.subscribers[s.id]; !ok {
		return false
	}
	delete(entry.subscribers, s.id)
	entry.refs--
	if entry.refs <= 0 {
		delete(r.contexts, s.key)
	}
	return true
}

// drop removes a subscriber that kept failing. It runs on the subscriber's
// own delivery goroutine, so it only cancels.
func (r *Registry) drop(s *Subscriber) {
	s.cancel()
	if r.release(s) {
		r.metrics.SubscriptionClosed()
		r.metrics.SubscriberDropped()
		r.logger.Warn("subscriber dropped after consecutive delivery failures",
			zap.String("subscriber_id", s.id),
			zap.String("viewer_id", s.viewerID),
			zap.Int("max_failures", s.maxFailures))
	}
}

// Close cancels every subscription
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	var all []*Subscriber
	for key, entry := range r.contexts {
		for _, s := range entry.subscribers {
			all = append(all, s)
		}
		delete(r.contexts, key)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.stop()
		r.metrics.SubscriptionClosed()
	}
}

// ID returns the subscriber id of the handle
func (h *Handle) ID() string {
	return h.sub.id
}

// Subscriber returns the underlying subscriber
func (h *Handle) Subscriber() *Subscriber {
	return h.sub
}

// Done is closed once the subscription ends, by Close or by being dropped
func (h *Handle) Done() <-chan struct{} {
	return h.sub.ctx.Done()
}

// SetFilter replaces the subscription's filter set
func (h *Handle) SetFilter(f models.FilterSet) {
	h.sub.setFilter(f)
}

// Close ends the subscription. No delivery is attempted after Close returns.
func (h *Handle) Close() {
	h.once.Do(func() {
		released := h.reg.release(h.sub)
		h.sub.stop()
		if released {
			h.reg.metrics.SubscriptionClosed()
			h.reg.logger.Debug("subscription closed", zap.String("subscriber_id", h.sub.id))
		}
	})
}
