package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jgirmay/presenced/pkg/metrics"
	"github.com/jgirmay/presenced/pkg/models"
	"github.com/jgirmay/presenced/pkg/services/presence"
	"github.com/jgirmay/presenced/pkg/services/visibility"
)

// Event is one presence change as delivered to one subscriber
type Event struct {
	Type            string             `json:"type"`
	ContextType     models.ContextType `json:"context_type"`
	ContextID       string             `json:"context_id"`
	UserID          string             `json:"user_id"`
	Status          models.Status      `json:"status"`
	CustomMessage   string             `json:"custom_message,omitempty"`
	CustomIcon      string             `json:"custom_icon,omitempty"`
	ContextLocation string             `json:"context_location,omitempty"`
	Version         uint64             `json:"version,omitempty"`
	Visibility      visibility.Tier    `json:"visibility"`
	Timestamp       time.Time          `json:"timestamp"`

	recordVersion uint64
}

// EventPresenceChanged is the type of every presence event
const EventPresenceChanged = "presence_changed"

// Sink receives events for one subscriber. Deliver must return once ctx is done.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

type seen struct {
	version uint64
	view    visibility.View
}

// Subscriber owns the delivery of events to one sink. At most one delivery is
// in flight; events for a user whose version does not increase are discarded.
type Subscriber struct {
	id       string
	viewerID string
	key      models.ContextKey
	sink     Sink

	timeout     time.Duration
	maxFailures int
	logger      *zap.Logger
	metrics     *metrics.Metrics
	onDrop      func(*Subscriber)

	queue  chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	filter   models.FilterSet
	last     map[string]seen
	failures int
	degraded bool
}

func newSubscriber(id string, sub models.Subscription, sink Sink, cfg Config, logger *zap.Logger, m *metrics.Metrics, onDrop func(*Subscriber)) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		id:          id,
		viewerID:    sub.SubscriberID,
		key:         sub.Key(),
		sink:        sink,
		timeout:     cfg.DeliveryTimeout,
		maxFailures: cfg.MaxConsecutiveFailures,
		logger:      logger,
		metrics:     m,
		onDrop:      onDrop,
		queue:       make(chan Event, cfg.SubscriberBuffer),
		ctx:         ctx,
		cancel:      cancel,
		filter:      sub.FilterSet,
		last:        make(map[string]seen),
	}
}

// ID returns the connection-unique subscriber id
func (s *Subscriber) ID() string { return s.id }

// ViewerID returns the viewer the subscriber's events are filtered for
func (s *Subscriber) ViewerID() string { return s.viewerID }

// Degraded reports whether the last delivery attempt failed
func (s *Subscriber) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Filter returns the current filter set
func (s *Subscriber) Filter() models.FilterSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

func (s *Subscriber) setFilter(f models.FilterSet) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

func (s *Subscriber) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Subscriber) stop() {
	s.cancel()
	s.wg.Wait()
}

// offer queues view for delivery unless it is stale, unchanged for this
// subscriber, filtered out, or the subscriber is gone. It never blocks.
func (s *Subscriber) offer(view visibility.View, recordVersion uint64, now time.Time) bool {
	if s.ctx.Err() != nil {
		return false
	}

	s.mu.Lock()
	prev, ok := s.last[view.UserID]
	if ok && recordVersion <= prev.version {
		s.mu.Unlock()
		return false
	}
	unchanged := ok && sameView(prev.view, view)
	s.last[view.UserID] = seen{version: recordVersion, view: view}
	matches := s.filter.Matches(view.UserID, view.Status)
	s.mu.Unlock()

	if unchanged || !matches {
		return false
	}

	ev := Event{
		Type:            EventPresenceChanged,
		ContextType:     s.key.Type,
		ContextID:       s.key.ID,
		UserID:          view.UserID,
		Status:          view.Status,
		CustomMessage:   view.CustomMessage,
		CustomIcon:      view.CustomIcon,
		ContextLocation: view.ContextLocation,
		Version:         view.Version,
		Visibility:      view.Visibility,
		Timestamp:       now,
		recordVersion:   recordVersion,
	}

	select {
	case s.queue <- ev:
		return true
	default:
		s.metrics.Delivery("queue_full")
		s.logger.Debug("subscriber queue full, dropping event",
			zap.String("subscriber_id", s.id),
			zap.String("user_id", view.UserID))
		return false
	}
}

func (s *Subscriber) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.queue:
			err := s.deliver(ev)
			if s.ctx.Err() != nil {
				return
			}
			if s.recordResult(ev, err) {
				s.onDrop(s)
				return
			}
		}
	}
}

func (s *Subscriber) deliver(ev Event) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	err := s.sink.Deliver(ctx, ev)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("subscriber %s: %w", s.id, presence.ErrDeliveryTimeout)
	}
	return err
}

// recordResult updates failure accounting and reports whether the
// subscriber must be dropped
func (s *Subscriber) recordResult(ev Event, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.failures = 0
		s.degraded = false
		s.metrics.Delivery("ok")
		return false
	}

	s.failures++
	s.degraded = true
	if errors.Is(err, presence.ErrDeliveryTimeout) {
		s.metrics.Delivery("timeout")
	} else {
		s.metrics.Delivery("error")
	}
	s.logger.Warn("delivery failed",
		zap.String("subscriber_id", s.id),
		zap.String("user_id", ev.UserID),
		zap.Int("consecutive_failures", s.failures),
		zap.Error(err))
	return s.failures >= s.maxFailures
}

func sameView(a, b visibility.View) bool {
	return a.Status == b.Status &&
		a.CustomMessage == b.CustomMessage &&
		a.CustomIcon == b.CustomIcon &&
		a.ContextLocation == b.ContextLocation &&
		a.Visibility == b.Visibility
}
