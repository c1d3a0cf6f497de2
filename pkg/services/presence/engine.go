package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jgirmay/presenced/pkg/metrics"
	"github.com/jgirmay/presenced/pkg/models"
)

// Store is the subset of the presence store the engine writes through
type Store interface {
	GetEntry(ctx context.Context, userID string) (*models.Entry, error)
	Get(ctx context.Context, userID string) (*models.Record, error)
	BulkGet(ctx context.Context, userIDs []string) (map[string]models.Record, error)
	CompareAndSwap(ctx context.Context, userID string, expectedVersion uint64, entry models.Entry) error
	Scan(ctx context.Context, fn func(models.Entry) bool) error
	ExpireSweep(ctx context.Context, now time.Time, reconcile func(models.Entry, time.Time) (models.Entry, bool, bool)) ([]models.Change, error)
}

// Publisher receives record changes for fan-out. Publish must not block.
type Publisher interface {
	Publish(change models.Change)
}

// EngineConfig tunes the resolve-and-store path
type EngineConfig struct {
	// StoreTimeout bounds every individual store operation
	StoreTimeout time.Duration

	// MaxRetries is how many times resolution is retried after a version mismatch
	MaxRetries int
}

// DefaultEngineConfig returns a 200ms store timeout and 3 retries
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		StoreTimeout: 200 * time.Millisecond,
		MaxRetries:   3,
	}
}

// SubmitResult describes what happened to one signal
type SubmitResult struct {
	Outcome Outcome
	Record  models.Record
	Changed bool
}

// Engine wires normalizer, resolver, store and publisher into the write path
type Engine struct {
	normalizer *Normalizer
	resolver   *Resolver
	store      Store
	publisher  Publisher
	clock      Clock
	logger     *zap.Logger
	metrics    *metrics.Metrics
	cfg        EngineConfig
}

// NewEngine creates a presence engine
func NewEngine(
	normalizer *Normalizer,
	resolver *Resolver,
	store Store,
	publisher Publisher,
	clock Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
	cfg EngineConfig,
) *Engine {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultEngineConfig().StoreTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultEngineConfig().MaxRetries
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		normalizer: normalizer,
		resolver:   resolver,
		store:      store,
		publisher:  publisher,
		clock:      clock,
		logger:     logger.Named("engine"),
		metrics:    m,
		cfg:        cfg,
	}
}

// Ingest normalizes a raw connector payload and submits it
func (e *Engine) Ingest(ctx context.Context, raw RawSignal) (SubmitResult, error) {
	sig, err := e.normalizer.Normalize(raw, e.clock.Now())
	if err != nil {
		e.metrics.SignalProcessed(raw.SourceKind, "invalid")
		e.logger.Info("signal rejected by validation",
			zap.String("user_id", raw.UserID),
			zap.String("source_kind", raw.SourceKind),
			zap.Error(err))
		return SubmitResult{}, err
	}
	return e.Submit(ctx, sig)
}

// Submit resolves a normalized signal against the stored record and writes the
// result with compare-and-swap, retrying on concurrent writers.
func (e *Engine) Submit(ctx context.Context, sig models.Signal) (SubmitResult, error) {
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		current, err := e.getEntry(ctx, sig.UserID)
		if err != nil {
			return SubmitResult{}, err
		}

		now := e.clock.Now()
		res := e.resolver.Resolve(current, sig, now)

		if !res.Write {
			result := SubmitResult{Outcome: res.Outcome}
			if current != nil {
				result.Record = current.Record.AsOf(now)
			}
			e.metrics.SignalProcessed(string(sig.Source), string(res.Outcome))
			return result, nil
		}

		var expected uint64
		if current != nil {
			expected = current.Record.Version
		}

		err = e.compareAndSwap(ctx, sig.UserID, expected, res.Entry)
		if errors.Is(err, ErrVersionMismatch) {
			e.metrics.CASConflict()
			e.logger.Debug("version mismatch, re-resolving",
				zap.String("user_id", sig.UserID),
				zap.Uint64("expected_version", expected),
				zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return SubmitResult{}, err
		}

		e.metrics.SignalProcessed(string(sig.Source), string(res.Outcome))
		if res.Changed {
			e.publish(current, res.Entry.Record)
		}
		return SubmitResult{
			Outcome: res.Outcome,
			Record:  res.Entry.Record,
			Changed: res.Changed,
		}, nil
	}

	e.metrics.SignalProcessed(string(sig.Source), "conflict")
	e.logger.Warn("giving up after concurrent updates",
		zap.String("user_id", sig.UserID),
		zap.Int("retries", e.cfg.MaxRetries))
	return SubmitResult{}, fmt.Errorf("user %s: %w", sig.UserID, ErrConcurrentUpdateConflict)
}

// Get returns the resolved record of a user as of now
func (e *Engine) Get(ctx context.Context, userID string) (models.Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	rec, err := e.store.Get(ctx, userID)
	if err != nil {
		return models.Record{}, false, err
	}
	if rec == nil {
		return models.Record{}, false, nil
	}
	return *rec, true, nil
}

// BulkGet returns the resolved records of several users. Users without a record are absent.
func (e *Engine) BulkGet(ctx context.Context, userIDs []string) (map[string]models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return e.store.BulkGet(ctx, userIDs)
}

// ExpireSweep evicts expired signals and moves records whose winner expired
// to the next claim or offline, publishing every visible transition.
func (e *Engine) ExpireSweep(ctx context.Context) (int, error) {
	changes, err := e.store.ExpireSweep(ctx, e.clock.Now(), func(entry models.Entry, now time.Time) (models.Entry, bool, bool) {
		res := e.resolver.Reconcile(entry, now)
		return res.Entry, res.Write, res.Changed
	})
	for _, c := range changes {
		e.metrics.SweepTransition("expiry")
		if e.publisher != nil {
			e.publisher.Publish(c)
		}
	}
	return len(changes), err
}

func (e *Engine) getEntry(ctx context.Context, userID string) (*models.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return e.store.GetEntry(ctx, userID)
}

func (e *Engine) compareAndSwap(ctx context.Context, userID string, expected uint64, entry models.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return e.store.CompareAndSwap(ctx, userID, expected, entry)
}

func (e *Engine) publish(previous *models.Entry, current models.Record) {
	if e.publisher == nil {
		return
	}
	change, _ := ChangeOf(previous, current)
	e.publisher.Publish(change)
}
