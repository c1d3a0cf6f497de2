package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jgirmay/presenced/pkg/models"
)

// Sweeper drives the time-based part of presence: it degrades activity-derived
// statuses and expires records that nothing refreshed.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger
	active   func() bool

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSweeper creates a sweeper running every interval
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		logger:   engine.logger.Named("sweeper"),
		done:     make(chan struct{}),
	}
}

// OnlyWhen makes background passes run only while fn reports true. With a
// replicated store every member holds the same records, so only the raft
// leader sweeps. Call before Start.
func (s *Sweeper) OnlyWhen(fn func() bool) {
	s.active = fn
}

// Start begins sweeping in the background
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				if s.active != nil && !s.active() {
					continue
				}
				if _, err := s.SweepOnce(ctx); err != nil {
					s.logger.Warn("sweep incomplete", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the background sweep and waits for an in-progress pass
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
}

// SweepOnce performs one pass and returns the number of transitions submitted
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.engine.clock.Now()
	th := s.engine.resolver.Activity
	weight, _ := s.engine.resolver.Table.Weight(models.SourceActivity)

	var candidates []models.Signal
	err := s.engine.store.Scan(ctx, func(entry models.Entry) bool {
		rec := entry.Record
		if rec.WinningSource != models.SourceActivity || rec.WinningWeight == 0 || rec.Expired(now) {
			return true
		}
		candidate := ActivityStatus(rec.LastActivityAt, now, th)
		if candidate == rec.Status || candidate == models.StatusOffline || rec.Status == models.StatusOffline {
			// offline is reached through record expiry, not a derived claim
			return true
		}
		candidates = append(candidates, models.Signal{
			ID:             uuid.NewString(),
			UserID:         rec.UserID,
			Source:         models.SourceActivity,
			StatusHint:     candidate,
			StartedAt:      rec.UpdatedAt.Add(time.Nanosecond),
			ExpiresAt:      rec.LastActivityAt.Add(th.Offline),
			PriorityWeight: weight,
			Derived:        true,
		})
		return true
	})
	if err != nil {
		return 0, err
	}

	transitions := 0
	for _, sig := range candidates {
		res, err := s.engine.Submit(ctx, sig)
		if err != nil {
			s.logger.Debug("activity transition not applied",
				zap.String("user_id", sig.UserID),
				zap.String("candidate", string(sig.StatusHint)),
				zap.Error(err))
			continue
		}
		if res.Changed {
			transitions++
			s.engine.metrics.SweepTransition(string(sig.StatusHint))
		}
	}

	expired, err := s.engine.ExpireSweep(ctx)
	if err != nil {
		return transitions + expired, err
	}
	return transitions + expired, nil
}
