// Package rate_limiting bounds how fast connector clients may push signals.
package rate_limiting

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jgirmay/presenced/pkg/services/presence"
)

// Rule is a sliding-window limit: at most Limit requests per Window
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Decision is the verdict for one request
type Decision struct {
	Allowed           bool
	Rule              string
	Reason            string
	RetryAfterSeconds int
	Limit             int
	Remaining         int
	ResetTime         time.Time
}

// RateLimiter decides whether a request from key may proceed
type RateLimiter interface {
	CheckLimit(ctx context.Context, key string) (Decision, error)
}

// window is the two-bucket state of the sliding window counter
type window struct {
	start    time.Time
	current  int
	previous int
}

// SlidingWindowLimiter approximates a sliding window by weighting the
// previous fixed window by how much of it still overlaps the current one.
// State is in memory and per process.
type SlidingWindowLimiter struct {
	rule  Rule
	clock presence.Clock

	mu      sync.Mutex
	windows map[string]*window

	done     chan struct{}
	stopOnce sync.Once
}

// NewSlidingWindowLimiter creates a limiter enforcing rule
func NewSlidingWindowLimiter(rule Rule, clock presence.Clock) (*SlidingWindowLimiter, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return nil, fmt.Errorf("rate limit rule %q needs a positive limit and window", rule.Name)
	}
	if rule.Name == "" {
		rule.Name = "default"
	}
	if clock == nil {
		clock = presence.SystemClock{}
	}
	return &SlidingWindowLimiter{
		rule:    rule,
		clock:   clock,
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}, nil
}

// CheckLimit counts one request from key and reports whether it is allowed.
// Refused requests are not counted.
func (l *SlidingWindowLimiter) CheckLimit(_ context.Context, key string) (Decision, error) {
	now := l.clock.Now()
	size := l.rule.Window

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{start: now.Truncate(size)}
		l.windows[key] = w
	}
	l.roll(w, now)

	overlap := 1 - float64(now.Sub(w.start))/float64(size)
	estimate := float64(w.previous)*overlap + float64(w.current)

	decision := Decision{
		Rule:      l.rule.Name,
		Limit:     l.rule.Limit,
		ResetTime: w.start.Add(size),
	}
	if estimate >= float64(l.rule.Limit) {
		decision.Reason = fmt.Sprintf("rate limit exceeded: %d requests per %s", l.rule.Limit, size)
		decision.RetryAfterSeconds = retryAfter(decision.ResetTime.Sub(now))
		return decision, nil
	}

	w.current++
	decision.Allowed = true
	decision.Remaining = int(math.Max(0, math.Floor(float64(l.rule.Limit)-estimate-1)))
	return decision, nil
}

// roll advances w to the fixed window containing now
func (l *SlidingWindowLimiter) roll(w *window, now time.Time) {
	size := l.rule.Window
	start := now.Truncate(size)
	switch elapsed := start.Sub(w.start); {
	case elapsed <= 0:
	case elapsed == size:
		w.previous, w.current = w.current, 0
		w.start = start
	default:
		w.previous, w.current = 0, 0
		w.start = start
	}
}

// Cleanup drops keys idle for more than two windows and returns how many
func (l *SlidingWindowLimiter) Cleanup() int {
	cutoff := l.clock.Now().Add(-2 * l.rule.Window)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Keys returns the number of tracked keys
func (l *SlidingWindowLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// StartCleanup runs Cleanup every interval until ctx ends or Stop is called
func (l *SlidingWindowLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * l.rule.Window
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.done:
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}

// Stop ends the cleanup loop
func (l *SlidingWindowLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func retryAfter(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
