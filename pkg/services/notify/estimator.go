package notify

import (
	"context"
	"time"

	"github.com/jgirmay/presenced/pkg/models"
)

// NextOnlineEstimator predicts when a user is next likely to be reachable.
// Implementations may use activity history; the gate only needs a timestamp.
type NextOnlineEstimator interface {
	EstimateNextOnlineWindow(ctx context.Context, userID string, rec models.Record, now time.Time) (time.Time, error)
}

// EstimatorFunc adapts a function to NextOnlineEstimator
type EstimatorFunc func(ctx context.Context, userID string, rec models.Record, now time.Time) (time.Time, error)

// EstimateNextOnlineWindow calls f
func (f EstimatorFunc) EstimateNextOnlineWindow(ctx context.Context, userID string, rec models.Record, now time.Time) (time.Time, error) {
	return f(ctx, userID, rec, now)
}

// ClaimExpiryEstimator expects the user back when the claim keeping them
// unavailable expires. Activity-derived and offline states have no such
// claim and fall back to now + Fallback.
type ClaimExpiryEstimator struct {
	Fallback time.Duration
}

// EstimateNextOnlineWindow implements NextOnlineEstimator
func (e ClaimExpiryEstimator) EstimateNextOnlineWindow(_ context.Context, _ string, rec models.Record, now time.Time) (time.Time, error) {
	fallback := e.Fallback
	if fallback <= 0 {
		fallback = 15 * time.Minute
	}
	if rec.WinningSource != models.SourceActivity && rec.WinningWeight > 0 &&
		rec.Status != models.StatusOnline && rec.ExpiresAt.After(now) {
		return rec.ExpiresAt, nil
	}
	return now.Add(fallback), nil
}
