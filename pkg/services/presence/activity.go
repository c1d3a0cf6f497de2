package presence

import (
	"time"

	"github.com/jgirmay/presenced/pkg/models"
)

// ActivityThresholds bound the online → idle → away → offline degradation
type ActivityThresholds struct {
	Idle    time.Duration `yaml:"idle"`
	Away    time.Duration `yaml:"away"`
	Offline time.Duration `yaml:"offline"`
}

// DefaultActivityThresholds returns 120s / 600s / 1800s
func DefaultActivityThresholds() ActivityThresholds {
	return ActivityThresholds{
		Idle:    120 * time.Second,
		Away:    600 * time.Second,
		Offline: 1800 * time.Second,
	}
}

// ActivityStatus derives the candidate status from the time elapsed since the
// last observed activity. It is only a candidate: it is submitted to the
// resolver as a weight-10 signal and loses to every other source.
func ActivityStatus(lastActivity, now time.Time, th ActivityThresholds) models.Status {
	if lastActivity.IsZero() {
		return models.StatusOffline
	}
	elapsed := now.Sub(lastActivity)
	switch {
	case elapsed < th.Idle:
		return models.StatusOnline
	case elapsed < th.Away:
		return models.StatusIdle
	case elapsed < th.Offline:
		return models.StatusAway
	default:
		return models.StatusOffline
	}
}
