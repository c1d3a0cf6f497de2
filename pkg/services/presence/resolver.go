package presence

import (
	"time"

	"github.com/jgirmay/presenced/pkg/models"
)

// Outcome is the resolver's verdict on one signal
type Outcome string

const (
	// OutcomeAccepted means the signal now determines the user's record
	OutcomeAccepted Outcome = "accepted"

	// OutcomeRejected means a higher-priority or newer claim still wins
	OutcomeRejected Outcome = "rejected"

	// OutcomeDuplicate means the signal is a replay of an active signal
	OutcomeDuplicate Outcome = "duplicate"
)

// Resolution is the result of resolving one signal against the stored entry
type Resolution struct {
	Outcome Outcome

	// Entry is the entry to persist. Only meaningful when Write is set.
	Entry models.Entry

	// Write reports whether Entry differs from what is stored
	Write bool

	// Changed reports whether the user-visible part of the record changed
	Changed bool
}

// Resolver decides whether incoming signals replace the current record.
// It is pure: all state comes in through arguments.
type Resolver struct {
	Table    PriorityTable
	Activity ActivityThresholds
}

// NewResolver creates a resolver over a priority table
func NewResolver(table PriorityTable, activity ActivityThresholds) *Resolver {
	return &Resolver{Table: table, Activity: activity}
}

// Resolve applies sig to the current entry (nil when the user has no record yet)
func (r *Resolver) Resolve(current *models.Entry, sig models.Signal, now time.Time) Resolution {
	var entry models.Entry
	exists := current != nil
	if exists {
		entry = current.Clone()
	}

	active, pruned := pruneExpired(entry.Active, now)

	for _, a := range active {
		if a.SameClaim(sig) {
			return Resolution{Outcome: OutcomeDuplicate, Entry: entry}
		}
	}

	prev := entry.Record
	active, retained := retain(active, sig)
	dirty := pruned || retained

	lastActivity := prev.LastActivityAt
	if retained && sig.Source == models.SourceActivity && !sig.Derived && !sig.Disconnect &&
		sig.StartedAt.After(lastActivity) {
		lastActivity = sig.StartedAt
	}
	if !lastActivity.Equal(prev.LastActivityAt) {
		dirty = true
	}

	winnerLive := exists && prev.WinningWeight > 0 && !prev.Expired(now)

	var winner *models.Signal
	outcome := OutcomeRejected
	if !winnerLive {
		// the current winner is gone: fall through to the best remaining claim
		winner = pickWinner(active)
		if winner != nil && winner.SameClaim(sig) {
			outcome = OutcomeAccepted
		}
	} else if retained && (sig.PriorityWeight > prev.WinningWeight ||
		(sig.PriorityWeight == prev.WinningWeight && sig.StartedAt.After(prev.UpdatedAt))) {
		winner = &sig
		outcome = OutcomeAccepted
	}

	next := prev
	next.UserID = sig.UserID
	next.LastActivityAt = lastActivity
	if winner != nil {
		next = r.recordFrom(*winner, lastActivity, now)
		dirty = true
	} else if !winnerLive && exists {
		next = offlineRecord(prev, lastActivity)
		if next != prev {
			dirty = true
		}
	}

	if !dirty {
		return Resolution{Outcome: outcome, Entry: entry}
	}

	next.Version = prev.Version + 1
	next.ResolvedAt = now
	return Resolution{
		Outcome: outcome,
		Entry:   models.Entry{Record: next, Active: active},
		Write:   true,
		Changed: !exists || visibleChange(prev, next),
	}
}

// Reconcile re-evaluates an entry against the passage of time alone: expired
// signals are evicted and, when the winner has expired, the next-highest
// unexpired signal takes over or the record goes offline.
func (r *Resolver) Reconcile(current models.Entry, now time.Time) Resolution {
	entry := current.Clone()
	prev := entry.Record
	active, pruned := pruneExpired(entry.Active, now)

	winnerLive := prev.WinningWeight > 0 && !prev.Expired(now)
	if winnerLive {
		if !pruned {
			return Resolution{Outcome: OutcomeRejected, Entry: entry}
		}
		next := prev
		next.Version = prev.Version + 1
		next.ResolvedAt = now
		return Resolution{
			Outcome: OutcomeRejected,
			Entry:   models.Entry{Record: next, Active: active},
			Write:   true,
		}
	}

	var next models.Record
	if winner := pickWinner(active); winner != nil {
		next = r.recordFrom(*winner, prev.LastActivityAt, now)
	} else {
		next = offlineRecord(prev, prev.LastActivityAt)
	}
	next.Version = prev.Version
	next.ResolvedAt = prev.ResolvedAt
	if next == prev && !pruned {
		return Resolution{Outcome: OutcomeRejected, Entry: entry}
	}

	next.Version = prev.Version + 1
	next.ResolvedAt = now
	return Resolution{
		Outcome: OutcomeAccepted,
		Entry:   models.Entry{Record: next, Active: active},
		Write:   true,
		Changed: visibleChange(prev, next),
	}
}

// View returns the record of entry as a reader observes it at now, without a
// write. When the winner has expired the best unexpired claim in the entry
// takes over, as the next sweep would make it; with none left the record
// reads as offline.
func (r *Resolver) View(entry models.Entry, now time.Time) models.Record {
	prev := entry.Record
	if prev.WinningWeight == 0 || !prev.Expired(now) {
		return prev.AsOf(now)
	}
	active, _ := pruneExpired(entry.Active, now)
	winner := pickWinner(active)
	if winner == nil {
		return prev.AsOf(now)
	}
	next := r.recordFrom(*winner, prev.LastActivityAt, now)
	next.Version = prev.Version
	next.ResolvedAt = prev.ResolvedAt
	return next
}

func (r *Resolver) recordFrom(win models.Signal, lastActivity, now time.Time) models.Record {
	status := win.StatusHint
	if win.Source == models.SourceActivity && !win.Disconnect {
		status = ActivityStatus(lastActivity, now, r.Activity)
	}
	return models.Record{
		UserID:          win.UserID,
		Status:          status,
		CustomMessage:   win.CustomMessage,
		CustomIcon:      win.CustomIcon,
		WinningSource:   win.Source,
		WinningWeight:   win.PriorityWeight,
		LastActivityAt:  lastActivity,
		ContextLocation: win.ContextLocation,
		UpdatedAt:       win.StartedAt,
		ExpiresAt:       win.ExpiresAt,
	}
}

// offlineRecord is the record of a user with no unexpired claim. ExpiresAt
// keeps the (past) expiry of the last winner.
func offlineRecord(prev models.Record, lastActivity time.Time) models.Record {
	next := prev
	next.Status = models.StatusOffline
	next.CustomMessage = ""
	next.CustomIcon = ""
	next.ContextLocation = ""
	next.WinningSource = ""
	next.WinningWeight = 0
	next.LastActivityAt = lastActivity
	return next
}

// retain inserts sig into the active set, keeping only the newest signal per
// source kind. It reports false when sig is older than the one already held.
func retain(active []models.Signal, sig models.Signal) ([]models.Signal, bool) {
	for i, a := range active {
		if a.Source != sig.Source {
			continue
		}
		if sig.StartedAt.Before(a.StartedAt) {
			return active, false
		}
		out := make([]models.Signal, len(active))
		copy(out, active)
		out[i] = sig
		return out, true
	}
	return append(active, sig), true
}

func pruneExpired(active []models.Signal, now time.Time) ([]models.Signal, bool) {
	out := make([]models.Signal, 0, len(active)+1)
	for _, a := range active {
		if !a.Expired(now) {
			out = append(out, a)
		}
	}
	return out, len(out) != len(active)
}

// pickWinner returns the highest-weight active signal, newest first on ties
func pickWinner(active []models.Signal) *models.Signal {
	var best *models.Signal
	for i := range active {
		s := &active[i]
		if best == nil ||
			s.PriorityWeight > best.PriorityWeight ||
			(s.PriorityWeight == best.PriorityWeight && s.StartedAt.After(best.StartedAt)) {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	w := *best
	return &w
}

// ChangeOf describes writing next over prev, which is nil for a new user, and
// reports whether subscribers would see a difference
func ChangeOf(prev *models.Entry, next models.Record) (models.Change, bool) {
	change := models.Change{Current: next}
	if prev == nil {
		return change, true
	}
	previous := prev.Record
	change.Previous = &previous
	return change, visibleChange(previous, next)
}

func visibleChange(a, b models.Record) bool {
	return a.Status != b.Status ||
		a.CustomMessage != b.CustomMessage ||
		a.CustomIcon != b.CustomIcon ||
		a.ContextLocation != b.ContextLocation ||
		a.WinningSource != b.WinningSource
}
