package visibility

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jgirmay/presenced/pkg/models"
	"github.com/jgirmay/presenced/pkg/services/presence"
)

// ErrNotOwner is returned when someone other than the owner edits a policy
var ErrNotOwner = errors.New("only the owner may change a visibility policy")

// PolicyStore loads and stores visibility policies
type PolicyStore interface {
	Get(ctx context.Context, userID string) (*models.VisibilityPolicy, error)
	Upsert(ctx context.Context, policy *models.VisibilityPolicy) error
}

// RelationshipGraph answers relationship questions between users
type RelationshipGraph interface {
	SharesTeam(ctx context.Context, userA, userB string) (bool, error)
	IsContact(ctx context.Context, ownerID, contactID string) (bool, error)
}

// TeamRoster lists team memberships so teammates of a target can be resolved
// with one query per team instead of one per viewer
type TeamRoster interface {
	ContextsFor(ctx context.Context, userID string) ([]models.ContextKey, error)
	MembersOf(ctx context.Context, key models.ContextKey) ([]string, error)
}

type cachedPolicy struct {
	policy    models.VisibilityPolicy
	fetchedAt time.Time
}

// Filter evaluates visibility on every read. Policies are cached for at most
// ttl; relationships are looked up fresh each time.
type Filter struct {
	policies PolicyStore
	graph    RelationshipGraph
	ttl      time.Duration
	clock    presence.Clock
	logger   *zap.Logger

	mu        sync.RWMutex
	cache     map[string]cachedPolicy
	lastPrune time.Time
}

// NewFilter creates a visibility filter
func NewFilter(policies PolicyStore, graph RelationshipGraph, ttl time.Duration, clock presence.Clock, logger *zap.Logger) *Filter {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if clock == nil {
		clock = presence.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{
		policies: policies,
		graph:    graph,
		ttl:      ttl,
		clock:    clock,
		logger:   logger.Named("visibility"),
		cache:    make(map[string]cachedPolicy),
	}
}

// Policy returns the effective policy of userID, the default when none is stored
func (f *Filter) Policy(ctx context.Context, userID string) (models.VisibilityPolicy, error) {
	now := f.clock.Now()

	f.mu.RLock()
	c, ok := f.cache[userID]
	f.mu.RUnlock()
	if ok && now.Sub(c.fetchedAt) < f.ttl {
		return c.policy, nil
	}

	stored, err := f.policies.Get(ctx, userID)
	if err != nil {
		return models.VisibilityPolicy{}, err
	}
	policy := models.DefaultVisibilityPolicy(userID)
	if stored != nil {
		policy = *stored
	}

	f.mu.Lock()
	f.cache[userID] = cachedPolicy{policy: policy, fetchedAt: now}
	if now.Sub(f.lastPrune) >= f.ttl {
		f.pruneLocked(now)
	}
	f.mu.Unlock()
	return policy, nil
}

// pruneLocked evicts every policy older than ttl. It runs at most once per
// ttl, so the cache holds only policies read within the last two ttls.
func (f *Filter) pruneLocked(now time.Time) {
	for id, c := range f.cache {
		if now.Sub(c.fetchedAt) >= f.ttl {
			delete(f.cache, id)
		}
	}
	f.lastPrune = now
}

// CacheSize returns the number of cached policies
func (f *Filter) CacheSize() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.cache)
}

// UpdatePolicy stores a policy on behalf of actorID, who must own it
func (f *Filter) UpdatePolicy(ctx context.Context, actorID string, policy models.VisibilityPolicy) error {
	if actorID == "" || actorID != policy.UserID {
		return ErrNotOwner
	}
	if !policy.VisibilityLevel.Valid() {
		return &presence.ValidationError{Field: "visibility_level", Reason: fmt.Sprintf("unknown level %q", policy.VisibilityLevel)}
	}
	policy.UpdatedAt = f.clock.Now()
	if err := f.policies.Upsert(ctx, &policy); err != nil {
		return err
	}
	f.Invalidate(policy.UserID)
	f.logger.Info("visibility policy updated",
		zap.String("user_id", policy.UserID),
		zap.String("visibility_level", string(policy.VisibilityLevel)),
		zap.Bool("appear_offline", policy.AppearOffline))
	return nil
}

// Invalidate drops the cached policy of userID
func (f *Filter) Invalidate(userID string) {
	f.mu.Lock()
	delete(f.cache, userID)
	f.mu.Unlock()
}

// Tier resolves the tier viewerID gets on targetID
func (f *Filter) Tier(ctx context.Context, viewerID, targetID string) (Tier, models.VisibilityPolicy, error) {
	policy, err := f.Policy(ctx, targetID)
	if err != nil {
		return TierHidden, policy, fmt.Errorf("load policy of %s: %w", targetID, err)
	}

	var rel Relationship
	if !policy.AppearOffline && viewerID != "" && viewerID != targetID {
		switch policy.VisibilityLevel {
		case models.VisibilityTeam:
			rel.SharesTeam, err = f.graph.SharesTeam(ctx, viewerID, targetID)
		case models.VisibilityContacts:
			rel.InContacts, err = f.graph.IsContact(ctx, targetID, viewerID)
		}
		if err != nil {
			return TierHidden, policy, fmt.Errorf("resolve relationship %s->%s: %w", viewerID, targetID, err)
		}
	}
	return AccessTier(viewerID, targetID, policy, rel), policy, nil
}

// View returns rec as viewerID may see it. Any lookup failure yields the
// hidden payload together with the error.
func (f *Filter) View(ctx context.Context, viewerID string, rec models.Record) (View, error) {
	tier, policy, err := f.Tier(ctx, viewerID, rec.UserID)
	if err != nil {
		f.logger.Warn("visibility lookup failed, hiding target",
			zap.String("viewer_id", viewerID),
			zap.String("target_id", rec.UserID),
			zap.Error(err))
		return Hidden(rec.UserID), err
	}
	return Apply(tier, rec, policy), nil
}

// ViewBatch renders rec for many viewers with one policy load. Team-level
// targets are resolved through the team roster when the graph provides one.
// Viewers that still need a per-viewer relationship lookup are left out of
// the result.
func (f *Filter) ViewBatch(ctx context.Context, rec models.Record, viewerIDs []string) (map[string]View, error) {
	policy, err := f.Policy(ctx, rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("load policy of %s: %w", rec.UserID, err)
	}

	var teammates map[string]bool
	if !policy.AppearOffline && policy.VisibilityLevel == models.VisibilityTeam {
		if roster, ok := f.graph.(TeamRoster); ok {
			if teammates, err = f.teammates(ctx, roster, rec.UserID); err != nil {
				return nil, err
			}
		}
	}

	out := make(map[string]View, len(viewerIDs))
	for _, viewerID := range viewerIDs {
		var rel Relationship
		needsLookup := !policy.AppearOffline && viewerID != "" && viewerID != rec.UserID
		switch {
		case !needsLookup:
		case policy.VisibilityLevel == models.VisibilityTeam && teammates != nil:
			rel.SharesTeam = teammates[viewerID]
		case policy.VisibilityLevel == models.VisibilityTeam, policy.VisibilityLevel == models.VisibilityContacts:
			continue
		}
		out[viewerID] = Apply(AccessTier(viewerID, rec.UserID, policy, rel), rec, policy)
	}
	return out, nil
}

func (f *Filter) teammates(ctx context.Context, roster TeamRoster, userID string) (map[string]bool, error) {
	keys, err := roster.ContextsFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list contexts of %s: %w", userID, err)
	}
	out := make(map[string]bool)
	for _, key := range keys {
		if key.Type != models.ContextTeam {
			continue
		}
		members, err := roster.MembersOf(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("list members of %s: %w", key, err)
		}
		for _, m := range members {
			if m != userID {
				out[m] = true
			}
		}
	}
	return out, nil
}
