// Package notify decides whether a notification may be delivered now or must
// wait, given the target's resolved presence and the caller's urgency.
package notify

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/jgirmay/presenced/pkg/metrics"
	"github.com/jgirmay/presenced/pkg/models"
	"github.com/jgirmay/presenced/pkg/services/presence"
)

// Decision is the verdict of the gate
type Decision string

const (
	DeliverNow Decision = "deliver_now"
	DeferUntil Decision = "defer_until"
)

// Result is one gate decision
type Result struct {
	Decision Decision      `json:"decision"`
	Until    *time.Time    `json:"timestamp,omitempty"`
	Status   models.Status `json:"observed_status"`
	Reason   string        `json:"reason"`
}

// PresenceReader returns the resolved (unfiltered) record of a user
type PresenceReader interface {
	Get(ctx context.Context, userID string) (models.Record, bool, error)
}

// Scheduler receives deferred notifications. Delivery itself happens elsewhere.
type Scheduler interface {
	Schedule(ctx context.Context, userID string, at time.Time, urgency models.NotificationUrgency) error
}

// AuditLog stores gate decisions
type AuditLog interface {
	Record(ctx context.Context, audit *models.NotificationAudit) error
}

// DefaultDNDPatterns match custom messages that ask not to be disturbed
var DefaultDNDPatterns = []string{
	`(?i)\bdo\s*not\s*disturb\b`,
	`(?i)\bdnd\b`,
	`(?i)\bheads[\s-]*down\b`,
	`(?i)\bfocus(ing)?\b`,
	`(?i)\bout\s+of\s+(the\s+)?office\b`,
}

// Config tunes the gate
type Config struct {
	DNDPatterns []string

	// MinDefer is the shortest deferral handed out
	MinDefer time.Duration
}

// Gate applies the notification decision table
type Gate struct {
	presence  PresenceReader
	estimator NextOnlineEstimator
	scheduler Scheduler
	audit     AuditLog
	clock     presence.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics

	dnd      []*regexp.Regexp
	minDefer time.Duration
}

// NewGate creates a notification gate. scheduler and audit may be nil.
func NewGate(
	cfg Config,
	reader PresenceReader,
	estimator NextOnlineEstimator,
	scheduler Scheduler,
	audit AuditLog,
	clock presence.Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
) (*Gate, error) {
	patterns := cfg.DNDPatterns
	if len(patterns) == 0 {
		patterns = DefaultDNDPatterns
	}
	dnd := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid do-not-disturb pattern %q: %w", p, err)
		}
		dnd = append(dnd, re)
	}
	if cfg.MinDefer <= 0 {
		cfg.MinDefer = time.Minute
	}
	if estimator == nil {
		estimator = ClaimExpiryEstimator{}
	}
	if clock == nil {
		clock = presence.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		presence:  reader,
		estimator: estimator,
		scheduler: scheduler,
		audit:     audit,
		clock:     clock,
		logger:    logger.Named("notify"),
		metrics:   m,
		dnd:       dnd,
		minDefer:  cfg.MinDefer,
	}, nil
}

// Decide returns deliver_now or defer_until for a notification to targetUserID.
// Scheduler and audit failures are logged and never change the decision.
func (g *Gate) Decide(ctx context.Context, targetUserID string, urgency models.NotificationUrgency) (Result, error) {
	if targetUserID == "" {
		return Result{}, &presence.ValidationError{Field: "target_user_id", Reason: "is required"}
	}
	if !urgency.Level.Valid() {
		return Result{}, &presence.ValidationError{Field: "urgency.level", Reason: fmt.Sprintf("unknown level %q", urgency.Level)}
	}
	if urgency.MaxDelay < 0 {
		return Result{}, &presence.ValidationError{Field: "urgency.max_delay", Reason: "must not be negative"}
	}

	now := g.clock.Now()
	var (
		res Result
		rec models.Record
	)

	if urgency.Level == models.UrgencyUrgent {
		res = Result{Decision: DeliverNow, Reason: "urgent"}
	} else {
		var found bool
		var err error
		rec, found, err = g.presence.Get(ctx, targetUserID)
		if err != nil {
			return Result{}, fmt.Errorf("read presence of %s: %w", targetUserID, err)
		}
		if !found {
			rec = models.Record{UserID: targetUserID, Status: models.StatusOffline}
		}
		res = g.evaluate(rec, urgency)
		res.Status = rec.Status
		if res.Decision == DeferUntil {
			until := g.deferUntil(ctx, targetUserID, rec, urgency, now)
			res.Until = &until
		}
	}

	g.metrics.NotifyDecision(string(urgency.Level), string(res.Decision))
	g.logger.Debug("notification decision",
		zap.String("target_user_id", targetUserID),
		zap.String("urgency", string(urgency.Level)),
		zap.String("status", string(res.Status)),
		zap.String("decision", string(res.Decision)),
		zap.String("reason", res.Reason))

	if res.Decision == DeferUntil && g.scheduler != nil {
		if err := g.scheduler.Schedule(ctx, targetUserID, *res.Until, urgency); err != nil {
			g.logger.Warn("scheduler rejected deferred notification",
				zap.String("target_user_id", targetUserID),
				zap.Time("until", *res.Until),
				zap.Error(err))
		}
	}
	g.record(ctx, targetUserID, urgency, res, rec, now)
	return res, nil
}

// evaluate is the decision table for non-urgent notifications. A busy target
// holds back medium and low urgency only when DeferIfBusy asks for it; without
// the flag busy delivers now, the same as online.
func (g *Gate) evaluate(rec models.Record, urgency models.NotificationUrgency) Result {
	status := rec.Status

	if urgency.Level == models.UrgencyHigh {
		if status == models.StatusOffline || status == models.StatusAway {
			return Result{Decision: DeferUntil, Reason: "high urgency, target " + string(status)}
		}
		return Result{Decision: DeliverNow, Reason: "high urgency"}
	}

	if urgency.RespectDoNotDisturb && g.matchesDND(rec.CustomMessage) {
		return Result{Decision: DeferUntil, Reason: "do not disturb"}
	}
	switch status {
	case models.StatusOnline:
		return Result{Decision: DeliverNow, Reason: "target online"}
	case models.StatusBusy:
		if urgency.DeferIfBusy {
			return Result{Decision: DeferUntil, Reason: "target busy"}
		}
		return Result{Decision: DeliverNow, Reason: "target busy, deferral not requested"}
	default:
		return Result{Decision: DeferUntil, Reason: "target " + string(status)}
	}
}

func (g *Gate) matchesDND(message string) bool {
	if message == "" {
		return false
	}
	for _, re := range g.dnd {
		if re.MatchString(message) {
			return true
		}
	}
	return false
}

// deferUntil is the smaller of now+max_delay and the estimate, always after now
func (g *Gate) deferUntil(ctx context.Context, userID string, rec models.Record, urgency models.NotificationUrgency, now time.Time) time.Time {
	est, err := g.estimator.EstimateNextOnlineWindow(ctx, userID, rec, now)
	if err != nil || !est.After(now) {
		if err != nil {
			g.logger.Warn("next online estimate failed", zap.String("user_id", userID), zap.Error(err))
		}
		est = now.Add(g.minDefer)
	}

	until := est
	if urgency.MaxDelay > 0 {
		if capped := now.Add(urgency.MaxDelay); capped.Before(until) {
			until = capped
		}
	}
	if !until.After(now) {
		until = now.Add(time.Second)
	}
	return until
}

// auditMetadata captures the claim the decision was based on
func auditMetadata(rec models.Record) datatypes.JSONMap {
	meta := datatypes.JSONMap{}
	if rec.Version == 0 {
		return meta
	}
	meta["winning_source"] = string(rec.WinningSource)
	meta["record_version"] = rec.Version
	if rec.CustomMessage != "" {
		meta["custom_message"] = rec.CustomMessage
	}
	if !rec.ExpiresAt.IsZero() {
		meta["expires_at"] = rec.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return meta
}

func (g *Gate) record(ctx context.Context, userID string, urgency models.NotificationUrgency, res Result, rec models.Record, now time.Time) {
	if g.audit == nil {
		return
	}
	audit := &models.NotificationAudit{
		TargetUserID:        userID,
		UrgencyLevel:        urgency.Level,
		RespectDoNotDisturb: urgency.RespectDoNotDisturb,
		DeferIfBusy:         urgency.DeferIfBusy,
		MaxDelaySeconds:     int64(urgency.MaxDelay / time.Second),
		ObservedStatus:      res.Status,
		Decision:            string(res.Decision),
		DeferUntil:          res.Until,
		Reason:              res.Reason,
		Metadata:            auditMetadata(rec),
		CreatedAt:           now,
	}
	if err := g.audit.Record(ctx, audit); err != nil {
		g.logger.Warn("failed to audit notification decision",
			zap.String("target_user_id", userID),
			zap.Error(err))
	}
}

// LogScheduler hands deferred notifications to the log only. It is used when
// no external scheduler is configured.
type LogScheduler struct {
	Logger *zap.Logger
}

// Schedule implements Scheduler
func (s LogScheduler) Schedule(_ context.Context, userID string, at time.Time, urgency models.NotificationUrgency) error {
	if s.Logger != nil {
		s.Logger.Info("notification deferred",
			zap.String("target_user_id", userID),
			zap.String("urgency", string(urgency.Level)),
			zap.Time("until", at))
	}
	return nil
}
