package presence

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jgirmay/presenced/pkg/models"
)

// signalNamespace seeds deterministic signal ids so that a replayed payload
// normalizes to the same id
var signalNamespace = uuid.MustParse("6f1c7a52-4b0e-4f6e-9a3c-0d9b8e7f5a21")

const (
	maxUserIDLength  = 255
	maxMessageLength = 280
	maxIconLength    = 64
)

// RawSignal is an inbound payload as received from a connector
type RawSignal struct {
	SignalID        string     `json:"signal_id,omitempty"`
	UserID          string     `json:"user_id"`
	SourceKind      string     `json:"source_kind"`
	StatusHint      string     `json:"status_hint"`
	CustomMessage   string     `json:"custom_message,omitempty"`
	CustomIcon      string     `json:"custom_icon,omitempty"`
	ContextLocation string     `json:"context_location,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Disconnect      bool       `json:"disconnect,omitempty"`
}

// NormalizerConfig holds the defaults applied to incomplete payloads
type NormalizerConfig struct {
	// RecordTTL is the lifetime of a signal that carries no explicit expiry
	RecordTTL time.Duration

	// OfflineThreshold is the lifetime of an activity heartbeat
	OfflineThreshold time.Duration

	// MaxClockSkew bounds how far in the future started_at may be
	MaxClockSkew time.Duration
}

// DefaultNormalizerConfig returns the defaults matching DefaultActivityThresholds:
// records live for the away threshold plus a 5m buffer, heartbeats until offline
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		RecordTTL:        15 * time.Minute,
		OfflineThreshold: 30 * time.Minute,
		MaxClockSkew:     5 * time.Minute,
	}
}

// Normalizer converts heterogeneous inbound payloads into Signals
type Normalizer struct {
	table PriorityTable
	cfg   NormalizerConfig
}

// NewNormalizer creates a normalizer over a priority table
func NewNormalizer(table PriorityTable, cfg NormalizerConfig) *Normalizer {
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = DefaultNormalizerConfig().RecordTTL
	}
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = DefaultNormalizerConfig().OfflineThreshold
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultNormalizerConfig().MaxClockSkew
	}
	return &Normalizer{table: table, cfg: cfg}
}

// Normalize validates raw and produces a well-formed Signal. It has no side effects.
func (n *Normalizer) Normalize(raw RawSignal, now time.Time) (models.Signal, error) {
	userID := strings.TrimSpace(raw.UserID)
	if userID == "" {
		return models.Signal{}, invalid("user_id", "is required")
	}
	if len(userID) > maxUserIDLength {
		return models.Signal{}, invalid("user_id", "exceeds %d characters", maxUserIDLength)
	}

	source := models.SourceKind(strings.TrimSpace(raw.SourceKind))
	weight, ok := n.table.Weight(source)
	if !ok {
		return models.Signal{}, invalid("source_kind", "unknown source kind %q", raw.SourceKind)
	}

	status, err := n.statusFor(source, raw)
	if err != nil {
		return models.Signal{}, err
	}

	if utf8.RuneCountInString(raw.CustomMessage) > maxMessageLength {
		return models.Signal{}, invalid("custom_message", "exceeds %d characters", maxMessageLength)
	}
	if utf8.RuneCountInString(raw.CustomIcon) > maxIconLength {
		return models.Signal{}, invalid("custom_icon", "exceeds %d characters", maxIconLength)
	}

	startedAt := now
	if raw.StartedAt != nil && !raw.StartedAt.IsZero() {
		startedAt = raw.StartedAt.UTC()
	}
	if startedAt.After(now.Add(n.cfg.MaxClockSkew)) {
		return models.Signal{}, invalid("started_at", "is more than %s in the future", n.cfg.MaxClockSkew)
	}

	var expiresAt time.Time
	switch {
	case source == models.SourceActivity:
		// heartbeats live exactly as long as the activity state machine needs them
		expiresAt = startedAt.Add(n.cfg.OfflineThreshold)
	case raw.ExpiresAt != nil && !raw.ExpiresAt.IsZero():
		expiresAt = raw.ExpiresAt.UTC()
		if !expiresAt.After(startedAt) {
			return models.Signal{}, invalid("expires_at", "must be after started_at")
		}
	default:
		expiresAt = startedAt.Add(n.cfg.RecordTTL)
	}
	if !expiresAt.After(now) {
		return models.Signal{}, invalid("expires_at", "signal already expired")
	}

	sig := models.Signal{
		ID:              strings.TrimSpace(raw.SignalID),
		UserID:          userID,
		Source:          source,
		StatusHint:      status,
		CustomMessage:   strings.TrimSpace(raw.CustomMessage),
		CustomIcon:      strings.TrimSpace(raw.CustomIcon),
		ContextLocation: strings.TrimSpace(raw.ContextLocation),
		StartedAt:       startedAt,
		ExpiresAt:       expiresAt,
		PriorityWeight:  weight,
		Disconnect:      source == models.SourceActivity && raw.Disconnect,
	}
	if sig.ID == "" {
		sig.ID = signalID(sig)
	}
	return sig, nil
}

func (n *Normalizer) statusFor(source models.SourceKind, raw RawSignal) (models.Status, error) {
	hint := models.Status(strings.ToLower(strings.TrimSpace(raw.StatusHint)))

	if raw.Disconnect {
		if source != models.SourceActivity {
			return "", invalid("disconnect", "only activity sources may disconnect")
		}
		return models.StatusOffline, nil
	}

	switch source {
	case models.SourceActivity:
		// a heartbeat only says "the user did something"; the state machine derives the rest
		if hint == "" || hint == models.StatusOnline {
			return models.StatusOnline, nil
		}
		if hint == models.StatusOffline {
			return models.StatusOffline, nil
		}
		return "", invalid("status_hint", "activity signals carry online or offline, got %q", raw.StatusHint)
	case models.SourceCalendar:
		if hint == models.StatusBusy || hint == models.StatusAway {
			return hint, nil
		}
		return "", invalid("status_hint", "calendar signals carry busy or away, got %q", raw.StatusHint)
	}

	if hint == "" {
		return "", invalid("status_hint", "is required")
	}
	if !hint.Valid() {
		return "", invalid("status_hint", "unknown status %q", raw.StatusHint)
	}
	return hint, nil
}

func signalID(sig models.Signal) string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d|%d|%t",
		sig.UserID, sig.Source, sig.StatusHint, sig.CustomMessage, sig.CustomIcon,
		sig.ContextLocation, sig.StartedAt.UnixNano(), sig.ExpiresAt.UnixNano(), sig.Disconnect)
	return uuid.NewSHA1(signalNamespace, []byte(payload)).String()
}
