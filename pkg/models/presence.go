package models

import (
	"time"
)

// Status is the resolved availability of a user
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// SourceKind identifies where a presence signal originated
type SourceKind string

const (
	SourceManual       SourceKind = "manual"
	SourceActivity     SourceKind = "activity"
	SourceCalendar     SourceKind = "calendar"
	SourcePlatformSync SourceKind = "platform_sync"
	SourceMeeting      SourceKind = "meeting"
)

// Signal is a timestamped, weighted claim about a user's presence from one source.
// Signals are immutable once normalized.
type Signal struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Source          SourceKind `json:"source_kind"`
	StatusHint      Status     `json:"status_hint"`
	CustomMessage   string     `json:"custom_message,omitempty"`
	CustomIcon      string     `json:"custom_icon,omitempty"`
	ContextLocation string     `json:"context_location,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	PriorityWeight  int        `json:"priority_weight"`

	// Disconnect marks an explicit disconnect from an activity source
	Disconnect bool `json:"disconnect,omitempty"`

	// Derived marks signals produced by the activity sweep rather than a connector.
	// Derived signals never move LastActivityAt.
	Derived bool `json:"derived,omitempty"`
}

// Expired reports whether the signal is no longer active at now
func (s Signal) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SameClaim reports whether two signals carry the same claim (a replay)
func (s Signal) SameClaim(other Signal) bool {
	if s.ID != "" && s.ID == other.ID {
		return true
	}
	return s.UserID == other.UserID &&
		s.Source == other.Source &&
		s.StatusHint == other.StatusHint &&
		s.CustomMessage == other.CustomMessage &&
		s.CustomIcon == other.CustomIcon &&
		s.ContextLocation == other.ContextLocation &&
		s.Disconnect == other.Disconnect &&
		s.StartedAt.Equal(other.StartedAt) &&
		s.ExpiresAt.Equal(other.ExpiresAt)
}

// Record is the single authoritative presence state of a user
type Record struct {
	UserID          string     `json:"user_id"`
	Status          Status     `json:"status"`
	CustomMessage   string     `json:"custom_message,omitempty"`
	CustomIcon      string     `json:"custom_icon,omitempty"`
	WinningSource   SourceKind `json:"winning_source"`
	WinningWeight   int        `json:"winning_weight"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
	ContextLocation string     `json:"context_location,omitempty"`
	Version         uint64     `json:"version"`

	// UpdatedAt is the start time of the claim that produced this record
	UpdatedAt time.Time `json:"updated_at"`

	// ResolvedAt is the wall-clock time the record was written
	ResolvedAt time.Time `json:"resolved_at"`

	// ExpiresAt is always set; past it the record reads as offline
	ExpiresAt time.Time `json:"record_expires_at"`
}

// Expired reports whether the record has passed its expiry at now
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// AsOf returns the record as a reader observes it at now. An expired record
// reads as offline with its custom fields and winning claim cleared.
func (r Record) AsOf(now time.Time) Record {
	if !r.Expired(now) || r.Status == StatusOffline {
		return r
	}
	r.Status = StatusOffline
	r.CustomMessage = ""
	r.CustomIcon = ""
	r.ContextLocation = ""
	r.WinningSource = ""
	r.WinningWeight = 0
	return r
}

// Entry is the unit the presence store holds per user: the resolved record
// plus the bounded set of currently active signals it was resolved from.
type Entry struct {
	Record Record   `json:"record"`
	Active []Signal `json:"active,omitempty"`
}

// Clone returns a deep copy of the entry
func (e Entry) Clone() Entry {
	out := Entry{Record: e.Record}
	if len(e.Active) > 0 {
		out.Active = make([]Signal, len(e.Active))
		copy(out.Active, e.Active)
	}
	return out
}

// ContextType identifies the scope of a subscription
type ContextType string

const (
	ContextTeam         ContextType = "team"
	ContextOrganization ContextType = "organization"
	ContextGlobal       ContextType = "global"
)

// Valid reports whether c is a known context type
func (c ContextType) Valid() bool {
	switch c {
	case ContextTeam, ContextOrganization, ContextGlobal:
		return true
	}
	return false
}

// ContextKey addresses one fan-out context
type ContextKey struct {
	Type ContextType `json:"context_type"`
	ID   string      `json:"context_id"`
}

// String returns "type:id"
func (k ContextKey) String() string {
	return string(k.Type) + ":" + k.ID
}

// GlobalContext is the context every user belongs to
var GlobalContext = ContextKey{Type: ContextGlobal, ID: "*"}

// FilterSet narrows which changes a subscription receives. Empty fields match everything.
type FilterSet struct {
	UserIDs  []string `json:"user_ids,omitempty"`
	Statuses []Status `json:"statuses,omitempty"`
}

// Matches reports whether a change for userID with status passes the filter
func (f FilterSet) Matches(userID string, status Status) bool {
	if len(f.UserIDs) > 0 {
		found := false
		for _, id := range f.UserIDs {
			if id == userID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if s == status {
				return true
			}
		}
		return false
	}
	return true
}

// Subscription is a live interest of a viewer in a context
type Subscription struct {
	SubscriberID string      `json:"subscriber_id"`
	ContextType  ContextType `json:"context_type"`
	ContextID    string      `json:"context_id"`
	FilterSet    FilterSet   `json:"filter_set"`
}

// Key returns the context key of the subscription
func (s Subscription) Key() ContextKey {
	if s.ContextType == ContextGlobal {
		return GlobalContext
	}
	return ContextKey{Type: s.ContextType, ID: s.ContextID}
}

// UrgencyLevel classifies how urgent a notification is
type UrgencyLevel string

const (
	UrgencyLow    UrgencyLevel = "low"
	UrgencyMedium UrgencyLevel = "medium"
	UrgencyHigh   UrgencyLevel = "high"
	UrgencyUrgent UrgencyLevel = "urgent"
)

// Valid reports whether u is a known urgency level
func (u UrgencyLevel) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyUrgent:
		return true
	}
	return false
}

// NotificationUrgency is supplied by the caller at notification time
type NotificationUrgency struct {
	Level               UrgencyLevel  `json:"level"`
	RespectDoNotDisturb bool          `json:"respect_do_not_disturb"`
	DeferIfBusy         bool          `json:"defer_if_busy"`
	MaxDelay            time.Duration `json:"max_delay"`
}

// Change is a visible transition of one user's record, handed to fan-out
type Change struct {
	Previous *Record `json:"previous,omitempty"`
	Current  Record  `json:"current"`
}

// BypassesCoalescing reports whether the change must be broadcast immediately.
// Anything but an activity-driven update of the same winning source counts.
func (c Change) BypassesCoalescing() bool {
	if c.Previous == nil {
		return true
	}
	if c.Previous.WinningSource != c.Current.WinningSource {
		return true
	}
	return c.Current.WinningSource != SourceActivity
}
