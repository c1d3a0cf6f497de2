package dto

import (
	"time"

	"github.com/jgirmay/presenced/pkg/models"
	"github.com/jgirmay/presenced/pkg/services/visibility"
)

// SignalResponse is the response after ingesting a presence signal
type SignalResponse struct {
	UserID        string            `json:"user_id"`
	Outcome       string            `json:"outcome"`
	Version       uint64            `json:"version"`
	Status        models.Status     `json:"status"`
	WinningSource models.SourceKind `json:"winning_source,omitempty"`
}

// BulkPresenceRequest is the request for several users' presence
type BulkPresenceRequest struct {
	ViewerID string   `json:"viewer_id"`
	UserIDs  []string `json:"user_ids"`
}

// BulkPresenceResponse maps each requested user to its filtered view
type BulkPresenceResponse struct {
	ViewerID  string                     `json:"viewer_id"`
	Presences map[string]visibility.View `json:"presences"`
}

// UrgencyRequest is the caller-supplied notification urgency
type UrgencyRequest struct {
	Level               models.UrgencyLevel `json:"level"`
	RespectDoNotDisturb bool                `json:"respect_do_not_disturb"`
	DeferIfBusy         bool                `json:"defer_if_busy"`
	MaxDelaySeconds     int64               `json:"max_delay_seconds,omitempty"`
}

// ToModel converts the request into a NotificationUrgency
func (u UrgencyRequest) ToModel() models.NotificationUrgency {
	return models.NotificationUrgency{
		Level:               u.Level,
		RespectDoNotDisturb: u.RespectDoNotDisturb,
		DeferIfBusy:         u.DeferIfBusy,
		MaxDelay:            time.Duration(u.MaxDelaySeconds) * time.Second,
	}
}

// NotifyCheckRequest asks whether a notification may be delivered now
type NotifyCheckRequest struct {
	TargetUserID string         `json:"target_user_id"`
	Urgency      UrgencyRequest `json:"urgency"`
}

// NotifyCheckResponse is the gate decision
type NotifyCheckResponse struct {
	Decision  string     `json:"decision"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// VisibilityPolicyRequest replaces a user's visibility policy
type VisibilityPolicyRequest struct {
	VisibilityLevel      models.VisibilityLevel `json:"visibility_level"`
	AppearOffline        bool                   `json:"appear_offline"`
	ShareCurrentLocation bool                   `json:"share_current_location"`
}

// MembershipRequest adds or removes a user from a team or organization
type MembershipRequest struct {
	ContextType models.ContextType `json:"context_type"`
	ContextID   string             `json:"context_id"`
	UserID      string             `json:"user_id"`
}

// ContactRequest adds or removes a directed contact edge
type ContactRequest struct {
	OwnerID   string `json:"owner_id"`
	ContactID string `json:"contact_id"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}
