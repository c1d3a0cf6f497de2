package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// VisibilityLevel is the minimum relationship a viewer needs to see a user's presence
type VisibilityLevel string

const (
	VisibilityEveryone VisibilityLevel = "everyone"
	VisibilityTeam     VisibilityLevel = "team"
	VisibilityContacts VisibilityLevel = "contacts"
	VisibilityNobody   VisibilityLevel = "nobody"
)

// Valid reports whether v is a known visibility level
func (v VisibilityLevel) Valid() bool {
	switch v {
	case VisibilityEveryone, VisibilityTeam, VisibilityContacts, VisibilityNobody:
		return true
	}
	return false
}

// VisibilityPolicy is the per-user privacy configuration, mutated only by its owner
type VisibilityPolicy struct {
	UserID               string          `json:"user_id" gorm:"type:varchar(255);primaryKey"`
	VisibilityLevel      VisibilityLevel `json:"visibility_level" gorm:"type:varchar(20);default:'everyone'"`
	AppearOffline        bool            `json:"appear_offline" gorm:"default:false"`
	ShareCurrentLocation bool            `json:"share_current_location" gorm:"default:false"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (VisibilityPolicy) TableName() string {
	return "visibility_policies"
}

// DefaultVisibilityPolicy is applied to users that never stored a policy
func DefaultVisibilityPolicy(userID string) VisibilityPolicy {
	return VisibilityPolicy{
		UserID:          userID,
		VisibilityLevel: VisibilityEveryone,
	}
}

// Membership places a user in a team or organization context
type Membership struct {
	ID          uint        `json:"id" gorm:"primaryKey"`
	ContextType ContextType `json:"context_type" gorm:"type:varchar(20);uniqueIndex:idx_membership;index:idx_membership_context"`
	ContextID   string      `json:"context_id" gorm:"type:varchar(255);uniqueIndex:idx_membership;index:idx_membership_context"`
	UserID      string      `json:"user_id" gorm:"type:varchar(255);uniqueIndex:idx_membership;index"`
	CreatedAt   time.Time   `json:"created_at"`
}

// TableName specifies the table name for GORM
func (Membership) TableName() string {
	return "presence_memberships"
}

// Contact is a directed contact edge: OwnerID lists ContactID as a contact
type Contact struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	OwnerID   string    `json:"owner_id" gorm:"type:varchar(255);uniqueIndex:idx_contact"`
	ContactID string    `json:"contact_id" gorm:"type:varchar(255);uniqueIndex:idx_contact;index"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for GORM
func (Contact) TableName() string {
	return "presence_contacts"
}

// NotificationAudit records one notification gate decision
type NotificationAudit struct {
	ID                  uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	TargetUserID        string            `json:"target_user_id" gorm:"type:varchar(255);index"`
	UrgencyLevel        UrgencyLevel      `json:"urgency_level" gorm:"type:varchar(20)"`
	RespectDoNotDisturb bool              `json:"respect_do_not_disturb"`
	DeferIfBusy         bool              `json:"defer_if_busy"`
	MaxDelaySeconds     int64             `json:"max_delay_seconds"`
	ObservedStatus      Status            `json:"observed_status" gorm:"type:varchar(20)"`
	Decision            string            `json:"decision" gorm:"type:varchar(20);index"`
	DeferUntil          *time.Time        `json:"defer_until"`
	Reason              string            `json:"reason" gorm:"type:varchar(255)"`
	Metadata            datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at" gorm:"index"`
}

// TableName specifies the table name for GORM
func (NotificationAudit) TableName() string {
	return "notification_audits"
}
