package repository

import (
	"context"

	"github.com/jgirmay/presenced/pkg/models"
)

// VisibilityPolicyRepository defines operations for per-user visibility policies
type VisibilityPolicyRepository interface {
	// Get retrieves a user's policy, nil when the user never stored one
	Get(ctx context.Context, userID string) (*models.VisibilityPolicy, error)

	// Upsert creates or replaces a user's policy
	Upsert(ctx context.Context, policy *models.VisibilityPolicy) error
}

// RelationshipRepository defines operations on the relationship graph
type RelationshipRepository interface {
	// SharesTeam reports whether two users are members of a common team
	SharesTeam(ctx context.Context, userA, userB string) (bool, error)

	// IsContact reports whether ownerID lists contactID as a contact
	IsContact(ctx context.Context, ownerID, contactID string) (bool, error)

	// ContextsFor lists the team and organization contexts a user belongs to
	ContextsFor(ctx context.Context, userID string) ([]models.ContextKey, error)

	// MembersOf lists the users of a context
	MembersOf(ctx context.Context, key models.ContextKey) ([]string, error)

	// AddMembership places a user in a context; adding twice is a no-op
	AddMembership(ctx context.Context, key models.ContextKey, userID string) error

	// RemoveMembership removes a user from a context
	RemoveMembership(ctx context.Context, key models.ContextKey, userID string) error

	// AddContact records a directed contact edge; adding twice is a no-op
	AddContact(ctx context.Context, ownerID, contactID string) error

	// RemoveContact removes a directed contact edge
	RemoveContact(ctx context.Context, ownerID, contactID string) error
}

// NotificationAuditRepository defines operations for notification gate audits
type NotificationAuditRepository interface {
	// Record stores one decision
	Record(ctx context.Context, audit *models.NotificationAudit) error

	// ListForUser retrieves the most recent decisions about a user
	ListForUser(ctx context.Context, userID string, limit int) ([]*models.NotificationAudit, error)
}
