// Package visibility decides how much of a user's presence a viewer may see.
package visibility

import (
	"time"

	"github.com/jgirmay/presenced/pkg/models"
)

// Tier is the access level a viewer is granted to a target's presence detail
type Tier string

const (
	// TierFull exposes status, message, icon and (when shared) location
	TierFull Tier = "full"

	// TierStatusOnly exposes the status alone
	TierStatusOnly Tier = "status_only"

	// TierHidden exposes nothing; the target reads as generic offline
	TierHidden Tier = "hidden"
)

// Relationship holds the relationship facts between a viewer and a target
type Relationship struct {
	// SharesTeam is set when viewer and target are members of a common team
	SharesTeam bool

	// InContacts is set when the target lists the viewer as a contact
	InContacts bool
}

// AccessTier computes the tier viewerID gets on targetID. An empty viewerID
// is an anonymous viewer.
func AccessTier(viewerID, targetID string, policy models.VisibilityPolicy, rel Relationship) Tier {
	if policy.AppearOffline {
		return TierHidden
	}
	if viewerID != "" && viewerID == targetID {
		return TierFull
	}

	switch policy.VisibilityLevel {
	case models.VisibilityEveryone, "":
		if viewerID == "" {
			return TierStatusOnly
		}
		return TierFull
	case models.VisibilityTeam:
		if viewerID != "" && rel.SharesTeam {
			return TierFull
		}
	case models.VisibilityContacts:
		if viewerID != "" && rel.InContacts {
			return TierFull
		}
	}
	return TierHidden
}

// View is the presence of one user as one viewer is allowed to see it
type View struct {
	UserID          string        `json:"user_id"`
	Status          models.Status `json:"status"`
	CustomMessage   string        `json:"custom_message,omitempty"`
	CustomIcon      string        `json:"custom_icon,omitempty"`
	ContextLocation string        `json:"context_location,omitempty"`
	LastActivityAt  *time.Time    `json:"last_activity_at,omitempty"`
	Version         uint64        `json:"version,omitempty"`
	Visibility      Tier          `json:"visibility"`
}

// Hidden is the generic payload shown for a hidden user
func Hidden(userID string) View {
	return View{
		UserID:     userID,
		Status:     models.StatusOffline,
		Visibility: TierHidden,
	}
}

// Apply redacts rec down to what tier allows
func Apply(tier Tier, rec models.Record, policy models.VisibilityPolicy) View {
	switch tier {
	case TierFull:
		v := View{
			UserID:        rec.UserID,
			Status:        rec.Status,
			CustomMessage: rec.CustomMessage,
			CustomIcon:    rec.CustomIcon,
			Version:       rec.Version,
			Visibility:    TierFull,
		}
		if policy.ShareCurrentLocation {
			v.ContextLocation = rec.ContextLocation
		}
		if !rec.LastActivityAt.IsZero() {
			last := rec.LastActivityAt
			v.LastActivityAt = &last
		}
		return v
	case TierStatusOnly:
		return View{
			UserID:     rec.UserID,
			Status:     rec.Status,
			Version:    rec.Version,
			Visibility: TierStatusOnly,
		}
	default:
		return Hidden(rec.UserID)
	}
}
