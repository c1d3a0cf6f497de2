package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jgirmay/presenced/pkg/models"
)

// RelationshipRepositoryImpl implements RelationshipRepository
type RelationshipRepositoryImpl struct {
	db *gorm.DB
}

// NewRelationshipRepository creates a new relationship repository
func NewRelationshipRepository(db *gorm.DB) RelationshipRepository {
	return &RelationshipRepositoryImpl{db: db}
}

// SharesTeam reports whether two users are members of a common team
func (r *RelationshipRepositoryImpl) SharesTeam(ctx context.Context, userA, userB string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Table("presence_memberships AS a").
		Joins("JOIN presence_memberships AS b ON a.context_type = b.context_type AND a.context_id = b.context_id").
		Where("a.context_type = ?", models.ContextTeam).
		Where("a.user_id = ? AND b.user_id = ?", userA, userB).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// IsContact reports whether ownerID lists contactID as a contact
func (r *RelationshipRepositoryImpl) IsContact(ctx context.Context, ownerID, contactID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Contact{}).
		Where("owner_id = ? AND contact_id = ?", ownerID, contactID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ContextsFor lists the contexts a user belongs to
func (r *RelationshipRepositoryImpl) ContextsFor(ctx context.Context, userID string) ([]models.ContextKey, error) {
	var memberships []models.Membership
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("context_type, context_id").
		Find(&memberships).Error
	if err != nil {
		return nil, err
	}

	keys := make([]models.ContextKey, 0, len(memberships))
	for _, m := range memberships {
		keys = append(keys, models.ContextKey{Type: m.ContextType, ID: m.ContextID})
	}
	return keys, nil
}

// MembersOf lists the users of a context
func (r *RelationshipRepositoryImpl) MembersOf(ctx context.Context, key models.ContextKey) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("context_type = ? AND context_id = ?", key.Type, key.ID).
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

// AddMembership places a user in a context
func (r *RelationshipRepositoryImpl) AddMembership(ctx context.Context, key models.ContextKey, userID string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Membership{ContextType: key.Type, ContextID: key.ID, UserID: userID}).Error
}

// RemoveMembership removes a user from a context
func (r *RelationshipRepositoryImpl) RemoveMembership(ctx context.Context, key models.ContextKey, userID string) error {
	return r.db.WithContext(ctx).
		Where("context_type = ? AND context_id = ? AND user_id = ?", key.Type, key.ID, userID).
		Delete(&models.Membership{}).Error
}

// AddContact records a directed contact edge
func (r *RelationshipRepositoryImpl) AddContact(ctx context.Context, ownerID, contactID string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Contact{OwnerID: ownerID, ContactID: contactID}).Error
}

// RemoveContact removes a directed contact edge
func (r *RelationshipRepositoryImpl) RemoveContact(ctx context.Context, ownerID, contactID string) error {
	return r.db.WithContext(ctx).
		Where("owner_id = ? AND contact_id = ?", ownerID, contactID).
		Delete(&models.Contact{}).Error
}
