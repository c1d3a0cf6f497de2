package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jgirmay/presenced/pkg/models"
)

// VisibilityPolicyRepositoryImpl implements VisibilityPolicyRepository
type VisibilityPolicyRepositoryImpl struct {
	db *gorm.DB
}

// NewVisibilityPolicyRepository creates a new visibility policy repository
func NewVisibilityPolicyRepository(db *gorm.DB) VisibilityPolicyRepository {
	return &VisibilityPolicyRepositoryImpl{db: db}
}

// Get retrieves a user's policy
func (r *VisibilityPolicyRepositoryImpl) Get(ctx context.Context, userID string) (*models.VisibilityPolicy, error) {
	var policy models.VisibilityPolicy
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&policy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load visibility policy: %w", err)
	}
	return &policy, nil
}

// Upsert creates or replaces a user's policy
func (r *VisibilityPolicyRepositoryImpl) Upsert(ctx context.Context, policy *models.VisibilityPolicy) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"visibility_level", "appear_offline", "share_current_location", "updated_at",
		}),
	}).Create(policy).Error
	if err != nil {
		return fmt.Errorf("failed to store visibility policy: %w", err)
	}
	return nil
}
