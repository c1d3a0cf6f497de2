package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jgirmay/presenced/pkg/models"
)

// NotificationAuditRepositoryImpl implements NotificationAuditRepository
type NotificationAuditRepositoryImpl struct {
	db *gorm.DB
}

// NewNotificationAuditRepository creates a new notification audit repository
func NewNotificationAuditRepository(db *gorm.DB) NotificationAuditRepository {
	return &NotificationAuditRepositoryImpl{db: db}
}

// Record stores one decision
func (r *NotificationAuditRepositoryImpl) Record(ctx context.Context, audit *models.NotificationAudit) error {
	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(audit).Error
}

// ListForUser retrieves the most recent decisions about a user
func (r *NotificationAuditRepositoryImpl) ListForUser(ctx context.Context, userID string, limit int) ([]*models.NotificationAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	var audits []*models.NotificationAudit
	err := r.db.WithContext(ctx).
		Where("target_user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&audits).Error
	return audits, err
}
