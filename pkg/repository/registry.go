// Package repository provides data access layer abstractions and registry
package repository

import (
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/jgirmay/presenced/pkg/models"
)

// Registry provides centralized access to all repositories
type Registry struct {
	VisibilityPolicyRepository  VisibilityPolicyRepository
	RelationshipRepository      RelationshipRepository
	NotificationAuditRepository NotificationAuditRepository

	// Database connection
	db *gorm.DB

	// Sync
	mu sync.RWMutex
}

// NewRegistry creates a new repository registry
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{
		db: db,
	}
}

// Initialize migrates the schema and initializes all repositories
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.AutoMigrate(
		&models.VisibilityPolicy{},
		&models.Membership{},
		&models.Contact{},
		&models.NotificationAudit{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	r.VisibilityPolicyRepository = NewVisibilityPolicyRepository(r.db)
	r.RelationshipRepository = NewRelationshipRepository(r.db)
	r.NotificationAuditRepository = NewNotificationAuditRepository(r.db)

	return nil
}

// GetDB returns the database connection
func (r *Registry) GetDB() *gorm.DB {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.db
}

// Ping checks the database connection
func (r *Registry) Ping() error {
	sqlDB, err := r.GetDB().DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Ping()
}

// Close closes the registry and all resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db != nil {
		sqlDB, err := r.db.DB()
		if err != nil {
			return fmt.Errorf("failed to get database connection: %w", err)
		}
		if err := sqlDB.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
