package main

import (
	"gorm.io/gorm"

	"github.com/iac-studio/deployengine/internal/models"
)

// registerModels returns all models that need migration
func registerModels() []any {
	return []any{
		&models.Deployment{},
	}
}

// runMigrations executes all database migrations
func runMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(registerModels()...); err != nil {
		return err
	}
	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't handle
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addActiveDeploymentIndex,
	}
	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}
	return nil
}

// addActiveDeploymentIndex backs the startup sweep for runs left in an
// active status by a crashed worker.
func addActiveDeploymentIndex(db *gorm.DB) error {
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_deployments_active_updated
		ON deployments(updated_at)
		WHERE status IN ('initializing', 'planning', 'applying', 'cleaning')
	`).Error
}
