package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/keepintouch/backend/internal/contacts"
	"github.com/MarcoPoloResearchLab/keepintouch/backend/internal/engagement"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and ensures the schema exists.
// Schema creation is idempotent, so reopening against a freshly-restored store
// file is a no-op. An error here is fatal for the session; callers should not
// retry.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Statements serialize on one connection, matching the single-writer model.
	sqlDB.SetMaxOpenConns(1)

	models := []any{
		&engagement.Note{},
		&engagement.CadenceSetting{},
		&engagement.ContactedEvent{},
		&contacts.Contact{},
		&migrationRecord{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
