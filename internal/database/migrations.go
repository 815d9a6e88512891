package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/keepintouch/backend/internal/engagement"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDropCadenceLastContacted = "2026-08-12_drop_cadence_last_contacted"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDropCadenceLastContacted, apply: dropCadenceLastContacted},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dropCadenceLastContacted removes the lastContactedDate column that older
// store files carried inside contactSettings. The value duplicated what
// MAX(contactedDate) already derives from the event log, and the two sources
// disagreed after backdated entries; the event log is now the single source.
func dropCadenceLastContacted(db *gorm.DB) error {
	if !db.Migrator().HasColumn(&engagement.CadenceSetting{}, "lastContactedDate") {
		return nil
	}
	// Raw ALTER TABLE: the GORM migrator rebuilds tables from the model schema
	// and the model no longer declares this column, so Migrator().DropColumn
	// regenerates the table unchanged.
	if err := db.Exec("ALTER TABLE contactSettings DROP COLUMN lastContactedDate").Error; err != nil {
		return err
	}
	if db.Migrator().HasColumn(&engagement.CadenceSetting{}, "lastContactedDate") {
		return fmt.Errorf("column lastContactedDate still present in contactSettings after drop")
	}
	return nil
}
