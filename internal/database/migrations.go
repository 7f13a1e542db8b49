package database

import (
	"errors"
	"time"

	"github.com/sealed-chat/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationResetStaleOnlineFlags = "2026-08-20_reset_stale_online_flags"

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
		{name: migrationResetStaleOnlineFlags, apply: resetStaleOnlineFlags},
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

// Online flags persisted before the live-connection counter existed can be
// stuck true after a crash; presence is registry-owned, so clear them once.
func resetStaleOnlineFlags(db *gorm.DB) error {
	return db.Model(&users.User{}).
		Where("is_online = ?", true).
		Update("is_online", false).Error
}
