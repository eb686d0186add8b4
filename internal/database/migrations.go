package database

import (
	"errors"
	"time"

	"github.com/priyanshuxkumar/quicky-server/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizePairKeys = "2024-06-01_normalize_pair_keys"

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
		{name: migrationNormalizePairKeys, apply: normalizePairKeys},
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

// normalizePairKeys rewrites chat pair keys from their participants so that
// lookups by the canonical sorted key find chats created by older writers.
func normalizePairKeys(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var chats []chat.Chat
		if err := tx.Preload("Participants").Find(&chats).Error; err != nil {
			return err
		}
		for _, item := range chats {
			ids := item.ParticipantIDs()
			if len(ids) != 2 {
				continue
			}
			canonical := chat.PairKey(ids[0], ids[1])
			if canonical == item.PairKey {
				continue
			}
			if err := tx.Model(&chat.Chat{}).Where("id = ?", item.ID).Update("pair_key", canonical).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
