package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/repairdesk/internal/cases"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeCaseStatus = "2026-03-01_normalize_case_status"

// legacyStatusLabels maps labels written by older clients to canonical ones.
var legacyStatusLabels = map[string]cases.Status{
	"scheduled":   cases.StatusScheduled,
	"in_progress": cases.StatusInProgress,
	"inprogress":  cases.StatusInProgress,
	"in progress": cases.StatusInProgress,
	"completed":   cases.StatusCompleted,
	"done":        cases.StatusCompleted,
	"canceled":    cases.StatusCancelled,
	"cancelled":   cases.StatusCancelled,
}

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
		{name: migrationNormalizeCaseStatus, apply: normalizeCaseStatus},
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

func normalizeCaseStatus(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for legacy, canonical := range legacyStatusLabels {
			if err := tx.Model(&cases.Case{}).
				Where("LOWER(status) = ? AND status <> ?", legacy, canonical.String()).
				Update("status", canonical.String()).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
