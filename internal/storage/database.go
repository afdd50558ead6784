package storage

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/enhancr/api/internal/model"
)

// DefaultPipelineName is the name of the seeded system pipeline.
const DefaultPipelineName = "Standard Enhancement"

// Open initializes the SQLite database, runs migrations and seeds the
// system default pipeline. WAL and a busy timeout keep concurrent
// request/worker transactions from failing with SQLITE_BUSY.
func Open(path string) (*gorm.DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	// SQLite allows a single writer; a pool of one avoids lock churn.
	sqlDB.SetMaxOpenConns(1)

	zap.L().Info("Running database migrations")
	if err := db.AutoMigrate(
		&model.Balance{},
		&model.Transaction{},
		&model.Job{},
		&model.Pipeline{},
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := seedDefaultPipeline(db); err != nil {
		return nil, err
	}

	return db, nil
}

// seedDefaultPipeline creates the system default pipeline (owner = none)
// on first boot. It is globally readable and never writable by users.
func seedDefaultPipeline(db *gorm.DB) error {
	var count int64
	if err := db.Model(&model.Pipeline{}).Where("owner_id IS NULL").Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check default pipeline: %w", err)
	}
	if count > 0 {
		return nil
	}

	def := &model.Pipeline{
		ID:          uuid.New().String(),
		OwnerID:     nil,
		Name:        DefaultPipelineName,
		Visibility:  model.VisibilityPublic,
		DefaultTier: model.Tier2K,
		Stages:      model.DefaultStageConfig(),
	}
	if err := db.Create(def).Error; err != nil {
		return fmt.Errorf("failed to seed default pipeline: %w", err)
	}
	zap.L().Info("Seeded system default pipeline", zap.String("id", def.ID))
	return nil
}
