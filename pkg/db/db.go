package db

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/lisanmuaddib/insights-go/pkg/db/models"
)

const (
	// MaxOpenConns bounds the shared connection pool; both admission and
	// the analyzer draw from it.
	MaxOpenConns = 10
	MaxIdleConns = 5
)

// SetupDatabase initializes the database connection and runs migrations.
func SetupDatabase(logger *logrus.Logger, databaseURL string) (*gorm.DB, error) {
	logger.Debug("Starting database setup")

	if err := RunMigrations(logger, databaseURL); err != nil {
		return nil, err
	}

	logger.Debug("Establishing GORM database connection")

	gormDB, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: NewGormLogrusLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(MaxOpenConns)
	sqlDB.SetMaxIdleConns(MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Auto-migrate covers schema drift between migration files and models
	if err := gormDB.AutoMigrate(
		&models.Conversation{},
		&models.Tweet{},
		&models.Insight{},
		&models.AnalysisCache{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database schema: %w", err)
	}

	logger.Info("Database setup completed successfully")
	return gormDB, nil
}
