package database

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Ananth-NQI/cakepe-backend/internal/config"
	"github.com/Ananth-NQI/cakepe-backend/internal/models"
)

// Connect opens the Postgres connection described by cfg.
func Connect(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(DSN(cfg)), &gorm.Config{
		// Unique violations must surface as gorm.ErrDuplicatedKey.
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.InstanceConnectionName != "" {
		logger.Info("Connected to Cloud SQL via socket", zap.String("instance", cfg.InstanceConnectionName))
	} else {
		logger.Info("Connected to PostgreSQL", zap.String("host", cfg.Host), zap.Int("port", cfg.Port), zap.String("db", cfg.Name))
	}
	return db, nil
}

// DSN builds the connection string. On Cloud Run the database is reached
// through the Cloud SQL unix socket.
func DSN(cfg config.DatabaseConfig) string {
	if cfg.InstanceConnectionName != "" {
		return fmt.Sprintf("host=/cloudsql/%s user=%s password=%s dbname=%s sslmode=disable",
			cfg.InstanceConnectionName, cfg.User, cfg.Pass, cfg.Name)
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		cfg.Host, cfg.User, cfg.Pass, cfg.Name, cfg.Port)
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Customer{},
		&models.Order{},
		&models.Turn{},
		&models.Notification{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// At most one non-terminal order per customer, enforced by Postgres too.
	err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_one_active
		ON orders (customer_id) WHERE state NOT IN ('paid', 'failed', 'expired')`).Error
	if err != nil {
		return fmt.Errorf("failed to create active order index: %w", err)
	}
	return nil
}
