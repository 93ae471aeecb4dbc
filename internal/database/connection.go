// internal/database/connection.go
package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/models"
)

func Initialize(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:  logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}

	// Connect to database
	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Second)

	// Test connection
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.WithFields(logrus.Fields{"host": cfg.Host, "database": cfg.Database}).
		Info("Database connection established")
	return db, nil
}

func gormLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

func Close(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		logrus.WithError(err).Error("Error getting underlying sql.DB")
		return
	}

	if err := sqlDB.Close(); err != nil {
		logrus.WithError(err).Error("Error closing database connection")
	} else {
		logrus.Info("Database connection closed")
	}
}

// Models lists every table owned by the licensing service.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.IPAsset{},
		&models.AssetOwnership{},
		&models.License{},
		&models.StatusHistoryEntry{},
		&models.Amendment{},
		&models.ApprovalRecord{},
		&models.Extension{},
		&models.AuditLog{},
		&models.AdminNotification{},
		&models.OutboxEvent{},
		&models.IdempotencyRecord{},
	}
}

func RunMigrations(db *gorm.DB) error {
	logrus.Info("Running database migrations...")

	// gen_random_uuid() lives in pgcrypto before PostgreSQL 13
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS pgcrypto").Error; err != nil {
		return fmt.Errorf("failed to create pgcrypto extension: %w", err)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := createIndexes(db); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logrus.Info("Database migrations completed")
	return nil
}

func createIndexes(db *gorm.DB) error {
	indexes := []string{
		// Conflict detection scans grants of one asset by status and date range
		"CREATE INDEX IF NOT EXISTS idx_licenses_asset_window ON licenses(ip_asset_id, status, start_date, end_date) WHERE deleted_at IS NULL",
		"CREATE INDEX IF NOT EXISTS idx_licenses_brand_status ON licenses(brand_id, status) WHERE deleted_at IS NULL",
		"CREATE INDEX IF NOT EXISTS idx_licenses_sweep ON licenses(status, end_date) WHERE deleted_at IS NULL",
		"CREATE INDEX IF NOT EXISTS idx_licenses_auto_renew ON licenses(end_date) WHERE auto_renew AND deleted_at IS NULL",

		// Ownership
		"CREATE INDEX IF NOT EXISTS idx_asset_ownerships_asset ON asset_ownerships(ip_asset_id) WHERE deleted_at IS NULL",

		// History and audit
		"CREATE INDEX IF NOT EXISTS idx_status_history_license ON license_status_history(license_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id)",
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs(created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_admin_notifications_status ON admin_notifications(status, priority)",

		// Outbox dispatch
		"CREATE INDEX IF NOT EXISTS idx_outbox_pending ON license_outbox_events(available_at) WHERE status = 'pending'",
	}

	for _, index := range indexes {
		if err := db.Exec(index).Error; err != nil {
			logrus.WithError(err).WithField("index", index).Warn("Failed to create index")
			// Continue with other indexes instead of failing completely
		}
	}

	return nil
}

// SeedInitialData creates the system administrator used for automated actions.
func SeedInitialData(db *gorm.DB) error {
	logrus.Info("Seeding initial data...")

	var adminCount int64
	if err := db.Model(&models.User{}).Where("user_type = ?", models.UserTypeAdmin).Count(&adminCount).Error; err != nil {
		return fmt.Errorf("failed to count admin users: %w", err)
	}

	if adminCount == 0 {
		admin := &models.User{
			Email:             "admin@ipmarketplace.com",
			DisplayName:       "System Administrator",
			UserType:          models.UserTypeAdmin,
			VerificationLevel: models.VerificationLevelPremium,
			Status:            models.UserStatusActive,
			ProfileData:       models.JSONB{"role": "super_admin"},
		}
		admin.EnsureID()

		if err := db.Create(admin).Error; err != nil {
			return fmt.Errorf("failed to create admin user: %w", err)
		}

		logrus.WithField("admin_id", admin.ID).Info("Default admin user created")
	}

	logrus.Info("Initial data seeding completed")
	return nil
}
