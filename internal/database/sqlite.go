package database

import (
	"fmt"

	"github.com/NimbusSyncLab/nimbus/internal/storage"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the SQLite connection pool and performs schema
// migrations. maxConnections caps the pool of exclusive connections handed
// out to sessions.
func OpenSQLite(path string, maxConnections int, logger *zap.Logger) (*gorm.DB, error) {
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
	if maxConnections <= 0 {
		maxConnections = 1
	}
	sqlDB.SetMaxOpenConns(maxConnections)

	if err := db.AutoMigrate(
		&storage.Collection{},
		&storage.UserCollection{},
		&storage.StorageObject{},
		&storage.StagedBatch{},
		&migrationRecord{},
	); err != nil {
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
