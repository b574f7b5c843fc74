package kvstore

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the embedded single-file backend and performs
// schema migration. The connection pool is capped at one connection, which
// serializes all transactions; sqlite therefore needs no row-locking clause.
func OpenSQLite(path string, logger *zap.Logger) (*GormStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("sqlite storage initialized", zap.String("path", path))
	}

	return newGormStore(db, nil), nil
}
