package kvstore

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	postgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	postgresMaxOpenConns = 25
	postgresMaxIdleConns = 5
	postgresConnLifetime = time.Hour
)

// OpenPostgres establishes the networked backend shared by multiple server
// instances and performs schema migration. Row locking uses SELECT ... FOR
// UPDATE so compare-and-set transactions on the same key serialize across
// the fleet.
func OpenPostgres(dsn string, logger *zap.Logger) (*GormStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(postgresMaxOpenConns)
	sqlDB.SetMaxIdleConns(postgresMaxIdleConns)
	sqlDB.SetConnMaxLifetime(postgresConnLifetime)

	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("postgres storage initialized")
	}

	return newGormStore(db, []clause.Expression{clause.Locking{Strength: "UPDATE"}}), nil
}
