// Package storage owns the relational store: the gorm pool, the data model,
// and the constitution of triggers that enforce money invariants regardless of
// application bugs.
package storage

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the database named by dsn. A dsn beginning with "postgres"
// uses the Postgres driver; anything else is treated as a sqlite path, which
// the test suites use.
func Open(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if len(dsn) >= 8 && dsn[:8] == "postgres" {
		dialector = postgres.Open(dsn)
	} else {
		// Busy timeout keeps concurrent test workers from tripping over
		// sqlite's single-writer lock.
		dialector = sqlite.Open(dsn + "?_pragma=busy_timeout(5000)")
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// IsPostgres reports whether the pool speaks Postgres. The constitution and
// the outbox claim SQL vary by dialect.
func IsPostgres(db *gorm.DB) bool {
	return db != nil && db.Dialector.Name() == "postgres"
}

// Ping verifies connectivity for the readiness probe.
func Ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
