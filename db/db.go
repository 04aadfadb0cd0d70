// Package db provides the SQLite persistence layer for the execution core.
// All subsystems share one gorm connection; SQLite serializes writes, so no
// additional write coordination is required above it.
package db

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Service wraps the shared database handle and exposes the typed stores.
type Service struct {
	db     *gorm.DB
	logger *logrus.Entry
}

// Open opens (creating if necessary) the cache database at path and runs
// the schema migration. Use ":memory:" for tests.
func Open(path string, logger *logrus.Entry) (*Service, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	dsn := path
	if path != ":memory:" {
		// busy_timeout keeps concurrent readers from failing while a write
		// transaction holds the file lock.
		dsn = fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}

	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	// Every :memory: connection is its own database, so the pool must stay
	// at a single connection there; file databases keep writes serialized
	// through one connection as well.
	if sqlDB, err := gdb.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	svc := &Service{
		db:     gdb,
		logger: logger.WithField("component", "db"),
	}
	if err := svc.migrate(); err != nil {
		return nil, err
	}
	return svc, nil
}

// migrate creates or updates the schema for all persisted models.
func (s *Service) migrate() error {
	err := s.db.AutoMigrate(
		&Execution{},
		&ExecutionLog{},
		&Workflow{},
		&WorkflowStep{},
		&EntityRecord{},
		&RemoteRepo{},
		&CrossRepoRequest{},
		&Subscription{},
		&AuditLogEntry{},
	)
	if err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// DB exposes the raw handle for stores in this package.
func (s *Service) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying connection.
func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
