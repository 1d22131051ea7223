/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package db opens the lifecycle ledger database.
package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/actuator/internal/config"
)

// ErrDisabled is returned when no ledger DSN is configured.
var ErrDisabled = errors.New("ledger database disabled")

// Connect establishes a gorm DB connection for the configured backend.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	if cfg.DBDSN == "" {
		return nil, ErrDisabled
	}
	return Open(cfg.DBBackend, cfg.DBDSN, cfg.Environment == "development")
}

// Open connects to dsn using backend.
func Open(backend config.DatabaseBackend, dsn string, verbose bool) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch backend {
	case config.DatabasePostgres:
		dialector = postgres.Open(dsn)
	case config.DatabaseMySQL:
		dialector = mysql.Open(dsn)
	case config.DatabaseSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown database backend: %s", backend)
	}

	level := logger.Warn
	if verbose {
		level = logger.Info
	}
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(level),
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", backend, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if backend == config.DatabaseSQLite {
		// One connection keeps an in-memory database alive and serializes writers.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := RegisterCallbacks(db); err != nil {
		return nil, fmt.Errorf("register callbacks: %w", err)
	}

	return db, nil
}

// Close releases database resources.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
