/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/friendsincode/actuator/internal/models"
	"github.com/friendsincode/actuator/internal/telemetry"
)

// ErrAppendOnly is returned when something tries to rewrite or erase ledger history.
var ErrAppendOnly = errors.New("task ledger is append-only")

// Ledger operations as labelled in metrics.
const (
	opRecord = "record"
	opLookup = "lookup"
)

const startedAtKey = "ledger:started_at"

var ledgerTable = models.TaskRecord{}.TableName()

// RegisterCallbacks times ledger records and lookups and refuses updates or
// deletes of recorded transitions.
func RegisterCallbacks(db *gorm.DB) error {
	create := db.Callback().Create()
	if err := create.Before("gorm:create").Register("ledger:before_record", markStart); err != nil {
		return err
	}
	if err := create.After("gorm:create").Register("ledger:after_record", observe(opRecord)); err != nil {
		return err
	}

	query := db.Callback().Query()
	if err := query.Before("gorm:query").Register("ledger:before_lookup", markStart); err != nil {
		return err
	}
	if err := query.After("gorm:query").Register("ledger:after_lookup", observe(opLookup)); err != nil {
		return err
	}

	if err := db.Callback().Update().Before("gorm:update").Register("ledger:append_only_update", appendOnly); err != nil {
		return err
	}
	return db.Callback().Delete().Before("gorm:delete").Register("ledger:append_only_delete", appendOnly)
}

func markStart(db *gorm.DB) {
	db.InstanceSet(startedAtKey, time.Now())
}

func observe(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		v, ok := db.InstanceGet(startedAtKey)
		if !ok {
			return
		}
		started, ok := v.(time.Time)
		if !ok {
			return
		}

		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}
		telemetry.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(time.Since(started).Seconds())

		if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
			telemetry.DatabaseErrorsTotal.WithLabelValues(operation, table).Inc()
		}
	}
}

func appendOnly(db *gorm.DB) {
	if db.Statement.Table != ledgerTable {
		return
	}
	telemetry.DatabaseErrorsTotal.WithLabelValues("rewrite", ledgerTable).Inc()
	_ = db.AddError(ErrAppendOnly)
}

// UpdateConnectionMetrics samples the ledger pool into the open-connections gauge.
func UpdateConnectionMetrics(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	telemetry.DatabaseConnectionsOpen.Set(float64(sqlDB.Stats().OpenConnections))
}
