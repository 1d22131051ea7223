/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"gorm.io/gorm"

	"github.com/friendsincode/actuator/internal/models"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(&models.TaskRecord{}); err != nil {
		return err
	}
	return applyPostgresStateCheck(database)
}

// applyPostgresStateCheck restricts task_records.state to the known lifecycle states.
func applyPostgresStateCheck(database *gorm.DB) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	return database.Exec(`
DO $$
BEGIN
  IF NOT EXISTS (
    SELECT 1 FROM pg_constraint WHERE conname = 'task_records_state_check'
  ) THEN
    ALTER TABLE task_records
      ADD CONSTRAINT task_records_state_check
      CHECK (state IN ('PENDING', 'ACTIVE', 'COMPLETED', 'CANCELED', 'PREEMPTED'));
  END IF;
END;
$$;`).Error
}
