/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// TaskRecord is one lifecycle transition in the task ledger.
type TaskRecord struct {
	ID          string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	TaskID      string         `gorm:"type:varchar(255);index:idx_task_record_task;not null" json:"taskID"`
	RequesterID string         `gorm:"type:varchar(255);index:idx_task_record_requester" json:"requesterID"`
	Priority    Priority       `gorm:"type:varchar(16)" json:"priority,omitempty"`
	State       TaskState      `gorm:"type:varchar(16);index" json:"state"`
	Slots       []Slot         `gorm:"serializer:json" json:"slots"`
	Reason      string         `gorm:"type:varchar(255)" json:"reason,omitempty"`
	Details     map[string]any `gorm:"serializer:json" json:"details,omitempty"`
	RecordedAt  time.Time      `gorm:"index:idx_task_record_task" json:"recordedAt"`
	CreatedAt   time.Time      `json:"-"`
}

// TableName returns the table name for GORM.
func (TaskRecord) TableName() string {
	return "task_records"
}
