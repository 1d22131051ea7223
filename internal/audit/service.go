/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audit keeps the task lifecycle ledger.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/actuator/internal/events"
	"github.com/friendsincode/actuator/internal/models"
	"github.com/friendsincode/actuator/internal/scheduler"
	"github.com/friendsincode/actuator/internal/telemetry"
)

// Service records lifecycle transitions published by the scheduler.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger
}

// NewService creates a new audit service.
func NewService(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Start subscribes to the lifecycle topic and stores every transition until ctx ends.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Msg("audit service starting")

	sub := s.bus.SubscribeBuffered(events.TopicLifecycle, 1024)
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("audit service stopping")
			return

		case msg, ok := <-sub:
			if !ok {
				return
			}
			tr, ok := msg.Body.(scheduler.Transition)
			if !ok {
				s.logger.Warn().Str("topic", msg.Topic).Msg("unexpected lifecycle payload")
				continue
			}
			if err := s.Log(ctx, recordOf(tr)); err != nil {
				s.logger.Error().Err(err).
					Str("task_id", tr.TaskID).
					Str("state", string(tr.State)).
					Msg("failed to record lifecycle transition")
			}
		}
	}
}

func recordOf(tr scheduler.Transition) *models.TaskRecord {
	return &models.TaskRecord{
		TaskID:      tr.TaskID,
		RequesterID: tr.RequesterID,
		Priority:    tr.Priority,
		State:       tr.State,
		Slots:       tr.Slots,
		Reason:      tr.Reason,
		Details:     tr.Details,
		RecordedAt:  tr.At,
	}
}

// Log records a ledger entry directly.
func (s *Service) Log(ctx context.Context, rec *models.TaskRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Details == nil {
		rec.Details = make(map[string]any)
	}

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		telemetry.LedgerWritesTotal.WithLabelValues("error").Inc()
		return err
	}
	telemetry.LedgerWritesTotal.WithLabelValues("ok").Inc()

	s.logger.Debug().
		Str("task_id", rec.TaskID).
		Str("state", string(rec.State)).
		Msg("lifecycle transition recorded")

	return nil
}

// QueryFilters defines filters for querying the ledger.
type QueryFilters struct {
	TaskID      *string
	RequesterID *string
	State       *models.TaskState
	StartTime   *time.Time
	EndTime     *time.Time
	Limit       int
	Offset      int
}

// Query retrieves ledger entries with filters, oldest first.
func (s *Service) Query(ctx context.Context, filters QueryFilters) ([]models.TaskRecord, int64, error) {
	var records []models.TaskRecord
	var total int64

	query := s.db.WithContext(ctx).Model(&models.TaskRecord{})

	if filters.TaskID != nil {
		query = query.Where("task_id = ?", *filters.TaskID)
	}
	if filters.RequesterID != nil {
		query = query.Where("requester_id = ?", *filters.RequesterID)
	}
	if filters.State != nil {
		query = query.Where("state = ?", *filters.State)
	}
	if filters.StartTime != nil {
		query = query.Where("recorded_at >= ?", *filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("recorded_at <= ?", *filters.EndTime)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	} else {
		query = query.Limit(100)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	if err := query.Order("recorded_at ASC").Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

// History returns every recorded transition of a task, oldest first.
func (s *Service) History(ctx context.Context, taskID string) ([]models.TaskRecord, error) {
	records, _, err := s.Query(ctx, QueryFilters{TaskID: &taskID, Limit: 1000})
	return records, err
}
