/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package lock derives device ownership from the schedule and gates writes on it.
package lock

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/actuator/internal/errcode"
	"github.com/friendsincode/actuator/internal/models"
	"github.com/friendsincode/actuator/internal/scheduler/state"
)

// ErrNotOwner is the detail reported when a caller writes without holding the lock.
const ErrNotOwner = "caller does not have this lock"

// Holder describes the task owning a device right now.
type Holder struct {
	Device      string
	TaskID      string
	RequesterID string
	Priority    models.Priority
	Window      models.Slot
}

// Manager answers lock questions from the schedule index. It holds no state of its own.
type Manager struct {
	store  *state.Store
	now    func() time.Time
	logger zerolog.Logger
}

// NewManager creates a lock manager reading from store.
func NewManager(store *state.Store, now func() time.Time, logger zerolog.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:  store,
		now:    now,
		logger: logger.With().Str("component", "lock_manager").Logger(),
	}
}

// ResolveOwner returns the holder of device at now, if a slot is active.
func (m *Manager) ResolveOwner(device string, now time.Time) (Holder, bool) {
	var (
		holder Holder
		found  bool
	)
	m.store.View(func(ix *state.Index) {
		r, ok := ix.ActiveAt(device, now)
		if !ok {
			return
		}
		found = true
		holder = Holder{
			Device:      device,
			TaskID:      r.Task.TaskID,
			RequesterID: r.Task.RequesterID,
			Priority:    r.Task.Priority,
			Window:      r.Slot,
		}
	})
	return holder, found
}

// AuthorizeSet succeeds only when requesterID owns the active slot on device.
func (m *Manager) AuthorizeSet(device, requesterID string, now time.Time) error {
	holder, ok := m.ResolveOwner(device, now)
	if !ok || holder.RequesterID != requesterID {
		m.logger.Debug().
			Str("device", device).
			Str("requester_id", requesterID).
			Bool("held", ok).
			Msg("write refused")
		return errcode.New(errcode.LockError, ErrNotOwner)
	}
	return nil
}

// Authorize checks ownership against the manager's clock.
func (m *Manager) Authorize(device, requesterID string) error {
	return m.AuthorizeSet(device, requesterID, m.now())
}

// Holders lists every device lock held at now.
func (m *Manager) Holders(now time.Time) []Holder {
	var out []Holder
	m.store.View(func(ix *state.Index) {
		for _, r := range ix.Active(now) {
			out = append(out, Holder{
				Device:      r.Slot.Device,
				TaskID:      r.Task.TaskID,
				RequesterID: r.Task.RequesterID,
				Priority:    r.Task.Priority,
				Window:      r.Slot,
			})
		}
	})
	return out
}
