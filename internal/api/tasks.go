/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/actuator/internal/errcode"
	"github.com/friendsincode/actuator/internal/lock"
	"github.com/friendsincode/actuator/internal/models"
)

type taskView struct {
	RequesterID string        `json:"requesterID"`
	TaskID      string        `json:"taskID"`
	Priority    string        `json:"priority"`
	State       string        `json:"state"`
	Slots       []models.Slot `json:"slots"`
	CreatedAt   time.Time     `json:"createdAt"`
}

func viewTask(t *models.Task) taskView {
	return taskView{
		RequesterID: t.RequesterID,
		TaskID:      t.TaskID,
		Priority:    string(t.Priority),
		State:       string(t.State),
		Slots:       t.Slots,
		CreatedAt:   t.CreatedAt,
	}
}

type holderView struct {
	Device      string    `json:"device"`
	TaskID      string    `json:"taskID"`
	RequesterID string    `json:"requesterID"`
	Priority    string    `json:"priority"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

func viewHolder(h lock.Holder) holderView {
	return holderView{
		Device:      h.Device,
		TaskID:      h.TaskID,
		RequesterID: h.RequesterID,
		Priority:    string(h.Priority),
		Start:       h.Window.Start,
		End:         h.Window.End,
	}
}

func (a *API) handleSchedule(w http.ResponseWriter, r *http.Request) {
	tasks := a.actuator.Schedule()
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewTask(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleLocks(w http.ResponseWriter, r *http.Request) {
	holders := a.actuator.Holders()
	out := make([]holderView, 0, len(holders))
	for _, h := range holders {
		out = append(out, viewHolder(h))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	if a.devices == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, a.devices.Devices())
}

func (a *API) handleTerminate(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := a.actuator.Terminate(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, errcode.TaskIDDoesNotExist) {
			writeError(w, http.StatusNotFound, string(errcode.TaskIDDoesNotExist))
			return
		}
		a.logger.Error().Err(err).Str("task_id", taskID).Msg("terminate failed")
		writeError(w, http.StatusInternalServerError, "terminate_failed")
		return
	}
	writeJSON(w, http.StatusOK, viewTask(task))
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger_disabled")
		return
	}
	taskID := chi.URLParam(r, "taskID")
	records, err := a.ledger.History(r.Context(), taskID)
	if err != nil {
		a.logger.Error().Err(err).Str("task_id", taskID).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, records)
}
