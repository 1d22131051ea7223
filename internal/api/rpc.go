/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/friendsincode/actuator/internal/actuator"
	"github.com/friendsincode/actuator/internal/auth"
	"github.com/friendsincode/actuator/internal/errcode"
)

type scheduleRequest struct {
	RequesterID any `json:"requesterID"`
	TaskID      any `json:"taskID"`
	Priority    any `json:"priority"`
	Requests    any `json:"requests"`
	Slots       any `json:"slots"`
}

type pointRequest struct {
	RequesterID any    `json:"requesterID"`
	Topic       string `json:"topic"`
	Device      string `json:"device"`
	Value       any    `json:"value"`
}

type valueResponse struct {
	Value any `json:"value"`
}

// decode reads a JSON body keeping numbers exact so numeric identifiers survive as text.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(dst)
}

// requester resolves the acting identity. With auth enabled an absent requesterID
// defaults to the token's agent and a foreign one is refused.
func requester(w http.ResponseWriter, r *http.Request, raw any) (any, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return raw, true
	}
	id := identity(raw)
	if id == "" {
		return claims.AgentID, true
	}
	if !auth.AgentMatches(r.Context(), id) {
		writeError(w, http.StatusForbidden, "requester_mismatch")
		return nil, false
	}
	return raw, true
}

func identity(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func (a *API) handleRequestNewSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	who, ok := requester(w, r, req.RequesterID)
	if !ok {
		return
	}
	slots := req.Requests
	if slots == nil {
		slots = req.Slots
	}
	writeJSON(w, http.StatusOK, a.actuator.RequestNewSchedule(r.Context(), who, req.TaskID, req.Priority, slots))
}

func (a *API) handleRequestCancelSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	who, ok := requester(w, r, req.RequesterID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.actuator.RequestCancelSchedule(r.Context(), who, req.TaskID))
}

func (a *API) handleSetPoint(w http.ResponseWriter, r *http.Request) {
	var req pointRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	who, ok := requester(w, r, req.RequesterID)
	if !ok {
		return
	}
	v, err := a.actuator.SetPoint(r.Context(), who, req.Topic, req.Value)
	writePoint(w, v, err)
}

func (a *API) handleGetPoint(w http.ResponseWriter, r *http.Request) {
	var req pointRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	who, ok := requester(w, r, req.RequesterID)
	if !ok {
		return
	}
	v, err := a.actuator.GetPoint(r.Context(), who, req.Topic)
	writePoint(w, v, err)
}

func (a *API) handleRevertPoint(w http.ResponseWriter, r *http.Request) {
	var req pointRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	who, ok := requester(w, r, req.RequesterID)
	if !ok {
		return
	}
	v, err := a.actuator.RevertPoint(r.Context(), who, req.Topic)
	writePoint(w, v, err)
}

func (a *API) handleRevertDevice(w http.ResponseWriter, r *http.Request) {
	var req pointRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	who, ok := requester(w, r, req.RequesterID)
	if !ok {
		return
	}
	device := req.Device
	if device == "" {
		device = req.Topic
	}
	if err := a.actuator.RevertDevice(r.Context(), who, device); err != nil {
		writePoint(w, nil, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writePoint(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeJSON(w, pointStatus(err), actuator.NewPointError(err))
		return
	}
	writeJSON(w, http.StatusOK, valueResponse{Value: v})
}

// pointStatus maps a point failure to an HTTP status.
func pointStatus(err error) int {
	switch errcode.Of(err) {
	case errcode.LockError:
		return http.StatusConflict
	case errcode.DriverInterfaceError:
		return http.StatusNotFound
	case errcode.IOError:
		return http.StatusForbidden
	case errcode.ValueError, errcode.MalformedRequest, errcode.MissingAgentID:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
