/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the arbiter over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/actuator/internal/actuator"
	"github.com/friendsincode/actuator/internal/auth"
	"github.com/friendsincode/actuator/internal/driver"
	"github.com/friendsincode/actuator/internal/events"
	"github.com/friendsincode/actuator/internal/logbuffer"
	"github.com/friendsincode/actuator/internal/models"
	"github.com/friendsincode/actuator/internal/version"
)

// Ledger answers task history queries. A nil Ledger means the ledger is disabled.
type Ledger interface {
	History(ctx context.Context, taskID string) ([]models.TaskRecord, error)
}

// DeviceLister reports configured devices and their point values.
type DeviceLister interface {
	Devices() []driver.DeviceInfo
}

// LeaderChecker reports whether this instance is authoritative.
type LeaderChecker interface {
	IsLeader() bool
}

// API exposes HTTP handlers.
type API struct {
	actuator  *actuator.Service
	ledger    Ledger
	devices   DeviceLister
	leader    LeaderChecker
	logs      *logbuffer.Buffer
	bus       *events.Bus
	jwtSecret []byte
	logger    zerolog.Logger
}

// Options carries the optional collaborators of the API.
type Options struct {
	Ledger    Ledger
	Devices   DeviceLister
	Leader    LeaderChecker
	Logs      *logbuffer.Buffer
	JWTSecret []byte
}

// New creates the API router wrapper.
func New(svc *actuator.Service, bus *events.Bus, opts Options, logger zerolog.Logger) *API {
	return &API{
		actuator:  svc,
		ledger:    opts.Ledger,
		devices:   opts.Devices,
		leader:    opts.Leader,
		logs:      opts.Logs,
		bus:       bus,
		jwtSecret: opts.JWTSecret,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Routes registers the API on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/healthz", a.handleHealth)

	r.Route("/rpc", func(r chi.Router) {
		r.Use(auth.Middleware(a.jwtSecret))
		r.Use(a.requireLeader)
		r.Post("/request_new_schedule", a.handleRequestNewSchedule)
		r.Post("/request_cancel_schedule", a.handleRequestCancelSchedule)
		r.Post("/set_point", a.handleSetPoint)
		r.Post("/get_point", a.handleGetPoint)
		r.Post("/revert_point", a.handleRevertPoint)
		r.Post("/revert_device", a.handleRevertDevice)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(a.jwtSecret))
		r.Get("/schedule", a.handleSchedule)
		r.Get("/locks", a.handleLocks)
		r.Get("/devices", a.handleDevices)
		r.Get("/events", a.handleEvents)
		r.With(auth.RequireRole(auth.RoleAdmin)).Get("/logs", a.handleLogs)
		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.With(auth.RequireRole(auth.RoleAdmin), a.requireLeader).Delete("/", a.handleTerminate)
			r.Get("/history", a.handleHistory)
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	resp := map[string]any{
		"status":  "ok",
		"version": info.Version,
		"ledger":  a.ledger != nil,
	}
	if a.leader != nil {
		resp["leader"] = a.leader.IsLeader()
	}
	writeJSON(w, http.StatusOK, resp)
}

// requireLeader refuses arbitration on a standby instance.
func (a *API) requireLeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.leader != nil && !a.leader.IsLeader() {
			writeError(w, http.StatusServiceUnavailable, "not_leader")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
