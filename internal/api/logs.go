/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/friendsincode/actuator/internal/logbuffer"
)

// handleLogs returns recent buffered log lines, newest first.
func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "logs_disabled")
		return
	}

	q := r.URL.Query()
	params := logbuffer.QueryParams{
		Level:      q.Get("level"),
		Component:  q.Get("component"),
		TaskID:     q.Get("task_id"),
		Device:     q.Get("device"),
		Search:     q.Get("search"),
		Limit:      200,
		Descending: true,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		params.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since")
			return
		}
		params.Since = t
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries":    a.logs.Query(params),
		"components": a.logs.Components(),
		"stats":      a.logs.Stats(),
	})
}
