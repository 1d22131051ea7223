/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"time"

	"github.com/friendsincode/actuator/internal/models"
)

// NoticeKind classifies outbox entries.
type NoticeKind string

const (
	NoticePreempted  NoticeKind = "preempted"
	NoticeTerminated NoticeKind = "terminated"
	NoticeAnnounce   NoticeKind = "announce"
)

// Notice is an asynchronous side effect of a schedule change, drained by the emitter.
// It is only ever queued after the change it describes is visible.
type Notice struct {
	Kind      NoticeKind
	Task      *models.Task  // affected task (a copy)
	By        *models.Task  // preempting task, for NoticePreempted
	Reclaimed []models.Slot // windows of Task taken over by By
	Device    string        // announced device
	Window    models.Slot   // announced active window
	Reason    string
	At        time.Time
}

// Conflict is an existing window that blocked an admission.
type Conflict struct {
	TaskID string    `json:"taskID"`
	Device string    `json:"device"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// Transition is a lifecycle change published on the lifecycle topic.
type Transition struct {
	TaskID      string           `json:"taskID"`
	RequesterID string           `json:"requesterID"`
	Priority    models.Priority  `json:"priority"`
	State       models.TaskState `json:"state"`
	Slots       []models.Slot    `json:"slots"`
	Reason      string           `json:"reason,omitempty"`
	Details     map[string]any   `json:"details,omitempty"`
	At          time.Time        `json:"at"`
}

func transition(t *models.Task, st models.TaskState, reason string, at time.Time) Transition {
	slots := make([]models.Slot, len(t.Slots))
	copy(slots, t.Slots)
	return Transition{
		TaskID:      t.TaskID,
		RequesterID: t.RequesterID,
		Priority:    t.Priority,
		State:       st,
		Slots:       slots,
		Reason:      reason,
		At:          at,
	}
}

// reclaimed returns the windows of victim that overlap any window of by.
func reclaimed(victim, by *models.Task) []models.Slot {
	var out []models.Slot
	for _, vs := range victim.Slots {
		for _, bs := range by.Slots {
			if vs.Overlaps(bs) {
				out = append(out, vs)
				break
			}
		}
	}
	return out
}
