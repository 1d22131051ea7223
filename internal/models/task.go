/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"sort"
	"time"
)

// TaskState tracks where a task is in its lifecycle.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskActive    TaskState = "ACTIVE"
	TaskCompleted TaskState = "COMPLETED"
	TaskCanceled  TaskState = "CANCELED"
	TaskPreempted TaskState = "PREEMPTED"
)

// Terminal reports whether the state ends the task.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskCanceled || s == TaskPreempted
}

// Slot is a reservation of one device for a time window.
// Windows are half-open: [Start, End).
type Slot struct {
	Device string    `json:"device"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// Overlaps reports whether two slots reserve the same device at the same instant.
func (s Slot) Overlaps(other Slot) bool {
	return s.Device == other.Device && s.Start.Before(other.End) && s.End.After(other.Start)
}

// Contains reports whether t falls inside the window.
func (s Slot) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// Task is a unique request for one or more device windows.
type Task struct {
	RequesterID string
	TaskID      string
	Priority    Priority
	Slots       []Slot
	State       TaskState
	CreatedAt   time.Time
}

// NewTask builds a pending task with its slots ordered by start time.
func NewTask(requesterID, taskID string, priority Priority, slots []Slot, now time.Time) *Task {
	ordered := make([]Slot, len(slots))
	copy(ordered, slots)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Start.Before(ordered[j].Start)
	})
	return &Task{
		RequesterID: requesterID,
		TaskID:      taskID,
		Priority:    priority,
		Slots:       ordered,
		State:       TaskPending,
		CreatedAt:   now,
	}
}

// FirstStart returns the start of the earliest slot.
func (t *Task) FirstStart() time.Time {
	if len(t.Slots) == 0 {
		return time.Time{}
	}
	return t.Slots[0].Start
}

// LastEnd returns the end of the latest-ending slot.
func (t *Task) LastEnd() time.Time {
	var last time.Time
	for _, s := range t.Slots {
		if s.End.After(last) {
			last = s.End
		}
	}
	return last
}

// StateAt derives the non-terminal state of the task at the given instant.
// Terminal states are returned unchanged.
func (t *Task) StateAt(now time.Time) TaskState {
	if t.State.Terminal() {
		return t.State
	}
	if !now.Before(t.LastEnd()) {
		return TaskCompleted
	}
	if !now.Before(t.FirstStart()) {
		return TaskActive
	}
	return TaskPending
}

// ActiveSlot returns the slot covering now on device, if any.
func (t *Task) ActiveSlot(device string, now time.Time) (Slot, bool) {
	for _, s := range t.Slots {
		if s.Device == device && s.Contains(now) {
			return s, true
		}
	}
	return Slot{}, false
}

// Clone returns a deep copy safe to hand outside the store.
func (t *Task) Clone() *Task {
	c := *t
	c.Slots = make([]Slot, len(t.Slots))
	copy(c.Slots, t.Slots)
	return &c
}
