/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "strings"

// Priority defines the admission class of a task.
type Priority string

const (
	// PriorityHigh tasks can never be preempted.
	PriorityHigh Priority = "HIGH"

	// PriorityLow tasks cannot be preempted but may preempt LOW_PREEMPT tasks.
	PriorityLow Priority = "LOW"

	// PriorityLowPreempt tasks yield to any HIGH or LOW task that overlaps them.
	PriorityLowPreempt Priority = "LOW_PREEMPT"
)

// ParsePriority returns the priority named by s. Matching is case-insensitive.
func ParsePriority(s string) (Priority, bool) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if p.Valid() {
		return p, true
	}
	return "", false
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityLow, PriorityLowPreempt:
		return true
	default:
		return false
	}
}

// Rank orders priorities: HIGH > LOW > LOW_PREEMPT.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 1
	case PriorityLowPreempt:
		return 0
	default:
		return -1
	}
}

// Preemptable reports whether tasks of this priority can be reclaimed.
func (p Priority) Preemptable() bool {
	return p == PriorityLowPreempt
}

// String returns a human-readable priority name.
func (p Priority) String() string {
	return string(p)
}
