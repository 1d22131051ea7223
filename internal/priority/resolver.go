/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package priority

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/friendsincode/actuator/internal/errcode"
	"github.com/friendsincode/actuator/internal/models"
)

// ErrInvalidPriority indicates an unknown priority was supplied to the resolver.
var ErrInvalidPriority = errors.New("invalid priority level")

// Resolver decides how a new task fits into the existing schedule.
// It is pure: callers hold the schedule lock and apply the decision.
type Resolver struct {
	logger zerolog.Logger
}

// NewResolver creates a conflict resolver instance.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{
		logger: logger.With().Str("component", "conflict_resolver").Logger(),
	}
}

// Overlap pairs a requested slot with an existing slot it collides with.
type Overlap struct {
	Requested models.Slot
	Existing  models.Slot
	Owner     *models.Task
}

// TransitionType enumerates the outcomes of an admission decision.
type TransitionType string

const (
	TransitionReject  TransitionType = "reject"  // hard conflict, nothing changes
	TransitionAdmit   TransitionType = "admit"   // no overlaps
	TransitionPreempt TransitionType = "preempt" // admit after reclaiming LOW_PREEMPT tasks
)

// Decision is the outcome of resolving one admission.
type Decision struct {
	TransitionType TransitionType
	Preempted      []*models.Task // distinct tasks to reclaim, in first-seen order
	Conflicts      []Overlap      // hard conflicts when rejected
}

// Admitted reports whether the task may be inserted.
func (d Decision) Admitted() bool {
	return d.TransitionType != TransitionReject
}

// Err returns the failure code for a rejected decision, nil otherwise.
func (d Decision) Err() error {
	if d.Admitted() {
		return nil
	}
	return errcode.ConflictsWithExisting
}

// CanPreempt checks if an incoming task may reclaim a window held at the existing priority.
// Only LOW_PREEMPT windows are reclaimable, and only by a strictly higher priority.
func (r *Resolver) CanPreempt(existing, incoming models.Priority) bool {
	if !existing.Preemptable() {
		return false
	}
	return incoming.Rank() > existing.Rank()
}

// Resolve classifies every overlap of the incoming task. Any hard conflict rejects
// the whole request.
func (r *Resolver) Resolve(incoming *models.Task, overlaps []Overlap) (Decision, error) {
	if !incoming.Priority.Valid() {
		return Decision{TransitionType: TransitionReject}, ErrInvalidPriority
	}
	if len(overlaps) == 0 {
		return Decision{TransitionType: TransitionAdmit}, nil
	}

	var (
		conflicts []Overlap
		preempted []*models.Task
		seen      = make(map[string]bool)
	)
	for _, o := range overlaps {
		if !r.CanPreempt(o.Owner.Priority, incoming.Priority) {
			conflicts = append(conflicts, o)
			continue
		}
		if !seen[o.Owner.TaskID] {
			seen[o.Owner.TaskID] = true
			preempted = append(preempted, o.Owner)
		}
	}

	if len(conflicts) > 0 {
		r.logger.Debug().
			Str("task_id", incoming.TaskID).
			Str("priority", incoming.Priority.String()).
			Int("conflicts", len(conflicts)).
			Msg("admission rejected")
		return Decision{TransitionType: TransitionReject, Conflicts: conflicts}, nil
	}

	r.logger.Debug().
		Str("task_id", incoming.TaskID).
		Str("priority", incoming.Priority.String()).
		Int("preempted", len(preempted)).
		Msg("admission preempts existing tasks")

	return Decision{TransitionType: TransitionPreempt, Preempted: preempted}, nil
}
