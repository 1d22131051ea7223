/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/friendsincode/actuator/internal/errcode"
	"github.com/friendsincode/actuator/internal/events"
	"github.com/friendsincode/actuator/internal/models"
	"github.com/friendsincode/actuator/internal/priority"
	"github.com/friendsincode/actuator/internal/scheduler/state"
	"github.com/friendsincode/actuator/internal/scheduling"
	"github.com/friendsincode/actuator/internal/telemetry"
)

const (
	defaultAnnounceInterval = 30 * time.Second
	defaultOutboxSize       = 256
	minWake                 = 10 * time.Millisecond
)

// Config tunes the scheduler.
type Config struct {
	AnnounceInterval time.Duration
	OutboxSize       int
	Now              func() time.Time
}

// Service owns the schedule: admission, cancellation, reaping and announcements.
type Service struct {
	store    *state.Store
	resolver *priority.Resolver
	bus      events.Publisher
	logger   zerolog.Logger
	interval time.Duration
	now      func() time.Time

	outbox  chan Notice
	closing chan struct{}
	once    sync.Once
	wake    chan struct{}

	annMu     sync.Mutex
	announced map[string]announcement
}

type announcement struct {
	taskID string
	at     time.Time
}

// AdmitResult describes the outcome of an admission.
type AdmitResult struct {
	Task      *models.Task
	Preempted []string
	Conflicts []Conflict
}

// New constructs the scheduler service.
func New(store *state.Store, resolver *priority.Resolver, bus events.Publisher, cfg Config, logger zerolog.Logger) *Service {
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = defaultAnnounceInterval
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:     store,
		resolver:  resolver,
		bus:       bus,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		interval:  cfg.AnnounceInterval,
		now:       cfg.Now,
		outbox:    make(chan Notice, cfg.OutboxSize),
		closing:   make(chan struct{}),
		wake:      make(chan struct{}, 1),
		announced: make(map[string]announcement),
	}
}

// Now returns the scheduler's current time.
func (s *Service) Now() time.Time {
	return s.now()
}

// Notices returns the outbox drained by the event emitter.
func (s *Service) Notices() <-chan Notice {
	return s.outbox
}

// Close stops blocking enqueues. Notices already queued stay readable.
func (s *Service) Close() {
	s.once.Do(func() { close(s.closing) })
}

// Admit validates a new task against the schedule and inserts it atomically,
// preempting LOW_PREEMPT holders where allowed.
func (s *Service) Admit(ctx context.Context, req *scheduling.ScheduleRequest) (*AdmitResult, error) {
	_, span := telemetry.StartSpan(ctx, "scheduler.admit",
		attribute.String("task_id", req.TaskID),
		attribute.String("requester_id", req.RequesterID),
		attribute.String("priority", req.Priority.String()),
		attribute.Int("slots", len(req.Slots)),
	)

	now := s.now()
	task := models.NewTask(req.RequesterID, req.TaskID, req.Priority, req.Slots, now)
	result := &AdmitResult{}

	var (
		transitions []Transition
		notices     []Notice
	)
	err := s.store.Update(func(ix *state.Index) error {
		transitions = s.reapLocked(ix, now)

		if _, exists := ix.Task(task.TaskID); exists {
			return errcode.TaskIDAlreadyExists
		}

		var overlaps []priority.Overlap
		for _, slot := range task.Slots {
			for _, r := range ix.Overlapping(slot) {
				overlaps = append(overlaps, priority.Overlap{Requested: slot, Existing: r.Slot, Owner: r.Task})
			}
		}

		decision, err := s.resolver.Resolve(task, overlaps)
		if err != nil {
			return err
		}
		if !decision.Admitted() {
			for _, c := range decision.Conflicts {
				result.Conflicts = append(result.Conflicts, Conflict{
					TaskID: c.Owner.TaskID,
					Device: c.Existing.Device,
					Start:  c.Existing.Start,
					End:    c.Existing.End,
				})
			}
			return decision.Err()
		}

		for _, victim := range decision.Preempted {
			ix.Remove(victim.TaskID)
			victim.State = models.TaskPreempted
			windows := reclaimed(victim, task)
			notices = append(notices, Notice{
				Kind:      NoticePreempted,
				Task:      victim.Clone(),
				By:        task.Clone(),
				Reclaimed: windows,
				Reason:    "preempted by " + task.TaskID,
				At:        now,
			})
			tr := transition(victim, models.TaskPreempted, "preempted", now)
			tr.Details = map[string]any{"by_task_id": task.TaskID, "by_requester_id": task.RequesterID}
			transitions = append(transitions, tr)
			result.Preempted = append(result.Preempted, victim.TaskID)
		}

		if task.StateAt(now) == models.TaskActive {
			task.State = models.TaskActive
		}
		ix.Insert(task)
		telemetry.TasksRegistered.Set(float64(ix.Len()))
		transitions = append(transitions, transition(task, task.State, "admitted", now))
		result.Task = task.Clone()
		return nil
	})

	s.publish(transitions)
	for _, n := range notices {
		s.enqueue(n)
	}
	if len(result.Preempted) > 0 {
		telemetry.PreemptionsTotal.Add(float64(len(result.Preempted)))
	}

	if err == nil {
		s.logger.Info().
			Str("task_id", task.TaskID).
			Str("requester_id", task.RequesterID).
			Str("priority", task.Priority.String()).
			Strs("preempted", result.Preempted).
			Msg("task admitted")
		s.poke()
	} else {
		s.logger.Debug().Err(err).Str("task_id", task.TaskID).Msg("task rejected")
	}

	telemetry.EndSpan(span, err)
	return result, err
}

// Cancel removes a task owned by requesterID.
func (s *Service) Cancel(ctx context.Context, requesterID, taskID string) (*models.Task, error) {
	_, span := telemetry.StartSpan(ctx, "scheduler.cancel",
		attribute.String("task_id", taskID),
		attribute.String("requester_id", requesterID),
	)

	now := s.now()
	var (
		canceled    *models.Task
		transitions []Transition
	)
	err := s.store.Update(func(ix *state.Index) error {
		transitions = s.reapLocked(ix, now)
		task, ok := ix.Task(taskID)
		if !ok || task.RequesterID != requesterID {
			return errcode.TaskIDDoesNotExist
		}
		ix.Remove(taskID)
		task.State = models.TaskCanceled
		telemetry.TasksRegistered.Set(float64(ix.Len()))
		transitions = append(transitions, transition(task, models.TaskCanceled, "requested", now))
		canceled = task.Clone()
		return nil
	})
	s.publish(transitions)

	if err == nil {
		s.logger.Info().Str("task_id", taskID).Str("requester_id", requesterID).Msg("task canceled")
		s.poke()
	}
	telemetry.EndSpan(span, err)
	return canceled, err
}

// Terminate cancels a task regardless of its owner and notifies the owner.
func (s *Service) Terminate(ctx context.Context, taskID, reason string) (*models.Task, error) {
	_, span := telemetry.StartSpan(ctx, "scheduler.terminate", attribute.String("task_id", taskID))

	if reason == "" {
		reason = "administrative"
	}
	now := s.now()
	var (
		terminated  *models.Task
		transitions []Transition
	)
	err := s.store.Update(func(ix *state.Index) error {
		transitions = s.reapLocked(ix, now)
		task, ok := ix.Remove(taskID)
		if !ok {
			return errcode.TaskIDDoesNotExist
		}
		task.State = models.TaskCanceled
		telemetry.TasksRegistered.Set(float64(ix.Len()))
		transitions = append(transitions, transition(task, models.TaskCanceled, reason, now))
		terminated = task.Clone()
		return nil
	})
	s.publish(transitions)

	if err == nil {
		s.enqueue(Notice{Kind: NoticeTerminated, Task: terminated, Reason: reason, At: now})
		s.logger.Warn().Str("task_id", taskID).Str("reason", reason).Msg("task terminated")
		s.poke()
	}
	telemetry.EndSpan(span, err)
	return terminated, err
}

// Snapshot returns copies of all scheduled tasks with their current states.
func (s *Service) Snapshot() []*models.Task {
	now := s.now()
	tasks := s.store.Snapshot()
	for _, t := range tasks {
		t.State = t.StateAt(now)
	}
	return tasks
}

// WhileHolding runs fn under the read lock if taskID still holds an active window
// on device, and reports whether it ran. Cancel and preemption cannot interleave
// with fn.
func (s *Service) WhileHolding(taskID, device string, fn func()) bool {
	now := s.now()
	held := false
	s.store.View(func(ix *state.Index) {
		r, ok := ix.ActiveAt(device, now)
		if !ok || r.Task.TaskID != taskID {
			return
		}
		held = true
		fn()
	})
	return held
}

// Run executes the announcer loop until the context is cancelled. It wakes when an
// active device is next due for an announcement and at every window boundary.
func (s *Service) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("announcer loop started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("announcer loop stopped")
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		s.Tick(ctx)
		timer.Reset(s.nextWake(s.now()))
	}
}

// Tick reaps finished tasks, promotes started ones and announces active windows.
func (s *Service) Tick(ctx context.Context) {
	telemetry.SchedulerTicksTotal.Inc()
	now := s.now()

	var transitions []Transition
	_ = s.store.Update(func(ix *state.Index) error {
		transitions = s.reapLocked(ix, now)
		return nil
	})
	s.publish(transitions)
	s.announce(ctx, now)
}

// reapLocked removes completed tasks and promotes pending ones. Caller holds the write lock.
func (s *Service) reapLocked(ix *state.Index, now time.Time) []Transition {
	var out []Transition
	for _, task := range ix.Tasks() {
		switch task.StateAt(now) {
		case models.TaskCompleted:
			ix.Remove(task.TaskID)
			task.State = models.TaskCompleted
			out = append(out, transition(task, models.TaskCompleted, "window ended", now))
		case models.TaskActive:
			if task.State == models.TaskPending {
				task.State = models.TaskActive
				out = append(out, transition(task, models.TaskActive, "window started", now))
			}
		}
	}
	if len(out) > 0 {
		telemetry.TasksRegistered.Set(float64(ix.Len()))
	}
	return out
}

func (s *Service) announce(ctx context.Context, now time.Time) {
	var active []state.Reservation
	s.store.View(func(ix *state.Index) {
		for _, r := range ix.Active(now) {
			r.Task = r.Task.Clone()
			active = append(active, r)
		}
	})
	telemetry.ActiveLocks.Set(float64(len(active)))

	s.annMu.Lock()
	live := make(map[string]announcement, len(active))
	var due []Notice
	for _, r := range active {
		device := r.Slot.Device
		last, seen := s.announced[device]
		// Allow for timer jitter when comparing against the interval.
		if seen && last.taskID == r.Task.TaskID && now.Sub(last.at) < s.interval*9/10 {
			live[device] = last
			continue
		}
		live[device] = announcement{taskID: r.Task.TaskID, at: now}
		due = append(due, Notice{Kind: NoticeAnnounce, Task: r.Task, Device: device, Window: r.Slot, At: now})
	}
	s.announced = live
	s.annMu.Unlock()

	for _, n := range due {
		if ctx.Err() != nil {
			return
		}
		select {
		case s.outbox <- n:
			telemetry.OutboxDepth.Set(float64(len(s.outbox)))
		default:
			s.logger.Warn().Str("device", n.Device).Str("task_id", n.Task.TaskID).Msg("outbox full, announcement skipped")
		}
	}
}

func (s *Service) nextWake(now time.Time) time.Duration {
	next := now.Add(s.interval)
	s.annMu.Lock()
	for _, last := range s.announced {
		if due := last.at.Add(s.interval); due.After(now) && due.Before(next) {
			next = due
		}
	}
	s.annMu.Unlock()
	s.store.View(func(ix *state.Index) {
		for _, t := range ix.Tasks() {
			for _, slot := range t.Slots {
				if slot.Start.After(now) && slot.Start.Before(next) {
					next = slot.Start
				}
				if slot.End.After(now) && slot.End.Before(next) {
					next = slot.End
				}
			}
		}
	})
	if d := next.Sub(now); d > minWake {
		return d
	}
	return minWake
}

// poke wakes the announcer so new boundaries are picked up.
func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) enqueue(n Notice) {
	select {
	case s.outbox <- n:
		telemetry.OutboxDepth.Set(float64(len(s.outbox)))
	case <-s.closing:
		s.logger.Warn().Str("kind", string(n.Kind)).Str("task_id", n.Task.TaskID).Msg("scheduler closing, notice dropped")
	}
}

func (s *Service) publish(transitions []Transition) {
	for _, tr := range transitions {
		telemetry.TaskTransitionsTotal.WithLabelValues(string(tr.State)).Inc()
		if s.bus == nil {
			continue
		}
		s.bus.Publish(events.Message{
			Topic: events.TopicLifecycle,
			Headers: events.Payload{
				events.HeaderType:   string(tr.State),
				events.HeaderTaskID: tr.TaskID,
			},
			Body: tr,
		})
	}
}
