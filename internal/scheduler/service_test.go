/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/actuator/internal/errcode"
	"github.com/friendsincode/actuator/internal/events"
	"github.com/friendsincode/actuator/internal/models"
	"github.com/friendsincode/actuator/internal/priority"
	"github.com/friendsincode/actuator/internal/scheduler/state"
	"github.com/friendsincode/actuator/internal/scheduling"
)

var t0 = time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestService(t *testing.T, interval time.Duration) (*Service, *fakeClock, *events.Bus) {
	t.Helper()
	clk := &fakeClock{now: t0}
	bus := events.NewBus()
	svc := New(state.NewStore(), priority.NewResolver(zerolog.Nop()), bus, Config{
		AnnounceInterval: interval,
		OutboxSize:       16,
		Now:              clk.Now,
	}, zerolog.Nop())
	t.Cleanup(svc.Close)
	return svc, clk, bus
}

func request(requester, taskID string, p models.Priority, slots ...models.Slot) *scheduling.ScheduleRequest {
	return &scheduling.ScheduleRequest{
		Kind:        scheduling.KindNewSchedule,
		RequesterID: requester,
		TaskID:      taskID,
		Priority:    p,
		Slots:       slots,
	}
}

func slot(device string, from, to time.Duration) models.Slot {
	return models.Slot{Device: device, Start: t0.Add(from), End: t0.Add(to)}
}

func drain(svc *Service) []Notice {
	var out []Notice
	for {
		select {
		case n := <-svc.Notices():
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestNewDefaults(t *testing.T) {
	svc := New(state.NewStore(), priority.NewResolver(zerolog.Nop()), nil, Config{}, zerolog.Nop())
	if svc.interval != defaultAnnounceInterval {
		t.Errorf("interval = %v, want %v", svc.interval, defaultAnnounceInterval)
	}
	if cap(svc.outbox) != defaultOutboxSize {
		t.Errorf("outbox size = %d, want %d", cap(svc.outbox), defaultOutboxSize)
	}
}

func TestAdmitAndCancel(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx := context.Background()

	res, err := svc.Admit(ctx, request("agent", "task1", models.PriorityLow, slot("dev1", time.Minute, 2*time.Minute)))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if res.Task == nil || res.Task.State != models.TaskPending {
		t.Fatalf("admitted task = %+v", res.Task)
	}
	if got := len(svc.Snapshot()); got != 1 {
		t.Fatalf("Snapshot() = %d tasks, want 1", got)
	}

	canceled, err := svc.Cancel(ctx, "agent", "task1")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if canceled.State != models.TaskCanceled {
		t.Fatalf("canceled state = %q", canceled.State)
	}
	if got := len(svc.Snapshot()); got != 0 {
		t.Fatalf("Snapshot() after cancel = %d tasks, want 0", got)
	}

	if _, err := svc.Cancel(ctx, "agent", "task1"); !errors.Is(err, errcode.TaskIDDoesNotExist) {
		t.Fatalf("second Cancel() error = %v, want TASK_ID_DOES_NOT_EXIST", err)
	}
}

func TestAdmitDuplicateTaskID(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx := context.Background()

	if _, err := svc.Admit(ctx, request("agent", "task1", models.PriorityLow, slot("dev1", 0, time.Minute))); err != nil {
		t.Fatalf("first Admit() error = %v", err)
	}
	_, err := svc.Admit(ctx, request("other", "task1", models.PriorityHigh, slot("dev2", 0, time.Minute)))
	if !errors.Is(err, errcode.TaskIDAlreadyExists) {
		t.Fatalf("second Admit() error = %v, want TASK_ID_ALREADY_EXISTS", err)
	}
}

func TestCancelByOtherRequester(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx := context.Background()

	if _, err := svc.Admit(ctx, request("agent", "task1", models.PriorityLow, slot("dev1", 0, time.Minute))); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if _, err := svc.Cancel(ctx, "intruder", "task1"); !errors.Is(err, errcode.TaskIDDoesNotExist) {
		t.Fatalf("Cancel() error = %v, want TASK_ID_DOES_NOT_EXIST", err)
	}
	if got := len(svc.Snapshot()); got != 1 {
		t.Fatalf("task removed by foreign cancel")
	}
}

func TestAdmitConflictIsAtomic(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx := context.Background()

	if _, err := svc.Admit(ctx, request("a", "held", models.PriorityLow, slot("dev2", 0, time.Hour))); err != nil {
		t.Fatalf("Admit(held) error = %v", err)
	}
	if _, err := svc.Admit(ctx, request("b", "soft", models.PriorityLowPreempt, slot("dev1", 0, time.Hour))); err != nil {
		t.Fatalf("Admit(soft) error = %v", err)
	}

	res, err := svc.Admit(ctx, request("c", "new", models.PriorityHigh,
		slot("dev1", 10*time.Minute, 20*time.Minute),
		slot("dev2", 10*time.Minute, 20*time.Minute),
	))
	if !errors.Is(err, errcode.ConflictsWithExisting) {
		t.Fatalf("Admit() error = %v, want CONFLICTS_WITH_EXISTING_SCHEDULES", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].TaskID != "held" || res.Conflicts[0].Device != "dev2" {
		t.Fatalf("conflicts = %+v", res.Conflicts)
	}
	if len(res.Preempted) != 0 {
		t.Fatalf("rejected admission preempted %v", res.Preempted)
	}

	snap := svc.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() = %d tasks, want the 2 originals", len(snap))
	}
	if n := drain(svc); len(n) != 0 {
		t.Fatalf("rejected admission queued notices: %+v", n)
	}
}

func TestAdmitPreemptsLowPreempt(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx := context.Background()

	if _, err := svc.Admit(ctx, request("old-agent", "old", models.PriorityLowPreempt,
		slot("dev1", 0, time.Hour),
		slot("dev3", 2*time.Hour, 3*time.Hour),
	)); err != nil {
		t.Fatalf("Admit(old) error = %v", err)
	}

	res, err := svc.Admit(ctx, request("new-agent", "new", models.PriorityHigh, slot("dev1", 30*time.Minute, 90*time.Minute)))
	if err != nil {
		t.Fatalf("Admit(new) error = %v", err)
	}
	if len(res.Preempted) != 1 || res.Preempted[0] != "old" {
		t.Fatalf("preempted = %v", res.Preempted)
	}

	if _, ok := svc.store.Get("old"); ok {
		t.Fatal("preempted task still registered")
	}

	notices := drain(svc)
	if len(notices) != 1 {
		t.Fatalf("notices = %d, want 1", len(notices))
	}
	n := notices[0]
	if n.Kind != NoticePreempted || n.Task.TaskID != "old" || n.By.TaskID != "new" {
		t.Fatalf("notice = %+v", n)
	}
	if n.Task.State != models.TaskPreempted {
		t.Fatalf("notice task state = %q", n.Task.State)
	}
	if len(n.Reclaimed) != 1 || n.Reclaimed[0].Device != "dev1" {
		t.Fatalf("reclaimed = %+v", n.Reclaimed)
	}
}

func TestLowPreemptDoesNotPreemptLowPreempt(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx := context.Background()

	if _, err := svc.Admit(ctx, request("a", "first", models.PriorityLowPreempt, slot("dev1", 0, time.Hour))); err != nil {
		t.Fatalf("Admit(first) error = %v", err)
	}
	if _, err := svc.Admit(ctx, request("b", "second", models.PriorityLowPreempt, slot("dev1", 0, time.Hour))); !errors.Is(err, errcode.ConflictsWithExisting) {
		t.Fatalf("Admit(second) error = %v, want conflict", err)
	}
}

func TestTerminate(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx := context.Background()

	if _, err := svc.Admit(ctx, request("agent", "task1", models.PriorityHigh, slot("dev1", 0, time.Hour))); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	drain(svc)

	if _, err := svc.Terminate(ctx, "task1", ""); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	notices := drain(svc)
	if len(notices) != 1 || notices[0].Kind != NoticeTerminated || notices[0].Reason != "administrative" {
		t.Fatalf("notices = %+v", notices)
	}
	if _, err := svc.Terminate(ctx, "task1", ""); !errors.Is(err, errcode.TaskIDDoesNotExist) {
		t.Fatalf("second Terminate() error = %v", err)
	}
}

func TestTickAnnouncesAtInterval(t *testing.T) {
	svc, clk, _ := newTestService(t, 5*time.Second)
	ctx := context.Background()

	if _, err := svc.Admit(ctx, request("agent", "task1", models.PriorityLow, slot("campus/dev1", 0, 12*time.Second))); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	steps := []struct {
		at       time.Duration
		announce bool
	}{
		{at: 0, announce: true},
		{at: time.Second, announce: false},
		{at: 5 * time.Second, announce: true},
		{at: 7 * time.Second, announce: false},
		{at: 10 * time.Second, announce: true},
		{at: 12 * time.Second, announce: false},
		{at: 20 * time.Second, announce: false},
	}

	var last time.Time
	for _, step := range steps {
		clk.Set(t0.Add(step.at))
		svc.Tick(ctx)
		notices := drain(svc)
		if step.announce != (len(notices) == 1) {
			t.Fatalf("at %v: notices = %+v, want announce=%v", step.at, notices, step.announce)
		}
		if len(notices) == 1 {
			n := notices[0]
			if n.Kind != NoticeAnnounce || n.Device != "campus/dev1" || n.Task.RequesterID != "agent" {
				t.Fatalf("notice = %+v", n)
			}
			if !n.At.After(last) {
				t.Fatalf("announcement time %v not after %v", n.At, last)
			}
			last = n.At
		}
	}

	if got := len(svc.Snapshot()); got != 0 {
		t.Fatalf("completed task not reaped, snapshot = %d", got)
	}
}

func TestAnnouncementStopsOnCancel(t *testing.T) {
	svc, clk, _ := newTestService(t, 5*time.Second)
	ctx := context.Background()

	if _, err := svc.Admit(ctx, request("agent", "task1", models.PriorityLow, slot("dev1", 0, time.Minute))); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	svc.Tick(ctx)
	drain(svc)

	if _, err := svc.Cancel(ctx, "agent", "task1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	clk.Set(t0.Add(5 * time.Second))
	svc.Tick(ctx)
	if n := drain(svc); len(n) != 0 {
		t.Fatalf("announced canceled task: %+v", n)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	svc, clk, bus := newTestService(t, 5*time.Second)
	sub := bus.Subscribe(events.TopicLifecycle)
	ctx := context.Background()

	if _, err := svc.Admit(ctx, request("agent", "task1", models.PriorityLow, slot("dev1", time.Second, 2*time.Second))); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	clk.Set(t0.Add(time.Second))
	svc.Tick(ctx)
	clk.Set(t0.Add(2 * time.Second))
	svc.Tick(ctx)

	want := []models.TaskState{models.TaskPending, models.TaskActive, models.TaskCompleted}
	for i, st := range want {
		select {
		case msg := <-sub:
			tr, ok := msg.Body.(Transition)
			if !ok {
				t.Fatalf("body type %T", msg.Body)
			}
			if tr.State != st || tr.TaskID != "task1" {
				t.Fatalf("transition %d = %s/%s, want %s", i, tr.TaskID, tr.State, st)
			}
		default:
			t.Fatalf("missing transition %d (%s)", i, st)
		}
	}
}

func TestCompletedTaskIDIsReusable(t *testing.T) {
	svc, clk, _ := newTestService(t, time.Minute)
	ctx := context.Background()

	if _, err := svc.Admit(ctx, request("agent", "task1", models.PriorityLow, slot("dev1", 0, time.Second))); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	clk.Set(t0.Add(time.Second))
	if _, err := svc.Admit(ctx, request("agent", "task1", models.PriorityLow, slot("dev1", time.Second, time.Minute))); err != nil {
		t.Fatalf("Admit() after completion error = %v", err)
	}
}

func TestNextWakeUsesBoundaries(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	if _, err := svc.Admit(context.Background(), request("agent", "task1", models.PriorityLow, slot("dev1", 10*time.Second, 20*time.Second))); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if got := svc.nextWake(t0); got != 10*time.Second {
		t.Fatalf("nextWake(t0) = %v, want 10s", got)
	}
	if got := svc.nextWake(t0.Add(15 * time.Second)); got != 5*time.Second {
		t.Fatalf("nextWake(t0+15s) = %v, want 5s", got)
	}
	if got := svc.nextWake(t0.Add(30 * time.Second)); got != time.Minute {
		t.Fatalf("nextWake(t0+30s) = %v, want interval", got)
	}
}

func TestNextWakeUsesAnnouncementDue(t *testing.T) {
	svc, clk, _ := newTestService(t, 10*time.Second)
	ctx := context.Background()
	if _, err := svc.Admit(ctx, request("agent", "task1", models.PriorityLow, slot("dev1", 0, time.Hour))); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	svc.Tick(ctx)
	drain(svc)

	// A tick between announcements must not push the next one back.
	clk.Set(t0.Add(4 * time.Second))
	svc.Tick(ctx)
	if n := drain(svc); len(n) != 0 {
		t.Fatalf("early tick announced: %+v", n)
	}
	if got := svc.nextWake(t0.Add(4 * time.Second)); got != 6*time.Second {
		t.Fatalf("nextWake(t0+4s) = %v, want 6s", got)
	}
}

func TestRunKeepsIntervalUnderTraffic(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	const interval = 300 * time.Millisecond

	svc := New(state.NewStore(), priority.NewResolver(zerolog.Nop()), nil, Config{
		AnnounceInterval: interval,
		OutboxSize:       64,
	}, zerolog.Nop())
	t.Cleanup(svc.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	active := models.Slot{Device: "dev1", Start: start.Add(-time.Second), End: start.Add(time.Minute)}
	if _, err := svc.Admit(ctx, request("agent", "task1", models.PriorityLow, active)); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Unrelated far-future admissions wake the loop between announcements.
	go func() {
		ticker := time.NewTicker(110 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				future := models.Slot{Device: "dev2", Start: start.Add(time.Duration(i+1) * time.Hour), End: start.Add(time.Duration(i+1)*time.Hour + time.Minute)}
				_, _ = svc.Admit(ctx, request("other", fmt.Sprintf("far-%d", i), models.PriorityLow, future))
			}
		}
	}()

	var stamps []time.Time
	deadline := time.After(5 * time.Second)
	for len(stamps) < 6 {
		select {
		case n := <-svc.Notices():
			if n.Kind == NoticeAnnounce && n.Device == "dev1" {
				stamps = append(stamps, n.At)
			}
		case <-deadline:
			t.Fatalf("only %d announcements in 5s", len(stamps))
		}
	}
	cancel()
	<-done

	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap > interval+100*time.Millisecond {
			t.Errorf("announcement gap %v exceeds interval %v", gap, interval)
		}
	}
}

func TestWhileHolding(t *testing.T) {
	svc, clk, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	if _, err := svc.Admit(ctx, request("agent", "task1", models.PriorityLow, slot("dev1", 0, time.Minute))); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	ran := false
	if !svc.WhileHolding("task1", "dev1", func() { ran = true }) || !ran {
		t.Fatal("WhileHolding() did not run for the owner")
	}
	if svc.WhileHolding("task2", "dev1", func() { t.Fatal("ran for a non-owner") }) {
		t.Fatal("WhileHolding() = true for a non-owner")
	}

	clk.Set(t0.Add(time.Minute))
	if svc.WhileHolding("task1", "dev1", func() { t.Fatal("ran after the window") }) {
		t.Fatal("WhileHolding() = true after the window ended")
	}

	clk.Set(t0)
	if _, err := svc.Cancel(ctx, "agent", "task1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if svc.WhileHolding("task1", "dev1", func() { t.Fatal("ran after cancel") }) {
		t.Fatal("WhileHolding() = true after cancel")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop")
	}
}
