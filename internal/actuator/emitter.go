/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package actuator

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/friendsincode/actuator/internal/errcode"
	"github.com/friendsincode/actuator/internal/events"
	"github.com/friendsincode/actuator/internal/models"
	"github.com/friendsincode/actuator/internal/scheduler"
	"github.com/friendsincode/actuator/internal/scheduling"
	"github.com/friendsincode/actuator/internal/telemetry"
)

// Result values reported to agents.
const (
	ResultSuccess   = "SUCCESS"
	ResultFailure   = "FAILURE"
	ResultPreempted = "PREEMPTED"
)

// Result is the body of a schedule result event and the return of schedule RPCs.
type Result struct {
	Result string `json:"result"`
	Info   string `json:"info"`
	Data   any    `json:"data"`
}

// PointError is the body of a point error event.
type PointError struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// NewPointError renders err in the error-event vocabulary.
func NewPointError(err error) PointError {
	return PointError{Type: string(errcode.Of(err)), Value: errcode.Detail(err)}
}

// Announcement is the body of a schedule announcement.
type Announcement struct {
	RequesterID string `json:"requesterID"`
	TaskID      string `json:"taskID"`
	Device      string `json:"device"`
	Time        string `json:"time"`
	Window      string `json:"window"`
}

// Holder confirms a task still owns a device at publish time.
type Holder interface {
	WhileHolding(taskID, device string, fn func()) bool
}

// Emitter translates outcomes into bus events.
type Emitter struct {
	bus    events.Publisher
	holder Holder
	logger zerolog.Logger
}

// NewEmitter creates an emitter publishing to bus. When holder is set, queued
// announcements are dropped once their task no longer owns the device.
func NewEmitter(bus events.Publisher, holder Holder, logger zerolog.Logger) *Emitter {
	return &Emitter{
		bus:    bus,
		holder: holder,
		logger: logger.With().Str("component", "emitter").Logger(),
	}
}

// ScheduleResult publishes a schedule result event.
func (e *Emitter) ScheduleResult(kind, requesterID, taskID string, res Result) {
	e.bus.Publish(events.Message{
		Topic: events.TopicScheduleResult,
		Headers: events.Payload{
			events.HeaderType:        kind,
			events.HeaderRequesterID: requesterID,
			events.HeaderTaskID:      taskID,
		},
		Body: res,
	})
}

// Value publishes a point value event.
func (e *Emitter) Value(device, point, requesterID string, value any) {
	e.bus.Publish(events.Message{
		Topic:   events.Join(events.TopicValue, device+"/"+point),
		Headers: requesterHeaders(requesterID),
		Body:    value,
	})
}

// Error publishes a point error event. target is "<device>/<point>" or a raw topic.
func (e *Emitter) Error(target, requesterID string, err error) {
	e.bus.Publish(events.Message{
		Topic:   events.Join(events.TopicError, target),
		Headers: requesterHeaders(requesterID),
		Body:    NewPointError(err),
	})
}

// RevertedPoint confirms a point revert.
func (e *Emitter) RevertedPoint(device, point, requesterID string, value any) {
	e.bus.Publish(events.Message{
		Topic:   events.Join(events.TopicRevertedPoint, device+"/"+point),
		Headers: requesterHeaders(requesterID),
		Body:    value,
	})
}

// RevertedDevice confirms a device revert.
func (e *Emitter) RevertedDevice(device, requesterID string) {
	e.bus.Publish(events.Message{
		Topic:   events.Join(events.TopicRevertedDevice, device),
		Headers: requesterHeaders(requesterID),
		Body:    nil,
	})
}

// Run drains scheduler notices until ctx is cancelled.
func (e *Emitter) Run(ctx context.Context, notices <-chan scheduler.Notice) error {
	e.logger.Info().Msg("emitter started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("emitter stopped")
			return ctx.Err()
		case n := <-notices:
			telemetry.OutboxDepth.Set(float64(len(notices)))
			e.Notice(n)
		}
	}
}

// Notice publishes the event for one scheduler notice.
func (e *Emitter) Notice(n scheduler.Notice) {
	switch n.Kind {
	case scheduler.NoticePreempted:
		e.ScheduleResult(string(scheduling.KindCancelSchedule), n.Task.RequesterID, n.Task.TaskID, Result{
			Result: ResultPreempted,
			Info:   "",
			Data: map[string]any{
				"agentID": n.By.RequesterID,
				"taskID":  n.By.TaskID,
				"windows": windows(n.Reclaimed),
			},
		})
		e.logger.Info().
			Str("task_id", n.Task.TaskID).
			Str("requester_id", n.Task.RequesterID).
			Str("by_task_id", n.By.TaskID).
			Msg("preemption notice sent")

	case scheduler.NoticeTerminated:
		e.ScheduleResult(string(scheduling.KindCancelSchedule), n.Task.RequesterID, n.Task.TaskID, Result{
			Result: ResultSuccess,
			Info:   "",
			Data:   map[string]any{"reason": n.Reason},
		})

	case scheduler.NoticeAnnounce:
		if e.holder == nil {
			e.announce(n)
			return
		}
		if !e.holder.WhileHolding(n.Task.TaskID, n.Device, func() { e.announce(n) }) {
			telemetry.AnnouncementsDroppedTotal.Inc()
			e.logger.Debug().
				Str("task_id", n.Task.TaskID).
				Str("device", n.Device).
				Msg("stale announcement dropped")
		}

	default:
		e.logger.Warn().Str("kind", string(n.Kind)).Msg("unknown notice kind")
	}
}

func (e *Emitter) announce(n scheduler.Notice) {
	now := n.At.Format(scheduling.AnnounceLayout)
	e.bus.Publish(events.Message{
		Topic: events.Join(events.TopicAnnounce, n.Device),
		Headers: events.Payload{
			events.HeaderRequesterID: n.Task.RequesterID,
			events.HeaderTaskID:      n.Task.TaskID,
			"time":                   now,
			"window":                 n.Window.End.Format(scheduling.AnnounceLayout),
		},
		Body: Announcement{
			RequesterID: n.Task.RequesterID,
			TaskID:      n.Task.TaskID,
			Device:      n.Device,
			Time:        now,
			Window:      n.Window.End.Format(scheduling.AnnounceLayout),
		},
	})
	telemetry.AnnouncementsTotal.Inc()
}

// windows renders slots as [device, start, end] triples.
func windows(slots []models.Slot) [][]string {
	out := make([][]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, []string{
			s.Device,
			s.Start.Format(scheduling.AnnounceLayout),
			s.End.Format(scheduling.AnnounceLayout),
		})
	}
	return out
}

func requesterHeaders(requesterID string) events.Payload {
	if requesterID == "" {
		return nil
	}
	return events.Payload{events.HeaderRequesterID: requesterID}
}
