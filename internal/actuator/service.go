/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package actuator is the agent-facing surface: schedule and point RPCs, and the
// bus handlers that feed them.
package actuator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/friendsincode/actuator/internal/errcode"
	"github.com/friendsincode/actuator/internal/events"
	"github.com/friendsincode/actuator/internal/lock"
	"github.com/friendsincode/actuator/internal/models"
	"github.com/friendsincode/actuator/internal/scheduler"
	"github.com/friendsincode/actuator/internal/scheduling"
	"github.com/friendsincode/actuator/internal/telemetry"
)

// Driver reads and writes device points.
type Driver interface {
	Get(ctx context.Context, device, point string) (any, error)
	Set(ctx context.Context, device, point string, value any) (any, error)
	RevertPoint(ctx context.Context, device, point string) (any, error)
	RevertDevice(ctx context.Context, device string) error
}

// Service wires validation, scheduling, locking and the driver together.
type Service struct {
	validator *scheduling.Validator
	scheduler *scheduler.Service
	locks     *lock.Manager
	driver    Driver
	emitter   *Emitter
	bus       *events.Bus
	logger    zerolog.Logger
}

// New creates the actuator service.
func New(validator *scheduling.Validator, sched *scheduler.Service, locks *lock.Manager, driver Driver, emitter *Emitter, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		validator: validator,
		scheduler: sched,
		locks:     locks,
		driver:    driver,
		emitter:   emitter,
		bus:       bus,
		logger:    logger.With().Str("component", "actuator").Logger(),
	}
}

// RequestNewSchedule asks for exclusive access to devices over time windows.
func (s *Service) RequestNewSchedule(ctx context.Context, requesterID, taskID, priority, slots any) Result {
	return s.HandleSchedule(ctx, scheduling.RawScheduleRequest{
		Type:        string(scheduling.KindNewSchedule),
		RequesterID: requesterID,
		TaskID:      taskID,
		Priority:    priority,
		Slots:       slots,
	})
}

// RequestCancelSchedule cancels a task owned by requesterID.
func (s *Service) RequestCancelSchedule(ctx context.Context, requesterID, taskID any) Result {
	return s.HandleSchedule(ctx, scheduling.RawScheduleRequest{
		Type:        string(scheduling.KindCancelSchedule),
		RequesterID: requesterID,
		TaskID:      taskID,
	})
}

// HandleSchedule processes a schedule request, publishes its result and returns it.
func (s *Service) HandleSchedule(ctx context.Context, raw scheduling.RawScheduleRequest) Result {
	kind := text(raw.Type)
	requesterID := text(raw.RequesterID)
	taskID := text(raw.TaskID)

	res := s.schedule(ctx, raw)

	label := kind
	if label != string(scheduling.KindNewSchedule) && label != string(scheduling.KindCancelSchedule) {
		label = "INVALID"
	}
	telemetry.ScheduleRequestsTotal.WithLabelValues(label, res.Result).Inc()

	s.logger.Debug().
		Str("type", kind).
		Str("requester_id", requesterID).
		Str("task_id", taskID).
		Str("result", res.Result).
		Str("info", res.Info).
		Msg("schedule request handled")

	s.emitter.ScheduleResult(kind, requesterID, taskID, res)
	return res
}

func (s *Service) schedule(ctx context.Context, raw scheduling.RawScheduleRequest) Result {
	req, err := s.validator.ValidateSchedule(raw)
	if err != nil {
		return failure(err, nil)
	}

	switch req.Kind {
	case scheduling.KindNewSchedule:
		out, err := s.scheduler.Admit(ctx, req)
		if err != nil {
			var data map[string]any
			if out != nil && len(out.Conflicts) > 0 {
				data = map[string]any{"conflicts": out.Conflicts}
			}
			return failure(err, data)
		}
		data := map[string]any{}
		if len(out.Preempted) > 0 {
			data["preempted"] = out.Preempted
		}
		return Result{Result: ResultSuccess, Info: "", Data: data}

	default:
		if _, err := s.scheduler.Cancel(ctx, req.RequesterID, req.TaskID); err != nil {
			return failure(err, nil)
		}
		return Result{Result: ResultSuccess, Info: "", Data: map[string]any{}}
	}
}

// Terminate cancels a task administratively. The owner is notified.
func (s *Service) Terminate(ctx context.Context, taskID string) (*models.Task, error) {
	return s.scheduler.Terminate(ctx, taskID, "administrative")
}

// Schedule returns the current schedule.
func (s *Service) Schedule() []*models.Task {
	return s.scheduler.Snapshot()
}

// Holders returns the devices locked right now.
func (s *Service) Holders() []lock.Holder {
	return s.locks.Holders(s.scheduler.Now())
}

// SetPoint writes value to "<device>/<point>" if requesterID holds the device lock.
func (s *Service) SetPoint(ctx context.Context, requesterID any, target string, value any) (any, error) {
	ctx, span := telemetry.StartSpan(ctx, "actuator.set_point", attribute.String("target", target))
	v, err := s.setPoint(ctx, requesterID, target, value)
	s.record("set", err)
	telemetry.EndSpan(span, err)
	return v, err
}

func (s *Service) setPoint(ctx context.Context, requesterID any, target string, value any) (any, error) {
	req, err := s.validator.ValidatePoint(scheduling.RawPointRequest{RequesterID: requesterID, Target: target})
	if err != nil {
		s.emitter.Error(target, text(requesterID), err)
		return nil, err
	}
	if err := s.locks.Authorize(req.Device, req.RequesterID); err != nil {
		s.emitter.Error(req.Topic(), req.RequesterID, err)
		return nil, err
	}
	v, err := scheduling.UnwrapValue(value)
	if err != nil {
		s.emitter.Error(req.Topic(), req.RequesterID, err)
		return nil, err
	}
	stored, err := s.driver.Set(ctx, req.Device, req.Point, v)
	if err != nil {
		s.emitter.Error(req.Topic(), req.RequesterID, err)
		return nil, err
	}

	s.logger.Debug().
		Str("device", req.Device).
		Str("point", req.Point).
		Str("requester_id", req.RequesterID).
		Msg("point set")
	s.emitter.Value(req.Device, req.Point, req.RequesterID, stored)
	return stored, nil
}

// GetPoint reads "<device>/<point>". Reads are not lock-gated.
func (s *Service) GetPoint(ctx context.Context, requesterID any, target string) (any, error) {
	ctx, span := telemetry.StartSpan(ctx, "actuator.get_point", attribute.String("target", target))
	v, err := s.getPoint(ctx, requesterID, target)
	s.record("get", err)
	telemetry.EndSpan(span, err)
	return v, err
}

func (s *Service) getPoint(ctx context.Context, requesterID any, target string) (any, error) {
	who := text(requesterID)
	device, point, err := scheduling.SplitPointTopic(target)
	if err != nil {
		s.emitter.Error(target, who, err)
		return nil, err
	}
	v, err := s.driver.Get(ctx, device, point)
	if err != nil {
		s.emitter.Error(device+"/"+point, who, err)
		return nil, err
	}
	s.emitter.Value(device, point, who, v)
	return v, nil
}

// RevertPoint restores a point to its default if requesterID holds the device lock.
func (s *Service) RevertPoint(ctx context.Context, requesterID any, target string) (any, error) {
	ctx, span := telemetry.StartSpan(ctx, "actuator.revert_point", attribute.String("target", target))
	v, err := s.revertPoint(ctx, requesterID, target)
	s.record("revert_point", err)
	telemetry.EndSpan(span, err)
	return v, err
}

func (s *Service) revertPoint(ctx context.Context, requesterID any, target string) (any, error) {
	req, err := s.validator.ValidatePoint(scheduling.RawPointRequest{RequesterID: requesterID, Target: target})
	if err != nil {
		s.emitter.Error(target, text(requesterID), err)
		return nil, err
	}
	if err := s.locks.Authorize(req.Device, req.RequesterID); err != nil {
		s.emitter.Error(req.Topic(), req.RequesterID, err)
		return nil, err
	}
	v, err := s.driver.RevertPoint(ctx, req.Device, req.Point)
	if err != nil {
		s.emitter.Error(req.Topic(), req.RequesterID, err)
		return nil, err
	}
	s.emitter.RevertedPoint(req.Device, req.Point, req.RequesterID, v)
	return v, nil
}

// RevertDevice restores every writable point of device if requesterID holds its lock.
func (s *Service) RevertDevice(ctx context.Context, requesterID any, device string) error {
	ctx, span := telemetry.StartSpan(ctx, "actuator.revert_device", attribute.String("device", device))
	err := s.revertDevice(ctx, requesterID, device)
	s.record("revert_device", err)
	telemetry.EndSpan(span, err)
	return err
}

func (s *Service) revertDevice(ctx context.Context, requesterID any, device string) error {
	req, err := s.validator.ValidateDevice(scheduling.RawPointRequest{RequesterID: requesterID, Target: device})
	if err != nil {
		s.emitter.Error(device, text(requesterID), err)
		return err
	}
	if err := s.locks.Authorize(req.Device, req.RequesterID); err != nil {
		s.emitter.Error(req.Device, req.RequesterID, err)
		return err
	}
	if err := s.driver.RevertDevice(ctx, req.Device); err != nil {
		s.emitter.Error(req.Device, req.RequesterID, err)
		return err
	}
	s.emitter.RevertedDevice(req.Device, req.RequesterID)
	return nil
}

func (s *Service) record(op string, err error) {
	result := ResultSuccess
	if err != nil {
		result = string(errcode.Of(err))
	}
	telemetry.PointOperationsTotal.WithLabelValues(op, result).Inc()
}

// Run serves requests arriving on the bus until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	handlers := map[string]func(context.Context, events.Message){
		events.TopicScheduleRequest: s.onScheduleRequest,
		events.TopicSet:             s.onSet,
		events.TopicGet:             s.onGet,
		events.TopicRevertPoint:     s.onRevertPoint,
		events.TopicRevertDevice:    s.onRevertDevice,
	}

	var wg sync.WaitGroup
	subs := make([]events.Subscriber, 0, len(handlers))
	for prefix, handle := range handlers {
		sub := s.bus.Subscribe(prefix)
		subs = append(subs, sub)
		wg.Add(1)
		go func(sub events.Subscriber, handle func(context.Context, events.Message)) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-sub:
					if !ok {
						return
					}
					handle(ctx, msg)
				}
			}
		}(sub, handle)
	}

	s.logger.Info().Int("subscriptions", len(subs)).Msg("bus request handlers started")
	<-ctx.Done()
	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}
	wg.Wait()
	s.logger.Info().Msg("bus request handlers stopped")
	return ctx.Err()
}

func (s *Service) onScheduleRequest(ctx context.Context, msg events.Message) {
	s.HandleSchedule(ctx, scheduling.RawScheduleRequest{
		Type:        msg.Header(events.HeaderType),
		RequesterID: msg.Header(events.HeaderRequesterID),
		TaskID:      msg.Header(events.HeaderTaskID),
		Priority:    msg.Header(events.HeaderPriority),
		Slots:       msg.Body,
	})
}

func (s *Service) onSet(ctx context.Context, msg events.Message) {
	target, ok := events.Suffix(events.TopicSet, msg.Topic)
	if !ok {
		return
	}
	_, _ = s.SetPoint(ctx, msg.Header(events.HeaderRequesterID), target, msg.Body)
}

func (s *Service) onGet(ctx context.Context, msg events.Message) {
	target, ok := events.Suffix(events.TopicGet, msg.Topic)
	if !ok {
		return
	}
	_, _ = s.GetPoint(ctx, msg.Header(events.HeaderRequesterID), target)
}

func (s *Service) onRevertPoint(ctx context.Context, msg events.Message) {
	target, ok := events.Suffix(events.TopicRevertPoint, msg.Topic)
	if !ok {
		return
	}
	_, _ = s.RevertPoint(ctx, msg.Header(events.HeaderRequesterID), target)
}

func (s *Service) onRevertDevice(ctx context.Context, msg events.Message) {
	device, ok := events.Suffix(events.TopicRevertDevice, msg.Topic)
	if !ok {
		return
	}
	_ = s.RevertDevice(ctx, msg.Header(events.HeaderRequesterID), device)
}

func failure(err error, data map[string]any) Result {
	if data == nil {
		data = map[string]any{}
	}
	return Result{Result: ResultFailure, Info: errcode.Info(err), Data: data}
}

// text renders a wire value for headers and logs.
func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return fmt.Sprint(t)
	}
}
