/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduling

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/actuator/internal/errcode"
	"github.com/friendsincode/actuator/internal/models"
)

// RequestKind enumerates schedule request types.
type RequestKind string

const (
	KindNewSchedule    RequestKind = "NEW_SCHEDULE"
	KindCancelSchedule RequestKind = "CANCEL_SCHEDULE"
)

// RawScheduleRequest carries a schedule request exactly as decoded from the wire.
// A nil field means the field was absent.
type RawScheduleRequest struct {
	Type        any
	RequesterID any
	TaskID      any
	Priority    any
	Slots       any
}

// ScheduleRequest is a validated schedule request.
type ScheduleRequest struct {
	Kind        RequestKind
	RequesterID string
	TaskID      string
	Priority    models.Priority
	Slots       []models.Slot
}

// Validator turns raw requests into typed ones. It never touches scheduler state.
type Validator struct {
	loc    *time.Location
	logger zerolog.Logger
}

// NewValidator creates a request validator. Timestamps without a zone are read in loc.
func NewValidator(loc *time.Location, logger zerolog.Logger) *Validator {
	if loc == nil {
		loc = time.Local
	}
	return &Validator{
		loc:    loc,
		logger: logger.With().Str("component", "request_validator").Logger(),
	}
}

// ValidateSchedule applies the validation rules in order; the first failure wins.
func (v *Validator) ValidateSchedule(raw RawScheduleRequest) (*ScheduleRequest, error) {
	kind, ok := raw.Type.(string)
	if !ok || (RequestKind(kind) != KindNewSchedule && RequestKind(kind) != KindCancelSchedule) {
		return nil, errcode.InvalidRequestType
	}
	req := &ScheduleRequest{Kind: RequestKind(kind)}

	if isBlank(raw.RequesterID) {
		return nil, errcode.MissingAgentID
	}

	if req.Kind == KindNewSchedule {
		if isBlank(raw.TaskID) {
			return nil, errcode.MissingTaskID
		}
		p, ok := raw.Priority.(string)
		if !ok {
			return nil, errcode.MissingPriority
		}
		priority, ok := models.ParsePriority(p)
		if !ok {
			return nil, errcode.MissingPriority
		}
		req.Priority = priority
	}

	requesterID, err := identifier(raw.RequesterID)
	if err != nil {
		return nil, err
	}
	req.RequesterID = requesterID

	if raw.TaskID != nil {
		taskID, err := identifier(raw.TaskID)
		if err != nil {
			return nil, err
		}
		req.TaskID = taskID
	}

	if req.Kind == KindCancelSchedule {
		return req, nil
	}

	slots, err := v.slots(raw.Slots)
	if err != nil {
		return nil, err
	}
	req.Slots = slots

	return req, nil
}

func (v *Validator) slots(raw any) ([]models.Slot, error) {
	if raw == nil {
		return nil, errcode.MalformedRequestEmpty
	}
	list := reflect.ValueOf(raw)
	if list.Kind() != reflect.Slice && list.Kind() != reflect.Array {
		return nil, errcode.Malformed(fmt.Sprintf("expected a list of [device, start, end], got %s", typeName(raw)))
	}
	if list.Len() == 0 {
		return nil, errcode.MalformedRequestEmpty
	}

	slots := make([]models.Slot, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		slot, err := v.slot(i, list.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}

	for i := range slots {
		for j := i + 1; j < len(slots); j++ {
			if slots[i].Overlaps(slots[j]) {
				return nil, errcode.Malformed(fmt.Sprintf("slots %d and %d overlap on device %s", i, j, slots[i].Device))
			}
		}
	}
	return slots, nil
}

func (v *Validator) slot(i int, raw any) (models.Slot, error) {
	if s, ok := raw.(models.Slot); ok {
		if !s.Start.Before(s.End) {
			return models.Slot{}, errcode.Malformed(fmt.Sprintf("slot %d: start must be before end", i))
		}
		return s, nil
	}

	entry := reflect.ValueOf(raw)
	if raw == nil || (entry.Kind() != reflect.Slice && entry.Kind() != reflect.Array) {
		return models.Slot{}, errcode.Malformed(fmt.Sprintf("slot %d: expected [device, start, end], got %s", i, typeName(raw)))
	}
	if entry.Len() != 3 {
		return models.Slot{}, errcode.Malformed(fmt.Sprintf("slot %d: expected [device, start, end], got %d elements", i, entry.Len()))
	}

	device, ok := entry.Index(0).Interface().(string)
	device = strings.Trim(strings.TrimSpace(device), "/")
	if !ok || device == "" {
		return models.Slot{}, errcode.Malformed(fmt.Sprintf("slot %d: device must be a non-empty string", i))
	}

	start, err := v.timestamp(entry.Index(1).Interface())
	if err != nil {
		return models.Slot{}, errcode.Malformed(fmt.Sprintf("slot %d: invalid start: %v", i, err))
	}
	end, err := v.timestamp(entry.Index(2).Interface())
	if err != nil {
		return models.Slot{}, errcode.Malformed(fmt.Sprintf("slot %d: invalid end: %v", i, err))
	}
	if !start.Before(end) {
		return models.Slot{}, errcode.Malformed(fmt.Sprintf("slot %d: start must be before end", i))
	}

	return models.Slot{Device: device, Start: start, End: end}, nil
}

func (v *Validator) timestamp(raw any) (time.Time, error) {
	switch t := raw.(type) {
	case time.Time:
		return t, nil
	case string:
		return ParseTime(t, v.loc)
	default:
		return time.Time{}, fmt.Errorf("expected a timestamp string, got %s", typeName(raw))
	}
}

// identifier coerces a scalar wire value into a text identifier. Lists and maps
// fail with the detail agents already match on.
func identifier(raw any) (string, error) {
	text, scalar := scalarText(raw)
	if !scalar {
		return "", errcode.Malformed(fmt.Sprintf("TypeError: unhashable type: '%s'", unhashableName(raw)))
	}
	return text, nil
}

func unhashableName(raw any) string {
	switch name := typeName(raw); name {
	case "map", "object":
		return "dict"
	default:
		return name
	}
}

func isBlank(raw any) bool {
	if raw == nil {
		return true
	}
	if s, ok := raw.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func scalarText(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case bool:
		return strconv.FormatBool(v), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v), true
	default:
		return "", false
	}
}

func typeName(raw any) string {
	if raw == nil {
		return "null"
	}
	switch reflect.ValueOf(raw).Kind() {
	case reflect.Slice, reflect.Array:
		return "list"
	case reflect.Map:
		return "map"
	case reflect.Struct:
		return "object"
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "bool"
	default:
		return reflect.TypeOf(raw).String()
	}
}
