/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduling

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/friendsincode/actuator/internal/errcode"
)

// RawPointRequest is a set/get/revert request as decoded from the wire.
// Target is "<device path>/<point>", or just the device path for device reverts.
type RawPointRequest struct {
	RequesterID any
	Target      string
	Value       any
}

// PointRequest is a validated point operation.
type PointRequest struct {
	RequesterID string
	Device      string
	Point       string
	Value       any
}

// Topic returns the "<device>/<point>" form of the target.
func (r *PointRequest) Topic() string {
	if r.Point == "" {
		return r.Device
	}
	return r.Device + "/" + r.Point
}

// SplitPointTopic splits "<device path>/<point>" on its last separator.
func SplitPointTopic(target string) (device, point string, err error) {
	target = strings.Trim(strings.TrimSpace(target), "/")
	idx := strings.LastIndex(target, "/")
	if idx <= 0 || idx == len(target)-1 {
		return "", "", errcode.Malformed(fmt.Sprintf("point topic %q must be <device>/<point>", target))
	}
	return target[:idx], target[idx+1:], nil
}

// ValidatePoint checks a request that targets a single point.
func (v *Validator) ValidatePoint(raw RawPointRequest) (*PointRequest, error) {
	requesterID, err := v.requester(raw.RequesterID)
	if err != nil {
		return nil, err
	}
	device, point, err := SplitPointTopic(raw.Target)
	if err != nil {
		return nil, err
	}
	return &PointRequest{RequesterID: requesterID, Device: device, Point: point, Value: raw.Value}, nil
}

// ValidateDevice checks a request that targets a whole device.
func (v *Validator) ValidateDevice(raw RawPointRequest) (*PointRequest, error) {
	requesterID, err := v.requester(raw.RequesterID)
	if err != nil {
		return nil, err
	}
	device := strings.Trim(strings.TrimSpace(raw.Target), "/")
	if device == "" {
		return nil, errcode.Malformed("device must be a non-empty string")
	}
	return &PointRequest{RequesterID: requesterID, Device: device}, nil
}

func (v *Validator) requester(raw any) (string, error) {
	if isBlank(raw) {
		return "", errcode.MissingAgentID
	}
	return identifier(raw)
}

// UnwrapValue treats a single-element list as its only element.
// Other lists and maps cannot be written to a point.
func UnwrapValue(raw any) (any, error) {
	if raw == nil {
		return nil, errcode.New(errcode.ValueError, "a value is required")
	}
	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Len() != 1 {
			return nil, errcode.New(errcode.ValueError, fmt.Sprintf("expected a scalar or single-element list, got %d elements", rv.Len()))
		}
		return UnwrapValue(rv.Index(0).Interface())
	case reflect.Map, reflect.Struct:
		return nil, errcode.New(errcode.ValueError, fmt.Sprintf("expected a scalar value, got %s", typeName(raw)))
	}
	return raw, nil
}
