/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package errcode defines the stable, bus-facing failure codes reported to agents.
package errcode

import "errors"

// Code is a stable failure identifier. It is comparable and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Schedule request failures, reported in the result event's info field.
const (
	InvalidRequestType    Code = "INVALID_REQUEST_TYPE"
	MissingAgentID        Code = "MISSING_AGENT_ID"
	MissingTaskID         Code = "MISSING_TASK_ID"
	MissingPriority       Code = "MISSING_PRIORITY"
	MalformedRequestEmpty Code = "MALFORMED_REQUEST_EMPTY"
	MalformedRequest      Code = "MALFORMED_REQUEST"
	TaskIDAlreadyExists   Code = "TASK_ID_ALREADY_EXISTS"
	TaskIDDoesNotExist    Code = "TASK_ID_DOES_NOT_EXIST"
	ConflictsWithExisting Code = "CONFLICTS_WITH_EXISTING_SCHEDULES"
)

// Point operation failures, reported as the error event's type field.
const (
	LockError            Code = "LockError"
	DriverInterfaceError Code = "DriverInterfaceError"
	IOError              Code = "IOError"
	ValueError           Code = "ValueError"
)

// Error is the generic fallback for failures without a specific code.
const Error Code = "ERROR"

// E wraps a code with operation context and a human-readable detail.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return string(e.C) + ": " + e.Msg
	}
	return string(e.C)
}

func (e *E) Unwrap() error { return e.Err }

// Code returns the wrapped code.
func (e *E) Code() Code { return e.C }

// New returns an *E carrying code c and detail msg.
func New(c Code, msg string) *E {
	return &E{C: c, Msg: msg}
}

// Malformed returns a MALFORMED_REQUEST failure with the given detail.
func Malformed(detail string) *E {
	return &E{C: MalformedRequest, Msg: detail}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return ""
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}

// Info renders err the way it appears in a result event's info field:
// the bare code, or "CODE: detail" when a detail is attached.
func Info(err error) string {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Error()
	}
	var c Code
	if errors.As(err, &c) {
		return string(c)
	}
	return err.Error()
}

// Detail returns the human-readable part of err without its code prefix.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return string(e.C)
	}
	return err.Error()
}
