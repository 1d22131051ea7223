/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "strings"

// Topic roots for the actuator vocabulary.
const (
	TopicRoot            = "devices/actuators"
	TopicScheduleRequest = TopicRoot + "/schedule/request"
	TopicScheduleResult  = TopicRoot + "/schedule/result"
	TopicAnnounce        = TopicRoot + "/schedule/announce"
	TopicSet             = TopicRoot + "/set"
	TopicGet             = TopicRoot + "/get"
	TopicValue           = TopicRoot + "/value"
	TopicError           = TopicRoot + "/error"
	TopicRevertPoint     = TopicRoot + "/revert/point"
	TopicRevertDevice    = TopicRoot + "/revert/device"
	TopicRevertedPoint   = TopicRoot + "/reverted/point"
	TopicRevertedDevice  = TopicRoot + "/reverted/device"

	// TopicLifecycle carries internal task state transitions.
	TopicLifecycle = "actuator/lifecycle"
)

// Header keys used on schedule and point topics.
const (
	HeaderType        = "type"
	HeaderRequesterID = "requesterID"
	HeaderTaskID      = "taskID"
	HeaderPriority    = "priority"
)

// Join appends a device or point path to a topic root.
func Join(root, path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return root
	}
	return root + "/" + path
}

// Suffix returns the part of topic below root, or false if topic is not under root.
func Suffix(root, topic string) (string, bool) {
	topic = strings.Trim(topic, "/")
	if !Matches(root, topic) || len(topic) == len(root) {
		return "", false
	}
	return topic[len(root)+1:], true
}
