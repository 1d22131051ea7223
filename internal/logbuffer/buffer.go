/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logbuffer keeps recent log lines in memory for the operator API.
package logbuffer

import (
	"encoding/json"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single log entry.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Buffer is a thread-safe ring buffer for log entries.
type Buffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	head     int
	count    int
}

// New creates a new log buffer with the specified capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Buffer{
		entries:  make([]LogEntry, capacity),
		capacity: capacity,
	}
}

// Add adds a log entry to the buffer, overwriting the oldest when full.
func (b *Buffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	}
}

// GetAll returns all log entries in chronological order.
func (b *Buffer) GetAll() []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]LogEntry, b.count)
	start := 0
	if b.count == b.capacity {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		result[i] = b.entries[(start+i)%b.capacity]
	}
	return result
}

// QueryParams filters buffered entries.
type QueryParams struct {
	Level      string    // debug, info, warn, error
	Component  string    // e.g. scheduler, lock_manager
	TaskID     string    // matches the task_id field
	Device     string    // matches the device field
	Search     string    // case-insensitive match on message, component and string fields
	Since      time.Time // only entries at or after this time
	Limit      int       // 0 = all
	Descending bool      // newest first
}

// Query returns log entries matching the filter criteria.
func (b *Buffer) Query(params QueryParams) []LogEntry {
	all := b.GetAll()
	search := strings.ToLower(params.Search)

	filtered := make([]LogEntry, 0, len(all))
	for _, entry := range all {
		if params.Level != "" && entry.Level != params.Level {
			continue
		}
		if params.Component != "" && entry.Component != params.Component {
			continue
		}
		if params.TaskID != "" && entry.field("task_id") != params.TaskID {
			continue
		}
		if params.Device != "" && entry.field("device") != params.Device {
			continue
		}
		if !params.Since.IsZero() && entry.Timestamp.Before(params.Since) {
			continue
		}
		if search != "" && !entry.contains(search) {
			continue
		}
		filtered = append(filtered, entry)
	}

	if params.Descending {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
	}
	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[:params.Limit]
	}
	return filtered
}

func (e LogEntry) field(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

func (e LogEntry) contains(lower string) bool {
	if strings.Contains(strings.ToLower(e.Message), lower) || strings.Contains(strings.ToLower(e.Component), lower) {
		return true
	}
	for _, v := range e.Fields {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), lower) {
			return true
		}
	}
	return false
}

// Components returns the sorted set of components present in the buffer.
func (b *Buffer) Components() []string {
	seen := make(map[string]bool)
	for _, e := range b.GetAll() {
		if e.Component != "" {
			seen[e.Component] = true
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Stats summarizes buffer occupancy.
type Stats struct {
	Capacity   int            `json:"capacity"`
	Count      int            `json:"count"`
	LevelCount map[string]int `json:"level_count"`
}

// Stats returns buffer statistics.
func (b *Buffer) Stats() Stats {
	stats := Stats{Capacity: b.capacity, LevelCount: make(map[string]int)}
	for _, e := range b.GetAll() {
		stats.Count++
		stats.LevelCount[e.Level]++
	}
	return stats
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}

// Writer captures zerolog JSON lines into a Buffer.
type Writer struct {
	buffer   *Buffer
	fallback io.Writer
}

// NewWriter creates a writer that captures logs to the buffer and copies them to fallback.
func NewWriter(buffer *Buffer, fallback io.Writer) *Writer {
	return &Writer{buffer: buffer, fallback: fallback}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (n int, err error) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err == nil {
		w.buffer.Add(parse(raw))
	}
	if w.fallback != nil {
		return w.fallback.Write(p)
	}
	return len(p), nil
}

func parse(raw map[string]any) LogEntry {
	entry := LogEntry{Timestamp: time.Now(), Fields: make(map[string]any)}

	if lvl, ok := raw["level"].(string); ok {
		entry.Level = lvl
		delete(raw, "level")
	}
	if msg, ok := raw["message"].(string); ok {
		entry.Message = msg
		delete(raw, "message")
	}
	if comp, ok := raw["component"].(string); ok {
		entry.Component = comp
		delete(raw, "component")
	}
	switch ts := raw["time"].(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			entry.Timestamp = t
		}
	case float64:
		entry.Timestamp = time.Unix(int64(ts), 0)
	}
	delete(raw, "time")

	for k, v := range raw {
		entry.Fields[k] = v
	}
	return entry
}
