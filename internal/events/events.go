// Package events provides the durable, queryable record of every task state
// transition and log line, plus the live stream dashboards subscribe to.
package events

import (
	"time"
)

// Level classifies an event's severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is an append-only record. Seq is assigned by the journal on append
// and is strictly increasing; ordering within a task follows Seq.
type Event struct {
	Seq     int64
	TaskID  string
	Phase   string
	Level   Level
	Message string
	Meta    map[string]string
	At      time.Time
}

// Info builds an informational event for the given task.
func Info(taskID, phase, message string) Event {
	return Event{TaskID: taskID, Phase: phase, Level: LevelInfo, Message: message, At: time.Now()}
}

// Warnf-style helpers are deliberately absent; callers attach structure via
// Meta instead of formatting it into the message.

// Error builds an error-level event for the given task.
func Error(taskID, phase, message string) Event {
	return Event{TaskID: taskID, Phase: phase, Level: LevelError, Message: message, At: time.Now()}
}

// WithMeta returns a copy of e with the given metadata key set.
func (e Event) WithMeta(key, value string) Event {
	meta := make(map[string]string, len(e.Meta)+1)
	for k, v := range e.Meta {
		meta[k] = v
	}
	meta[key] = value
	e.Meta = meta
	return e
}
