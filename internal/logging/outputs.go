package logging

import (
	"time"
)

// Output is a remote destination for log entries
type Output interface {
	Write(entry *LogEntry) error
	Close() error
}

// LogEntry is the wire form of one log line
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}
