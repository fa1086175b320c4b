package logging

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type outputWithFilter struct {
	output   Output
	minLevel logrus.Level
}

// DispatchHook is the one logrus hook that fans entries out to every
// configured output. Fire reads an atomic snapshot and never locks.
type DispatchHook struct {
	snapshot atomic.Pointer[[]outputWithFilter]
}

// NewDispatchHook creates a dispatch hook with no outputs
func NewDispatchHook() *DispatchHook {
	h := &DispatchHook{}
	empty := make([]outputWithFilter, 0)
	h.snapshot.Store(&empty)
	return h
}

// setOutputs replaces the outputs snapshot
func (h *DispatchHook) setOutputs(outputs []outputWithFilter) {
	h.snapshot.Store(&outputs)
}

// Levels returns all log levels this hook handles
func (h *DispatchHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire hands the entry to each output whose minimum level it meets
func (h *DispatchHook) Fire(entry *logrus.Entry) error {
	outputs := *h.snapshot.Load()
	if len(outputs) == 0 {
		return nil
	}

	logEntry := &LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    make(map[string]interface{}, len(entry.Data)),
	}
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		logEntry.Fields[k] = v
	}

	for _, ow := range outputs {
		// logrus orders levels from panic (0) to trace (6)
		if entry.Level > ow.minLevel {
			continue
		}
		out := ow.output
		go func() {
			// errors are dropped; logging them here would recurse
			_ = out.Write(logEntry)
		}()
	}

	return nil
}
