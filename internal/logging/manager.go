package logging

import (
	"fmt"
	"sync"

	"github.com/sharedrop/sharedrop/internal/config"
	"github.com/sirupsen/logrus"
)

// Manager owns the remote log outputs attached to a logrus logger
type Manager struct {
	hook    *DispatchHook
	outputs []Output
	mu      sync.Mutex
}

// NewManager attaches the outputs enabled in cfg to logger. With nothing
// enabled it installs no hook.
func NewManager(logger *logrus.Logger, cfg config.LoggingConfig) (*Manager, error) {
	m := &Manager{hook: NewDispatchHook()}

	var filtered []outputWithFilter

	if cfg.Syslog.Enable {
		output, err := NewSyslogOutput(cfg.Syslog.Protocol, cfg.Syslog.Address, cfg.Syslog.Tag)
		if err != nil {
			return nil, err
		}
		level, err := parseLevel(cfg.Syslog.Level)
		if err != nil {
			output.Close()
			return nil, err
		}
		m.outputs = append(m.outputs, output)
		filtered = append(filtered, outputWithFilter{output: output, minLevel: level})
	}

	if cfg.HTTP.Enable {
		level, err := parseLevel(cfg.HTTP.Level)
		if err != nil {
			m.Close()
			return nil, err
		}
		output := NewHTTPOutput(cfg.HTTP.URL, cfg.HTTP.AuthToken, cfg.HTTP.BatchSize, cfg.HTTP.FlushInterval)
		m.outputs = append(m.outputs, output)
		filtered = append(filtered, outputWithFilter{output: output, minLevel: level})
	}

	if len(filtered) == 0 {
		return m, nil
	}

	m.hook.setOutputs(filtered)
	logger.AddHook(m.hook)

	logrus.WithField("outputs", len(filtered)).Info("Remote log outputs enabled")
	return m, nil
}

// Close detaches and closes every output
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hook.setOutputs(nil)

	var firstErr error
	for _, output := range m.outputs {
		if err := output.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.outputs = nil
	return firstErr
}

func parseLevel(level string) (logrus.Level, error) {
	if level == "" {
		return logrus.InfoLevel, nil
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("invalid log output level %q: %w", level, err)
	}
	return parsed, nil
}
