package logging

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// RFC 5424 severities
const (
	severityCritical = 2
	severityError    = 3
	severityWarning  = 4
	severityInfo     = 6
	severityDebug    = 7
)

// LOG_DAEMON
const facilityDaemon = 3

// SyslogOutput writes RFC 3164 lines with a JSON body over TCP or UDP
type SyslogOutput struct {
	conn     net.Conn
	protocol string
	addr     string
	tag      string
	mu       sync.Mutex
}

// NewSyslogOutput dials the syslog server at addr ("host:port")
func NewSyslogOutput(protocol, addr, tag string) (*SyslogOutput, error) {
	conn, err := net.DialTimeout(protocol, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog: %w", err)
	}

	return &SyslogOutput{
		conn:     conn,
		protocol: protocol,
		addr:     addr,
		tag:      tag,
	}, nil
}

// Write sends one entry, redialing once if the connection dropped
func (s *SyslogOutput) Write(entry *LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	priority := facilityDaemon*8 + severity(entry.Level)
	line := []byte(fmt.Sprintf("<%d>%s %s: %s\n",
		priority,
		entry.Timestamp.Format(time.Stamp),
		s.tag,
		data,
	))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("syslog connection is closed")
	}

	if _, err := s.conn.Write(line); err == nil {
		return nil
	}

	s.conn.Close()
	conn, err := net.DialTimeout(s.protocol, s.addr, 5*time.Second)
	if err != nil {
		s.conn = nil
		return fmt.Errorf("failed to reconnect to syslog: %w", err)
	}
	s.conn = conn

	if _, err := s.conn.Write(line); err != nil {
		return fmt.Errorf("failed to write to syslog after reconnect: %w", err)
	}
	return nil
}

// Close closes the syslog connection
func (s *SyslogOutput) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func severity(level string) int {
	switch level {
	case "trace", "debug":
		return severityDebug
	case "warning", "warn":
		return severityWarning
	case "error":
		return severityError
	case "fatal", "panic":
		return severityCritical
	default:
		return severityInfo
	}
}
