package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
	"time"

	"github.com/google/uuid"
)

// Ensure SyslogLogger implements Logger interface
var _ Logger = (*SyslogLogger)(nil)

type SyslogOptions struct {
	Network  string `json:"network"`  // "tcp", "udp", ""
	Address  string `json:"address"`  // "localhost:514"
	Priority int    `json:"priority"` // syslog.LOG_INFO, etc.
	Tag      string `json:"tag"`
}

// SyslogLogger implements Logger for syslog
type SyslogLogger struct {
	config     *Config
	syslogOpts SyslogOptions
	writer     *syslog.Writer
}

// NewSyslogLogger creates a new syslog audit logger with options
func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var syslogOpts SyslogOptions
	if err := parseOptions(config.Options, &syslogOpts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}

	if syslogOpts.Priority == 0 {
		switch config.LogLevel {
		case "error":
			syslogOpts.Priority = int(syslog.LOG_ERR | syslog.LOG_USER)
		case "warn":
			syslogOpts.Priority = int(syslog.LOG_WARNING | syslog.LOG_USER)
		default:
			syslogOpts.Priority = int(syslog.LOG_INFO | syslog.LOG_USER)
		}
	}

	if syslogOpts.Tag == "" {
		syslogOpts.Tag = "cloak-audit"
	}

	var writer *syslog.Writer
	var err error

	if syslogOpts.Network != "" && syslogOpts.Address != "" {
		// Remote syslog
		writer, err = syslog.Dial(syslogOpts.Network, syslogOpts.Address,
			syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	} else {
		// Local syslog
		writer, err = syslog.New(syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}

	return &SyslogLogger{
		config:     config,
		syslogOpts: syslogOpts,
		writer:     writer,
	}, nil
}

// Log implements the Logger interface
func (sl *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Scope:     sl.config.Scope,
		Action:    action,
		Success:   success,
		Metadata:  metadata,
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}

	if success {
		return sl.writer.Info(string(eventJSON))
	}
	return sl.writer.Warning(string(eventJSON))
}

// Query is not supported by the syslog backend; events are write-only once emitted.
func (sl *SyslogLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{}, fmt.Errorf("query is not supported by the syslog audit backend")
}

// Close implements the Logger interface
func (sl *SyslogLogger) Close() error {
	if sl.writer == nil {
		return nil
	}
	return sl.writer.Close()
}
