// Package alerts defines the one-shot alerting sink consumed by the
// DestinationResolver when a misconfigured replication source is
// detected.
package alerts

import (
	"time"

	"github.com/IdanHaim/ravendb/pkg/logging"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert is one raised notification.
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	CreatedAt time.Time
}

// Sink is the narrow interface the core depends on.
type Sink interface {
	Add(alert Alert)
}

// LoggingSink is the default Sink: it records the alert through the
// structured logger, the way the teacher repo treats its logger as the
// terminal sink for anything operationally notable.
type LoggingSink struct {
	logger *logging.Logger
}

// NewLoggingSink creates a Sink that logs every alert at warn/error level.
func NewLoggingSink(logger *logging.Logger) *LoggingSink {
	return &LoggingSink{logger: logger}
}

func (s *LoggingSink) Add(alert Alert) {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	fields := []any{"title", alert.Title, "message", alert.Message, "severity", string(alert.Severity)}
	if alert.Severity == SeverityError {
		s.logger.Sugar().Errorw("replication alert", fields...)
		return
	}
	s.logger.Sugar().Warnw("replication alert", fields...)
}
