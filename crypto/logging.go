package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LoggerHelper accumulates structured fields for one crypto operation.
type LoggerHelper struct {
	fields logrus.Fields
}

// NewLogger starts a logger tagged with the calling function.
func NewLogger(function string) *LoggerHelper {
	return &LoggerHelper{fields: logrus.Fields{
		"function": function,
		"package":  "crypto",
	}}
}

// WithField adds one field.
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	l.fields[key] = value
	return l
}

// WithFields merges fields.
func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithSession tags the entry with a session id.
func (l *LoggerHelper) WithSession(sessionID string) *LoggerHelper {
	return l.WithField("session_id", sessionID)
}

// WithError records err and the step that produced it.
func (l *LoggerHelper) WithError(err error, operation string) *LoggerHelper {
	l.fields["error"] = err.Error()
	l.fields["operation"] = operation
	return l
}

func (l *LoggerHelper) Debug(message string) { logrus.WithFields(l.fields).Debug(message) }
func (l *LoggerHelper) Info(message string)  { logrus.WithFields(l.fields).Info(message) }
func (l *LoggerHelper) Warn(message string)  { logrus.WithFields(l.fields).Warn(message) }
func (l *LoggerHelper) Error(message string) { logrus.WithFields(l.fields).Error(message) }

// SecureFieldHash renders sensitive bytes as a short hex preview plus their
// size, never the full value.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		n := len(data)
		if n > 4 {
			n = 4
		}
		preview = fmt.Sprintf("%x", data[:n])
		if len(data) > n {
			preview += "..."
		}
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
