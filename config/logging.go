package config

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// ConfigureLogging applies the level and format to the standard logrus
// logger and directs output to w when it is non-nil.
func ConfigureLogging(c LogConfig, w io.Writer) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	logrus.SetLevel(level)

	switch c.Format {
	case FormatJSON:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case FormatText, "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Format)
	}

	if w != nil {
		logrus.SetOutput(w)
	}
	logrus.WithFields(logrus.Fields{
		"function": "ConfigureLogging",
		"level":    level.String(),
		"format":   c.Format,
	}).Debug("Logging configured")
	return nil
}
