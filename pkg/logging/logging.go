// Package logging builds the logrus loggers shared by the paygate components
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Formats accepted by Configure
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Configure sets level and format on the standard logger
func Configure(level, format string) error {
	return apply(logrus.StandardLogger(), level, format)
}

// New creates a standalone logger writing to out
func New(out io.Writer, level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	if out != nil {
		logger.SetOutput(out)
	}
	if err := apply(logger, level, format); err != nil {
		return nil, err
	}
	return logger, nil
}

// NewModuleLogger tags entries from the standard logger with their module
func NewModuleLogger(module string) logrus.FieldLogger {
	return logrus.WithField("module", module)
}

func apply(logger *logrus.Logger, level, format string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", FormatText:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q: want %s or %s", format, FormatText, FormatJSON)
	}
	if logger.Out == nil {
		logger.SetOutput(os.Stderr)
	}
	return nil
}
