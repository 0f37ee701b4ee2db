// Package logutil configures the shared logrus logger used by every component.
package logutil

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	if err := Configure(logger, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")); err != nil {
		logger.WithError(err).Warn("invalid logging configuration, using defaults")
	}
	return logger
}

// ConfigureBase applies level and format to the process-wide logger.
func ConfigureBase(level, format string) error {
	return Configure(base, level, format)
}

// Configure applies a level ("debug", "info", ...) and format ("json" or "text").
// Empty values keep the current setting.
func Configure(logger *logrus.Logger, level, format string) error {
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("parse log level: %w", err)
		}
		logger.SetLevel(lvl)
	}
	switch strings.ToLower(format) {
	case "":
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unsupported log format %q", format)
	}
	return nil
}

// Base returns the process-wide logger.
func Base() *logrus.Logger {
	return base
}

// SetOutput redirects the process-wide logger, mostly for tests and the CLI.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// New returns a logger entry tagged with the component name.
func New(component string) *logrus.Entry {
	return base.WithField("component", component)
}
