// Package logging provides the structured logger used across the gateway.
package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/config"
)

// Logger is the structured logger type shared across every component.
type Logger = *logrus.Logger

// Fields attaches structured key/value context to a log entry.
type Fields = logrus.Fields

// NewLogger creates a configured logger instance reading LOG_LEVEL from env.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithComponent creates a logger configured like NewLogger. The
// component name is not attached to its entries: WithField builds an entry
// and .Logger returns the underlying logger without that field.
func NewLoggerWithComponent(component string) *logrus.Logger {
	logger := NewLogger()
	return logger.WithField("component", component).Logger
}
