// Package logging builds the logrus logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/Benny93/notegraph/internal/config"
)

// New returns a logger configured from cfg writing to stderr.
func New(cfg config.LoggingConfig) (*logrus.Logger, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter returns a logger configured from cfg writing to w.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(level)

	if cfg.Format == config.FormatJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return log, nil
}

// Discard returns a logger that drops everything. Used by tests and by the
// MCP server, whose stdout carries JSON-RPC only.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.PanicLevel)
	return log
}

// BadgerLogger adapts a logrus logger to badger.Logger.
type BadgerLogger struct {
	entry *logrus.Entry
}

// NewBadgerLogger wraps log with a component field.
func NewBadgerLogger(log logrus.FieldLogger) *BadgerLogger {
	return &BadgerLogger{entry: log.WithField("component", "badger")}
}

// Errorf logs at error level.
func (l *BadgerLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

// Warningf logs at warn level.
func (l *BadgerLogger) Warningf(format string, args ...any) { l.entry.Warnf(format, args...) }

// Infof logs at debug level; badger is chatty at info.
func (l *BadgerLogger) Infof(format string, args ...any) { l.entry.Debugf(format, args...) }

// Debugf logs at trace level.
func (l *BadgerLogger) Debugf(format string, args ...any) { l.entry.Tracef(format, args...) }
