// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logger adapts loggo to the core logger interface.
package logger

import (
	"context"

	"github.com/juju/loggo/v2"

	corelogger "github.com/canonical/cairn/core/logger"
)

type loggoLogger struct {
	logger loggo.Logger
}

// GetLogger returns a logger for the given dotted module name, rooted
// in the default loggo context.
func GetLogger(name string, tags ...string) corelogger.Logger {
	if len(tags) > 0 {
		root := loggoLogger{logger: loggo.GetLogger("")}
		return root.Child(name, tags...)
	}
	return loggoLogger{logger: loggo.GetLogger(name)}
}

// WrapLoggo wraps an existing loggo logger, for callers that build
// their own logging context.
func WrapLoggo(logger loggo.Logger) corelogger.Logger {
	return loggoLogger{logger: logger}
}

func (c loggoLogger) Criticalf(_ context.Context, format string, args ...any) {
	c.logger.Criticalf(format, args...)
}

func (c loggoLogger) Errorf(_ context.Context, format string, args ...any) {
	c.logger.Errorf(format, args...)
}

func (c loggoLogger) Warningf(_ context.Context, format string, args ...any) {
	c.logger.Warningf(format, args...)
}

func (c loggoLogger) Infof(_ context.Context, format string, args ...any) {
	c.logger.Infof(format, args...)
}

func (c loggoLogger) Debugf(_ context.Context, format string, args ...any) {
	c.logger.Debugf(format, args...)
}

func (c loggoLogger) Tracef(_ context.Context, format string, args ...any) {
	c.logger.Tracef(format, args...)
}

func (c loggoLogger) Logf(_ context.Context, level corelogger.Level, format string, args ...any) {
	c.logger.Logf(loggoLevel(level), format, args...)
}

func (c loggoLogger) IsLevelEnabled(level corelogger.Level) bool {
	return c.logger.IsLevelEnabled(loggoLevel(level))
}

func (c loggoLogger) Child(name string, tags ...string) corelogger.Logger {
	if len(tags) > 0 {
		return loggoLogger{logger: c.logger.ChildWithTags(name, tags...)}
	}
	return loggoLogger{logger: c.logger.Child(name)}
}

func loggoLevel(level corelogger.Level) loggo.Level {
	switch level {
	case corelogger.TRACE:
		return loggo.TRACE
	case corelogger.DEBUG:
		return loggo.DEBUG
	case corelogger.INFO:
		return loggo.INFO
	case corelogger.WARNING:
		return loggo.WARNING
	case corelogger.ERROR:
		return loggo.ERROR
	case corelogger.CRITICAL:
		return loggo.CRITICAL
	}
	return loggo.UNSPECIFIED
}
