// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides a core logger implementation that writes
// into a test's log, so assertion failures carry engine output.
package testing

import (
	"context"

	corelogger "github.com/canonical/cairn/core/logger"
)

// CheckLog is the fragment of tc.C (and testing.T) needed to sink log
// output into a test run.
type CheckLog interface {
	Logf(string, ...any)
}

// WrapCheckLog returns a Logger that forwards everything to the given
// test log at every level.
func WrapCheckLog(log CheckLog) corelogger.Logger {
	return checkLogger{log: log}
}

type checkLogger struct {
	log  CheckLog
	name string
}

func (c checkLogger) logf(level corelogger.Level, format string, args ...any) {
	prefix := level.String()
	if c.name != "" {
		prefix += " " + c.name
	}
	c.log.Logf(prefix+": "+format, args...)
}

func (c checkLogger) Criticalf(_ context.Context, format string, args ...any) {
	c.logf(corelogger.CRITICAL, format, args...)
}

func (c checkLogger) Errorf(_ context.Context, format string, args ...any) {
	c.logf(corelogger.ERROR, format, args...)
}

func (c checkLogger) Warningf(_ context.Context, format string, args ...any) {
	c.logf(corelogger.WARNING, format, args...)
}

func (c checkLogger) Infof(_ context.Context, format string, args ...any) {
	c.logf(corelogger.INFO, format, args...)
}

func (c checkLogger) Debugf(_ context.Context, format string, args ...any) {
	c.logf(corelogger.DEBUG, format, args...)
}

func (c checkLogger) Tracef(_ context.Context, format string, args ...any) {
	c.logf(corelogger.TRACE, format, args...)
}

func (c checkLogger) Logf(_ context.Context, level corelogger.Level, format string, args ...any) {
	c.logf(level, format, args...)
}

func (c checkLogger) IsLevelEnabled(corelogger.Level) bool { return true }

func (c checkLogger) Child(name string, _ ...string) corelogger.Logger {
	child := c.name
	if child == "" {
		child = name
	} else {
		child += "." + name
	}
	return checkLogger{log: c.log, name: child}
}
