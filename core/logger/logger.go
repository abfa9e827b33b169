// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logger defines the logging interface the rest of the module
// programs against. The concrete implementation lives in
// internal/logger; nothing outside that package should import the
// backing library directly.
package logger

import (
	"context"
)

// Level is the severity of a log message.
type Level int

const (
	UNSPECIFIED Level = iota
	TRACE
	DEBUG
	INFO
	WARNING
	ERROR
	CRITICAL
)

// String returns the canonical spelling of the level.
func (l Level) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	}
	return "UNSPECIFIED"
}

// Logger is the minimal logging surface used throughout the module.
// Methods take a context so that implementations can attach trace
// correlation; implementations must accept a nil-free but otherwise
// arbitrary context.
type Logger interface {
	// Criticalf logs at critical severity.
	Criticalf(ctx context.Context, format string, args ...any)

	// Errorf logs at error severity.
	Errorf(ctx context.Context, format string, args ...any)

	// Warningf logs at warning severity.
	Warningf(ctx context.Context, format string, args ...any)

	// Infof logs at info severity.
	Infof(ctx context.Context, format string, args ...any)

	// Debugf logs at debug severity.
	Debugf(ctx context.Context, format string, args ...any)

	// Tracef logs at trace severity.
	Tracef(ctx context.Context, format string, args ...any)

	// Logf logs at the given severity.
	Logf(ctx context.Context, level Level, format string, args ...any)

	// IsLevelEnabled reports whether messages at the given level would
	// be emitted, letting hot paths skip argument construction.
	IsLevelEnabled(Level) bool

	// Child returns a logger scoped below this one, optionally tagged.
	Child(name string, tags ...string) Logger
}
