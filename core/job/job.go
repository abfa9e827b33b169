// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package job holds the job vocabulary: the types of work the engine
// can queue against a unit, their lifecycle states, terminal results,
// queueing modes, and the pure type algebra (collapse and merge) the
// transaction machinery is built on.
package job

import (
	"github.com/canonical/cairn/core/unit"
)

// ID identifies a job for as long as it sits in the queue. IDs are
// allocated from a counter that survives serialization, so they stay
// unique across a manager re-exec.
type ID uint64

// Type is the kind of state change a job asks of its unit.
//
// The first block are concrete types that can be installed in the
// queue. The second block are convenience types that callers may
// request but that always collapse onto a concrete type against the
// unit's current state before installation.
type Type string

const (
	// TypeStart brings the unit up.
	TypeStart Type = "start"

	// TypeVerifyActive asserts the unit is up without changing it.
	TypeVerifyActive Type = "verify-active"

	// TypeStop takes the unit down.
	TypeStop Type = "stop"

	// TypeReload asks the unit to re-read its configuration in place.
	TypeReload Type = "reload"

	// TypeRestart takes the unit down and then up again, as one job.
	TypeRestart Type = "restart"

	// TypeNop holds the unit in the queue without changing it.
	TypeNop Type = "nop"

	// TypeTryRestart restarts the unit only if it is currently up;
	// collapses to restart or nop.
	TypeTryRestart Type = "try-restart"

	// TypeTryReload reloads the unit only if it is currently up;
	// collapses to reload or nop.
	TypeTryReload Type = "try-reload"

	// TypeReloadOrStart reloads the unit if up, starts it otherwise;
	// collapses to reload or start.
	TypeReloadOrStart Type = "reload-or-start"
)

func (t Type) String() string {
	return string(t)
}

// Valid reports whether the type is part of the vocabulary.
func (t Type) Valid() bool {
	switch t {
	case TypeStart, TypeVerifyActive, TypeStop, TypeReload, TypeRestart,
		TypeNop, TypeTryRestart, TypeTryReload, TypeReloadOrStart:
		return true
	}
	return false
}

// Collapsible reports whether the type must be resolved against unit
// state before it can be installed.
func (t Type) Collapsible() bool {
	switch t {
	case TypeTryRestart, TypeTryReload, TypeReloadOrStart:
		return true
	}
	return false
}

// Collapse resolves a collapsible type against the unit's current
// active state. Concrete types collapse to themselves.
func (t Type) Collapse(state unit.ActiveState) Type {
	switch t {
	case TypeTryRestart:
		if state.IsActive() {
			return TypeRestart
		}
		return TypeNop
	case TypeTryReload:
		if state.IsActive() {
			return TypeReload
		}
		return TypeNop
	case TypeReloadOrStart:
		if state.IsActive() {
			return TypeReload
		}
		return TypeStart
	}
	return t
}

// StartsUnit reports whether running the type leaves the unit up on
// success.
func (t Type) StartsUnit() bool {
	switch t {
	case TypeStart, TypeRestart, TypeReloadOrStart:
		return true
	}
	return false
}

// StopsUnit reports whether the first phase of the type takes the unit
// down.
func (t Type) StopsUnit() bool {
	return t == TypeStop || t == TypeRestart || t == TypeTryRestart
}

// Merge combines an incoming job type with one already proposed or
// queued for the same unit. The pair is ordered: stop arriving over
// pending start-ish work absorbs it, while start-ish work arriving
// over a pending stop does not merge at all. The merged type may be
// collapsible (reload over start) and must be collapsed again before
// installation.
func Merge(existing, incoming Type) (Type, bool) {
	if existing == incoming {
		return existing, true
	}
	if existing == TypeNop {
		return incoming, true
	}
	if incoming == TypeNop {
		return existing, true
	}
	if existing == TypeVerifyActive {
		return incoming, true
	}
	if incoming == TypeVerifyActive {
		return existing, true
	}
	if incoming == TypeStop {
		return TypeStop, true
	}
	if existing == TypeStop {
		return "", false
	}
	// Both sides are start-ish: start, reload or restart.
	if existing == TypeRestart || incoming == TypeRestart {
		return TypeRestart, true
	}
	return TypeReloadOrStart, true
}
