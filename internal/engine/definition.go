// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"context"
	"time"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
)

// Origin tags a dependency edge with where it came from, so one source
// can be dropped wholesale without touching the others. Default edges
// are also the only ordering edges the cycle breaker may discard.
type Origin string

const (
	// OriginDefinition marks edges declared by the unit's definition.
	OriginDefinition Origin = "definition"

	// OriginDefault marks edges the engine added implicitly.
	OriginDefault Origin = "default"

	// OriginTransient marks edges declared through the transient unit
	// API.
	OriginTransient Origin = "transient"
)

// DeclaredDependency is one dependency edge as a loader or transient
// client states it.
type DeclaredDependency struct {
	Kind   unit.Kind
	Target unit.Name
}

// Definition is everything the engine needs to know about a unit,
// produced by a Loader or supplied for a transient unit. The zero
// value is a valid, maximally boring definition.
type Definition struct {
	// Description is free text for presentation.
	Description string

	// Aliases are additional names the unit answers to. Stub units
	// already registered under an alias are merged into this one.
	Aliases []unit.Name

	// Perpetual units can never be stopped or collected; the root
	// slice is the canonical example.
	Perpetual bool

	// IgnoreOnIsolate keeps the unit running through isolate
	// transactions that do not include it.
	IgnoreOnIsolate bool

	// StopWhenUnneeded queues a stop for the unit whenever nothing
	// active wants it anymore.
	StopWhenUnneeded bool

	// AllowIsolate permits the unit to anchor an isolate transaction.
	AllowIsolate bool

	// RefuseManualStart restricts starting to dependency pull-in.
	RefuseManualStart bool

	// RefuseManualStop restricts stopping to dependency propagation.
	RefuseManualStop bool

	// OnceOnly restricts the unit to a single activation per manager
	// lifetime.
	OnceOnly bool

	// NoDefaultDependencies leaves the unit out of the implicit
	// shutdown ordering the engine adds to everything else.
	NoDefaultDependencies bool

	// Dependencies declares the unit's forward edges.
	Dependencies []DeclaredDependency

	// OnFailureJobMode is the mode used to queue the unit's OnFailure
	// targets. Empty means replace.
	OnFailureJobMode job.Mode

	// JobTimeout bounds any single job on the unit. Zero picks the
	// engine default; negative disables the timeout.
	JobTimeout time.Duration

	// JobTimeoutAction optionally escalates a job timeout to an
	// emergency action.
	JobTimeoutAction Action

	// StartLimitInterval and StartLimitBurst bound how often the unit
	// may be started: at most Burst starts per Interval. Zero values
	// pick the engine defaults; a negative interval disables the
	// limit.
	StartLimitInterval time.Duration
	StartLimitBurst    int

	// StartLimitAction optionally escalates a hit start limit to an
	// emergency action.
	StartLimitAction Action

	// FailureAction and SuccessAction optionally escalate the unit
	// entering failed, or deactivating cleanly, to an emergency
	// action.
	FailureAction Action
	SuccessAction Action

	// Payload carries opaque per-type settings through to the
	// operator, and through serialization.
	Payload map[string]string
}

// Loader resolves unit definitions on demand. Load runs on the engine
// loop; implementations must not call back into the engine.
//
// Returning an error flagged as not-found marks the unit not-found;
// ErrUnitMasked marks it masked; any other error marks the load as
// failed. All three leave the unit in the registry so that the
// failure is reportable.
type Loader interface {
	Load(ctx context.Context, name unit.Name) (Definition, error)
}
