// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"context"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
)

// Operation describes one unit state transition handed to an operator.
type Operation struct {
	// Job identifies the job driving the operation. Completion must be
	// reported against this ID via DeliverJobResult.
	Job job.ID

	// Unit and Type name the unit being operated on.
	Unit unit.Name
	Type unit.Type

	// InvocationID is a fresh identifier for this activation attempt.
	// It is only set for operations that bring the unit up.
	InvocationID string

	// Payload is the unit definition's opaque per-type settings.
	Payload map[string]string
}

// Operator performs unit state transitions for one or more unit types.
// Calls run on the engine loop and must only kick work off; completion
// is reported asynchronously through Engine.DeliverJobResult and unit
// state through Engine.DeliverUnitState. An error return means the
// operation could not even be started and fails the job immediately.
type Operator interface {
	// Start brings the unit up.
	Start(ctx context.Context, op Operation) error

	// Stop takes the unit down.
	Stop(ctx context.Context, op Operation) error

	// Reload makes the unit re-read its configuration.
	Reload(ctx context.Context, op Operation) error

	// Cancel forcibly terminates the in-flight operation for the job,
	// if it is still running. The operator must still deliver a result
	// for the job afterwards; the engine reports the job's outcome
	// itself and ignores the late result.
	Cancel(ctx context.Context, id job.ID) error
}

// HostController executes process-wide fallback actions on behalf of
// the emergency handler. Implementations act immediately and do not
// return until the request has been handed off.
type HostController interface {
	// Reboot restarts the host.
	Reboot(ctx context.Context) error

	// Poweroff shuts the host down.
	Poweroff(ctx context.Context) error
}
