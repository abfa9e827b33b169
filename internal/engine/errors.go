// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrStopped is returned to callers whose request could not be
	// served because the engine shut down first.
	ErrStopped = errors.ConstError("engine stopped")

	// ErrUnitBusy rejects a fail-mode transaction that collides with a
	// queued job it cannot merge with.
	ErrUnitBusy = errors.ConstError("unit already has a conflicting job")

	// ErrDeadlock rejects a transaction whose ordering graph contains a
	// cycle that no permitted fix can break.
	ErrDeadlock = errors.ConstError("transaction order is cyclic")

	// ErrIrreversible rejects a transaction that would replace a job
	// installed irreversibly.
	ErrIrreversible = errors.ConstError("job cannot replace an irreversible job")

	// ErrUnitMasked rejects operations on masked units.
	ErrUnitMasked = errors.ConstError("unit is masked")

	// ErrIsolateRefused rejects isolate transactions anchored on a unit
	// not marked as an isolation boundary.
	ErrIsolateRefused = errors.ConstError("unit refuses isolate requests")

	// ErrRefuseManualStart rejects direct start requests on units that
	// may only be started as a dependency.
	ErrRefuseManualStart = errors.ConstError("unit refuses manual start")

	// ErrRefuseManualStop rejects direct stop requests on units that
	// may only be stopped as a dependency.
	ErrRefuseManualStop = errors.ConstError("unit refuses manual stop")

	// ErrStartLimit rejects a start transaction for a unit that hit its
	// start rate limit.
	ErrStartLimit = errors.ConstError("unit start rate limit hit")

	// ErrTransactionDependency fails a transaction whose hard
	// requirement could not be enqueued.
	ErrTransactionDependency = errors.ConstError("transaction requirement cannot be met")

	// errRestart asks the daemon hosting the engine to reboot the
	// machine; it is how a forced reboot action leaves the loop.
	errRestart = errors.ConstError("engine requests machine reboot")

	// errShutdown asks the daemon hosting the engine to power the
	// machine off.
	errShutdown = errors.ConstError("engine requests machine shutdown")
)

// exitError carries a process exit code out of the engine loop for
// forced exit actions. The daemon maps it onto its own exit status.
type exitError struct {
	code int
}

// Error is part of the error interface.
func (e *exitError) Error() string {
	return fmt.Sprintf("engine requests process exit with code %d", e.code)
}

// ErrExitRequest constructs the terminal error for a forced exit.
func ErrExitRequest(code int) error {
	return &exitError{code: code}
}

// IsExitRequest reports whether err is a forced exit request, and
// returns the requested code when it is.
func IsExitRequest(err error) (int, bool) {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code, true
	}
	return 0, false
}

// IsRebootRequest reports whether err asks the host to reboot.
func IsRebootRequest(err error) bool {
	return errors.Is(err, errRestart)
}

// IsShutdownRequest reports whether err asks the host to power off.
func IsShutdownRequest(err error) bool {
	return errors.Is(err, errShutdown)
}
