// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"context"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
)

// Action is a host-level reaction the engine can take when a unit
// demands it, through failure and timeout settings or an explicit
// trigger. Plain actions go through the job queue; forced ones
// terminate the engine at once; immediate ones bypass it entirely and
// talk to the host controller.
type Action string

const (
	ActionNone              Action = "none"
	ActionReboot            Action = "reboot"
	ActionRebootForce       Action = "reboot-force"
	ActionRebootImmediate   Action = "reboot-immediate"
	ActionPoweroff          Action = "poweroff"
	ActionPoweroffForce     Action = "poweroff-force"
	ActionPoweroffImmediate Action = "poweroff-immediate"
	ActionExit              Action = "exit"
	ActionExitForce         Action = "exit-force"
)

func (a Action) String() string {
	return string(a)
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionNone, ActionReboot, ActionRebootForce, ActionRebootImmediate,
		ActionPoweroff, ActionPoweroffForce, ActionPoweroffImmediate,
		ActionExit, ActionExitForce:
		return true
	}
	return false
}

// normalizeAction maps the zero value onto ActionNone so definitions
// may leave action fields unset.
func normalizeAction(a Action) Action {
	if a == "" {
		return ActionNone
	}
	return a
}

// triggerAction carries out an emergency action demanded by a unit's
// configuration.
func (e *Engine) triggerAction(ctx context.Context, a Action, reason string) {
	e.performAction(ctx, a, 0, false, reason)
}

// performAction is the single funnel for emergency actions. Engines
// not running as the system instance downgrade host-level actions to
// exits, and watchdog-driven requests are dropped while service
// watchdogs are disabled.
func (e *Engine) performAction(ctx context.Context, a Action, exitStatus int, fromWatchdog bool, reason string) {
	a = normalizeAction(a)
	if a == ActionNone {
		e.logger.Debugf(ctx, "no emergency action: %s", reason)
		return
	}
	if fromWatchdog && !e.serviceWatchdogs {
		e.logger.Warningf(ctx, "ignoring watchdog %s request, service watchdogs are disabled: %s", a, reason)
		return
	}
	if !e.systemInstance {
		a = downgradeAction(a)
	}
	e.logger.Warningf(ctx, "performing %s: %s", a, reason)
	e.noteEmergency(a, reason)

	switch a {
	case ActionReboot:
		e.queueTargetJob(ctx, e.rebootTarget)
	case ActionPoweroff:
		e.queueTargetJob(ctx, e.poweroffTarget)
	case ActionExit:
		e.queueTargetJob(ctx, e.exitTarget)
	case ActionRebootForce:
		e.terminate(errRestart)
	case ActionPoweroffForce:
		e.terminate(errShutdown)
	case ActionExitForce:
		e.terminate(ErrExitRequest(exitStatus))
	case ActionRebootImmediate:
		if err := e.host.Reboot(ctx); err != nil {
			e.logger.Errorf(ctx, "immediate reboot: %v", err)
			e.terminate(errRestart)
		}
	case ActionPoweroffImmediate:
		if err := e.host.Poweroff(ctx); err != nil {
			e.logger.Errorf(ctx, "immediate poweroff: %v", err)
			e.terminate(errShutdown)
		}
	}
}

// downgradeAction maps host-level actions onto their session
// equivalents.
func downgradeAction(a Action) Action {
	switch a {
	case ActionReboot, ActionPoweroff:
		return ActionExit
	case ActionRebootForce, ActionPoweroffForce, ActionRebootImmediate, ActionPoweroffImmediate:
		return ActionExitForce
	}
	return a
}

// queueTargetJob starts one of the engine's shutdown targets through
// an irreversible transaction, so ordinary requests cannot displace
// the shutdown once it is underway.
func (e *Engine) queueTargetJob(ctx context.Context, target unit.Name) {
	if _, err := e.runTransaction(ctx, target, job.TypeStart, job.ModeReplaceIrreversibly, txnFlags{}); err != nil {
		e.logger.Errorf(ctx, "cannot start %q: %v", target, err)
	}
}

// terminate kills the engine loop with a terminal error. The hosting
// process maps it onto an exit code or a host transition.
func (e *Engine) terminate(err error) {
	e.catacomb.Kill(err)
}
