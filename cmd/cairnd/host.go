// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"os/exec"

	"github.com/juju/errors"

	"github.com/canonical/cairn/core/logger"
	"github.com/canonical/cairn/internal/engine"
)

// runCommand is a variable so tests can intercept host transitions.
var runCommand = func(args []string) error {
	err := exec.Command(args[0], args[1:]...).Run()
	return errors.Trace(err)
}

// hostControl carries out machine-level transitions by shelling out to
// the host's shutdown command.
type hostControl struct {
	logger logger.Logger
}

// NewHostControl returns the engine's view of the machine.
func NewHostControl(logger logger.Logger) engine.HostController {
	return hostControl{logger: logger}
}

// Reboot is part of the engine.HostController interface.
func (h hostControl) Reboot(ctx context.Context) error {
	h.logger.Warningf(ctx, "rebooting the machine")
	return errors.Trace(runCommand([]string{"/sbin/shutdown", "-r", "now"}))
}

// Poweroff is part of the engine.HostController interface.
func (h hostControl) Poweroff(ctx context.Context) error {
	h.logger.Warningf(ctx, "powering the machine off")
	return errors.Trace(runCommand([]string{"/sbin/shutdown", "-h", "now"}))
}
