// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/tc"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
	loggertesting "github.com/canonical/cairn/internal/logger/testing"
	"github.com/canonical/cairn/internal/testhelpers"
)

var fixtureClockStart = time.Date(2030, 7, 14, 3, 14, 15, 0, time.UTC)

// fixture assembles an engine whose loop goroutine is not running, so
// tests can drive the queue functions directly on the test goroutine
// and inspect the registry between steps.
type fixture struct {
	defs   map[unit.Name]Definition
	masked map[unit.Name]bool
	stub   *testhelpers.Stub
	clock  *testclock.Clock
}

func newFixture() *fixture {
	return &fixture{
		defs:   make(map[unit.Name]Definition),
		masked: make(map[unit.Name]bool),
		stub:   &testhelpers.Stub{},
		clock:  testclock.NewClock(fixtureClockStart),
	}
}

// define registers a definition the fixture loader will serve.
func (f *fixture) define(name unit.Name, def Definition) {
	f.defs[name] = def
}

// Load is part of the Loader interface.
func (f *fixture) Load(ctx context.Context, name unit.Name) (Definition, error) {
	f.stub.AddCall("Load", name)
	if err := f.stub.NextErr(); err != nil {
		return Definition{}, errors.Trace(err)
	}
	if f.masked[name] {
		return Definition{}, ErrUnitMasked
	}
	def, ok := f.defs[name]
	if !ok {
		return Definition{}, errors.NotFoundf("unit %q", name)
	}
	return def, nil
}

// fixtureOperator records operations by unit name on the shared stub.
// It never completes anything; tests deliver results themselves.
type fixtureOperator struct {
	stub *testhelpers.Stub
}

func (o fixtureOperator) Start(ctx context.Context, op Operation) error {
	o.stub.AddCall("Start", op.Unit)
	return o.stub.NextErr()
}

func (o fixtureOperator) Stop(ctx context.Context, op Operation) error {
	o.stub.AddCall("Stop", op.Unit)
	return o.stub.NextErr()
}

func (o fixtureOperator) Reload(ctx context.Context, op Operation) error {
	o.stub.AddCall("Reload", op.Unit)
	return o.stub.NextErr()
}

func (o fixtureOperator) Cancel(ctx context.Context, id job.ID) error {
	o.stub.AddCall("Cancel", id)
	return o.stub.NextErr()
}

type fixtureHost struct {
	stub *testhelpers.Stub
}

func (h fixtureHost) Reboot(ctx context.Context) error {
	h.stub.AddCall("Reboot")
	return h.stub.NextErr()
}

func (h fixtureHost) Poweroff(ctx context.Context) error {
	h.stub.AddCall("Poweroff")
	return h.stub.NextErr()
}

// newEngine wires an Engine for direct use. Emergency actions that kill
// the worker are exercised through the real constructor instead.
func (f *fixture) newEngine(c *tc.C) *Engine {
	op := fixtureOperator{stub: f.stub}
	return &Engine{
		logger: loggertesting.WrapCheckLog(c),
		clock:  f.clock,
		loader: f,
		operators: map[unit.Type]Operator{
			unit.TypeService: op,
			unit.TypeMount:   op,
			unit.TypeSocket:  op,
		},
		host:             fixtureHost{stub: f.stub},
		metrics:          NewMetricsCollector(),
		systemInstance:   true,
		serviceWatchdogs: true,
		defaults: engineDefaults{
			jobTimeout:         defaultJobTimeout,
			startLimitInterval: defaultStartLimitInterval,
			startLimitBurst:    defaultStartLimitBurst,
		},
		rebootTarget:   defaultRebootTarget,
		poweroffTarget: defaultPoweroffTarget,
		exitTarget:     defaultExitTarget,
		registry:       newRegistry(),
		jobs:           make(map[job.ID]*Job),
		calls:          make(chan call),
	}
}

// addJob queues a job and asserts the transaction was accepted.
func addJob(c *tc.C, e *Engine, name unit.Name, jtype job.Type, mode job.Mode) job.ID {
	id, err := e.runTransaction(context.Background(), name, jtype, mode, txnFlags{})
	c.Assert(err, tc.ErrorIsNil)
	return id
}

// settle mirrors the engine loop's quiescence pass.
func settle(e *Engine) {
	ctx := context.Background()
	for {
		e.dispatch(ctx)
		e.collectGarbage(ctx)
		if e.expireJobs(ctx) == 0 {
			return
		}
	}
}

// deliver reports a result for the queued job on the named unit and
// settles the consequences.
func deliver(c *tc.C, e *Engine, name unit.Name, result job.Result) {
	u, ok := e.registry.get(name)
	c.Assert(ok, tc.IsTrue)
	c.Assert(u.j, tc.NotNil)
	c.Assert(e.deliverJobResult(context.Background(), u.j.id, result), tc.ErrorIsNil)
	settle(e)
}

// queuedType returns the type of the job queued on the named unit, or
// the empty string when there is none.
func queuedType(e *Engine, name unit.Name) job.Type {
	u, ok := e.registry.get(name)
	if !ok || u.j == nil {
		return ""
	}
	return u.j.jtype
}

// activeState returns the named unit's state, or the empty string when
// the unit is not in the registry.
func activeState(e *Engine, name unit.Name) unit.ActiveState {
	u, ok := e.registry.get(name)
	if !ok {
		return ""
	}
	return u.activeState
}

// serviceDef is shorthand for a service definition with dependencies.
func serviceDef(deps ...DeclaredDependency) Definition {
	return Definition{Dependencies: deps}
}

func dep(k unit.Kind, target unit.Name) DeclaredDependency {
	return DeclaredDependency{Kind: k, Target: target}
}
