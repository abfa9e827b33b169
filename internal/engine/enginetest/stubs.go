// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package enginetest provides scripted stand-ins for the engine's
// collaborators, so tests can drive graph and queue behavior without a
// real execution environment behind it.
package enginetest

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
	"github.com/canonical/cairn/internal/engine"
	"github.com/canonical/cairn/internal/testhelpers"
)

// StubLoader resolves definitions from an in-memory map.
type StubLoader struct {
	*testhelpers.Stub

	mu sync.Mutex

	// definitions maps unit names onto the definitions Load returns.
	// Names not present come back not-found.
	definitions map[unit.Name]engine.Definition

	// masked names come back masked.
	masked map[unit.Name]bool
}

// NewStubLoader returns a loader that knows the given definitions.
func NewStubLoader(stub *testhelpers.Stub, definitions map[unit.Name]engine.Definition) *StubLoader {
	if definitions == nil {
		definitions = make(map[unit.Name]engine.Definition)
	}
	return &StubLoader{
		Stub:        stub,
		definitions: definitions,
		masked:      make(map[unit.Name]bool),
	}
}

// SetDefinition adds or replaces one definition.
func (l *StubLoader) SetDefinition(name unit.Name, def engine.Definition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.definitions[name] = def
}

// SetMasked marks a name masked.
func (l *StubLoader) SetMasked(name unit.Name) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.masked[name] = true
}

// Load is part of the engine.Loader interface.
func (l *StubLoader) Load(ctx context.Context, name unit.Name) (engine.Definition, error) {
	l.AddCall("Load", name)
	if err := l.NextErr(); err != nil {
		return engine.Definition{}, errors.Trace(err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.masked[name] {
		return engine.Definition{}, engine.ErrUnitMasked
	}
	def, ok := l.definitions[name]
	if !ok {
		return engine.Definition{}, errors.NotFoundf("unit %q", name)
	}
	return def, nil
}

// StubOperator records the operations handed to it and republishes
// them on Ops so tests can wait for them. It never completes anything
// itself; tests deliver results through the engine.
type StubOperator struct {
	*testhelpers.Stub

	// Ops receives every operation passed to Start, Stop or Reload.
	// The channel is buffered generously; tests must drain it before
	// it fills.
	Ops chan engine.Operation
}

// NewStubOperator returns an operator recording onto stub.
func NewStubOperator(stub *testhelpers.Stub) *StubOperator {
	return &StubOperator{
		Stub: stub,
		Ops:  make(chan engine.Operation, 64),
	}
}

// Start is part of the engine.Operator interface.
func (o *StubOperator) Start(ctx context.Context, op engine.Operation) error {
	o.AddCall("Start", op)
	o.notify(op)
	return o.NextErr()
}

// Stop is part of the engine.Operator interface.
func (o *StubOperator) Stop(ctx context.Context, op engine.Operation) error {
	o.AddCall("Stop", op)
	o.notify(op)
	return o.NextErr()
}

// Reload is part of the engine.Operator interface.
func (o *StubOperator) Reload(ctx context.Context, op engine.Operation) error {
	o.AddCall("Reload", op)
	o.notify(op)
	return o.NextErr()
}

// Cancel is part of the engine.Operator interface.
func (o *StubOperator) Cancel(ctx context.Context, id job.ID) error {
	o.AddCall("Cancel", id)
	return o.NextErr()
}

func (o *StubOperator) notify(op engine.Operation) {
	select {
	case o.Ops <- op:
	default:
	}
}

// StubHost records immediate host transition requests.
type StubHost struct {
	*testhelpers.Stub
}

// NewStubHost returns a host controller recording onto stub.
func NewStubHost(stub *testhelpers.Stub) *StubHost {
	return &StubHost{Stub: stub}
}

// Reboot is part of the engine.HostController interface.
func (h *StubHost) Reboot(ctx context.Context) error {
	h.AddCall("Reboot")
	return h.NextErr()
}

// Poweroff is part of the engine.HostController interface.
func (h *StubHost) Poweroff(ctx context.Context) error {
	h.AddCall("Poweroff")
	return h.NextErr()
}
