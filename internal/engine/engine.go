// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package engine implements an init-style control plane: a registry of
// interdependent units and the transactional job queue that moves them
// between states. The engine is a worker owning all graph and queue
// state on its loop goroutine; collaborators feed it definitions
// through a Loader, execute operations through Operators, and observe
// it through events and metrics.
package engine

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/logger"
	"github.com/canonical/cairn/core/unit"
)

const (
	// defaultJobTimeout bounds how long a job may sit in the queue
	// before it is failed, for units that do not set their own.
	defaultJobTimeout = 90 * time.Second

	// Default start limiting: five starts per ten seconds.
	defaultStartLimitInterval = 10 * time.Second
	defaultStartLimitBurst    = 5

	defaultRebootTarget   = unit.Name("reboot.target")
	defaultPoweroffTarget = unit.Name("poweroff.target")
	defaultExitTarget     = unit.Name("exit.target")
)

// Config holds the dependencies and settings of an Engine.
type Config struct {
	// Clock times job deadlines and start limiting.
	Clock clock.Clock

	// Logger receives the engine's log output.
	Logger logger.Logger

	// Hub, when set, receives the engine's events.
	Hub *pubsub.SimpleHub

	// Loader resolves unit definitions by name.
	Loader Loader

	// Operators execute unit operations, keyed by the unit type they
	// serve. Jobs on types without an operator finish unsupported.
	Operators map[unit.Type]Operator

	// Host performs immediate reboot and poweroff requests.
	Host HostController

	// Registerer, when set, has the engine's metrics registered on it
	// for the lifetime of the engine.
	Registerer prometheus.Registerer

	// SystemInstance marks the engine as driving the whole host.
	// Engines that are not downgrade host-level emergency actions to
	// plain exits.
	SystemInstance bool

	// ServiceWatchdogs enables watchdog-sourced emergency actions.
	ServiceWatchdogs bool

	// DefaultJobTimeout applies to units that do not set a job
	// timeout of their own. Zero keeps the built-in default.
	DefaultJobTimeout time.Duration

	// DefaultStartLimitInterval and DefaultStartLimitBurst shape the
	// start limiter of units that do not configure one. Zero keeps
	// the built-in defaults.
	DefaultStartLimitInterval time.Duration
	DefaultStartLimitBurst    int

	// RebootTarget, PoweroffTarget and ExitTarget name the units the
	// corresponding plain emergency actions start. Empty fields keep
	// the conventional names.
	RebootTarget   unit.Name
	PoweroffTarget unit.Name
	ExitTarget     unit.Name
}

// Validate returns an error when the configuration cannot run an
// engine.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Loader == nil {
		return errors.NotValidf("nil Loader")
	}
	if config.Host == nil {
		return errors.NotValidf("nil Host")
	}
	return nil
}

// Engine is a worker that owns the unit graph and the job queue. All
// state is confined to the loop goroutine; the exported methods hand
// work to it and wait for the answer.
type Engine struct {
	catacomb catacomb.Catacomb
	config   Config

	logger    logger.Logger
	clock     clock.Clock
	hub       *pubsub.SimpleHub
	loader    Loader
	operators map[unit.Type]Operator
	host      HostController
	metrics   *Collector

	systemInstance   bool
	serviceWatchdogs bool
	defaults         engineDefaults
	rebootTarget     unit.Name
	poweroffTarget   unit.Name
	exitTarget       unit.Name

	registry  *registry
	jobs      map[job.ID]*Job
	jobSerial job.ID

	calls chan call
}

// call is one piece of work the loop runs on behalf of an exported
// method.
type call struct {
	run  func(ctx context.Context) error
	done chan error
}

// NewEngine returns a running Engine. It stops when killed, or with
// one of the terminal errors when an emergency action requires the
// hosting process to act.
func NewEngine(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	e := &Engine{
		config:           config,
		logger:           config.Logger,
		clock:            config.Clock,
		hub:              config.Hub,
		loader:           config.Loader,
		operators:        config.Operators,
		host:             config.Host,
		metrics:          NewMetricsCollector(),
		systemInstance:   config.SystemInstance,
		serviceWatchdogs: config.ServiceWatchdogs,
		defaults: engineDefaults{
			jobTimeout:         config.DefaultJobTimeout,
			startLimitInterval: config.DefaultStartLimitInterval,
			startLimitBurst:    config.DefaultStartLimitBurst,
		},
		rebootTarget:   config.RebootTarget,
		poweroffTarget: config.PoweroffTarget,
		exitTarget:     config.ExitTarget,
		registry:       newRegistry(),
		jobs:           make(map[job.ID]*Job),
		calls:          make(chan call),
	}
	if e.defaults.jobTimeout == 0 {
		e.defaults.jobTimeout = defaultJobTimeout
	}
	if e.defaults.startLimitInterval == 0 {
		e.defaults.startLimitInterval = defaultStartLimitInterval
	}
	if e.defaults.startLimitBurst == 0 {
		e.defaults.startLimitBurst = defaultStartLimitBurst
	}
	if e.rebootTarget == "" {
		e.rebootTarget = defaultRebootTarget
	}
	if e.poweroffTarget == "" {
		e.poweroffTarget = defaultPoweroffTarget
	}
	if e.exitTarget == "" {
		e.exitTarget = defaultExitTarget
	}

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &e.catacomb,
		Work: e.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return e, nil
}

// Kill is part of the worker.Worker interface.
func (e *Engine) Kill() {
	e.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (e *Engine) Wait() error {
	return e.catacomb.Wait()
}

func (e *Engine) loop() error {
	if e.config.Registerer != nil {
		_ = e.config.Registerer.Register(e.metrics)
		defer e.config.Registerer.Unregister(e.metrics)
	}
	ctx, cancel := e.scopedContext()
	defer cancel()

	timer := e.clock.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		// Settle the queue: dispatching, collecting and expiring all
		// create work for each other, so repeat until quiet.
		for {
			e.dispatch(ctx)
			e.collectGarbage(ctx)
			if e.expireJobs(ctx) == 0 {
				break
			}
		}
		e.updateGauges()
		next, ok := e.nextDeadline()
		e.setDeadlineTimer(timer, next, ok)

		select {
		case <-e.catacomb.Dying():
			return e.catacomb.ErrDying()
		case c := <-e.calls:
			c.done <- c.run(ctx)
		case <-timer.Chan():
		}
	}
}

func (e *Engine) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(e.catacomb.Context(context.Background()))
}

// setDeadlineTimer arms the loop timer for the next job deadline, or
// leaves it quiet when nothing is due.
func (e *Engine) setDeadlineTimer(timer clock.Timer, next time.Time, ok bool) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
	if !ok {
		return
	}
	d := next.Sub(e.clock.Now())
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

// call runs fn on the loop goroutine and waits for it. It returns
// ErrStopped when the engine goes away first.
func (e *Engine) call(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	select {
	case <-e.catacomb.Dying():
		return ErrStopped
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case e.calls <- call{run: fn, done: done}:
	}
	select {
	case <-e.catacomb.Dying():
		return ErrStopped
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case err := <-done:
		return errors.Trace(err)
	}
}

func (e *Engine) nextJobID() job.ID {
	e.jobSerial++
	return e.jobSerial
}

func (e *Engine) updateGauges() {
	counts := make(map[unit.ActiveState]int)
	for _, u := range e.registry.all() {
		counts[u.activeState]++
	}
	e.metrics.snapshot(counts, len(e.jobs))
}

// JobRequest describes one job request for AddJob.
type JobRequest struct {
	// Unit anchors the transaction.
	Unit unit.Name

	// Type is the requested job type.
	Type job.Type

	// Mode picks the collision strategy against already queued jobs.
	Mode job.Mode

	// IgnoreOrder releases the anchor job from ordering constraints.
	IgnoreOrder bool

	// IgnoreRequirements skips dependency expansion for the anchor.
	IgnoreRequirements bool
}

// AddJob expands req into a transaction and installs it, returning
// the id of the anchor job.
func (e *Engine) AddJob(ctx context.Context, req JobRequest) (job.ID, error) {
	var id job.ID
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		id, err = e.runTransaction(ctx, req.Unit, req.Type, req.Mode, txnFlags{
			IgnoreOrder:        req.IgnoreOrder,
			IgnoreRequirements: req.IgnoreRequirements,
		})
		return errors.Trace(err)
	})
	return id, errors.Trace(err)
}

// CancelJob removes the identified job from the queue.
func (e *Engine) CancelJob(ctx context.Context, id job.ID) error {
	return errors.Trace(e.call(ctx, func(ctx context.Context) error {
		return e.cancelJob(ctx, id)
	}))
}

// DeliverJobResult reports the outcome of a running operation.
func (e *Engine) DeliverJobResult(ctx context.Context, id job.ID, result job.Result) error {
	return errors.Trace(e.call(ctx, func(ctx context.Context) error {
		return e.deliverJobResult(ctx, id, result)
	}))
}

// DeliverUnitState reports a unit state observed outside any job, for
// example a service exiting on its own. The invocation id may be
// empty when the observer does not track one.
func (e *Engine) DeliverUnitState(ctx context.Context, name unit.Name, state unit.ActiveState, invocationID string) error {
	return errors.Trace(e.call(ctx, func(ctx context.Context) error {
		return e.deliverUnitState(ctx, name, state, invocationID)
	}))
}

// StartTransient registers a unit that exists only for this engine's
// lifetime and queues its start.
func (e *Engine) StartTransient(ctx context.Context, name unit.Name, def Definition, mode job.Mode) (job.ID, error) {
	var id job.ID
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		id, err = e.startTransient(ctx, name, def, mode)
		return errors.Trace(err)
	})
	return id, errors.Trace(err)
}

// TriggerEmergency performs an emergency action on request.
// ActionNone cancels: it logs and does nothing, so callers can route
// configurable actions here unconditionally.
func (e *Engine) TriggerEmergency(ctx context.Context, action Action, exitStatus int, fromWatchdog bool, reason string) error {
	return errors.Trace(e.call(ctx, func(ctx context.Context) error {
		if !normalizeAction(action).Valid() {
			return errors.NotValidf("action %q", action)
		}
		e.performAction(ctx, action, exitStatus, fromWatchdog, reason)
		return nil
	}))
}

// Units returns a snapshot of every known unit, sorted by name.
func (e *Engine) Units(ctx context.Context) ([]UnitInfo, error) {
	var out []UnitInfo
	err := e.call(ctx, func(ctx context.Context) error {
		for _, u := range e.registry.all() {
			out = append(out, u.info())
		}
		return nil
	})
	return out, errors.Trace(err)
}

// Unit returns a snapshot of one unit, found under any of its names.
func (e *Engine) Unit(ctx context.Context, name unit.Name) (UnitInfo, error) {
	var out UnitInfo
	err := e.call(ctx, func(ctx context.Context) error {
		u, ok := e.registry.get(name)
		if !ok {
			return errors.NotFoundf("unit %q", name)
		}
		out = u.info()
		return nil
	})
	return out, errors.Trace(err)
}

// Jobs returns a snapshot of the job queue, oldest job first.
func (e *Engine) Jobs(ctx context.Context) ([]JobInfo, error) {
	var out []JobInfo
	err := e.call(ctx, func(ctx context.Context) error {
		for _, j := range e.jobsInOrder() {
			out = append(out, *j.info())
		}
		return nil
	})
	return out, errors.Trace(err)
}

// ReloadDefinitions drops every definition-sourced dependency edge and
// re-resolves the file-backed units through the loader, picking up
// definition changes. Transient units are left alone and queued jobs
// survive.
func (e *Engine) ReloadDefinitions(ctx context.Context) error {
	return errors.Trace(e.call(ctx, func(ctx context.Context) error {
		e.reloadDefinitions(ctx)
		return nil
	}))
}

// Report summarises the engine's units and queue for introspection,
// for example the daemon's state dump signal.
func (e *Engine) Report() map[string]interface{} {
	out := make(map[string]interface{})
	_ = e.call(context.Background(), func(ctx context.Context) error {
		counts := make(map[string]int)
		for _, u := range e.registry.all() {
			counts[u.activeState.String()]++
		}
		out["units"] = counts
		out["jobs"] = len(e.jobs)
		return nil
	})
	return out
}

// ensureLoaded resolves a stub through the loader. Loading failures
// are recorded on the unit rather than returned, because how much they
// matter depends on who needs the unit. Callers must keep using the
// returned unit: a definition can fold the stub into a unit already
// known under another name.
func (e *Engine) ensureLoaded(ctx context.Context, u *Unit) (*Unit, error) {
	if u.loadState != unit.LoadStub {
		return u, nil
	}
	def, err := e.loader.Load(ctx, u.name)
	switch {
	case errors.Is(err, ErrUnitMasked):
		u.loadState = unit.LoadMasked
		return u, nil
	case errors.Is(err, errors.NotFound):
		u.loadState = unit.LoadNotFound
		return u, nil
	case err != nil:
		u.loadState = unit.LoadError
		u.loadErr = err
		e.logger.Errorf(ctx, "loading %q: %v", u.name, err)
		return u, nil
	}
	if err := e.applyLoaded(u, def, OriginDefinition); err != nil {
		u.loadState = unit.LoadError
		u.loadErr = err
		e.logger.Errorf(ctx, "loading %q: %v", u.name, err)
		return u, nil
	}
	u.loadState = unit.LoadLoaded
	e.logger.Debugf(ctx, "loaded unit %q", u.name)
	return u, nil
}

// applyLoaded copies a definition onto u and records its declared
// dependencies, aliases and default dependencies in the registry.
func (e *Engine) applyLoaded(u *Unit, def Definition, origin Origin) error {
	u.applyDefinition(def, e.clock, e.defaults)
	u.declared[origin] = def.Dependencies
	for _, d := range def.Dependencies {
		if !d.Kind.Valid() {
			return errors.NotValidf("dependency kind %q of %q", d.Kind, u.name)
		}
		target, err := e.registry.getOrCreate(d.Target)
		if err != nil {
			return errors.Annotatef(err, "dependency of %q", u.name)
		}
		e.registry.addDependency(u, d.Kind, target, origin)
	}
	for _, a := range def.Aliases {
		if a.Type() != u.utype {
			return errors.NotValidf("alias %q of %q", a, u.name)
		}
		other, err := e.registry.getOrCreate(a)
		if err != nil {
			return errors.Annotatef(err, "alias of %q", u.name)
		}
		if err := e.registry.merge(u, other); err != nil {
			return errors.Trace(err)
		}
	}
	if !def.NoDefaultDependencies {
		e.addDefaultDependencies(u)
	}
	return nil
}

// addDefaultDependencies wires a unit into the engine's shutdown
// logic: starting a shutdown target stops the unit, and the target
// waits for those stops. These edges carry the default origin, the
// only one the cycle breaker may drop.
func (e *Engine) addDefaultDependencies(u *Unit) {
	for _, name := range []unit.Name{e.rebootTarget, e.poweroffTarget, e.exitTarget} {
		if u.name == name {
			return
		}
	}
	for _, name := range []unit.Name{e.rebootTarget, e.poweroffTarget, e.exitTarget} {
		target, err := e.registry.getOrCreate(name)
		if err != nil {
			continue
		}
		e.registry.addDependency(u, unit.KindConflicts, target, OriginDefault)
		e.registry.addDependency(u, unit.KindBefore, target, OriginDefault)
	}
}

// startTransient registers a transient unit and queues its start. Dead
// transient units may be redefined in place.
func (e *Engine) startTransient(ctx context.Context, name unit.Name, def Definition, mode job.Mode) (job.ID, error) {
	u, err := e.registry.getOrCreate(name)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if u.j != nil {
		return 0, errors.Annotatef(ErrUnitBusy, "unit %q has job %s", name, u.j)
	}
	if u.loadState != unit.LoadStub && !(u.transient && u.activeState.IsDown()) {
		return 0, errors.AlreadyExistsf("unit %q", name)
	}
	e.registry.removeDependenciesByOrigin(u, OriginTransient)
	if err := e.applyLoaded(u, def, OriginTransient); err != nil {
		return 0, errors.Trace(err)
	}
	u.transient = true
	u.loadState = unit.LoadLoaded
	defCopy := def
	u.transientDef = &defCopy
	e.logger.Infof(ctx, "registered transient unit %q", name)
	id, err := e.runTransaction(ctx, name, job.TypeStart, mode, txnFlags{})
	return id, errors.Trace(err)
}

// reloadDefinitions re-resolves every file-backed unit. Edges from the
// old definitions go away; queued jobs and runtime state stay.
func (e *Engine) reloadDefinitions(ctx context.Context) {
	for _, u := range e.registry.all() {
		if u.transient || u.loadState == unit.LoadStub {
			continue
		}
		e.registry.removeDependenciesByOrigin(u, OriginDefinition)
		u.loadState = unit.LoadStub
		u.loadErr = nil
		if _, err := e.ensureLoaded(ctx, u); err != nil {
			e.logger.Errorf(ctx, "reloading %q: %v", u.name, err)
		}
	}
}
