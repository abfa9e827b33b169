// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/renameio/v2"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/logger"
	"github.com/canonical/cairn/core/unit"
	"github.com/canonical/cairn/internal/engine"
	"github.com/canonical/cairn/internal/worker/execoperator"
	"github.com/canonical/cairn/internal/worker/signalhandler"
)

// The units the daemon itself steers by. The shutdown targets are
// passed to the engine so plain emergency actions start them, and
// watched here so the daemon knows when to leave.
const (
	defaultTarget  = unit.Name("default.target")
	rebootTarget   = unit.Name("reboot.target")
	poweroffTarget = unit.Name("poweroff.target")
	exitTarget     = unit.Name("exit.target")
)

// daemon ties the engine, the exec operator and the signal watcher
// together for one run of the manager.
type daemon struct {
	config  Config
	logger  logger.Logger
	clock   clock.Clock
	signals <-chan os.Signal
}

func newDaemon(config Config, logger logger.Logger, clock clock.Clock, signals <-chan os.Signal) *daemon {
	return &daemon{
		config:  config,
		logger:  logger,
		clock:   clock,
		signals: signals,
	}
}

// Run brings the manager up, lets it run until a shutdown target
// activates or the engine stops, and returns the process exit code.
func (d *daemon) Run(ctx context.Context) int {
	hub := pubsub.NewSimpleHub(nil)
	loader := NewDirLoader(d.config.UnitsDir, d.logger.Child("loader"))
	host := NewHostControl(d.logger.Child("host"))

	operator, err := execoperator.New(execoperator.Config{
		Logger:    d.logger.Child("exec"),
		Clock:     d.clock,
		StopGrace: d.config.StopGrace,
	})
	if err != nil {
		d.logger.Criticalf(ctx, "building exec operator: %v", err)
		return 1
	}
	defer func() { _ = worker.Stop(operator) }()

	var registry *prometheus.Registry
	if d.config.MetricsAddr != "" {
		registry = prometheus.NewRegistry()
		stop := d.serveMetrics(ctx, registry)
		defer stop()
	}

	e, err := d.buildEngine(loader, operator, host, hub, registry)
	if err != nil {
		d.logger.Criticalf(ctx, "building engine: %v", err)
		return 1
	}
	operator.Bind(e)

	if e, err = d.restoreState(ctx, e, loader, operator, host, hub, registry); err != nil {
		d.logger.Criticalf(ctx, "recovering from bad state ledger: %v", err)
		return 1
	}

	shutdownCh := make(chan engine.Action, 1)
	unsub := hub.Subscribe(engine.TopicUnitState, func(_ string, data interface{}) {
		m, ok := data.(engine.UnitStateChange)
		if !ok || m.New != unit.Active {
			return
		}
		var a engine.Action
		switch m.Unit {
		case rebootTarget:
			a = engine.ActionReboot
		case poweroffTarget:
			a = engine.ActionPoweroff
		case exitTarget:
			a = engine.ActionExit
		default:
			return
		}
		select {
		case shutdownCh <- a:
		default:
		}
	})
	defer unsub()

	d.boot(ctx, e)

	watcher, err := signalhandler.NewWatcher(signalhandler.Config{
		Logger:  d.logger.Child("signals"),
		Signals: d.signals,
		Handler: d.handleSignal(e),
	})
	if err != nil {
		d.logger.Criticalf(ctx, "building signal watcher: %v", err)
		_ = worker.Stop(e)
		return 1
	}

	engineDone := make(chan error, 1)
	go func() { engineDone <- e.Wait() }()
	watcherDone := make(chan error, 1)
	go func() { watcherDone <- watcher.Wait() }()

	select {
	case action := <-shutdownCh:
		d.logger.Infof(ctx, "shutting down: %s", action)
		_ = worker.Stop(watcher)
		d.saveState(ctx, e)
		_ = worker.Stop(e)
		return d.carryOut(ctx, host, action)

	case err := <-engineDone:
		_ = worker.Stop(watcher)
		return d.engineExit(ctx, host, err)

	case err := <-watcherDone:
		d.logger.Errorf(ctx, "signal watcher stopped: %v", err)
		d.saveState(ctx, e)
		_ = worker.Stop(e)
		return 1
	}
}

// buildEngine constructs the engine with the daemon's collaborators.
func (d *daemon) buildEngine(
	loader engine.Loader,
	operator *execoperator.Operator,
	host engine.HostController,
	hub *pubsub.SimpleHub,
	registry *prometheus.Registry,
) (*engine.Engine, error) {
	var registerer prometheus.Registerer
	if registry != nil {
		registerer = registry
	}
	e, err := engine.NewEngine(engine.Config{
		Clock:  d.clock,
		Logger: d.logger.Child("engine"),
		Hub:    hub,
		Loader: loader,
		Operators: map[unit.Type]engine.Operator{
			unit.TypeService: operator,
		},
		Host:                      host,
		Registerer:                registerer,
		SystemInstance:            d.config.SystemInstance,
		ServiceWatchdogs:          d.config.ServiceWatchdogs,
		DefaultJobTimeout:         d.config.JobTimeout,
		DefaultStartLimitInterval: d.config.StartLimitInterval,
		DefaultStartLimitBurst:    d.config.StartLimitBurst,
		RebootTarget:              rebootTarget,
		PoweroffTarget:            poweroffTarget,
		ExitTarget:                exitTarget,
	})
	return e, errors.Trace(err)
}

// restoreState reloads the previous run's ledger into e. A missing
// ledger is a cold boot. A ledger the engine refuses can leave it
// half-populated, so the engine is rebuilt empty before carrying on.
func (d *daemon) restoreState(
	ctx context.Context,
	e *engine.Engine,
	loader engine.Loader,
	operator *execoperator.Operator,
	host engine.HostController,
	hub *pubsub.SimpleHub,
	registry *prometheus.Registry,
) (*engine.Engine, error) {
	path := filepath.Join(d.config.DataDir, ledgerFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return e, nil
	} else if err != nil {
		d.logger.Errorf(ctx, "reading state ledger: %v", err)
		return e, nil
	}
	if err := e.Restore(ctx, bytes.NewReader(data)); err != nil {
		d.logger.Errorf(ctx, "restoring %s, starting clean: %v", path, err)
		_ = worker.Stop(e)
		e, err = d.buildEngine(loader, operator, host, hub, registry)
		if err != nil {
			return nil, errors.Trace(err)
		}
		operator.Bind(e)
		return e, nil
	}
	d.scrubShutdownTargets(ctx, e)
	return e, nil
}

// scrubShutdownTargets resets shutdown targets a restored ledger may
// carry as reached. This run has not reached them, and a target stuck
// active would swallow the transition the daemon leaves on.
func (d *daemon) scrubShutdownTargets(ctx context.Context, e *engine.Engine) {
	for _, target := range []unit.Name{rebootTarget, poweroffTarget, exitTarget} {
		err := e.DeliverUnitState(ctx, target, unit.Inactive, "")
		if err != nil && !errors.Is(err, errors.NotFound) {
			d.logger.Errorf(ctx, "resetting %s: %v", target, err)
		}
	}
}

// boot queues the start of the default target, unless a restored queue
// is already driving the system somewhere.
func (d *daemon) boot(ctx context.Context, e *engine.Engine) {
	jobs, err := e.Jobs(ctx)
	if err != nil {
		d.logger.Errorf(ctx, "inspecting restored jobs: %v", err)
		return
	}
	if len(jobs) > 0 {
		d.logger.Infof(ctx, "resuming %d restored jobs", len(jobs))
		return
	}
	id, err := e.AddJob(ctx, engine.JobRequest{
		Unit: defaultTarget,
		Type: job.TypeStart,
		Mode: job.ModeReplace,
	})
	if err != nil {
		d.logger.Errorf(ctx, "starting %s: %v", defaultTarget, err)
		return
	}
	d.logger.Infof(ctx, "booting %s as job %d", defaultTarget, id)
}

// handleSignal maps process signals onto manager operations.
func (d *daemon) handleSignal(e *engine.Engine) signalhandler.HandlerFunc {
	return func(ctx context.Context, sig os.Signal) error {
		switch sig {
		case syscall.SIGHUP:
			if err := e.ReloadDefinitions(ctx); err != nil {
				d.logger.Errorf(ctx, "reloading definitions: %v", err)
			}
		case syscall.SIGUSR2:
			d.logReport(ctx, e)
		case syscall.SIGTERM, syscall.SIGINT:
			err := e.TriggerEmergency(ctx, engine.ActionExit, 0, false,
				"got signal "+sig.String())
			if err != nil && !errors.Is(err, engine.ErrStopped) {
				d.logger.Errorf(ctx, "requesting exit: %v", err)
			}
		default:
			d.logger.Debugf(ctx, "ignoring signal %v", sig)
		}
		return nil
	}
}

// logReport dumps the engine's introspection report to the log.
func (d *daemon) logReport(ctx context.Context, e *engine.Engine) {
	data, err := yaml.Marshal(e.Report())
	if err != nil {
		d.logger.Errorf(ctx, "marshalling report: %v", err)
		return
	}
	d.logger.Infof(ctx, "state report:\n%s", data)
}

// saveState writes the engine's ledger for the next run. The write is
// atomic; a crash mid-save leaves the previous ledger in place.
func (d *daemon) saveState(ctx context.Context, e *engine.Engine) {
	var buf bytes.Buffer
	if err := e.Serialize(ctx, &buf); err != nil {
		d.logger.Errorf(ctx, "serializing state: %v", err)
		return
	}
	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		d.logger.Errorf(ctx, "creating %s: %v", d.config.DataDir, err)
		return
	}
	path := filepath.Join(d.config.DataDir, ledgerFile)
	if err := renameio.WriteFile(path, buf.Bytes(), 0600); err != nil {
		d.logger.Errorf(ctx, "writing %s: %v", path, err)
		return
	}
	d.logger.Debugf(ctx, "state saved to %s", path)
}

// carryOut performs the host side of a completed shutdown transaction.
func (d *daemon) carryOut(ctx context.Context, host engine.HostController, action engine.Action) int {
	var err error
	switch action {
	case engine.ActionReboot:
		err = host.Reboot(ctx)
	case engine.ActionPoweroff:
		err = host.Poweroff(ctx)
	}
	if err != nil {
		d.logger.Criticalf(ctx, "%s: %v", action, err)
		return 1
	}
	return 0
}

// engineExit maps the engine's own death onto an exit code, carrying
// out forced reboot and poweroff requests on the way. Forced paths do
// not save state: they exist to leave NOW, and a stale ledger is worse
// than none.
func (d *daemon) engineExit(ctx context.Context, host engine.HostController, err error) int {
	if code, ok := engine.IsExitRequest(err); ok {
		d.logger.Infof(ctx, "exiting with code %d: %v", code, err)
		return code
	}
	if engine.IsRebootRequest(err) {
		return d.carryOut(ctx, host, engine.ActionReboot)
	}
	if engine.IsShutdownRequest(err) {
		return d.carryOut(ctx, host, engine.ActionPoweroff)
	}
	if err == nil || errors.Is(err, engine.ErrStopped) {
		return 0
	}
	d.logger.Criticalf(ctx, "engine stopped: %v", err)
	return 1
}

// serveMetrics exposes registry on the configured address until the
// returned stop function runs.
func (d *daemon) serveMetrics(ctx context.Context, registry *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: d.config.MetricsAddr, Handler: mux}
	go func() {
		d.logger.Infof(ctx, "serving metrics on %s", d.config.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Errorf(ctx, "metrics server: %v", err)
		}
	}()
	return func() { _ = srv.Close() }
}
