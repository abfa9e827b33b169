// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package signalhandler runs a worker that turns process signals into
// calls on a handler. The daemon points it at an engine: termination
// signals become emergency actions, and housekeeping signals trigger
// reloads and state dumps without disturbing the worker.
package signalhandler

import (
	"context"
	"os"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/canonical/cairn/core/logger"
)

// HandlerFunc reacts to one received signal. Returning nil keeps the
// watcher running for the next signal; returning an error tears the
// watcher down and surfaces the error through Wait.
type HandlerFunc func(context.Context, os.Signal) error

// Config holds the dependencies of a Watcher.
type Config struct {
	// Logger receives the watcher's log output.
	Logger logger.Logger

	// Signals delivers the signals to react to. The caller owns the
	// channel and its signal.Notify registration.
	Signals <-chan os.Signal

	// Handler is called for every received signal.
	Handler HandlerFunc
}

// Validate returns an error when the configuration cannot run a
// watcher.
func (config Config) Validate() error {
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Signals == nil {
		return errors.NotValidf("nil Signals")
	}
	if config.Handler == nil {
		return errors.NotValidf("nil Handler")
	}
	return nil
}

// Watcher is a worker that dispatches received signals to a handler
// until the handler asks to stop or the watcher is killed.
type Watcher struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWatcher returns a running Watcher.
func NewWatcher(config Config) (*Watcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Watcher{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Watcher) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Watcher) Wait() error {
	return w.catacomb.Wait()
}

func (w *Watcher) loop() error {
	ctx := w.catacomb.Context(context.Background())
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case sig, ok := <-w.config.Signals:
			if !ok {
				return errors.New("signal channel closed")
			}
			w.config.Logger.Debugf(ctx, "received signal %v", sig)
			if err := w.config.Handler(ctx, sig); err != nil {
				return errors.Trace(err)
			}
		}
	}
}
