// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package operator runs reconciliations one at a time, in trigger
// delivery order. The platform already serializes event delivery to a
// unit; this worker preserves that guarantee for anything embedding
// the controller in-process.
package operator

import (
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/canonical/karma-operator/core/status"
)

// Reconciler runs one reconciliation cycle.
type Reconciler interface {
	Reconcile(trigger string) (status.Info, error)
}

// Config holds the worker's dependencies.
type Config struct {
	Reconciler Reconciler
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Reconciler == nil {
		return errors.NotValidf("nil Reconciler")
	}
	return nil
}

// Worker serializes reconciliation triggers. A reconciliation in
// flight is never cancelled; Kill takes effect between cycles.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	triggers chan string
}

// NewWorker returns a started Worker.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "validating config")
	}
	w := &Worker{
		config:   config,
		triggers: make(chan string),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill implements worker.Worker.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait implements worker.Worker.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// Notify hands a trigger to the worker, blocking until the worker
// accepts it or stops.
func (w *Worker) Notify(trigger string) error {
	select {
	case w.triggers <- trigger:
		return nil
	case <-w.catacomb.Dying():
		return errors.New("operator worker stopping")
	}
}

func (w *Worker) loop() error {
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case trigger := <-w.triggers:
			if _, err := w.config.Reconciler.Reconcile(trigger); err != nil {
				// Relation store corruption; let the platform
				// redeliver the event.
				return errors.Annotatef(err, "reconciling (%s)", trigger)
			}
		}
	}
}
