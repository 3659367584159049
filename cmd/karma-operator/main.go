// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// karma-operator is the dispatch entrypoint the unit agent invokes
// once per lifecycle event. It wires the hook-tool relation store,
// the pebble workload adapter and the reconciler, feeds the single
// trigger through the operator worker and exits.
package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/canonical/pebble/client"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	k8sclient "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/canonical/karma-operator/internal/karma"
	k8spatch "github.com/canonical/karma-operator/internal/kubernetes"
	"github.com/canonical/karma-operator/internal/operator"
	"github.com/canonical/karma-operator/internal/reconciler"
	"github.com/canonical/karma-operator/internal/relation"
	"github.com/canonical/karma-operator/internal/workload"
)

var logger = loggo.GetLogger("karma.cmd")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := loggo.ConfigureLoggers("<root>=INFO"); err != nil {
		return errors.Trace(err)
	}

	store, err := relation.NewHookContextStore(relation.ExecRunner{}, os.Getenv("JUJU_UNIT_NAME"))
	if err != nil {
		return errors.Trace(err)
	}

	pebble, err := client.New(&client.Config{Socket: pebbleSocket()})
	if err != nil {
		return errors.Trace(err)
	}
	adapter, err := workload.NewAdapter(workload.Config{
		Pebble: pebble,
		Probe:  karma.NewClient(fmt.Sprintf("http://localhost:%d", karma.DefaultPort)),
		Clock:  clock.WallClock,
	})
	if err != nil {
		return errors.Trace(err)
	}
	rec, err := reconciler.New(reconciler.Config{
		Store:    store,
		Workload: adapter,
	})
	if err != nil {
		return errors.Trace(err)
	}

	trigger := hookName()
	switch trigger {
	case "install", "upgrade-charm":
		// The service Juju creates needs its web port exposed; a
		// failure here is logged and repaired on the next upgrade.
		patchService(store)
	}

	w, err := operator.NewWorker(operator.Config{Reconciler: rec})
	if err != nil {
		return errors.Trace(err)
	}
	if err := w.Notify(trigger); err != nil {
		w.Kill()
		_ = w.Wait()
		return errors.Trace(err)
	}
	w.Kill()
	return errors.Trace(w.Wait())
}

// hookName returns the name of the event being dispatched.
func hookName() string {
	if p := os.Getenv("JUJU_DISPATCH_PATH"); p != "" {
		return path.Base(p)
	}
	return os.Getenv("JUJU_HOOK_NAME")
}

func pebbleSocket() string {
	if s := os.Getenv("PEBBLE_SOCKET"); s != "" {
		return s
	}
	return "/charm/containers/karma/pebble.socket"
}

// patchService rewrites the application's Kubernetes service ports.
// Leader-only; errors are logged, never fatal.
func patchService(store relation.Store) {
	isLeader, err := store.IsLeader()
	if err != nil || !isLeader {
		return
	}
	cfg, err := rest.InClusterConfig()
	if err != nil {
		logger.Errorf("unable to patch the Kubernetes service: %v", err)
		return
	}
	clientset, err := k8sclient.NewForConfig(cfg)
	if err != nil {
		logger.Errorf("unable to patch the Kubernetes service: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	namespace := os.Getenv("JUJU_MODEL_NAME")
	err = k8spatch.PatchServicePorts(ctx, clientset, namespace, store.AppName(), karma.DefaultPort)
	if err != nil {
		logger.Errorf("unable to patch the Kubernetes service: %v", err)
	}
}
