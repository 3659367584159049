// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconciler drives the karma workload towards the state
// implied by the unit's relations and configuration. Every trigger,
// whatever its kind, runs the same path: snapshot the relation data,
// build the desired state, apply the difference, republish outbound
// data and report status. Any state the controller derives is
// re-derivable on the next trigger, so a failed cycle needs no
// cleanup beyond being re-run.
package reconciler

import (
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"

	"github.com/canonical/karma-operator/core/status"
	"github.com/canonical/karma-operator/internal/desired"
	"github.com/canonical/karma-operator/internal/karma"
	"github.com/canonical/karma-operator/internal/relation"
	"github.com/canonical/karma-operator/internal/workload"
)

var logger = loggo.GetLogger("karma.reconciler")

// WorkloadAdapter is the slice of the workload adapter the reconciler
// uses. *workload.Adapter satisfies it.
type WorkloadAdapter interface {
	// Ready reports whether the workload container can be driven at
	// all.
	Ready() bool

	// Apply converges the running workload on the desired state.
	Apply(st desired.State, bundle *relation.CertificateBundle) workload.Result
}

// Config holds a Reconciler's dependencies.
type Config struct {
	Store    relation.Store
	Workload WorkloadAdapter

	// Port is the workload's web port; zero selects the default.
	Port int
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Workload == nil {
		return errors.NotValidf("nil Workload")
	}
	return nil
}

// Reconciler owns the desired and applied state for the lifetime of
// the unit process. It is not safe for concurrent use; the platform
// delivers events to a unit serially and the operator worker
// preserves that.
type Reconciler struct {
	store    relation.Store
	workload WorkloadAdapter
	port     int
}

// New returns a Reconciler.
func New(config Config) (*Reconciler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "validating config")
	}
	port := config.Port
	if port == 0 {
		port = karma.DefaultPort
	}
	return &Reconciler{
		store:    config.Store,
		workload: config.Workload,
		port:     port,
	}, nil
}

// Reconcile runs one full cycle and reports the derived unit status.
// The trigger reason is used for logging only; it never selects a
// different code path. A returned error means the relation store
// itself misbehaved and the event should be redelivered by the
// platform.
func (r *Reconciler) Reconcile(trigger string) (status.Info, error) {
	info, err := r.reconcile(trigger)
	if err != nil {
		return status.Info{}, errors.Trace(err)
	}
	if err := r.store.SetStatus(info); err != nil {
		return status.Info{}, errors.Annotate(err, "setting status")
	}
	logger.Infof("reconciled (%s): %s %q", trigger, info.Status, info.Message)
	return info, nil
}

func (r *Reconciler) reconcile(trigger string) (status.Info, error) {
	logger.Debugf("reconciling (%s)", trigger)

	// The container and address waits are platform startup, not a
	// dependency the unit asked for; they report as maintenance.
	if !r.workload.Ready() {
		return maintenance("workload container not ready"), nil
	}

	bindAddress, err := r.store.BindAddress()
	if errors.IsNotFound(err) {
		return maintenance("waiting for IP address"), nil
	} else if err != nil {
		return status.Info{}, errors.Trace(err)
	}

	if err := r.ensurePeerState(); err != nil {
		if errors.IsForbidden(err) {
			// Leadership raced away between the check and the write.
			// No retry; the next leader-elected event resolves it.
			logger.Errorf("publishing peer state: %v", err)
			return errored(err.Error()), nil
		}
		return status.Info{}, errors.Trace(err)
	}

	cfg, err := r.store.CharmConfig()
	if err != nil {
		return status.Info{}, errors.Trace(err)
	}
	hostname := cfg.ExternalHostname
	if hostname == "" {
		hostname = r.store.AppName() + ".juju"
	}

	sources, err := r.store.DashboardSources()
	if err != nil {
		return status.Info{}, errors.Trace(err)
	}

	var bundle *relation.CertificateBundle
	if b, err := r.store.CertificateBundle(hostname); err == nil {
		bundle = &b
	} else if !errors.IsNotFound(err) {
		return status.Info{}, errors.Trace(err)
	}

	st := desired.Build(desired.Inputs{
		Sources:          sources,
		Bundle:           bundle,
		ExternalHostname: hostname,
		BindAddress:      bindAddress,
		Port:             r.port,
	})

	if len(st.Sources) == 0 {
		// Karma has nothing to aggregate and would exit immediately;
		// do not poke the workload at all.
		return blocked("no dashboard sources"), nil
	}

	if !st.TLSEnabled {
		// TLS is desired whenever a certificates relation exists. A
		// hostname change invalidates both the old bundle and any
		// in-flight request; re-requesting is an idempotent no-op
		// when the hostname is unchanged.
		switch err := r.store.RequestCertificate(hostname); {
		case err == nil:
			return waiting("certificate pending"), nil
		case errors.IsNotFound(err):
			// No certificates relation; serve plaintext.
		default:
			return status.Info{}, errors.Trace(err)
		}
	}

	result := r.workload.Apply(st, bundle)
	if result.Verdict == workload.ResultReady {
		if err := r.store.PublishEndpoint(st.EndpointURI()); err != nil {
			return status.Info{}, errors.Trace(err)
		}
		if result.Version != "" {
			if err := r.store.SetApplicationVersion(result.Version); err != nil {
				logger.Errorf("setting application version: %v", err)
			}
		}
	}
	return report(result), nil
}

// ensurePeerState makes sure the replica-shared state exists. Only
// the leader originates it; everyone else consumes.
func (r *Reconciler) ensurePeerState() error {
	_, err := r.store.PeerState()
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return errors.Trace(err)
	}
	isLeader, err := r.store.IsLeader()
	if err != nil {
		return errors.Trace(err)
	}
	if !isLeader {
		return nil
	}
	secret, err := utils.RandomPassword()
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("publishing replica session secret")
	return errors.Trace(r.store.SetPeerState(relation.PeerState{SessionSecret: secret}))
}
