// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package relation gives the controller snapshot access to the data
// bags exchanged over the unit's relations: dashboard sources, peer
// replica state, certificate material and the outbound ingress and
// catalogue registrations.
//
// All reads are point-in-time; the reconciler re-reads on every
// trigger instead of subscribing to deltas. Writes become visible to
// related units only once the current hook completes.
package relation

import (
	"github.com/canonical/karma-operator/core/status"
)

// Endpoint names, as declared in the charm metadata.
const (
	DashboardEndpoint    = "dashboard"
	PeerEndpoint         = "replicas"
	CertificatesEndpoint = "certificates"
	IngressEndpoint      = "ingress"
	CatalogueEndpoint    = "catalogue"
)

// DashboardSource is one alertmanager-style source announced by a
// related unit for display on the dashboard.
type DashboardSource struct {
	Name string
	URI  string
}

// Valid reports whether the source carries the two required fields.
func (s DashboardSource) Valid() bool {
	return s.Name != "" && s.URI != ""
}

// SourceEntry is a DashboardSource together with where it came from.
// The relation id is the tie-breaker when two relations announce the
// same source name.
type SourceEntry struct {
	RelationID int
	Unit       string
	Source     DashboardSource
}

// PeerState is the state shared between the replicas of this
// application. Only the elected leader may originate it; every
// replica consumes it.
type PeerState struct {
	SessionSecret string
}

// CertificateBundle is the TLS material issued for a hostname by the
// certificates relation. A bundle whose hostname no longer matches
// the unit's external hostname is treated as absent.
type CertificateBundle struct {
	Hostname    string
	Certificate string
	PrivateKey  string
	CAChain     string
}

// CharmConfig holds the charm-level configuration knobs this
// controller reacts to.
type CharmConfig struct {
	ExternalHostname string
}

// Store reads and writes the unit's relation data bags. Reads are
// snapshots; absent data is reported with a NotFound error rather
// than a zero value so callers can tell "empty" from "missing".
type Store interface {
	// UnitName returns this unit's name, e.g. "karma/0".
	UnitName() string

	// AppName returns this unit's application name, e.g. "karma".
	AppName() string

	// IsLeader reports whether this unit currently holds leadership.
	IsLeader() (bool, error)

	// DashboardSources returns every source tuple currently visible
	// on the dashboard relations. Entries missing a name or uri are
	// skipped.
	DashboardSources() ([]SourceEntry, error)

	// PeerState returns the shared replica state, or NotFound if the
	// leader has not published it yet.
	PeerState() (PeerState, error)

	// SetPeerState publishes the shared replica state. It fails with
	// Forbidden when called by a non-leader and never mutates the
	// bag in that case.
	SetPeerState(PeerState) error

	// CertificateBundle returns the issued bundle for hostname, or
	// NotFound when nothing matching has been issued.
	CertificateBundle(hostname string) (CertificateBundle, error)

	// RequestCertificate asks the certificate provider for a bundle
	// covering hostname. Re-requesting the same hostname is a no-op;
	// a different hostname replaces the outstanding request. Returns
	// NotFound when no certificates relation exists.
	RequestCertificate(hostname string) error

	// PublishEndpoint announces this unit's reachable endpoint on the
	// ingress and catalogue relations. Unchanged values are not
	// rewritten, to avoid relation-data churn.
	PublishEndpoint(uri string) error

	// CharmConfig returns the charm configuration.
	CharmConfig() (CharmConfig, error)

	// BindAddress returns the unit's bound network address, or
	// NotFound while the platform has not allocated one.
	BindAddress() (string, error)

	// SetStatus reports the unit's status to the platform.
	SetStatus(status.Info) error

	// SetApplicationVersion reports the running workload version.
	SetApplicationVersion(version string) error
}
