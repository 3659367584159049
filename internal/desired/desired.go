// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package desired computes the configuration the workload ought to be
// running from the currently known external inputs. Build is a pure,
// total function: it never fails and it emits no side effects, so the
// reconciler can call it on every trigger and diff the result against
// whatever was applied last.
package desired

import (
	"fmt"

	"github.com/juju/collections/set"

	"github.com/canonical/karma-operator/internal/karma"
	"github.com/canonical/karma-operator/internal/relation"
)

// Inputs are the external observations a reconciliation snapshot
// collects. Absent inputs are zero values; Build maps them to an
// explicit empty state rather than an error.
type Inputs struct {
	// Sources is every dashboard source tuple currently visible.
	Sources []relation.SourceEntry

	// Bundle is the issued certificate bundle, nil when absent.
	Bundle *relation.CertificateBundle

	// ExternalHostname is the address this unit is reachable at from
	// outside the model.
	ExternalHostname string

	// BindAddress is the unit's bound network address.
	BindAddress string

	// Port is the workload's web port.
	Port int
}

// State is the desired configuration for the workload. It is rebuilt
// in full on every cycle and never patched incrementally.
type State struct {
	// Sources is the deduplicated server list in stable name order.
	Sources []relation.DashboardSource

	// TLSEnabled is true iff a certificate bundle matching the
	// current external hostname is present.
	TLSEnabled bool

	// ListenAddress and Port describe the workload listener.
	ListenAddress string
	Port          int

	// ExternalHostname is carried through for endpoint publication.
	ExternalHostname string
}

// Build derives the desired state from the inputs.
//
// Duplicate source names are resolved in favour of the entry from the
// highest relation id: the most recently created relation wins. This
// is a tie-break, not a merge. The surviving entries are ordered by
// name so the rendered configuration is identical regardless of
// arrival order.
func Build(in Inputs) State {
	chosen := make(map[string]relation.SourceEntry)
	names := set.NewStrings()
	for _, entry := range in.Sources {
		if !entry.Source.Valid() {
			continue
		}
		name := entry.Source.Name
		if prev, ok := chosen[name]; ok && prev.RelationID >= entry.RelationID {
			continue
		}
		chosen[name] = entry
		names.Add(name)
	}
	sources := make([]relation.DashboardSource, 0, names.Size())
	for _, name := range names.SortedValues() {
		sources = append(sources, chosen[name].Source)
	}

	return State{
		Sources:          sources,
		TLSEnabled:       in.Bundle != nil && in.Bundle.Hostname == in.ExternalHostname,
		ListenAddress:    in.BindAddress,
		Port:             in.Port,
		ExternalHostname: in.ExternalHostname,
	}
}

// WorkloadConfig renders the state as the workload's configuration
// document model.
func (s State) WorkloadConfig() karma.Config {
	servers := make([]karma.Server, 0, len(s.Sources))
	for _, src := range s.Sources {
		servers = append(servers, karma.Server{Name: src.Name, URI: src.URI})
	}
	return karma.Config{
		Servers:       servers,
		ListenAddress: s.ListenAddress,
		ListenPort:    s.Port,
		TLSEnabled:    s.TLSEnabled,
	}
}

// EndpointURI is the address to announce on the ingress and catalogue
// relations, with the scheme matching the TLS mode.
func (s State) EndpointURI() string {
	scheme := "http"
	if s.TLSEnabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.ExternalHostname, s.Port)
}
