// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/names/v5"

	"github.com/canonical/karma-operator/core/status"
)

var logger = loggo.GetLogger("karma.relation")

// Relation data bag keys.
const (
	sourceNameKey    = "name"
	sourceURIKey     = "uri"
	sessionSecretKey = "session-secret"
	hostnameKey      = "hostname"
	certificateKey   = "certificate"
	privateKeyKey    = "key"
	caChainKey       = "ca-chain"
	endpointURLKey   = "url"

	externalHostnameConfigKey = "external_hostname"
)

// Runner executes a single hook tool invocation and returns its
// stdout. The implementation in cmd/karma-operator shells out to the
// tools the unit agent places on PATH; tests substitute a stub.
type Runner interface {
	Run(tool string, args ...string) ([]byte, error)
}

// HookContextStore implements Store on top of the Juju hook tools
// (relation-ids, relation-get, relation-set, is-leader, config-get,
// network-get, status-set, application-version-set). Every method is
// a fresh tool invocation; nothing is cached across calls.
type HookContextStore struct {
	runner Runner
	unit   string
	app    string
}

// NewHookContextStore returns a Store for the named unit backed by
// the given hook tool runner.
func NewHookContextStore(runner Runner, unitName string) (*HookContextStore, error) {
	if runner == nil {
		return nil, errors.NotValidf("nil Runner")
	}
	if !names.IsValidUnit(unitName) {
		return nil, errors.NotValidf("unit name %q", unitName)
	}
	appName, err := names.UnitApplication(unitName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &HookContextStore{
		runner: runner,
		unit:   unitName,
		app:    appName,
	}, nil
}

// UnitName is part of the Store interface.
func (s *HookContextStore) UnitName() string {
	return s.unit
}

// AppName is part of the Store interface.
func (s *HookContextStore) AppName() string {
	return s.app
}

// IsLeader is part of the Store interface.
func (s *HookContextStore) IsLeader() (bool, error) {
	var isLeader bool
	if err := s.runJSON(&isLeader, "is-leader"); err != nil {
		return false, errors.Annotate(err, "leadership status unknown")
	}
	return isLeader, nil
}

// DashboardSources is part of the Store interface.
func (s *HookContextStore) DashboardSources() ([]SourceEntry, error) {
	ids, err := s.relationIDs(DashboardEndpoint)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var entries []SourceEntry
	for _, rel := range ids {
		units, err := s.relationUnits(rel)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, unit := range units {
			bag, err := s.relationBag(rel, unit, false)
			if err != nil {
				return nil, errors.Trace(err)
			}
			source := DashboardSource{
				Name: bag[sourceNameKey],
				URI:  bag[sourceURIKey],
			}
			if !source.Valid() {
				logger.Debugf("skipping incomplete source from %s on %s: %v", unit, rel.tag, bag)
				continue
			}
			entries = append(entries, SourceEntry{
				RelationID: rel.id,
				Unit:       unit,
				Source:     source,
			})
		}
	}
	return entries, nil
}

// PeerState is part of the Store interface.
func (s *HookContextStore) PeerState() (PeerState, error) {
	rel, err := s.peerRelation()
	if err != nil {
		return PeerState{}, errors.Trace(err)
	}
	bag, err := s.relationBag(rel, s.unit, true)
	if err != nil {
		return PeerState{}, errors.Trace(err)
	}
	secret, ok := bag[sessionSecretKey]
	if !ok || secret == "" {
		return PeerState{}, errors.NotFoundf("peer state")
	}
	return PeerState{SessionSecret: secret}, nil
}

// SetPeerState is part of the Store interface.
func (s *HookContextStore) SetPeerState(state PeerState) error {
	isLeader, err := s.IsLeader()
	if err != nil {
		return errors.Trace(err)
	}
	if !isLeader {
		return errors.Forbiddenf("cannot write peer state: not the leader")
	}
	rel, err := s.peerRelation()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.relationSet(rel, true, map[string]string{
		sessionSecretKey: state.SessionSecret,
	}))
}

// CertificateBundle is part of the Store interface.
func (s *HookContextStore) CertificateBundle(hostname string) (CertificateBundle, error) {
	ids, err := s.relationIDs(CertificatesEndpoint)
	if err != nil {
		return CertificateBundle{}, errors.Trace(err)
	}
	for _, rel := range ids {
		units, err := s.relationUnits(rel)
		if err != nil {
			return CertificateBundle{}, errors.Trace(err)
		}
		for _, unit := range units {
			bag, err := s.relationBag(rel, unit, false)
			if err != nil {
				return CertificateBundle{}, errors.Trace(err)
			}
			bundle := CertificateBundle{
				Hostname:    bag[hostnameKey],
				Certificate: bag[certificateKey],
				PrivateKey:  bag[privateKeyKey],
				CAChain:     bag[caChainKey],
			}
			if bundle.Hostname != hostname {
				// Issued for an address we no longer have; stale
				// bundles count as absent.
				continue
			}
			if bundle.Certificate == "" || bundle.PrivateKey == "" {
				continue
			}
			return bundle, nil
		}
	}
	return CertificateBundle{}, errors.NotFoundf("certificate bundle for %q", hostname)
}

// RequestCertificate is part of the Store interface.
func (s *HookContextStore) RequestCertificate(hostname string) error {
	ids, err := s.relationIDs(CertificatesEndpoint)
	if err != nil {
		return errors.Trace(err)
	}
	if len(ids) == 0 {
		return errors.NotFoundf("certificates relation")
	}
	for _, rel := range ids {
		bag, err := s.relationBag(rel, s.unit, false)
		if err != nil {
			return errors.Trace(err)
		}
		if bag[hostnameKey] == hostname {
			// Already outstanding; repeated requests are no-ops.
			continue
		}
		if err := s.relationSet(rel, false, map[string]string{
			hostnameKey: hostname,
		}); err != nil {
			return errors.Trace(err)
		}
		logger.Infof("requested certificate for %q on %s", hostname, rel.tag)
	}
	return nil
}

// PublishEndpoint is part of the Store interface.
func (s *HookContextStore) PublishEndpoint(uri string) error {
	for _, endpoint := range []string{IngressEndpoint, CatalogueEndpoint} {
		ids, err := s.relationIDs(endpoint)
		if err != nil {
			return errors.Trace(err)
		}
		for _, rel := range ids {
			bag, err := s.relationBag(rel, s.unit, false)
			if err != nil {
				return errors.Trace(err)
			}
			if bag[endpointURLKey] == uri {
				continue
			}
			if err := s.relationSet(rel, false, map[string]string{
				endpointURLKey: uri,
			}); err != nil {
				return errors.Trace(err)
			}
			logger.Debugf("published endpoint %q on %s", uri, rel.tag)
		}
	}
	return nil
}

// CharmConfig is part of the Store interface.
func (s *HookContextStore) CharmConfig() (CharmConfig, error) {
	var raw map[string]interface{}
	if err := s.runJSON(&raw, "config-get"); err != nil {
		return CharmConfig{}, errors.Trace(err)
	}
	cfg := CharmConfig{}
	if v, ok := raw[externalHostnameConfigKey].(string); ok {
		cfg.ExternalHostname = v
	}
	return cfg, nil
}

// BindAddress is part of the Store interface. The address is taken
// from the peer endpoint's network binding, which is the address the
// workload itself listens on.
func (s *HookContextStore) BindAddress() (string, error) {
	var info struct {
		BindAddresses []struct {
			Addresses []struct {
				Value string `json:"value"`
			} `json:"addresses"`
		} `json:"bind-addresses"`
	}
	if err := s.runJSON(&info, "network-get", PeerEndpoint); err != nil {
		return "", errors.Trace(err)
	}
	for _, bind := range info.BindAddresses {
		for _, addr := range bind.Addresses {
			if addr.Value != "" {
				return addr.Value, nil
			}
		}
	}
	return "", errors.NotFoundf("bind address")
}

// SetStatus is part of the Store interface.
func (s *HookContextStore) SetStatus(info status.Info) error {
	if !info.Status.KnownStatus() {
		return errors.NotValidf("status %q", info.Status)
	}
	_, err := s.runner.Run("status-set", info.Status.String(), info.Message)
	return errors.Trace(err)
}

// SetApplicationVersion is part of the Store interface.
func (s *HookContextStore) SetApplicationVersion(version string) error {
	_, err := s.runner.Run("application-version-set", version)
	return errors.Trace(err)
}

// relationID is a parsed relation identifier, e.g. "dashboard:3".
type relationID struct {
	tag string
	id  int
}

func parseRelationID(tag string) (relationID, error) {
	i := strings.LastIndex(tag, ":")
	if i < 0 {
		return relationID{}, errors.NotValidf("relation id %q", tag)
	}
	id, err := strconv.Atoi(tag[i+1:])
	if err != nil {
		return relationID{}, errors.NotValidf("relation id %q", tag)
	}
	return relationID{tag: tag, id: id}, nil
}

func (s *HookContextStore) relationIDs(endpoint string) ([]relationID, error) {
	var tags []string
	if err := s.runJSON(&tags, "relation-ids", endpoint); err != nil {
		return nil, errors.Trace(err)
	}
	ids := make([]relationID, 0, len(tags))
	for _, tag := range tags {
		rel, err := parseRelationID(tag)
		if err != nil {
			return nil, errors.Trace(err)
		}
		ids = append(ids, rel)
	}
	return ids, nil
}

func (s *HookContextStore) peerRelation() (relationID, error) {
	ids, err := s.relationIDs(PeerEndpoint)
	if err != nil {
		return relationID{}, errors.Trace(err)
	}
	if len(ids) == 0 {
		return relationID{}, errors.NotFoundf("peer relation")
	}
	return ids[0], nil
}

func (s *HookContextStore) relationUnits(rel relationID) ([]string, error) {
	var units []string
	if err := s.runJSON(&units, "relation-list", "-r", rel.tag); err != nil {
		return nil, errors.Trace(err)
	}
	return units, nil
}

// relationBag reads the data bag a unit (or, with app set, its
// application) has written on the given relation.
func (s *HookContextStore) relationBag(rel relationID, unit string, app bool) (map[string]string, error) {
	args := []string{"-r", rel.tag}
	if app {
		args = append(args, "--app")
	}
	args = append(args, "-", unit)
	var raw map[string]interface{}
	if err := s.runJSON(&raw, "relation-get", args...); err != nil {
		return nil, errors.Trace(err)
	}
	bag := make(map[string]string, len(raw))
	for k, v := range raw {
		bag[k] = fmt.Sprintf("%v", v)
	}
	return bag, nil
}

func (s *HookContextStore) relationSet(rel relationID, app bool, values map[string]string) error {
	args := []string{"-r", rel.tag}
	if app {
		args = append(args, "--app")
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k+"="+values[k])
	}
	_, err := s.runner.Run("relation-set", args...)
	return errors.Trace(err)
}

// runJSON runs a hook tool with --format=json and decodes its output
// into out. A tool that prints nothing decodes as the zero value.
func (s *HookContextStore) runJSON(out interface{}, tool string, args ...string) error {
	full := append([]string{"--format=json"}, args...)
	data, err := s.runner.Run(tool, full...)
	if err != nil {
		return errors.Annotatef(err, "running %s", tool)
	}
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Annotatef(err, "parsing %s output", tool)
	}
	return nil
}
