// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package workload applies a desired configuration to the pebble-
// supervised karma process: it writes the configuration document and
// certificate material into the container, restarts the service only
// when the applied content actually changed, and reports the
// process's observed readiness.
package workload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/canonical/pebble/client"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"gopkg.in/yaml.v3"

	"github.com/canonical/karma-operator/internal/desired"
	"github.com/canonical/karma-operator/internal/karma"
	"github.com/canonical/karma-operator/internal/relation"
)

var logger = loggo.GetLogger("karma.workload")

// Verdict classifies the outcome of an Apply.
type Verdict string

const (
	// ResultReady means the workload is running the desired
	// configuration and answers its health check.
	ResultReady Verdict = "ready"

	// ResultBlockedNoSources means the workload exited immediately
	// because it has no dashboard sources configured. Karma behaves
	// this way on purpose; it is a missing-relation condition, not a
	// crash.
	ResultBlockedNoSources Verdict = "blocked-no-sources"

	// ResultNotReady means the service is running but did not answer
	// its health check within the retry budget.
	ResultNotReady Verdict = "not-ready"

	// ResultFailed means the service could not be (re)started.
	ResultFailed Verdict = "failed"
)

// Result is the outcome of one Apply.
type Result struct {
	Verdict   Verdict
	Reason    string
	Restarted bool

	// Version is the workload's reported version, set when Ready.
	Version string
}

// PebbleClient is the slice of the pebble API the adapter needs.
// *client.Client satisfies it.
type PebbleClient interface {
	SysInfo() (*client.SysInfo, error)
	Push(opts *client.PushOptions) error
	Pull(opts *client.PullOptions) error
	PlanBytes(opts *client.PlanOptions) ([]byte, error)
	AddLayer(opts *client.AddLayerOptions) error
	Restart(opts *client.ServiceOptions) (string, error)
	WaitChange(id string, opts *client.WaitChangeOptions) (*client.Change, error)
	Services(opts *client.ServicesOptions) ([]*client.ServiceInfo, error)
}

// Prober answers whether the workload's web API is up.
type Prober interface {
	Healthy() bool
	Version() string
}

// Config holds the dependencies and knobs for an Adapter.
type Config struct {
	Pebble PebbleClient
	Probe  Prober
	Clock  clock.Clock

	// ReadyAttempts and ReadyDelay bound the readiness poll after a
	// restart. Zero values select the defaults.
	ReadyAttempts int
	ReadyDelay    time.Duration
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Pebble == nil {
		return errors.NotValidf("nil Pebble")
	}
	if config.Probe == nil {
		return errors.NotValidf("nil Probe")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

const (
	serviceName = "karma"
	layerLabel  = "karma"
	command     = "/karma"

	defaultReadyAttempts = 10
	defaultReadyDelay    = 500 * time.Millisecond

	restartTimeout = 30 * time.Second
)

// Adapter applies desired state to the managed process. It keeps the
// content hash of the last applied state so unchanged applications
// are no-ops. The hash is process-local; a fresh Adapter recovers it
// from the container by reading the files and plan back, so a new
// process over an already converged container does not restart the
// service.
type Adapter struct {
	pebble        PebbleClient
	probe         Prober
	clock         clock.Clock
	readyAttempts int
	readyDelay    time.Duration

	appliedHash string
}

// NewAdapter returns an Adapter for the configured container.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "validating config")
	}
	a := &Adapter{
		pebble:        config.Pebble,
		probe:         config.Probe,
		clock:         config.Clock,
		readyAttempts: config.ReadyAttempts,
		readyDelay:    config.ReadyDelay,
	}
	if a.readyAttempts <= 0 {
		a.readyAttempts = defaultReadyAttempts
	}
	if a.readyDelay <= 0 {
		a.readyDelay = defaultReadyDelay
	}
	return a, nil
}

// Ready reports whether the workload container's pebble is reachable.
func (a *Adapter) Ready() bool {
	_, err := a.pebble.SysInfo()
	return err == nil
}

// Apply writes the configuration and certificate material for the
// desired state and restarts the service if anything changed. The
// returned Result classifies what the workload did about it.
func (a *Adapter) Apply(st desired.State, bundle *relation.CertificateBundle) Result {
	configData, err := st.WorkloadConfig().Render()
	if err != nil {
		return Result{Verdict: ResultFailed, Reason: err.Error()}
	}
	files := map[string][]byte{karma.ConfigPath: configData}
	if st.TLSEnabled && bundle != nil {
		files[karma.CertPath] = []byte(bundle.Certificate)
		files[karma.KeyPath] = []byte(bundle.PrivateKey)
		files[karma.CAPath] = []byte(bundle.CAChain)
	}
	layerData, err := renderLayer()
	if err != nil {
		return Result{Verdict: ResultFailed, Reason: err.Error()}
	}
	hash := contentHash(layerData, files)

	running, err := a.serviceRunning()
	if err != nil {
		return Result{Verdict: ResultFailed, Reason: err.Error()}
	}
	if a.appliedHash == "" && running && a.containerConverged(files) {
		// Fresh process, already converged container. The dispatch
		// entrypoint constructs a new Adapter for every event; the
		// container itself is the record of what was applied last.
		a.appliedHash = hash
	}
	if hash == a.appliedHash && running {
		logger.Debugf("desired state unchanged, not restarting %s", serviceName)
		return Result{Verdict: ResultReady, Version: a.probe.Version()}
	}

	if err := a.pushFiles(files); err != nil {
		return Result{Verdict: ResultFailed, Reason: err.Error()}
	}
	if err := a.ensureLayer(layerData); err != nil {
		return Result{Verdict: ResultFailed, Reason: err.Error()}
	}
	if err := a.restart(); err != nil {
		if len(st.Sources) == 0 {
			return Result{
				Verdict:   ResultBlockedNoSources,
				Reason:    "no dashboard sources",
				Restarted: true,
			}
		}
		return Result{Verdict: ResultFailed, Reason: err.Error(), Restarted: true}
	}

	if err := a.waitHealthy(); err != nil {
		return a.classifyUnready(st)
	}
	a.appliedHash = hash
	return Result{Verdict: ResultReady, Restarted: true, Version: a.probe.Version()}
}

// containerConverged reports whether the container already holds
// exactly the given files and runs the service with our layer. Any
// read failure counts as divergence; the worst case is the restart we
// were going to do anyway.
func (a *Adapter) containerConverged(files map[string][]byte) bool {
	planData, err := a.pebble.PlanBytes(&client.PlanOptions{})
	if err != nil || !planMatchesLayer(planData) {
		return false
	}
	for _, path := range sortedKeys(files) {
		var buf bytes.Buffer
		if err := a.pebble.Pull(&client.PullOptions{Path: path, Target: &buf}); err != nil {
			return false
		}
		if !bytes.Equal(buf.Bytes(), files[path]) {
			return false
		}
	}
	return true
}

func (a *Adapter) pushFiles(files map[string][]byte) error {
	// Deterministic order keeps the logs readable.
	for _, path := range sortedKeys(files) {
		err := a.pebble.Push(&client.PushOptions{
			Source:      bytes.NewReader(files[path]),
			Path:        path,
			MakeDirs:    true,
			Permissions: 0o600,
		})
		if err != nil {
			return errors.Annotatef(err, "pushing %s", path)
		}
	}
	return nil
}

// ensureLayer adds the service layer when the live plan's command or
// environment differ from what we want.
func (a *Adapter) ensureLayer(layerData []byte) error {
	planData, err := a.pebble.PlanBytes(&client.PlanOptions{})
	if err != nil {
		return errors.Annotate(err, "reading plan")
	}
	if planMatchesLayer(planData) {
		return nil
	}
	err = a.pebble.AddLayer(&client.AddLayerOptions{
		Combine:   true,
		Label:     layerLabel,
		LayerData: layerData,
	})
	return errors.Annotate(err, "adding layer")
}

func (a *Adapter) restart() error {
	logger.Infof("restarting service %s", serviceName)
	changeID, err := a.pebble.Restart(&client.ServiceOptions{Names: []string{serviceName}})
	if err != nil {
		return errors.Annotatef(err, "restarting %s", serviceName)
	}
	change, err := a.pebble.WaitChange(changeID, &client.WaitChangeOptions{Timeout: restartTimeout})
	if err != nil {
		return errors.Annotatef(err, "waiting for restart of %s", serviceName)
	}
	if change.Err != "" {
		return errors.Errorf("restarting %s: %s", serviceName, change.Err)
	}
	return nil
}

func (a *Adapter) waitHealthy() error {
	return retry.Call(retry.CallArgs{
		Func: func() error {
			if a.probe.Healthy() {
				return nil
			}
			return errors.Errorf("%s not responding", serviceName)
		},
		Attempts: a.readyAttempts,
		Delay:    a.readyDelay,
		Clock:    a.clock,
	})
}

func (a *Adapter) classifyUnready(st desired.State) Result {
	running, err := a.serviceRunning()
	if err != nil {
		return Result{Verdict: ResultFailed, Reason: err.Error(), Restarted: true}
	}
	if !running {
		if len(st.Sources) == 0 {
			// Karma exits right away with nothing to aggregate.
			return Result{
				Verdict:   ResultBlockedNoSources,
				Reason:    "no dashboard sources",
				Restarted: true,
			}
		}
		return Result{
			Verdict:   ResultFailed,
			Reason:    "service exited after restart",
			Restarted: true,
		}
	}
	return Result{
		Verdict:   ResultNotReady,
		Reason:    "service started but does not respond",
		Restarted: true,
	}
}

func (a *Adapter) serviceRunning() (bool, error) {
	infos, err := a.pebble.Services(&client.ServicesOptions{Names: []string{serviceName}})
	if err != nil {
		return false, errors.Annotate(err, "inspecting services")
	}
	for _, info := range infos {
		if info.Name == serviceName {
			return info.Current == client.StatusActive, nil
		}
	}
	return false, nil
}

type layerService struct {
	Override    string            `yaml:"override"`
	Summary     string            `yaml:"summary"`
	Startup     string            `yaml:"startup"`
	Command     string            `yaml:"command"`
	Environment map[string]string `yaml:"environment"`
}

type layerDocument struct {
	Summary     string                  `yaml:"summary"`
	Description string                  `yaml:"description"`
	Services    map[string]layerService `yaml:"services"`
}

func serviceLayer() layerService {
	return layerService{
		Override:    "replace",
		Summary:     "karma service",
		Startup:     "enabled",
		Command:     command,
		Environment: map[string]string{"CONFIG_FILE": karma.ConfigPath},
	}
}

func renderLayer() ([]byte, error) {
	doc := layerDocument{
		Summary:     "karma layer",
		Description: "pebble config layer for karma",
		Services:    map[string]layerService{serviceName: serviceLayer()},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.Annotate(err, "rendering layer")
	}
	return data, nil
}

// planMatchesLayer reports whether the live plan already runs the
// service with our command and environment.
func planMatchesLayer(planData []byte) bool {
	var plan layerDocument
	if err := yaml.Unmarshal(planData, &plan); err != nil {
		logger.Debugf("unparseable plan, re-adding layer: %v", err)
		return false
	}
	live, ok := plan.Services[serviceName]
	if !ok {
		return false
	}
	want := serviceLayer()
	if live.Command != want.Command {
		return false
	}
	if len(live.Environment) != len(want.Environment) {
		return false
	}
	for k, v := range want.Environment {
		if live.Environment[k] != v {
			return false
		}
	}
	return true
}

func contentHash(layerData []byte, files map[string][]byte) string {
	h := sha256.New()
	h.Write(layerData)
	for _, path := range sortedKeys(files) {
		h.Write([]byte(path))
		h.Write(files[path])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
