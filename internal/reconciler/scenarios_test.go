// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler_test

import (
	"io"
	"time"

	"github.com/canonical/pebble/client"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/karma-operator/core/status"
	"github.com/canonical/karma-operator/internal/karma"
	"github.com/canonical/karma-operator/internal/reconciler"
	"github.com/canonical/karma-operator/internal/relation"
	"github.com/canonical/karma-operator/internal/workload"
)

// memPebble is a minimal in-memory pebble for end-to-end cycles
// through the real workload adapter.
type memPebble struct {
	pushed   map[string][]byte
	planData []byte
	restarts int
}

func (m *memPebble) SysInfo() (*client.SysInfo, error) { return &client.SysInfo{}, nil }

func (m *memPebble) Push(opts *client.PushOptions) error {
	data, err := io.ReadAll(opts.Source)
	if err != nil {
		return err
	}
	m.pushed[opts.Path] = data
	return nil
}

func (m *memPebble) Pull(opts *client.PullOptions) error {
	data, ok := m.pushed[opts.Path]
	if !ok {
		return errors.Errorf("cannot read %q: no such file", opts.Path)
	}
	_, err := opts.Target.Write(data)
	return err
}

func (m *memPebble) PlanBytes(*client.PlanOptions) ([]byte, error) {
	return m.planData, nil
}

func (m *memPebble) AddLayer(opts *client.AddLayerOptions) error {
	m.planData = opts.LayerData
	return nil
}

func (m *memPebble) Restart(*client.ServiceOptions) (string, error) {
	m.restarts++
	return "1", nil
}

func (m *memPebble) WaitChange(id string, _ *client.WaitChangeOptions) (*client.Change, error) {
	return &client.Change{ID: id, Ready: true}, nil
}

func (m *memPebble) Services(*client.ServicesOptions) ([]*client.ServiceInfo, error) {
	return []*client.ServiceInfo{{Name: "karma", Current: client.StatusActive}}, nil
}

// scenarioSuite runs reconciliation cycles end to end: fake relation
// store, real reconciler, real adapter, in-memory pebble.
type scenarioSuite struct {
	testing.IsolationSuite
	store  *fakeStore
	pebble *memPebble
	rec    *reconciler.Reconciler
}

var _ = gc.Suite(&scenarioSuite{})

func (s *scenarioSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.store = newFakeStore()
	s.pebble = &memPebble{pushed: make(map[string][]byte)}

	adapter, err := workload.NewAdapter(workload.Config{
		Pebble:        s.pebble,
		Probe:         &alwaysHealthy{},
		Clock:         clock.WallClock,
		ReadyAttempts: 1,
		ReadyDelay:    time.Millisecond,
	})
	c.Assert(err, jc.ErrorIsNil)

	s.rec, err = reconciler.New(reconciler.Config{
		Store:    s.store,
		Workload: adapter,
	})
	c.Assert(err, jc.ErrorIsNil)
}

type alwaysHealthy struct{}

func (alwaysHealthy) Healthy() bool   { return true }
func (alwaysHealthy) Version() string { return "0.90" }

func (s *scenarioSuite) reconcile(c *gc.C, trigger string) status.Info {
	info, err := s.rec.Reconcile(trigger)
	c.Assert(err, jc.ErrorIsNil)
	return info
}

func source(relID int, name, uri string) relation.SourceEntry {
	return relation.SourceEntry{
		RelationID: relID,
		Unit:       name,
		Source:     relation.DashboardSource{Name: name, URI: uri},
	}
}

func (s *scenarioSuite) TestNoSourcesBlocksWithoutRestart(c *gc.C) {
	s.store.sources = nil
	info := s.reconcile(c, "config-changed")
	c.Assert(info, jc.DeepEquals, status.Info{
		Status:  status.Blocked,
		Message: "no dashboard sources",
	})
	c.Assert(s.pebble.restarts, gc.Equals, 0)
}

func (s *scenarioSuite) TestSingleSourceBecomesActive(c *gc.C) {
	s.store.sources = []relation.SourceEntry{
		source(0, "am/0", "http://10.0.0.5:9093"),
	}
	info := s.reconcile(c, "relation-changed")
	c.Assert(info.Status, gc.Equals, status.Active)
	c.Assert(s.pebble.restarts, gc.Equals, 1)
	c.Assert(string(s.pebble.pushed[karma.ConfigPath]), gc.Matches,
		"(?s).*name: am/0\\n.*uri: http://10.0.0.5:9093\\n.*")
}

func (s *scenarioSuite) TestReannouncementDoesNotRestart(c *gc.C) {
	s.store.sources = []relation.SourceEntry{
		source(0, "am/0", "http://10.0.0.5:9093"),
	}
	s.reconcile(c, "relation-joined")

	// The same source re-announced with an identical URI on a later
	// event must not restart the workload.
	info := s.reconcile(c, "relation-changed")
	c.Assert(info.Status, gc.Equals, status.Active)
	c.Assert(s.pebble.restarts, gc.Equals, 1)
}

func (s *scenarioSuite) TestNewProcessOverConvergedContainerDoesNotRestart(c *gc.C) {
	s.store.sources = []relation.SourceEntry{
		source(0, "am/0", "http://10.0.0.5:9093"),
	}
	s.reconcile(c, "relation-changed")
	c.Assert(s.pebble.restarts, gc.Equals, 1)

	// Each hook is a fresh process with a fresh adapter. A periodic
	// update-status over the same container and unchanged relations
	// must leave the workload alone.
	adapter, err := workload.NewAdapter(workload.Config{
		Pebble:        s.pebble,
		Probe:         &alwaysHealthy{},
		Clock:         clock.WallClock,
		ReadyAttempts: 1,
		ReadyDelay:    time.Millisecond,
	})
	c.Assert(err, jc.ErrorIsNil)
	rec, err := reconciler.New(reconciler.Config{Store: s.store, Workload: adapter})
	c.Assert(err, jc.ErrorIsNil)

	info, err := rec.Reconcile("update-status")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(info.Status, gc.Equals, status.Active)
	c.Assert(s.pebble.restarts, gc.Equals, 1)
}

func (s *scenarioSuite) TestConvergence(c *gc.C) {
	base := []relation.SourceEntry{
		source(0, "am/0", "http://10.0.0.5:9093"),
	}

	// Reconcile from A, then A plus a new source, then back to A.
	s.store.sources = base
	s.reconcile(c, "relation-joined")

	s.store.sources = append(append([]relation.SourceEntry(nil), base...),
		source(1, "am/1", "http://10.0.0.6:9093"))
	s.reconcile(c, "relation-joined")

	s.store.sources = base
	s.reconcile(c, "relation-departed")
	converged := string(s.pebble.pushed[karma.ConfigPath])

	// A fresh controller reconciling directly from A must produce
	// the identical configuration.
	direct := &memPebble{pushed: make(map[string][]byte)}
	adapter, err := workload.NewAdapter(workload.Config{
		Pebble:        direct,
		Probe:         &alwaysHealthy{},
		Clock:         clock.WallClock,
		ReadyAttempts: 1,
		ReadyDelay:    time.Millisecond,
	})
	c.Assert(err, jc.ErrorIsNil)
	freshStore := newFakeStore()
	freshStore.sources = base
	fresh, err := reconciler.New(reconciler.Config{
		Store:    freshStore,
		Workload: adapter,
	})
	c.Assert(err, jc.ErrorIsNil)
	_, err = fresh.Reconcile("config-changed")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(converged, gc.Equals, string(direct.pushed[karma.ConfigPath]))
}

func (s *scenarioSuite) TestArrivalOrderIrrelevant(c *gc.C) {
	s.store.sources = []relation.SourceEntry{
		source(1, "zz/0", "http://z:9093"),
		source(0, "aa/0", "http://a:9093"),
	}
	s.reconcile(c, "relation-joined")
	forward := string(s.pebble.pushed[karma.ConfigPath])

	other := &memPebble{pushed: make(map[string][]byte)}
	adapter, err := workload.NewAdapter(workload.Config{
		Pebble:        other,
		Probe:         &alwaysHealthy{},
		Clock:         clock.WallClock,
		ReadyAttempts: 1,
		ReadyDelay:    time.Millisecond,
	})
	c.Assert(err, jc.ErrorIsNil)
	otherStore := newFakeStore()
	otherStore.sources = []relation.SourceEntry{
		source(0, "aa/0", "http://a:9093"),
		source(1, "zz/0", "http://z:9093"),
	}
	rec, err := reconciler.New(reconciler.Config{Store: otherStore, Workload: adapter})
	c.Assert(err, jc.ErrorIsNil)
	_, err = rec.Reconcile("relation-joined")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(forward, gc.Equals, string(other.pushed[karma.ConfigPath]))
}
