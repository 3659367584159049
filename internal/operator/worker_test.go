// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator_test

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/canonical/karma-operator/core/status"
	"github.com/canonical/karma-operator/internal/operator"
)

// recordingReconciler remembers the triggers it saw, in order.
type recordingReconciler struct {
	mu       sync.Mutex
	triggers []string
	err      error
}

func (r *recordingReconciler) Reconcile(trigger string) (status.Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, trigger)
	return status.Info{Status: status.Active}, r.err
}

func (r *recordingReconciler) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.triggers...)
}

type workerSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) TestConfigValidate(c *gc.C) {
	_, err := operator.NewWorker(operator.Config{})
	c.Assert(err, gc.ErrorMatches, "validating config: nil Reconciler not valid")
}

func (s *workerSuite) TestNotifyRunsReconciliation(c *gc.C) {
	rec := &recordingReconciler{}
	w, err := operator.NewWorker(operator.Config{Reconciler: rec})
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(w.Notify("config-changed"), jc.ErrorIsNil)
	c.Assert(w.Notify("relation-joined"), jc.ErrorIsNil)
	c.Assert(w.Notify("relation-changed"), jc.ErrorIsNil)

	workertest.CleanKill(c, w)
	c.Assert(rec.seen(), jc.DeepEquals, []string{
		"config-changed", "relation-joined", "relation-changed",
	})
}

func (s *workerSuite) TestFatalReconcileErrorKillsWorker(c *gc.C) {
	rec := &recordingReconciler{err: errors.New("relation store corrupted")}
	w, err := operator.NewWorker(operator.Config{Reconciler: rec})
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(w.Notify("config-changed"), jc.ErrorIsNil)

	err = workertest.CheckKilled(c, w)
	c.Assert(err, gc.ErrorMatches, `reconciling \(config-changed\): relation store corrupted`)
}

func (s *workerSuite) TestNotifyAfterKill(c *gc.C) {
	rec := &recordingReconciler{}
	w, err := operator.NewWorker(operator.Config{Reconciler: rec})
	c.Assert(err, jc.ErrorIsNil)

	workertest.CleanKill(c, w)
	c.Assert(w.Notify("config-changed"), gc.ErrorMatches, "operator worker stopping")
	c.Assert(rec.seen(), gc.HasLen, 0)
}

func (s *workerSuite) TestCleanKill(c *gc.C) {
	rec := &recordingReconciler{}
	w, err := operator.NewWorker(operator.Config{Reconciler: rec})
	c.Assert(err, jc.ErrorIsNil)
	workertest.CleanKill(c, w)
}
