// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package karma_test

import (
	"net/http"
	"net/http/httptest"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/karma-operator/internal/karma"
)

type clientSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&clientSuite{})

func (s *clientSuite) newServer(c *gc.C, handler http.Handler) *httptest.Server {
	srv := httptest.NewServer(handler)
	s.AddCleanup(func(*gc.C) { srv.Close() })
	return srv
}

func (s *clientSuite) TestHealthy(c *gc.C) {
	srv := s.newServer(c, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			_, _ = w.Write([]byte("Pong\n"))
			return
		}
		http.NotFound(w, r)
	}))
	client := karma.NewClient(srv.URL)
	c.Assert(client.Healthy(), jc.IsTrue)
}

func (s *clientSuite) TestHealthyServerError(c *gc.C) {
	srv := s.newServer(c, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	client := karma.NewClient(srv.URL)
	c.Assert(client.Healthy(), jc.IsFalse)
}

func (s *clientSuite) TestHealthyUnreachable(c *gc.C) {
	srv := s.newServer(c, http.NotFoundHandler())
	srv.Close()
	client := karma.NewClient(srv.URL)
	c.Assert(client.Healthy(), jc.IsFalse)
}

func (s *clientSuite) TestVersion(c *gc.C) {
	srv := s.newServer(c, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.URL.Path, gc.Equals, "/version")
		_, _ = w.Write([]byte(`{"version": "v0.90", "golang": "go1.16.7"}`))
	}))
	client := karma.NewClient(srv.URL)
	c.Assert(client.Version(), gc.Equals, "0.90")
}

func (s *clientSuite) TestVersionUnavailable(c *gc.C) {
	srv := s.newServer(c, http.NotFoundHandler())
	client := karma.NewClient(srv.URL)
	c.Assert(client.Version(), gc.Equals, "0.0.0")
}

func (s *clientSuite) TestVersionMalformed(c *gc.C) {
	srv := s.newServer(c, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	client := karma.NewClient(srv.URL)
	c.Assert(client.Version(), gc.Equals, "0.0.0")
}
