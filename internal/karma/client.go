// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package karma

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("karma.client")

const defaultRequestTimeout = 2 * time.Second

// Client probes a running karma server over its HTTP API. The
// operator and the workload share a network namespace, so the default
// base URL points at localhost.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a Client for a karma server at baseURL, e.g.
// "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
}

// Healthy reports whether the karma web port answers its health
// check.
func (c *Client) Healthy() bool {
	_, err := c.get("/health")
	return err == nil
}

// Version returns the version reported by the karma server, without
// the leading "v", or "0.0.0" when the server cannot be reached.
func (c *Client) Version() string {
	body, err := c.get("/version")
	if err != nil {
		return "0.0.0"
	}
	var info struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		logger.Debugf("malformed version response: %v", err)
		return "0.0.0"
	}
	return strings.TrimPrefix(info.Version, "v")
}

func (c *Client) get(path string) ([]byte, error) {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return io.ReadAll(resp.Body)
}
