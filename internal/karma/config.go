// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package karma knows the karma server's configuration document and
// its HTTP API. Nothing here understands alert semantics; karma owns
// those.
package karma

import (
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the port the karma web interface listens on.
	DefaultPort = 8080

	// ConfigPath is where the karma process expects its
	// configuration inside the workload container.
	ConfigPath = "/srv/karma.yaml"

	// Certificate material locations inside the workload container,
	// referenced from the configuration document when TLS is on.
	CertPath = "/srv/server.crt"
	KeyPath  = "/srv/server.key"
	CAPath   = "/srv/ca.crt"
)

// Server is one alertmanager entry in the karma configuration.
type Server struct {
	Name string `yaml:"name"`
	URI  string `yaml:"uri"`
}

// Config is the subset of karma's configuration this operator
// manages: the upstream server list, the listener and optional TLS.
type Config struct {
	Servers       []Server
	ListenAddress string
	ListenPort    int
	TLSEnabled    bool
}

type tlsDocument struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type listenDocument struct {
	Address string       `yaml:"address"`
	Port    int          `yaml:"port"`
	TLS     *tlsDocument `yaml:"tls,omitempty"`
}

type alertmanagerDocument struct {
	Servers []Server `yaml:"servers"`
}

type configDocument struct {
	Alertmanager alertmanagerDocument `yaml:"alertmanager"`
	Listen       listenDocument       `yaml:"listen"`
}

// Render produces the YAML document the karma process reads. The
// server list is emitted in the order given; callers are responsible
// for stable ordering.
func (c Config) Render() ([]byte, error) {
	servers := c.Servers
	if servers == nil {
		servers = []Server{}
	}
	doc := configDocument{
		Alertmanager: alertmanagerDocument{Servers: servers},
		Listen: listenDocument{
			Address: c.ListenAddress,
			Port:    c.ListenPort,
		},
	}
	if c.TLSEnabled {
		doc.Listen.TLS = &tlsDocument{Cert: CertPath, Key: KeyPath}
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.Annotate(err, "rendering karma config")
	}
	return data, nil
}
