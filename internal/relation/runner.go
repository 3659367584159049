// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relation

import (
	"bytes"
	"os/exec"

	"github.com/juju/errors"
)

// ExecRunner runs hook tools as external commands. The unit agent
// puts the tools on PATH before dispatching the hook.
type ExecRunner struct{}

// Run is part of the Runner interface.
func (ExecRunner) Run(tool string, args ...string) ([]byte, error) {
	cmd := exec.Command(tool, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return nil, errors.Annotatef(err, "%s: %s", tool, msg)
		}
		return nil, errors.Annotatef(err, "%s", tool)
	}
	return stdout.Bytes(), nil
}
