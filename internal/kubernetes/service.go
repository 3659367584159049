// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package kubernetes patches the Kubernetes Service fronting the
// application. Juju creates that service with a placeholder port; at
// install and upgrade the leader rewrites it to expose the workload's
// web port.
package kubernetes

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	core "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
)

var logger = loggo.GetLogger("karma.kubernetes")

// PatchServicePorts sets the application service's ports to expose
// the given port. Unchanged ports are left alone.
func PatchServicePorts(ctx context.Context, client kubernetes.Interface, namespace, appName string, port int32) error {
	api := client.CoreV1().Services(namespace)
	svc, err := api.Get(ctx, appName, meta.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return errors.NotFoundf("service %q", appName)
	} else if err != nil {
		return errors.Trace(err)
	}
	desired := []core.ServicePort{{
		Name:       appName,
		Port:       port,
		TargetPort: intstr.FromInt(int(port)),
	}}
	if portsEqual(svc.Spec.Ports, desired) {
		return nil
	}
	svc.Spec.Ports = desired
	if _, err := api.Update(ctx, svc, meta.UpdateOptions{}); err != nil {
		return errors.Annotatef(err, "updating ports of service %q", appName)
	}
	logger.Debugf("patched service %q to port %d", appName, port)
	return nil
}

func portsEqual(a, b []core.ServicePort) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name ||
			a[i].Port != b[i].Port ||
			a[i].TargetPort != b[i].TargetPort {
			return false
		}
	}
	return true
}
