// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"github.com/canonical/karma-operator/core/status"
	"github.com/canonical/karma-operator/internal/workload"
)

// report maps an apply outcome onto the user-facing unit status. It
// is purely derived; nothing ever mutates a reported status after the
// fact.
func report(result workload.Result) status.Info {
	switch result.Verdict {
	case workload.ResultReady:
		return status.Info{Status: status.Active}
	case workload.ResultBlockedNoSources:
		return blocked(result.Reason)
	case workload.ResultNotReady, workload.ResultFailed:
		return errored(result.Reason)
	default:
		return errored("unexpected workload verdict " + string(result.Verdict))
	}
}

func maintenance(message string) status.Info {
	return status.Info{Status: status.Maintenance, Message: message}
}

func waiting(message string) status.Info {
	return status.Info{Status: status.Waiting, Message: message}
}

func blocked(message string) status.Info {
	return status.Info{Status: status.Blocked, Message: message}
}

func errored(message string) status.Info {
	return status.Info{Status: status.Error, Message: message}
}
