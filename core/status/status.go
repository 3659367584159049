// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package status holds the unit status values reported by the
// controller. A status is derived from the outcome of the last
// reconciliation and recomputed on every cycle; it is never stored as
// authoritative state.
package status

// Status describes the operator's view of the managed workload.
type Status string

// String returns a string representation of the Status.
func (s Status) String() string {
	return string(s)
}

const (
	// Maintenance is set while the unit is waiting for platform
	// resources it cannot influence, such as the workload container
	// starting up or an address being allocated.
	Maintenance Status = "maintenance"

	// Waiting is set when the unit is waiting on a dependency it has
	// already asked for, such as a requested certificate that has not
	// been issued yet.
	Waiting Status = "waiting"

	// Blocked is set when the unit cannot proceed without operator
	// intervention, such as adding a missing relation.
	Blocked Status = "blocked"

	// Active is set when the workload is running and ready.
	Active Status = "active"

	// Error is set when the last reconciliation failed in a way the
	// next event may or may not repair.
	Error Status = "error"
)

// Info pairs a status with its human-readable reason.
type Info struct {
	Status  Status
	Message string
}

// KnownStatus reports whether s is one of the values the controller
// is allowed to report.
func (s Status) KnownStatus() bool {
	switch s {
	case Maintenance, Waiting, Blocked, Active, Error:
		return true
	}
	return false
}
