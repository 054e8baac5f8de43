// Package adapter defines the backend capability interface every kernel
// launch target (Kubernetes, Docker, Docker Swarm, YARN, Distributed/SSH,
// SparkOperator) implements, plus the small set of request/result types
// shared across them.
//
// Grounded on local_daemon/invoker's KernelInvoker interface
// (InvokeWithContext/Status/Close/Wait/OnStatusChanged), regrouped here to
// the five-method capability set the state machine drives a launch through.
package adapter

import (
	"context"
)

// BackendStatus is an adapter's coarse view of a launched resource's
// lifecycle, independent of the binding package's richer State enum. The
// state machine maps this down to its own transitions.
type BackendStatus string

const (
	StatusPending    BackendStatus = "PENDING"
	StatusRunning    BackendStatus = "RUNNING"
	StatusTerminated BackendStatus = "TERMINATED"
	StatusFailed     BackendStatus = "FAILED"
	StatusUnknown    BackendStatus = "UNKNOWN"
)

// SpawnRequest carries everything an adapter needs to start a kernel
// process/pod/container/application: the already-placeholder-substituted
// argv, the process environment, and policy knobs that affect how the
// backend launches the resource.
type SpawnRequest struct {
	KernelID             string
	Username             string
	Argv                 []string
	Env                  map[string]string
	ImpersonationEnabled bool
	WorkingDir           string
}

// Handle is the opaque backend-specific reference a SpawnRequest produces:
// a pod name, container id, YARN application id, or remote ssh pid. It is
// round-tripped through Discover/Status/SendNativeSignal/
// TerminateBackendResources.
type Handle struct {
	// BackendHandle is the adapter-defined opaque identifier (container ID,
	// pod name, YARN application ID, "host:pid" for Distributed).
	BackendHandle string
	// PidOrHandle is the local or remote process id, when the backend
	// exposes one; 0 if not applicable (e.g. a Kubernetes pod).
	PidOrHandle int
}

// Adapter is the capability set every backend target implements.
type Adapter interface {
	// Spawn starts the backend resource and returns its Handle. It must not
	// block waiting for the kernel to become ready; that is the Response
	// Manager's and Discover's job.
	Spawn(ctx context.Context, req SpawnRequest) (Handle, error)

	// Discover locates the host/IP/pod-name the kernel ended up running on,
	// blocking (subject to ctx) until the backend reports the resource has
	// reached a running-or-later state.
	Discover(ctx context.Context, h Handle) (assignedHost string, err error)

	// Status reports the adapter's coarse view of h's current lifecycle
	// state. Called periodically by the supervisor's poll loop.
	Status(ctx context.Context, h Handle) (BackendStatus, error)

	// SendNativeSignal asks the backend to deliver signum to the resource
	// at the OS/API level (SSH for Distributed, exec for containerized
	// backends), used when socket-based signalling isn't sufficient.
	SendNativeSignal(ctx context.Context, h Handle, signum int) error

	// TerminateBackendResources tears down the backend resource. It must be
	// idempotent and safe to call on a partially-launched or already-gone
	// resource, since it is invoked from both the happy-path terminate flow
	// and launch-failure cleanup.
	TerminateBackendResources(ctx context.Context, h Handle) error
}
