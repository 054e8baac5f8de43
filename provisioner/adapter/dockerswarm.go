package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/remote-provisioner/provisioner"
)

// DockerSwarmAdapter launches kernels as single-replica Docker Swarm
// services instead of bare containers, for deployments where the host pool
// itself is a Swarm cluster.
//
// Grounded on docker_swarm.py's label-filter discovery
// (filters={"label": "kernel_id=..."}) and its swarm task-state-driven
// status reporting; adapted from local_daemon/invoker/docker.go's templated
// shell-out idiom into direct Docker Engine API service calls.
type DockerSwarmAdapter struct {
	log logger.Logger

	cli         *client.Client
	networkName string
}

// NewDockerSwarmAdapter builds a DockerSwarmAdapter against the ambient
// Docker Engine API connection.
func NewDockerSwarmAdapter(networkName string) (*DockerSwarmAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building docker client: %w", err)
	}
	if networkName == "" {
		networkName = DockerNetworkNameDefault
	}

	a := &DockerSwarmAdapter{cli: cli, networkName: networkName}
	config.InitLogger(&a.log, a)
	return a, nil
}

func (a *DockerSwarmAdapter) String() string { return "DockerSwarmAdapter" }

// Spawn creates a single-replica Swarm service for the kernel. req.Argv[0]
// is the image; req.Argv[1:] becomes the service's command.
func (a *DockerSwarmAdapter) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	if len(req.Argv) == 0 {
		return Handle{}, provisioner.Errorf(provisioner.KindBackendLaunchFailed, "docker swarm adapter requires a non-empty argv (image + command)")
	}

	image := req.Argv[0]
	cmd := req.Argv[1:]
	serviceName := kernelContainerName(req.KernelID)

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	replicas := uint64(1)
	spec := swarm.ServiceSpec{
		Annotations: swarm.Annotations{
			Name:   serviceName,
			Labels: map[string]string{dockerKernelLabel: req.KernelID},
		},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: &swarm.ContainerSpec{
				Image:   image,
				Command: cmd,
				Env:     env,
				Labels:  map[string]string{dockerKernelLabel: req.KernelID},
				Mounts:  []mount.Mount{},
			},
			Networks: []swarm.NetworkAttachmentConfig{{Target: a.networkName}},
		},
		Mode: swarm.ServiceMode{
			Replicated: &swarm.ReplicatedService{Replicas: &replicas},
		},
	}

	resp, err := a.cli.ServiceCreate(ctx, spec, types.ServiceCreateOptions{})
	if err != nil {
		return Handle{}, provisioner.Wrap(provisioner.KindBackendLaunchFailed,
			fmt.Errorf("creating swarm service %s: %w", serviceName, stripDockerPrefix(err)))
	}

	a.log.Debug("created swarm service %s (id=%s) for kernel '%s'", serviceName, resp.ID, req.KernelID)
	return Handle{BackendHandle: resp.ID}, nil
}

// kernelTask returns the most recently created task backing h's service,
// whatever its state, or nil if the service has no tasks.
func (a *DockerSwarmAdapter) kernelTask(ctx context.Context, h Handle) (*swarm.Task, error) {
	tasks, err := a.cli.TaskList(ctx, types.TaskListOptions{
		Filters: filters.NewArgs(filters.Arg("service", h.BackendHandle)),
	})
	if err != nil {
		return nil, stripDockerPrefix(err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	// Swarm may retain old tasks after a reschedule; the most recently
	// created one reflects current reality.
	latest := tasks[0]
	for _, t := range tasks[1:] {
		if t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	return &latest, nil
}

// swarmInitialStates and swarmErrorStates are docker_swarm.py's task-state
// sets, carried over verbatim.
var (
	swarmInitialStates = map[swarm.TaskState]bool{swarm.TaskStateNew: true, swarm.TaskStatePending: true, swarm.TaskStateAssigned: true, swarm.TaskStateAccepted: true, swarm.TaskStatePreparing: true, swarm.TaskStateStarting: true, swarm.TaskStateRunning: true}
	swarmErrorStates   = map[swarm.TaskState]bool{swarm.TaskStateFailed: true, swarm.TaskStateRejected: true, swarm.TaskStateOrphaned: true, swarm.TaskStateRemove: true}
)

// Discover polls the service's task list until a task reports Running, then
// returns the task's assigned network IP.
func (a *DockerSwarmAdapter) Discover(ctx context.Context, h Handle) (string, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		task, err := a.kernelTask(ctx, h)
		if err != nil {
			return "", provisioner.Wrap(provisioner.KindBackendDiscoveryFailed, err)
		}

		if task != nil {
			if task.Status.State == swarm.TaskStateRunning {
				for _, attachment := range task.NetworksAttachments {
					for _, addr := range attachment.Addresses {
						if ip := stripCIDR(addr); ip != "" {
							return ip, nil
						}
					}
				}
				return "", provisioner.Errorf(provisioner.KindBackendDiscoveryFailed, "swarm task for service %s is running but has no assigned address", h.BackendHandle)
			}
			if swarmErrorStates[task.Status.State] {
				return "", provisioner.Errorf(provisioner.KindBackendDiscoveryFailed, "swarm task for service %s entered error state %s: %s", h.BackendHandle, task.Status.State, task.Status.Err)
			}
		}

		select {
		case <-ctx.Done():
			return "", provisioner.Wrap(provisioner.KindBackendDiscoveryFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Status reports a coarse BackendStatus derived from the service's current
// task state.
func (a *DockerSwarmAdapter) Status(ctx context.Context, h Handle) (BackendStatus, error) {
	task, err := a.kernelTask(ctx, h)
	if err != nil {
		return StatusUnknown, provisioner.Wrap(provisioner.KindBackendDiscoveryFailed, err)
	}
	if task == nil {
		return StatusTerminated, nil
	}

	switch {
	case task.Status.State == swarm.TaskStateRunning:
		return StatusRunning, nil
	case swarmInitialStates[task.Status.State]:
		return StatusPending, nil
	case swarmErrorStates[task.Status.State]:
		return StatusFailed, nil
	case task.Status.State == swarm.TaskStateShutdown || task.Status.State == swarm.TaskStateComplete:
		return StatusTerminated, nil
	default:
		return StatusUnknown, nil
	}
}

// SendNativeSignal is unsupported for Swarm services: the Engine API has no
// per-task kill-with-signal call, only ServiceUpdate with a forced restart.
// Signalling must go through the kernel's communication socket instead.
func (a *DockerSwarmAdapter) SendNativeSignal(ctx context.Context, h Handle, signum int) error {
	return provisioner.Errorf(provisioner.KindBackendLaunchFailed, "native signalling is not supported for docker swarm services; use the communication socket")
}

// TerminateBackendResources removes the kernel's Swarm service, which tears
// down its task(s) as a side effect.
func (a *DockerSwarmAdapter) TerminateBackendResources(ctx context.Context, h Handle) error {
	if h.BackendHandle == "" {
		return nil
	}
	if err := a.cli.ServiceRemove(ctx, h.BackendHandle); err != nil && !client.IsErrNotFound(err) {
		return provisioner.Wrap(provisioner.KindBackendLaunchFailed, stripDockerPrefix(err))
	}
	return nil
}

func stripCIDR(addr string) string {
	for i := 0; i < len(addr); i++ {
		if addr[i] == '/' {
			return addr[:i]
		}
	}
	return addr
}
