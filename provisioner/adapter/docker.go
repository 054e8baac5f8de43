package adapter

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/remote-provisioner/provisioner"
)

const (
	// DockerNetworkNameEnv names the docker network kernel containers are
	// attached to, matching the teacher invoker's env var.
	DockerNetworkNameEnv     = "DOCKER_NETWORK_NAME"
	DockerNetworkNameDefault = "bridge"

	dockerKernelLabel   = "kernel_id"
	dockerKernelNameFmt = "kernel-%s"
	dockerErrorPrefix   = "Error response from daemon: "
)

// DockerAdapter launches kernels as plain (non-Swarm) Docker containers via
// the Docker Engine API, using argv[0] as the image name and the remaining
// argv as the container's command.
//
// Adapted from local_daemon/invoker/docker.go's DockerInvoker: the teacher
// shells out to the `docker` CLI via exec.CommandContext; this adapter talks
// to the daemon directly through github.com/docker/docker/client, which
// covers the same operations (run/stop/rm/inspect) without a subprocess.
type DockerAdapter struct {
	log logger.Logger

	cli         *client.Client
	networkName string
	policy      ContainerPolicy
}

// NewDockerAdapter builds a DockerAdapter from the ambient Docker Engine API
// connection (DOCKER_HOST, or the default Unix socket).
func NewDockerAdapter(networkName string) (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building docker client: %w", err)
	}

	if networkName == "" {
		networkName = DockerNetworkNameDefault
	}

	a := &DockerAdapter{cli: cli, networkName: networkName, policy: ContainerPolicyFromEnv(os.Getenv)}
	config.InitLogger(&a.log, a)
	return a, nil
}

func (a *DockerAdapter) String() string { return "DockerAdapter" }

// kernelContainerName names a kernel's container after its kernel_id plus a
// short random suffix, matching the teacher's generateKernelName disambiguation
// pattern for workloads that relaunch the same kernel_id across runs.
func kernelContainerName(kernelID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf(dockerKernelNameFmt, kernelID) + "-" + suffix
}

// Spawn creates and starts a container for the kernel. req.Argv[0] is the
// image; req.Argv[1:] becomes the container command.
func (a *DockerAdapter) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	if len(req.Argv) == 0 {
		return Handle{}, provisioner.Errorf(provisioner.KindBackendLaunchFailed, "docker adapter requires a non-empty argv (image + command)")
	}

	image := req.Argv[0]
	cmd := req.Argv[1:]
	name := kernelContainerName(req.KernelID)

	envMap := make(map[string]string, len(req.Env))
	for k, v := range req.Env {
		envMap[k] = v
	}
	a.policy.ApplyWorkingDirMirror(envMap)
	if err := a.policy.EnforceProhibitedIDs(envMap); err != nil {
		return Handle{}, err
	}

	env := make([]string, 0, len(envMap))
	for k, v := range envMap {
		env = append(env, k+"="+v)
	}

	containerConfig := &container.Config{
		Image:  image,
		Cmd:    cmd,
		Env:    env,
		Labels: map[string]string{dockerKernelLabel: req.KernelID},
	}

	hostConfig := &container.HostConfig{}
	networkConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			a.networkName: {},
		},
	}

	resp, err := a.cli.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, name)
	if err != nil {
		return Handle{}, provisioner.Wrap(provisioner.KindBackendLaunchFailed,
			fmt.Errorf("creating container %s: %w", name, stripDockerPrefix(err)))
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Handle{}, provisioner.Wrap(provisioner.KindBackendLaunchFailed,
			fmt.Errorf("starting container %s: %w", resp.ID, stripDockerPrefix(err)))
	}

	a.log.Debug("started kernel container %s (id=%s) for kernel '%s'", name, resp.ID, req.KernelID)
	return Handle{BackendHandle: resp.ID}, nil
}

// Discover waits for the container to report Running and returns its
// network IP, extracted from NetworkSettings.Networks[network].IPAddress
// with a fallback to the first attached network that reports an IP if that
// key is absent.
func (a *DockerAdapter) Discover(ctx context.Context, h Handle) (string, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		inspect, err := a.cli.ContainerInspect(ctx, h.BackendHandle)
		if err != nil {
			return "", provisioner.Wrap(provisioner.KindBackendDiscoveryFailed, stripDockerPrefix(err))
		}

		if inspect.State != nil && inspect.State.Running {
			if inspect.NetworkSettings != nil {
				if net, ok := inspect.NetworkSettings.Networks[a.networkName]; ok && net.IPAddress != "" {
					return net.IPAddress, nil
				}
				for _, net := range inspect.NetworkSettings.Networks {
					if net.IPAddress != "" {
						return net.IPAddress, nil
					}
				}
			}
			return "", provisioner.Errorf(provisioner.KindBackendDiscoveryFailed, "container %s is running but has no assigned IP", h.BackendHandle)
		}

		select {
		case <-ctx.Done():
			return "", provisioner.Wrap(provisioner.KindBackendDiscoveryFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}

// dockerInitialStates and dockerErrorStates mirror docker_swarm.py's
// initial/error state sets, adapted to plain Docker container states.
var (
	dockerInitialStates = map[string]bool{"created": true, "running": true}
	dockerErrorStates   = map[string]bool{"restarting": true, "removing": true, "paused": true, "exited": true, "dead": true}
)

// Status reports a coarse BackendStatus derived from the container's Docker
// state string.
func (a *DockerAdapter) Status(ctx context.Context, h Handle) (BackendStatus, error) {
	inspect, err := a.cli.ContainerInspect(ctx, h.BackendHandle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return StatusTerminated, nil
		}
		return StatusUnknown, provisioner.Wrap(provisioner.KindBackendDiscoveryFailed, stripDockerPrefix(err))
	}

	if inspect.State == nil {
		return StatusUnknown, nil
	}

	switch {
	case inspect.State.Running:
		return StatusRunning, nil
	case dockerInitialStates[inspect.State.Status]:
		return StatusPending, nil
	case inspect.State.ExitCode != 0:
		return StatusFailed, nil
	case dockerErrorStates[inspect.State.Status]:
		return StatusTerminated, nil
	default:
		return StatusUnknown, nil
	}
}

// SendNativeSignal delivers signum to the container's PID 1 via the Docker
// Engine API's kill endpoint.
func (a *DockerAdapter) SendNativeSignal(ctx context.Context, h Handle, signum int) error {
	if err := a.cli.ContainerKill(ctx, h.BackendHandle, signalName(signum)); err != nil {
		return provisioner.Wrap(provisioner.KindBackendLaunchFailed, stripDockerPrefix(err))
	}
	return nil
}

// TerminateBackendResources stops and removes the kernel's container. It is
// idempotent: a not-found container is treated as already torn down.
func (a *DockerAdapter) TerminateBackendResources(ctx context.Context, h Handle) error {
	if h.BackendHandle == "" {
		return nil
	}

	timeout := 5
	if err := a.cli.ContainerStop(ctx, h.BackendHandle, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		a.log.Warn("failed to stop container %s cleanly: %v", h.BackendHandle, stripDockerPrefix(err))
	}

	if err := a.cli.ContainerRemove(ctx, h.BackendHandle, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return provisioner.Wrap(provisioner.KindBackendLaunchFailed, stripDockerPrefix(err))
	}

	return nil
}

func stripDockerPrefix(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if idx := strings.Index(msg, dockerErrorPrefix); idx >= 0 {
		return fmt.Errorf("%s", msg[idx+len(dockerErrorPrefix):])
	}
	return err
}

func signalName(signum int) string {
	return fmt.Sprintf("%d", signum)
}
