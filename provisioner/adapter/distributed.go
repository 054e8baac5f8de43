package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/remote-provisioner/provisioner"
	"github.com/scusemua/remote-provisioner/provisioner/loadbalancer"
)

const (
	EnvRemoteUser        = "GP_REMOTE_USER"
	EnvRemotePwd         = "GP_REMOTE_PWD"
	EnvRemoteGSSSSH      = "GP_REMOTE_GSS_SSH"
	EnvKernelLogDir      = "GP_KERNEL_LOG_DIR"
	EnvSSHPortEnv        = "GP_SSH_PORT"
	defaultKernelLog     = "/tmp"
	defaultSSHTunnelPort = 22
)

// DistributedOptions configures a DistributedAdapter.
type DistributedOptions struct {
	HostPool        *loadbalancer.HostPool
	RemoteUser      string
	RemotePassword  string
	UseGSS          bool
	SSHPort         int
	KnownHostsPath  string
	Insecure        bool
	KernelLogDir    string
	MaxPollAttempts int
	PollInterval    time.Duration
}

// DistributedOptionsFromEnv reads GP_REMOTE_USER/GP_REMOTE_PWD/
// GP_REMOTE_GSS_SSH, logging the same mutual-exclusivity warning
// distributed.py issues when GSS is combined with password/user auth.
func DistributedOptionsFromEnv(getenv func(string) string, log logger.Logger, pool *loadbalancer.HostPool) DistributedOptions {
	remoteUser := getenv(EnvRemoteUser)
	remotePwd := getenv(EnvRemotePwd)
	useGSS := strings.EqualFold(getenv(EnvRemoteGSSSSH), "true")

	sshPort := defaultSSHTunnelPort
	if raw := getenv(EnvSSHPortEnv); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			sshPort = parsed
		}
	}

	opts := DistributedOptions{
		HostPool:        pool,
		UseGSS:          useGSS,
		RemotePassword:  remotePwd,
		SSHPort:         sshPort,
		KernelLogDir:    orDefault(getenv(EnvKernelLogDir), defaultKernelLog),
		MaxPollAttempts: 5,
		PollInterval:    time.Second,
	}

	if useGSS {
		if remotePwd != "" || remoteUser != "" {
			if log != nil {
				log.Warn("both GP_REMOTE_GSS_SSH and one of GP_REMOTE_PWD or GP_REMOTE_USER are set; " +
					"those options are mutually exclusive, GP_REMOTE_GSS_SSH will take priority")
			}
		}
	} else {
		if remoteUser == "" {
			if u, err := user.Current(); err == nil {
				remoteUser = u.Username
			}
		}
		opts.RemoteUser = remoteUser
	}

	return opts
}

// DistributedAdapter launches kernels as bare processes on a pool of remote
// hosts reached over SSH, or directly via exec when the chosen host is the
// local machine.
//
// Fully supplemented from distributed.py, which has no equivalent in
// local_daemon/invoker: host selection via loadbalancer.HostPool,
// nohup-and-capture-pid remote launch, signal-0 polling, and
// SIGTERM-then-poll-then-SIGKILL termination escalation.
type DistributedAdapter struct {
	log logger.Logger

	opts DistributedOptions
}

// NewDistributedAdapter builds a DistributedAdapter.
func NewDistributedAdapter(opts DistributedOptions) *DistributedAdapter {
	if opts.SSHPort == 0 {
		opts.SSHPort = defaultSSHTunnelPort
	}
	if opts.MaxPollAttempts == 0 {
		opts.MaxPollAttempts = 5
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}

	a := &DistributedAdapter{opts: opts}
	config.InitLogger(&a.log, a)
	return a
}

func (a *DistributedAdapter) String() string { return "DistributedAdapter" }

func isLocalHost(host string) bool {
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return false
	}
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, ip := range ips {
		for _, addr := range ifaceAddrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
				return true
			}
		}
	}
	return false
}

// buildStartupCommand wraps argv in an env-export + nohup + pid-capture
// shell command for remote hosts, matching _build_startup_command;
// local hosts run argv unwrapped since exec.CommandContext already gives us
// the PID directly.
func buildStartupCommand(argv []string, env map[string]string, kernelLog string) string {
	var b strings.Builder
	if kid := env["KERNEL_ID"]; kid != "" {
		fmt.Fprintf(&b, "export KERNEL_ID=%q; ", kid)
	}
	if user := env["KERNEL_USERNAME"]; user != "" {
		fmt.Fprintf(&b, "export KERNEL_USERNAME=%q; ", user)
	}
	if imp := env["GP_IMPERSONATION_ENABLED"]; imp != "" {
		fmt.Fprintf(&b, "export GP_IMPERSONATION_ENABLED=%q; ", imp)
	}
	for k, v := range env {
		if k == "KERNEL_ID" || k == "KERNEL_USERNAME" || k == "GP_IMPERSONATION_ENABLED" {
			continue
		}
		encoded, _ := json.Marshal(v)
		fmt.Fprintf(&b, "export %s=%s; ", k, encoded)
	}

	b.WriteString("nohup")
	for _, arg := range argv {
		b.WriteString(" ")
		b.WriteString(arg)
	}
	fmt.Fprintf(&b, " >> %s 2>&1 & echo $!", kernelLog)

	return b.String()
}

func (a *DistributedAdapter) dial(ctx context.Context, host string) (*ssh.Client, error) {
	var hostKeyCallback ssh.HostKeyCallback
	if a.opts.Insecure {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		knownHostsPath := a.opts.KnownHostsPath
		if knownHostsPath == "" {
			if home, err := os.UserHomeDir(); err == nil {
				knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
			}
		}
		cb, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	auth := []ssh.AuthMethod{}
	if a.opts.RemotePassword != "" {
		auth = append(auth, ssh.Password(a.opts.RemotePassword))
	}

	clientConfig := &ssh.ClientConfig{
		User:            a.opts.RemoteUser,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", host, a.opts.SSHPort)
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, provisioner.Wrap(provisioner.KindBackendLaunchFailed, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, provisioner.Wrap(provisioner.KindBackendLaunchFailed, fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// rsh runs command on host over SSH and returns trimmed stdout (falling
// back to stderr if stdout is empty, matching _rsh).
func (a *DistributedAdapter) rsh(ctx context.Context, host, command string) (string, error) {
	client, err := a.dial(ctx, host)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", provisioner.Wrap(provisioner.KindBackendLaunchFailed, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Run(command); err != nil {
		if stdout.Len() == 0 && stderr.Len() > 0 {
			return strings.TrimSpace(stderr.String()), nil
		}
		return "", provisioner.Wrap(provisioner.KindBackendLaunchFailed, fmt.Errorf("remote command failed on %s: %w", host, err))
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		out = strings.TrimSpace(stderr.String())
	}
	return out, nil
}

// Spawn selects a host via the load balancer, then runs the kernel either
// as a local subprocess (host resolves to this machine) or via SSH.
func (a *DistributedAdapter) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	if len(req.Argv) == 0 {
		return Handle{}, provisioner.Errorf(provisioner.KindBackendLaunchFailed, "distributed adapter requires a non-empty argv")
	}

	host := req.Env["KERNEL_REMOTE_HOST"]
	if a.opts.HostPool != nil {
		var err error
		host, err = a.opts.HostPool.NextHost(req.KernelID, host)
		if err != nil {
			return Handle{}, err
		}
	} else if host == "" {
		return Handle{}, provisioner.Errorf(provisioner.KindUnknownRemoteHost, "no remote host pool configured and no KERNEL_REMOTE_HOST override provided")
	}

	kernelLog := filepath.Join(a.opts.KernelLogDir, fmt.Sprintf("kernel-%s.log", req.KernelID))

	argv := req.Argv
	if req.ImpersonationEnabled && req.Username != "" {
		if a.opts.UseGSS {
			a.log.Warn("impersonation of '%s' skipped for kernel '%s': GSS SSH is enabled", req.Username, req.KernelID)
		} else {
			argv = append([]string{"sudo", "-u", req.Username}, req.Argv...)
		}
	}

	if isLocalHost(host) {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Env = os.Environ()
		for k, v := range req.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		logFile, err := os.OpenFile(kernelLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return Handle{}, provisioner.Wrap(provisioner.KindBackendLaunchFailed, err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile

		if err := cmd.Start(); err != nil {
			logFile.Close()
			return Handle{}, provisioner.Wrap(provisioner.KindBackendLaunchFailed, err)
		}
		go func() { defer logFile.Close(); _ = cmd.Wait() }()

		return Handle{BackendHandle: fmt.Sprintf("%s:%d", host, cmd.Process.Pid), PidOrHandle: cmd.Process.Pid}, nil
	}

	startup := buildStartupCommand(argv, req.Env, kernelLog)
	out, err := a.rsh(ctx, host, startup)
	if err != nil {
		return Handle{}, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return Handle{}, provisioner.Errorf(provisioner.KindBackendLaunchFailed, "remote launch on %s did not return a pid: %q", host, out)
	}

	a.log.Debug("launched kernel '%s' on host %s with pid %d", req.KernelID, host, pid)
	return Handle{BackendHandle: fmt.Sprintf("%s:%d", host, pid), PidOrHandle: pid}, nil
}

func splitDistributedHandle(h Handle) (host string, pid int, err error) {
	idx := strings.LastIndex(h.BackendHandle, ":")
	if idx < 0 {
		return "", 0, provisioner.Errorf(provisioner.KindUnknownRemoteHost, "malformed distributed handle %q", h.BackendHandle)
	}
	pid, err = strconv.Atoi(h.BackendHandle[idx+1:])
	if err != nil {
		return "", 0, provisioner.Errorf(provisioner.KindUnknownRemoteHost, "malformed distributed handle %q", h.BackendHandle)
	}
	return h.BackendHandle[:idx], pid, nil
}

// signalProbe sends signum to pid on host, returning whether the process is
// still alive (kill -0 semantics for signum 0).
func (a *DistributedAdapter) signalProbe(ctx context.Context, host string, pid, signum int) (bool, error) {
	if isLocalHost(host) {
		proc, err := os.FindProcess(pid)
		if err != nil {
			return false, nil
		}
		err = proc.Signal(syscall.Signal(signum))
		return err == nil, nil
	}

	cmd := fmt.Sprintf("kill -%d %d", signum, pid)
	_, err := a.rsh(ctx, host, cmd)
	return err == nil, nil
}

// Discover is a no-op for Distributed: the assigned host is already known
// at Spawn time, since there is no separate scheduling step.
func (a *DistributedAdapter) Discover(ctx context.Context, h Handle) (string, error) {
	host, _, err := splitDistributedHandle(h)
	return host, err
}

// Status probes the remote process with signal 0, matching poll()'s
// alive/not-alive result folded onto the adapter's coarser status enum.
func (a *DistributedAdapter) Status(ctx context.Context, h Handle) (BackendStatus, error) {
	host, pid, err := splitDistributedHandle(h)
	if err != nil {
		return StatusUnknown, err
	}

	alive, err := a.signalProbe(ctx, host, pid, 0)
	if err != nil {
		return StatusUnknown, provisioner.Wrap(provisioner.KindBackendDiscoveryFailed, err)
	}
	if alive {
		return StatusRunning, nil
	}
	return StatusTerminated, nil
}

// SendNativeSignal delivers signum to the remote pid via a local os.Signal
// call or a remote `kill`.
func (a *DistributedAdapter) SendNativeSignal(ctx context.Context, h Handle, signum int) error {
	host, pid, err := splitDistributedHandle(h)
	if err != nil {
		return err
	}
	if _, err := a.signalProbe(ctx, host, pid, signum); err != nil {
		return provisioner.Wrap(provisioner.KindBackendLaunchFailed, err)
	}
	return nil
}

// TerminateBackendResources escalates SIGTERM, polls up to MaxPollAttempts
// times, then sends SIGKILL if the process is still alive, matching kill()'s
// soft-then-hard sequence.
func (a *DistributedAdapter) TerminateBackendResources(ctx context.Context, h Handle) error {
	status, err := a.Status(ctx, h)
	if err != nil {
		return err
	}
	if status == StatusTerminated {
		return nil
	}

	if err := a.SendNativeSignal(ctx, h, 15); err != nil { // SIGTERM
		return err
	}

	for i := 0; i < a.opts.MaxPollAttempts; i++ {
		select {
		case <-ctx.Done():
			return provisioner.Wrap(provisioner.KindBackendLaunchFailed, ctx.Err())
		case <-time.After(a.opts.PollInterval):
		}
		status, err := a.Status(ctx, h)
		if err != nil {
			return err
		}
		if status == StatusTerminated {
			return nil
		}
	}

	return a.SendNativeSignal(ctx, h, 9) // SIGKILL
}

// ReleaseHost frees kernelID's least-connection slot in the configured host
// pool. The Adapter interface's TerminateBackendResources only carries an
// opaque Handle (host:pid, with no kernel_id), so callers that track
// kernel_id→binding themselves (the state machine) invoke this directly once
// a kernel's teardown completes.
func (a *DistributedAdapter) ReleaseHost(kernelID string) {
	if a.opts.HostPool != nil {
		a.opts.HostPool.Release(kernelID)
	}
}
