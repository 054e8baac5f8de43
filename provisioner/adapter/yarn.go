package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/remote-provisioner/provisioner"
)

const (
	EnvYarnEndpoint                = "GP_YARN_ENDPOINT"
	EnvAltYarnEndpoint             = "GP_ALT_YARN_ENDPOINT"
	EnvYarnEndpointSecurityEnabled = "GP_YARN_ENDPOINT_SECURITY_ENABLED"
)

// YarnOptions configures a YarnAdapter, matching yarn.py's primary/alternate
// Resource Manager endpoints and SPNEGO switch.
type YarnOptions struct {
	Endpoint        string
	AltEndpoint     string
	SecurityEnabled bool
	HTTPClient      *http.Client
	PollInterval    time.Duration
}

// YarnOptionsFromEnv reads GP_YARN_ENDPOINT/GP_ALT_YARN_ENDPOINT/
// GP_YARN_ENDPOINT_SECURITY_ENABLED.
func YarnOptionsFromEnv(getenv func(string) string) YarnOptions {
	return YarnOptions{
		Endpoint:        getenv(EnvYarnEndpoint),
		AltEndpoint:     getenv(EnvAltYarnEndpoint),
		SecurityEnabled: strings.EqualFold(getenv(EnvYarnEndpointSecurityEnabled), "true"),
	}
}

// YarnAdapter launches kernels as YARN applications by shelling out to the
// kernel spec's launch script (which itself submits the YARN job), then
// polls the Resource Manager's REST API for application state.
//
// Supplemented in full from yarn.py, since spec.md names the YARN backend
// in one paragraph without detailing its wire shape: the primary/alternate
// endpoint fallback and polling by applicationName are carried over;
// SPNEGO/Kerberos auth is represented by SecurityEnabled but left to an
// http.RoundTripper the caller installs on HTTPClient, since Go has no
// single canonical SPNEGO client in the example corpus to bind to.
type YarnAdapter struct {
	log logger.Logger

	opts YarnOptions
}

// NewYarnAdapter builds a YarnAdapter against the given Resource Manager
// endpoints.
func NewYarnAdapter(opts YarnOptions) *YarnAdapter {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	a := &YarnAdapter{opts: opts}
	config.InitLogger(&a.log, a)
	return a
}

func (a *YarnAdapter) String() string { return "YarnAdapter" }

// Spawn runs the kernel's launch script (argv[0] + argv[1:]) with
// --name {kernel_id} appended, matching the teacher's process-proxy launch
// idiom: the script itself performs the `yarn jar`/`spark-submit` call and
// exits once the application is accepted.
func (a *YarnAdapter) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	if len(req.Argv) == 0 {
		return Handle{}, provisioner.Errorf(provisioner.KindBackendLaunchFailed, "yarn adapter requires a non-empty argv (launch script + args)")
	}

	argv := append(append([]string{}, req.Argv...), "--name", req.KernelID)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		return Handle{}, provisioner.Wrap(provisioner.KindBackendLaunchFailed, err)
	}
	go func() { _ = cmd.Wait() }()

	return Handle{BackendHandle: req.KernelID, PidOrHandle: cmd.Process.Pid}, nil
}

type yarnApp struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type yarnAppsResponse struct {
	Apps struct {
		App []yarnApp `json:"app"`
	} `json:"apps"`
}

// queryApp hits ws/v1/cluster/apps?applicationName={kernel_id} on the
// primary endpoint, falling back to the alternate endpoint (matching yarn.py's
// HA Resource Manager failover) if the primary is unreachable.
func (a *YarnAdapter) queryApp(ctx context.Context, kernelID string) (*yarnApp, error) {
	endpoints := []string{a.opts.Endpoint}
	if a.opts.AltEndpoint != "" {
		endpoints = append(endpoints, a.opts.AltEndpoint)
	}

	var lastErr error
	for _, endpoint := range endpoints {
		if endpoint == "" {
			continue
		}
		url := fmt.Sprintf("%s/ws/v1/cluster/apps?applicationName=%s", strings.TrimRight(endpoint, "/"), kernelID)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := a.opts.HTTPClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		var parsed yarnAppsResponse
		decErr := json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if decErr != nil {
			lastErr = decErr
			continue
		}

		if len(parsed.Apps.App) == 0 {
			return nil, nil
		}
		return &parsed.Apps.App[0], nil
	}

	return nil, lastErr
}

var (
	yarnInitialStates = map[string]bool{"NEW": true, "SUBMITTED": true, "ACCEPTED": true, "RUNNING": true}
	yarnFinalStates   = map[string]bool{"FINISHED": true, "KILLED": true, "FAILED": true}
)

// Discover polls until the application reaches RUNNING, then returns the
// application id (YARN exposes host assignment only via container logs, so
// downstream connectivity relies on the kernel's own response payload
// rather than an adapter-discovered network address).
func (a *YarnAdapter) Discover(ctx context.Context, h Handle) (string, error) {
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	for {
		app, err := a.queryApp(ctx, h.BackendHandle)
		if err != nil {
			return "", provisioner.Wrap(provisioner.KindBackendDiscoveryFailed, err)
		}
		if app != nil {
			if app.State == "RUNNING" {
				return app.ID, nil
			}
			if app.State == "FAILED" || app.State == "KILLED" {
				return "", provisioner.Errorf(provisioner.KindBackendDiscoveryFailed, "yarn application %s entered state %s", h.BackendHandle, app.State)
			}
		}

		select {
		case <-ctx.Done():
			return "", provisioner.Wrap(provisioner.KindBackendDiscoveryFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Status reports the application's current YARN state folded into
// BackendStatus, regarding ACCEPTED/SUBMITTED as still-pending per poll()'s
// "application ID not yet available" tolerance.
func (a *YarnAdapter) Status(ctx context.Context, h Handle) (BackendStatus, error) {
	app, err := a.queryApp(ctx, h.BackendHandle)
	if err != nil {
		return StatusUnknown, provisioner.Wrap(provisioner.KindBackendDiscoveryFailed, err)
	}
	if app == nil {
		return StatusTerminated, nil
	}

	switch {
	case app.State == "RUNNING":
		return StatusRunning, nil
	case yarnInitialStates[app.State]:
		return StatusPending, nil
	case app.State == "FAILED":
		return StatusFailed, nil
	case yarnFinalStates[app.State]:
		return StatusTerminated, nil
	default:
		return StatusUnknown, nil
	}
}

// SendNativeSignal maps signum 0 to a poll and SIGKILL to termination,
// matching send_signal's "YARN has no remote-interrupt equivalent" carve-out;
// any other signal is rejected since it cannot be delivered through the YARN
// REST API.
func (a *YarnAdapter) SendNativeSignal(ctx context.Context, h Handle, signum int) error {
	switch signum {
	case 0:
		_, err := a.Status(ctx, h)
		return err
	case 9: // SIGKILL
		return a.TerminateBackendResources(ctx, h)
	default:
		return provisioner.Errorf(provisioner.KindBackendLaunchFailed, "yarn adapter cannot deliver signal %d remotely; use the communication socket", signum)
	}
}

// TerminateBackendResources kills the application via
// PUT ws/v1/cluster/apps/{id}/state {"state":"KILLED"}.
func (a *YarnAdapter) TerminateBackendResources(ctx context.Context, h Handle) error {
	app, err := a.queryApp(ctx, h.BackendHandle)
	if err != nil {
		return provisioner.Wrap(provisioner.KindBackendLaunchFailed, err)
	}
	if app == nil {
		return nil
	}

	body := strings.NewReader(`{"state":"KILLED"}`)
	url := fmt.Sprintf("%s/ws/v1/cluster/apps/%s/state", strings.TrimRight(a.opts.Endpoint, "/"), app.ID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return provisioner.Wrap(provisioner.KindBackendLaunchFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.opts.HTTPClient.Do(httpReq)
	if err != nil {
		return provisioner.Wrap(provisioner.KindBackendLaunchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return provisioner.Errorf(provisioner.KindBackendLaunchFailed, "killing yarn application %s: unexpected status %d", app.ID, resp.StatusCode)
	}
	return nil
}
