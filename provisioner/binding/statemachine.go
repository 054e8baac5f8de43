// Package binding implements the per-kernel state machine: KernelSpec in,
// a KernelBinding driven from PENDING through RUNNING (or FAILED) out, and
// the registry tracking every binding for the lifetime of the host process.
//
// Grounded on remote_provisioner.py's RemoteProvisionerBase.launch_kernel/
// pre_launch/handle_launch_timeout control flow, realized as explicit state
// transitions instead of a class hierarchy of overridden coroutines.
package binding

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"

	"github.com/scusemua/remote-provisioner/internal/concurrent"
	"github.com/scusemua/remote-provisioner/internal/jupyter"
	"github.com/scusemua/remote-provisioner/internal/style"
	"github.com/scusemua/remote-provisioner/provisioner"
	"github.com/scusemua/remote-provisioner/provisioner/adapter"
	"github.com/scusemua/remote-provisioner/provisioner/launcher"
	"github.com/scusemua/remote-provisioner/provisioner/policy"
)

// State is one of a KernelBinding's lifecycle stages.
type State string

const (
	StatePending            State = "PENDING"
	StateAuthorized         State = "AUTHORIZED"
	StateLaunching          State = "LAUNCHING"
	StateAwaitingConnection State = "AWAITING_CONNECTION"
	StateDiscovering        State = "DISCOVERING"
	StateRunning            State = "RUNNING"
	StateTerminating        State = "TERMINATING"
	StateTerminated         State = "TERMINATED"
	StateFailed             State = "FAILED"
)

// validNext enumerates the transitions §4.5's diagram permits. Any state
// may additionally transition to TERMINATING (external kill/terminate),
// handled separately in CanTransition rather than duplicated per-entry.
var validNext = map[State][]State{
	StatePending:            {StateAuthorized, StateFailed},
	StateAuthorized:         {StateLaunching, StateFailed},
	StateLaunching:          {StateAwaitingConnection, StateFailed},
	StateAwaitingConnection: {StateDiscovering, StateFailed},
	StateDiscovering:        {StateRunning, StateFailed},
	StateRunning:            {StateTerminating},
	StateTerminating:        {StateTerminated},
}

// CanTransition reports whether the monotonic state diagram permits from→to.
// Every state may transition to TERMINATING regardless of the table above,
// matching "any state → TERMINATING on external kill/terminate"; FAILED and
// TERMINATED are terminal.
func CanTransition(from, to State) bool {
	if from == StateFailed || from == StateTerminated {
		return false
	}
	if to == StateTerminating && from != StateTerminating {
		return true
	}
	for _, candidate := range validNext[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// KernelSpec is the host-supplied, immutable-per-request launch
// description.
type KernelSpec struct {
	Argv            []string
	Env             map[string]string
	DisplayName     string
	Language        string
	ProvisionerName string
	Config          policy.KernelConfig
}

// KernelBinding is the runtime entity tracked for one active kernel, one per
// kernel_id for the lifetime of the host process.
type KernelBinding struct {
	KernelID        string
	Username        string
	State           State
	AssignedHost    string
	ConnectionInfo  jupyter.ConnectionInfo
	LaunchTimestamp time.Time
	BackendHandle   adapter.Handle
	Err             error
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// substituteArgv replaces {kernel_id}, {response_address}, {public_key},
// {port_range} placeholders in argv, matching pre_launch's regex
// substitution. Unknown placeholders are left untouched.
func substituteArgv(argv []string, ns map[string]string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = placeholderPattern.ReplaceAllStringFunc(arg, func(match string) string {
			key := match[1 : len(match)-1]
			if v, ok := ns[key]; ok {
				return v
			}
			return match
		})
	}
	return out
}

// Waiter is the interface the state machine needs from the response
// manager: register a kernel_id before spawning it, then block for its
// connection info.
type Waiter interface {
	Register(kernelID string)
	Await(ctx context.Context, kernelID string) (jupyter.ConnectionInfo, error)
	Cancel(kernelID string)
	ResponseAddress() string
	PublicKeyBase64DER() (string, error)
}

// StateMachine drives KernelBinding instances through launch, steady-state
// polling, signalling, and termination against a single backend Adapter.
type StateMachine struct {
	log logger.Logger

	adapter  adapter.Adapter
	waiter   Waiter
	global   *policy.GlobalPolicy
	listener *launcher.Client

	bindings *concurrent.CornelkMap[string, *KernelBinding]
}

// New builds a StateMachine bound to a single backend adapter and response
// manager.
func New(a adapter.Adapter, w Waiter, global *policy.GlobalPolicy) *StateMachine {
	sm := &StateMachine{
		adapter:  a,
		waiter:   w,
		global:   global,
		listener: launcher.NewClient(),
		bindings: concurrent.NewCornelkMap[string, *KernelBinding](64),
	}
	config.InitLogger(&sm.log, sm)
	return sm
}

func (sm *StateMachine) String() string { return "BindingStateMachine" }

// Get returns the binding for kernelID, if one exists.
func (sm *StateMachine) Get(kernelID string) (*KernelBinding, bool) {
	return sm.bindings.Load(kernelID)
}

// transition mutates b.State in place, logging and leaving b unchanged if
// the state diagram forbids the move rather than mutating into an
// inconsistent state.
func (sm *StateMachine) transition(b *KernelBinding, to State) {
	if !CanTransition(b.State, to) {
		sm.log.Error(style.RedStyle.Render("illegal transition for kernel '%s': %s -> %s"), b.KernelID, b.State, to)
		return
	}
	if to == StateRunning || to == StateTerminated {
		sm.log.Debug(style.DarkGreenStyle.Render("kernel '%s': %s -> %s"), b.KernelID, b.State, to)
	} else {
		sm.log.Debug(style.LightBlueStyle.Render("kernel '%s': %s -> %s"), b.KernelID, b.State, to)
	}
	b.State = to
}

// Launch runs a kernel through PENDING→RUNNING (or →FAILED), per §4.5's
// seven-step sequence: resolve policy, substitute argv, register a waiter,
// spawn, await connection info in parallel with discovery, merge, and on
// any failure perform best-effort adapter cleanup before marking FAILED.
func (sm *StateMachine) Launch(ctx context.Context, kernelID, username string, spec KernelSpec) (*KernelBinding, error) {
	if kernelID == "" {
		kernelID = uuid.NewString()
	}

	b := &KernelBinding{
		KernelID:        kernelID,
		Username:        username,
		State:           StatePending,
		LaunchTimestamp: time.Now(),
	}
	sm.bindings.Store(kernelID, b)

	resolved := policy.Merge(sm.global, &spec.Config)

	if err := resolved.Authorize(username, spec.DisplayName); err != nil {
		sm.log.Error(style.RedStyle.Render("denied launch of kernel '%s' for user '%s': %v"), kernelID, username, err)
		sm.transition(b, StateFailed)
		b.Err = err
		return b, err
	}
	sm.transition(b, StateAuthorized)

	publicKey, err := sm.waiter.PublicKeyBase64DER()
	if err != nil {
		sm.transition(b, StateFailed)
		b.Err = err
		return b, err
	}

	ns := map[string]string{
		"kernel_id":        kernelID,
		"response_address": sm.waiter.ResponseAddress(),
		"public_key":       publicKey,
		"port_range":       portRangeString(resolved),
	}
	argv := substituteArgv(spec.Argv, ns)

	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	env["KERNEL_ID"] = kernelID
	if env["KERNEL_USERNAME"] == "" {
		env["KERNEL_USERNAME"] = username
	}

	sm.waiter.Register(kernelID)
	sm.transition(b, StateLaunching)

	launchCtx := ctx
	var cancel context.CancelFunc
	if resolved.LaunchTimeoutSeconds > 0 {
		launchCtx, cancel = context.WithTimeout(ctx, time.Duration(resolved.LaunchTimeoutSeconds)*time.Second)
		defer cancel()
	}

	handle, err := sm.adapter.Spawn(launchCtx, adapter.SpawnRequest{
		KernelID:             kernelID,
		Username:             username,
		Argv:                 argv,
		Env:                  env,
		ImpersonationEnabled: resolved.ImpersonationEnabled,
	})
	if err != nil {
		sm.waiter.Cancel(kernelID)
		sm.fail(launchCtx, b, provisioner.Wrap(provisioner.KindBackendLaunchFailed, err))
		return b, b.Err
	}
	b.BackendHandle = handle

	sm.transition(b, StateAwaitingConnection)

	type discoveryResult struct {
		host string
		err  error
	}
	discoveryCh := make(chan discoveryResult, 1)
	go func() {
		sm.transition(b, StateDiscovering)
		host, derr := sm.adapter.Discover(launchCtx, handle)
		discoveryCh <- discoveryResult{host, derr}
	}()

	connInfo, waitErr := sm.waiter.Await(launchCtx, kernelID)
	discovered := <-discoveryCh

	if waitErr != nil {
		sm.fail(launchCtx, b, waitErr)
		return b, b.Err
	}
	if discovered.err != nil {
		sm.fail(launchCtx, b, provisioner.Wrap(provisioner.KindBackendDiscoveryFailed, discovered.err))
		return b, b.Err
	}

	b.AssignedHost = discovered.host
	b.ConnectionInfo = connInfo
	if b.ConnectionInfo.IP == "" {
		b.ConnectionInfo.IP = discovered.host
	}
	sm.transition(b, StateRunning)

	return b, nil
}

func (sm *StateMachine) fail(ctx context.Context, b *KernelBinding, err error) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if b.BackendHandle.BackendHandle != "" {
		if cerr := sm.adapter.TerminateBackendResources(cleanupCtx, b.BackendHandle); cerr != nil {
			sm.log.Warn("cleanup after failed launch of kernel '%s' also failed: %v", b.KernelID, cerr)
		}
	}
	sm.transition(b, StateFailed)
	b.Err = err
}

// Terminate moves a RUNNING binding through TERMINATING to TERMINATED,
// invoking the adapter's teardown regardless of whether the launch ever
// fully completed.
func (sm *StateMachine) Terminate(ctx context.Context, kernelID string) error {
	b, ok := sm.bindings.Load(kernelID)
	if !ok {
		return provisioner.Errorf(provisioner.KindUnknownRemoteHost, "no binding for kernel '%s'", kernelID)
	}

	sm.transition(b, StateTerminating)
	sm.waiter.Cancel(kernelID)

	err := sm.adapter.TerminateBackendResources(ctx, b.BackendHandle)
	sm.transition(b, StateTerminated)
	return err
}

// Status polls the adapter for b's current backend state and folds
// TERMINATED/FAILED outcomes back into the binding.
func (sm *StateMachine) Status(ctx context.Context, kernelID string) (adapter.BackendStatus, error) {
	b, ok := sm.bindings.Load(kernelID)
	if !ok {
		return adapter.StatusUnknown, provisioner.Errorf(provisioner.KindUnknownRemoteHost, "no binding for kernel '%s'", kernelID)
	}

	status, err := sm.adapter.Status(ctx, b.BackendHandle)
	if err != nil {
		return adapter.StatusUnknown, err
	}

	switch status {
	case adapter.StatusTerminated:
		if b.State != StateTerminated {
			sm.transition(b, StateTerminating)
			sm.transition(b, StateTerminated)
		}
	case adapter.StatusFailed:
		if b.State != StateFailed && b.State != StateTerminated {
			b.State = StateFailed
		}
	}

	return status, nil
}

// SendNativeSignal delivers signum to kernelID, the state machine's half of
// the Host API's send_signal(int). When the launcher reported a
// communication port, that socket is the primary delivery path (matching
// _send_signal_via_listener's preference over a remote-shell kill, since it
// works regardless of which OS user the kernel process runs as); the
// adapter's own OS/API-level delivery is the fallback for backends whose
// launcher never established one.
func (sm *StateMachine) SendNativeSignal(ctx context.Context, kernelID string, signum int) error {
	b, ok := sm.bindings.Load(kernelID)
	if !ok {
		return provisioner.Errorf(provisioner.KindUnknownRemoteHost, "no binding for kernel '%s'", kernelID)
	}

	if addr := launcher.Addr(b.ConnectionInfo); addr != "" {
		if err := sm.listener.SendSignal(addr, signum); err == nil {
			return nil
		}
		sm.log.Debug("listener signal delivery failed for kernel '%s', falling back to adapter", kernelID)
	}

	return sm.adapter.SendNativeSignal(ctx, b.BackendHandle, signum)
}

// ShutdownListener best-effort notifies kernelID's launcher listener to
// close its communication socket, matching shutdown_listener's role ahead
// of an actual Terminate: skipped entirely if no communication port was
// ever established. Errors are swallowed since the listener may already be
// gone by the time this runs (an expected race, not a failure).
func (sm *StateMachine) ShutdownListener(kernelID string) {
	b, ok := sm.bindings.Load(kernelID)
	if !ok {
		return
	}

	if addr := launcher.Addr(b.ConnectionInfo); addr != "" {
		if err := sm.listener.Shutdown(addr); err != nil {
			sm.log.Debug("listener shutdown request failed for kernel '%s': %v", kernelID, err)
		}
	}
}

func portRangeString(c *policy.ResolvedConfig) string {
	if c.PortRange.Unconstrained() {
		return "0..0"
	}
	return strings.Join([]string{strconv.Itoa(c.PortRange.Low), strconv.Itoa(c.PortRange.High)}, "..")
}
