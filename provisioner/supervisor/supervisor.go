// Package supervisor implements the Lifecycle Supervisor: one per kernel
// binding, exposing the Host API surface (start/poll/send_signal/interrupt/
// wait/shutdown/terminate/kill/get_provisioner_info) over a StateMachine.
//
// Grounded on the teacher's general pattern of one owning goroutine per
// stateful entity (local_daemon/invoker.KernelInvoker's
// InvokeWithContext/Status/Shutdown/Close/Wait/OnStatusChanged method set),
// adapted here into a single coordinator goroutine per kernel that
// serializes every state-changing call (start/send_signal/shutdown/
// terminate/kill) so two state-changing calls never interleave. Poll reads
// the binding directly, outside that queue.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/remote-provisioner/provisioner"
	"github.com/scusemua/remote-provisioner/provisioner/binding"
)

// ExitStatus is the Host API's view of a terminated/failed binding, the
// analog of wait()'s return value.
type ExitStatus struct {
	State binding.State
	Err   error
}

// defaultShutdownWaitSeconds mirrors get_shutdown_wait_time's fallback when
// no per-kernel override is configured.
const defaultShutdownWaitSeconds = 5

type command struct {
	run  func(ctx context.Context) error
	done chan error
}

// Supervisor owns exactly one KernelBinding's lifecycle, coordinating
// concurrent Host API calls through a single serialized command queue.
type Supervisor struct {
	log logger.Logger

	kernelID string
	username string
	sm       *binding.StateMachine

	shutdownWaitSeconds int

	cmds chan command
	stop chan struct{}
}

// New builds a Supervisor for kernelID against sm, and starts its
// coordinator goroutine. Callers must eventually call Close.
func New(sm *binding.StateMachine, kernelID, username string) *Supervisor {
	s := &Supervisor{
		kernelID:            kernelID,
		username:            username,
		sm:                  sm,
		shutdownWaitSeconds: defaultShutdownWaitSeconds,
		cmds:                make(chan command),
		stop:                make(chan struct{}),
	}
	config.InitLogger(&s.log, s)
	go s.coordinate()
	return s
}

func (s *Supervisor) String() string { return fmt.Sprintf("Supervisor[%s]", s.kernelID) }

// coordinate runs every state-changing command for this kernel one at a
// time, so a send_signal never interleaves with a terminate.
func (s *Supervisor) coordinate() {
	for {
		select {
		case cmd := <-s.cmds:
			cmd.done <- cmd.run(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Close shuts the coordinator goroutine down. It does not terminate the
// kernel; call Terminate first if that's desired.
func (s *Supervisor) Close() {
	close(s.stop)
}

// submit enqueues run and blocks until the coordinator executes it or ctx
// is cancelled first.
func (s *Supervisor) submit(ctx context.Context, run func(ctx context.Context) error) error {
	cmd := command{run: run, done: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return provisioner.Errorf(provisioner.KindUnknownRemoteHost, "supervisor for kernel '%s' is closed", s.kernelID)
	}

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the kernel, the Host API's start(spec, env).
func (s *Supervisor) Start(ctx context.Context, spec binding.KernelSpec) (*binding.KernelBinding, error) {
	var result *binding.KernelBinding
	err := s.submit(ctx, func(ctx context.Context) error {
		b, launchErr := s.sm.Launch(ctx, s.kernelID, s.username, spec)
		result = b
		return launchErr
	})
	return result, err
}

// Poll reports the binding's current exit status, or (nil, nil) if it is
// still running. It reads the synchronized binding snapshot directly
// rather than going through the command queue, since a read can never
// corrupt in-flight state-changing work.
func (s *Supervisor) Poll() (*ExitStatus, error) {
	b, ok := s.sm.Get(s.kernelID)
	if !ok {
		return nil, provisioner.Errorf(provisioner.KindUnknownRemoteHost, "no binding for kernel '%s'", s.kernelID)
	}

	switch b.State {
	case binding.StateTerminated, binding.StateFailed:
		return &ExitStatus{State: b.State, Err: b.Err}, nil
	default:
		return nil, nil
	}
}

// Wait blocks until the binding reaches TERMINATED or FAILED, polling at a
// fixed cadence since the state machine has no completion channel of its
// own to select on.
func (s *Supervisor) Wait(ctx context.Context) (ExitStatus, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if status, err := s.Poll(); err != nil {
			return ExitStatus{}, err
		} else if status != nil {
			return *status, nil
		}

		select {
		case <-ctx.Done():
			return ExitStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SendSignal asks the backend to deliver signum to the running kernel
// process/pod/application, the Host API's send_signal(int).
func (s *Supervisor) SendSignal(ctx context.Context, signum int) error {
	return s.submit(ctx, func(ctx context.Context) error {
		return s.sm.SendNativeSignal(ctx, s.kernelID, signum)
	})
}

// Interrupt is send_signal(SIGINT), kept as its own Host API verb since
// upstream callers distinguish interrupt from an arbitrary signal.
func (s *Supervisor) Interrupt(ctx context.Context) error {
	const sigint = 2
	return s.SendSignal(ctx, sigint)
}

// Shutdown asks the kernel to exit (SIGTERM-equivalent via Terminate). It
// calls Terminate right after notifying the listener and does not itself
// wait GetShutdownWaitTime for the kernel to exit. restart is accepted for Host API parity
// but otherwise has no effect here: restarting a kernel is the host's
// decision to start a fresh binding, not this supervisor's. If the
// launcher established a communication port, it is notified first so its
// listener releases the socket instead of keeping the launcher process
// alive after the kernel itself has terminated.
func (s *Supervisor) Shutdown(ctx context.Context, restart bool) error {
	_ = restart
	s.sm.ShutdownListener(s.kernelID)
	return s.Terminate(ctx)
}

// Terminate moves the binding through TERMINATING to TERMINATED, the Host
// API's terminate().
func (s *Supervisor) Terminate(ctx context.Context) error {
	return s.submit(ctx, func(ctx context.Context) error {
		return s.sm.Terminate(ctx, s.kernelID)
	})
}

// Kill is Terminate with no grace period, the Host API's kill(). The
// underlying adapters already escalate SIGTERM to SIGKILL internally
// (Distributed's poll-then-escalate, Kubernetes' GracePeriodSeconds:0), so
// Kill and Terminate converge on the same teardown path here.
func (s *Supervisor) Kill(ctx context.Context) error {
	return s.Terminate(ctx)
}

// GetShutdownWaitTime returns the configured grace period, or def if none
// was set, matching get_shutdown_wait_time(default).
func (s *Supervisor) GetShutdownWaitTime(def time.Duration) time.Duration {
	if s.shutdownWaitSeconds <= 0 {
		return def
	}
	return time.Duration(s.shutdownWaitSeconds) * time.Second
}

// SetShutdownWaitTime overrides the default grace period, e.g. from a
// per-kernel ResolvedConfig.
func (s *Supervisor) SetShutdownWaitTime(seconds int) {
	s.shutdownWaitSeconds = seconds
}

// ProvisionerInfo is the persistable snapshot returned by
// GetProvisionerInfo/accepted by LoadProvisionerInfo, letting a host
// application restore a binding's addressing after its own restart without
// re-running discovery.
type ProvisionerInfo struct {
	KernelID      string
	AssignedHost  string
	BackendHandle string
	PidOrHandle   int
	State         binding.State
}

// GetProvisionerInfo snapshots enough of the binding to reconstruct its
// addressing later, the Host API's get_provisioner_info() → mapping.
func (s *Supervisor) GetProvisionerInfo() (ProvisionerInfo, error) {
	b, ok := s.sm.Get(s.kernelID)
	if !ok {
		return ProvisionerInfo{}, provisioner.Errorf(provisioner.KindUnknownRemoteHost, "no binding for kernel '%s'", s.kernelID)
	}
	return ProvisionerInfo{
		KernelID:      b.KernelID,
		AssignedHost:  b.AssignedHost,
		BackendHandle: b.BackendHandle.BackendHandle,
		PidOrHandle:   b.BackendHandle.PidOrHandle,
		State:         b.State,
	}, nil
}
