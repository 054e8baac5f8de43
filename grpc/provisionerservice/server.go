package provisionerservice

import (
	"context"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/scusemua/remote-provisioner/provisioner/binding"
	"github.com/scusemua/remote-provisioner/provisioner/policy"
	"github.com/scusemua/remote-provisioner/provisioner/registry"
	"github.com/scusemua/remote-provisioner/provisioner/supervisor"
)

// Server implements ProvisionerServiceServer over a Registry, lazily
// building one binding.StateMachine per provisioner_name (each backed by
// the adapter the Registry resolves) and one supervisor.Supervisor per
// kernel_id, mirroring how the Gateway in the teacher owns one
// GatewayDaemon per cluster but dispatches per-kernel work to per-kernel
// state.
type Server struct {
	log logger.Logger

	registry *registry.Registry
	waiter   binding.Waiter
	global   *policy.GlobalPolicy

	mu           sync.Mutex
	stateMachine map[string]*binding.StateMachine  // provisioner_name -> shared state machine
	supervisors  map[string]*supervisor.Supervisor // kernel_id -> its supervisor
}

// NewServer builds a Server. waiter is the process-wide Response Manager
// waiter table, shared across every provisioner's StateMachine.
func NewServer(reg *registry.Registry, waiter binding.Waiter, global *policy.GlobalPolicy) *Server {
	s := &Server{
		registry:     reg,
		waiter:       waiter,
		global:       global,
		stateMachine: map[string]*binding.StateMachine{},
		supervisors:  map[string]*supervisor.Supervisor{},
	}
	config.InitLogger(&s.log, s)
	return s
}

func (s *Server) String() string { return "ProvisionerGRPCServer" }

func (s *Server) stateMachineFor(provisionerName string, spec binding.KernelSpec) (*binding.StateMachine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sm, ok := s.stateMachine[provisionerName]; ok {
		return sm, nil
	}

	a, err := s.registry.Resolve(spec)
	if err != nil {
		return nil, err
	}

	sm := binding.New(a, s.waiter, s.global)
	s.stateMachine[provisionerName] = sm
	return sm, nil
}

func (s *Server) supervisorFor(kernelID string) (*supervisor.Supervisor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sup, ok := s.supervisors[kernelID]
	return sup, ok
}

// Start implements ProvisionerServiceServer.
func (s *Server) Start(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	spec := binding.KernelSpec{
		Argv:            req.Argv,
		Env:             req.Env,
		DisplayName:     req.DisplayName,
		Language:        req.Language,
		ProvisionerName: req.ProvisionerName,
		Config:          req.Config,
	}

	sm, err := s.stateMachineFor(req.ProvisionerName, spec)
	if err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}

	sup := supervisor.New(sm, req.KernelID, req.Username)

	s.mu.Lock()
	s.supervisors[req.KernelID] = sup
	s.mu.Unlock()

	b, err := sup.Start(ctx, spec)
	if err != nil {
		resp := &StartResponse{KernelID: req.KernelID, ErrorMessage: err.Error()}
		if b != nil {
			resp.State = string(b.State)
		}
		return resp, nil
	}
	return &StartResponse{KernelID: req.KernelID, State: string(b.State), AssignedHost: b.AssignedHost}, nil
}

func (s *Server) lookup(kernelID string) (*supervisor.Supervisor, error) {
	sup, ok := s.supervisorFor(kernelID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no binding for kernel '%s'", kernelID)
	}
	return sup, nil
}

// Poll implements ProvisionerServiceServer.
func (s *Server) Poll(ctx context.Context, req *KernelIDRequest) (*PollResponse, error) {
	sup, err := s.lookup(req.KernelID)
	if err != nil {
		return nil, err
	}
	exit, err := sup.Poll()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if exit == nil {
		return &PollResponse{Exited: false}, nil
	}
	resp := &PollResponse{Exited: true, State: string(exit.State)}
	if exit.Err != nil {
		resp.ErrorMessage = exit.Err.Error()
	}
	return resp, nil
}

// SendSignal implements ProvisionerServiceServer.
func (s *Server) SendSignal(ctx context.Context, req *SendSignalRequest) (*Ack, error) {
	sup, err := s.lookup(req.KernelID)
	if err != nil {
		return nil, err
	}
	if err := sup.SendSignal(ctx, req.Signum); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &Ack{}, nil
}

// Interrupt implements ProvisionerServiceServer.
func (s *Server) Interrupt(ctx context.Context, req *KernelIDRequest) (*Ack, error) {
	sup, err := s.lookup(req.KernelID)
	if err != nil {
		return nil, err
	}
	if err := sup.Interrupt(ctx); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &Ack{}, nil
}

// Wait implements ProvisionerServiceServer.
func (s *Server) Wait(ctx context.Context, req *KernelIDRequest) (*WaitResponse, error) {
	sup, err := s.lookup(req.KernelID)
	if err != nil {
		return nil, err
	}
	exit, err := sup.Wait(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	resp := &WaitResponse{State: string(exit.State)}
	if exit.Err != nil {
		resp.ErrorMessage = exit.Err.Error()
	}
	return resp, nil
}

// Shutdown implements ProvisionerServiceServer.
func (s *Server) Shutdown(ctx context.Context, req *ShutdownRequest) (*Ack, error) {
	sup, err := s.lookup(req.KernelID)
	if err != nil {
		return nil, err
	}
	if err := sup.Shutdown(ctx, req.Restart); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &Ack{}, nil
}

// Terminate implements ProvisionerServiceServer.
func (s *Server) Terminate(ctx context.Context, req *KernelIDRequest) (*Ack, error) {
	sup, err := s.lookup(req.KernelID)
	if err != nil {
		return nil, err
	}
	if err := sup.Terminate(ctx); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &Ack{}, nil
}

// Kill implements ProvisionerServiceServer.
func (s *Server) Kill(ctx context.Context, req *KernelIDRequest) (*Ack, error) {
	sup, err := s.lookup(req.KernelID)
	if err != nil {
		return nil, err
	}
	if err := sup.Kill(ctx); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &Ack{}, nil
}

// GetProvisionerInfo implements ProvisionerServiceServer.
func (s *Server) GetProvisionerInfo(ctx context.Context, req *KernelIDRequest) (*ProvisionerInfoResponse, error) {
	sup, err := s.lookup(req.KernelID)
	if err != nil {
		return nil, err
	}
	info, err := sup.GetProvisionerInfo()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &ProvisionerInfoResponse{
		KernelID:      info.KernelID,
		AssignedHost:  info.AssignedHost,
		BackendHandle: info.BackendHandle,
		PidOrHandle:   info.PidOrHandle,
		State:         string(info.State),
	}, nil
}
