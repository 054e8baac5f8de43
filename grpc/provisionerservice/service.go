// Package provisionerservice exposes the Lifecycle Supervisor's Host API
// surface as a gRPC service, so a host application running in a separate
// process can drive kernel bindings the same way the teacher's Gateway
// drives its Local Daemons over gRPC.
//
// Grounded on gateway/internal/grpc's GatewayDaemon/ClusterGatewayServer
// pattern (an interface of context-taking RPC methods, registered against
// a *grpc.Server via a ServiceDesc), with one deliberate substitution: the
// retrieval pack's common/proto only carries hand-written helper methods
// on generated message types (PrettyString, etc.) — the .proto sources and
// protoc-gen-go/protoc-gen-go-grpc output themselves were filtered out of
// the pack as pure generated boilerplate, leaving nothing to regenerate
// from by hand with confidence. Rather than hand-author protobuf wire
// encoding (fragile without protoc), this service registers a JSON
// encoding.Codec under the name "proto" — grpc-go resolves codecs by name
// and the last registration for a given name wins, so every unary call
// through this ServiceDesc is framed as ordinary gRPC (HTTP/2, streams,
// status codes, deadlines) with JSON payloads instead of protobuf wire
// bytes. google.golang.org/grpc remains the real transport dependency;
// only the wire codec changes.
package provisionerservice

import (
	"context"

	"google.golang.org/grpc"

	"github.com/scusemua/remote-provisioner/provisioner/policy"
)

// StartRequest carries a Host API start(spec, env) call.
type StartRequest struct {
	KernelID        string              `json:"kernel_id"`
	Username        string              `json:"username"`
	ProvisionerName string              `json:"provisioner_name"`
	Argv            []string            `json:"argv"`
	Env             map[string]string   `json:"env"`
	DisplayName     string              `json:"display_name"`
	Language        string              `json:"language"`
	Config          policy.KernelConfig `json:"config,omitempty"`
}

// KernelIDRequest is the common envelope for poll/interrupt/wait/terminate/
// kill/get_provisioner_info, which need only a kernel_id.
type KernelIDRequest struct {
	KernelID string `json:"kernel_id"`
}

// SendSignalRequest carries a Host API send_signal(int) call.
type SendSignalRequest struct {
	KernelID string `json:"kernel_id"`
	Signum   int    `json:"signum"`
}

// ShutdownRequest carries a Host API shutdown(restart) call.
type ShutdownRequest struct {
	KernelID string `json:"kernel_id"`
	Restart  bool   `json:"restart"`
}

// StartResponse reports the binding reached after Start returns (RUNNING
// on success, FAILED with ErrorMessage set otherwise).
type StartResponse struct {
	KernelID     string `json:"kernel_id"`
	State        string `json:"state"`
	AssignedHost string `json:"assigned_host"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// PollResponse is poll()'s Option<ExitStatus>: Exited is false while the
// binding is still running.
type PollResponse struct {
	Exited       bool   `json:"exited"`
	State        string `json:"state,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// WaitResponse is wait()'s ExitStatus.
type WaitResponse struct {
	State        string `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ProvisionerInfoResponse is get_provisioner_info()'s mapping.
type ProvisionerInfoResponse struct {
	KernelID      string `json:"kernel_id"`
	AssignedHost  string `json:"assigned_host"`
	BackendHandle string `json:"backend_handle"`
	PidOrHandle   int    `json:"pid_or_handle"`
	State         string `json:"state"`
}

// Ack is the empty acknowledgement returned by calls with no interesting
// result (send_signal, interrupt, shutdown, terminate, kill), the analog
// of the teacher's proto.Void.
type Ack struct{}

// ProvisionerServiceServer is the Host API surface, one RPC per verb named
// in spec.md §6.1.
type ProvisionerServiceServer interface {
	Start(ctx context.Context, req *StartRequest) (*StartResponse, error)
	Poll(ctx context.Context, req *KernelIDRequest) (*PollResponse, error)
	SendSignal(ctx context.Context, req *SendSignalRequest) (*Ack, error)
	Interrupt(ctx context.Context, req *KernelIDRequest) (*Ack, error)
	Wait(ctx context.Context, req *KernelIDRequest) (*WaitResponse, error)
	Shutdown(ctx context.Context, req *ShutdownRequest) (*Ack, error)
	Terminate(ctx context.Context, req *KernelIDRequest) (*Ack, error)
	Kill(ctx context.Context, req *KernelIDRequest) (*Ack, error)
	GetProvisionerInfo(ctx context.Context, req *KernelIDRequest) (*ProvisionerInfoResponse, error)
}

// serviceName is the gRPC full method prefix, matching protoc-gen-go-grpc's
// "/{package}.{Service}/{Method}" convention without an actual package
// declaration to derive it from.
const serviceName = "provisionerservice.ProvisionerService"

func unaryHandler[Req, Resp any](call func(srv interface{}, ctx context.Context, req *Req) (*Resp, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

// ServiceDesc is the hand-authored equivalent of protoc-gen-go-grpc's
// generated _ProvisionerService_serviceDesc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ProvisionerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Start", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return unaryHandler(func(s interface{}, ctx context.Context, req *StartRequest) (*StartResponse, error) {
				return s.(ProvisionerServiceServer).Start(ctx, req)
			})(srv, ctx, dec, interceptor)
		}},
		{MethodName: "Poll", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return unaryHandler(func(s interface{}, ctx context.Context, req *KernelIDRequest) (*PollResponse, error) {
				return s.(ProvisionerServiceServer).Poll(ctx, req)
			})(srv, ctx, dec, interceptor)
		}},
		{MethodName: "SendSignal", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return unaryHandler(func(s interface{}, ctx context.Context, req *SendSignalRequest) (*Ack, error) {
				return s.(ProvisionerServiceServer).SendSignal(ctx, req)
			})(srv, ctx, dec, interceptor)
		}},
		{MethodName: "Interrupt", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return unaryHandler(func(s interface{}, ctx context.Context, req *KernelIDRequest) (*Ack, error) {
				return s.(ProvisionerServiceServer).Interrupt(ctx, req)
			})(srv, ctx, dec, interceptor)
		}},
		{MethodName: "Wait", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return unaryHandler(func(s interface{}, ctx context.Context, req *KernelIDRequest) (*WaitResponse, error) {
				return s.(ProvisionerServiceServer).Wait(ctx, req)
			})(srv, ctx, dec, interceptor)
		}},
		{MethodName: "Shutdown", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return unaryHandler(func(s interface{}, ctx context.Context, req *ShutdownRequest) (*Ack, error) {
				return s.(ProvisionerServiceServer).Shutdown(ctx, req)
			})(srv, ctx, dec, interceptor)
		}},
		{MethodName: "Terminate", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return unaryHandler(func(s interface{}, ctx context.Context, req *KernelIDRequest) (*Ack, error) {
				return s.(ProvisionerServiceServer).Terminate(ctx, req)
			})(srv, ctx, dec, interceptor)
		}},
		{MethodName: "Kill", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return unaryHandler(func(s interface{}, ctx context.Context, req *KernelIDRequest) (*Ack, error) {
				return s.(ProvisionerServiceServer).Kill(ctx, req)
			})(srv, ctx, dec, interceptor)
		}},
		{MethodName: "GetProvisionerInfo", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return unaryHandler(func(s interface{}, ctx context.Context, req *KernelIDRequest) (*ProvisionerInfoResponse, error) {
				return s.(ProvisionerServiceServer).GetProvisionerInfo(ctx, req)
			})(srv, ctx, dec, interceptor)
		}},
	},
}

// RegisterProvisionerServiceServer registers srv against s, the hand-written
// equivalent of protoc-gen-go-grpc's generated RegisterXxxServer function.
func RegisterProvisionerServiceServer(s grpc.ServiceRegistrar, srv ProvisionerServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ProvisionerServiceClient is the client stub, the hand-written equivalent
// of protoc-gen-go-grpc's generated client interface.
type ProvisionerServiceClient interface {
	Start(ctx context.Context, req *StartRequest, opts ...grpc.CallOption) (*StartResponse, error)
	Poll(ctx context.Context, req *KernelIDRequest, opts ...grpc.CallOption) (*PollResponse, error)
	SendSignal(ctx context.Context, req *SendSignalRequest, opts ...grpc.CallOption) (*Ack, error)
	Interrupt(ctx context.Context, req *KernelIDRequest, opts ...grpc.CallOption) (*Ack, error)
	Wait(ctx context.Context, req *KernelIDRequest, opts ...grpc.CallOption) (*WaitResponse, error)
	Shutdown(ctx context.Context, req *ShutdownRequest, opts ...grpc.CallOption) (*Ack, error)
	Terminate(ctx context.Context, req *KernelIDRequest, opts ...grpc.CallOption) (*Ack, error)
	Kill(ctx context.Context, req *KernelIDRequest, opts ...grpc.CallOption) (*Ack, error)
	GetProvisionerInfo(ctx context.Context, req *KernelIDRequest, opts ...grpc.CallOption) (*ProvisionerInfoResponse, error)
}

type provisionerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewProvisionerServiceClient wraps cc in a ProvisionerServiceClient.
func NewProvisionerServiceClient(cc grpc.ClientConnInterface) ProvisionerServiceClient {
	return &provisionerServiceClient{cc: cc}
}

func (c *provisionerServiceClient) Start(ctx context.Context, req *StartRequest, opts ...grpc.CallOption) (*StartResponse, error) {
	out := new(StartResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Start", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *provisionerServiceClient) Poll(ctx context.Context, req *KernelIDRequest, opts ...grpc.CallOption) (*PollResponse, error) {
	out := new(PollResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Poll", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *provisionerServiceClient) SendSignal(ctx context.Context, req *SendSignalRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SendSignal", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *provisionerServiceClient) Interrupt(ctx context.Context, req *KernelIDRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Interrupt", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *provisionerServiceClient) Wait(ctx context.Context, req *KernelIDRequest, opts ...grpc.CallOption) (*WaitResponse, error) {
	out := new(WaitResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Wait", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *provisionerServiceClient) Shutdown(ctx context.Context, req *ShutdownRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Shutdown", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *provisionerServiceClient) Terminate(ctx context.Context, req *KernelIDRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Terminate", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *provisionerServiceClient) Kill(ctx context.Context, req *KernelIDRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Kill", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *provisionerServiceClient) GetProvisionerInfo(ctx context.Context, req *KernelIDRequest, opts ...grpc.CallOption) (*ProvisionerInfoResponse, error) {
	out := new(ProvisionerInfoResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetProvisionerInfo", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
