package pbemv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "pbem.v1.Orchestrator"

// OrchestratorServer is the server API of the service.
type OrchestratorServer interface {
	RunTurn(context.Context, *RunTurnRequest) (*RunTurnResponse, error)
	GetJobStatus(context.Context, *JobStatusRequest) (*JobStatusResponse, error)
	Reconcile(context.Context, *ReconcileRequest) (*ReconcileResponse, error)
	GameCommand(context.Context, *GameCommandRequest) (*GameCommandResponse, error)
	PollJobs(context.Context, *PollJobsRequest) (*PollJobsResponse, error)
	AcknowledgeJob(context.Context, *AcknowledgeJobRequest) (*AcknowledgeJobResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

// UnimplementedOrchestratorServer answers every method with Unimplemented.
// Embed it to keep servers compiling when methods are added.
type UnimplementedOrchestratorServer struct{}

func (UnimplementedOrchestratorServer) RunTurn(context.Context, *RunTurnRequest) (*RunTurnResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RunTurn not implemented")
}

func (UnimplementedOrchestratorServer) GetJobStatus(context.Context, *JobStatusRequest) (*JobStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetJobStatus not implemented")
}

func (UnimplementedOrchestratorServer) Reconcile(context.Context, *ReconcileRequest) (*ReconcileResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Reconcile not implemented")
}

func (UnimplementedOrchestratorServer) GameCommand(context.Context, *GameCommandRequest) (*GameCommandResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GameCommand not implemented")
}

func (UnimplementedOrchestratorServer) PollJobs(context.Context, *PollJobsRequest) (*PollJobsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method PollJobs not implemented")
}

func (UnimplementedOrchestratorServer) AcknowledgeJob(context.Context, *AcknowledgeJobRequest) (*AcknowledgeJobResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method AcknowledgeJob not implemented")
}

func (UnimplementedOrchestratorServer) Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Heartbeat not implemented")
}

func (UnimplementedOrchestratorServer) Stats(context.Context, *StatsRequest) (*StatsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Stats not implemented")
}

// ServiceDesc describes the service to grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrchestratorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("RunTurn", OrchestratorServer.RunTurn),
		unary("GetJobStatus", OrchestratorServer.GetJobStatus),
		unary("Reconcile", OrchestratorServer.Reconcile),
		unary("GameCommand", OrchestratorServer.GameCommand),
		unary("PollJobs", OrchestratorServer.PollJobs),
		unary("AcknowledgeJob", OrchestratorServer.AcknowledgeJob),
		unary("Heartbeat", OrchestratorServer.Heartbeat),
		unary("Stats", OrchestratorServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pbem/v1/orchestrator",
}

// RegisterOrchestratorServer registers srv on s.
func RegisterOrchestratorServer(s grpc.ServiceRegistrar, srv OrchestratorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FullMethod returns "/pbem.v1.Orchestrator/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary adapts a typed method to the Struct wire form.
func unary[Req, Resp any](name string, call func(OrchestratorServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handle := func(ctx context.Context, raw any) (any, error) {
				req := new(Req)
				if err := FromStruct(raw.(*structpb.Struct), req); err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := call(srv.(OrchestratorServer), ctx, req)
				if err != nil {
					return nil, err
				}
				out, err := ToStruct(resp)
				if err != nil {
					return nil, status.Error(codes.Internal, err.Error())
				}
				return out, nil
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handle)
		},
	}
}
