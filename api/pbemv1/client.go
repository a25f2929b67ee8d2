package pbemv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// OrchestratorClient calls the service over a client connection.
type OrchestratorClient struct {
	cc grpc.ClientConnInterface
}

func NewOrchestratorClient(cc grpc.ClientConnInterface) *OrchestratorClient {
	return &OrchestratorClient{cc: cc}
}

func (c *OrchestratorClient) RunTurn(ctx context.Context, in *RunTurnRequest, opts ...grpc.CallOption) (*RunTurnResponse, error) {
	return invoke[RunTurnResponse](ctx, c.cc, "RunTurn", in, opts)
}

func (c *OrchestratorClient) GetJobStatus(ctx context.Context, in *JobStatusRequest, opts ...grpc.CallOption) (*JobStatusResponse, error) {
	return invoke[JobStatusResponse](ctx, c.cc, "GetJobStatus", in, opts)
}

func (c *OrchestratorClient) Reconcile(ctx context.Context, in *ReconcileRequest, opts ...grpc.CallOption) (*ReconcileResponse, error) {
	return invoke[ReconcileResponse](ctx, c.cc, "Reconcile", in, opts)
}

func (c *OrchestratorClient) GameCommand(ctx context.Context, in *GameCommandRequest, opts ...grpc.CallOption) (*GameCommandResponse, error) {
	return invoke[GameCommandResponse](ctx, c.cc, "GameCommand", in, opts)
}

func (c *OrchestratorClient) PollJobs(ctx context.Context, in *PollJobsRequest, opts ...grpc.CallOption) (*PollJobsResponse, error) {
	return invoke[PollJobsResponse](ctx, c.cc, "PollJobs", in, opts)
}

func (c *OrchestratorClient) AcknowledgeJob(ctx context.Context, in *AcknowledgeJobRequest, opts ...grpc.CallOption) (*AcknowledgeJobResponse, error) {
	return invoke[AcknowledgeJobResponse](ctx, c.cc, "AcknowledgeJob", in, opts)
}

func (c *OrchestratorClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	return invoke[HeartbeatResponse](ctx, c.cc, "Heartbeat", in, opts)
}

func (c *OrchestratorClient) Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error) {
	return invoke[StatsResponse](ctx, c.cc, "Stats", in, opts)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	req, err := ToStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, FullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := FromStruct(out, resp); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}
