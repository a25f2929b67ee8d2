package pbemv1

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/pbem-host/pkg/types"
)

type fakeServer struct {
	UnimplementedOrchestratorServer
	lastRun *RunTurnRequest
	methods []string
}

func (f *fakeServer) RunTurn(_ context.Context, in *RunTurnRequest) (*RunTurnResponse, error) {
	f.lastRun = in
	if in.GameID == 0 {
		return nil, status.Error(codes.InvalidArgument, "game id is required")
	}
	return &RunTurnResponse{JobID: "job-1"}, nil
}

func (f *fakeServer) PollJobs(_ context.Context, in *PollJobsRequest) (*PollJobsResponse, error) {
	deadline := int64(1741003200000)
	job := types.Job{
		ID:          "job-7",
		Call:        types.Call{Action: "run-turn", Args: map[string]string{"game": "3"}},
		Attempt:     2,
		MaxAttempts: 3,
		Timeout:     90 * time.Second,
		Deadline:    &deadline,
	}
	return &PollJobsResponse{Jobs: []Job{JobFrom(job)}}, nil
}

func dial(t *testing.T, srv OrchestratorServer, opts ...grpc.ServerOption) *OrchestratorClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(opts...)
	RegisterOrchestratorServer(s, srv)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewOrchestratorClient(conn)
}

func TestStructRoundTrip(t *testing.T) {
	in := GameCommandRequest{Command: CommandCreate, GameID: 12, Name: "Atlantis", Schedule: "0 12 * * MON"}
	s, err := ToStruct(in)
	require.NoError(t, err)
	assert.Equal(t, "Atlantis", s.GetFields()["name"].GetStringValue())
	assert.Equal(t, 12.0, s.GetFields()["game_id"].GetNumberValue())

	var out GameCommandRequest
	require.NoError(t, FromStruct(s, &out))
	assert.Equal(t, in, out)
}

func TestUnaryCall(t *testing.T) {
	fake := &fakeServer{}
	client := dial(t, fake)
	ctx := context.Background()

	resp, err := client.RunTurn(ctx, &RunTurnRequest{GameID: 3, Turn: 4, ForceMerge: true})
	require.NoError(t, err)
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, &RunTurnRequest{GameID: 3, Turn: 4, ForceMerge: true}, fake.lastRun)

	_, err = client.RunTurn(ctx, &RunTurnRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Reconcile(ctx, &ReconcileRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestJobOverTheWire(t *testing.T) {
	client := dial(t, &fakeServer{})

	resp, err := client.PollJobs(context.Background(), &PollJobsRequest{WorkerID: "w-1", MaxJobs: 1})
	require.NoError(t, err)
	require.Len(t, resp.Jobs, 1)

	job := resp.Jobs[0].Native("w-1")
	assert.Equal(t, types.JobID("job-7"), job.ID)
	assert.Equal(t, "3", job.Call.Arg("game"))
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, 90*time.Second, job.Timeout)
	require.NotNil(t, job.Deadline)
	assert.Equal(t, int64(1741003200000), *job.Deadline)
	assert.Equal(t, "w-1", job.WorkerID)
	assert.Equal(t, types.StateProcessing, job.Status)
}

func TestInterceptorSeesFullMethod(t *testing.T) {
	fake := &fakeServer{}
	intercept := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		fake.methods = append(fake.methods, info.FullMethod)
		return handler(ctx, req)
	}
	client := dial(t, fake, grpc.UnaryInterceptor(intercept))

	_, err := client.RunTurn(context.Background(), &RunTurnRequest{GameID: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"/pbem.v1.Orchestrator/RunTurn"}, fake.methods)
}
