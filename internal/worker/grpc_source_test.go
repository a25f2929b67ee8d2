package worker

import (
	"context"
	"errors"
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

	"github.com/ChuLiYu/pbem-host/api/pbemv1"
	"github.com/ChuLiYu/pbem-host/pkg/types"
)

// master serves a fakeSource over the worker RPCs.
type master struct {
	pbemv1.UnimplementedOrchestratorServer
	src    *fakeSource
	reject bool
}

func (m *master) PollJobs(ctx context.Context, in *pbemv1.PollJobsRequest) (*pbemv1.PollJobsResponse, error) {
	jobs, err := m.src.Poll(ctx, in.WorkerID, in.MaxJobs)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	resp := &pbemv1.PollJobsResponse{}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, pbemv1.JobFrom(j))
	}
	return resp, nil
}

func (m *master) AcknowledgeJob(ctx context.Context, in *pbemv1.AcknowledgeJobRequest) (*pbemv1.AcknowledgeJobResponse, error) {
	if m.reject {
		return &pbemv1.AcknowledgeJobResponse{}, nil
	}
	return &pbemv1.AcknowledgeJobResponse{Accepted: true}, m.src.Acknowledge(ctx, in.WorkerID, ResultFrom(in))
}

func (m *master) Heartbeat(ctx context.Context, in *pbemv1.HeartbeatRequest) (*pbemv1.HeartbeatResponse, error) {
	return &pbemv1.HeartbeatResponse{Acknowledged: true}, m.src.Heartbeat(ctx, in.WorkerID, in.Load)
}

func dialMaster(t *testing.T, m *master) *GrpcSource {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	pbemv1.RegisterOrchestratorServer(s, m)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///master",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewGrpcSource(conn)
}

func TestGrpcSourceRunsRemoteJobs(t *testing.T) {
	src := newFakeSource(job("ok", "a"), job("bad", "b"))
	remote := dialMaster(t, &master{src: src})

	cfg := fastConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	pool := NewPool(cfg, remote, func(ctx context.Context, j types.Job) error {
		if j.ID == "bad" {
			return Permanent(errors.New("no such game"))
		}
		return nil
	})
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.Eventually(t, func() bool { return src.ackCount() == 2 }, 3*time.Second, 10*time.Millisecond)

	ok, _ := src.ack("ok")
	assert.True(t, ok.Success)
	bad, _ := src.ack("bad")
	assert.False(t, bad.Success)
	assert.True(t, bad.Permanent)
	assert.Equal(t, "no such game", bad.Error)

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.heartbeats > 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestGrpcSourceErrors(t *testing.T) {
	src := newFakeSource()
	m := &master{src: src, reject: true}
	remote := dialMaster(t, m)
	ctx := context.Background()

	err := remote.Acknowledge(ctx, "w", Result{JobID: "j"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")

	src.mu.Lock()
	src.pollErr = errors.New("queue stopped")
	src.mu.Unlock()
	_, err = remote.Poll(ctx, "w", 1)
	assert.ErrorIs(t, err, ErrPoolClosed)

	require.NoError(t, remote.Heartbeat(ctx, "w", 0))
}

func TestResultFrom(t *testing.T) {
	r := ResultFrom(&pbemv1.AcknowledgeJobRequest{JobID: "j", Error: "x", Permanent: true, DurationMs: 1500})
	assert.Equal(t, Result{JobID: "j", Error: "x", Permanent: true, Duration: 1500 * time.Millisecond}, r)
}
