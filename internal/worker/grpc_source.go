package worker

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/pbem-host/api/pbemv1"
	"github.com/ChuLiYu/pbem-host/pkg/types"
)

// GrpcSource is a JobSource backed by a master node's admin service.
type GrpcSource struct {
	client *pbemv1.OrchestratorClient
}

// NewGrpcSource creates a source over an established connection.
func NewGrpcSource(conn grpc.ClientConnInterface) *GrpcSource {
	return &GrpcSource{client: pbemv1.NewOrchestratorClient(conn)}
}

// Poll claims jobs on the master.
func (s *GrpcSource) Poll(ctx context.Context, workerID string, maxJobs int) ([]types.Job, error) {
	resp, err := s.client.PollJobs(ctx, &pbemv1.PollJobsRequest{WorkerID: workerID, MaxJobs: maxJobs})
	if err != nil {
		return nil, remoteErr("poll", err)
	}
	jobs := make([]types.Job, 0, len(resp.Jobs))
	for _, j := range resp.Jobs {
		jobs = append(jobs, j.Native(workerID))
	}
	return jobs, nil
}

// Acknowledge reports a result to the master.
func (s *GrpcSource) Acknowledge(ctx context.Context, workerID string, result Result) error {
	resp, err := s.client.AcknowledgeJob(ctx, &pbemv1.AcknowledgeJobRequest{
		WorkerID:   workerID,
		JobID:      string(result.JobID),
		Success:    result.Success,
		Error:      result.Error,
		Permanent:  result.Permanent,
		DurationMs: result.Duration.Milliseconds(),
	})
	if err != nil {
		return remoteErr("ack", err)
	}
	if !resp.Accepted {
		return fmt.Errorf("master rejected ack for job %s", result.JobID)
	}
	return nil
}

// Heartbeat reports liveness and load to the master.
func (s *GrpcSource) Heartbeat(ctx context.Context, workerID string, load int) error {
	_, err := s.client.Heartbeat(ctx, &pbemv1.HeartbeatRequest{
		WorkerID:  workerID,
		Load:      load,
		Timestamp: time.Now().UnixMilli(),
	})
	return remoteErr("heartbeat", err)
}

// ResultFrom rebuilds a worker result received over the wire.
func ResultFrom(req *pbemv1.AcknowledgeJobRequest) Result {
	return Result{
		JobID:     types.JobID(req.JobID),
		Success:   req.Success,
		Error:     req.Error,
		Permanent: req.Permanent,
		Duration:  time.Duration(req.DurationMs) * time.Millisecond,
	}
}

// remoteErr maps a stopped master to ErrPoolClosed.
func remoteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.Unavailable {
		return fmt.Errorf("rpc %s: %w: %v", op, ErrPoolClosed, err)
	}
	return fmt.Errorf("rpc %s: %w", op, err)
}
