// ============================================================================
// pbem-host Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: where a worker pool gets jobs from and reports results to.
//
//   - standalone / master: the in-process queue server
//   - worker mode: GrpcSource, talking to the master's admin service
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/pbem-host/pkg/types"
)

// JobSource hands out jobs and takes back their results.
type JobSource interface {
	// Poll claims up to maxJobs ready jobs for workerID. An empty slice means
	// nothing is ready.
	Poll(ctx context.Context, workerID string, maxJobs int) ([]types.Job, error)

	// Acknowledge reports the outcome of a claimed job. Sources reject results
	// from a worker that no longer holds the job.
	Acknowledge(ctx context.Context, workerID string, result Result) error

	// Heartbeat tells the source the worker is alive and how many jobs it is
	// running.
	Heartbeat(ctx context.Context, workerID string, load int) error
}
