// ============================================================================
// pbem-host Worker - job execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: one goroutine that pulls jobs from the pool's source, runs the
//          handler and acknowledges the outcome.
//
// Loop:
//   1. Poll the source for one job (sleep PollInterval when idle)
//   2. Run the handler under the job's timeout
//   3. Acknowledge success or failure
//   4. Repeat until the pool stops
//
// Stopping never cancels a running handler; the worker finishes and
// acknowledges the job it holds, then exits.
//
// Panics inside a handler are recovered by the effect boundary and reported
// as an ordinary failure carrying the panic value.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/pbem-host/pkg/fx"
	"github.com/ChuLiYu/pbem-host/pkg/types"
)

var log = slog.Default()

const ackTimeout = 10 * time.Second

// Worker is one execution unit of a Pool.
type Worker struct {
	id   string
	pool *Pool
}

func newWorker(id string, pool *Pool) *Worker {
	return &Worker{id: id, pool: pool}
}

// ID returns the worker id reported to the source.
func (w *Worker) ID() string { return w.id }

// Run is the worker's main loop.
func (w *Worker) Run() {
	for {
		select {
		case <-w.pool.stopCh:
			return
		default:
		}

		jobs, err := w.pool.source.Poll(w.pool.pollCtx, w.id, 1)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn("Poll failed", "worker", w.id, "error", err)
			}
			w.idle()
			continue
		}
		if len(jobs) == 0 {
			w.idle()
			continue
		}

		for _, job := range jobs {
			result := w.execute(job)
			ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
			if err := w.pool.source.Acknowledge(ctx, w.id, result); err != nil {
				log.Error("Acknowledge failed", "worker", w.id, "job", job.ID, "error", err)
			}
			cancel()
		}
	}
}

func (w *Worker) idle() {
	select {
	case <-w.pool.stopCh:
	case <-time.After(w.pool.cfg.PollInterval):
	}
}

// execute runs the handler for one job and describes the outcome.
func (w *Worker) execute(job types.Job) Result {
	start := time.Now()
	w.pool.load.Add(1)
	defer w.pool.load.Add(-1)

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = w.pool.cfg.DefaultTimeout
	}
	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	run := fx.Async[fx.Unit](func(ctx context.Context) fx.Result[fx.Unit] {
		return fx.FromError(w.pool.handler(ctx, job))
	})
	err := run.Run(ctx).Err()

	result := Result{
		JobID:    job.ID,
		Success:  err == nil,
		Duration: time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
		result.Permanent = IsPermanent(err)
		log.Warn("Job failed",
			"worker", w.id,
			"job", job.ID,
			"action", job.Call.Action,
			"attempt", job.Attempt,
			"permanent", result.Permanent,
			"error", err)
	} else {
		log.Debug("Job done", "worker", w.id, "job", job.ID, "duration", result.Duration)
	}
	return result
}
