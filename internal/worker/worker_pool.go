// ============================================================================
// pbem-host Worker Pool - concurrent job executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: run N workers that drain a JobSource.
//
// Architecture:
//   ┌──────────────┐  Poll / Acknowledge  ┌────────────────────────┐
//   │  JobSource   │ <------------------- │ Pool                   │
//   │ (queue or    │                      │  ┌────────┐            │
//   │  GrpcSource) │ <--- Heartbeat ----- │  │Worker 1│ --Handler  │
//   └──────────────┘                      │  │Worker 2│ --Handler  │
//                                         │  └────────┘            │
//                                         └────────────────────────┘
//
// Lifecycle:
//   1. NewPool(cfg, source, handler)
//   2. Start(n) - launch n workers and the heartbeat loop
//   3. Stop()   - stop polling, wait for running jobs to be acknowledged
//
// Pull mode means the pool never buffers jobs: a job is claimed only when a
// worker is free to run it, so the source's deadline covers execution only.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolClosed is returned when the pool or its source has stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted is returned by a second Start
	ErrPoolStarted = errors.New("worker pool already started")
)

// Config tunes a Pool.
type Config struct {
	NodeID            string        // prefix of worker ids
	PollInterval      time.Duration // idle wait between empty polls
	HeartbeatInterval time.Duration // 0 disables heartbeats
	DefaultTimeout    time.Duration // for jobs without their own timeout
}

// Pool runs workers against one JobSource.
type Pool struct {
	cfg     Config
	source  JobSource
	handler Handler

	workers []*Worker
	stopCh  chan struct{}
	pollCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	load    atomic.Int32

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool creates a stopped pool.
func NewPool(cfg Config, source JobSource, handler Handler) *Pool {
	if cfg.NodeID == "" {
		cfg.NodeID = "worker"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		source:  source,
		handler: handler,
		workers: make([]*Worker, 0),
		stopCh:  make(chan struct{}),
		pollCtx: ctx,
		cancel:  cancel,
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", workerCount)
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(fmt.Sprintf("%s-%d", p.cfg.NodeID, i), p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run()
		}()
	}

	if p.cfg.HeartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	p.started = true
	log.Info("Worker pool started", "node", p.cfg.NodeID, "workers", workerCount)
	return nil
}

// heartbeatLoop reports the pool's load under the node id.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.source.Heartbeat(p.pollCtx, p.cfg.NodeID, p.Load()); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("Heartbeat failed", "node", p.cfg.NodeID, "error", err)
			}
		}
	}
}

// Stop stops polling and waits for every running job to be acknowledged.
// Calling Stop on a pool that never started only marks it closed.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	close(p.stopCh)
	p.cancel()
	if started {
		p.wg.Wait()
		log.Info("Worker pool stopped", "node", p.cfg.NodeID)
	}
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Load is the number of jobs running right now.
func (p *Pool) Load() int {
	return int(p.load.Load())
}
