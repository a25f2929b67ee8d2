package worker

// ============================================================================
// Worker Pool Test File
// Purpose: verify pull loop, timeouts, failure classification, shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/pbem-host/pkg/types"
)

// fakeSource hands out queued jobs and records acknowledgements.
type fakeSource struct {
	mu         sync.Mutex
	jobs       []types.Job
	acks       map[types.JobID]Result
	ackedBy    map[types.JobID]string
	heartbeats int
	pollErr    error
}

func newFakeSource(jobs ...types.Job) *fakeSource {
	return &fakeSource{jobs: jobs, acks: map[types.JobID]Result{}, ackedBy: map[types.JobID]string{}}
}

func (s *fakeSource) Poll(ctx context.Context, workerID string, maxJobs int) ([]types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	n := min(maxJobs, len(s.jobs))
	out := append([]types.Job(nil), s.jobs[:n]...)
	s.jobs = s.jobs[n:]
	return out, nil
}

func (s *fakeSource) Acknowledge(ctx context.Context, workerID string, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks[result.JobID] = result
	s.ackedBy[result.JobID] = workerID
	return nil
}

func (s *fakeSource) Heartbeat(ctx context.Context, workerID string, load int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *fakeSource) ack(id types.JobID) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.acks[id]
	return r, ok
}

func (s *fakeSource) ackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acks)
}

func job(id string, action string) types.Job {
	return types.Job{ID: types.JobID(id), Call: types.Call{Action: action}, Attempt: 1}
}

func fastConfig() Config {
	return Config{NodeID: "test", PollInterval: 10 * time.Millisecond, DefaultTimeout: time.Second}
}

func handlerByAction(t *testing.T) Handler {
	t.Helper()
	return func(ctx context.Context, j types.Job) error {
		switch j.Call.Action {
		case "ok":
			return nil
		case "fail":
			return errors.New("engine exited 1")
		case "permanent":
			return Permanent(errors.New("game is not running"))
		case "panic":
			panic("nil save-state")
		case "slow":
			<-ctx.Done()
			return ctx.Err()
		}
		return fmt.Errorf("unknown action %q", j.Call.Action)
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(Config{}, newFakeSource(), handlerByAction(t))
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
	assert.Equal(t, "worker", pool.cfg.NodeID)
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(fastConfig(), newFakeSource(), handlerByAction(t))

	require.NoError(t, pool.Start(4))
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.ErrorIs(t, pool.Start(2), ErrPoolStarted)
	pool.Stop()
	pool.Stop()

	assert.Error(t, NewPool(fastConfig(), newFakeSource(), handlerByAction(t)).Start(0))
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(fastConfig(), newFakeSource(), handlerByAction(t))
	pool.Stop()
	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
}

func TestWorkerExecution(t *testing.T) {
	src := newFakeSource()
	for i := 0; i < 10; i++ {
		src.jobs = append(src.jobs, job(fmt.Sprintf("job-%d", i), "ok"))
	}
	pool := NewPool(fastConfig(), src, handlerByAction(t))
	require.NoError(t, pool.Start(3))
	defer pool.Stop()

	require.Eventually(t, func() bool { return src.ackCount() == 10 }, 5*time.Second, 10*time.Millisecond)
	for i := 0; i < 10; i++ {
		r, _ := src.ack(types.JobID(fmt.Sprintf("job-%d", i)))
		assert.True(t, r.Success)
		assert.Empty(t, r.Error)
	}
}

// ============================================================================
// Failure classification
// ============================================================================

func TestFailures(t *testing.T) {
	src := newFakeSource(job("f", "fail"), job("p", "permanent"), job("x", "panic"))
	pool := NewPool(fastConfig(), src, handlerByAction(t))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.Eventually(t, func() bool { return src.ackCount() == 3 }, 5*time.Second, 10*time.Millisecond)

	f, _ := src.ack("f")
	assert.False(t, f.Success)
	assert.False(t, f.Permanent)
	assert.Equal(t, "engine exited 1", f.Error)

	p, _ := src.ack("p")
	assert.False(t, p.Success)
	assert.True(t, p.Permanent)

	x, _ := src.ack("x")
	assert.False(t, x.Success)
	assert.Contains(t, x.Error, "nil save-state")
}

func TestTimeout(t *testing.T) {
	slow := job("s", "slow")
	slow.Timeout = 50 * time.Millisecond
	src := newFakeSource(slow)
	pool := NewPool(fastConfig(), src, handlerByAction(t))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.Eventually(t, func() bool { return src.ackCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	r, _ := src.ack("s")
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, context.DeadlineExceeded.Error())
	assert.Less(t, r.Duration, time.Second)
}

func TestPermanentHelpers(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("bad turn")
	err := fmt.Errorf("run-turn: %w", Permanent(base))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}

// ============================================================================
// Shutdown
// ============================================================================

func TestGracefulShutdown(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	src := newFakeSource(job("long", "long"))
	pool := NewPool(fastConfig(), src, func(ctx context.Context, j types.Job) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, pool.Start(1))

	<-started
	assert.Equal(t, 1, pool.Load())

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	r, ok := src.ack("long")
	require.True(t, ok, "running job must be acknowledged before Stop returns")
	assert.True(t, r.Success)
	assert.Equal(t, 0, pool.Load())
}

func TestPollErrorsKeepPolling(t *testing.T) {
	src := newFakeSource(job("a", "ok"))
	src.pollErr = errors.New("master unavailable")
	pool := NewPool(fastConfig(), src, handlerByAction(t))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, src.ackCount())

	src.mu.Lock()
	src.pollErr = nil
	src.mu.Unlock()
	require.Eventually(t, func() bool { return src.ackCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeat(t *testing.T) {
	src := newFakeSource()
	cfg := fastConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	pool := NewPool(cfg, src, handlerByAction(t))
	require.NoError(t, pool.Start(1))

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.heartbeats >= 2
	}, 2*time.Second, 10*time.Millisecond)
	pool.Stop()
}
