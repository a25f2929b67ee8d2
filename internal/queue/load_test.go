package queue

// ============================================================================
// Load and crash recovery
// ============================================================================
//
// TestRecoveryUnderLoad:
//   500 jobs, part of them finished before a snapshot and part after it,
//   then a crash without a final snapshot. The restarted server must know
//   every job, in the state it was acknowledged in, within 3 seconds.
//
// BenchmarkEnqueueClaimAck:
//   one full job lifecycle per iteration through the WAL.
//
// ============================================================================

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/pbem-host/internal/worker"
	"github.com/ChuLiYu/pbem-host/pkg/types"
)

func TestRecoveryUnderLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("load test")
	}
	const (
		total       = 500
		beforeSnap  = 150
		afterSnap   = 150
		failEvery   = 10
		maxRecovery = 3 * time.Second
	)
	dir := t.TempDir()
	clock := &fakeClock{t: monday}
	ctx := context.Background()

	s1, err := NewServer(testConfig(dir, clock), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s1.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < total; i++ {
		mustEnqueue(t, s1, runTurn(fmt.Sprint(i)), EnqueueOptions{ID: types.JobID(fmt.Sprintf("load-%d", i))})
	}

	want := map[types.JobState]int{}
	finish := func(n int) {
		for i := 0; i < n; i++ {
			job := mustPoll(t, s1, "w1")
			result := worker.Result{JobID: job.ID, Success: true}
			if i%failEvery == 0 {
				result = worker.Result{JobID: job.ID, Error: "engine crashed", Permanent: true}
			}
			if err := s1.Acknowledge(ctx, "w1", result); err != nil {
				t.Fatalf("Acknowledge %s: %v", job.ID, err)
			}
			if result.Success {
				want[types.StateSucceeded]++
			} else {
				want[types.StateFailed]++
			}
		}
	}
	finish(beforeSnap)
	if err := s1.takeSnapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	finish(afterSnap)
	inFlight := mustPoll(t, s1, "w1")
	want[types.StateEnqueued] = total - beforeSnap - afterSnap

	// Crash: no final snapshot
	close(s1.stopCh)
	s1.loopWg.Wait()
	if err := s1.wal.Close(); err != nil {
		t.Fatalf("close WAL: %v", err)
	}

	start := time.Now()
	s2, err := NewServer(testConfig(dir, clock), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s2.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s2.Stop()
	recovery := time.Since(start)
	t.Logf("recovered %d jobs in %v", total, recovery)
	if recovery > maxRecovery {
		t.Errorf("recovery took %v, want under %v", recovery, maxRecovery)
	}

	stats := s2.Stats()
	for state, n := range want {
		if got := stats.Jobs[string(state)]; got != n {
			t.Errorf("%s jobs = %d, want %d", state, got, n)
		}
	}
	if got := stats.Jobs[string(types.StateProcessing)]; got != 0 {
		t.Errorf("processing jobs after recovery = %d, want 0", got)
	}
	if st := status(t, s2, inFlight.ID); st != types.StateEnqueued {
		t.Errorf("in-flight job status = %s, want enqueued", st)
	}
}

func BenchmarkEnqueueClaimAck(b *testing.B) {
	dir := b.TempDir()
	s, err := NewServer(testConfig(dir, &fakeClock{t: monday}), nil)
	if err != nil {
		b.Fatalf("NewServer: %v", err)
	}
	if err := s.Start(); err != nil {
		b.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := s.Enqueue(runTurn("1"), EnqueueOptions{}); err != nil {
			b.Fatal(err)
		}
		jobs, err := s.Poll(ctx, "bench", 1)
		if err != nil || len(jobs) != 1 {
			b.Fatalf("Poll: %v (%d jobs)", err, len(jobs))
		}
		if err := s.Acknowledge(ctx, "bench", worker.Result{JobID: jobs[0].ID, Success: true}); err != nil {
			b.Fatal(err)
		}
	}
}
