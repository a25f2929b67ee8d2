// ============================================================================
// pbem-host Job Manager - queue state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: in-memory state of the durable job queue: one-shot jobs and
//          recurring (cron) definitions. Durability is layered on top by the
//          queue server (WAL + snapshot); every mutating method returns the
//          record it produced so the caller can log it.
//
// Job state machine:
//   scheduled --(RunAt reached)--> enqueued
//   enqueued  --Claim()----------> processing
//   processing --MarkSucceeded()-> succeeded
//   processing --MarkFailed()----> awaiting (attempts left) | failed
//   awaiting  --(RunAt reached)--> enqueued
//   scheduled/enqueued/awaiting --Delete()--> deleted
//   processing --Requeue()-------> enqueued   (crash recovery only)
//
// Dedupe:
//   A job with a non-empty Key is refused while another job with the same Key
//   is active; Enqueue returns the active job instead.
//
// Concurrency:
//   sync.RWMutex guards all maps; callers receive copies, never internal
//   pointers.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/pbem-host/pkg/types"
)

var (
	// ErrDuplicateJob is returned when a job id already exists
	ErrDuplicateJob = errors.New("job already exists")
	// ErrNotProcessing is returned when a completion targets a job no worker holds
	ErrNotProcessing = errors.New("job not processing")
	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("job not found")
	// ErrNotDeletable is returned when deleting a processing or finished job
	ErrNotDeletable = errors.New("job cannot be deleted in its current state")
)

// JobManager holds queue state.
type JobManager struct {
	mu        sync.RWMutex
	jobs      map[types.JobID]*types.Job
	queue     []types.JobID          // enqueued FIFO; stale ids are skipped on claim
	keys      map[string]types.JobID // dedupe key -> active job
	recurring map[string]*types.Recurring
}

// NewJobManager creates an empty manager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:      make(map[types.JobID]*types.Job),
		queue:     make([]types.JobID, 0),
		keys:      make(map[string]types.JobID),
		recurring: make(map[string]*types.Recurring),
	}
}

// ============================================================================
// One-shot jobs
// ============================================================================

// Enqueue adds a job. A job whose RunAt is in the future starts as scheduled.
//
// Returns the stored job and whether it was newly created. When the job's Key
// matches an active job, that job is returned with created=false.
func (jm *JobManager) Enqueue(job types.Job, now time.Time) (types.Job, bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if job.Key != "" {
		if id, ok := jm.keys[job.Key]; ok {
			if active, ok := jm.jobs[id]; ok && active.Status.Active() {
				return *active, false, nil
			}
		}
	}
	if _, exists := jm.jobs[job.ID]; exists {
		return types.Job{}, false, ErrDuplicateJob
	}

	nowMs := now.UnixMilli()
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	job.Attempt = 0
	job.CreatedAt = nowMs
	job.UpdatedAt = nowMs
	if job.RunAt > nowMs {
		job.Status = types.StateScheduled
	} else {
		job.RunAt = nowMs
		job.Status = types.StateEnqueued
	}

	stored := job
	jm.putLocked(&stored)
	return stored, true, nil
}

// Put stores a job record as-is. Used when replaying the WAL.
func (jm *JobManager) Put(job types.Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	stored := job
	jm.putLocked(&stored)
}

func (jm *JobManager) putLocked(job *types.Job) {
	jm.jobs[job.ID] = job
	jm.indexLocked(job)
	if job.Status == types.StateEnqueued {
		jm.queue = append(jm.queue, job.ID)
	}
}

func (jm *JobManager) indexLocked(job *types.Job) {
	if job.Key == "" {
		return
	}
	if job.Status.Active() {
		jm.keys[job.Key] = job.ID
		return
	}
	if jm.keys[job.Key] == job.ID {
		delete(jm.keys, job.Key)
	}
}

// promoteLocked moves due scheduled/awaiting jobs to enqueued.
func (jm *JobManager) promoteLocked(nowMs int64) []types.Job {
	var promoted []*types.Job
	for _, job := range jm.jobs {
		if (job.Status == types.StateScheduled || job.Status == types.StateAwaiting) && job.RunAt <= nowMs {
			promoted = append(promoted, job)
		}
	}
	sort.Slice(promoted, func(i, k int) bool {
		if promoted[i].RunAt != promoted[k].RunAt {
			return promoted[i].RunAt < promoted[k].RunAt
		}
		return promoted[i].ID < promoted[k].ID
	})
	out := make([]types.Job, 0, len(promoted))
	for _, job := range promoted {
		job.Status = types.StateEnqueued
		job.UpdatedAt = nowMs
		jm.queue = append(jm.queue, job.ID)
		out = append(out, *job)
	}
	return out
}

// Promote moves due scheduled and awaiting jobs into the ready queue.
func (jm *JobManager) Promote(now time.Time) []types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.promoteLocked(now.UnixMilli())
}

// Claim hands the oldest ready job to workerID and marks it processing.
// The deadline is now + job.Timeout when the job has a timeout.
func (jm *JobManager) Claim(now time.Time, workerID string) (types.Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	nowMs := now.UnixMilli()
	for len(jm.queue) > 0 {
		id := jm.queue[0]
		jm.queue = jm.queue[1:]

		job, ok := jm.jobs[id]
		if !ok || job.Status != types.StateEnqueued {
			continue
		}

		job.Status = types.StateProcessing
		job.Attempt++
		job.WorkerID = workerID
		job.UpdatedAt = nowMs
		job.Deadline = nil
		if job.Timeout > 0 {
			deadline := now.Add(job.Timeout).UnixMilli()
			job.Deadline = &deadline
		}
		return *job, true
	}
	return types.Job{}, false
}

// MarkSucceeded finishes a processing job.
func (jm *JobManager) MarkSucceeded(jobID types.JobID, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.processingLocked(jobID)
	if err != nil {
		return types.Job{}, err
	}
	job.Status = types.StateSucceeded
	job.LastError = ""
	jm.finishLocked(job, now.UnixMilli())
	return *job, nil
}

// MarkFailed records a failed attempt. With attempts left the job waits in
// awaiting until now+backoff; otherwise it becomes failed.
func (jm *JobManager) MarkFailed(jobID types.JobID, reason string, now time.Time, backoff time.Duration) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.processingLocked(jobID)
	if err != nil {
		return types.Job{}, err
	}
	job.LastError = reason
	nowMs := now.UnixMilli()
	if job.Attempt < job.MaxAttempts {
		job.Status = types.StateAwaiting
		job.RunAt = now.Add(backoff).UnixMilli()
		job.Deadline = nil
		job.WorkerID = ""
		job.UpdatedAt = nowMs
		return *job, nil
	}
	job.Status = types.StateFailed
	jm.finishLocked(job, nowMs)
	return *job, nil
}

// MarkDead fails a processing job without retrying it, whatever attempts
// remain.
func (jm *JobManager) MarkDead(jobID types.JobID, reason string, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.processingLocked(jobID)
	if err != nil {
		return types.Job{}, err
	}
	job.LastError = reason
	job.Status = types.StateFailed
	jm.finishLocked(job, now.UnixMilli())
	return *job, nil
}

// Requeue returns a processing job to the ready queue without consuming an
// attempt. Used for jobs that were processing when the process stopped.
func (jm *JobManager) Requeue(jobID types.JobID, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.processingLocked(jobID)
	if err != nil {
		return types.Job{}, err
	}
	if job.Attempt > 0 {
		job.Attempt--
	}
	job.Status = types.StateEnqueued
	job.Deadline = nil
	job.WorkerID = ""
	job.UpdatedAt = now.UnixMilli()
	jm.queue = append(jm.queue, job.ID)
	return *job, nil
}

// Delete removes a job that has not started yet.
func (jm *JobManager) Delete(jobID types.JobID, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[jobID]
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	if !job.Status.Active() || job.Status == types.StateProcessing {
		return types.Job{}, fmt.Errorf("%w: %s", ErrNotDeletable, job.Status)
	}
	job.Status = types.StateDeleted
	jm.finishLocked(job, now.UnixMilli())
	return *job, nil
}

func (jm *JobManager) processingLocked(jobID types.JobID) (*types.Job, error) {
	job, ok := jm.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != types.StateProcessing {
		return nil, ErrNotProcessing
	}
	return job, nil
}

func (jm *JobManager) finishLocked(job *types.Job, nowMs int64) {
	job.Deadline = nil
	job.WorkerID = ""
	job.UpdatedAt = nowMs
	job.FinishedAt = nowMs
	jm.indexLocked(job)
}

// ============================================================================
// Queries
// ============================================================================

// Job returns a copy of the job.
func (jm *JobManager) Job(jobID types.JobID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.jobs[jobID]
	if !ok {
		return types.Job{}, false
	}
	return *job, true
}

// ActiveByKey returns the active job holding key.
func (jm *JobManager) ActiveByKey(key string) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	id, ok := jm.keys[key]
	if !ok {
		return types.Job{}, false
	}
	job, ok := jm.jobs[id]
	if !ok || !job.Status.Active() {
		return types.Job{}, false
	}
	return *job, true
}

// GetExpiredJobs lists processing jobs whose deadline has passed.
func (jm *JobManager) GetExpiredJobs(now time.Time) []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var expired []types.JobID
	nowMs := now.UnixMilli()
	for id, job := range jm.jobs {
		if job.Status == types.StateProcessing && job.Deadline != nil && *job.Deadline < nowMs {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, k int) bool { return expired[i] < expired[k] })
	return expired
}

// GetAllProcessingJobs lists jobs a worker was holding.
func (jm *JobManager) GetAllProcessingJobs() []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var ids []types.JobID
	for id, job := range jm.jobs {
		if job.Status == types.StateProcessing {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })
	return ids
}

// Stats counts jobs per native state plus recurring definitions.
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		string(types.StateScheduled):  0,
		string(types.StateEnqueued):   0,
		string(types.StateAwaiting):   0,
		string(types.StateProcessing): 0,
		string(types.StateSucceeded):  0,
		string(types.StateFailed):     0,
		string(types.StateDeleted):    0,
	}
	for _, job := range jm.jobs {
		stats[string(job.Status)]++
	}
	stats["recurring"] = len(jm.recurring)
	return stats
}

// Prune drops finished jobs that finished before the cutoff.
func (jm *JobManager) Prune(before time.Time) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	cutoff := before.UnixMilli()
	removed := 0
	for id, job := range jm.jobs {
		if job.Status.Finished() && job.FinishedAt > 0 && job.FinishedAt < cutoff {
			delete(jm.jobs, id)
			removed++
		}
	}
	return removed
}

// ============================================================================
// Recurring definitions
// ============================================================================

// PutRecurring stores a definition as-is.
func (jm *JobManager) PutRecurring(def types.Recurring) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	stored := def
	jm.recurring[def.ID] = &stored
}

// RemoveRecurring deletes a definition and reports whether it existed.
func (jm *JobManager) RemoveRecurring(id string) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if _, ok := jm.recurring[id]; !ok {
		return false
	}
	delete(jm.recurring, id)
	return true
}

// Recurring returns a copy of the definition.
func (jm *JobManager) Recurring(id string) (types.Recurring, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	def, ok := jm.recurring[id]
	if !ok {
		return types.Recurring{}, false
	}
	return *def, true
}

// ListRecurring returns all definitions ordered by id.
func (jm *JobManager) ListRecurring() []types.Recurring {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	out := make([]types.Recurring, 0, len(jm.recurring))
	for _, def := range jm.recurring {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// DueRecurring lists definitions whose NextRun has been reached.
func (jm *JobManager) DueRecurring(now time.Time) []types.Recurring {
	nowMs := now.UnixMilli()
	var due []types.Recurring
	for _, def := range jm.ListRecurring() {
		if def.NextRun > 0 && def.NextRun <= nowMs {
			due = append(due, def)
		}
	}
	return due
}

// ============================================================================
// Snapshot / restore
// ============================================================================

// Restore replaces all state with the snapshot contents.
func (jm *JobManager) Restore(data types.SnapshotData) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.Job)
	jm.queue = make([]types.JobID, 0)
	jm.keys = make(map[string]types.JobID)
	jm.recurring = make(map[string]*types.Recurring)

	for _, job := range data.SortedJobs() {
		stored := *job
		jm.putLocked(&stored)
	}
	for id, def := range data.Recurring {
		stored := *def
		jm.recurring[id] = &stored
	}
	return nil
}

// Snapshot deep-copies the current state.
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobsCopy := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		c := *job
		jobsCopy[id] = &c
	}
	recCopy := make(map[string]*types.Recurring, len(jm.recurring))
	for id, def := range jm.recurring {
		c := *def
		recCopy[id] = &c
	}
	return types.SnapshotData{
		Jobs:      jobsCopy,
		Recurring: recCopy,
		SchemaVer: 1,
	}
}
