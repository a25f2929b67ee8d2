// ============================================================================
// pbem-host Queue Server - durable job queue
// ============================================================================
//
// Package: internal/queue
// File: server.go
// Purpose: the persistent job queue behind the job gateway. Owns the queue
//          state, its write-ahead log and its snapshots, fires recurring
//          definitions and hands jobs to pull-mode workers.
//
// Components:
//   - JobManager: one-shot jobs and recurring definitions (in memory)
//   - WAL: every mutation, as the full record it produced
//   - Snapshot: periodic full state, after which the WAL is rotated
//
// Background loops (3 goroutines):
//   1. Cron Loop     - fire due recurring definitions into one-shot jobs
//   2. Timeout Loop  - fail processing jobs past their deadline, refresh gauges
//   3. Snapshot Loop - prune finished jobs, snapshot, rotate and prune the WAL
//
// Crash recovery (Start):
//   1. Load the snapshot and restore the manager
//   2. Replay WAL events newer than the snapshot's LastSeq
//   3. Requeue jobs that were processing when the process died
//   4. Promote scheduled/awaiting jobs whose RunAt has passed
//
// Logging order:
//   Mutations are applied to the manager and then logged, both under s.mu,
//   so the WAL order is the order in which the state changed. Replay is a
//   plain overwrite with the logged record.
//
// Dedupe:
//   Recurring fires use the definition id as job key and are skipped while a
//   job with that key is active. One-shot callers may pass their own key.
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/pbem-host/internal/jobmanager"
	"github.com/ChuLiYu/pbem-host/internal/metrics"
	"github.com/ChuLiYu/pbem-host/internal/snapshot"
	"github.com/ChuLiYu/pbem-host/internal/storage/wal"
	"github.com/ChuLiYu/pbem-host/internal/worker"
	"github.com/ChuLiYu/pbem-host/pkg/types"
)

var log = slog.Default()

var (
	ErrNotStarted = errors.New("queue server not started")
	ErrStopped    = errors.New("queue server stopped")
	// ErrStaleAck is returned when a worker acknowledges a job it no longer holds
	ErrStaleAck    = errors.New("job is not held by this worker")
	ErrJobNotFound = jobmanager.ErrJobNotFound
)

// ============================================================================
// Configuration
// ============================================================================

// Config tunes the queue server.
type Config struct {
	WALPath          string
	SnapshotPath     string
	SyncWAL          bool          // fsync every append
	SnapshotInterval time.Duration // between snapshots
	SnapshotBackups  int           // snapshot backups kept
	WALBackups       int           // rotated WAL files kept
	TickInterval     time.Duration // cron and timeout checks
	DefaultTimeout   time.Duration // per attempt, for jobs without one
	MaxAttempts      int           // for jobs without one
	RetryBackoff     time.Duration // first retry delay, doubled per attempt
	Retention        time.Duration // finished jobs are pruned after this
	Clock            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Minute
	}
	if c.SnapshotBackups <= 0 {
		c.SnapshotBackups = 3
	}
	if c.WALBackups <= 0 {
		c.WALBackups = 3
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 15 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// EnqueueOptions shape a one-shot job. Zero values take the server defaults.
type EnqueueOptions struct {
	ID          types.JobID // generated when empty
	Key         string      // dedupe key
	RunAt       time.Time   // zero = now
	MaxAttempts int
	Timeout     time.Duration
}

// WorkerInfo is what the server knows about a polling worker.
type WorkerInfo struct {
	ID       string    `json:"id"`
	Load     int       `json:"load"`
	LastSeen time.Time `json:"last_seen"`
}

// Stats describes the queue.
type Stats struct {
	Uptime    time.Duration  `json:"uptime"`
	Jobs      map[string]int `json:"jobs"` // per native state
	Recurring int            `json:"recurring"`
	Workers   []WorkerInfo   `json:"workers"`
	LastSeq   uint64         `json:"last_seq"`
}

// Server is the durable job queue.
type Server struct {
	mu        sync.Mutex
	jm        *jobmanager.JobManager
	wal       *wal.WAL
	snapshot  *snapshot.Manager
	metrics   *metrics.Collector
	cfg       Config
	workers   map[string]WorkerInfo
	claimedAt map[types.JobID]time.Time
	stopCh    chan struct{}
	started   bool
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// NewServer opens the WAL. Nothing is recovered until Start.
func NewServer(cfg Config, m *metrics.Collector) (*Server, error) {
	cfg = cfg.withDefaults()
	for _, p := range []string{cfg.WALPath, cfg.SnapshotPath} {
		if p == "" {
			return nil, errors.New("queue: WAL and snapshot paths are required")
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("queue: %w", err)
		}
	}

	w, err := wal.Open(cfg.WALPath, cfg.SyncWAL)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	return &Server{
		jm:        jobmanager.NewJobManager(),
		wal:       w,
		snapshot:  snapshot.NewManager(cfg.SnapshotPath),
		metrics:   m,
		cfg:       cfg,
		workers:   make(map[string]WorkerInfo),
		claimedAt: make(map[types.JobID]time.Time),
		stopCh:    make(chan struct{}),
	}, nil
}

// ============================================================================
// Recovery
// ============================================================================

// Start recovers the persisted state and launches the background loops.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return errors.New("queue server already started")
	}
	s.startTime = time.Now()

	log.Info("Starting recovery...")
	if err := s.recoverLocked(); err != nil {
		return err
	}
	s.started = true

	s.loopWg.Add(3)
	go s.cronLoop()
	go s.timeoutLoop()
	go s.snapshotLoop()

	log.Info("Queue server started", "wal", s.cfg.WALPath, "snapshot", s.cfg.SnapshotPath)
	return nil
}

func (s *Server) recoverLocked() error {
	start := time.Now()

	data, err := s.snapshot.Load()
	if err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}
	if err := s.jm.Restore(data); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	s.wal.EnsureSeq(data.LastSeq)

	replayed := 0
	err = s.wal.Replay(data.LastSeq, func(event wal.Event) error {
		replayed++
		return s.apply(event)
	})
	if err != nil {
		return fmt.Errorf("replayWAL failed: %w", err)
	}

	// Jobs held by a worker when the process died never reported back.
	now := s.now()
	requeued := 0
	for _, id := range s.jm.GetAllProcessingJobs() {
		job, err := s.jm.Requeue(id, now)
		if err != nil {
			log.Error("Failed to requeue processing job during recovery", "job", id, "error", err)
			continue
		}
		s.record(wal.JobEvent(wal.EventRequeue, job), false)
		requeued++
	}
	promoted := s.promoteLocked(now)

	d := time.Since(start)
	s.metrics.SetRecoveryTime(d)
	if d > 3*time.Second {
		log.Warn("Recovery time exceeds 3s", "duration", d)
	}
	log.Info("Recovery completed",
		"duration", d,
		"snapshot_jobs", len(data.Jobs),
		"replayed_events", replayed,
		"requeued_jobs", requeued,
		"promoted_jobs", promoted)
	return nil
}

// apply replays one WAL event onto the manager.
func (s *Server) apply(event wal.Event) error {
	switch event.Type {
	case wal.EventUpsertCron:
		if event.Recurring == nil {
			return fmt.Errorf("%s event without definition", event.Type)
		}
		s.jm.PutRecurring(*event.Recurring)
	case wal.EventRemoveCron:
		s.jm.RemoveRecurring(event.RecurringID)
	default:
		if event.Job == nil {
			return fmt.Errorf("%s event without job record", event.Type)
		}
		s.jm.Put(*event.Job)
	}
	return nil
}

// record writes one event. WAL failures are logged; the in-memory state
// stays authoritative until the next snapshot.
func (s *Server) record(event wal.Event, force bool) error {
	if _, err := s.wal.Append(event, force); err != nil {
		log.Error("Failed to append WAL event", "type", event.Type, "job", event.JobID, "recurring", event.RecurringID, "error", err)
		return fmt.Errorf("wal append %s: %w", event.Type, err)
	}
	return nil
}

func (s *Server) now() time.Time { return s.cfg.Clock() }

func (s *Server) checkLocked() error {
	if s.stopped {
		return ErrStopped
	}
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// ============================================================================
// Background loops
// ============================================================================

func (s *Server) cronLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("Cron loop stopped")
			return
		case <-ticker.C:
			s.mu.Lock()
			s.fireDueLocked(s.now())
			s.mu.Unlock()
		}
	}
}

// fireDueLocked turns every due definition into a one-shot job and moves its
// NextRun past now. Fires missed while the server was down collapse into one.
func (s *Server) fireDueLocked(now time.Time) int {
	fired := 0
	for _, def := range s.jm.DueRecurring(now) {
		sched, err := ParseSchedule(def.Cron, def.TimeZone)
		if err != nil {
			// Stored definitions were validated on upsert; park a broken one.
			log.Error("Recurring definition no longer parses", "recurring", def.ID, "error", err)
			def.NextRun = 0
			s.jm.PutRecurring(def)
			s.record(wal.RecurringEvent(def), false)
			continue
		}

		def.LastRun = now.UnixMilli()
		def.NextRun = sched.After(now)
		def.UpdatedAt = now.UnixMilli()

		if active, ok := s.jm.ActiveByKey(def.ID); ok {
			log.Info("Skipping recurring fire, previous job still active",
				"recurring", def.ID, "job", active.ID, "status", active.Status)
		} else {
			job, _, err := s.enqueueLocked(def.Call, EnqueueOptions{Key: def.ID}, def.ID, now)
			if err != nil {
				log.Error("Failed to fire recurring definition", "recurring", def.ID, "error", err)
			} else {
				def.LastJob = job.ID
				fired++
			}
		}

		s.jm.PutRecurring(def)
		s.record(wal.RecurringEvent(def), false)
	}
	if fired > 0 {
		s.promoteLocked(now)
	}
	return fired
}

func (s *Server) timeoutLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("Timeout loop stopped")
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			s.expireLocked(now)
			s.promoteLocked(now)
			s.updateGaugesLocked()
			s.mu.Unlock()
		}
	}
}

// expireLocked fails every processing job past its deadline. The attempt
// counts; with attempts left the job waits for its retry slot.
func (s *Server) expireLocked(now time.Time) int {
	expired := s.jm.GetExpiredJobs(now)
	for _, id := range expired {
		held, _ := s.jm.Job(id)
		job, err := s.jm.MarkFailed(id, "timeout", now, s.backoff(held.Attempt))
		if err != nil {
			log.Error("Failed to expire job", "job", id, "error", err)
			continue
		}
		delete(s.claimedAt, id)
		s.record(wal.JobEvent(wal.EventTimeout, job), false)
		s.metrics.RecordFailed()
		if job.Status == types.StateFailed {
			s.metrics.RecordDead()
		}
		log.Warn("Job timed out",
			"job", id,
			"worker", held.WorkerID,
			"attempt", job.Attempt,
			"status", job.Status)
	}
	return len(expired)
}

func (s *Server) promoteLocked(now time.Time) int {
	promoted := s.jm.Promote(now)
	for _, job := range promoted {
		s.record(wal.JobEvent(wal.EventPromote, job), false)
	}
	return len(promoted)
}

// backoff doubles RetryBackoff for each attempt already made, capped at an hour.
func (s *Server) backoff(attempt int) time.Duration {
	d := s.cfg.RetryBackoff
	for i := 1; i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	return min(d, time.Hour)
}

func (s *Server) updateGaugesLocked() {
	stats := s.jm.Stats()
	pending := stats[string(types.StateScheduled)] + stats[string(types.StateEnqueued)] + stats[string(types.StateAwaiting)]
	s.metrics.UpdateQueueStats(pending, stats[string(types.StateProcessing)], stats["recurring"])
}

func (s *Server) snapshotLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := s.takeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot holds s.mu for the whole capture, write and rotation so that
// no event can land between the snapshot's LastSeq and the rotation.
func (s *Server) takeSnapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	pruned := s.jm.Prune(s.now().Add(-s.cfg.Retention))

	data := s.jm.Snapshot()
	data.LastSeq = s.wal.LastSeq()

	if err := s.snapshot.WriteWithBackup(data, s.cfg.SnapshotBackups); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}
	if _, err := wal.PruneRotated(s.wal.Path(), s.cfg.WALBackups); err != nil {
		log.Warn("Failed to prune rotated WAL files", "error", err)
	}

	log.Info("Snapshot taken",
		"duration", time.Since(start),
		"jobs", len(data.Jobs),
		"recurring", len(data.Recurring),
		"pruned", pruned,
		"last_seq", data.LastSeq)
	return nil
}

// ============================================================================
// One-shot jobs
// ============================================================================

// Enqueue adds a one-shot job. When opts.Key matches an active job, that job
// is returned with created=false and nothing is written.
func (s *Server) Enqueue(call types.Call, opts EnqueueOptions) (types.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return types.Job{}, false, err
	}
	if call.Action == "" {
		return types.Job{}, false, errors.New("job action is required")
	}
	return s.enqueueLocked(call, opts, "", s.now())
}

func (s *Server) enqueueLocked(call types.Call, opts EnqueueOptions, recurringID string, now time.Time) (types.Job, bool, error) {
	id := opts.ID
	if id == "" {
		id = types.JobID(uuid.NewString())
	}
	job := types.Job{
		ID:          id,
		Call:        call,
		Key:         opts.Key,
		MaxAttempts: opts.MaxAttempts,
		Timeout:     opts.Timeout,
		RecurringID: recurringID,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = s.cfg.MaxAttempts
	}
	if job.Timeout <= 0 {
		job.Timeout = s.cfg.DefaultTimeout
	}
	if !opts.RunAt.IsZero() {
		job.RunAt = opts.RunAt.UnixMilli()
	}

	stored, created, err := s.jm.Enqueue(job, now)
	if err != nil {
		return types.Job{}, false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	if !created {
		log.Debug("Job deduplicated", "key", opts.Key, "job", stored.ID, "status", stored.Status)
		return stored, false, nil
	}
	if err := s.record(wal.JobEvent(wal.EventEnqueue, stored), true); err != nil {
		return stored, true, err
	}
	s.metrics.RecordEnqueue()
	log.Info("Job enqueued",
		"job", stored.ID,
		"action", call.Action,
		"key", opts.Key,
		"status", stored.Status)
	return stored, true, nil
}

// Job returns a copy of the job.
func (s *Server) Job(id types.JobID) (types.Job, bool) {
	return s.jm.Job(id)
}

// Delete removes a job that has not started.
func (s *Server) Delete(id types.JobID) (types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return types.Job{}, err
	}
	job, err := s.jm.Delete(id, s.now())
	if err != nil {
		return types.Job{}, err
	}
	s.metrics.RecordDeleted()
	return job, s.record(wal.JobEvent(wal.EventDelete, job), true)
}

// ============================================================================
// Recurring definitions
// ============================================================================

// UpsertRecurring creates or replaces a definition. An unchanged definition
// is left alone and reported with changed=false.
func (s *Server) UpsertRecurring(id, cronExpr, zone string, call types.Call) (types.Recurring, bool, error) {
	if id == "" {
		return types.Recurring{}, false, errors.New("recurring id is required")
	}
	sched, err := ParseSchedule(cronExpr, zone)
	if err != nil {
		return types.Recurring{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return types.Recurring{}, false, err
	}

	now := s.now()
	def := types.Recurring{
		ID:        id,
		Cron:      cronExpr,
		TimeZone:  zone,
		Call:      call,
		CreatedAt: now.UnixMilli(),
		UpdatedAt: now.UnixMilli(),
	}
	if cur, ok := s.jm.Recurring(id); ok {
		if cur.SameSchedule(def) {
			return cur, false, nil
		}
		def.CreatedAt = cur.CreatedAt
		def.LastRun = cur.LastRun
		def.LastJob = cur.LastJob
	}
	def.NextRun = sched.After(now)

	s.jm.PutRecurring(def)
	if err := s.record(wal.RecurringEvent(def), true); err != nil {
		return def, true, err
	}
	log.Info("Recurring definition upserted",
		"recurring", id,
		"cron", cronExpr,
		"zone", zone,
		"next_run", time.UnixMilli(def.NextRun).In(sched.Location))
	return def, true, nil
}

// RemoveRecurring deletes a definition and reports whether it existed.
// Jobs it already fired are not touched.
func (s *Server) RemoveRecurring(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return false, err
	}
	if !s.jm.RemoveRecurring(id) {
		return false, nil
	}
	log.Info("Recurring definition removed", "recurring", id)
	return true, s.record(wal.RemoveEvent(id), true)
}

// Recurring returns a copy of the definition.
func (s *Server) Recurring(id string) (types.Recurring, bool) {
	return s.jm.Recurring(id)
}

// ListRecurring returns every definition ordered by id.
func (s *Server) ListRecurring() []types.Recurring {
	return s.jm.ListRecurring()
}

// ============================================================================
// Worker source
// ============================================================================

// Poll claims up to maxJobs ready jobs for workerID.
func (s *Server) Poll(ctx context.Context, workerID string, maxJobs int) ([]types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		if errors.Is(err, ErrStopped) {
			return nil, worker.ErrPoolClosed
		}
		return nil, err
	}

	now := s.now()
	s.touchWorkerLocked(workerID, -1, now)
	s.promoteLocked(now)

	jobs := make([]types.Job, 0, maxJobs)
	for len(jobs) < maxJobs {
		job, ok := s.jm.Claim(now, workerID)
		if !ok {
			break
		}
		s.record(wal.JobEvent(wal.EventDispatch, job), false)
		s.claimedAt[job.ID] = now
		s.metrics.RecordDispatch()
		jobs = append(jobs, job)
		log.Debug("Job dispatched", "job", job.ID, "worker", workerID, "attempt", job.Attempt)
	}
	return jobs, nil
}

// Acknowledge records the outcome of a job attempt.
func (s *Server) Acknowledge(ctx context.Context, workerID string, result worker.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return err
	}
	held, ok := s.jm.Job(result.JobID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, result.JobID)
	}
	if held.Status != types.StateProcessing || held.WorkerID != workerID {
		return fmt.Errorf("%w: job %s is %s", ErrStaleAck, held.ID, held.Status)
	}

	now := s.now()
	latency := now.Sub(s.claimedAt[held.ID])
	delete(s.claimedAt, held.ID)

	var (
		job   types.Job
		event wal.EventType
		err   error
	)
	switch {
	case result.Success:
		job, err = s.jm.MarkSucceeded(held.ID, now)
		event = wal.EventAck
	case result.Permanent:
		job, err = s.jm.MarkDead(held.ID, result.Error, now)
		event = wal.EventDead
	default:
		job, err = s.jm.MarkFailed(held.ID, result.Error, now, s.backoff(held.Attempt))
		event = wal.EventRetry
		if job.Status == types.StateFailed {
			event = wal.EventDead
		}
	}
	if err != nil {
		return err
	}

	switch event {
	case wal.EventAck:
		s.metrics.RecordCompleted(latency)
		log.Info("Job succeeded", "job", job.ID, "action", job.Call.Action, "duration", result.Duration)
	case wal.EventRetry:
		s.metrics.RecordFailed()
		log.Warn("Job failed, will retry",
			"job", job.ID,
			"attempt", job.Attempt,
			"retry_at", time.UnixMilli(job.RunAt),
			"error", result.Error)
	case wal.EventDead:
		s.metrics.RecordFailed()
		s.metrics.RecordDead()
		log.Error("Job failed",
			"job", job.ID,
			"attempt", job.Attempt,
			"permanent", result.Permanent,
			"error", result.Error)
	}
	return s.record(wal.JobEvent(event, job), true)
}

// Heartbeat records that workerID is alive.
func (s *Server) Heartbeat(ctx context.Context, workerID string, load int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return err
	}
	s.touchWorkerLocked(workerID, load, s.now())
	return nil
}

// touchWorkerLocked updates the worker registry; a negative load keeps the
// last reported one.
func (s *Server) touchWorkerLocked(id string, load int, now time.Time) {
	info := s.workers[id]
	info.ID = id
	info.LastSeen = now
	if load >= 0 {
		info.Load = load
	}
	s.workers[id] = info
}

// ============================================================================
// Status / shutdown
// ============================================================================

// Stats describes the queue and the workers seen so far.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.jm.Stats()
	recurring := jobs["recurring"]
	delete(jobs, "recurring")

	workers := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, k int) bool { return workers[i].ID < workers[k].ID })

	var uptime time.Duration
	if s.started {
		uptime = time.Since(s.startTime)
	}
	return Stats{
		Uptime:    uptime,
		Jobs:      jobs,
		Recurring: recurring,
		Workers:   workers,
		LastSeq:   s.wal.LastSeq(),
	}
}

// Stop stops the loops, takes a final snapshot and closes the WAL.
// Stop the worker pool first so that running jobs can still acknowledge.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		log.Info("Queue server already stopped")
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	log.Info("Stopping queue server...")
	if started {
		close(s.stopCh)
		s.loopWg.Wait()
		if err := s.takeSnapshot(); err != nil {
			log.Error("Failed to take final snapshot", "error", err)
		}
	}
	if err := s.wal.Close(); err != nil {
		log.Error("Failed to close WAL", "error", err)
	}
	log.Info("Queue server stopped")
}
