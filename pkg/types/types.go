// Package types defines the job queue records shared by the queue, its
// durability layer (WAL, snapshot) and the workers.
package types

import (
	"sort"
	"strconv"
	"time"
)

// JobID identifies a one-shot job.
type JobID string

// JobState is the queue's native job state name.
type JobState string

// Native job states
const (
	StateScheduled  JobState = "scheduled"  // waiting for RunAt
	StateEnqueued   JobState = "enqueued"   // ready for a worker
	StateAwaiting   JobState = "awaiting"   // failed attempt waiting for its retry slot
	StateProcessing JobState = "processing" // held by a worker
	StateSucceeded  JobState = "succeeded"
	StateFailed     JobState = "failed"
	StateDeleted    JobState = "deleted"
)

// Active reports whether the job may still run.
func (s JobState) Active() bool {
	switch s {
	case StateScheduled, StateEnqueued, StateAwaiting, StateProcessing:
		return true
	}
	return false
}

// Finished reports whether the job reached a final state.
func (s JobState) Finished() bool {
	return s == StateSucceeded || s == StateFailed || s == StateDeleted
}

// Call names the action a job performs and its arguments.
// Args are strings so that a Call survives JSON and structpb round trips unchanged.
type Call struct {
	Action string            `json:"action"`
	Args   map[string]string `json:"args,omitempty"`
}

// Arg returns the named argument or "".
func (c Call) Arg(name string) string {
	if c.Args == nil {
		return ""
	}
	return c.Args[name]
}

// IntArg parses the named argument as an int64.
func (c Call) IntArg(name string) (int64, bool) {
	raw := c.Arg(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Equal compares action and arguments.
func (c Call) Equal(o Call) bool {
	if c.Action != o.Action || len(c.Args) != len(o.Args) {
		return false
	}
	for k, v := range c.Args {
		if ov, ok := o.Args[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Job is a unit of work in the queue.
type Job struct {
	ID   JobID  `json:"id"`
	Call Call   `json:"call"`
	Key  string `json:"key,omitempty"` // dedupe key; one active job per key

	Status      JobState `json:"status"`
	Attempt     int      `json:"attempt"`
	MaxAttempts int      `json:"max_attempts"`
	LastError   string   `json:"last_error,omitempty"`

	// Unix milliseconds, as in the rest of the queue records
	Timeout    time.Duration `json:"timeout"`
	RunAt      int64         `json:"run_at"`
	Deadline   *int64        `json:"deadline_ms,omitempty"`
	CreatedAt  int64         `json:"created_at"`
	UpdatedAt  int64         `json:"updated_at"`
	FinishedAt int64         `json:"finished_at,omitempty"`

	RecurringID string `json:"recurring_id,omitempty"`
	WorkerID    string `json:"worker_id,omitempty"`
}

// Recurring is a cron-driven job definition.
type Recurring struct {
	ID        string `json:"id"`
	Cron      string `json:"cron"`
	TimeZone  string `json:"time_zone"`
	Call      Call   `json:"call"`
	NextRun   int64  `json:"next_run"`
	LastRun   int64  `json:"last_run,omitempty"`
	LastJob   JobID  `json:"last_job,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// SameSchedule reports whether two definitions describe the same work.
func (r Recurring) SameSchedule(o Recurring) bool {
	return r.Cron == o.Cron && r.TimeZone == o.TimeZone && r.Call.Equal(o.Call)
}

// SnapshotData is the persisted queue state.
type SnapshotData struct {
	Jobs      map[JobID]*Job        `json:"jobs"`
	Recurring map[string]*Recurring `json:"recurring"`
	SchemaVer int                   `json:"schema_ver"`
	LastSeq   uint64                `json:"last_seq"`
}

// SortedJobs returns the snapshot jobs ordered by creation time then id.
func (s SnapshotData) SortedJobs() []*Job {
	out := make([]*Job, 0, len(s.Jobs))
	for _, j := range s.Jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt != out[k].CreatedAt {
			return out[i].CreatedAt < out[k].CreatedAt
		}
		return out[i].ID < out[k].ID
	})
	return out
}
