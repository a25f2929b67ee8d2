package wal

import "github.com/ChuLiYu/pbem-host/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventEnqueue    EventType = "ENQUEUE"     // Job added to queue
	EventPromote    EventType = "PROMOTE"     // Scheduled/awaiting job became ready
	EventDispatch   EventType = "DISPATCH"    // Job claimed by a worker
	EventAck        EventType = "ACK"         // Worker confirms completion
	EventRetry      EventType = "RETRY"       // Failed attempt, waiting for retry
	EventTimeout    EventType = "TIMEOUT"     // Job passed its deadline
	EventDead       EventType = "DEAD"        // Job failed with no attempts left
	EventDelete     EventType = "DELETE"      // Job deleted before it started
	EventRequeue    EventType = "REQUEUE"     // Processing job returned to the queue on recovery
	EventUpsertCron EventType = "UPSERT_CRON" // Recurring definition created, changed or fired
	EventRemoveCron EventType = "REMOVE_CRON" // Recurring definition removed
)

// Event represents a WAL event record.
//
// Job events carry the full job record as it was after the change, so replay
// is a plain overwrite and never depends on the state it is applied to.
type Event struct {
	Seq         uint64           `json:"seq"` // Monotonic, continues across rotation
	Type        EventType        `json:"type"`
	JobID       types.JobID      `json:"job_id,omitempty"`
	Job         *types.Job       `json:"job,omitempty"`
	Recurring   *types.Recurring `json:"recurring,omitempty"`
	RecurringID string           `json:"recurring_id,omitempty"`
	Timestamp   int64            `json:"timestamp"` // Unix milliseconds
	Checksum    uint32           `json:"checksum"`  // CRC32 over the event with Checksum=0
}

// JobEvent builds a job event.
func JobEvent(t EventType, job types.Job) Event {
	return Event{Type: t, JobID: job.ID, Job: &job}
}

// RecurringEvent builds an upsert event for a definition.
func RecurringEvent(def types.Recurring) Event {
	return Event{Type: EventUpsertCron, RecurringID: def.ID, Recurring: &def}
}

// RemoveEvent builds a removal event for a definition id.
func RemoveEvent(id string) Event {
	return Event{Type: EventRemoveCron, RecurringID: id}
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
