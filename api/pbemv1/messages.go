// Package pbemv1 is the wire contract of the pbem.v1.Orchestrator gRPC
// service: admin calls from the CLI and job traffic from remote workers.
//
// Messages travel as google.protobuf.Struct. Each RPC has a typed Go
// request and response that is converted through its JSON form, so adding
// a field needs no code generation.
package pbemv1

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/pbem-host/pkg/types"
)

// ToStruct converts a message to its wire form.
func ToStruct(msg any) (*structpb.Struct, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	return s, nil
}

// FromStruct fills msg from its wire form.
func FromStruct(s *structpb.Struct, msg any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", msg, err)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return fmt.Errorf("decode %T: %w", msg, err)
	}
	return nil
}

// ============================================================================
// Admin messages
// ============================================================================

// RunTurnRequest asks for a turn run. Turn 0 means the game's next turn.
type RunTurnRequest struct {
	GameID       int64 `json:"game_id"`
	Turn         int   `json:"turn,omitempty"`
	ForceParse   bool  `json:"force_parse,omitempty"`
	ForceMerge   bool  `json:"force_merge,omitempty"`
	ForceProcess bool  `json:"force_process,omitempty"`
}

type RunTurnResponse struct {
	JobID string `json:"job_id"`
}

type JobStatusRequest struct {
	JobID string `json:"job_id"`
}

// JobStatusResponse carries one of PENDING, RUNNING, SUCCEEDED, FAILED,
// DELETED or UNKNOWN.
type JobStatusResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// ReconcileRequest reconciles one game, or all games when GameID is 0.
type ReconcileRequest struct {
	GameID int64 `json:"game_id,omitempty"`
}

type ReconcileOutcome struct {
	GameID   int64    `json:"game_id"`
	Upserted []string `json:"upserted,omitempty"`
	Removed  []string `json:"removed,omitempty"`
}

// ReconcileResponse lists the games that converged. Error describes the
// games that did not.
type ReconcileResponse struct {
	Outcomes []ReconcileOutcome `json:"outcomes,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Game commands accepted by GameCommand.
const (
	CommandCreate  = "create"
	CommandStart   = "start"
	CommandPause   = "pause"
	CommandResume  = "resume"
	CommandStop    = "stop"
	CommandOptions = "options"
	CommandJoin    = "join"
	CommandQuit    = "quit"
	CommandOrders  = "orders"
	CommandShow    = "show"
	CommandList    = "list"
)

// GameCommandRequest carries one game command; each command reads the
// fields it needs.
type GameCommandRequest struct {
	Command       string `json:"command"`
	GameID        int64  `json:"game_id,omitempty"`
	Name          string `json:"name,omitempty"`
	Type          string `json:"type,omitempty"`
	Schedule      string `json:"schedule,omitempty"`
	TimeZone      string `json:"time_zone,omitempty"`
	ServerAddress string `json:"server_address,omitempty"`
	Email         string `json:"email,omitempty"`
	Password      string `json:"password,omitempty"`
	Orders        string `json:"orders,omitempty"`
}

type GameInfo struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Schedule      string `json:"schedule,omitempty"`
	TimeZone      string `json:"time_zone,omitempty"`
	ServerAddress string `json:"server_address,omitempty"`
	LastTurn      int    `json:"last_turn,omitempty"`
	NextTurn      int    `json:"next_turn,omitempty"`
}

type PlayerInfo struct {
	ID     int64  `json:"id"`
	Number int    `json:"number,omitempty"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Quit   bool   `json:"quit,omitempty"`
}

// GameCommandResponse holds the games and players the command touched.
// Turn is the turn orders were stored for.
type GameCommandResponse struct {
	Games   []GameInfo   `json:"games,omitempty"`
	Players []PlayerInfo `json:"players,omitempty"`
	Turn    int          `json:"turn,omitempty"`
}

// ============================================================================
// Worker messages
// ============================================================================

// Job is a dispatched job as seen by a remote worker.
type Job struct {
	ID          string            `json:"id"`
	Action      string            `json:"action"`
	Args        map[string]string `json:"args,omitempty"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"max_attempts"`
	TimeoutMs   int64             `json:"timeout_ms,omitempty"`
	DeadlineMs  int64             `json:"deadline_ms,omitempty"`
}

// JobFrom describes a claimed job for the wire.
func JobFrom(j types.Job) Job {
	out := Job{
		ID:          string(j.ID),
		Action:      j.Call.Action,
		Args:        j.Call.Args,
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		TimeoutMs:   j.Timeout.Milliseconds(),
	}
	if j.Deadline != nil {
		out.DeadlineMs = *j.Deadline
	}
	return out
}

// Native rebuilds the job a worker runs.
func (j Job) Native(workerID string) types.Job {
	out := types.Job{
		ID:          types.JobID(j.ID),
		Call:        types.Call{Action: j.Action, Args: j.Args},
		Status:      types.StateProcessing,
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		Timeout:     time.Duration(j.TimeoutMs) * time.Millisecond,
		WorkerID:    workerID,
	}
	if j.DeadlineMs > 0 {
		deadline := j.DeadlineMs
		out.Deadline = &deadline
	}
	return out
}

type PollJobsRequest struct {
	WorkerID string `json:"worker_id"`
	MaxJobs  int    `json:"max_jobs"`
}

type PollJobsResponse struct {
	Jobs []Job `json:"jobs,omitempty"`
}

type AcknowledgeJobRequest struct {
	WorkerID   string `json:"worker_id"`
	JobID      string `json:"job_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Permanent  bool   `json:"permanent,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

type AcknowledgeJobResponse struct {
	Accepted bool `json:"accepted"`
}

type HeartbeatRequest struct {
	WorkerID  string `json:"worker_id"`
	Load      int    `json:"load"`
	Timestamp int64  `json:"timestamp"`
}

type HeartbeatResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// ============================================================================
// Node status
// ============================================================================

type StatsRequest struct{}

type WorkerStatus struct {
	ID       string `json:"id"`
	Load     int    `json:"load"`
	LastSeen int64  `json:"last_seen"` // unix millis
}

// StatsResponse describes the queue of the node serving the call.
type StatsResponse struct {
	UptimeMs  int64          `json:"uptime_ms"`
	Jobs      map[string]int `json:"jobs,omitempty"`
	Recurring int            `json:"recurring"`
	Workers   []WorkerStatus `json:"workers,omitempty"`
	LastSeq   uint64         `json:"last_seq"`
}
