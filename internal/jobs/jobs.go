// Package jobs is the narrow gateway between game orchestration and the
// background job queue: enqueue-once, upsert-recurring, remove-if-exists,
// plus read-only lookups. Reconciliation and the trigger API only see the
// Gateway interface; the queue server backs it in production and Memory
// backs it in tests.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ChuLiYu/pbem-host/internal/game"
	"github.com/ChuLiYu/pbem-host/pkg/fx"
	"github.com/ChuLiYu/pbem-host/pkg/types"
)

// Job actions
const (
	ActionRunTurn      = "run-turn"
	ActionSyncFactions = "sync-factions"
	ActionReconcile    = "reconcile"
)

// ReconcileJobID is the global hourly reconciliation definition.
const ReconcileJobID = "reconcile"

// TurnJobID is the recurring turn-run definition of a game.
func TurnJobID(id game.ID) string { return fmt.Sprintf("game-%d-turn", id) }

// FactionsJobID is the recurring faction-sync definition of a game.
func FactionsJobID(id game.ID) string { return fmt.Sprintf("game-%d-factions", id) }

// RunKey dedupes one-shot turn runs of a game.
func RunKey(id game.ID) string { return fmt.Sprintf("game-%d-run", id) }

// Status is the backend-independent status of a job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusDeleted   Status = "DELETED"
	StatusUnknown   Status = "UNKNOWN"
)

// MapState maps a native queue state name.
func MapState(native string) Status {
	switch types.JobState(native) {
	case types.StateEnqueued, types.StateScheduled, types.StateAwaiting:
		return StatusPending
	case types.StateProcessing:
		return StatusRunning
	case types.StateSucceeded:
		return StatusSucceeded
	case types.StateFailed:
		return StatusFailed
	case types.StateDeleted:
		return StatusDeleted
	}
	return StatusUnknown
}

// Definition is a recurring job definition.
type Definition struct {
	ID       string     `json:"id"`
	Cron     string     `json:"cron"`
	TimeZone string     `json:"time_zone"`
	Call     types.Call `json:"call"`
}

// Same reports whether two definitions would schedule the same work.
func (d Definition) Same(o Definition) bool {
	return d.ID == o.ID && d.Cron == o.Cron && d.TimeZone == o.TimeZone && d.Call.Equal(o.Call)
}

// Gateway is what orchestration needs from a job backend.
type Gateway interface {
	// EnqueueOnce schedules a one-shot job. While a job with the same key is
	// pending or running its id is returned and nothing new is scheduled.
	EnqueueOnce(ctx context.Context, key string, call types.Call) (types.JobID, error)
	// UpsertRecurring creates or replaces a definition.
	UpsertRecurring(ctx context.Context, def Definition) error
	// RemoveIfExists deletes a definition; removing a missing one is a no-op.
	RemoveIfExists(ctx context.Context, id string) error
	// Lookup returns the stored definition, if any.
	Lookup(ctx context.Context, id string) (fx.Option[Definition], error)
	// Status reports a job's status. Unknown ids are StatusUnknown.
	Status(ctx context.Context, id types.JobID) (Status, error)
}

// ============================================================================
// run-turn arguments
// ============================================================================

// RunTurnArgs are the arguments of a run-turn job.
type RunTurnArgs struct {
	Game         game.ID
	Turn         fx.Option[int] // explicit turn number
	ForceParse   bool
	ForceMerge   bool
	ForceProcess bool
}

// Call encodes the arguments.
func (a RunTurnArgs) Call() types.Call {
	args := map[string]string{"game": a.Game.String()}
	if n, ok := a.Turn.Get(); ok {
		args["turn"] = strconv.Itoa(n)
	}
	var force []string
	if a.ForceParse {
		force = append(force, "parse")
	}
	if a.ForceMerge {
		force = append(force, "merge")
	}
	if a.ForceProcess {
		force = append(force, "process")
	}
	if len(force) > 0 {
		args["force"] = strings.Join(force, ",")
	}
	return types.Call{Action: ActionRunTurn, Args: args}
}

// ErrBadArgs is returned for jobs whose arguments do not decode.
var ErrBadArgs = errors.New("bad job arguments")

// GameArg decodes the "game" argument every game job carries.
func GameArg(call types.Call) (game.ID, error) {
	id, ok := call.IntArg("game")
	if !ok || id <= 0 {
		return 0, fmt.Errorf("%w: %s: game %q", ErrBadArgs, call.Action, call.Arg("game"))
	}
	return game.ID(id), nil
}

// ParseRunTurn decodes a run-turn call.
func ParseRunTurn(call types.Call) (RunTurnArgs, error) {
	if call.Action != ActionRunTurn {
		return RunTurnArgs{}, fmt.Errorf("%w: action %q is not %s", ErrBadArgs, call.Action, ActionRunTurn)
	}
	id, err := GameArg(call)
	if err != nil {
		return RunTurnArgs{}, err
	}
	a := RunTurnArgs{Game: id, Turn: fx.None[int]()}
	if raw := call.Arg("turn"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return RunTurnArgs{}, fmt.Errorf("%w: turn %q", ErrBadArgs, raw)
		}
		a.Turn = fx.Some(n)
	}
	if raw := call.Arg("force"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			switch f {
			case "parse":
				a.ForceParse = true
			case "merge":
				a.ForceMerge = true
			case "process":
				a.ForceProcess = true
			default:
				return RunTurnArgs{}, fmt.Errorf("%w: force flag %q", ErrBadArgs, f)
			}
		}
	}
	return a, nil
}

// GameCall builds the call of a per-game job.
func GameCall(action string, id game.ID) types.Call {
	return types.Call{Action: action, Args: map[string]string{"game": id.String()}}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
