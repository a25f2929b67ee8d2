package game

import (
	"fmt"

	"github.com/ChuLiYu/pbem-host/pkg/fx"
)

// ============================================================================
// Turn state
// ============================================================================

// TurnState is the pipeline progress of a turn. Values are ordered.
type TurnState int

const (
	TurnPending TurnState = iota
	TurnExecuted
	TurnParsed
	TurnMerged
	TurnProcessed
	TurnReady
)

var turnStateNames = [...]string{"PENDING", "EXECUTED", "PARSED", "MERGED", "PROCESSED", "READY"}

// TurnStates lists every state in pipeline order.
var TurnStates = []TurnState{TurnPending, TurnExecuted, TurnParsed, TurnMerged, TurnProcessed, TurnReady}

func (s TurnState) String() string {
	if s < TurnPending || s > TurnReady {
		return fmt.Sprintf("TurnState(%d)", int(s))
	}
	return turnStateNames[s]
}

// ParseTurnState converts a stored name back to a TurnState.
func ParseTurnState(name string) (TurnState, error) {
	for i, n := range turnStateNames {
		if n == name {
			return TurnState(i), nil
		}
	}
	return TurnPending, fmt.Errorf("unknown turn state %q", name)
}

// Advance moves a turn one step forward. Any other move is rejected.
func (t Turn) Advance(to TurnState) (Turn, error) {
	if to != t.State+1 || to > TurnReady {
		return t, Invalid(CodeInvalidTransition, "turn %d: %s -> %s", t.Number, t.State, to)
	}
	t.State = to
	return t, nil
}

// Reach sets the state to at least to. A forced re-run of a stage whose
// output state the turn already passed keeps the later state.
func (t Turn) Reach(to TurnState) Turn {
	if to > t.State {
		t.State = to
	}
	return t
}

// ============================================================================
// Game status
// ============================================================================

func (g Game) move(to Status, from ...Status) (Game, error) {
	for _, s := range from {
		if g.Status == s {
			g.Status = to
			return g, nil
		}
	}
	return g, Invalid(CodeInvalidTransition, "game %d: cannot move from %s to %s", g.ID, g.Status, to)
}

// Start opens a new game for play.
func (g Game) Start() (Game, error) { return g.move(StatusRunning, StatusNew) }

// Pause stops scheduled turns. A turn run in progress is not aborted; it
// finishes and leaves the game PAUSED.
func (g Game) Pause() (Game, error) { return g.move(StatusPaused, StatusRunning, StatusLocked) }

// Resume re-enables scheduled turns.
func (g Game) Resume() (Game, error) { return g.move(StatusRunning, StatusPaused) }

// Stop completes the game for good. Like Pause it does not abort a run in
// progress.
func (g Game) Stop() (Game, error) {
	return g.move(StatusCompleted, StatusRunning, StatusPaused, StatusLocked)
}

// Lock marks a turn run as in progress. Locking a locked game is how an
// interrupted run is resumed.
func (g Game) Lock() (Game, error) { return g.move(StatusLocked, StatusRunning, StatusLocked) }

// Unlock releases the game after the final stage.
func (g Game) Unlock() (Game, error) { return g.move(StatusRunning, StatusLocked) }

// Release ends a turn run at its final stage. A LOCKED game unlocks; a game
// paused, stopped or resumed while the run was in progress keeps its status.
func (g Game) Release() (Game, error) {
	switch g.Status {
	case StatusLocked:
		return g.Unlock()
	case StatusRunning, StatusPaused, StatusCompleted:
		return g, nil
	}
	return g, Invalid(CodeInvalidTransition, "game %d: cannot finish a turn while %s", g.ID, g.Status)
}

// CanRun applies the run guard. An implicit run (next turn) requires
// RUNNING; an explicit turn number also accepts LOCKED.
func CanRun(status Status, explicit bool) error {
	if status == StatusRunning || (explicit && status == StatusLocked) {
		return nil
	}
	kind := "implicit"
	if explicit {
		kind = "explicit"
	}
	return Invalid(CodeNotRunnable, "%s turn run not allowed while game is %s", kind, status)
}

// ============================================================================
// Turn selection
// ============================================================================

// Selection is the turn a run will work on.
type Selection struct {
	Turn    Turn
	Resumed bool // Last turn was interrupted mid-pipeline
	Created bool // row does not exist yet
}

// SelectTurn picks the turn to process.
//
// Last present and not READY: resume it. Otherwise begin Next at PENDING,
// using the existing row when there is one. Selecting a READY turn, or a Next
// turn that already left PENDING while not referenced as Last, is a contract
// violation.
func SelectTurn(g Game, last, next fx.Option[Turn]) fx.Result[Selection] {
	if lt, ok := last.Get(); ok && lt.State != TurnReady {
		return fx.Success(Selection{Turn: lt, Resumed: true})
	}

	nextNumber, ok := g.NextTurn.Get()
	if !ok {
		return fx.Failure[Selection](&ContractViolation{
			Rule:   "next-turn-present",
			Detail: fmt.Sprintf("game %d is %s but has no next turn", g.ID, g.Status),
		})
	}

	nt, exists := next.Get()
	if !exists {
		return fx.Success(Selection{Turn: Turn{GameID: g.ID, Number: nextNumber, State: TurnPending}, Created: true})
	}
	switch nt.State {
	case TurnPending:
		return fx.Success(Selection{Turn: nt})
	case TurnReady:
		return fx.Failure[Selection](&ContractViolation{
			Rule:   "select-ready-turn",
			Detail: fmt.Sprintf("game %d turn %d is already READY", g.ID, nt.Number),
		})
	default:
		return fx.Failure[Selection](&ContractViolation{
			Rule:   "next-turn-pending",
			Detail: fmt.Sprintf("game %d next turn %d is %s but not referenced as last", g.ID, nt.Number, nt.State),
		})
	}
}

// SelectExplicit is SelectTurn for a run that names its turn. The named turn
// must be the one SelectTurn picks.
func SelectExplicit(g Game, last, next fx.Option[Turn], number int) fx.Result[Selection] {
	return fx.Bind(SelectTurn(g, last, next), func(sel Selection) fx.Result[Selection] {
		if sel.Turn.Number != number {
			return fx.Failure[Selection](Invalid(CodeTurnNotInPlay,
				"game %d: turn %d is not in play (expected %d)", g.ID, number, sel.Turn.Number))
		}
		return fx.Success(sel)
	})
}

// Begin moves the game pointers onto a freshly started turn: Last becomes
// the turn, Next the one after it.
func (g Game) Begin(number int) Game {
	g.LastTurn = fx.Some(number)
	g.NextTurn = fx.Some(number + 1)
	return g
}

// InPlay reports whether the turn number is the game's Last or Next turn.
func (g Game) InPlay(number int) bool {
	return g.LastTurn.OrElse(-1) == number || g.NextTurn.OrElse(-1) == number
}
