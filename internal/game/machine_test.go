package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/pbem-host/pkg/fx"
)

func TestTurnStateNames(t *testing.T) {
	for _, s := range TurnStates {
		parsed, err := ParseTurnState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseTurnState("DONE")
	assert.Error(t, err)
	assert.Equal(t, "TurnState(42)", TurnState(42).String())
}

func TestTurnAdvance(t *testing.T) {
	turn := Turn{GameID: 1, Number: 3, State: TurnPending}
	for _, next := range TurnStates[1:] {
		var err error
		turn, err = turn.Advance(next)
		require.NoError(t, err)
		assert.Equal(t, next, turn.State)
	}

	_, err := turn.Advance(TurnReady + 1)
	assert.True(t, IsValidation(err), "advance past READY")

	back := Turn{Number: 3, State: TurnMerged}
	_, err = back.Advance(TurnParsed)
	assert.True(t, IsValidation(err), "regress")
	_, err = back.Advance(TurnReady)
	assert.True(t, IsValidation(err), "skip")
	_, err = back.Advance(TurnMerged)
	assert.True(t, IsValidation(err), "stay")
}

func TestTurnReachNeverRegresses(t *testing.T) {
	turn := Turn{State: TurnProcessed}
	assert.Equal(t, TurnProcessed, turn.Reach(TurnParsed).State)
	assert.Equal(t, TurnReady, turn.Reach(TurnReady).State)
}

func TestGameTransitions(t *testing.T) {
	type step func(Game) (Game, error)
	start := Game.Start
	pause := Game.Pause
	resume := Game.Resume
	stop := Game.Stop
	lock := Game.Lock
	unlock := Game.Unlock
	release := Game.Release

	tests := []struct {
		name string
		from Status
		op   step
		want Status
		ok   bool
	}{
		{"start new", StatusNew, start, StatusRunning, true},
		{"start running", StatusRunning, start, StatusRunning, false},
		{"pause running", StatusRunning, pause, StatusPaused, true},
		{"pause locked", StatusLocked, pause, StatusPaused, true},
		{"pause new", StatusNew, pause, StatusNew, false},
		{"resume paused", StatusPaused, resume, StatusRunning, true},
		{"resume running", StatusRunning, resume, StatusRunning, false},
		{"stop running", StatusRunning, stop, StatusCompleted, true},
		{"stop paused", StatusPaused, stop, StatusCompleted, true},
		{"stop locked", StatusLocked, stop, StatusCompleted, true},
		{"stop new", StatusNew, stop, StatusNew, false},
		{"lock running", StatusRunning, lock, StatusLocked, true},
		{"lock locked", StatusLocked, lock, StatusLocked, true},
		{"lock paused", StatusPaused, lock, StatusPaused, false},
		{"unlock locked", StatusLocked, unlock, StatusRunning, true},
		{"unlock running", StatusRunning, unlock, StatusRunning, false},
		{"release locked", StatusLocked, release, StatusRunning, true},
		{"release paused during run", StatusPaused, release, StatusPaused, true},
		{"release stopped during run", StatusCompleted, release, StatusCompleted, true},
		{"release resumed during run", StatusRunning, release, StatusRunning, true},
		{"release new", StatusNew, release, StatusNew, false},
		{"anything from completed", StatusCompleted, resume, StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := tt.op(Game{ID: 7, Status: tt.from})
			if tt.ok {
				require.NoError(t, err)
			} else {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, CodeInvalidTransition, ve.Code)
			}
			assert.Equal(t, tt.want, g.Status)
		})
	}
}

func TestCanRun(t *testing.T) {
	for _, s := range Statuses {
		implicit := CanRun(s, false)
		explicit := CanRun(s, true)
		switch s {
		case StatusRunning:
			assert.NoError(t, implicit)
			assert.NoError(t, explicit)
		case StatusLocked:
			assert.True(t, IsValidation(implicit))
			assert.NoError(t, explicit)
		default:
			assert.True(t, IsValidation(implicit), s)
			assert.True(t, IsValidation(explicit), s)
		}
	}
}

func TestSelectTurn(t *testing.T) {
	running := Game{ID: 1, Status: StatusRunning, LastTurn: fx.Some(4), NextTurn: fx.Some(5)}
	turn := func(n int, s TurnState) fx.Option[Turn] {
		return fx.Some(Turn{GameID: 1, Number: n, State: s})
	}
	none := fx.None[Turn]()

	tests := []struct {
		name      string
		game      Game
		last      fx.Option[Turn]
		next      fx.Option[Turn]
		wantTurn  int
		wantState TurnState
		resumed   bool
		created   bool
	}{
		{"fresh game, no rows", Game{ID: 1, NextTurn: fx.Some(1)}, none, none, 1, TurnPending, false, true},
		{"fresh game, next row pending", Game{ID: 1, NextTurn: fx.Some(1)}, none, turn(1, TurnPending), 1, TurnPending, false, false},
		{"last ready, next pending", running, turn(4, TurnReady), turn(5, TurnPending), 5, TurnPending, false, false},
		{"last ready, next missing", running, turn(4, TurnReady), none, 5, TurnPending, false, true},
		{"last executed", running, turn(4, TurnExecuted), turn(5, TurnPending), 4, TurnExecuted, true, false},
		{"last parsed", running, turn(4, TurnParsed), none, 4, TurnParsed, true, false},
		{"last processed", running, turn(4, TurnProcessed), turn(5, TurnPending), 4, TurnProcessed, true, false},
		{"last pending", running, turn(4, TurnPending), none, 4, TurnPending, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := SelectTurn(tt.game, tt.last, tt.next).Unwrap()
			require.NoError(t, err)
			assert.Equal(t, tt.wantTurn, sel.Turn.Number)
			assert.Equal(t, tt.wantState, sel.Turn.State)
			assert.Equal(t, tt.resumed, sel.Resumed)
			assert.Equal(t, tt.created, sel.Created)
			assert.Equal(t, ID(1), sel.Turn.GameID)
		})
	}
}

func TestSelectTurnContractViolations(t *testing.T) {
	g := Game{ID: 1, Status: StatusRunning, LastTurn: fx.Some(4), NextTurn: fx.Some(5)}
	last := fx.Some(Turn{Number: 4, State: TurnReady})

	t.Run("next already ready", func(t *testing.T) {
		err := SelectTurn(g, last, fx.Some(Turn{Number: 5, State: TurnReady})).Err()
		var cv *ContractViolation
		require.ErrorAs(t, err, &cv)
		assert.Equal(t, "select-ready-turn", cv.Rule)
	})

	t.Run("next advanced without being last", func(t *testing.T) {
		err := SelectTurn(g, last, fx.Some(Turn{Number: 5, State: TurnMerged})).Err()
		assert.True(t, IsContractViolation(err))
	})

	t.Run("no next pointer", func(t *testing.T) {
		err := SelectTurn(Game{ID: 1}, fx.None[Turn](), fx.None[Turn]()).Err()
		assert.True(t, IsContractViolation(err))
	})
}

func TestSelectExplicit(t *testing.T) {
	g := Game{ID: 1, Status: StatusLocked, LastTurn: fx.Some(4), NextTurn: fx.Some(5)}
	last := fx.Some(Turn{GameID: 1, Number: 4, State: TurnParsed})

	sel, err := SelectExplicit(g, last, fx.None[Turn](), 4).Unwrap()
	require.NoError(t, err)
	assert.True(t, sel.Resumed)

	err = SelectExplicit(g, last, fx.None[Turn](), 5).Err()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, CodeTurnNotInPlay, ve.Code)
}

func TestBeginAndInPlay(t *testing.T) {
	g := Game{NextTurn: fx.Some(1)}
	assert.True(t, g.InPlay(1))
	assert.False(t, g.InPlay(0))

	g = g.Begin(1)
	assert.Equal(t, 1, g.LastTurn.OrElse(0))
	assert.Equal(t, 2, g.NextTurn.OrElse(0))
	assert.True(t, g.InPlay(1))
	assert.True(t, g.InPlay(2))
	assert.False(t, g.InPlay(3))
}
