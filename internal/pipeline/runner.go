package pipeline

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/pbem-host/internal/engine"
	"github.com/ChuLiYu/pbem-host/internal/game"
	"github.com/ChuLiYu/pbem-host/internal/metrics"
	"github.com/ChuLiYu/pbem-host/internal/report"
	"github.com/ChuLiYu/pbem-host/internal/store"
	"github.com/ChuLiYu/pbem-host/pkg/fx"
)

// Stage names, in pipeline order.
const (
	StageSelect     = "Select turn"
	StageExecute    = "Execute engine"
	StageParse      = "Parse reports"
	StageMerge      = "Merge reports"
	StageStatistics = "Statistics"
	StageFinish     = "Finish"
)

// ForceFlags re-run a stage whose output state the turn already reached.
// They have no effect on a READY turn.
type ForceFlags struct {
	Parse   bool `json:"force_parse,omitempty"`
	Merge   bool `json:"force_merge,omitempty"`
	Process bool `json:"force_process,omitempty"`
}

// Request asks for one turn run. Turn is set for an explicit run.
type Request struct {
	GameID game.ID
	Turn   fx.Option[int]
	Force  ForceFlags
}

// Runner drives the turn pipeline.
type Runner struct {
	x       *Executor
	engines engine.Selector
	parser  report.Parser
}

// NewRunner wires a runner. metrics may be nil.
func NewRunner(s *store.Store, engines engine.Selector, parser report.Parser, m *metrics.Collector, logger *slog.Logger) *Runner {
	return &Runner{x: NewExecutor(s, m, logger), engines: engines, parser: parser}
}

// Run selects the turn and runs every stage it still needs. The returned
// turn is the state after the last committed stage.
func (r *Runner) Run(ctx context.Context, req Request) fx.Result[game.Turn] {
	x := r.x.with("game", req.GameID)

	pipeline := fx.ThenAsync(
		Stage(x, StageSelect, true, r.selectTurn(req), game.Turn{}),
		func(t game.Turn) fx.Async[game.Turn] {
			return Stage(x, StageExecute, t.State == game.TurnPending, r.execute(t), t)
		})
	pipeline = fx.ThenAsync(pipeline, func(t game.Turn) fx.Async[game.Turn] {
		return Stage(x, StageParse, shouldRun(t.State, game.TurnExecuted, req.Force.Parse), r.parse(t), t)
	})
	pipeline = fx.ThenAsync(pipeline, func(t game.Turn) fx.Async[game.Turn] {
		return Stage(x, StageMerge, shouldRun(t.State, game.TurnParsed, req.Force.Merge), r.merge(t), t)
	})
	pipeline = fx.ThenAsync(pipeline, func(t game.Turn) fx.Async[game.Turn] {
		return Stage(x, StageStatistics, shouldRun(t.State, game.TurnMerged, req.Force.Process), r.statistics(t), t)
	})
	pipeline = fx.ThenAsync(pipeline, func(t game.Turn) fx.Async[game.Turn] {
		return Stage(x, StageFinish, t.State == game.TurnProcessed, r.finish(t), t)
	})

	return pipeline.Run(ctx)
}

// shouldRun is true when the turn sits at the stage's precondition, or when
// forced and the turn is past it but not READY.
func shouldRun(state, pre game.TurnState, force bool) bool {
	return state == pre || (force && state > pre && state != game.TurnReady)
}
