package service

import (
	"context"

	"github.com/ChuLiYu/pbem-host/internal/game"
	"github.com/ChuLiYu/pbem-host/internal/jobs"
	"github.com/ChuLiYu/pbem-host/internal/reconcile"
	"github.com/ChuLiYu/pbem-host/pkg/fx"
	"github.com/ChuLiYu/pbem-host/pkg/types"
)

// RunTurn schedules a one-shot run of a game's turn and returns the job id.
// While a run requested this way is still pending or running, its id is
// returned again instead of scheduling another one.
func (s *Service) RunTurn(ctx context.Context, args jobs.RunTurnArgs) (types.JobID, error) {
	g, err := s.store.Game(ctx, args.Game)
	if err != nil {
		return "", err
	}
	if err := game.CanRun(g.Status, args.Turn.IsSome()); err != nil {
		return "", err
	}
	if n, ok := args.Turn.Get(); ok && !g.InPlay(n) {
		return "", game.Invalid(game.CodeTurnNotInPlay, "game %d: turn %d is not in play", g.ID, n)
	}

	id, err := s.gw.EnqueueOnce(ctx, jobs.RunKey(g.ID), args.Call())
	if err != nil {
		return "", err
	}
	s.log.Info("Turn run requested", "game", g.ID, "turn", args.Turn, "job", id)
	return id, nil
}

// JobStatus reports a job's status.
func (s *Service) JobStatus(ctx context.Context, id types.JobID) (jobs.Status, error) {
	return s.gw.Status(ctx, id)
}

// Reconcile converges one game, or every game when id is None.
func (s *Service) Reconcile(ctx context.Context, id fx.Option[game.ID]) ([]reconcile.Outcome, error) {
	if gid, ok := id.Get(); ok {
		out, err := s.rc.Reconcile(ctx, gid).Unwrap()
		if err != nil {
			return nil, err
		}
		return []reconcile.Outcome{out}, nil
	}
	return s.rc.ReconcileAll(ctx)
}
