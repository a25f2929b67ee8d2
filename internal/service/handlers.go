package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/pbem-host/internal/engine"
	"github.com/ChuLiYu/pbem-host/internal/game"
	"github.com/ChuLiYu/pbem-host/internal/jobs"
	"github.com/ChuLiYu/pbem-host/internal/pipeline"
	"github.com/ChuLiYu/pbem-host/internal/store"
	"github.com/ChuLiYu/pbem-host/internal/worker"
	"github.com/ChuLiYu/pbem-host/pkg/fx"
	"github.com/ChuLiYu/pbem-host/pkg/types"
)

// ============================================================================
// Job handlers
// ============================================================================

// Register installs the job handlers on r.
func (s *Service) Register(r *jobs.Router) {
	r.Handle(jobs.ActionRunTurn, s.runTurnJob)
	r.Handle(jobs.ActionSyncFactions, s.syncFactionsJob)
	r.Handle(jobs.ActionReconcile, s.reconcileJob)
}

// permanent marks errors a retry cannot fix.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	if game.IsValidation(err) || game.IsContractViolation(err) ||
		errors.Is(err, store.ErrGameNotFound) || errors.Is(err, jobs.ErrBadArgs) {
		return worker.Permanent(err)
	}
	return err
}

// runTurnJob drives the pipeline. An implicit run that finds the game LOCKED
// resumes its last turn explicitly when it is a retry, or a scheduled fire:
// the queue fires a definition only while no earlier job of it is active, so
// the LOCKED status was left by a failed run, not a live one.
func (s *Service) runTurnJob(ctx context.Context, job types.Job) error {
	args, err := jobs.ParseRunTurn(job.Call)
	if err != nil {
		return worker.Permanent(err)
	}
	req := pipeline.Request{
		GameID: args.Game,
		Turn:   args.Turn,
		Force: pipeline.ForceFlags{
			Parse:   args.ForceParse,
			Merge:   args.ForceMerge,
			Process: args.ForceProcess,
		},
	}
	if req.Turn.IsNone() && (job.Attempt > 1 || job.RecurringID != "") {
		g, err := s.store.Game(ctx, args.Game)
		if err != nil {
			return permanent(err)
		}
		if g.Status == game.StatusLocked {
			req.Turn = g.LastTurn
			s.log.Info("Resuming locked turn", "game", g.ID, "turn", g.LastTurn.OrElse(0),
				"job", job.ID, "attempt", job.Attempt, "recurring", job.RecurringID)
		}
	}

	t, err := s.runner.Run(ctx, req).Unwrap()
	if err != nil {
		return permanent(err)
	}
	s.log.Info("Turn run finished", "game", args.Game, "turn", t.Number, "state", t.State, "job", job.ID)
	return nil
}

func (s *Service) reconcileJob(ctx context.Context, job types.Job) error {
	_, err := s.rc.ReconcileAll(ctx)
	return err
}

// syncFactionsJob pulls the roster of a REMOTE game's server and mirrors
// faction numbers and quits onto the players.
func (s *Service) syncFactionsJob(ctx context.Context, job types.Job) error {
	id, err := jobs.GameArg(job.Call)
	if err != nil {
		return worker.Permanent(err)
	}
	g, err := s.store.Game(ctx, id)
	if err != nil {
		return permanent(err)
	}
	if g.Type != game.TypeRemote || g.Status != game.StatusRunning {
		s.log.Info("Faction sync skipped", "game", g.ID, "type", g.Type, "status", g.Status)
		return nil
	}
	if s.rosters == nil {
		return worker.Permanent(errors.New("no roster source configured"))
	}
	roster, err := s.rosters.Factions(ctx, g)
	if err != nil {
		return fmt.Errorf("fetch roster of game %d: %w", g.ID, err)
	}
	return s.SyncRoster(ctx, g.ID, roster)
}

// SyncRoster applies a server roster: new faction numbers are assigned to
// the players with matching email, unknown factions become players, and
// factions missing from the roster quit.
func (s *Service) SyncRoster(ctx context.Context, id game.ID, roster engine.Roster) error {
	var created, quit int
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		g, err := tx.Game(ctx, id)
		if err != nil {
			return err
		}
		players, err := tx.Players(ctx, id)
		if err != nil {
			return err
		}
		var before engine.Roster
		for _, p := range players {
			if p.Active() {
				before.Factions = append(before.Factions, engine.Faction{Number: p.Number.OrElse(0), Email: p.Email})
			}
		}

		added, gone := engine.Diff(before, roster)
		for _, f := range added {
			p, err := tx.PlayerByEmail(ctx, id, f.Email)
			switch {
			case errors.Is(err, store.ErrPlayerNotFound) || f.Email == "":
				p, err = tx.CreatePlayer(ctx, game.Player{
					GameID: id, Number: fx.Some(f.Number), Name: f.Name, Email: f.Email, NextTurn: g.NextTurn,
				})
			case err == nil:
				p.Number = fx.Some(f.Number)
				err = tx.UpdatePlayer(ctx, p)
			}
			if err != nil {
				return err
			}
			if next, ok := g.NextTurn.Get(); ok && p.Active() {
				if err := tx.EnsurePlayerTurn(ctx, p, next); err != nil {
					return err
				}
			}
			created++
		}
		for _, n := range gone {
			p, err := tx.PlayerByNumber(ctx, id, n)
			if err != nil {
				return err
			}
			p.IsQuit = true
			if err := tx.UpdatePlayer(ctx, p); err != nil {
				return err
			}
			if next, ok := g.NextTurn.Get(); ok {
				if _, err := tx.DeletePlayerTurnsFrom(ctx, p.ID, next); err != nil {
					return err
				}
			}
			quit++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if created+quit > 0 {
		s.log.Info("Factions synced", "game", id, "created", created, "quit", quit)
	}
	return nil
}
