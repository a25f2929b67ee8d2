package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/pbem-host/internal/engine"
	"github.com/ChuLiYu/pbem-host/internal/game"
	"github.com/ChuLiYu/pbem-host/internal/report"
	"github.com/ChuLiYu/pbem-host/internal/store"
	"github.com/ChuLiYu/pbem-host/pkg/fx"
)

// ============================================================================
// Select turn
// ============================================================================

// selectTurn applies the run guard, picks the turn and locks the game.
func (r *Runner) selectTurn(req Request) Body[game.Turn] {
	return func(ctx context.Context, sc *Scope) fx.Result[game.Turn] {
		tx, err := sc.Tx()
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		g, err := tx.Game(ctx, req.GameID)
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		if err := game.CanRun(g.Status, req.Turn.IsSome()); err != nil {
			return fx.Failure[game.Turn](err)
		}
		last, err := tx.LookupTurnAt(ctx, g.ID, g.LastTurn)
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		next, err := tx.LookupTurnAt(ctx, g.ID, g.NextTurn)
		if err != nil {
			return fx.Failure[game.Turn](err)
		}

		selected := game.SelectTurn(g, last, next)
		if n, ok := req.Turn.Get(); ok {
			selected = game.SelectExplicit(g, last, next, n)
		}
		sel, err := selected.Unwrap()
		if err != nil {
			return fx.Failure[game.Turn](err)
		}

		if sel.Created {
			if err := tx.CreateTurn(ctx, sel.Turn); err != nil {
				return fx.Failure[game.Turn](err)
			}
		}
		if !sel.Resumed {
			g = g.Begin(sel.Turn.Number)
		}
		if g, err = g.Lock(); err != nil {
			return fx.Failure[game.Turn](err)
		}
		if err := tx.UpdateGame(ctx, g); err != nil {
			return fx.Failure[game.Turn](err)
		}
		sc.Log.Info("turn selected", "turn", sel.Turn.Number, "state", sel.Turn.State, "resumed", sel.Resumed)
		return fx.Success(sel.Turn)
	}
}

// ============================================================================
// Execute engine
// ============================================================================

// execute runs the engine for t. Inputs are read before the stage
// transaction begins so the engine run does not hold the write lock.
func (r *Runner) execute(t game.Turn) Body[game.Turn] {
	return func(ctx context.Context, sc *Scope) fx.Result[game.Turn] {
		db := sc.Reader()
		g, err := db.Game(ctx, t.GameID)
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		in, err := engineInput(ctx, db, t)
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		eng, err := r.engines.For(g)
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		out, err := eng.Run(ctx, in)
		if err != nil {
			return fx.Failure[game.Turn](fmt.Errorf("engine run for turn %d: %w", t.Number, err))
		}

		tx, err := sc.Tx()
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		cur, err := tx.Turn(ctx, t.GameID, t.Number)
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		if cur.State != game.TurnPending {
			return fx.Failure[game.Turn](&game.ContractViolation{
				Rule:   "execute-pending-turn",
				Detail: fmt.Sprintf("turn %d moved to %s during the engine run", t.Number, cur.State),
			})
		}

		for faction, src := range out.Reports {
			rep := game.Report{GameID: t.GameID, TurnNumber: t.Number, FactionNumber: faction, Source: src}
			if err := tx.PutReport(ctx, rep); err != nil {
				return fx.Failure[game.Turn](err)
			}
		}
		for _, text := range out.Articles {
			if _, err := tx.AddArticle(ctx, t.GameID, t.Number, text); err != nil {
				return fx.Failure[game.Turn](err)
			}
		}
		if err := applyFactionChanges(ctx, tx, sc, t, out); err != nil {
			return fx.Failure[game.Turn](err)
		}

		cur.SaveState = out.SaveState
		cur.Roster = out.Roster
		if cur, err = cur.Advance(game.TurnExecuted); err != nil {
			return fx.Failure[game.Turn](err)
		}
		if err := tx.UpdateTurn(ctx, cur); err != nil {
			return fx.Failure[game.Turn](err)
		}
		sc.Log.Info("engine output stored", "turn", t.Number,
			"reports", len(out.Reports), "articles", len(out.Articles),
			"created", len(out.Created), "quit", len(out.Quit))
		return fx.Success(cur)
	}
}

// engineInput collects the previous save-state, the roster of active
// players and their orders for t.
func engineInput(ctx context.Context, db store.Repo, t game.Turn) (engine.Input, error) {
	in := engine.Input{GameID: t.GameID, Turn: t.Number}
	if t.Number > 1 {
		prev, err := db.LookupTurn(ctx, t.GameID, t.Number-1)
		if err != nil {
			return in, err
		}
		if p, ok := prev.Get(); ok {
			in.SaveState = p.SaveState
		}
	}

	players, err := db.Players(ctx, t.GameID)
	if err != nil {
		return in, err
	}
	orders, err := db.Orders(ctx, t.GameID, t.Number)
	if err != nil {
		return in, err
	}
	text := make(map[int64]string, len(orders))
	for _, o := range orders {
		text[o.PlayerID] = o.Text
	}

	var roster engine.Roster
	for _, p := range players {
		if p.IsQuit {
			continue
		}
		roster.Factions = append(roster.Factions, engine.Faction{
			Number: p.Number.OrElse(0), Name: p.Name, Email: p.Email, Password: p.Password,
		})
		if n, ok := p.Number.Get(); ok {
			in.Orders = append(in.Orders, engine.FactionOrders{Number: n, Password: p.Password, Text: text[p.ID]})
		}
	}
	if in.Roster, err = engine.EncodeRoster(roster); err != nil {
		return in, err
	}
	return in, nil
}

// applyFactionChanges assigns numbers to joined players and retires quit
// factions.
func applyFactionChanges(ctx context.Context, tx *store.Tx, sc *Scope, t game.Turn, out engine.Output) error {
	for _, f := range out.Created {
		p, err := tx.PlayerByEmail(ctx, t.GameID, f.Email)
		switch {
		case errors.Is(err, store.ErrPlayerNotFound):
			p, err = tx.CreatePlayer(ctx, game.Player{
				GameID: t.GameID, Number: fx.Some(f.Number), Name: f.Name, Email: f.Email, Password: f.Password,
			})
			if err != nil {
				return err
			}
			sc.Log.Info("faction created by engine", "faction", f.Number, "player", p.ID)
			continue
		case err != nil:
			return err
		}
		p.Number = fx.Some(f.Number)
		if err := tx.UpdatePlayer(ctx, p); err != nil {
			return err
		}
		sc.Log.Info("faction assigned", "faction", f.Number, "player", p.ID)
	}

	for _, n := range out.Quit {
		p, err := tx.PlayerByNumber(ctx, t.GameID, n)
		if errors.Is(err, store.ErrPlayerNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		p.IsQuit = true
		if err := tx.UpdatePlayer(ctx, p); err != nil {
			return err
		}
		if _, err := tx.DeletePlayerTurnsFrom(ctx, p.ID, t.Number+1); err != nil {
			return err
		}
		sc.Log.Info("faction quit", "faction", n, "player", p.ID)
	}
	return nil
}

// ============================================================================
// Parse, merge, statistics
// ============================================================================

func (r *Runner) parse(t game.Turn) Body[game.Turn] {
	return func(ctx context.Context, sc *Scope) fx.Result[game.Turn] {
		tx, err := sc.Tx()
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		reps, err := tx.Reports(ctx, t.GameID, t.Number)
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		for _, rep := range reps {
			parsed, err := r.parser.Parse(rep.Source)
			if err != nil {
				return fx.Failure[game.Turn](fmt.Errorf("parse report of faction %d: %w", rep.FactionNumber, err))
			}
			if parsed.Faction != rep.FactionNumber {
				return fx.Failure[game.Turn](fmt.Errorf("report of faction %d claims faction %d", rep.FactionNumber, parsed.Faction))
			}
			raw, err := report.Encode(parsed)
			if err != nil {
				return fx.Failure[game.Turn](err)
			}
			if err := tx.SetParsedReport(ctx, t.GameID, t.Number, rep.FactionNumber, raw); err != nil {
				return fx.Failure[game.Turn](err)
			}
		}
		return reach(ctx, tx, t, game.TurnParsed)
	}
}

func (r *Runner) merge(t game.Turn) Body[game.Turn] {
	return func(ctx context.Context, sc *Scope) fx.Result[game.Turn] {
		tx, err := sc.Tx()
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		reps, err := tx.Reports(ctx, t.GameID, t.Number)
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		parsed := make([]report.Report, 0, len(reps))
		for _, rep := range reps {
			if len(rep.Parsed) == 0 {
				return fx.Failure[game.Turn](fmt.Errorf("report of faction %d is not parsed", rep.FactionNumber))
			}
			p, err := report.Decode(rep.Parsed)
			if err != nil {
				return fx.Failure[game.Turn](err)
			}
			parsed = append(parsed, p)
		}

		world := report.Merge(parsed)
		if err := tx.ClearWorld(ctx, t.GameID, t.Number); err != nil {
			return fx.Failure[game.Turn](err)
		}
		for _, reg := range world.Regions {
			if err := tx.PutRegion(ctx, t.GameID, t.Number, reg); err != nil {
				return fx.Failure[game.Turn](err)
			}
		}
		for _, u := range world.Units {
			if err := tx.PutUnit(ctx, t.GameID, t.Number, u); err != nil {
				return fx.Failure[game.Turn](err)
			}
		}
		sc.Log.Info("world merged", "turn", t.Number, "regions", len(world.Regions), "units", len(world.Units))
		return reach(ctx, tx, t, game.TurnMerged)
	}
}

func (r *Runner) statistics(t game.Turn) Body[game.Turn] {
	return func(ctx context.Context, sc *Scope) fx.Result[game.Turn] {
		tx, err := sc.Tx()
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		regions, err := tx.Regions(ctx, t.GameID, t.Number)
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		units, err := tx.Units(ctx, t.GameID, t.Number)
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		stats := report.Statistics(report.World{Regions: regions, Units: units})
		if err := tx.PutStatistics(ctx, t.GameID, t.Number, stats); err != nil {
			return fx.Failure[game.Turn](err)
		}
		return reach(ctx, tx, t, game.TurnProcessed)
	}
}

// reach stores the turn at state or later. A forced re-run keeps the later
// state it already had.
func reach(ctx context.Context, tx *store.Tx, t game.Turn, state game.TurnState) fx.Result[game.Turn] {
	t = t.Reach(state)
	return fx.FromPair(t, tx.UpdateTurn(ctx, t))
}

// ============================================================================
// Finish
// ============================================================================

// finish marks t READY, releases the game, opens the next turn and moves
// every player's turn rows forward.
func (r *Runner) finish(t game.Turn) Body[game.Turn] {
	return func(ctx context.Context, sc *Scope) fx.Result[game.Turn] {
		tx, err := sc.Tx()
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		g, err := tx.Game(ctx, t.GameID)
		if err != nil {
			return fx.Failure[game.Turn](err)
		}

		done, err := t.Advance(game.TurnReady)
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		if err := tx.UpdateTurn(ctx, done); err != nil {
			return fx.Failure[game.Turn](err)
		}

		if g, err = g.Release(); err != nil {
			return fx.Failure[game.Turn](err)
		}
		g = g.Begin(t.Number)
		if err := tx.UpdateGame(ctx, g); err != nil {
			return fx.Failure[game.Turn](err)
		}

		next := t.Number + 1
		exists, err := tx.LookupTurn(ctx, t.GameID, next)
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		if exists.IsNone() {
			if err := tx.CreateTurn(ctx, game.Turn{GameID: t.GameID, Number: next, State: game.TurnPending}); err != nil {
				return fx.Failure[game.Turn](err)
			}
		}

		players, err := tx.Players(ctx, t.GameID)
		if err != nil {
			return fx.Failure[game.Turn](err)
		}
		for _, p := range players {
			if p.IsQuit {
				if _, err := tx.DeletePlayerTurnsFrom(ctx, p.ID, next); err != nil {
					return fx.Failure[game.Turn](err)
				}
				continue
			}
			p.LastTurn = fx.Some(t.Number)
			p.NextTurn = fx.Some(next)
			if err := tx.UpdatePlayer(ctx, p); err != nil {
				return fx.Failure[game.Turn](err)
			}
			if err := tx.EnsurePlayerTurn(ctx, p, next); err != nil {
				return fx.Failure[game.Turn](err)
			}
		}
		sc.Log.Info("turn ready", "turn", t.Number, "next", next)
		return fx.Success(done)
	}
}
