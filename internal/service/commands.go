package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ChuLiYu/pbem-host/internal/game"
	"github.com/ChuLiYu/pbem-host/internal/queue"
	"github.com/ChuLiYu/pbem-host/internal/store"
	"github.com/ChuLiYu/pbem-host/pkg/fx"
)

// ============================================================================
// Game commands
// ============================================================================

// CreateGameRequest describes a new game.
type CreateGameRequest struct {
	Name    string
	Type    game.Type
	Options game.Options
}

// ValidateOptions checks options before they are stored.
func ValidateOptions(typ game.Type, o game.Options) error {
	if o.TimeZone != "" {
		if _, err := time.LoadLocation(o.TimeZone); err != nil {
			return game.Invalid(game.CodeInvalidOptions, "unknown time zone %q", o.TimeZone)
		}
	}
	if o.Schedule != "" {
		if _, err := queue.ParseSchedule(o.Schedule, o.TimeZone); err != nil {
			return game.Invalid(game.CodeInvalidOptions, "schedule %q: %v", o.Schedule, err)
		}
	}
	if typ == game.TypeRemote && o.ServerAddress == "" {
		return game.Invalid(game.CodeInvalidOptions, "%s games need a server address", game.TypeRemote)
	}
	return nil
}

// CreateGame stores a NEW game.
func (s *Service) CreateGame(ctx context.Context, req CreateGameRequest) (game.Game, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return game.Game{}, game.Invalid(game.CodeInvalidArgument, "game name is required")
	}
	if req.Type == "" {
		req.Type = game.TypeLocal
	}
	if req.Type != game.TypeLocal && req.Type != game.TypeRemote {
		return game.Game{}, game.Invalid(game.CodeInvalidArgument, "unknown game type %q", req.Type)
	}
	if err := ValidateOptions(req.Type, req.Options); err != nil {
		return game.Game{}, err
	}

	var g game.Game
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		g, err = tx.CreateGame(ctx, game.Game{
			Name:    req.Name,
			Status:  game.StatusNew,
			Type:    req.Type,
			Options: req.Options,
		})
		return err
	})
	if err != nil {
		return game.Game{}, err
	}
	s.log.Info("Game created", "game", g.ID, "name", g.Name, "type", g.Type)
	s.reconcile(ctx, g)
	return g, nil
}

// StartGame moves a NEW game to RUNNING and opens its first turn for
// orders.
func (s *Service) StartGame(ctx context.Context, id game.ID) (game.Game, error) {
	return s.mutate(ctx, id, "start", func(ctx context.Context, tx *store.Tx, g game.Game) (game.Game, error) {
		if err := ValidateOptions(g.Type, g.Options); err != nil {
			return g, err
		}
		g, err := g.Start()
		if err != nil {
			return g, err
		}
		next := g.NextTurn.OrElse(1)
		g.NextTurn = fx.Some(next)

		existing, err := tx.LookupTurn(ctx, g.ID, next)
		if err != nil {
			return g, err
		}
		if existing.IsNone() {
			if err := tx.CreateTurn(ctx, game.Turn{GameID: g.ID, Number: next, State: game.TurnPending}); err != nil {
				return g, err
			}
		}

		players, err := tx.Players(ctx, g.ID)
		if err != nil {
			return g, err
		}
		for _, p := range players {
			if !p.Active() {
				continue
			}
			p.NextTurn = fx.Some(next)
			if err := tx.UpdatePlayer(ctx, p); err != nil {
				return g, err
			}
			if err := tx.EnsurePlayerTurn(ctx, p, next); err != nil {
				return g, err
			}
		}
		return g, nil
	})
}

// PauseGame suspends scheduled turns.
func (s *Service) PauseGame(ctx context.Context, id game.ID) (game.Game, error) {
	return s.mutate(ctx, id, "pause", func(_ context.Context, _ *store.Tx, g game.Game) (game.Game, error) {
		return g.Pause()
	})
}

// ResumeGame restarts scheduled turns of a paused game.
func (s *Service) ResumeGame(ctx context.Context, id game.ID) (game.Game, error) {
	return s.mutate(ctx, id, "resume", func(_ context.Context, _ *store.Tx, g game.Game) (game.Game, error) {
		return g.Resume()
	})
}

// StopGame completes a game for good.
func (s *Service) StopGame(ctx context.Context, id game.ID) (game.Game, error) {
	return s.mutate(ctx, id, "stop", func(_ context.Context, _ *store.Tx, g game.Game) (game.Game, error) {
		return g.Stop()
	})
}

// UpdateOptions replaces a game's options.
func (s *Service) UpdateOptions(ctx context.Context, id game.ID, opts game.Options) (game.Game, error) {
	opts.Schedule = strings.TrimSpace(opts.Schedule)
	return s.mutate(ctx, id, "options", func(_ context.Context, _ *store.Tx, g game.Game) (game.Game, error) {
		if g.Status == game.StatusCompleted {
			return g, game.Invalid(game.CodeInvalidTransition, "game %d is %s", g.ID, g.Status)
		}
		if err := ValidateOptions(g.Type, opts); err != nil {
			return g, err
		}
		g.Options = opts
		return g, nil
	})
}

// mutate loads the game, applies fn and stores the result in one
// transaction, then reconciles the committed game.
func (s *Service) mutate(ctx context.Context, id game.ID, op string,
	fn func(ctx context.Context, tx *store.Tx, g game.Game) (game.Game, error)) (game.Game, error) {
	var out game.Game
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		g, err := tx.Game(ctx, id)
		if err != nil {
			return err
		}
		before := g.Status
		if out, err = fn(ctx, tx, g); err != nil {
			return err
		}
		s.log.Info("Game updated", "game", id, "op", op, "from", before, "to", out.Status)
		return tx.UpdateGame(ctx, out)
	})
	if err != nil {
		return game.Game{}, err
	}
	s.reconcile(ctx, out)
	return out, nil
}

// reconcile converges g after a committed command. A failure leaves the
// command in place; the hourly reconcile job repairs the definitions.
func (s *Service) reconcile(ctx context.Context, g game.Game) {
	if err := s.rc.Converge(ctx, g).Err(); err != nil {
		s.log.Warn("Reconcile after command failed", "game", g.ID, "error", err)
	}
}

// ============================================================================
// Faction commands
// ============================================================================

// JoinRequest is a player's application to a game.
type JoinRequest struct {
	Name     string
	Email    string
	Password string
}

// JoinFaction adds a player. The engine assigns the faction number on the
// next turn run.
func (s *Service) JoinFaction(ctx context.Context, id game.ID, req JoinRequest) (game.Player, error) {
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		return game.Player{}, game.Invalid(game.CodeInvalidArgument, "email and password are required")
	}

	var p game.Player
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		g, err := tx.Game(ctx, id)
		if err != nil {
			return err
		}
		if g.Status == game.StatusCompleted {
			return game.Invalid(game.CodeInvalidTransition, "game %d is %s", g.ID, g.Status)
		}
		_, err = tx.PlayerByEmail(ctx, g.ID, req.Email)
		switch {
		case err == nil:
			return game.Invalid(game.CodeInvalidArgument, "%s already plays game %d", req.Email, g.ID)
		case !errors.Is(err, store.ErrPlayerNotFound):
			return err
		}

		name := req.Name
		if name == "" {
			name = req.Email
		}
		p, err = tx.CreatePlayer(ctx, game.Player{
			GameID:   g.ID,
			Name:     name,
			Email:    req.Email,
			Password: req.Password,
			NextTurn: g.NextTurn,
		})
		if err != nil {
			return err
		}
		if next, ok := g.NextTurn.Get(); ok {
			return tx.EnsurePlayerTurn(ctx, p, next)
		}
		return nil
	})
	if err != nil {
		return game.Player{}, err
	}
	s.log.Info("Player joined", "game", id, "player", p.ID, "email", p.Email)
	return p, nil
}

// QuitFaction retires a player. Rows for turns not yet run are removed.
func (s *Service) QuitFaction(ctx context.Context, id game.ID, email, password string) (game.Player, error) {
	var p game.Player
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		g, err := tx.Game(ctx, id)
		if err != nil {
			return err
		}
		if p, err = authenticate(ctx, tx, g.ID, email, password); err != nil {
			return err
		}
		p.IsQuit = true
		if err := tx.UpdatePlayer(ctx, p); err != nil {
			return err
		}
		if next, ok := g.NextTurn.Get(); ok {
			_, err = tx.DeletePlayerTurnsFrom(ctx, p.ID, next)
		}
		return err
	})
	if err != nil {
		return game.Player{}, err
	}
	s.log.Info("Player quit", "game", id, "player", p.ID, "faction", p.Number)
	return p, nil
}

// SubmitOrders stores a player's orders for the game's next turn.
// Orders are only accepted while the game is RUNNING.
func (s *Service) SubmitOrders(ctx context.Context, id game.ID, email, password, text string) (int, error) {
	var turn int
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		g, err := tx.Game(ctx, id)
		if err != nil {
			return err
		}
		if g.Status != game.StatusRunning {
			return game.Invalid(game.CodeNotRunnable, "game %d is %s, orders are not accepted", g.ID, g.Status)
		}
		next, ok := g.NextTurn.Get()
		if !ok {
			return &game.ContractViolation{Rule: "next-turn-present", Detail: "running game without a next turn"}
		}
		p, err := authenticate(ctx, tx, g.ID, email, password)
		if err != nil {
			return err
		}
		if err := tx.EnsurePlayerTurn(ctx, p, next); err != nil {
			return err
		}
		turn = next
		return tx.SetOrders(ctx, p.ID, next, text, s.now())
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("Orders received", "game", id, "turn", turn, "email", email, "bytes", len(text))
	return turn, nil
}

// authenticate finds an active player by email and checks the password.
func authenticate(ctx context.Context, tx *store.Tx, id game.ID, email, password string) (game.Player, error) {
	p, err := tx.PlayerByEmail(ctx, id, strings.TrimSpace(email))
	if errors.Is(err, store.ErrPlayerNotFound) {
		return p, game.Invalid(game.CodeForbidden, "no player %s in game %d", email, id)
	}
	if err != nil {
		return p, err
	}
	if p.Password != password {
		return p, game.Invalid(game.CodeForbidden, "wrong password for %s", email)
	}
	if !p.Active() {
		return p, game.Invalid(game.CodeForbidden, "%s has quit game %d", email, id)
	}
	return p, nil
}
