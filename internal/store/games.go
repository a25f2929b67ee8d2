package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ChuLiYu/pbem-host/internal/game"
	"github.com/ChuLiYu/pbem-host/pkg/fx"
)

// ============================================================================
// Games
// ============================================================================

const gameColumns = `id, name, status, type, schedule, time_zone, server_address, last_turn, next_turn, created_at, updated_at`

func scanGame(s scanner) (game.Game, error) {
	var (
		g                game.Game
		last, next       sql.NullInt64
		created, updated int64
		status, gameType string
	)
	err := s.Scan(&g.ID, &g.Name, &status, &gameType,
		&g.Options.Schedule, &g.Options.TimeZone, &g.Options.ServerAddress,
		&last, &next, &created, &updated)
	if err != nil {
		return game.Game{}, err
	}
	g.Status = game.Status(status)
	g.Type = game.Type(gameType)
	g.LastTurn = optInt(last)
	g.NextTurn = optInt(next)
	g.CreatedAt = fromMillis(created)
	g.UpdatedAt = fromMillis(updated)
	return g, nil
}

// CreateGame inserts g and returns it with its id and timestamps set.
func (r Repo) CreateGame(ctx context.Context, g game.Game) (game.Game, error) {
	t := now()
	g.CreatedAt, g.UpdatedAt = t, t
	res, err := r.q.ExecContext(ctx,
		`INSERT INTO games (name, status, type, schedule, time_zone, server_address, last_turn, next_turn, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.Name, string(g.Status), string(g.Type),
		g.Options.Schedule, g.Options.TimeZone, g.Options.ServerAddress,
		nullInt(g.LastTurn), nullInt(g.NextTurn), t.UnixMilli(), t.UnixMilli())
	if err != nil {
		return game.Game{}, fmt.Errorf("insert game: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return game.Game{}, fmt.Errorf("insert game: %w", err)
	}
	g.ID = game.ID(id)
	return g, nil
}

// Game loads one game.
func (r Repo) Game(ctx context.Context, id game.ID) (game.Game, error) {
	g, err := scanGame(r.q.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM games WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return game.Game{}, fmt.Errorf("%w: %d", ErrGameNotFound, id)
	}
	return g, err
}

// Games lists all games by id.
func (r Repo) Games(ctx context.Context) ([]game.Game, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+gameColumns+` FROM games ORDER BY id`)
	return collect(rows, err, scanGame)
}

// GameIDs lists all game ids in ascending order.
func (r Repo) GameIDs(ctx context.Context) ([]game.ID, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id FROM games ORDER BY id`)
	return collect(rows, err, func(s scanner) (game.ID, error) {
		var id game.ID
		return id, s.Scan(&id)
	})
}

// UpdateGame writes every mutable column of g.
func (r Repo) UpdateGame(ctx context.Context, g game.Game) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE games SET name = ?, status = ?, type = ?, schedule = ?, time_zone = ?, server_address = ?,
		 last_turn = ?, next_turn = ?, updated_at = ? WHERE id = ?`,
		g.Name, string(g.Status), string(g.Type),
		g.Options.Schedule, g.Options.TimeZone, g.Options.ServerAddress,
		nullInt(g.LastTurn), nullInt(g.NextTurn), now().UnixMilli(), g.ID)
	if err != nil {
		return fmt.Errorf("update game %d: %w", g.ID, err)
	}
	return expectOne(res, fmt.Errorf("%w: %d", ErrGameNotFound, g.ID))
}

// ============================================================================
// Turns
// ============================================================================

func scanTurn(s scanner) (game.Turn, error) {
	var (
		t                game.Turn
		state            string
		created, updated int64
	)
	if err := s.Scan(&t.GameID, &t.Number, &state, &t.SaveState, &t.Roster, &created, &updated); err != nil {
		return game.Turn{}, err
	}
	st, err := game.ParseTurnState(state)
	if err != nil {
		return game.Turn{}, err
	}
	t.State = st
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

// CreateTurn inserts a turn row.
func (r Repo) CreateTurn(ctx context.Context, t game.Turn) error {
	ts := now().UnixMilli()
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO turns (game_id, number, state, save_state, roster, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.GameID, t.Number, t.State.String(), t.SaveState, t.Roster, ts, ts)
	if err != nil {
		return fmt.Errorf("insert turn %d/%d: %w", t.GameID, t.Number, err)
	}
	return nil
}

// LookupTurn loads a turn if it exists.
func (r Repo) LookupTurn(ctx context.Context, gameID game.ID, number int) (fx.Option[game.Turn], error) {
	t, err := scanTurn(r.q.QueryRowContext(ctx,
		`SELECT game_id, number, state, save_state, roster, created_at, updated_at FROM turns WHERE game_id = ? AND number = ?`,
		gameID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return fx.None[game.Turn](), nil
	}
	if err != nil {
		return fx.None[game.Turn](), err
	}
	return fx.Some(t), nil
}

// LookupTurnAt is LookupTurn for an optional turn number.
func (r Repo) LookupTurnAt(ctx context.Context, gameID game.ID, number fx.Option[int]) (fx.Option[game.Turn], error) {
	n, ok := number.Get()
	if !ok {
		return fx.None[game.Turn](), nil
	}
	return r.LookupTurn(ctx, gameID, n)
}

// Turn loads a turn that must exist.
func (r Repo) Turn(ctx context.Context, gameID game.ID, number int) (game.Turn, error) {
	opt, err := r.LookupTurn(ctx, gameID, number)
	if err != nil {
		return game.Turn{}, err
	}
	return opt.ToResult(fmt.Errorf("%w: game %d turn %d", ErrTurnNotFound, gameID, number)).Unwrap()
}

// UpdateTurn writes the state and engine payloads of t.
func (r Repo) UpdateTurn(ctx context.Context, t game.Turn) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE turns SET state = ?, save_state = ?, roster = ?, updated_at = ? WHERE game_id = ? AND number = ?`,
		t.State.String(), t.SaveState, t.Roster, now().UnixMilli(), t.GameID, t.Number)
	if err != nil {
		return fmt.Errorf("update turn %d/%d: %w", t.GameID, t.Number, err)
	}
	return expectOne(res, fmt.Errorf("%w: game %d turn %d", ErrTurnNotFound, t.GameID, t.Number))
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
