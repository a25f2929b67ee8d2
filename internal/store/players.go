package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/pbem-host/internal/game"
)

const playerColumns = `id, game_id, number, name, email, password, is_quit, last_turn, next_turn, created_at`

func scanPlayer(s scanner) (game.Player, error) {
	var (
		p                  game.Player
		number, last, next sql.NullInt64
		quit               int
		created            int64
	)
	err := s.Scan(&p.ID, &p.GameID, &number, &p.Name, &p.Email, &p.Password, &quit, &last, &next, &created)
	if err != nil {
		return game.Player{}, err
	}
	p.Number = optInt(number)
	p.IsQuit = quit != 0
	p.LastTurn = optInt(last)
	p.NextTurn = optInt(next)
	p.CreatedAt = fromMillis(created)
	return p, nil
}

func (r Repo) onePlayer(ctx context.Context, where string, args ...any) (game.Player, error) {
	p, err := scanPlayer(r.q.QueryRowContext(ctx, `SELECT `+playerColumns+` FROM players WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return game.Player{}, ErrPlayerNotFound
	}
	return p, err
}

// CreatePlayer inserts p and returns it with its id set.
func (r Repo) CreatePlayer(ctx context.Context, p game.Player) (game.Player, error) {
	p.CreatedAt = now()
	res, err := r.q.ExecContext(ctx,
		`INSERT INTO players (game_id, number, name, email, password, is_quit, last_turn, next_turn, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.GameID, nullInt(p.Number), p.Name, p.Email, p.Password, boolInt(p.IsQuit),
		nullInt(p.LastTurn), nullInt(p.NextTurn), p.CreatedAt.UnixMilli())
	if err != nil {
		return game.Player{}, fmt.Errorf("insert player: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return game.Player{}, fmt.Errorf("insert player: %w", err)
	}
	p.ID = id
	return p, nil
}

// UpdatePlayer writes every mutable column of p.
func (r Repo) UpdatePlayer(ctx context.Context, p game.Player) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE players SET number = ?, name = ?, email = ?, password = ?, is_quit = ?, last_turn = ?, next_turn = ? WHERE id = ?`,
		nullInt(p.Number), p.Name, p.Email, p.Password, boolInt(p.IsQuit), nullInt(p.LastTurn), nullInt(p.NextTurn), p.ID)
	if err != nil {
		return fmt.Errorf("update player %d: %w", p.ID, err)
	}
	return expectOne(res, ErrPlayerNotFound)
}

// Player loads one player by id.
func (r Repo) Player(ctx context.Context, id int64) (game.Player, error) {
	return r.onePlayer(ctx, `id = ?`, id)
}

// PlayerByNumber finds the player holding a faction number.
func (r Repo) PlayerByNumber(ctx context.Context, gameID game.ID, number int) (game.Player, error) {
	return r.onePlayer(ctx, `game_id = ? AND number = ?`, gameID, number)
}

// PlayerByEmail finds a player by email within a game.
func (r Repo) PlayerByEmail(ctx context.Context, gameID game.ID, email string) (game.Player, error) {
	return r.onePlayer(ctx, `game_id = ? AND email = ?`, gameID, email)
}

// Players lists the players of a game by id, including those who quit.
func (r Repo) Players(ctx context.Context, gameID game.ID) ([]game.Player, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+playerColumns+` FROM players WHERE game_id = ? ORDER BY id`, gameID)
	return collect(rows, err, scanPlayer)
}

// ============================================================================
// Per-turn player rows (orders)
// ============================================================================

// EnsurePlayerTurn creates the player's row for a turn if missing.
func (r Repo) EnsurePlayerTurn(ctx context.Context, p game.Player, turn int) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO player_turns (player_id, game_id, turn_number) VALUES (?, ?, ?)`,
		p.ID, p.GameID, turn)
	if err != nil {
		return fmt.Errorf("ensure player %d turn %d: %w", p.ID, turn, err)
	}
	return nil
}

// DeletePlayerTurnsFrom removes the player's rows for turn from and later.
func (r Repo) DeletePlayerTurnsFrom(ctx context.Context, playerID int64, from int) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM player_turns WHERE player_id = ? AND turn_number >= ?`, playerID, from)
	if err != nil {
		return 0, fmt.Errorf("delete player %d turns: %w", playerID, err)
	}
	return res.RowsAffected()
}

// SetOrders replaces the player's orders for a turn. The row must exist.
func (r Repo) SetOrders(ctx context.Context, playerID int64, turn int, text string, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE player_turns SET orders = ?, submitted_at = ? WHERE player_id = ? AND turn_number = ?`,
		text, at.UnixMilli(), playerID, turn)
	if err != nil {
		return fmt.Errorf("set orders: %w", err)
	}
	return expectOne(res, ErrNoOrdersSlot)
}

// Orders lists every player row of a turn by player id.
func (r Repo) Orders(ctx context.Context, gameID game.ID, turn int) ([]game.Orders, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT player_id, game_id, turn_number, orders, submitted_at FROM player_turns
		 WHERE game_id = ? AND turn_number = ? ORDER BY player_id`, gameID, turn)
	return collect(rows, err, func(s scanner) (game.Orders, error) {
		var (
			o  game.Orders
			at sql.NullInt64
		)
		if err := s.Scan(&o.PlayerID, &o.GameID, &o.TurnNumber, &o.Text, &at); err != nil {
			return game.Orders{}, err
		}
		o.SubmittedAt = optTime(at)
		return o, nil
	})
}
