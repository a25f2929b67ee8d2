// Package store provides SQLite-backed persistence for games, turns,
// players and turn artifacts.
//
// Queries live on Repo, which runs over either the database or a Tx and
// never opens a transaction of its own. Transactions are explicit and not
// reentrant: the caller that calls Begin owns Commit or Rollback.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver
)

var (
	ErrGameNotFound   = errors.New("game not found")
	ErrTurnNotFound   = errors.New("turn not found")
	ErrPlayerNotFound = errors.New("player not found")
	ErrNoOrdersSlot   = errors.New("player has no row for that turn")
	ErrTxDone         = errors.New("transaction already finished")
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repo holds the typed queries.
type Repo struct {
	q querier
}

// Store is an open database.
type Store struct {
	Repo
	db *sql.DB
}

// Tx is one transaction. It is not safe for concurrent use.
type Tx struct {
	Repo
	tx   *sql.Tx
	done bool
}

// Open opens (or creates) the database at path and migrates the schema.
//
// Transactions take the write lock when they begin (_txlock=immediate), so
// two writers never deadlock on a read-to-write upgrade; busy_timeout makes
// the second writer wait instead of failing.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{Repo: Repo{q: db}, db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{Repo: Repo{q: tx}, tx: tx}, nil
}

// InTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. It is a no-op after Commit, so it can be
// deferred unconditionally.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// Done reports whether Commit or Rollback was called.
func (t *Tx) Done() bool { return t.done }

const schema = `
CREATE TABLE IF NOT EXISTS games (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    name           TEXT NOT NULL,
    status         TEXT NOT NULL,
    type           TEXT NOT NULL,
    schedule       TEXT NOT NULL DEFAULT '',
    time_zone      TEXT NOT NULL DEFAULT '',
    server_address TEXT NOT NULL DEFAULT '',
    last_turn      INTEGER,
    next_turn      INTEGER,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
    game_id    INTEGER NOT NULL REFERENCES games(id),
    number     INTEGER NOT NULL,
    state      TEXT NOT NULL,
    save_state BLOB,
    roster     BLOB,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (game_id, number)
);

CREATE TABLE IF NOT EXISTS players (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    game_id    INTEGER NOT NULL REFERENCES games(id),
    number     INTEGER,
    name       TEXT NOT NULL,
    email      TEXT NOT NULL,
    password   TEXT NOT NULL DEFAULT '',
    is_quit    INTEGER NOT NULL DEFAULT 0,
    last_turn  INTEGER,
    next_turn  INTEGER,
    created_at INTEGER NOT NULL,
    UNIQUE (game_id, email)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_players_number ON players(game_id, number) WHERE number IS NOT NULL;

CREATE TABLE IF NOT EXISTS player_turns (
    player_id    INTEGER NOT NULL REFERENCES players(id),
    game_id      INTEGER NOT NULL,
    turn_number  INTEGER NOT NULL,
    orders       TEXT NOT NULL DEFAULT '',
    submitted_at INTEGER,
    PRIMARY KEY (player_id, turn_number)
);
CREATE INDEX IF NOT EXISTS idx_player_turns_turn ON player_turns(game_id, turn_number);

CREATE TABLE IF NOT EXISTS reports (
    game_id        INTEGER NOT NULL,
    turn_number    INTEGER NOT NULL,
    faction_number INTEGER NOT NULL,
    source         BLOB NOT NULL,
    parsed         BLOB,
    PRIMARY KEY (game_id, turn_number, faction_number)
);

CREATE TABLE IF NOT EXISTS articles (
    game_id     INTEGER NOT NULL,
    turn_number INTEGER NOT NULL,
    seq         INTEGER NOT NULL,
    body        TEXT NOT NULL,
    PRIMARY KEY (game_id, turn_number, seq)
);

CREATE TABLE IF NOT EXISTS regions (
    game_id     INTEGER NOT NULL,
    turn_number INTEGER NOT NULL,
    x           INTEGER NOT NULL,
    y           INTEGER NOT NULL,
    z           INTEGER NOT NULL,
    terrain     TEXT NOT NULL DEFAULT '',
    name        TEXT NOT NULL DEFAULT '',
    population  INTEGER NOT NULL DEFAULT 0,
    owner       INTEGER NOT NULL DEFAULT 0,
    detail      INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (game_id, turn_number, x, y, z)
);

CREATE TABLE IF NOT EXISTS units (
    game_id     INTEGER NOT NULL,
    turn_number INTEGER NOT NULL,
    number      INTEGER NOT NULL,
    faction     INTEGER NOT NULL,
    name        TEXT NOT NULL DEFAULT '',
    x           INTEGER NOT NULL,
    y           INTEGER NOT NULL,
    z           INTEGER NOT NULL,
    size        INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (game_id, turn_number, number)
);

CREATE TABLE IF NOT EXISTS statistics (
    game_id     INTEGER NOT NULL,
    turn_number INTEGER NOT NULL,
    faction     INTEGER NOT NULL,
    units       INTEGER NOT NULL,
    men         INTEGER NOT NULL,
    regions     INTEGER NOT NULL,
    population  INTEGER NOT NULL,
    PRIMARY KEY (game_id, turn_number, faction)
);
`
