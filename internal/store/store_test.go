package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/pbem-host/internal/game"
	"github.com/ChuLiYu/pbem-host/internal/report"
	"github.com/ChuLiYu/pbem-host/pkg/fx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "pbem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createGame(t *testing.T, s *Store) game.Game {
	t.Helper()
	g, err := s.CreateGame(context.Background(), game.Game{
		Name:     "alpha",
		Status:   game.StatusNew,
		Type:     game.TypeLocal,
		Options:  game.Options{Schedule: "0 12 * * MON", TimeZone: "UTC"},
		NextTurn: fx.Some(1),
	})
	require.NoError(t, err)
	return g
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "pbem.db")
	s1, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s1.Ping(context.Background()))
	require.NoError(t, s1.Close())

	s2, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestGames(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	g := createGame(t, s)
	assert.NotZero(t, g.ID)

	loaded, err := s.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", loaded.Name)
	assert.Equal(t, game.StatusNew, loaded.Status)
	assert.Equal(t, "0 12 * * MON", loaded.Options.Schedule)
	assert.True(t, loaded.LastTurn.IsNone())
	assert.Equal(t, 1, loaded.NextTurn.OrElse(0))

	loaded.Status = game.StatusRunning
	loaded = loaded.Begin(1)
	require.NoError(t, s.UpdateGame(ctx, loaded))

	again, err := s.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, game.StatusRunning, again.Status)
	assert.Equal(t, 1, again.LastTurn.OrElse(0))
	assert.Equal(t, 2, again.NextTurn.OrElse(0))

	_, err = s.Game(ctx, 999)
	assert.ErrorIs(t, err, ErrGameNotFound)
	assert.ErrorIs(t, s.UpdateGame(ctx, game.Game{ID: 999}), ErrGameNotFound)

	createGame(t, s)
	ids, err := s.GameIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	games, err := s.Games(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[0], games[0].ID)
}

func TestTurns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	g := createGame(t, s)

	missing, err := s.LookupTurn(ctx, g.ID, 1)
	require.NoError(t, err)
	assert.True(t, missing.IsNone())
	_, err = s.Turn(ctx, g.ID, 1)
	assert.ErrorIs(t, err, ErrTurnNotFound)

	none, err := s.LookupTurnAt(ctx, g.ID, fx.None[int]())
	require.NoError(t, err)
	assert.True(t, none.IsNone())

	require.NoError(t, s.CreateTurn(ctx, game.Turn{GameID: g.ID, Number: 1, State: game.TurnPending}))
	turn, err := s.Turn(ctx, g.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, game.TurnPending, turn.State)
	assert.Nil(t, turn.SaveState)

	turn.State = game.TurnExecuted
	turn.SaveState = []byte{0, 1, 2}
	turn.Roster = []byte("factions: []\n")
	require.NoError(t, s.UpdateTurn(ctx, turn))

	got, err := s.LookupTurnAt(ctx, g.ID, fx.Some(1))
	require.NoError(t, err)
	v, ok := got.Get()
	require.True(t, ok)
	assert.Equal(t, game.TurnExecuted, v.State)
	assert.Equal(t, []byte{0, 1, 2}, v.SaveState)

	assert.Error(t, s.CreateTurn(ctx, game.Turn{GameID: g.ID, Number: 1}), "duplicate key")
	assert.ErrorIs(t, s.UpdateTurn(ctx, game.Turn{GameID: g.ID, Number: 9}), ErrTurnNotFound)
}

func TestPlayersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	g := createGame(t, s)

	p, err := s.CreatePlayer(ctx, game.Player{GameID: g.ID, Name: "Ann", Email: "ann@example.com", Password: "pw", NextTurn: fx.Some(1)})
	require.NoError(t, err)
	assert.NotZero(t, p.ID)
	assert.True(t, p.Number.IsNone())

	_, err = s.CreatePlayer(ctx, game.Player{GameID: g.ID, Name: "Ann again", Email: "ann@example.com"})
	assert.Error(t, err, "email is unique per game")

	p.Number = fx.Some(3)
	require.NoError(t, s.UpdatePlayer(ctx, p))
	byNum, err := s.PlayerByNumber(ctx, g.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byNum.ID)
	byEmail, err := s.PlayerByEmail(ctx, g.ID, "ann@example.com")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byEmail.ID)
	_, err = s.PlayerByNumber(ctx, g.ID, 4)
	assert.ErrorIs(t, err, ErrPlayerNotFound)

	assert.ErrorIs(t, s.SetOrders(ctx, p.ID, 1, "MOVE N", time.Now()), ErrNoOrdersSlot)

	require.NoError(t, s.EnsurePlayerTurn(ctx, p, 1))
	require.NoError(t, s.EnsurePlayerTurn(ctx, p, 1))
	require.NoError(t, s.EnsurePlayerTurn(ctx, p, 2))

	at := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetOrders(ctx, p.ID, 1, "MOVE N", at))

	orders, err := s.Orders(ctx, g.ID, 1)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "MOVE N", orders[0].Text)
	submitted, ok := orders[0].SubmittedAt.Get()
	require.True(t, ok)
	assert.True(t, at.Equal(submitted))

	n, err := s.DeletePlayerTurnsFrom(ctx, p.ID, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	later, err := s.Orders(ctx, g.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, later)

	players, err := s.Players(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, players, 1)
	assert.Equal(t, 3, players[0].Number.OrElse(0))
}

func TestReportsAndArticles(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	g := createGame(t, s)

	require.NoError(t, s.PutReport(ctx, game.Report{GameID: g.ID, TurnNumber: 1, FactionNumber: 2, Source: []byte("two")}))
	require.NoError(t, s.PutReport(ctx, game.Report{GameID: g.ID, TurnNumber: 1, FactionNumber: 1, Source: []byte("one")}))
	require.NoError(t, s.SetParsedReport(ctx, g.ID, 1, 1, []byte(`{"faction":1}`)))

	reps, err := s.Reports(ctx, g.ID, 1)
	require.NoError(t, err)
	require.Len(t, reps, 2)
	assert.Equal(t, 1, reps[0].FactionNumber)
	assert.Equal(t, []byte(`{"faction":1}`), reps[0].Parsed)
	assert.Nil(t, reps[1].Parsed)

	// replacing the source drops the parsed form
	require.NoError(t, s.PutReport(ctx, game.Report{GameID: g.ID, TurnNumber: 1, FactionNumber: 1, Source: []byte("one v2")}))
	reps, err = s.Reports(ctx, g.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("one v2"), reps[0].Source)
	assert.Nil(t, reps[0].Parsed)

	assert.Error(t, s.SetParsedReport(ctx, g.ID, 1, 9, []byte("{}")))

	seq, err := s.AddArticle(ctx, g.ID, 1, "The wolves howl.")
	require.NoError(t, err)
	assert.Equal(t, 1, seq)
	seq, err = s.AddArticle(ctx, g.ID, 1, "Rain.")
	require.NoError(t, err)
	assert.Equal(t, 2, seq)
	seq, err = s.AddArticle(ctx, g.ID, 2, "Next turn.")
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	articles, err := s.Articles(ctx, g.ID, 1)
	require.NoError(t, err)
	require.Len(t, articles, 2)
	assert.Equal(t, "Rain.", articles[1].Text)
}

func TestWorldAndStatistics(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	g := createGame(t, s)

	reg := report.Region{Coords: report.Coords{X: 1, Y: 2}, Terrain: "plain", Population: 300, Owner: 1, Detail: 2}
	require.NoError(t, s.PutRegion(ctx, g.ID, 1, reg))
	require.NoError(t, s.PutRegion(ctx, g.ID, 1, reg))
	require.NoError(t, s.PutUnit(ctx, g.ID, 1, report.Unit{Number: 5, Faction: 1, Region: reg.Coords, Size: 9}))

	regions, err := s.Regions(ctx, g.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []report.Region{reg}, regions)
	units, err := s.Units(ctx, g.ID, 1)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, 9, units[0].Size)

	require.NoError(t, s.ClearWorld(ctx, g.ID, 1))
	regions, err = s.Regions(ctx, g.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, regions)

	stats := []report.Statistic{{Faction: 1, Units: 1, Men: 9, Regions: 1, Population: 300}}
	require.NoError(t, s.PutStatistics(ctx, g.ID, 1, stats))
	require.NoError(t, s.PutStatistics(ctx, g.ID, 1, stats))
	got, err := s.Statistics(ctx, g.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, stats, got)
}

func TestTransactions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	g := createGame(t, s)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateTurn(ctx, game.Turn{GameID: g.ID, Number: 1}))
	require.NoError(t, tx.Rollback())
	assert.True(t, tx.Done())

	opt, err := s.LookupTurn(ctx, g.ID, 1)
	require.NoError(t, err)
	assert.True(t, opt.IsNone(), "rolled back insert must not be visible")

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateTurn(ctx, game.Turn{GameID: g.ID, Number: 1}))
	require.NoError(t, tx.Commit())
	assert.NoError(t, tx.Rollback(), "rollback after commit is a no-op")
	assert.ErrorIs(t, tx.Commit(), ErrTxDone)

	_, err = s.Turn(ctx, g.ID, 1)
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx *Tx) error {
		if err := tx.CreateTurn(ctx, game.Turn{GameID: g.ID, Number: 2}); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	opt, err = s.LookupTurn(ctx, g.ID, 2)
	require.NoError(t, err)
	assert.True(t, opt.IsNone())
}
