package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/pbem-host/internal/game"
	"github.com/ChuLiYu/pbem-host/internal/jobs"
	"github.com/ChuLiYu/pbem-host/internal/metrics"
	"github.com/ChuLiYu/pbem-host/internal/queue"
	"github.com/ChuLiYu/pbem-host/pkg/fx"
)

const weekly = "0 12 * * MON,WED,FRI"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeGames struct {
	games map[game.ID]game.Game
	fail  map[game.ID]error
}

func newFakeGames(gs ...game.Game) *fakeGames {
	f := &fakeGames{games: make(map[game.ID]game.Game), fail: make(map[game.ID]error)}
	for _, g := range gs {
		f.games[g.ID] = g
	}
	return f
}

func (f *fakeGames) Game(ctx context.Context, id game.ID) (game.Game, error) {
	if err := f.fail[id]; err != nil {
		return game.Game{}, err
	}
	g, ok := f.games[id]
	if !ok {
		return game.Game{}, fmt.Errorf("game %d not found", id)
	}
	return g, nil
}

func (f *fakeGames) GameIDs(ctx context.Context) ([]game.ID, error) {
	ids := make([]game.ID, 0, len(f.games)+len(f.fail))
	for id := range f.games {
		ids = append(ids, id)
	}
	for id := range f.fail {
		if _, ok := f.games[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func describe(o fx.Option[jobs.Definition]) string {
	d, ok := o.Get()
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%q@%s", d.Cron, d.TimeZone)
}

func TestDesiredMatrix(t *testing.T) {
	var b strings.Builder
	for _, status := range game.Statuses {
		for _, typ := range game.Types {
			for _, schedule := range []string{"", weekly} {
				g := game.Game{
					ID:      1,
					Status:  status,
					Type:    typ,
					Options: game.Options{Schedule: schedule, TimeZone: "Europe/Berlin"},
				}
				plan := Desired(g, time.UTC)
				require.Len(t, plan, 2)

				label := "none"
				if schedule != "" {
					label = "set"
				}
				fmt.Fprintf(&b, "%s %s schedule=%s turn=%s factions=%s\n",
					status, typ, label, describe(plan[0].Want), describe(plan[1].Want))
			}
		}
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "desired_matrix", []byte(b.String()))
}

func TestDesiredContent(t *testing.T) {
	g := game.Game{ID: 7, Status: game.StatusRunning, Type: game.TypeRemote,
		Options: game.Options{Schedule: weekly, TimeZone: "America/New_York"}}
	plan := Desired(g, time.UTC)

	assert.Equal(t, "game-7-turn", plan[0].ID)
	turn, ok := plan[0].Want.Get()
	require.True(t, ok)
	assert.Equal(t, jobs.ActionRunTurn, turn.Call.Action)
	assert.Equal(t, "7", turn.Call.Arg("game"))
	assert.Equal(t, "America/New_York", turn.TimeZone)

	assert.Equal(t, "game-7-factions", plan[1].ID)
	factions, ok := plan[1].Want.Get()
	require.True(t, ok)
	assert.Equal(t, FactionSyncCron, factions.Cron)
	assert.Equal(t, jobs.ActionSyncFactions, factions.Call.Action)
}

func TestDesiredZoneFallback(t *testing.T) {
	local, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	for _, zone := range []string{"", "Mars/Olympus_Mons"} {
		g := game.Game{ID: 1, Status: game.StatusRunning, Type: game.TypeLocal,
			Options: game.Options{Schedule: weekly, TimeZone: zone}}
		turn, ok := Desired(g, local)[0].Want.Get()
		require.True(t, ok)
		assert.Equal(t, "Asia/Tokyo", turn.TimeZone, "zone %q", zone)
	}
}

// ============================================================================
// Controller
// ============================================================================

func TestConvergeStartedLocalGame(t *testing.T) {
	gw := jobs.NewMemory()
	g := game.Game{ID: 1, Status: game.StatusRunning, Type: game.TypeLocal,
		Options: game.Options{Schedule: weekly, TimeZone: "UTC"}}
	gw.Put(jobs.Definition{ID: "game-1-factions", Cron: FactionSyncCron, TimeZone: "UTC"})

	c := New(gw, newFakeGames(g), time.UTC, nil, quiet)
	out, err := c.Converge(context.Background(), g).Unwrap()
	require.NoError(t, err)

	assert.Equal(t, []string{"upsert game-1-turn", "remove game-1-factions"}, gw.Calls())
	assert.Equal(t, []string{"game-1-turn"}, out.Upserted)
	assert.Equal(t, []string{"game-1-factions"}, out.Removed)
	assert.True(t, out.Changed())
}

func TestConvergeIsFixpoint(t *testing.T) {
	for _, status := range game.Statuses {
		for _, typ := range game.Types {
			for _, schedule := range []string{"", weekly} {
				name := fmt.Sprintf("%s/%s/%q", status, typ, schedule)
				t.Run(name, func(t *testing.T) {
					gw := jobs.NewMemory()
					g := game.Game{ID: 3, Status: status, Type: typ,
						Options: game.Options{Schedule: schedule, TimeZone: "Europe/Berlin"}}
					c := New(gw, newFakeGames(g), time.UTC, nil, quiet)

					require.NoError(t, c.Converge(context.Background(), g).Err())
					gw.Reset()
					out, err := c.Converge(context.Background(), g).Unwrap()
					require.NoError(t, err)
					assert.Empty(t, gw.Calls())
					assert.False(t, out.Changed())
				})
			}
		}
	}
}

// matrixGames is one game per Status x Type x schedule combination.
func matrixGames(zone string) []game.Game {
	var gs []game.Game
	for _, status := range game.Statuses {
		for _, typ := range game.Types {
			for _, schedule := range []string{"", weekly} {
				gs = append(gs, game.Game{ID: game.ID(len(gs) + 1), Status: status, Type: typ,
					Options: game.Options{Schedule: schedule, TimeZone: zone}})
			}
		}
	}
	return gs
}

func startQueue(t *testing.T, dir string) *queue.Server {
	t.Helper()
	q, err := queue.NewServer(queue.Config{
		WALPath:          filepath.Join(dir, "queue.wal"),
		SnapshotPath:     filepath.Join(dir, "queue.snapshot"),
		TickInterval:     time.Hour,
		SnapshotInterval: time.Hour,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, q.Start())
	return q
}

// Definitions stored by the durable queue read back equal to the desired
// ones, including after a restart, so a second pass changes nothing.
func TestConvergeIsFixpointOverQueue(t *testing.T) {
	for _, zone := range []string{"Europe/Berlin", ""} {
		t.Run(fmt.Sprintf("zone=%q", zone), func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			gs := matrixGames(zone)

			q := startQueue(t, dir)
			c := New(jobs.NewQueue(q), newFakeGames(gs...), nil, nil, quiet)
			for _, g := range gs {
				require.NoError(t, c.Converge(ctx, g).Err())
			}
			for _, g := range gs {
				out, err := c.Converge(ctx, g).Unwrap()
				require.NoError(t, err)
				assert.False(t, out.Changed(), "game %d %s/%s %q", g.ID, g.Status, g.Type, g.Options.Schedule)
			}

			var running game.Game
			for _, g := range gs {
				if g.Status == game.StatusRunning && g.Type == game.TypeLocal && g.Options.Schedule != "" {
					running = g
				}
			}
			turn, ok := q.Recurring(jobs.TurnJobID(running.ID))
			require.True(t, ok, "running game with a schedule has a turn job")
			want := zone
			if want == "" {
				want = time.Local.String()
			}
			assert.Equal(t, want, turn.TimeZone)
			assert.Equal(t, fmt.Sprint(running.ID), turn.Call.Arg("game"))
			q.Stop()

			q = startQueue(t, dir)
			defer q.Stop()
			c = New(jobs.NewQueue(q), newFakeGames(gs...), nil, nil, quiet)
			outcomes, err := c.ReconcileAll(ctx)
			require.NoError(t, err)
			require.Len(t, outcomes, len(gs))
			for _, out := range outcomes {
				assert.False(t, out.Changed(), "game %d after restart", out.Game)
			}
		})
	}
}

func TestConvergeLogsThroughInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	g := game.Game{ID: 5, Status: game.StatusRunning, Type: game.TypeLocal,
		Options: game.Options{Schedule: weekly, TimeZone: "Mars/Olympus_Mons"}}

	c := New(jobs.NewMemory(), newFakeGames(g), time.UTC, nil, logger)
	require.NoError(t, c.Converge(context.Background(), g).Err())

	assert.Contains(t, buf.String(), "Unknown time zone")
	assert.Contains(t, buf.String(), "Reconciled game")
	assert.Contains(t, buf.String(), "game=5")
}

func TestConvergeReplacesChangedDefinition(t *testing.T) {
	gw := jobs.NewMemory()
	g := game.Game{ID: 2, Status: game.StatusRunning, Type: game.TypeLocal,
		Options: game.Options{Schedule: weekly, TimeZone: "UTC"}}
	c := New(gw, newFakeGames(), time.UTC, nil, quiet)
	require.NoError(t, c.Converge(context.Background(), g).Err())

	g.Options.Schedule = "0 18 * * *"
	gw.Reset()
	require.NoError(t, c.Converge(context.Background(), g).Err())
	assert.Equal(t, []string{"upsert game-2-turn"}, gw.Calls())

	// Pausing drops the turn job.
	g.Status = game.StatusPaused
	gw.Reset()
	require.NoError(t, c.Converge(context.Background(), g).Err())
	assert.Equal(t, []string{"remove game-2-turn"}, gw.Calls())
	assert.Empty(t, gw.Definitions())
}

func TestConvergeGatewayFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	gw := jobs.NewMemory()
	gw.Fail = errors.New("backend down")

	g := game.Game{ID: 4, Status: game.StatusRunning, Type: game.TypeLocal}
	err := New(gw, newFakeGames(), time.UTC, m, quiet).Converge(context.Background(), g).Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
	assert.Contains(t, err.Error(), "game-4-turn")
	assert.Equal(t, 1.0, counterValue(t, reg, "pbem_reconcile_errors_total"))
}

func TestReconcileAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	gw := jobs.NewMemory()
	games := newFakeGames(
		game.Game{ID: 1, Status: game.StatusRunning, Type: game.TypeLocal, Options: game.Options{Schedule: weekly}},
		game.Game{ID: 2, Status: game.StatusRunning, Type: game.TypeRemote},
		game.Game{ID: 3, Status: game.StatusCompleted, Type: game.TypeLocal},
	)
	games.fail[9] = errors.New("corrupt row")

	c := New(gw, games, time.UTC, m, quiet)
	c.SetParallelism(2)
	outcomes, err := c.ReconcileAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt row")

	require.Len(t, outcomes, 3)
	assert.Equal(t, game.ID(1), outcomes[0].Game)
	assert.Equal(t, []string{"game-1-turn"}, outcomes[0].Upserted)
	assert.Equal(t, []string{"game-2-factions"}, outcomes[1].Upserted)
	assert.False(t, outcomes[2].Changed())

	ids := make([]string, 0)
	for _, d := range gw.Definitions() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"game-1-turn", "game-2-factions"}, ids)

	assert.Equal(t, 1.0, counterValue(t, reg, "pbem_reconcile_errors_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			require.Len(t, f.GetMetric(), 1)
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestEnsureGlobal(t *testing.T) {
	gw := jobs.NewMemory()
	c := New(gw, newFakeGames(), nil, nil, quiet)

	require.NoError(t, c.EnsureGlobal(context.Background()))
	require.NoError(t, c.EnsureGlobal(context.Background()))
	assert.Equal(t, []string{"upsert reconcile"}, gw.Calls())

	defs := gw.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, GlobalCron, defs[0].Cron)
	assert.Equal(t, "UTC", defs[0].TimeZone)
	assert.Equal(t, jobs.ActionReconcile, defs[0].Call.Action)
}
