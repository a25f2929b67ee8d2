// ============================================================================
// pbem-host Reconciliation Controller
// ============================================================================
//
// Package: internal/reconcile
// File: controller.go
// Purpose: converge the job backend's recurring definitions to the set each
//          game should have.
//
// Loop per game:
//   1. Desired(game) -> one entry per definition id
//   2. Lookup the current definition
//   3. Want it and missing or different -> UpsertRecurring
//      Do not want it and present       -> RemoveIfExists
//
// Only definitions are edited; runs already dispatched are never cancelled.
// A second pass over unchanged games makes no mutating gateway calls.
//
// Triggers:
//   - every game command reconciles its game after committing
//   - the global "reconcile" job reconciles all games hourly
//
// ============================================================================

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/pbem-host/internal/game"
	"github.com/ChuLiYu/pbem-host/internal/jobs"
	"github.com/ChuLiYu/pbem-host/internal/metrics"
	"github.com/ChuLiYu/pbem-host/pkg/fx"
	"github.com/ChuLiYu/pbem-host/pkg/types"
)

// GlobalCron schedules the all-games reconciliation.
const GlobalCron = "0 * * * *"

// Games is the read side of game storage reconciliation needs.
type Games interface {
	Game(ctx context.Context, id game.ID) (game.Game, error)
	GameIDs(ctx context.Context) ([]game.ID, error)
}

// Outcome lists what one reconciliation changed.
type Outcome struct {
	Game     game.ID
	Upserted []string
	Removed  []string
}

// Changed reports whether any definition was touched.
func (o Outcome) Changed() bool { return len(o.Upserted)+len(o.Removed) > 0 }

// Controller converges job definitions.
type Controller struct {
	gw          jobs.Gateway
	games       Games
	local       *time.Location
	metrics     *metrics.Collector
	log         *slog.Logger
	parallelism int
}

// New creates a controller. local is the fallback time zone; nil means
// time.Local. m and logger may be nil.
func New(gw jobs.Gateway, games Games, local *time.Location, m *metrics.Collector, logger *slog.Logger) *Controller {
	if local == nil {
		local = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{gw: gw, games: games, local: local, metrics: m, log: logger, parallelism: 8}
}

// SetParallelism bounds how many games ReconcileAll works on at once.
func (c *Controller) SetParallelism(n int) {
	if n > 0 {
		c.parallelism = n
	}
}

// Reconcile loads one game and converges its definitions.
func (c *Controller) Reconcile(ctx context.Context, id game.ID) fx.Result[Outcome] {
	g, err := c.games.Game(ctx, id)
	if err != nil {
		c.metrics.RecordReconcileError()
		return fx.Failure[Outcome](fmt.Errorf("reconcile game %d: %w", id, err))
	}
	return c.Converge(ctx, g)
}

// Converge applies Desired(g) through the gateway.
func (c *Controller) Converge(ctx context.Context, g game.Game) fx.Result[Outcome] {
	out := Outcome{Game: g.ID}
	if tz := g.Options.TimeZone; tz != "" {
		if _, ok := resolveZone(tz, c.local); !ok {
			c.log.Warn("Unknown time zone, using server zone", "game", g.ID, "zone", tz, "fallback", c.local.String())
		}
	}
	for _, e := range Desired(g, c.local) {
		if err := c.apply(ctx, e, &out); err != nil {
			c.metrics.RecordReconcileError()
			c.log.Error("Reconcile failed", "game", g.ID, "job", e.ID, "error", err)
			return fx.Failure[Outcome](fmt.Errorf("reconcile game %d: %s: %w", g.ID, e.ID, err))
		}
	}
	if out.Changed() {
		c.log.Info("Reconciled game",
			"game", g.ID,
			"status", g.Status,
			"upserted", out.Upserted,
			"removed", out.Removed)
	}
	return fx.Success(out)
}

func (c *Controller) apply(ctx context.Context, e Entry, out *Outcome) error {
	current, err := c.gw.Lookup(ctx, e.ID)
	if err != nil {
		return err
	}
	if want, ok := e.Want.Get(); ok {
		if have, exists := current.Get(); exists && have.Same(want) {
			return nil
		}
		if err := c.gw.UpsertRecurring(ctx, want); err != nil {
			return err
		}
		c.metrics.RecordMutation("upsert")
		out.Upserted = append(out.Upserted, e.ID)
		return nil
	}
	if current.IsNone() {
		return nil
	}
	if err := c.gw.RemoveIfExists(ctx, e.ID); err != nil {
		return err
	}
	c.metrics.RecordMutation("remove")
	out.Removed = append(out.Removed, e.ID)
	return nil
}

// ReconcileAll converges every game in parallel. Games are independent: one
// failure does not stop the others, and all failures are joined.
func (c *Controller) ReconcileAll(ctx context.Context) ([]Outcome, error) {
	ids, err := c.games.GameIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}

	var (
		mu       sync.Mutex
		outcomes = make([]Outcome, 0, len(ids))
		errs     []error
		g        errgroup.Group
	)
	g.SetLimit(c.parallelism)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			out, err := c.Reconcile(ctx, id).Unwrap()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			outcomes = append(outcomes, out)
			return nil
		})
	}
	g.Wait()

	sort.Slice(outcomes, func(i, k int) bool { return outcomes[i].Game < outcomes[k].Game })
	c.log.Info("Reconciled all games", "games", len(ids), "failed", len(errs))
	return outcomes, errors.Join(errs...)
}

// EnsureGlobal installs the hourly all-games reconciliation.
func (c *Controller) EnsureGlobal(ctx context.Context) error {
	want := jobs.Definition{
		ID:       jobs.ReconcileJobID,
		Cron:     GlobalCron,
		TimeZone: "UTC",
		Call:     types.Call{Action: jobs.ActionReconcile},
	}
	var out Outcome
	return c.apply(ctx, Entry{ID: want.ID, Want: fx.Some(want)}, &out)
}
