// Package service is the game-facing application layer. Commands change a
// game in one transaction and then reconcile its job definitions; triggers
// talk to the job gateway; job handlers run the work the queue dispatches.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/pbem-host/internal/engine"
	"github.com/ChuLiYu/pbem-host/internal/game"
	"github.com/ChuLiYu/pbem-host/internal/jobs"
	"github.com/ChuLiYu/pbem-host/internal/pipeline"
	"github.com/ChuLiYu/pbem-host/internal/reconcile"
	"github.com/ChuLiYu/pbem-host/internal/store"
)

// Deps are the collaborators of a Service.
type Deps struct {
	Store      *store.Store
	Gateway    jobs.Gateway
	Reconciler *reconcile.Controller
	Runner     *pipeline.Runner
	Rosters    engine.RosterSource // REMOTE faction sync; may be nil
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Service implements game commands, triggers and job handlers.
type Service struct {
	store   *store.Store
	gw      jobs.Gateway
	rc      *reconcile.Controller
	runner  *pipeline.Runner
	rosters engine.RosterSource
	log     *slog.Logger
	now     func() time.Time
}

func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Service{
		store:   d.Store,
		gw:      d.Gateway,
		rc:      d.Reconciler,
		runner:  d.Runner,
		rosters: d.Rosters,
		log:     d.Logger,
		now:     d.Clock,
	}
}

// Boot installs the global reconcile job and converges every game once.
// A failed game is logged; the hourly job picks it up again.
func (s *Service) Boot(ctx context.Context) error {
	if err := s.rc.EnsureGlobal(ctx); err != nil {
		return err
	}
	if _, err := s.rc.ReconcileAll(ctx); err != nil {
		s.log.Warn("Initial reconcile incomplete", "error", err)
	}
	return nil
}

// Game loads one game.
func (s *Service) Game(ctx context.Context, id game.ID) (game.Game, error) {
	return s.store.Game(ctx, id)
}

// Games lists every game.
func (s *Service) Games(ctx context.Context) ([]game.Game, error) {
	return s.store.Games(ctx)
}

// Players lists a game's players.
func (s *Service) Players(ctx context.Context, id game.ID) ([]game.Player, error) {
	if _, err := s.store.Game(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Players(ctx, id)
}
