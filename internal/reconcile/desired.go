package reconcile

import (
	"strings"
	"time"

	"github.com/ChuLiYu/pbem-host/internal/game"
	"github.com/ChuLiYu/pbem-host/internal/jobs"
	"github.com/ChuLiYu/pbem-host/pkg/fx"
)

// FactionSyncCron is the fixed schedule of faction-sync jobs.
const FactionSyncCron = "*/5 * * * *"

// Entry is the desired state of one definition id: Some to exist with that
// content, None to be absent.
type Entry struct {
	ID   string
	Want fx.Option[jobs.Definition]
}

// Plan is the desired set of definitions for one game, turn job first.
type Plan []Entry

// Desired computes the definitions g should have. local is the zone used
// when the game's zone is absent or does not parse.
func Desired(g game.Game, local *time.Location) Plan {
	turn := fx.None[jobs.Definition]()
	schedule := strings.TrimSpace(g.Options.Schedule)
	if (g.Status == game.StatusRunning || g.Status == game.StatusLocked) && schedule != "" {
		turn = fx.Some(jobs.Definition{
			ID:       jobs.TurnJobID(g.ID),
			Cron:     schedule,
			TimeZone: zoneName(g.Options.TimeZone, local),
			Call:     jobs.RunTurnArgs{Game: g.ID}.Call(),
		})
	}

	factions := fx.None[jobs.Definition]()
	if g.Type == game.TypeRemote && g.Status == game.StatusRunning {
		factions = fx.Some(jobs.Definition{
			ID:       jobs.FactionsJobID(g.ID),
			Cron:     FactionSyncCron,
			TimeZone: local.String(),
			Call:     jobs.GameCall(jobs.ActionSyncFactions, g.ID),
		})
	}

	return Plan{
		{ID: jobs.TurnJobID(g.ID), Want: turn},
		{ID: jobs.FactionsJobID(g.ID), Want: factions},
	}
}

// zoneName resolves an IANA name, falling back to local.
func zoneName(name string, local *time.Location) string {
	zone, _ := resolveZone(name, local)
	return zone
}

// resolveZone is zoneName that also reports whether name was usable. An
// empty name falls back without counting as unusable.
func resolveZone(name string, local *time.Location) (string, bool) {
	if name == "" {
		return local.String(), true
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return local.String(), false
	}
	return loc.String(), true
}
