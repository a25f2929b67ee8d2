package store

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/pbem-host/internal/game"
	"github.com/ChuLiYu/pbem-host/internal/report"
)

// ============================================================================
// Reports and articles
// ============================================================================

// PutReport stores a faction's raw report, dropping any parsed form.
func (r Repo) PutReport(ctx context.Context, rep game.Report) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO reports (game_id, turn_number, faction_number, source) VALUES (?, ?, ?, ?)
		 ON CONFLICT (game_id, turn_number, faction_number) DO UPDATE SET source = excluded.source, parsed = NULL`,
		rep.GameID, rep.TurnNumber, rep.FactionNumber, rep.Source)
	if err != nil {
		return fmt.Errorf("put report %d/%d/%d: %w", rep.GameID, rep.TurnNumber, rep.FactionNumber, err)
	}
	return nil
}

// Reports lists a turn's reports by faction number.
func (r Repo) Reports(ctx context.Context, gameID game.ID, turn int) ([]game.Report, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT game_id, turn_number, faction_number, source, parsed FROM reports
		 WHERE game_id = ? AND turn_number = ? ORDER BY faction_number`, gameID, turn)
	return collect(rows, err, func(s scanner) (game.Report, error) {
		var rep game.Report
		err := s.Scan(&rep.GameID, &rep.TurnNumber, &rep.FactionNumber, &rep.Source, &rep.Parsed)
		return rep, err
	})
}

// SetParsedReport stores the parsed form of a report.
func (r Repo) SetParsedReport(ctx context.Context, gameID game.ID, turn, faction int, parsed []byte) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE reports SET parsed = ? WHERE game_id = ? AND turn_number = ? AND faction_number = ?`,
		parsed, gameID, turn, faction)
	if err != nil {
		return fmt.Errorf("set parsed report: %w", err)
	}
	return expectOne(res, fmt.Errorf("no report for game %d turn %d faction %d", gameID, turn, faction))
}

// AddArticle appends an article to a turn and returns its sequence number.
func (r Repo) AddArticle(ctx context.Context, gameID game.ID, turn int, text string) (int, error) {
	var seq int
	err := r.q.QueryRowContext(ctx,
		`INSERT INTO articles (game_id, turn_number, seq, body)
		 SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ? FROM articles WHERE game_id = ? AND turn_number = ?
		 RETURNING seq`,
		gameID, turn, text, gameID, turn).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("add article: %w", err)
	}
	return seq, nil
}

// Articles lists a turn's articles in order.
func (r Repo) Articles(ctx context.Context, gameID game.ID, turn int) ([]game.Article, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT game_id, turn_number, seq, body FROM articles WHERE game_id = ? AND turn_number = ? ORDER BY seq`,
		gameID, turn)
	return collect(rows, err, func(s scanner) (game.Article, error) {
		var a game.Article
		err := s.Scan(&a.GameID, &a.TurnNumber, &a.Seq, &a.Text)
		return a, err
	})
}

// ============================================================================
// Merged world
// ============================================================================

// ClearWorld removes a turn's merged regions and units.
func (r Repo) ClearWorld(ctx context.Context, gameID game.ID, turn int) error {
	for _, table := range []string{"regions", "units"} {
		if _, err := r.q.ExecContext(ctx, `DELETE FROM `+table+` WHERE game_id = ? AND turn_number = ?`, gameID, turn); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

// PutRegion stores or replaces a merged region.
func (r Repo) PutRegion(ctx context.Context, gameID game.ID, turn int, reg report.Region) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO regions (game_id, turn_number, x, y, z, terrain, name, population, owner, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gameID, turn, reg.X, reg.Y, reg.Z, reg.Terrain, reg.Name, reg.Population, reg.Owner, reg.Detail)
	if err != nil {
		return fmt.Errorf("put region %s: %w", reg.Coords, err)
	}
	return nil
}

// PutUnit stores or replaces a merged unit.
func (r Repo) PutUnit(ctx context.Context, gameID game.ID, turn int, u report.Unit) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO units (game_id, turn_number, number, faction, name, x, y, z, size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gameID, turn, u.Number, u.Faction, u.Name, u.Region.X, u.Region.Y, u.Region.Z, u.Size)
	if err != nil {
		return fmt.Errorf("put unit %d: %w", u.Number, err)
	}
	return nil
}

// Regions lists a turn's merged regions ordered by z, y, x.
func (r Repo) Regions(ctx context.Context, gameID game.ID, turn int) ([]report.Region, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT x, y, z, terrain, name, population, owner, detail FROM regions
		 WHERE game_id = ? AND turn_number = ? ORDER BY z, y, x`, gameID, turn)
	return collect(rows, err, func(s scanner) (report.Region, error) {
		var reg report.Region
		err := s.Scan(&reg.X, &reg.Y, &reg.Z, &reg.Terrain, &reg.Name, &reg.Population, &reg.Owner, &reg.Detail)
		return reg, err
	})
}

// Units lists a turn's merged units by number.
func (r Repo) Units(ctx context.Context, gameID game.ID, turn int) ([]report.Unit, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT number, faction, name, x, y, z, size FROM units
		 WHERE game_id = ? AND turn_number = ? ORDER BY number`, gameID, turn)
	return collect(rows, err, func(s scanner) (report.Unit, error) {
		var u report.Unit
		err := s.Scan(&u.Number, &u.Faction, &u.Name, &u.Region.X, &u.Region.Y, &u.Region.Z, &u.Size)
		return u, err
	})
}

// ============================================================================
// Statistics
// ============================================================================

// PutStatistics replaces a turn's statistics.
func (r Repo) PutStatistics(ctx context.Context, gameID game.ID, turn int, stats []report.Statistic) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM statistics WHERE game_id = ? AND turn_number = ?`, gameID, turn); err != nil {
		return fmt.Errorf("clear statistics: %w", err)
	}
	for _, s := range stats {
		_, err := r.q.ExecContext(ctx,
			`INSERT INTO statistics (game_id, turn_number, faction, units, men, regions, population) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			gameID, turn, s.Faction, s.Units, s.Men, s.Regions, s.Population)
		if err != nil {
			return fmt.Errorf("put statistics for faction %d: %w", s.Faction, err)
		}
	}
	return nil
}

// Statistics lists a turn's statistics by faction.
func (r Repo) Statistics(ctx context.Context, gameID game.ID, turn int) ([]report.Statistic, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT faction, units, men, regions, population FROM statistics
		 WHERE game_id = ? AND turn_number = ? ORDER BY faction`, gameID, turn)
	return collect(rows, err, func(s scanner) (report.Statistic, error) {
		var st report.Statistic
		err := s.Scan(&st.Faction, &st.Units, &st.Men, &st.Regions, &st.Population)
		return st, err
	})
}
