// Package rowstore is the remote row-store Store implementation: Postgres
// (or a Postgres-wire-compatible service) accessed over pgxpool, with JSON
// columns for the raw upstream payload. Each new connection tries to switch
// to the hoopcal_reader role; the package creates no role and no row-level
// security policy.
//
// Grounded on the teacher's internal/db/db.go: a pgxpool.Pool wrapper with
// an AfterConnect hook. No prepared statements are registered.
package rowstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/hoopcal/internal/config"
	"github.com/albapepper/hoopcal/internal/store"
)

func init() {
	store.Register(config.DBTypeRowstore, func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
		return Open(ctx, cfg)
	})
}

// Store is the pgxpool-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the configured Postgres-compatible database and applies
// the schema. Every connection in the pool runs SET ROLE hoopcal_reader
// when it opens.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Every connection switches to the hoopcal_reader role if it exists.
	// The schema migration below creates neither that role nor any
	// row-level security policy; both must already be in the database.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, `SET ROLE hoopcal_reader`); err != nil {
			// Role may not exist in a single-role deployment; the
			// connection then keeps the connecting role.
			return nil
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS seasons (
			id TEXT PRIMARY KEY, name TEXT NOT NULL,
			start_date TIMESTAMPTZ, end_date TIMESTAMPTZ, raw JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS competitions (
			id TEXT PRIMARY KEY, season_id TEXT NOT NULL, name TEXT NOT NULL, raw JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY, competition_id TEXT NOT NULL, season_id TEXT NOT NULL,
			name TEXT NOT NULL, type TEXT, raw JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS teams (
			id TEXT PRIMARY KEY, name TEXT NOT NULL, logo_url TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS matches (
			id TEXT PRIMARY KEY, season_id TEXT NOT NULL, competition_id TEXT NOT NULL,
			competition_name TEXT, group_id TEXT NOT NULL, group_name TEXT,
			home_team_id TEXT, home_team_name TEXT, away_team_id TEXT, away_team_name TEXT,
			date TIMESTAMPTZ NOT NULL, status TEXT NOT NULL,
			home_score INTEGER, away_score INTEGER,
			venue TEXT, venue_address TEXT, raw JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY, value TEXT, updated_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_season ON matches(season_id)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_group ON matches(group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_home_team ON matches(home_team_id)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_away_team ON matches(away_team_id)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_status ON matches(status)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_date ON matches(date)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_competition_name_lower ON matches(LOWER(competition_name))`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

func (s *Store) ListSeasons(ctx context.Context) ([]store.Season, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, start_date, end_date, raw FROM seasons`)
	if err != nil {
		return nil, fmt.Errorf("list seasons: %w", err)
	}
	defer rows.Close()

	var out []store.Season
	for rows.Next() {
		var season store.Season
		if err := rows.Scan(&season.ID, &season.Name, &season.StartDate, &season.EndDate, &season.Raw); err != nil {
			return nil, fmt.Errorf("scan season: %w", err)
		}
		out = append(out, season)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	store.SortSeasonsByNameDescending(out)
	return out, nil
}

func (s *Store) ListCompetitions(ctx context.Context, seasonID string) ([]store.Competition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, season_id, name, raw FROM competitions WHERE season_id = $1`, seasonID)
	if err != nil {
		return nil, fmt.Errorf("list competitions: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*store.Competition)
	var order []string
	for rows.Next() {
		var c store.Competition
		if err := rows.Scan(&c.ID, &c.SeasonID, &c.Name, &c.Raw); err != nil {
			return nil, fmt.Errorf("scan competition: %w", err)
		}
		byID[c.ID] = &c
		order = append(order, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(order) > 0 {
		groupRows, err := s.pool.Query(ctx,
			`SELECT id, competition_id, season_id, name, type, raw FROM groups WHERE season_id = $1`, seasonID)
		if err != nil {
			return nil, fmt.Errorf("list groups for competitions: %w", err)
		}
		defer groupRows.Close()
		for groupRows.Next() {
			var g store.Group
			var gtype *string
			if err := groupRows.Scan(&g.ID, &g.CompetitionID, &g.SeasonID, &g.Name, &gtype, &g.Raw); err != nil {
				return nil, fmt.Errorf("scan group: %w", err)
			}
			if gtype != nil {
				g.Type = store.GroupType(*gtype)
			}
			if c, ok := byID[g.CompetitionID]; ok {
				c.Groups = append(c.Groups, g)
			}
		}
		if err := groupRows.Err(); err != nil {
			return nil, err
		}
	}

	out := make([]store.Competition, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func (s *Store) ListGroups(ctx context.Context, competitionID string) ([]store.Group, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, competition_id, season_id, name, type, raw FROM groups WHERE competition_id = $1`, competitionID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []store.Group
	for rows.Next() {
		var g store.Group
		var gtype *string
		if err := rows.Scan(&g.ID, &g.CompetitionID, &g.SeasonID, &g.Name, &gtype, &g.Raw); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		if gtype != nil {
			g.Type = store.GroupType(*gtype)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) ListTeams(ctx context.Context, groupID string) ([]store.Team, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT home_team_id, home_team_name FROM matches WHERE group_id = $1 AND home_team_id IS NOT NULL
		UNION
		SELECT away_team_id, away_team_name FROM matches WHERE group_id = $1 AND away_team_id IS NOT NULL
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []store.Team
	for rows.Next() {
		var id, name *string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		if id == nil || seen[*id] {
			continue
		}
		seen[*id] = true
		team := store.Team{ID: *id}
		if name != nil {
			team.Name = *name
		}
		out = append(out, team)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	store.SortTeamsByName(out)
	return out, nil
}

func (s *Store) FindMatches(ctx context.Context, filter store.MatchFilter) ([]store.Match, error) {
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.SeasonID != "" {
		where = append(where, "season_id = "+arg(filter.SeasonID))
	}
	if filter.GroupID != "" {
		where = append(where, "group_id = "+arg(filter.GroupID))
	} else if filter.CompetitionName != "" {
		where = append(where, "LOWER(competition_name) LIKE "+arg("%"+strings.ToLower(filter.CompetitionName)+"%"))
	}
	if filter.TeamID != "" {
		p := arg(filter.TeamID)
		where = append(where, fmt.Sprintf("(home_team_id = %s OR away_team_id = %s)", p, p))
	} else if filter.TeamName != "" {
		p := arg("%" + strings.ToLower(filter.TeamName) + "%")
		where = append(where, fmt.Sprintf("(LOWER(home_team_name) LIKE %s OR LOWER(away_team_name) LIKE %s)", p, p))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if filter.DateFrom != nil {
		where = append(where, "date >= "+arg(filter.DateFrom.UTC()))
	}
	if filter.DateTo != nil {
		where = append(where, "date <= "+arg(filter.DateTo.UTC()))
	}

	query := `SELECT id, season_id, competition_id, competition_name, group_id, group_name,
		home_team_id, home_team_name, away_team_id, away_team_name,
		date, status, home_score, away_score, venue, venue_address, raw
		FROM matches`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date ASC, id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find matches: %w", err)
	}
	defer rows.Close()

	var out []store.Match
	for rows.Next() {
		var m store.Match
		if err := rows.Scan(
			&m.ID, &m.SeasonID, &m.CompetitionID, &m.CompetitionName, &m.GroupID, &m.GroupName,
			&m.HomeTeamID, &m.HomeTeamName, &m.AwayTeamID, &m.AwayTeamName,
			&m.Date, &m.Status, &m.HomeScore, &m.AwayScore, &m.Venue, &m.VenueAddress, &m.Raw,
		); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --------------------------------------------------------------------------
// Bulk replace
// --------------------------------------------------------------------------

func (s *Store) BulkReplace(ctx context.Context, snapshot store.Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin bulk replace: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, season := range snapshot.Seasons {
		if _, err := tx.Exec(ctx, `
			INSERT INTO seasons (id, name, start_date, end_date, raw) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET name=excluded.name, start_date=excluded.start_date,
				end_date=excluded.end_date, raw=excluded.raw`,
			season.ID, season.Name, season.StartDate, season.EndDate, season.Raw,
		); err != nil {
			return fmt.Errorf("upsert season %s: %w", season.ID, err)
		}
	}

	for _, comp := range snapshot.Competitions {
		if _, err := tx.Exec(ctx, `
			INSERT INTO competitions (id, season_id, name, raw) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET season_id=excluded.season_id, name=excluded.name, raw=excluded.raw`,
			comp.ID, comp.SeasonID, comp.Name, comp.Raw,
		); err != nil {
			return fmt.Errorf("upsert competition %s: %w", comp.ID, err)
		}
	}

	for _, group := range snapshot.Groups {
		if _, err := tx.Exec(ctx, `
			INSERT INTO groups (id, competition_id, season_id, name, type, raw) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET competition_id=excluded.competition_id, season_id=excluded.season_id,
				name=excluded.name, type=excluded.type, raw=excluded.raw`,
			group.ID, group.CompetitionID, group.SeasonID, group.Name, string(group.Type), group.Raw,
		); err != nil {
			return fmt.Errorf("upsert group %s: %w", group.ID, err)
		}
	}

	for _, team := range snapshot.Teams {
		if _, err := tx.Exec(ctx, `
			INSERT INTO teams (id, name, logo_url) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name=excluded.name, logo_url=excluded.logo_url`,
			team.ID, team.Name, team.LogoURL,
		); err != nil {
			return fmt.Errorf("upsert team %s: %w", team.ID, err)
		}
	}

	for _, match := range snapshot.Matches {
		if _, err := tx.Exec(ctx, `
			INSERT INTO matches (id, season_id, competition_id, competition_name, group_id, group_name,
				home_team_id, home_team_name, away_team_id, away_team_name,
				date, status, home_score, away_score, venue, venue_address, raw)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			ON CONFLICT (id) DO UPDATE SET
				season_id=excluded.season_id, competition_id=excluded.competition_id,
				competition_name=excluded.competition_name, group_id=excluded.group_id,
				group_name=excluded.group_name, home_team_id=excluded.home_team_id,
				home_team_name=excluded.home_team_name, away_team_id=excluded.away_team_id,
				away_team_name=excluded.away_team_name, date=excluded.date, status=excluded.status,
				home_score=excluded.home_score, away_score=excluded.away_score,
				venue=excluded.venue, venue_address=excluded.venue_address, raw=excluded.raw`,
			match.ID, match.SeasonID, match.CompetitionID, match.CompetitionName, match.GroupID, match.GroupName,
			match.HomeTeamID, match.HomeTeamName, match.AwayTeamID, match.AwayTeamName,
			match.Date, string(match.Status), match.HomeScore, match.AwayScore,
			match.Venue, match.VenueAddress, match.Raw,
		); err != nil {
			return fmt.Errorf("upsert match %s: %w", match.ID, err)
		}
	}

	now := time.Now().UTC()
	if err := setMetadataTx(ctx, tx, store.MetaLastScrapeCompleted, now.Format(time.RFC3339)); err != nil {
		return err
	}
	if err := setMetadataTx(ctx, tx, store.MetaSchemaVersion, "1"); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// --------------------------------------------------------------------------
// Metadata
// --------------------------------------------------------------------------

func (s *Store) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM metadata WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if err := setMetadataTx(ctx, tx, key, value); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func setMetadataTx(ctx context.Context, tx pgx.Tx, key, value string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

// DatabaseSizeBytes uses Postgres's own relation-size accounting across
// every table this store owns.
func (s *Store) DatabaseSizeBytes(ctx context.Context) (*int64, error) {
	var size int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(pg_total_relation_size(quote_ident(tablename))), 0)
		FROM pg_tables WHERE tablename IN ('seasons','competitions','groups','teams','matches','metadata')
	`).Scan(&size)
	if err != nil {
		return nil, fmt.Errorf("read db size: %w", err)
	}
	return &size, nil
}
