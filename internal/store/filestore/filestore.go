// Package filestore is the embedded, file-backed Store implementation: a
// single SQLite database with write-ahead logging, for local and
// single-process deployments (§4.A "embedded file-backed engine").
//
// Grounded on the teacher corpus's SQLite usage (Agentchow-HFTKalshiGo's
// internal/core/training/soccer_store.go): one *sql.DB opened with
// journal_mode=wal and a single writer connection, a mutex serializing
// writes, and a page_count/page_size pragma for size reporting.
package filestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/albapepper/hoopcal/internal/config"
	"github.com/albapepper/hoopcal/internal/store"
)

func init() {
	store.Register(config.DBTypeFile, func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
		return Open(cfg.DataDir)
	})
}

// Store is the embedded SQLite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
	mu sync.RWMutex // guards writes; SQLite WAL already gives readers a snapshot
}

// Open creates or opens the database at {dataDir}/basketball.db, per the
// §6 persisted state layout.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "basketball.db")

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY on concurrent bulk
	// replaces; readers still get consistent WAL snapshots.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`PRAGMA auto_vacuum = INCREMENTAL`,
		`CREATE TABLE IF NOT EXISTS seasons (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			start_date TEXT,
			end_date   TEXT,
			raw        BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS competitions (
			id        TEXT PRIMARY KEY,
			season_id TEXT NOT NULL,
			name      TEXT NOT NULL,
			raw       BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			id             TEXT PRIMARY KEY,
			competition_id TEXT NOT NULL,
			season_id      TEXT NOT NULL,
			name           TEXT NOT NULL,
			type           TEXT,
			raw            BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS teams (
			id       TEXT PRIMARY KEY,
			name     TEXT NOT NULL,
			logo_url TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS matches (
			id               TEXT PRIMARY KEY,
			season_id        TEXT NOT NULL,
			competition_id   TEXT NOT NULL,
			competition_name TEXT,
			group_id         TEXT NOT NULL,
			group_name       TEXT,
			home_team_id     TEXT,
			home_team_name   TEXT,
			away_team_id     TEXT,
			away_team_name   TEXT,
			date             TEXT NOT NULL,
			status           TEXT NOT NULL,
			home_score       INTEGER,
			away_score       INTEGER,
			venue            TEXT,
			venue_address    TEXT,
			raw              BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key        TEXT PRIMARY KEY,
			value      TEXT,
			updated_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_competitions_season ON competitions(season_id)`,
		`CREATE INDEX IF NOT EXISTS idx_groups_competition ON groups(competition_id)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_season ON matches(season_id)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_group ON matches(group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_competition ON matches(competition_id)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_home_team ON matches(home_team_id)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_away_team ON matches(away_team_id)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_status ON matches(status)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_date ON matches(date)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

func (s *Store) ListSeasons(ctx context.Context) ([]store.Season, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, start_date, end_date, raw FROM seasons`)
	if err != nil {
		return nil, fmt.Errorf("list seasons: %w", err)
	}
	defer rows.Close()

	var out []store.Season
	for rows.Next() {
		var season store.Season
		var start, end sql.NullString
		if err := rows.Scan(&season.ID, &season.Name, &start, &end, &season.Raw); err != nil {
			return nil, fmt.Errorf("scan season: %w", err)
		}
		season.StartDate = parseTimeOrZero(start.String)
		season.EndDate = parseTimeOrZero(end.String)
		out = append(out, season)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	store.SortSeasonsByNameDescending(out)
	return out, nil
}

func (s *Store) ListCompetitions(ctx context.Context, seasonID string) ([]store.Competition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, season_id, name, raw FROM competitions WHERE season_id = ?`, seasonID)
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
		groupRows, err := s.db.QueryContext(ctx,
			`SELECT id, competition_id, season_id, name, type, raw FROM groups WHERE season_id = ?`, seasonID)
		if err != nil {
			return nil, fmt.Errorf("list groups for competitions: %w", err)
		}
		defer groupRows.Close()
		for groupRows.Next() {
			var g store.Group
			var gtype sql.NullString
			if err := groupRows.Scan(&g.ID, &g.CompetitionID, &g.SeasonID, &g.Name, &gtype, &g.Raw); err != nil {
				return nil, fmt.Errorf("scan group: %w", err)
			}
			g.Type = store.GroupType(gtype.String)
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, competition_id, season_id, name, type, raw FROM groups WHERE competition_id = ?`, competitionID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []store.Group
	for rows.Next() {
		var g store.Group
		var gtype sql.NullString
		if err := rows.Scan(&g.ID, &g.CompetitionID, &g.SeasonID, &g.Name, &gtype, &g.Raw); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.Type = store.GroupType(gtype.String)
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListTeams derives the distinct home/away teams appearing in a group's
// matches, sorted with locale-aware ordering (§4.A).
func (s *Store) ListTeams(ctx context.Context, groupID string) ([]store.Team, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT home_team_id, home_team_name FROM matches WHERE group_id = ? AND home_team_id IS NOT NULL
		UNION
		SELECT away_team_id, away_team_name FROM matches WHERE group_id = ? AND away_team_id IS NOT NULL
	`, groupID, groupID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []store.Team
	for rows.Next() {
		var id, name sql.NullString
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		if !id.Valid || seen[id.String] {
			continue
		}
		seen[id.String] = true
		out = append(out, store.Team{ID: id.String, Name: name.String})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	store.SortTeamsByName(out)
	return out, nil
}

// FindMatches builds a single indexed query from the filter's recognized
// dimensions (§4.A). ID-based dimensions always take an equality predicate
// against an indexed column; name-based dimensions fall back to a
// case-insensitive substring scan.
func (s *Store) FindMatches(ctx context.Context, filter store.MatchFilter) ([]store.Match, error) {
	var where []string
	var args []interface{}

	if filter.SeasonID != "" {
		where = append(where, "season_id = ?")
		args = append(args, filter.SeasonID)
	}
	if filter.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, filter.GroupID)
	} else if filter.CompetitionName != "" {
		where = append(where, "LOWER(competition_name) LIKE ?")
		args = append(args, "%"+strings.ToLower(filter.CompetitionName)+"%")
	}
	if filter.TeamID != "" {
		where = append(where, "(home_team_id = ? OR away_team_id = ?)")
		args = append(args, filter.TeamID, filter.TeamID)
	} else if filter.TeamName != "" {
		needle := "%" + strings.ToLower(filter.TeamName) + "%"
		where = append(where, "(LOWER(home_team_name) LIKE ? OR LOWER(away_team_name) LIKE ?)")
		args = append(args, needle, needle)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.DateFrom != nil {
		where = append(where, "date >= ?")
		args = append(args, filter.DateFrom.UTC().Format(time.RFC3339))
	}
	if filter.DateTo != nil {
		where = append(where, "date <= ?")
		args = append(args, filter.DateTo.UTC().Format(time.RFC3339))
	}

	query := `SELECT id, season_id, competition_id, competition_name, group_id, group_name,
		home_team_id, home_team_name, away_team_id, away_team_name,
		date, status, home_score, away_score, venue, venue_address, raw
		FROM matches`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find matches: %w", err)
	}
	defer rows.Close()

	var out []store.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMatch(rows rowScanner) (store.Match, error) {
	var m store.Match
	var dateStr string
	var homeTeamID, homeTeamName, awayTeamID, awayTeamName, venue, venueAddress sql.NullString
	var homeScore, awayScore sql.NullInt64

	if err := rows.Scan(
		&m.ID, &m.SeasonID, &m.CompetitionID, &m.CompetitionName, &m.GroupID, &m.GroupName,
		&homeTeamID, &homeTeamName, &awayTeamID, &awayTeamName,
		&dateStr, &m.Status, &homeScore, &awayScore, &venue, &venueAddress, &m.Raw,
	); err != nil {
		return m, fmt.Errorf("scan match: %w", err)
	}
	m.Date = parseTimeOrZero(dateStr)
	m.HomeTeamID = nullStringPtr(homeTeamID)
	m.HomeTeamName = nullStringPtr(homeTeamName)
	m.AwayTeamID = nullStringPtr(awayTeamID)
	m.AwayTeamName = nullStringPtr(awayTeamName)
	m.Venue = nullStringPtr(venue)
	m.VenueAddress = nullStringPtr(venueAddress)
	if homeScore.Valid {
		v := int(homeScore.Int64)
		m.HomeScore = &v
	}
	if awayScore.Valid {
		v := int(awayScore.Int64)
		m.AwayScore = &v
	}
	return m, nil
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func parseTimeOrZero(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// --------------------------------------------------------------------------
// Bulk replace
// --------------------------------------------------------------------------

// BulkReplace upserts an entire snapshot in one transaction: all rows
// become visible together, metadata only advances on commit, and any error
// leaves the store untouched (§4.A Bulk Replace Contract).
func (s *Store) BulkReplace(ctx context.Context, snapshot store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk replace: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	for _, season := range snapshot.Seasons {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO seasons (id, name, start_date, end_date, raw) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name=excluded.name, start_date=excluded.start_date,
				end_date=excluded.end_date, raw=excluded.raw`,
			season.ID, season.Name, formatTime(season.StartDate), formatTime(season.EndDate), season.Raw,
		); err != nil {
			return fmt.Errorf("upsert season %s: %w", season.ID, err)
		}
	}

	for _, comp := range snapshot.Competitions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO competitions (id, season_id, name, raw) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET season_id=excluded.season_id, name=excluded.name, raw=excluded.raw`,
			comp.ID, comp.SeasonID, comp.Name, comp.Raw,
		); err != nil {
			return fmt.Errorf("upsert competition %s: %w", comp.ID, err)
		}
	}

	for _, group := range snapshot.Groups {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO groups (id, competition_id, season_id, name, type, raw) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET competition_id=excluded.competition_id, season_id=excluded.season_id,
				name=excluded.name, type=excluded.type, raw=excluded.raw`,
			group.ID, group.CompetitionID, group.SeasonID, group.Name, string(group.Type), group.Raw,
		); err != nil {
			return fmt.Errorf("upsert group %s: %w", group.ID, err)
		}
	}

	for _, team := range snapshot.Teams {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO teams (id, name, logo_url) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name=excluded.name, logo_url=excluded.logo_url`,
			team.ID, team.Name, team.LogoURL,
		); err != nil {
			return fmt.Errorf("upsert team %s: %w", team.ID, err)
		}
	}

	for _, match := range snapshot.Matches {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO matches (id, season_id, competition_id, competition_name, group_id, group_name,
				home_team_id, home_team_name, away_team_id, away_team_name,
				date, status, home_score, away_score, venue, venue_address, raw)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				season_id=excluded.season_id, competition_id=excluded.competition_id,
				competition_name=excluded.competition_name, group_id=excluded.group_id,
				group_name=excluded.group_name, home_team_id=excluded.home_team_id,
				home_team_name=excluded.home_team_name, away_team_id=excluded.away_team_id,
				away_team_name=excluded.away_team_name, date=excluded.date, status=excluded.status,
				home_score=excluded.home_score, away_score=excluded.away_score,
				venue=excluded.venue, venue_address=excluded.venue_address, raw=excluded.raw`,
			match.ID, match.SeasonID, match.CompetitionID, match.CompetitionName, match.GroupID, match.GroupName,
			match.HomeTeamID, match.HomeTeamName, match.AwayTeamID, match.AwayTeamName,
			formatTime(match.Date), string(match.Status), match.HomeScore, match.AwayScore,
			match.Venue, match.VenueAddress, match.Raw,
		); err != nil {
			return fmt.Errorf("upsert match %s: %w", match.ID, err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if err := setMetadataTx(ctx, tx, store.MetaLastScrapeCompleted, now); err != nil {
		return err
	}
	if err := setMetadataTx(ctx, tx, store.MetaSchemaVersion, "1"); err != nil {
		return err
	}

	return tx.Commit()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// --------------------------------------------------------------------------
// Metadata
// --------------------------------------------------------------------------

func (s *Store) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	if err := setMetadataTx(ctx, tx, key, value); err != nil {
		return err
	}
	return tx.Commit()
}

func setMetadataTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

// DatabaseSizeBytes reads SQLite's own page accounting, the same approach
// as Agentchow-HFTKalshiGo's soccer_store.go OpenStore size query.
func (s *Store) DatabaseSizeBytes(ctx context.Context) (*int64, error) {
	var size int64
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(page_count * page_size, 0) FROM pragma_page_count(), pragma_page_size()`)
	if err := row.Scan(&size); err != nil {
		return nil, fmt.Errorf("read db size: %w", err)
	}
	return &size, nil
}
