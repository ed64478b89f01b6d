// Package scrape walks the upstream entity graph — seasons, competitions,
// groups, matches — and commits the result to the store in one bulk
// transaction (§4.D).
//
// The grouped worker-pool shape is grounded on internal/fixture/scheduler.go
// (group work items fanned out to a bounded pool, results merged under a
// mutex); bounded parallelism itself uses golang.org/x/sync/errgroup's
// SetLimit instead of a hand-rolled channel+WaitGroup, since errgroup is
// already present in the wider example pack and is the idiomatic way to
// propagate the first real error out of a fan-out.
package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/albapepper/hoopcal/internal/store"
	"github.com/albapepper/hoopcal/internal/token"
	"github.com/albapepper/hoopcal/internal/upstream"
)

// Progress is the {groupsDone, groupsTotal, currentSeason} tuple consumed
// by the refresh controller (§4.D).
type Progress struct {
	GroupsDone    int
	GroupsTotal   int
	CurrentSeason string
}

// Result summarizes one completed (or failed) scrape pass.
type Result struct {
	RunID           string
	SeasonsScraped  int
	GroupsTotal     int
	GroupsSucceeded int
	GroupsFailed    int
	MatchesIngested int
	Duration        time.Duration
	Errors          []string
}

// Summary renders a short human-readable line, in the style of
// fixture.SchedulerResult.Summary().
func (r Result) Summary() string {
	return fmt.Sprintf("seasons=%d groups=%d/%d matches=%s duration=%s errors=%d",
		r.SeasonsScraped, r.GroupsSucceeded, r.GroupsTotal, humanize.Comma(int64(r.MatchesIngested)), r.Duration, len(r.Errors))
}

// Harvester is the subset of token.Harvester the orchestrator needs.
type Harvester interface {
	AcquireToken(ctx context.Context, timeout time.Duration) (*token.Token, error)
}

// Upstream is the subset of upstream.Client the orchestrator needs.
type Upstream interface {
	ListSeasons(ctx context.Context, creds upstream.Credentials) ([]upstream.RawSeason, error)
	ListCompetitions(ctx context.Context, creds upstream.Credentials, seasonID string) ([]upstream.RawCompetition, error)
	GetCalendar(ctx context.Context, creds upstream.Credentials, groupID string) (*upstream.RawCalendar, error)
	GetStandings(ctx context.Context, creds upstream.Credentials, groupID string) (*upstream.RawStandings, error)
}

// Orchestrator performs a full scrape pass (§4.D).
type Orchestrator struct {
	Harvester   Harvester
	Upstream    Upstream
	Store       store.Store
	Concurrency int // bounded parallelism K, typical 4-8
	Logger      *slog.Logger
}

// tokenBox guards the credentials used for every upstream call in one
// scrape and enforces the "at most one re-token retry per scrape" rule
// (§4.D step 7, §7 AuthExpired).
type tokenBox struct {
	mu            sync.Mutex
	creds         upstream.Credentials
	refreshedOnce bool
}

func (b *tokenBox) snapshot() upstream.Credentials {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creds
}

type groupTask struct {
	SeasonID        string
	SeasonName      string
	CompetitionID   string
	CompetitionName string
	GroupID         string
	GroupName       string
	GroupType       store.GroupType
}

// Run executes one full scrape pass and commits the result via
// o.Store.BulkReplace. onProgress may be nil.
func (o *Orchestrator) Run(ctx context.Context, onProgress func(Progress)) (Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	logger := o.logger().With("run_id", runID)
	if onProgress == nil {
		onProgress = func(Progress) {}
	}

	scrapeCtx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()

	tok, err := o.Harvester.AcquireToken(scrapeCtx, 60*time.Second)
	if err != nil {
		return Result{RunID: runID, Duration: time.Since(start)}, fmt.Errorf("acquire initial token: %w", err)
	}
	creds := &tokenBox{creds: upstream.Credentials{Token: tok.Value, Origin: tok.Origin}}

	var rawSeasons []upstream.RawSeason
	err = o.withRetry(scrapeCtx, creds, func(c upstream.Credentials) error {
		seasons, err := o.Upstream.ListSeasons(scrapeCtx, c)
		if err != nil {
			return err
		}
		rawSeasons = seasons
		return nil
	})
	if err != nil {
		return Result{RunID: runID, Duration: time.Since(start)}, fmt.Errorf("list seasons: %w", err)
	}

	seasons := make([]store.Season, 0, len(rawSeasons))
	for _, rs := range rawSeasons {
		seasons = append(seasons, store.Season{
			ID:        rs.ID,
			Name:      rs.Name,
			StartDate: parseTime(rs.StartDate),
			EndDate:   parseTime(rs.EndDate),
			Raw:       rawBytes(rs.Raw),
		})
	}

	var tasks []groupTask
	var competitions []store.Competition
	var groups []store.Group

	for _, season := range rawSeasons {
		var rawCompetitions []upstream.RawCompetition
		seasonID := season.ID
		err := o.withRetry(scrapeCtx, creds, func(c upstream.Credentials) error {
			comps, err := o.Upstream.ListCompetitions(scrapeCtx, c, seasonID)
			if err != nil {
				return err
			}
			rawCompetitions = comps
			return nil
		})
		if err != nil {
			return Result{RunID: runID, Duration: time.Since(start)}, fmt.Errorf("list competitions for season %s: %w", seasonID, err)
		}

		for _, comp := range rawCompetitions {
			competitions = append(competitions, store.Competition{
				ID:       comp.ID,
				SeasonID: seasonID,
				Name:     comp.Name,
				Raw:      rawBytes(comp.Raw),
			})
			for _, g := range comp.Groups {
				groups = append(groups, store.Group{
					ID:            g.ID,
					CompetitionID: comp.ID,
					SeasonID:      seasonID,
					Name:          g.Name,
					Type:          store.GroupType(g.Type),
					Raw:           rawBytes(g.Raw),
				})
				tasks = append(tasks, groupTask{
					SeasonID:        seasonID,
					SeasonName:      season.Name,
					CompetitionID:   comp.ID,
					CompetitionName: comp.Name,
					GroupID:         g.ID,
					GroupName:       g.Name,
					GroupType:       store.GroupType(g.Type),
				})
			}
		}
	}

	result := Result{RunID: runID, SeasonsScraped: len(seasons), GroupsTotal: len(tasks)}
	onProgress(Progress{GroupsTotal: len(tasks)})

	limit := o.Concurrency
	if limit < 1 {
		limit = 4
	}

	var mu sync.Mutex
	var matches []store.Match
	var groupsDone, groupsFailed int

	g, gctx := errgroup.WithContext(scrapeCtx)
	g.SetLimit(limit)

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			groupMatches, err := o.fetchGroup(gctx, creds, task)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				groupsFailed++
				result.Errors = append(result.Errors, fmt.Sprintf("group %s: %v", task.GroupID, err))
				logger.Warn("group scrape failed", "group_id", task.GroupID, "error", err)
			} else {
				matches = append(matches, groupMatches...)
			}
			groupsDone++
			onProgress(Progress{GroupsDone: groupsDone, GroupsTotal: len(tasks), CurrentSeason: task.SeasonName})
			return nil // per-group failures do not abort the whole scrape
		})
	}
	// errgroup.Wait only returns an error from a Go func and none of ours
	// return one, so cancellation and timeout are detected via scrapeCtx;
	// a cancelled scrape commits nothing.
	_ = g.Wait()
	if err := scrapeCtx.Err(); err != nil {
		return Result{RunID: runID, Duration: time.Since(start)}, fmt.Errorf("scrape cancelled: %w", err)
	}

	result.GroupsSucceeded = len(tasks) - groupsFailed
	result.GroupsFailed = groupsFailed
	result.MatchesIngested = len(matches)

	teams := dedupeTeams(matches)

	snapshot := store.Snapshot{
		Seasons:      seasons,
		Competitions: competitions,
		Groups:       groups,
		Teams:        teams,
		Matches:      matches,
	}

	if err := o.Store.BulkReplace(ctx, snapshot); err != nil {
		return Result{RunID: runID, Duration: time.Since(start)}, fmt.Errorf("bulk replace: %w", err)
	}

	result.Duration = time.Since(start)
	logger.Info("scrape complete", "summary", result.Summary())
	return result, nil
}

func (o *Orchestrator) fetchGroup(ctx context.Context, creds *tokenBox, task groupTask) ([]store.Match, error) {
	var calendar *upstream.RawCalendar
	err := o.withRetry(ctx, creds, func(c upstream.Credentials) error {
		cal, err := o.Upstream.GetCalendar(ctx, c, task.GroupID)
		if err != nil {
			return err
		}
		calendar = cal
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get calendar: %w", err)
	}

	// Standings are fetched but the response is discarded: the snapshot has
	// no standings field, so nothing is stored. A failure here never fails
	// the group.
	_ = o.withRetry(ctx, creds, func(c upstream.Credentials) error {
		_, err := o.Upstream.GetStandings(ctx, c, task.GroupID)
		return err
	})

	var matches []store.Match
	for _, round := range calendar.Rounds {
		for _, rm := range round.Matches {
			matches = append(matches, matchFromRaw(rm, task))
		}
	}
	return matches, nil
}

func matchFromRaw(rm upstream.RawMatch, task groupTask) store.Match {
	m := store.Match{
		ID:              rm.ID,
		SeasonID:        task.SeasonID,
		CompetitionID:   task.CompetitionID,
		CompetitionName: task.CompetitionName,
		GroupID:         task.GroupID,
		GroupName:       task.GroupName,
		Date:            parseTime(rm.Date),
		Status:          store.MatchStatus(rm.Status),
		Venue:           rm.Venue,
		VenueAddress:    rm.Address,
		Raw:             rawBytes(rm.Raw),
	}
	if rm.HomeTeam != nil {
		m.HomeTeamID = &rm.HomeTeam.ID
		m.HomeTeamName = &rm.HomeTeam.Name
	}
	if rm.AwayTeam != nil {
		m.AwayTeamID = &rm.AwayTeam.ID
		m.AwayTeamName = &rm.AwayTeam.Name
	}
	// Scores are present iff status=CLOSED (§3); the upstream sometimes
	// sends zero scores for not-yet-started matches, so gate on status
	// rather than trusting presence alone.
	if m.Status == store.StatusClosed {
		m.HomeScore = rm.HomeScore
		m.AwayScore = rm.AwayScore
	}
	return m
}

func dedupeTeams(matches []store.Match) []store.Team {
	seen := make(map[string]store.Team)
	var order []string
	add := func(id *string, name *string) {
		if id == nil || *id == "" {
			return
		}
		if _, ok := seen[*id]; ok {
			return
		}
		team := store.Team{ID: *id}
		if name != nil {
			team.Name = *name
		}
		seen[*id] = team
		order = append(order, *id)
	}
	for _, m := range matches {
		add(m.HomeTeamID, m.HomeTeamName)
		add(m.AwayTeamID, m.AwayTeamName)
	}
	out := make([]store.Team, 0, len(order))
	for _, id := range order {
		out = append(out, seen[id])
	}
	return out
}

// withRetry runs fn with the current credentials; on AuthExpired it
// refreshes the token at most once for the whole scrape and retries fn
// exactly once more (§4.D step 7). A second AuthExpired after the single
// refresh fails whatever call triggered it.
func (o *Orchestrator) withRetry(ctx context.Context, creds *tokenBox, fn func(upstream.Credentials) error) error {
	err := fn(creds.snapshot())
	if !errors.Is(err, upstream.AuthExpired) {
		return err
	}

	creds.mu.Lock()
	if creds.refreshedOnce {
		creds.mu.Unlock()
		return fmt.Errorf("auth expired after retry: %w", upstream.AuthExpired)
	}
	tok, tokErr := o.Harvester.AcquireToken(ctx, 60*time.Second)
	creds.refreshedOnce = true
	if tokErr != nil {
		creds.mu.Unlock()
		return fmt.Errorf("re-acquire token: %w", tokErr)
	}
	creds.creds = upstream.Credentials{Token: tok.Value, Origin: tok.Origin}
	refreshed := creds.creds
	creds.mu.Unlock()

	return fn(refreshed)
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func rawBytes(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
