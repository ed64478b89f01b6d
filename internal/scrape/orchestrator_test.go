package scrape

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/albapepper/hoopcal/internal/store"
	"github.com/albapepper/hoopcal/internal/token"
	"github.com/albapepper/hoopcal/internal/upstream"
)

type fakeHarvester struct {
	calls int32
	value string
}

func (h *fakeHarvester) AcquireToken(ctx context.Context, timeout time.Duration) (*token.Token, error) {
	n := atomic.AddInt32(&h.calls, 1)
	value := h.value
	if n > 1 {
		// A re-harvest yields a new token, as a real browser session would.
		value += "-refreshed"
	}
	return &token.Token{Value: value, Origin: "https://widget.example.org"}, nil
}

// fakeUpstream lets each test script the sequence of responses/errors
// ListSeasons/ListCompetitions/GetCalendar/GetStandings should produce,
// keyed by the credentials token presented so the auth-retry path can be
// exercised deterministically.
type fakeUpstream struct {
	seasonsErr        func(tok string) error
	seasons           []upstream.RawSeason
	competitions      map[string][]upstream.RawCompetition
	calendars         map[string]*upstream.RawCalendar
	calendarErr       func(groupID, tok string) error
	calendarCallCount int32
}

func (u *fakeUpstream) ListSeasons(ctx context.Context, creds upstream.Credentials) ([]upstream.RawSeason, error) {
	if u.seasonsErr != nil {
		if err := u.seasonsErr(creds.Token); err != nil {
			return nil, err
		}
	}
	return u.seasons, nil
}

func (u *fakeUpstream) ListCompetitions(ctx context.Context, creds upstream.Credentials, seasonID string) ([]upstream.RawCompetition, error) {
	return u.competitions[seasonID], nil
}

func (u *fakeUpstream) GetCalendar(ctx context.Context, creds upstream.Credentials, groupID string) (*upstream.RawCalendar, error) {
	atomic.AddInt32(&u.calendarCallCount, 1)
	if u.calendarErr != nil {
		if err := u.calendarErr(groupID, creds.Token); err != nil {
			return nil, err
		}
	}
	return u.calendars[groupID], nil
}

func (u *fakeUpstream) GetStandings(ctx context.Context, creds upstream.Credentials, groupID string) (*upstream.RawStandings, error) {
	return &upstream.RawStandings{}, nil
}

type fakeStore struct {
	snapshot  store.Snapshot
	replaced  bool
	replaceFn func(store.Snapshot) error
}

func (s *fakeStore) ListSeasons(ctx context.Context) ([]store.Season, error) { return nil, nil }
func (s *fakeStore) ListCompetitions(ctx context.Context, seasonID string) ([]store.Competition, error) {
	return nil, nil
}
func (s *fakeStore) ListGroups(ctx context.Context, competitionID string) ([]store.Group, error) {
	return nil, nil
}
func (s *fakeStore) ListTeams(ctx context.Context, groupID string) ([]store.Team, error) {
	return nil, nil
}
func (s *fakeStore) FindMatches(ctx context.Context, filter store.MatchFilter) ([]store.Match, error) {
	return nil, nil
}
func (s *fakeStore) BulkReplace(ctx context.Context, snapshot store.Snapshot) error {
	s.snapshot = snapshot
	s.replaced = true
	if s.replaceFn != nil {
		return s.replaceFn(snapshot)
	}
	return nil
}
func (s *fakeStore) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}
func (s *fakeStore) SetMetadata(ctx context.Context, key, value string) error { return nil }
func (s *fakeStore) DatabaseSizeBytes(ctx context.Context) (*int64, error)    { return nil, nil }
func (s *fakeStore) Close() error                                            { return nil }

var _ store.Store = (*fakeStore)(nil)

func oneGroupFixture() (*fakeUpstream, store.GroupType) {
	u := &fakeUpstream{
		seasons: []upstream.RawSeason{{ID: "s1", Name: "2025/2026"}},
		competitions: map[string][]upstream.RawCompetition{
			"s1": {{
				ID:   "c1",
				Name: "Premier League",
				Groups: []upstream.RawGroup{
					{ID: "g1", Name: "<regular>", Type: "LEAGUE"},
				},
			}},
		},
		calendars: map[string]*upstream.RawCalendar{
			"g1": {Rounds: []upstream.RawRound{{Matches: []upstream.RawMatch{
				{
					ID:       "m1",
					HomeTeam: &upstream.RawTeam{ID: "t1", Name: "Maccabi Tel Aviv"},
					AwayTeam: &upstream.RawTeam{ID: "t2", Name: "Hapoel Jerusalem"},
					Date:     "2026-03-12T18:30:00Z",
					Status:   "NOT_STARTED",
				},
			}}}},
		},
	}
	return u, store.GroupLeague
}

func TestRun_HappyPathIngestsMatchesAndTeams(t *testing.T) {
	u, _ := oneGroupFixture()
	s := &fakeStore{}
	o := &Orchestrator{
		Harvester:   &fakeHarvester{value: "tok1"},
		Upstream:    u,
		Store:       s,
		Concurrency: 2,
	}

	result, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.MatchesIngested != 1 || result.GroupsSucceeded != 1 || result.GroupsFailed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !s.replaced {
		t.Fatal("expected BulkReplace to be called")
	}
	if len(s.snapshot.Teams) != 2 {
		t.Fatalf("expected 2 deduplicated teams, got %+v", s.snapshot.Teams)
	}
	if len(s.snapshot.Matches) != 1 || s.snapshot.Matches[0].ID != "m1" {
		t.Fatalf("unexpected matches in snapshot: %+v", s.snapshot.Matches)
	}
}

func TestRun_GroupFailureDoesNotAbortWholeScrape(t *testing.T) {
	u := &fakeUpstream{
		seasons: []upstream.RawSeason{{ID: "s1", Name: "2025/2026"}},
		competitions: map[string][]upstream.RawCompetition{
			"s1": {{
				ID:   "c1",
				Name: "Premier League",
				Groups: []upstream.RawGroup{
					{ID: "g1", Name: "Group A"},
					{ID: "g2", Name: "Group B"},
				},
			}},
		},
		calendars: map[string]*upstream.RawCalendar{
			"g2": {Rounds: []upstream.RawRound{{Matches: []upstream.RawMatch{
				{ID: "m2", Date: "2026-03-12T18:30:00Z", Status: "NOT_STARTED"},
			}}}},
		},
		calendarErr: func(groupID, tok string) error {
			if groupID == "g1" {
				return errors.New("boom")
			}
			return nil
		},
	}
	s := &fakeStore{}
	o := &Orchestrator{Harvester: &fakeHarvester{value: "tok1"}, Upstream: u, Store: s, Concurrency: 2}

	result, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.GroupsFailed != 1 || result.GroupsSucceeded != 1 {
		t.Fatalf("expected one failed and one succeeded group, got %+v", result)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected exactly one recorded error, got %+v", result.Errors)
	}
	if !s.replaced {
		t.Fatal("expected the scrape to still commit the partial snapshot")
	}
}

func TestRun_AuthExpiredRefreshesTokenOnceAndRetries(t *testing.T) {
	var seenTokens []string
	u := &fakeUpstream{
		seasonsErr: func(tok string) error {
			seenTokens = append(seenTokens, tok)
			if tok == "tok1" {
				return upstream.AuthExpired
			}
			return nil
		},
		seasons: []upstream.RawSeason{},
	}
	h := &fakeHarvester{value: "tok1"}
	s := &fakeStore{}
	o := &Orchestrator{Harvester: h, Upstream: u, Store: s}

	result, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.SeasonsScraped != 0 {
		t.Fatalf("expected zero seasons scraped, got %d", result.SeasonsScraped)
	}
	if len(seenTokens) != 2 {
		t.Fatalf("expected ListSeasons to be attempted twice (initial + 1 retry), got %d: %v", len(seenTokens), seenTokens)
	}
	if seenTokens[0] != "tok1" {
		t.Errorf("first attempt should use the initial token, got %q", seenTokens[0])
	}
	if h.calls != 2 {
		t.Errorf("expected AcquireToken called twice (initial + one refresh), got %d", h.calls)
	}
}

func TestRun_SecondAuthExpiredAfterRefreshFails(t *testing.T) {
	u := &fakeUpstream{
		seasonsErr: func(tok string) error { return upstream.AuthExpired },
	}
	o := &Orchestrator{Harvester: &fakeHarvester{value: "tok1"}, Upstream: u, Store: &fakeStore{}}

	_, err := o.Run(context.Background(), nil)
	if !errors.Is(err, upstream.AuthExpired) {
		t.Fatalf("expected an error wrapping AuthExpired after the single retry is exhausted, got %v", err)
	}
}

func TestDedupeTeams_PreservesFirstSeenNameAndOrder(t *testing.T) {
	name1, name2 := "Maccabi", "Hapoel"
	id1, id2 := "t1", "t2"
	matches := []store.Match{
		{HomeTeamID: &id1, HomeTeamName: &name1, AwayTeamID: &id2, AwayTeamName: &name2},
		{HomeTeamID: &id2, HomeTeamName: &name2, AwayTeamID: &id1, AwayTeamName: &name1},
	}
	teams := dedupeTeams(matches)
	if len(teams) != 2 {
		t.Fatalf("expected 2 deduplicated teams, got %+v", teams)
	}
	if teams[0].ID != "t1" || teams[1].ID != "t2" {
		t.Errorf("expected first-seen order preserved, got %+v", teams)
	}
}

func TestMatchFromRaw_ScoresOnlyCopiedWhenClosed(t *testing.T) {
	home, away := 88, 76
	rm := upstream.RawMatch{ID: "m1", Status: "NOT_STARTED", HomeScore: &home, AwayScore: &away}
	m := matchFromRaw(rm, groupTask{})
	if m.HomeScore != nil || m.AwayScore != nil {
		t.Errorf("expected scores to be dropped for a non-closed match, got home=%v away=%v", m.HomeScore, m.AwayScore)
	}

	rm.Status = "CLOSED"
	m = matchFromRaw(rm, groupTask{})
	if m.HomeScore == nil || m.AwayScore == nil || *m.HomeScore != 88 || *m.AwayScore != 76 {
		t.Errorf("expected scores to be copied for a closed match, got home=%v away=%v", m.HomeScore, m.AwayScore)
	}
}
