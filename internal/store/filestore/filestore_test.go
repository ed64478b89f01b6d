package filestore

import (
	"context"
	"testing"
	"time"

	"github.com/albapepper/hoopcal/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func sampleSnapshot() store.Snapshot {
	date := time.Date(2026, 3, 12, 18, 30, 0, 0, time.UTC)
	return store.Snapshot{
		Seasons: []store.Season{{ID: "s1", Name: "2025/2026"}},
		Competitions: []store.Competition{
			{ID: "c1", SeasonID: "s1", Name: "Premier League"},
		},
		Groups: []store.Group{
			{ID: "g1", CompetitionID: "c1", SeasonID: "s1", Name: "<regular>", Type: store.GroupLeague},
		},
		Teams: []store.Team{
			{ID: "t1", Name: "Maccabi Tel Aviv"},
			{ID: "t2", Name: "Hapoel Jerusalem"},
		},
		Matches: []store.Match{
			{
				ID: "m1", SeasonID: "s1", CompetitionID: "c1", CompetitionName: "Premier League",
				GroupID: "g1", GroupName: "<regular>",
				HomeTeamID: ptr("t1"), HomeTeamName: ptr("Maccabi Tel Aviv"),
				AwayTeamID: ptr("t2"), AwayTeamName: ptr("Hapoel Jerusalem"),
				Date: date, Status: store.StatusNotStarted,
			},
		},
	}
}

func TestBulkReplace_ThenFindMatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.BulkReplace(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("BulkReplace: %v", err)
	}

	matches, err := s.FindMatches(ctx, store.MatchFilter{})
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "m1" {
		t.Fatalf("unexpected matches: %+v", matches)
	}
	if matches[0].HomeTeamName == nil || *matches[0].HomeTeamName != "Maccabi Tel Aviv" {
		t.Errorf("unexpected home team name: %+v", matches[0])
	}
}

func TestBulkReplace_AdvancesMetadataOnlyOnCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, _ := s.GetMetadata(ctx, store.MetaLastScrapeCompleted); ok {
		t.Fatal("metadata should not exist before the first bulk replace")
	}

	if err := s.BulkReplace(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("BulkReplace: %v", err)
	}

	value, ok, err := s.GetMetadata(ctx, store.MetaLastScrapeCompleted)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if !ok || value == "" {
		t.Fatal("expected last_scrape_completed_at to be set after a successful bulk replace")
	}
}

func TestBulkReplace_IsAtomicOnFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.BulkReplace(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("BulkReplace (seed): %v", err)
	}

	bad := sampleSnapshot()
	bad.Matches[0].ID = "m2"

	cancelledCtx, cancel := context.WithCancel(ctx)
	cancel()

	err := s.BulkReplace(cancelledCtx, bad)
	if err == nil {
		t.Fatal("expected BulkReplace to fail against an already-cancelled context")
	}

	matches, err := s.FindMatches(ctx, store.MatchFilter{})
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "m1" {
		t.Fatalf("expected the original snapshot to remain untouched after a failed replace, got %+v", matches)
	}
}

func TestFindMatches_FiltersByGroupIDPreferredOverCompetitionName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.BulkReplace(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("BulkReplace: %v", err)
	}

	matches, err := s.FindMatches(ctx, store.MatchFilter{GroupID: "g1", CompetitionName: "nonexistent"})
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected group_id to take priority over an unmatched competition name, got %d matches", len(matches))
	}
}

func TestFindMatches_TeamNameSubstringCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.BulkReplace(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("BulkReplace: %v", err)
	}

	matches, err := s.FindMatches(ctx, store.MatchFilter{TeamName: "MACCABI"})
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected a case-insensitive substring match, got %d matches", len(matches))
	}
}

func TestListTeams_DedupedAndSorted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.BulkReplace(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("BulkReplace: %v", err)
	}

	teams, err := s.ListTeams(ctx, "g1")
	if err != nil {
		t.Fatalf("ListTeams: %v", err)
	}
	if len(teams) != 2 {
		t.Fatalf("expected 2 distinct teams, got %d", len(teams))
	}
	if teams[0].Name != "Hapoel Jerusalem" || teams[1].Name != "Maccabi Tel Aviv" {
		t.Fatalf("expected teams sorted by name, got %q, %q", teams[0].Name, teams[1].Name)
	}
}

func TestListCompetitions_NestsGroups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.BulkReplace(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("BulkReplace: %v", err)
	}

	competitions, err := s.ListCompetitions(ctx, "s1")
	if err != nil {
		t.Fatalf("ListCompetitions: %v", err)
	}
	if len(competitions) != 1 || len(competitions[0].Groups) != 1 {
		t.Fatalf("expected 1 competition with 1 nested group, got %+v", competitions)
	}
}

func TestDatabaseSizeBytes_Positive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.BulkReplace(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("BulkReplace: %v", err)
	}
	size, err := s.DatabaseSizeBytes(ctx)
	if err != nil {
		t.Fatalf("DatabaseSizeBytes: %v", err)
	}
	if size == nil || *size <= 0 {
		t.Fatalf("expected a positive database size, got %v", size)
	}
}
