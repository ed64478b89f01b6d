package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/albapepper/hoopcal/internal/cache"
	"github.com/albapepper/hoopcal/internal/query"
	"github.com/albapepper/hoopcal/internal/refresh"
	"github.com/albapepper/hoopcal/internal/scrape"
	"github.com/albapepper/hoopcal/internal/store"
)

type fakeStore struct {
	seasons      []store.Season
	competitions []store.Competition
	matches      []store.Match
	teams        []store.Team
	metadataErr  error
	sizeBytes    *int64
}

func (s *fakeStore) ListSeasons(ctx context.Context) ([]store.Season, error) { return s.seasons, nil }
func (s *fakeStore) ListCompetitions(ctx context.Context, seasonID string) ([]store.Competition, error) {
	return s.competitions, nil
}
func (s *fakeStore) ListGroups(ctx context.Context, competitionID string) ([]store.Group, error) {
	return nil, nil
}
func (s *fakeStore) ListTeams(ctx context.Context, groupID string) ([]store.Team, error) {
	return s.teams, nil
}
func (s *fakeStore) FindMatches(ctx context.Context, filter store.MatchFilter) ([]store.Match, error) {
	return s.matches, nil
}
func (s *fakeStore) BulkReplace(ctx context.Context, snapshot store.Snapshot) error { return nil }
func (s *fakeStore) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	if s.metadataErr != nil {
		return "", false, s.metadataErr
	}
	return "", false, nil
}
func (s *fakeStore) SetMetadata(ctx context.Context, key, value string) error { return nil }
func (s *fakeStore) DatabaseSizeBytes(ctx context.Context) (*int64, error)   { return s.sizeBytes, nil }
func (s *fakeStore) Close() error                                            { return nil }

var _ store.Store = (*fakeStore)(nil)

func newTestHandler(s *fakeStore) *Handler {
	rc := refresh.New(func(ctx context.Context, onProgress func(scrape.Progress)) (scrape.Result, error) {
		return scrape.Result{}, nil
	}, time.Minute, time.Hour, nil)
	return New(s, query.New(s), rc, cache.New(false), nil, "test.hoopcal.local")
}

func TestListSeasons(t *testing.T) {
	s := &fakeStore{seasons: []store.Season{{ID: "s1", Name: "2025/2026"}}}
	h := newTestHandler(s)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/seasons", nil)
	w := httptest.NewRecorder()
	h.ListSeasons(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var seasons []store.Season
	if err := json.Unmarshal(w.Body.Bytes(), &seasons); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(seasons) != 1 || seasons[0].ID != "s1" {
		t.Errorf("unexpected seasons: %+v", seasons)
	}
}

func TestListCompetitions_RequiresSeasonID(t *testing.T) {
	h := newTestHandler(&fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/competitions", nil)
	w := httptest.NewRecorder()
	h.ListCompetitions(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 when seasonId is missing", w.Code)
	}
}

func TestListTeamsForGroup_UsesChiURLParam(t *testing.T) {
	s := &fakeStore{teams: []store.Team{{ID: "t1", Name: "Maccabi Tel Aviv"}}}
	h := newTestHandler(s)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/groups/g1/teams", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("groupID", "g1")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	w := httptest.NewRecorder()
	h.ListTeamsForGroup(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var teams []store.Team
	if err := json.Unmarshal(w.Body.Bytes(), &teams); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(teams) != 1 {
		t.Errorf("unexpected teams: %+v", teams)
	}
}

func TestFindMatches_InvalidStatusReturns400(t *testing.T) {
	h := newTestHandler(&fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/matches?status=BOGUS", nil)
	w := httptest.NewRecorder()
	h.FindMatches(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for an invalid status filter", w.Code)
	}
}

func TestCalendarICS_GeneratesDocument(t *testing.T) {
	date := time.Date(2026, 3, 12, 18, 30, 0, 0, time.UTC)
	homeID, homeName := "t1", "Maccabi Tel Aviv"
	awayID, awayName := "t2", "Hapoel Jerusalem"
	s := &fakeStore{matches: []store.Match{
		{
			ID: "m1", SeasonID: "s1", CompetitionID: "c1", CompetitionName: "Premier League",
			GroupID: "g1", GroupName: "<regular>",
			HomeTeamID: &homeID, HomeTeamName: &homeName,
			AwayTeamID: &awayID, AwayTeamName: &awayName,
			Date: date, Status: store.StatusNotStarted,
		},
	}}
	h := newTestHandler(s)

	req := httptest.NewRequest(http.MethodGet, "/calendar.ics", nil)
	w := httptest.NewRecorder()
	h.CalendarICS(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/calendar; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Header().Get("ETag") == "" {
		t.Error("expected an ETag header")
	}
}

func TestCalendarICS_EmptyStoreWithSeasonFilterReturnsEmptyCalendar(t *testing.T) {
	h := newTestHandler(&fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/calendar.ics?season=SX", nil)
	w := httptest.NewRecorder()
	h.CalendarICS(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a season filter against an empty store (§7 SnapshotEmpty), body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "BEGIN:VCALENDAR") || !strings.Contains(body, "END:VCALENDAR") {
		t.Errorf("expected a valid empty VCALENDAR envelope, got %s", body)
	}
	if strings.Contains(body, "BEGIN:VEVENT") {
		t.Errorf("expected zero VEVENTs against an empty store, got %s", body)
	}
}

func TestCalendarICS_InvalidPrepRejected(t *testing.T) {
	h := newTestHandler(&fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/calendar.ics?prep=999", nil)
	w := httptest.NewRecorder()
	h.CalendarICS(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for an out-of-range prep value", w.Code)
	}
}

func TestCalendarICS_NotModifiedWhenETagMatches(t *testing.T) {
	s := &fakeStore{}
	h := newTestHandler(s)

	req := httptest.NewRequest(http.MethodGet, "/calendar.ics", nil)
	w := httptest.NewRecorder()
	h.CalendarICS(w, req)
	etag := w.Header().Get("ETag")

	req2 := httptest.NewRequest(http.MethodGet, "/calendar.ics", nil)
	req2.Header.Set("If-None-Match", etag)
	w2 := httptest.NewRecorder()
	h.CalendarICS(w2, req2)

	if w2.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304 on a matching If-None-Match", w2.Code)
	}
}

func TestHealthCheckStore_ReportsUnavailable(t *testing.T) {
	s := &fakeStore{metadataErr: store.ErrUnavailable}
	h := newTestHandler(s)

	req := httptest.NewRequest(http.MethodGet, "/health/store", nil)
	w := httptest.NewRecorder()
	h.HealthCheckStore(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestRequestRefresh_ReportsStarted(t *testing.T) {
	s := &fakeStore{}
	h := newTestHandler(s)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/refresh", nil)
	w := httptest.NewRecorder()
	h.RequestRefresh(w, req)

	var resp RequestRefreshResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Outcome != string(refresh.RefreshStarted) {
		t.Errorf("Outcome = %q, want %q", resp.Outcome, refresh.RefreshStarted)
	}
}

func TestCacheInfo_ReportsStaleWhenNeverScraped(t *testing.T) {
	s := &fakeStore{}
	h := newTestHandler(s)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cache-info", nil)
	w := httptest.NewRecorder()
	h.CacheInfo(w, req)

	var resp CacheInfoResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Exists {
		t.Error("expected Exists=false when no scrape has completed")
	}
	if !resp.Stale {
		t.Error("expected Stale=true when no scrape has completed")
	}
}
